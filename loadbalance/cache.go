package loadbalance

import (
	"sync"
	"sync/atomic"

	"hiway-rpc/invocation"
)

type groupEntry struct {
	mu       sync.Mutex // serializes updates; reads go through snapshot
	snapshot atomic.Pointer[Group]
}

// Cache holds the latest Group per key. Reads are lock free; each group is updated
// copy-on-write under its own lock.
type Cache struct {
	groups sync.Map // GroupKey -> *groupEntry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the current snapshot of key, nil if the group was never populated.
func (c *Cache) Get(key GroupKey) *Group {
	e, ok := c.groups.Load(key)
	if !ok {
		return nil
	}
	return e.(*groupEntry).snapshot.Load()
}

// Update applies a registry snapshot of key taken at revision. The first snapshot of a
// group is always applied, whatever its revision; after that a revision not greater than
// the current one is stale and ignored. It reports whether the update was applied.
func (c *Cache) Update(key GroupKey, endpoints []invocation.Endpoint, revision int64) bool {
	return c.store(key, endpoints, func(current *Group) (int64, bool) {
		if current != nil && revision <= current.Revision {
			return 0, false
		}
		return revision, true
	})
}

// Replace sets the endpoints of key regardless of where they came from, one revision past
// the current one.
func (c *Cache) Replace(key GroupKey, endpoints []invocation.Endpoint) {
	c.store(key, endpoints, func(current *Group) (int64, bool) {
		if current == nil {
			return 1, true
		}
		return current.Revision + 1, true
	})
}

func (c *Cache) store(key GroupKey, endpoints []invocation.Endpoint, next func(current *Group) (int64, bool)) bool {
	v, _ := c.groups.LoadOrStore(key, &groupEntry{})
	e := v.(*groupEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	revision, ok := next(e.snapshot.Load())
	if !ok {
		return false
	}
	eps := make([]invocation.Endpoint, len(endpoints))
	copy(eps, endpoints)
	e.snapshot.Store(&Group{Key: key, Revision: revision, Endpoints: eps})
	return true
}

// Remove forgets a group.
func (c *Cache) Remove(key GroupKey) {
	c.groups.Delete(key)
}

// Keys lists the groups currently held.
func (c *Cache) Keys() []GroupKey {
	var keys []GroupKey
	c.groups.Range(func(k, _ any) bool {
		keys = append(keys, k.(GroupKey))
		return true
	})
	return keys
}
