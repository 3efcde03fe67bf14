package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"

	"hiway-rpc/invocation"
)

// DefaultStickyKey is the context entry SessionSticky hashes when none is configured.
const DefaultStickyKey = "x-session-id"

// SessionSticky maps a session key taken from the invocation context onto a hash ring
// of the group's endpoints, so the same session keeps reaching the same endpoint while
// the group is unchanged. Calls without the key fall back to round robin.
//
// Each endpoint is placed on the ring as replicas virtual nodes to spread the load.
type SessionSticky struct {
	contextKey string
	replicas   int
	fallback   *RoundRobin

	rings sync.Map // ringKey -> *ring
}

type ringKey struct {
	group     GroupKey
	transport string
}

type ring struct {
	revision int64
	hashes   []uint32
	nodes    map[uint32]invocation.Endpoint
}

// NewSessionSticky hashes the context entry contextKey, DefaultStickyKey when empty.
func NewSessionSticky(contextKey string) *SessionSticky {
	if contextKey == "" {
		contextKey = DefaultStickyKey
	}
	return &SessionSticky{
		contextKey: contextKey,
		replicas:   100,
		fallback:   NewRoundRobin(),
	}
}

func (b *SessionSticky) Name() string { return "sessionSticky" }

func (b *SessionSticky) Select(group *Group, candidates []invocation.Endpoint, inv *invocation.Invocation) invocation.Endpoint {
	session := inv.ContextValue(b.contextKey)
	if session == "" {
		return b.fallback.Select(group, candidates, inv)
	}
	return b.ring(group, inv.Transport, candidates).pick(session)
}

// ring returns the ring of the current group revision, rebuilding it after an update.
func (b *SessionSticky) ring(group *Group, transport string, candidates []invocation.Endpoint) *ring {
	key := ringKey{group: group.Key, transport: transport}
	if r, ok := b.rings.Load(key); ok && r.(*ring).revision == group.Revision {
		return r.(*ring)
	}

	r := &ring{
		revision: group.Revision,
		nodes:    make(map[uint32]invocation.Endpoint, len(candidates)*b.replicas),
	}
	for _, ep := range candidates {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(ep.Address + "#" + strconv.Itoa(i)))
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = ep
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	b.rings.Store(key, r)
	return r
}

// pick walks clockwise from the key's hash to the first node, wrapping at the end.
func (r *ring) pick(key string) invocation.Endpoint {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}
