package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Registry. Leases are not enforced: an instance stays until it
// is deregistered.
type Memory struct {
	mu       sync.Mutex
	revision int64
	services map[string]map[string]Instance // appID/service -> id -> instance
	watchers map[string]map[chan Snapshot]struct{}
	closed   bool
}

// NewMemory returns an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string]map[chan Snapshot]struct{}),
	}
}

func serviceKey(appID, service string) string {
	return appID + "/" + service
}

func (m *Memory) Register(ctx context.Context, inst Instance, ttl time.Duration) error {
	if err := inst.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := serviceKey(inst.AppID, inst.Service)
	if m.services[key] == nil {
		m.services[key] = make(map[string]Instance)
	}
	m.services[key][inst.ID] = inst
	m.revision++
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Deregister(ctx context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := serviceKey(inst.AppID, inst.Service)
	if _, ok := m.services[key][inst.ID]; !ok {
		return nil
	}
	delete(m.services[key], inst.ID)
	m.revision++
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Discover(ctx context.Context, appID, service string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(serviceKey(appID, service)), nil
}

func (m *Memory) Watch(ctx context.Context, appID, service string) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	key := serviceKey(appID, service)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan Snapshot]struct{})
	}
	m.watchers[key][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[key][ch]; ok {
			delete(m.watchers[key], ch)
			close(ch)
		}
	}()
	return ch
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, chans := range m.watchers {
		for ch := range chans {
			close(ch)
		}
		delete(m.watchers, key)
	}
	return nil
}

func (m *Memory) snapshotLocked(key string) Snapshot {
	instances := make([]Instance, 0, len(m.services[key]))
	for _, inst := range m.services[key] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return Snapshot{Instances: instances, Revision: m.revision}
}

func (m *Memory) notifyLocked(key string) {
	if len(m.watchers[key]) == 0 {
		return
	}
	snap := m.snapshotLocked(key)
	for ch := range m.watchers[key] {
		offerLatest(ch, snap)
	}
}
