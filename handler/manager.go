package handler

import (
	"sync"

	"go.uber.org/zap"

	"hiway-rpc/invocation"
)

type chainKey struct {
	side         invocation.Side
	microservice string
	transport    string
}

// Manager owns the registered stage set per side and builds one chain per
// (side, microservice, transport) identity. Built chains are cached and shared.
type Manager struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[invocation.Side][]Handler
	chains   sync.Map // chainKey -> *Chain
}

// NewManager returns a manager without stages.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		handlers: make(map[invocation.Side][]Handler),
	}
}

// Register adds stages to one side. Cached chains are dropped and rebuilt on next use.
func (m *Manager) Register(side invocation.Side, handlers ...Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[side] = append(m.handlers[side], handlers...)
	m.chains.Range(func(key, _ any) bool {
		if key.(chainKey).side == side {
			m.chains.Delete(key)
		}
		return true
	})
}

// Chain returns the chain for an identity, building it on first use. final is the
// last stage; it must be the same for every call with the same side and transport.
func (m *Manager) Chain(side invocation.Side, microservice, transport string, final Handler) *Chain {
	key := chainKey{side: side, microservice: microservice, transport: transport}
	if c, ok := m.chains.Load(key); ok {
		return c.(*Chain)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chains.Load(key); ok {
		return c.(*Chain)
	}

	var selected []Handler
	for _, h := range m.handlers[side] {
		if f, ok := h.(Filter); ok && !f.Enabled(side, microservice, transport) {
			continue
		}
		selected = append(selected, h)
	}
	if final != nil {
		selected = append(selected, final)
	}

	c := NewChain(m.logger.With(
		zap.String("side", side.String()),
		zap.String("microservice", microservice),
		zap.String("transport", transport)), selected...)
	m.chains.Store(key, c)

	m.logger.Debug("Built handler chain",
		zap.String("side", side.String()),
		zap.String("microservice", microservice),
		zap.String("transport", transport),
		zap.Strings("stages", c.Names()))
	return c
}
