package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hiway-rpc/invocation"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: connection pool closed")

// ConnPool keeps a fixed number of multiplexed connections per endpoint. Connections
// are created lazily on first use and replaced when they die. Requests spread over an
// endpoint's connections in round-robin order.
type ConnPool struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointConns
	closed    bool
}

type endpointConns struct {
	mu    sync.Mutex // held while dialing a slot
	conns []*ClientTransport
	next  atomic.Uint64
}

func NewConnPool(opts Options) *ConnPool {
	opts = opts.withDefaults()
	return &ConnPool{
		opts:      opts,
		logger:    opts.Logger.Named("pool"),
		endpoints: make(map[string]*endpointConns),
	}
}

// Get returns a logged-in connection to ep, dialing one if the chosen slot is empty or
// dead.
func (p *ConnPool) Get(ctx context.Context, ep invocation.Endpoint) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	slots, ok := p.endpoints[ep.String()]
	if !ok {
		slots = &endpointConns{conns: make([]*ClientTransport, p.opts.ConnectionsPerEndpoint)}
		p.endpoints[ep.String()] = slots
	}
	p.mu.Unlock()

	i := int(slots.next.Add(1) % uint64(len(slots.conns)))

	slots.mu.Lock()
	defer slots.mu.Unlock()
	if c := slots.conns[i]; c != nil && c.Alive() {
		return c, nil
	}

	c, err := Dial(ctx, ep, p.opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		c.Close()
		return nil, ErrPoolClosed
	}

	if old := slots.conns[i]; old != nil {
		p.logger.Info("Replacing dead connection", zap.String("endpoint", ep.Address), zap.Int("slot", i))
	}
	slots.conns[i] = c
	return c, nil
}

// Close closes every connection. Outstanding requests fail with a connection lost error.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	p.closed = true
	endpoints := p.endpoints
	p.endpoints = make(map[string]*endpointConns)
	p.mu.Unlock()

	var err error
	for _, slots := range endpoints {
		slots.mu.Lock()
		for _, c := range slots.conns {
			if c != nil {
				err = multierr.Append(err, c.Close())
			}
		}
		slots.mu.Unlock()
	}
	return err
}
