package loadbalance

import (
	"github.com/pkg/errors"

	"hiway-rpc/handler"
	"hiway-rpc/invocation"
)

// Stage is the consumer chain stage that fills in the invocation's endpoint. An
// invocation that already carries an endpoint passes through untouched.
type Stage struct {
	cache    *Cache
	strategy Strategy
}

// NewStage returns the consumer stage picking endpoints from cache. A nil strategy
// is round robin.
func NewStage(cache *Cache, strategy Strategy) *Stage {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	return &Stage{cache: cache, strategy: strategy}
}

// NewStrategy builds a strategy by its configured name.
func NewStrategy(name, stickyKey string) (Strategy, error) {
	switch name {
	case "", "roundRobin":
		return NewRoundRobin(), nil
	case "sessionSticky":
		return NewSessionSticky(stickyKey), nil
	}
	return nil, errors.Errorf("unknown load balance strategy %q", name)
}

func (s *Stage) Name() string { return "loadbalance" }
func (s *Stage) Order() int   { return handler.OrderLoadBalance }

func (s *Stage) Enabled(side invocation.Side, microservice, transport string) bool {
	return side == invocation.Consumer
}

func (s *Stage) Handle(inv *invocation.Invocation, next handler.Next, done invocation.AsyncResponse) {
	if inv.Endpoint != nil {
		next(inv, done)
		return
	}

	group := s.cache.Get(KeyOf(inv))
	candidates := group.ByTransport(inv.Transport)
	if len(candidates) == 0 {
		done(invocation.Failure(errors.WithMessage(invocation.ErrNoAvailableEndpoint, KeyOf(inv).String())))
		return
	}

	ep := s.strategy.Select(group, candidates, inv)
	inv.Endpoint = &ep
	next(inv, done)
}
