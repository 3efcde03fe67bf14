package handler

import (
	"sync"

	"golang.org/x/time/rate"

	"hiway-rpc/invocation"
)

// RateLimit is a token bucket per operation. A call without a token is rejected
// without reaching the rest of the chain.
type RateLimit struct {
	limit    rate.Limit
	burst    int
	limiters sync.Map // qualified operation name -> *rate.Limiter
}

// NewRateLimit allows qps calls per second per operation, with bursts of burst.
func NewRateLimit(qps float64, burst int) *RateLimit {
	return &RateLimit{limit: rate.Limit(qps), burst: burst}
}

func (r *RateLimit) Name() string { return "rate-limit" }
func (r *RateLimit) Order() int   { return OrderRateLimit }

func (r *RateLimit) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	if !r.limiter(inv.QualifiedName()).Allow() {
		done(invocation.Failure(invocation.NewLocal(invocation.StatusTooMany, "rate limit exceeded", nil)))
		return
	}
	next(inv, done)
}

func (r *RateLimit) limiter(operation string) *rate.Limiter {
	if l, ok := r.limiters.Load(operation); ok {
		return l.(*rate.Limiter)
	}
	l, _ := r.limiters.LoadOrStore(operation, rate.NewLimiter(r.limit, r.burst))
	return l.(*rate.Limiter)
}
