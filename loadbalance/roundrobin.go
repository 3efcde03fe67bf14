package loadbalance

import (
	"math"
	"sync"
	"sync/atomic"

	"hiway-rpc/invocation"
)

// RoundRobin cycles through the endpoints of each group in order. Every group has its
// own counter, created on first use and kept for the life of the strategy, so fairness
// holds per group no matter how calls to different groups interleave.
type RoundRobin struct {
	counters sync.Map // GroupKey -> *atomic.Int64
}

// NewRoundRobin returns a strategy with one counter per endpoint group.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (b *RoundRobin) Name() string { return "roundRobin" }

func (b *RoundRobin) Select(group *Group, candidates []invocation.Endpoint, inv *invocation.Invocation) invocation.Endpoint {
	return candidates[b.next(group.Key, len(candidates))]
}

func (b *RoundRobin) next(key GroupKey, n int) int {
	counter, ok := b.counters.Load(key)
	if !ok {
		counter, _ = b.counters.LoadOrStore(key, new(atomic.Int64))
	}
	v := counter.(*atomic.Int64).Add(1) - 1
	// after wrap-around the counter goes negative; MinInt64 has no positive counterpart
	if v == math.MinInt64 {
		v = 0
	} else if v < 0 {
		v = -v
	}
	return int(v % int64(n))
}
