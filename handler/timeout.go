package handler

import (
	"time"

	"hiway-rpc/invocation"
)

// QueueTimeout rejects provider calls that waited in the executor queue longer than
// limit. The caller has most likely given up on them already.
type QueueTimeout struct {
	limit time.Duration
}

// NewQueueTimeout rejects provider invocations that waited longer than limit.
func NewQueueTimeout(limit time.Duration) *QueueTimeout {
	return &QueueTimeout{limit: limit}
}

func (q *QueueTimeout) Name() string { return "queue-timeout" }
func (q *QueueTimeout) Order() int   { return OrderQueueTimeout }

func (q *QueueTimeout) Enabled(side invocation.Side, microservice, transport string) bool {
	return side == invocation.Producer && q.limit > 0
}

func (q *QueueTimeout) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	if waited := time.Since(inv.CreatedAt); waited > q.limit {
		done(invocation.Failure(invocation.NewLocal(invocation.StatusTimeout,
			"request queued for "+waited.Round(time.Millisecond).String(), nil)))
		return
	}
	next(inv, done)
}
