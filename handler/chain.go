package handler

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"hiway-rpc/invocation"
)

// Chain is an immutable, ordered list of stages. It is reentrant: one Chain serves
// every concurrent call of its identity.
type Chain struct {
	logger   *zap.Logger
	handlers []Handler
}

// NewChain sorts handlers by Order. The sort is stable, so stages with the same order
// keep their registration order and rebuilding from the same set yields the same chain.
func NewChain(logger *zap.Logger, handlers ...Handler) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Handler, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Chain{logger: logger.Named("chain"), handlers: sorted}
}

// Names lists the stages in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.handlers))
	for i, h := range c.handlers {
		names[i] = h.Name()
	}
	return names
}

func (c *Chain) Len() int { return len(c.handlers) }

// Invoke runs inv through the chain. done receives the terminal response.
func (c *Chain) Invoke(inv *invocation.Invocation, done invocation.AsyncResponse) {
	c.invoke(0, inv, done)
}

// outcome states of one stage for one invocation
const (
	stageIdle int32 = iota
	stageContinuing
	stageResponded
)

type guard struct {
	state atomic.Int32
}

func (c *Chain) invoke(i int, inv *invocation.Invocation, done invocation.AsyncResponse) {
	if i >= len(c.handlers) {
		c.violation(inv, "end of chain", "continued past the last stage")
		done(invocation.Failure(invocation.NewLocal(invocation.StatusConsumerInternal, "handler chain exhausted", nil)))
		return
	}

	h := c.handlers[i]
	g := &guard{}

	next := func(inv *invocation.Invocation, downstreamDone invocation.AsyncResponse) {
		if !g.state.CompareAndSwap(stageIdle, stageContinuing) {
			c.violation(inv, h.Name(), "continued while a continuation was outstanding or after responding")
			return
		}
		c.invoke(i+1, inv, func(resp *invocation.Response) {
			g.state.CompareAndSwap(stageContinuing, stageIdle)
			downstreamDone(resp)
		})
	}

	respond := func(resp *invocation.Response) {
		if !g.state.CompareAndSwap(stageIdle, stageResponded) {
			c.violation(inv, h.Name(), "responded twice or while its continuation was outstanding")
			return
		}
		done(resp)
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		c.logger.Error("Stage panicked",
			zap.String("stage", h.Name()),
			zap.String("operation", inv.QualifiedName()),
			zap.Any("panic", r))
		if g.state.CompareAndSwap(stageIdle, stageResponded) {
			done(invocation.Failure(invocation.NewLocal(invocation.StatusConsumerInternal,
				"stage "+h.Name()+" panicked", fmt.Errorf("%v", r))))
		}
	}()

	h.Handle(inv, next, respond)
}

// violation reports a stage that broke the one-outcome rule. The offending call is
// dropped; in development builds DPanic turns this into a panic.
func (c *Chain) violation(inv *invocation.Invocation, stage, what string) {
	c.logger.DPanic("Pipeline protocol violation",
		zap.String("stage", stage),
		zap.String("operation", inv.QualifiedName()),
		zap.String("violation", what))
}
