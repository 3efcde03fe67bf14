// Package bridge adapts the callback-driven handler chain to the two caller styles:
// a blocking call that returns the response, and an async call whose callback fires
// exactly once.
package bridge

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/invocation"
)

// Invoker runs an invocation and reports its terminal response through done.
// A chain is an Invoker.
type Invoker interface {
	Invoke(inv *invocation.Invocation, done invocation.AsyncResponse)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(inv *invocation.Invocation, done invocation.AsyncResponse)

func (f InvokerFunc) Invoke(inv *invocation.Invocation, done invocation.AsyncResponse) {
	f(inv, done)
}

// Bridge completes invocations exactly once and logs late or duplicate responses.
type Bridge struct {
	logger *zap.Logger
}

// New returns a Bridge that logs through logger.
func New(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{logger: logger.Named("bridge")}
}

// Sync runs inv and blocks until its response arrives or ctx is done. The callback
// only hands the response over, so it never blocks whatever goroutine delivers it.
// When ctx ends first the invocation is finished with a timeout and a later response
// is discarded.
func (b *Bridge) Sync(ctx context.Context, invoker Invoker, inv *invocation.Invocation) *invocation.Response {
	ch := make(chan *invocation.Response, 1)
	invoker.Invoke(inv, func(resp *invocation.Response) {
		if !inv.Finish(resp) {
			b.discard(inv, resp)
			return
		}
		ch <- resp
	})

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		resp := invocation.Failure(errors.WithMessage(invocation.ErrTimeout, ctx.Err().Error()))
		if !inv.Finish(resp) {
			// the response won the race
			return <-ch
		}
		return resp
	}
}

// Async runs inv and delivers its response to cb exactly once. cb runs on whatever
// goroutine completes the call and must not block for long.
func (b *Bridge) Async(invoker Invoker, inv *invocation.Invocation, cb invocation.AsyncResponse) {
	invoker.Invoke(inv, func(resp *invocation.Response) {
		if !inv.Finish(resp) {
			b.discard(inv, resp)
			return
		}
		cb(resp)
	})
}

func (b *Bridge) discard(inv *invocation.Invocation, resp *invocation.Response) {
	b.logger.Warn("Discarding response of a finished invocation",
		zap.String("operation", inv.QualifiedName()),
		zap.Int64("correlationId", inv.CorrelationID),
		zap.Int32("status", resp.Status))
}

// Result unpacks a response into the value and error a caller returns.
func Result(resp *invocation.Response) (any, error) {
	if resp.IsSuccess() {
		return resp.Result, nil
	}
	return nil, resp.Error()
}
