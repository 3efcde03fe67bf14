package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/handler"
	"hiway-rpc/invocation"
)

// Reply completes an asynchronous operation. Only the first call counts.
type Reply func(result any, err error)

// Declaration maps an error an operation may return to a business status. The caller
// receives that status with the error text as payload.
type Declaration struct {
	target error
	status int32
}

// Declare declares target, matched with errors.Is, as a business failure with status.
func Declare(target error, status int32) Declaration {
	return Declaration{target: target, status: status}
}

// Binding is the implementation bound to one operation.
type Binding struct {
	call     func(ctx context.Context, inv *invocation.Invocation, reply Reply)
	declared []Declaration
}

// Func binds a synchronous implementation.
func Func(fn func(ctx context.Context, inv *invocation.Invocation) (any, error), declared ...Declaration) *Binding {
	return &Binding{
		call: func(ctx context.Context, inv *invocation.Invocation, reply Reply) {
			reply(fn(ctx, inv))
		},
		declared: declared,
	}
}

// AsyncFunc binds an implementation that answers later through reply, possibly from
// another goroutine.
func AsyncFunc(fn func(ctx context.Context, inv *invocation.Invocation, reply Reply), declared ...Declaration) *Binding {
	return &Binding{call: fn, declared: declared}
}

// outcome turns what an implementation returned into a response. Business errors and
// declared errors keep their status and payload; anything else collapses to the generic
// unexpected error so no internal detail reaches the wire.
func (b *Binding) outcome(result any, err error) (*invocation.Response, bool) {
	if err == nil {
		return invocation.Success(result), true
	}

	var rpcErr *invocation.Error
	if errors.As(err, &rpcErr) && rpcErr.Kind == invocation.KindBusiness {
		return invocation.Failure(rpcErr), true
	}
	for _, d := range b.declared {
		if errors.Is(err, d.target) {
			return invocation.Failure(invocation.NewBusiness(d.status, err.Error())), true
		}
	}
	return invocation.Failure(invocation.Unexpected()), false
}

// operationStage is the final stage of a provider chain: it runs the bound
// implementation and answers exactly once.
type operationStage struct {
	server *Server
	logger *zap.Logger
}

func (o *operationStage) Name() string { return "operation" }
func (o *operationStage) Order() int   { return handler.OrderFinal }

func (o *operationStage) Handle(inv *invocation.Invocation, next handler.Next, done invocation.AsyncResponse) {
	binding := o.server.binding(inv.Operation)
	if binding == nil {
		done(invocation.Failure(errors.WithMessage(invocation.ErrOperationNotFound, inv.QualifiedName())))
		return
	}

	var replied atomic.Bool
	reply := func(result any, err error) {
		if !replied.CompareAndSwap(false, true) {
			o.logger.Warn("Operation replied more than once", zap.String("operation", inv.QualifiedName()))
			return
		}
		resp, expected := binding.outcome(result, err)
		if !expected {
			o.logger.Error("Operation failed unexpectedly",
				zap.String("operation", inv.QualifiedName()),
				zap.Int64("correlationId", inv.CorrelationID),
				zap.Error(err))
		}
		done(resp)
	}

	defer func() {
		if r := recover(); r != nil {
			reply(nil, fmt.Errorf("operation panicked: %v", r))
		}
	}()
	binding.call(inv.Ctx(), inv, reply)
}
