package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"hiway-rpc/invocation"
)

func newInvocation() *invocation.Invocation {
	return invocation.New(context.Background(), "calc", "calculator", "add")
}

func TestSyncReturnsResponse(t *testing.T) {
	b := New(nil)
	invoker := InvokerFunc(func(inv *invocation.Invocation, done invocation.AsyncResponse) {
		go done(invocation.Success(42))
	})

	inv := newInvocation()
	resp := b.Sync(context.Background(), invoker, inv)
	require.True(t, resp.IsSuccess())
	assert.Equal(t, 42, resp.Result)
	assert.Equal(t, invocation.StateCompleted, inv.State())
}

func TestSyncInlineResponse(t *testing.T) {
	invoker := InvokerFunc(func(inv *invocation.Invocation, done invocation.AsyncResponse) {
		done(invocation.Failure(invocation.ErrNoAvailableEndpoint))
	})

	inv := newInvocation()
	resp := New(nil).Sync(context.Background(), invoker, inv)
	assert.ErrorIs(t, resp.Err, invocation.ErrNoAvailableEndpoint)
	assert.Equal(t, invocation.StateFailed, inv.State())
}

func TestSyncTimesOutAndDiscardsLateResponse(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := New(zap.New(core))

	var late invocation.AsyncResponse
	invoker := InvokerFunc(func(inv *invocation.Invocation, done invocation.AsyncResponse) {
		late = done
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := b.Sync(ctx, invoker, newInvocation())
	assert.Equal(t, invocation.StatusTimeout, resp.Status)
	assert.True(t, invocation.IsTransport(resp.Err))
	assert.ErrorIs(t, resp.Err, invocation.ErrTimeout)

	late(invocation.Success("too late"))
	assert.Equal(t, 1, logs.FilterMessage("Discarding response of a finished invocation").Len())
}

func TestAsyncFiresExactlyOnce(t *testing.T) {
	b := New(nil)
	invoker := InvokerFunc(func(inv *invocation.Invocation, done invocation.AsyncResponse) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				done(invocation.Success(i))
			}(i)
		}
		wg.Wait()
	})

	var calls atomic.Int32
	b.Async(invoker, newInvocation(), func(resp *invocation.Response) {
		calls.Add(1)
	})
	assert.Equal(t, int32(1), calls.Load())
}

func TestResult(t *testing.T) {
	v, err := Result(invocation.Success("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = Result(invocation.Failure(invocation.NewBusiness(456, "456 error")))
	var rpcErr *invocation.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, invocation.KindBusiness, rpcErr.Kind)
	assert.Equal(t, "456 error", rpcErr.Payload)
}
