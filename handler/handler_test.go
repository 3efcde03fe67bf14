package handler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"hiway-rpc/invocation"
)

// echo is a final stage answering with the invocation's first argument.
var echo = New("echo", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	var result any
	if len(inv.Args) > 0 {
		result = inv.Args[0]
	}
	done(invocation.Success(result))
})

func newInvocation(args ...any) *invocation.Invocation {
	return invocation.New(context.Background(), "calc", "calculator", "add", args...)
}

// invokeSync runs the chain and waits for the single response.
func invokeSync(t *testing.T, c *Chain, inv *invocation.Invocation) *invocation.Response {
	t.Helper()
	ch := make(chan *invocation.Response, 2)
	c.Invoke(inv, func(resp *invocation.Response) { ch <- resp })
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("chain never responded")
		return nil
	}
}

func recorder(name string, order int, trail *[]string, mu *sync.Mutex) Handler {
	return New(name, order, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		mu.Lock()
		*trail = append(*trail, name)
		mu.Unlock()
		next(inv, done)
	})
}

func TestChainOrderIsStable(t *testing.T) {
	var trail []string
	var mu sync.Mutex
	stages := []Handler{
		recorder("c", 10, &trail, &mu),
		recorder("a", -5, &trail, &mu),
		recorder("b1", 0, &trail, &mu),
		recorder("b2", 0, &trail, &mu),
		echo,
	}

	first := NewChain(nil, stages...)
	second := NewChain(nil, stages...)
	assert.Equal(t, []string{"a", "b1", "b2", "c", "echo"}, first.Names())
	assert.Equal(t, first.Names(), second.Names())

	resp := invokeSync(t, first, newInvocation("x"))
	require.True(t, resp.IsSuccess())
	assert.Equal(t, "x", resp.Result)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, trail)
}

func TestChainShortCircuit(t *testing.T) {
	reached := false
	final := New("final", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		reached = true
		done(invocation.Success(nil))
	})
	reject := New("reject", 0, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		done(invocation.Failure(invocation.NewLocal(invocation.StatusUnauthorized, "nope", nil)))
	})

	resp := invokeSync(t, NewChain(nil, reject, final), newInvocation())
	assert.False(t, reached)
	assert.Equal(t, invocation.StatusUnauthorized, resp.Status)
}

func TestChainStageObservesResponse(t *testing.T) {
	wrap := New("wrap", 0, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		inv.SetContext("seen", "before")
		next(inv, func(resp *invocation.Response) {
			resp.Reason = "wrapped " + inv.ContextValue("seen")
			done(resp)
		})
	})

	resp := invokeSync(t, NewChain(nil, wrap, echo), newInvocation(1))
	assert.Equal(t, "wrapped before", resp.Reason)
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestChainDoubleResponseIsViolation(t *testing.T) {
	logger, logs := observed()
	twice := New("twice", 0, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		done(invocation.Success(1))
		done(invocation.Success(2))
	})

	var calls atomic.Int32
	var got *invocation.Response
	NewChain(logger, twice, echo).Invoke(newInvocation(), func(resp *invocation.Response) {
		calls.Add(1)
		got = resp
	})

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, got.Result)
	assert.Equal(t, 1, logs.FilterMessage("Pipeline protocol violation").Len())
}

func TestChainContinueAndRespondIsViolation(t *testing.T) {
	logger, logs := observed()

	var pending invocation.AsyncResponse
	parked := New("parked", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		pending = done
	})
	both := New("both", 0, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		next(inv, done)
		done(invocation.Success("short"))
	})

	var responses []*invocation.Response
	NewChain(logger, both, parked).Invoke(newInvocation(), func(resp *invocation.Response) {
		responses = append(responses, resp)
	})
	assert.Empty(t, responses)
	assert.Equal(t, 1, logs.FilterMessage("Pipeline protocol violation").Len())

	pending(invocation.Success("downstream"))
	require.Len(t, responses, 1)
	assert.Equal(t, "downstream", responses[0].Result)
}

func TestChainPanicBecomesFailure(t *testing.T) {
	logger, logs := observed()
	boom := New("boom", 0, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		panic("boom")
	})

	resp := invokeSync(t, NewChain(logger, boom, echo), newInvocation())
	assert.False(t, resp.IsSuccess())
	assert.Equal(t, invocation.KindLocal, invocation.KindOf(resp.Err))
	assert.Equal(t, 1, logs.FilterMessage("Stage panicked").Len())
}

func TestChainExhausted(t *testing.T) {
	passthrough := New("pass", 0, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		next(inv, done)
	})

	resp := invokeSync(t, NewChain(nil, passthrough), newInvocation())
	assert.False(t, resp.IsSuccess())
}

func TestManagerCachesPerIdentity(t *testing.T) {
	m := NewManager(nil)
	m.Register(invocation.Consumer, NewTrace())
	m.Register(invocation.Producer, NewQueueTimeout(time.Second))

	a := m.Chain(invocation.Consumer, "calc", "highway", echo)
	assert.Same(t, a, m.Chain(invocation.Consumer, "calc", "highway", echo))
	assert.NotSame(t, a, m.Chain(invocation.Consumer, "other", "highway", echo))
	assert.Equal(t, []string{"trace", "echo"}, a.Names())

	// stages registered on one side never reach the other
	assert.Equal(t, []string{"queue-timeout", "echo"}, m.Chain(invocation.Producer, "calc", "highway", echo).Names())

	m.Register(invocation.Consumer, NewLogging(nil))
	rebuilt := m.Chain(invocation.Consumer, "calc", "highway", echo)
	assert.NotSame(t, a, rebuilt)
	assert.Equal(t, []string{"logging", "trace", "echo"}, rebuilt.Names())
}

func TestOnlyOn(t *testing.T) {
	m := NewManager(nil)
	stage := OnlyOn(invocation.Producer, NewTrace())
	m.Register(invocation.Consumer, stage)
	m.Register(invocation.Producer, stage)

	assert.Equal(t, []string{"echo"}, m.Chain(invocation.Consumer, "calc", "highway", echo).Names())
	assert.Equal(t, []string{"trace", "echo"}, m.Chain(invocation.Producer, "calc", "highway", echo).Names())
}

func TestLogging(t *testing.T) {
	logger, logs := observed()
	c := NewChain(nil, NewLogging(logger), echo)

	resp := invokeSync(t, c, newInvocation("ok"))
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, 1, logs.FilterMessage("Invocation completed").Len())
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the third is rejected
	c := NewChain(nil, NewRateLimit(1, 2), echo)

	for i := 0; i < 2; i++ {
		resp := invokeSync(t, c, newInvocation(i))
		require.True(t, resp.IsSuccess(), "request %d should pass", i)
	}
	resp := invokeSync(t, c, newInvocation())
	assert.Equal(t, invocation.StatusTooMany, resp.Status)

	// buckets are per operation
	other := invocation.New(context.Background(), "calc", "calculator", "sub")
	assert.True(t, invokeSync(t, c, other).IsSuccess())
}

func TestQueueTimeout(t *testing.T) {
	c := NewChain(nil, NewQueueTimeout(50*time.Millisecond), echo)

	fresh := newInvocation(1)
	fresh.Side = invocation.Producer
	assert.True(t, invokeSync(t, c, fresh).IsSuccess())

	stale := newInvocation(1)
	stale.Side = invocation.Producer
	stale.CreatedAt = time.Now().Add(-time.Second)
	assert.Equal(t, invocation.StatusTimeout, invokeSync(t, c, stale).Status)
}

func TestAuth(t *testing.T) {
	auth := NewAuth("secret")

	consumer := newInvocation()
	assert.True(t, invokeSync(t, NewChain(nil, auth, echo), consumer).IsSuccess())
	assert.Equal(t, "secret", consumer.ContextValue(AuthTokenKey))

	good := newInvocation()
	good.Side = invocation.Producer
	good.SetContext(AuthTokenKey, "secret")
	assert.True(t, invokeSync(t, NewChain(nil, auth, echo), good).IsSuccess())

	bad := newInvocation()
	bad.Side = invocation.Producer
	bad.SetContext(AuthTokenKey, "guess")
	assert.Equal(t, invocation.StatusUnauthorized, invokeSync(t, NewChain(nil, auth, echo), bad).Status)

	assert.False(t, NewAuth("").Enabled(invocation.Producer, "calc", "highway"))
}

func TestTrace(t *testing.T) {
	inv := newInvocation()
	invokeSync(t, NewChain(nil, NewTrace(), echo), inv)
	assert.NotEmpty(t, inv.ContextValue(TraceIDKey))

	kept := newInvocation()
	kept.SetContext(TraceIDKey, "upstream")
	invokeSync(t, NewChain(nil, NewTrace(), echo), kept)
	assert.Equal(t, "upstream", kept.ContextValue(TraceIDKey))
}

func TestRetryOnlyTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	flaky := New("flaky", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		if attempts.Add(1) < 3 {
			done(invocation.Failure(invocation.ErrConnectionLost))
			return
		}
		done(invocation.Success("third time"))
	})

	c := NewChain(nil, NewRetry(3, time.Millisecond, nil), flaky)
	resp := invokeSync(t, c, newInvocation())
	require.True(t, resp.IsSuccess())
	assert.Equal(t, "third time", resp.Result)
	assert.Equal(t, int32(3), attempts.Load())

	var businessAttempts atomic.Int32
	business := New("business", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		businessAttempts.Add(1)
		done(invocation.Failure(invocation.NewBusiness(456, "456 error")))
	})
	resp = invokeSync(t, NewChain(nil, NewRetry(3, time.Millisecond, nil), business), newInvocation())
	assert.Equal(t, int32(456), resp.Status)
	assert.Equal(t, int32(1), businessAttempts.Load())
}

func TestRetrySaturatedProvider(t *testing.T) {
	var attempts atomic.Int32
	busy := New("busy", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		if attempts.Add(1) == 1 {
			done(invocation.Failure(invocation.Rejected(invocation.StatusUnavailable, "executor rejected task")))
			return
		}
		done(invocation.Success("second time"))
	})
	resp := invokeSync(t, NewChain(nil, NewRetry(3, time.Millisecond, nil), busy), newInvocation())
	require.True(t, resp.IsSuccess())
	assert.Equal(t, int32(2), attempts.Load())

	var notFound atomic.Int32
	missing := New("missing", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		notFound.Add(1)
		done(invocation.Failure(invocation.Rejected(invocation.StatusNotFound, "operation not found")))
	})
	resp = invokeSync(t, NewChain(nil, NewRetry(3, time.Millisecond, nil), missing), newInvocation())
	assert.True(t, invocation.IsRejected(resp.Err))
	assert.Equal(t, int32(1), notFound.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var attempts atomic.Int32
	down := New("down", OrderFinal, func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
		attempts.Add(1)
		done(invocation.Failure(invocation.ErrConnectionLost))
	})

	resp := invokeSync(t, NewChain(nil, NewRetry(2, time.Millisecond, nil), down), newInvocation())
	assert.True(t, invocation.IsTransport(resp.Err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	again, err := NewMetrics(reg)
	require.NoError(t, err)

	invokeSync(t, NewChain(nil, metrics, echo), newInvocation())
	invokeSync(t, NewChain(nil, again, echo), newInvocation())

	counter := metrics.calls.With(prometheus.Labels{
		"side": "consumer", "microservice": "calc", "operation": "calculator.add", "status": "200",
	})
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))
}
