package handler

import (
	"time"

	"go.uber.org/zap"

	"hiway-rpc/invocation"
)

// Retry re-sends calls that failed with a transport error, or that a provider refused
// because its executor was saturated, with exponential backoff. Business, local and
// other rejected failures are never retried. The endpoint is cleared before each retry
// so load balancing picks again.
type Retry struct {
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// NewRetry returns a stage that retries at most maxRetries times, doubling baseDelay
// after each attempt. It is disabled when maxRetries is zero.
func NewRetry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) *Retry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retry{maxRetries: maxRetries, baseDelay: baseDelay, logger: logger.Named("retry")}
}

func (r *Retry) Name() string { return "retry" }
func (r *Retry) Order() int   { return OrderRetry }

func (r *Retry) Enabled(side invocation.Side, microservice, transport string) bool {
	return side == invocation.Consumer && r.maxRetries > 0
}

func (r *Retry) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	attempt := 0

	var onResponse invocation.AsyncResponse
	onResponse = func(resp *invocation.Response) {
		if resp.IsSuccess() || !retryable(resp.Err) || attempt >= r.maxRetries || inv.Ctx().Err() != nil {
			done(resp)
			return
		}
		delay := r.baseDelay * time.Duration(1<<attempt)
		attempt++
		r.logger.Info("Retrying invocation",
			zap.String("operation", inv.QualifiedName()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(resp.Err))

		// never block the goroutine that delivered the failure
		time.AfterFunc(delay, func() {
			inv.Endpoint = nil
			next(inv, onResponse)
		})
	}
	next(inv, onResponse)
}

func retryable(err error) bool {
	if invocation.IsTransport(err) {
		return true
	}
	e := invocation.AsError(err)
	return e.Kind == invocation.KindRejected && e.Status == invocation.StatusUnavailable
}
