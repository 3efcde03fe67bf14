package handler

import (
	"time"

	"go.uber.org/zap"

	"hiway-rpc/invocation"
)

// Logging logs every call with its duration once the response comes back.
type Logging struct {
	logger *zap.Logger
}

// NewLogging returns the stage logging every completed invocation through logger.
func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger.Named("access")}
}

func (l *Logging) Name() string { return "logging" }
func (l *Logging) Order() int   { return OrderLogging }

func (l *Logging) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	start := time.Now()
	next(inv, func(resp *invocation.Response) {
		fields := []zap.Field{
			zap.String("side", inv.Side.String()),
			zap.String("operation", inv.QualifiedName()),
			zap.Int32("status", resp.Status),
			zap.Duration("duration", time.Since(start)),
		}
		if inv.Endpoint != nil {
			fields = append(fields, zap.String("endpoint", inv.Endpoint.Address))
		}
		if resp.IsSuccess() {
			l.logger.Debug("Invocation completed", fields...)
		} else {
			fields = append(fields, zap.String("reason", resp.Reason), zap.Error(resp.Err))
			l.logger.Warn("Invocation failed", fields...)
		}
		done(resp)
	})
}
