package handler

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"hiway-rpc/invocation"
)

// Metrics counts calls by outcome and observes their latency.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var metricLabels = []string{"side", "microservice", "operation", "status"}

// NewMetrics registers the collectors with reg. Registering twice against the same
// registry reuses the collectors already there.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiway",
		Name:      "invocations_total",
		Help:      "Invocations by side, operation and final status.",
	}, metricLabels)
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hiway",
		Name:      "invocation_duration_seconds",
		Help:      "Time from entering the chain to the terminal response.",
		Buckets:   prometheus.DefBuckets,
	}, metricLabels)

	var err error
	if calls, err = register(reg, calls); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	return &Metrics{calls: calls, duration: duration}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "register metrics")
	}
	return c, nil
}

func (m *Metrics) Name() string { return "metrics" }
func (m *Metrics) Order() int   { return OrderMetrics }

func (m *Metrics) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	start := time.Now()
	next(inv, func(resp *invocation.Response) {
		labels := prometheus.Labels{
			"side":         inv.Side.String(),
			"microservice": inv.Microservice,
			"operation":    inv.SchemaID + "." + inv.OperationName,
			"status":       strconv.Itoa(int(resp.Status)),
		}
		m.calls.With(labels).Inc()
		m.duration.With(labels).Observe(time.Since(start).Seconds())
		done(resp)
	})
}
