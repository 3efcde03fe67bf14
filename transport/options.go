package transport

import (
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/executor"
	"hiway-rpc/protocol"
)

// UnmatchedPolicy decides what a connection does with a response whose correlation id
// has no outstanding request.
type UnmatchedPolicy string

const (
	// UnmatchedDrop logs and discards the frame.
	UnmatchedDrop UnmatchedPolicy = "drop"
	// UnmatchedClose logs and closes the connection, failing its outstanding requests.
	UnmatchedClose UnmatchedPolicy = "close"
)

func ParseUnmatchedPolicy(s string) (UnmatchedPolicy, error) {
	switch p := UnmatchedPolicy(s); p {
	case "", UnmatchedDrop:
		return UnmatchedDrop, nil
	case UnmatchedClose:
		return p, nil
	}
	return "", errors.Errorf("unknown unmatched response policy %q", s)
}

// Options configures client connections.
type Options struct {
	// ConnectionsPerEndpoint is the number of multiplexed connections kept per endpoint.
	ConnectionsPerEndpoint int
	DialTimeout            time.Duration
	LoginTimeout           time.Duration
	// RequestTimeout bounds requests whose invocation carries no deadline.
	RequestTimeout time.Duration
	// SweepInterval is how often outstanding requests are checked against their deadline.
	SweepInterval time.Duration
	WriteQueue    int
	Unmatched     UnmatchedPolicy
	Limits        protocol.Limits
	// TLS is used for endpoints with sslEnabled. Nil means a default config.
	TLS *tls.Config
	// Callbacks runs response callbacks off the connection's read loop. Nil, or a
	// rejecting executor, falls back to a new goroutine per callback.
	Callbacks executor.Executor
	Logger    *zap.Logger
}

// DefaultOptions are the values NewConnPool uses for zero fields.
func DefaultOptions() Options {
	return Options{
		ConnectionsPerEndpoint: 1,
		DialTimeout:            3 * time.Second,
		LoginTimeout:           3 * time.Second,
		RequestTimeout:         30 * time.Second,
		SweepInterval:          100 * time.Millisecond,
		WriteQueue:             1024,
		Unmatched:              UnmatchedDrop,
		Limits:                 protocol.DefaultLimits(),
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectionsPerEndpoint <= 0 {
		o.ConnectionsPerEndpoint = d.ConnectionsPerEndpoint
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = d.LoginTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = d.WriteQueue
	}
	if o.Unmatched == "" {
		o.Unmatched = d.Unmatched
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
