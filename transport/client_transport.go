// Package transport implements the consumer side of the highway transport.
//
// A ClientTransport is one multiplexed TCP connection. Every request gets a correlation
// id and an entry in the connection's pending table; a single read loop matches
// responses to entries by id, in whatever order they arrive.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ writer ──→ single TCP conn ──→ provider
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] → callback executor → goroutine-2's continuation
//
// A connection is usable only after the login handshake has been acknowledged.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/codec"
	"hiway-rpc/invocation"
	"hiway-rpc/protocol"
	"hiway-rpc/schema"
)

// ErrUnmatchedResponse closes a connection under UnmatchedClose.
var ErrUnmatchedResponse = errors.New("transport: response for unknown correlation id")

// Request is one frame to send and the callback waiting for its response.
type Request struct {
	Header     *codec.RequestHeader
	Body       schema.Record
	BodySchema *schema.Descriptor
	// Deadline fails the request with a timeout when no response arrived by then.
	// Zero means now plus the connection's request timeout.
	Deadline time.Time
	Callback ResponseCallback
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	endpoint invocation.Endpoint
	conn     net.Conn
	opts     Options
	logger   *zap.Logger

	writer  *FrameWriter
	pending *pendingTable
	nextID  atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closeErr  error
}

// Dial connects to ep, performs the login handshake and starts the read and sweep
// loops. The returned transport is ready for requests.
func Dial(ctx context.Context, ep invocation.Endpoint, opts Options) (*ClientTransport, error) {
	opts = opts.withDefaults()

	conn, err := dialConn(ctx, ep, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", ep.Address)
	}

	t := newClientTransport(conn, ep, opts)
	if err := t.login(ctx); err != nil {
		t.close(err)
		return nil, errors.Wrapf(err, "login to %s", ep.Address)
	}
	t.logger.Debug("Connection established")
	return t, nil
}

func dialConn(ctx context.Context, ep invocation.Endpoint, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	if !ep.TLS {
		return dialer.DialContext(ctx, "tcp", ep.Address)
	}

	cfg := opts.TLS
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(ep.Address)
		cfg.ServerName = host
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return tlsDialer.DialContext(ctx, "tcp", ep.Address)
}

func newClientTransport(conn net.Conn, ep invocation.Endpoint, opts Options) *ClientTransport {
	t := &ClientTransport{
		endpoint: ep,
		conn:     conn,
		opts:     opts,
		logger: opts.Logger.Named("transport").With(
			zap.String("endpoint", ep.Address),
			zap.String("local", conn.LocalAddr().String())),
		pending: newPendingTable(),
		closed:  make(chan struct{}),
	}
	t.writer = NewFrameWriter(conn, opts.WriteQueue, func(err error) {
		t.close(errors.Wrap(err, "write"))
	})
	go t.recvLoop()
	go t.sweepLoop()
	return t
}

// login sends the handshake frame and waits for its acknowledgement.
func (t *ClientTransport) login(ctx context.Context) error {
	acked := make(chan error, 1)
	deadline := time.Now().Add(t.opts.LoginTimeout)

	id, err := t.reserve(&pendingCall{
		deadline: deadline,
		callback: func(_ int64, header *codec.ResponseHeader, _ []byte, err error) {
			switch {
			case err != nil:
			case header.MsgType != codec.MsgTypeLogin:
				err = errors.Wrapf(codec.ErrUnexpectedMsgType, "login answered with %s", header.MsgType)
			case header.StatusCode != schema.StatusOK:
				err = errors.Errorf("login rejected with status %d: %s", header.StatusCode, header.ReasonPhrase)
			}
			acked <- err
		},
	})
	if err != nil {
		return err
	}

	frame, err := codec.EncodeLogin(id)
	if err != nil {
		t.pending.remove(id)
		return err
	}
	if err := t.writer.Write(frame); err != nil {
		t.pending.remove(id)
		return err
	}

	select {
	case err := <-acked:
		return err
	case <-ctx.Done():
		t.pending.remove(id)
		return ctx.Err()
	}
}

// reserve allocates a correlation id that is not outstanding and registers call under it.
func (t *ClientTransport) reserve(call *pendingCall) (int64, error) {
	for {
		select {
		case <-t.closed:
			return 0, t.lostError()
		default:
		}
		id := t.nextID.Add(1)
		if id == 0 {
			continue
		}
		if t.pending.add(id, call) {
			return id, nil
		}
	}
}

// Send registers req and enqueues its frame. It never waits for the response; the
// callback runs later on the callback executor. When Send returns an error the callback
// is never called. The error is an *invocation.Error: local for encoding failures,
// transport when the connection is gone.
func (t *ClientTransport) Send(req *Request) (int64, error) {
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(t.opts.RequestTimeout)
	}
	id, err := t.reserve(&pendingCall{deadline: deadline, callback: req.Callback})
	if err != nil {
		return 0, err
	}

	frame, err := codec.EncodeFrame(id, req.Header, codec.RequestHeaderSchema, req.Body, req.BodySchema)
	if err != nil {
		t.pending.remove(id)
		return 0, invocation.NewLocal(invocation.StatusConsumerInternal, "encode request", err)
	}

	if err := t.writer.Write(frame); err != nil {
		if t.pending.remove(id) == nil {
			// the connection failed concurrently and already completed the call
			return id, nil
		}
		return 0, t.lostError()
	}
	return id, nil
}

func (t *ClientTransport) recvLoop() {
	for {
		f, err := protocol.Decode(t.conn, t.opts.Limits)
		if err != nil {
			t.close(errors.Wrap(err, "read"))
			return
		}

		call := t.pending.remove(f.CorrelationID)
		if call == nil {
			t.logger.Warn("Dropping response without outstanding request",
				zap.Int64("correlationId", f.CorrelationID),
				zap.String("policy", string(t.opts.Unmatched)))
			if t.opts.Unmatched == UnmatchedClose {
				t.close(errors.Wrapf(ErrUnmatchedResponse, "id %d", f.CorrelationID))
				return
			}
			continue
		}

		header, err := codec.DecodeResponseHeader(f.Header)
		if err != nil {
			err = invocation.NewTransport("undecodable response header", err)
		}
		t.complete(f.CorrelationID, call, header, f.Body, err)
	}
}

// sweepLoop fails requests whose deadline passed.
func (t *ClientTransport) sweepLoop() {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case now := <-ticker.C:
			for id, call := range t.pending.expired(now) {
				t.logger.Debug("Request timed out", zap.Int64("correlationId", id))
				t.complete(id, call, nil, nil,
					errors.WithMessagef(invocation.ErrTimeout, "no response from %s", t.endpoint.Address))
			}
		}
	}
}

// complete hands a claimed call to the callback executor. The read loop never runs
// callbacks itself.
func (t *ClientTransport) complete(id int64, call *pendingCall, header *codec.ResponseHeader, body []byte, err error) {
	run := func() { call.callback(id, header, body, err) }
	if t.opts.Callbacks != nil {
		if execErr := t.opts.Callbacks.Execute(run); execErr == nil {
			return
		}
	}
	go run()
}

// close tears the connection down once and fails every outstanding request.
func (t *ClientTransport) close(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeErr = cause
		t.mu.Unlock()
		close(t.closed)
		t.writer.Close()
		_ = t.conn.Close()

		calls := t.pending.drain()
		if len(calls) > 0 || cause != nil {
			t.logger.Info("Connection closed",
				zap.Int("failedRequests", len(calls)),
				zap.Error(cause))
		}
		for id, call := range calls {
			t.complete(id, call, nil, nil, t.lostError())
		}
	})
}

func (t *ClientTransport) lostError() error {
	t.mu.Lock()
	cause := t.closeErr
	t.mu.Unlock()
	if cause == nil {
		return invocation.ErrConnectionLost
	}
	return errors.WithMessage(invocation.ErrConnectionLost, cause.Error())
}

// Close closes the connection. Outstanding requests fail with a connection lost error.
func (t *ClientTransport) Close() error {
	t.close(nil)
	return nil
}

// Alive reports whether the connection can still carry requests.
func (t *ClientTransport) Alive() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Done is closed when the connection is torn down.
func (t *ClientTransport) Done() <-chan struct{} { return t.closed }

// Outstanding is the number of requests waiting for a response.
func (t *ClientTransport) Outstanding() int { return t.pending.len() }

func (t *ClientTransport) Endpoint() invocation.Endpoint { return t.endpoint }
