// Package server implements the provider side of the highway transport: the accept
// loop, the login handshake, header-first dispatch and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → login:   ack on the same connection
//	  → request: decode header → resolve operation → decode body
//	      → operation's executor → provider chain → bound implementation
//	      → encode with the status's response schema → connection writer
package server

import (
	"context"
	"crypto/tls"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hiway-rpc/codec"
	"hiway-rpc/executor"
	"hiway-rpc/handler"
	"hiway-rpc/invocation"
	"hiway-rpc/protocol"
	"hiway-rpc/registry"
	"hiway-rpc/schema"
	"hiway-rpc/transport"
)

// DefaultExecutor is the name of the pool operations without an executor run on.
const DefaultExecutor = "default"

// drainTimeout bounds the flush of queued responses once a connection's read side ends.
const drainTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	AppID   string
	Service string // microservice name registered in discovery
	Version string
	// Advertise is the address registered in discovery. Empty uses the listener address.
	Advertise string
	TLS       *tls.Config
	Limits    protocol.Limits
	// WriteQueue is the number of response frames buffered per connection.
	WriteQueue int

	// Registry, when set, receives this provider's instance on Serve.
	Registry    registry.Registry
	RegistryTTL time.Duration

	// Executors holds the business pools. Nil creates a single default pool owned by the
	// server.
	Executors *executor.Group
	// Handlers supplies the provider-side stages. Nil runs operations without stages.
	Handlers *handler.Manager
	Logger   *zap.Logger
}

type bindingKey struct {
	microservice, schemaID, operation string
}

// Server dispatches highway requests to bound operations.
type Server struct {
	opts   Options
	logger *zap.Logger

	catalog     *schema.Catalog
	mu          sync.RWMutex
	bindings    map[bindingKey]*Binding
	final       handler.Handler
	ownExecutor bool

	ctx      context.Context // parent of every provider invocation
	cancel   context.CancelFunc
	listener net.Listener
	instance *registry.Instance
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	connsMu  sync.Mutex
	conns    map[net.Conn]*transport.FrameWriter
}

// NewServer applies the defaults of opts. Operations are bound with Register before
// Serve.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limits == (protocol.Limits{}) {
		opts.Limits = protocol.DefaultLimits()
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = 1024
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10 * time.Second
	}
	if opts.AppID == "" {
		opts.AppID = "default"
	}
	if opts.Handlers == nil {
		opts.Handlers = handler.NewManager(opts.Logger)
	}

	s := &Server{
		opts:     opts,
		logger:   opts.Logger.Named("server"),
		catalog:  schema.NewCatalog(),
		bindings: make(map[bindingKey]*Binding),
		conns:    make(map[net.Conn]*transport.FrameWriter),
	}
	if opts.Executors == nil {
		s.opts.Executors = executor.NewGroup(DefaultExecutor)
		s.opts.Executors.Add(DefaultExecutor,
			executor.NewPool(DefaultExecutor, 2*runtime.NumCPU(), 1024, opts.Logger))
		s.ownExecutor = true
	}
	s.final = &operationStage{server: s, logger: s.logger.Named("operation")}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register binds an implementation to op. The operation's executor must exist.
func (s *Server) Register(op *schema.Operation, b *Binding) error {
	if b == nil || b.call == nil {
		return errors.Errorf("operation %s: nil binding", op.QualifiedName())
	}
	if _, err := s.opts.Executors.Get(op.Executor); err != nil {
		return errors.Wrapf(err, "operation %s executor %q", op.QualifiedName(), op.Executor)
	}
	if err := s.catalog.Add(op); err != nil {
		return err
	}

	s.mu.Lock()
	s.bindings[bindingKey{op.Microservice, op.SchemaID, op.Name}] = b
	s.mu.Unlock()
	return nil
}

func (s *Server) binding(op *schema.Operation) *Binding {
	if op == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[bindingKey{op.Microservice, op.SchemaID, op.Name}]
}

// Catalog is the schema lookup of the registered operations.
func (s *Server) Catalog() *schema.Catalog { return s.catalog }

// ListenAndServe listens on address and serves until Shutdown.
func (s *Server) ListenAndServe(address string) error {
	var ln net.Listener
	var err error
	if s.opts.TLS != nil {
		ln, err = tls.Listen("tcp", address, s.opts.TLS)
	} else {
		ln, err = net.Listen("tcp", address)
	}
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return s.Serve(ln)
}

// Serve registers the provider in discovery, if configured, and accepts connections on
// ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.connsMu.Lock()
	s.listener = ln
	s.connsMu.Unlock()

	if err := s.register(); err != nil {
		ln.Close()
		return err
	}
	s.logger.Info("Serving", zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go s.handleConn(conn)
	}
}

// Addr is the listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) register() error {
	if s.opts.Registry == nil {
		return nil
	}
	address := s.opts.Advertise
	if address == "" {
		address = s.listener.Addr().String()
	}
	ep := invocation.Endpoint{Transport: invocation.TransportHighway, Address: address, TLS: s.opts.TLS != nil}
	inst := registry.Instance{
		ID:        uuid.NewString(),
		AppID:     s.opts.AppID,
		Service:   s.opts.Service,
		Version:   s.opts.Version,
		Endpoints: []string{ep.String()},
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.opts.Registry.Register(ctx, inst, s.opts.RegistryTTL); err != nil {
		return errors.Wrap(err, "register provider")
	}
	s.connsMu.Lock()
	s.instance = &inst
	s.connsMu.Unlock()
	return nil
}

// handleConn reads frames sequentially; each request is handed to its executor, so a
// slow operation never holds up the frames behind it.
func (s *Server) handleConn(conn net.Conn) {
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	w := transport.NewFrameWriter(conn, s.opts.WriteQueue, func(err error) {
		logger.Warn("Write failed, closing connection", zap.Error(err))
		conn.Close()
	})
	if !s.track(conn, w) {
		w.Close()
		conn.Close()
		return
	}
	defer s.untrack(conn)

	loggedIn := false
	for {
		f, err := protocol.Decode(conn, s.opts.Limits)
		if err != nil {
			if !s.shutdown.Load() {
				logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}

		header, err := codec.DecodeRequestHeader(f.Header)
		if err != nil {
			logger.Warn("Closing connection after undecodable header",
				zap.Int64("correlationId", f.CorrelationID), zap.Error(err))
			return
		}

		switch header.MsgType {
		case codec.MsgTypeLogin:
			ack, err := codec.EncodeLoginAck(f.CorrelationID)
			if err == nil {
				err = w.Write(ack)
			}
			if err != nil {
				logger.Warn("Failed to acknowledge login", zap.Error(err))
				return
			}
			loggedIn = true
		case codec.MsgTypeRequest:
			if !loggedIn {
				logger.Warn("Closing connection after request before login",
					zap.Int64("correlationId", f.CorrelationID))
				return
			}
			s.dispatch(w, f.CorrelationID, header, f.Body)
		default:
			logger.Warn("Ignoring frame with unexpected message type",
				zap.Int64("correlationId", f.CorrelationID),
				zap.Stringer("msgType", header.MsgType))
		}
	}
}

// dispatch resolves and schedules one request. Every path ends in exactly one response
// frame.
func (s *Server) dispatch(w *transport.FrameWriter, id int64, header *codec.RequestHeader, body []byte) {
	s.wg.Add(1)
	var answered atomic.Bool
	callContext := header.Context
	answer := func(op *schema.Operation, resp *invocation.Response) {
		if !answered.CompareAndSwap(false, true) {
			return
		}
		defer s.wg.Done()
		s.writeResponse(w, id, op, callContext, resp)
	}

	op, err := s.catalog.ResolveOperation(header.Microservice, header.SchemaID, header.Operation)
	if err != nil {
		s.logger.Warn("Unknown operation",
			zap.Int64("correlationId", id),
			zap.String("microservice", header.Microservice),
			zap.String("schemaId", header.SchemaID),
			zap.String("operation", header.Operation))
		answer(nil, invocation.Failure(errors.WithMessagef(invocation.ErrOperationNotFound,
			"%s.%s.%s", header.Microservice, header.SchemaID, header.Operation)))
		return
	}

	var args []any
	record, err := codec.DecodeBody(op.Request, body)
	if err != nil {
		answer(op, invocation.Failure(invocation.NewLocal(invocation.StatusBadRequest, "undecodable arguments", err)))
		return
	}
	if op.Request != nil {
		args = op.Request.Values(record)
	}

	inv := invocation.NewProducer(s.ctx, op, args, header.Context)
	inv.CorrelationID = id
	// provider stages answer with the context as they leave it
	callContext = inv.Context

	exec, err := s.opts.Executors.Get(op.Executor)
	if err != nil {
		s.logger.Error("Operation bound to a missing executor",
			zap.String("operation", op.QualifiedName()),
			zap.String("executor", op.Executor))
		answer(op, invocation.Failure(errors.WithMessage(invocation.ErrExecutorRejected, err.Error())))
		return
	}

	chain := s.opts.Handlers.Chain(invocation.Producer, op.Microservice, invocation.TransportHighway, s.final)
	err = exec.Execute(func() {
		chain.Invoke(inv, func(resp *invocation.Response) { answer(op, resp) })
	})
	if err != nil {
		s.logger.Warn("Executor rejected request",
			zap.String("operation", op.QualifiedName()),
			zap.String("executor", op.Executor),
			zap.Error(err))
		answer(op, invocation.Failure(errors.WithMessage(invocation.ErrExecutorRejected, err.Error())))
	}
}

func (s *Server) track(conn net.Conn, w *transport.FrameWriter) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = w
	return true
}

// untrack runs when the read side ends. Responses still queued are flushed, for at most
// drainTimeout, before the connection closes.
func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	w, ok := s.conns[conn]
	delete(s.conns, conn)
	s.connsMu.Unlock()
	if ok {
		closeDrained(conn, w, time.Now().Add(drainTimeout))
		return
	}
	conn.Close()
}

// closeDrained flushes the queued frames of w until deadline, then closes conn. The
// write deadline fails a write stuck on a peer that stopped reading, which stops the
// writer.
func closeDrained(conn net.Conn, w *transport.FrameWriter, deadline time.Time) {
	_ = conn.SetWriteDeadline(deadline)
	w.Drain()
	conn.Close()
}

// Shutdown stops the server gracefully:
//  1. deregister from discovery so consumers stop picking this provider
//  2. close the listener
//  3. wait for in-flight requests, at most timeout
//  4. flush queued responses until the same deadline, close the remaining connections
//     and owned executors
func (s *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var err error
	s.connsMu.Lock()
	instance := s.instance
	s.connsMu.Unlock()
	if s.opts.Registry != nil && instance != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, s.opts.Registry.Deregister(ctx, *instance))
		cancel()
	}

	// set the flag before closing so Serve reports a clean exit
	s.shutdown.Store(true)
	s.connsMu.Lock()
	if s.listener != nil {
		if closeErr := s.listener.Close(); closeErr != nil {
			err = multierr.Append(err, errors.Wrap(closeErr, "close listener"))
		}
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		err = multierr.Append(err, errors.New("timeout waiting for in-flight requests"))
	}

	s.connsMu.Lock()
	conns := s.conns
	s.conns = make(map[net.Conn]*transport.FrameWriter)
	s.connsMu.Unlock()
	var closing sync.WaitGroup
	for conn, w := range conns {
		conn, w := conn, w
		closing.Add(1)
		go func() {
			defer closing.Done()
			closeDrained(conn, w, deadline)
		}()
	}
	closing.Wait()

	s.cancel()
	if s.ownExecutor {
		err = multierr.Append(err, s.opts.Executors.Close())
	}
	return err
}
