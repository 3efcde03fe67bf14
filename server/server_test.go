package server

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"

	"hiway-rpc/codec"
	"hiway-rpc/executor"
	"hiway-rpc/handler"
	"hiway-rpc/invocation"
	"hiway-rpc/protocol"
	"hiway-rpc/registry"
	"hiway-rpc/schema"
	"hiway-rpc/transport"
)

var errFail = errors.New("456 error")

func operation(name string, request *schema.Descriptor, result *schema.Descriptor, executor string) *schema.Operation {
	op := &schema.Operation{
		Microservice: "calc",
		SchemaID:     "calculator",
		Name:         name,
		Request:      request,
		Responses:    map[int32]*schema.Descriptor{},
		Executor:     executor,
	}
	if result != nil {
		op.Responses[schema.StatusOK] = result
	}
	return op
}

var (
	pairRequest = schema.MustDescriptor("pair",
		schema.Field{Number: 1, Name: "a", Kind: schema.KindInt64},
		schema.Field{Number: 2, Name: "b", Kind: schema.KindInt64},
	)
	codeRequest = schema.MustDescriptor("code",
		schema.Field{Number: 1, Name: "code", Kind: schema.KindInt64},
	)
	int64Result = schema.Wrap("int64Result", schema.KindInt64)

	addOp    = operation("add", pairRequest, int64Result, "")
	failOp   = operation("fail", codeRequest, nil, "")
	asyncOp  = operation("double", codeRequest, int64Result, "")
	pingOp   = operation("ping", nil, nil, "")
	blockOp  = operation("block", codeRequest, int64Result, "blocking")
	blobOp   = operation("blob", nil, schema.Wrap("blob", schema.KindString), "")
	recordOp = operation("split", pairRequest, schema.MustDescriptor("split",
		schema.Field{Number: 1, Name: "sum", Kind: schema.KindInt64},
		schema.Field{Number: 2, Name: "diff", Kind: schema.KindInt64},
	), "")
)

func arg(inv *invocation.Invocation, name string) int64 {
	v, _ := inv.Argument(name)
	n, _ := v.(int64)
	return n
}

type ServerSuite struct {
	suite.Suite
	server    *Server
	registry  *registry.Memory
	blocking  *executor.Pool
	handlers  *handler.Manager
	pool      *transport.ConnPool
	endpoint  invocation.Endpoint
	release   chan struct{}
	started   chan struct{}
	executors *executor.Group
	served    chan error
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.registry = registry.NewMemory()
	s.blocking = executor.NewPool("blocking", 1, 1, nil)
	s.release = make(chan struct{})
	s.started = make(chan struct{}, 8)
	s.handlers = handler.NewManager(nil)

	s.executors = executor.NewGroup(DefaultExecutor)
	s.executors.Add(DefaultExecutor, executor.NewPool(DefaultExecutor, 4, 64, nil))
	s.executors.Add("blocking", s.blocking)

	s.server = NewServer(Options{
		Service:   "calc",
		Version:   "1.0.0",
		Registry:  s.registry,
		Executors: s.executors,
		Handlers:  s.handlers,
	})
	s.bind()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.served = make(chan error, 1)
	go func() { s.served <- s.server.Serve(ln) }()
	s.Require().Eventually(func() bool { return s.server.Addr() != nil }, time.Second, 5*time.Millisecond)

	s.endpoint = invocation.Endpoint{Transport: invocation.TransportHighway, Address: ln.Addr().String()}
	s.pool = transport.NewConnPool(transport.Options{})
}

func (s *ServerSuite) bind() {
	release, started := s.release, s.started
	s.Require().NoError(s.server.Register(addOp, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return arg(inv, "a") + arg(inv, "b"), nil
	})))
	s.Require().NoError(s.server.Register(failOp, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		switch arg(inv, "code") {
		case 456:
			return nil, errors.Wrap(errFail, "validating order")
		case 457:
			return nil, invocation.NewBusiness(457, "structured failure")
		case 500:
			panic("nil map somewhere")
		}
		return nil, errors.New("database password is hunter2")
	}, Declare(errFail, 456))))
	s.Require().NoError(s.server.Register(asyncOp, AsyncFunc(func(ctx context.Context, inv *invocation.Invocation, reply Reply) {
		code := arg(inv, "code")
		go func() {
			reply(code*2, nil)
			reply(code*3, nil)
		}()
	})))
	s.Require().NoError(s.server.Register(pingOp, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return nil, nil
	})))
	s.Require().NoError(s.server.Register(blockOp, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		started <- struct{}{}
		<-release
		return arg(inv, "code"), nil
	})))
	s.Require().NoError(s.server.Register(blobOp, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return strings.Repeat("x", 1<<20), nil
	})))
	s.Require().NoError(s.server.Register(recordOp, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		a, b := arg(inv, "a"), arg(inv, "b")
		return schema.Record{"sum": a + b, "diff": a - b}, nil
	})))
}

func (s *ServerSuite) TearDownTest() {
	select {
	case <-s.release:
	default:
		close(s.release)
	}
	s.pool.Close()
	s.server.Shutdown(time.Second)
	s.executors.Close()
}

// call sends one invocation through a consumer chain that ends in the transport.
func (s *ServerSuite) call(op *schema.Operation, args ...any) *invocation.Response {
	inv := invocation.New(context.Background(), op.Microservice, op.SchemaID, op.Name, args...)
	inv.Operation = op
	ep := s.endpoint
	inv.Endpoint = &ep
	inv.Timeout = 3 * time.Second
	return s.invoke(inv)
}

func (s *ServerSuite) invoke(inv *invocation.Invocation) *invocation.Response {
	responses := make(chan *invocation.Response, 1)
	handler.NewChain(nil, transport.NewInvoker(s.pool)).Invoke(inv, func(resp *invocation.Response) {
		responses <- resp
	})
	select {
	case resp := <-responses:
		return resp
	case <-time.After(5 * time.Second):
		s.FailNow("no response")
		return nil
	}
}

func (s *ServerSuite) TestSuccess() {
	resp := s.call(addOp, 1, 2)
	s.Require().True(resp.IsSuccess(), "%v", resp.Err)
	s.Equal(invocation.StatusOK, resp.Status)
	s.Equal(int64(3), resp.Result)
}

func (s *ServerSuite) TestRecordResult() {
	resp := s.call(recordOp, 5, 3)
	s.Require().True(resp.IsSuccess(), "%v", resp.Err)
	s.Equal(schema.Record{"sum": int64(8), "diff": int64(2)}, resp.Result)
}

func (s *ServerSuite) TestVoidOperation() {
	resp := s.call(pingOp)
	s.Require().True(resp.IsSuccess(), "%v", resp.Err)
	s.Nil(resp.Result)
}

func (s *ServerSuite) TestDeclaredErrorIsBusiness() {
	resp := s.call(failOp, 456)
	rpcErr := resp.Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindBusiness, rpcErr.Kind)
	s.Equal(int32(456), rpcErr.Status)
	s.Equal("validating order: 456 error", rpcErr.Payload)
}

func (s *ServerSuite) TestBusinessErrorKeepsPayload() {
	rpcErr := s.call(failOp, 457).Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindBusiness, rpcErr.Kind)
	s.Equal(int32(457), rpcErr.Status)
	s.Equal("structured failure", rpcErr.Payload)
}

func (s *ServerSuite) TestUndeclaredErrorLeaksNothing() {
	for _, code := range []int{1, 500} {
		rpcErr := s.call(failOp, code).Error()
		s.Require().NotNil(rpcErr)
		s.Equal(invocation.KindUnexpected, rpcErr.Kind)
		s.Equal(invocation.StatusProducerInternal, rpcErr.Status)
		s.Equal(invocation.UnexpectedReason, rpcErr.Reason)
		s.Nil(rpcErr.Payload)
		s.NotContains(rpcErr.Error(), "hunter2")
	}
}

func (s *ServerSuite) TestAsyncRepliesOnce() {
	resp := s.call(asyncOp, 21)
	s.Require().True(resp.IsSuccess(), "%v", resp.Err)
	s.Equal(int64(42), resp.Result)
}

func (s *ServerSuite) TestUnknownOperation() {
	unknown := operation("divide", pairRequest, int64Result, "")
	resp := s.call(unknown, 1, 2)
	rpcErr := resp.Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindRejected, rpcErr.Kind)
	s.Equal(invocation.StatusNotFound, rpcErr.Status)
	s.Nil(rpcErr.Payload)
	s.Equal("rejected", resp.Context[invocation.ErrorKindKey])
}

func (s *ServerSuite) TestUndecodableArguments() {
	wrongShape := operation("add", schema.MustDescriptor("pair",
		schema.Field{Number: 1, Name: "a", Kind: schema.KindString},
	), int64Result, "")
	rpcErr := s.call(wrongShape, "one").Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindRejected, rpcErr.Kind)
	s.Equal(invocation.StatusBadRequest, rpcErr.Status)
}

func (s *ServerSuite) TestOperationRunsOnItsExecutor() {
	done := make(chan *invocation.Response, 1)
	go func() { done <- s.call(blockOp, 7) }()

	s.Eventually(func() bool { return s.blocking.Statistics().Submitted == 1 }, time.Second, 5*time.Millisecond)
	close(s.release)

	resp := <-done
	s.Require().True(resp.IsSuccess(), "%v", resp.Err)
	s.Equal(int64(7), resp.Result)
	s.Eventually(func() bool { return s.blocking.Statistics().Completed == 1 }, time.Second, 5*time.Millisecond)
}

func (s *ServerSuite) TestExecutorRejection() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.call(blockOp, 1)
	}()
	<-s.started
	go func() {
		defer wg.Done()
		s.call(blockOp, 2)
	}()
	// one running, one queued: the pool is full
	s.Eventually(func() bool { return s.blocking.Statistics().Submitted == 2 }, time.Second, 5*time.Millisecond)

	rpcErr := s.call(blockOp, 3).Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindRejected, rpcErr.Kind)
	s.Equal(invocation.StatusUnavailable, rpcErr.Status)

	close(s.release)
	wg.Wait()
}

func (s *ServerSuite) TestProviderStagesRun() {
	s.handlers.Register(invocation.Producer, handler.NewAuth("secret"))
	rpcErr := s.call(addOp, 1, 2).Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindRejected, rpcErr.Kind)
	s.Equal(invocation.StatusUnauthorized, rpcErr.Status)

	inv := invocation.New(context.Background(), "calc", "calculator", "add", 1, 2)
	inv.Operation = addOp
	ep := s.endpoint
	inv.Endpoint = &ep
	inv.SetContext(handler.AuthTokenKey, "secret")
	s.True(s.invoke(inv).IsSuccess())
}

func (s *ServerSuite) TestDeclaredNotFoundStaysBusiness() {
	notFound := operation("lookup", codeRequest, int64Result, "")
	s.Require().NoError(s.server.Register(notFound, Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return nil, invocation.NewBusiness(invocation.StatusNotFound, "no such order")
	})))
	rpcErr := s.call(notFound, 7).Error()
	s.Require().NotNil(rpcErr)
	s.Equal(invocation.KindBusiness, rpcErr.Kind)
	s.Equal("no such order", rpcErr.Payload)
}

func (s *ServerSuite) TestResponseCarriesCallContext() {
	s.handlers.Register(invocation.Producer, handler.New("stamp", 0,
		func(inv *invocation.Invocation, next handler.Next, done invocation.AsyncResponse) {
			inv.SetContext("servedBy", "calc-1")
			next(inv, done)
		}))

	inv := invocation.New(context.Background(), "calc", "calculator", "add", 1, 2)
	inv.Operation = addOp
	ep := s.endpoint
	inv.Endpoint = &ep
	inv.SetContext("traceId", "t-1")
	resp := s.invoke(inv)
	s.Require().True(resp.IsSuccess(), "%v", resp.Err)
	s.Equal("t-1", resp.Context["traceId"])
	s.Equal("calc-1", resp.Context["servedBy"])
	s.NotContains(resp.Context, invocation.ErrorKindKey)
}

// dial opens a bare connection to the server, logged in when login is set.
func (s *ServerSuite) dial(login bool) net.Conn {
	conn, err := net.Dial("tcp", s.endpoint.Address)
	s.Require().NoError(err)
	if login {
		frame, err := codec.EncodeLogin(1)
		s.Require().NoError(err)
		_, err = conn.Write(frame)
		s.Require().NoError(err)
		s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
		ack, err := protocol.Decode(conn, protocol.Limits{})
		s.Require().NoError(err)
		s.Equal(int64(1), ack.CorrelationID)
	}
	return conn
}

func requestFrame(id int64, operation string) ([]byte, error) {
	return codec.EncodeFrame(id, &codec.RequestHeader{
		MsgType:      codec.MsgTypeRequest,
		Microservice: "calc",
		SchemaID:     "calculator",
		Operation:    operation,
	}, codec.RequestHeaderSchema, nil, nil)
}

func (s *ServerSuite) TestRequestBeforeLoginClosesConnection() {
	conn := s.dial(false)
	defer conn.Close()

	frame, err := requestFrame(1, "ping")
	s.Require().NoError(err)
	_, err = conn.Write(frame)
	s.Require().NoError(err)

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, err = protocol.Decode(conn, protocol.Limits{})
	s.ErrorIs(err, io.EOF)
}

func (s *ServerSuite) TestShutdownWithStalledPeer() {
	conn := s.dial(true)
	defer conn.Close()

	// 40 MiB of responses nobody reads
	for id := int64(2); id < 42; id++ {
		frame, err := requestFrame(id, "blob")
		s.Require().NoError(err)
		_, err = conn.Write(frame)
		s.Require().NoError(err)
	}
	time.Sleep(100 * time.Millisecond)

	returned := make(chan struct{})
	go func() {
		s.server.Shutdown(200 * time.Millisecond)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		s.FailNow("Shutdown blocked on a peer that stopped reading")
	}
}

func (s *ServerSuite) TestRegistersAndDeregisters() {
	snap, err := s.registry.Discover(context.Background(), "default", "calc")
	s.Require().NoError(err)
	s.Require().Len(snap.Instances, 1)
	s.Equal([]string{"highway://" + s.endpoint.Address}, snap.Instances[0].Endpoints)
	s.Equal("1.0.0", snap.Instances[0].Version)

	s.Require().NoError(s.server.Shutdown(time.Second))
	snap, err = s.registry.Discover(context.Background(), "default", "calc")
	s.Require().NoError(err)
	s.Empty(snap.Instances)
	s.NoError(<-s.served)
}

func (s *ServerSuite) TestShutdownWaitsForInFlight() {
	done := make(chan *invocation.Response, 1)
	go func() { done <- s.call(blockOp, 9) }()
	<-s.started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.release)
	}()
	s.Require().NoError(s.server.Shutdown(2 * time.Second))

	resp := <-done
	s.True(resp.IsSuccess(), "%v", resp.Err)
}

func (s *ServerSuite) TestRegisterRejectsUnknownExecutor() {
	err := s.server.Register(operation("orphan", nil, nil, "missing"), Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return nil, nil
	}))
	s.ErrorIs(err, executor.ErrUnknownExecutor)
}
