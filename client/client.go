// Package client is the consumer entry point: it resolves operation metadata, runs the
// consumer handler chain and bridges its callback to blocking or async callers.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hiway-rpc/bridge"
	"hiway-rpc/handler"
	"hiway-rpc/invocation"
	"hiway-rpc/loadbalance"
	"hiway-rpc/registry"
	"hiway-rpc/schema"
	"hiway-rpc/transport"
)

// Options configures a Client.
type Options struct {
	AppID string
	// Resolver looks up operation metadata. It is required.
	Resolver schema.Resolver
	// Registry feeds the endpoint cache. Without one only static endpoints are used.
	Registry registry.Registry
	// VersionRules maps a microservice to the version rule its instances must match.
	VersionRules map[string]string
	Strategy     loadbalance.Strategy
	// Handlers holds the consumer stages. The client adds its load balancing stage, so
	// a Manager must not be shared between clients.
	Handlers  *handler.Manager
	Transport transport.Options
	// Timeout applies to calls whose context carries no deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	logger *zap.Logger

	cache     *loadbalance.Cache
	refresher *registry.Refresher
	pool      *transport.ConnPool
	invoker   *transport.Invoker
	bridge    *bridge.Bridge

	static     sync.Map // loadbalance.GroupKey -> struct{}
	subscribed sync.Map // loadbalance.GroupKey -> struct{}
}

// NewClient builds a client and adds its load balancing stage to opts.Handlers.
// Connections are dialed lazily on the first call to an endpoint.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AppID == "" {
		opts.AppID = "default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Handlers == nil {
		opts.Handlers = handler.NewManager(opts.Logger)
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}

	c := &Client{
		opts:   opts,
		logger: opts.Logger.Named("client"),
		cache:  loadbalance.NewCache(),
		pool:   transport.NewConnPool(opts.Transport),
		bridge: bridge.New(opts.Logger),
	}
	c.invoker = transport.NewInvoker(c.pool)
	if opts.Registry != nil {
		c.refresher = registry.NewRefresher(opts.Registry, c.cache, opts.Logger)
	}
	opts.Handlers.Register(invocation.Consumer, loadbalance.NewStage(c.cache, opts.Strategy))
	return c
}

func (c *Client) groupKey(microservice string) loadbalance.GroupKey {
	return loadbalance.GroupKey{
		AppID:        c.opts.AppID,
		Microservice: microservice,
		VersionRule:  c.opts.VersionRules[microservice],
	}
}

// WithStaticEndpoints pins the endpoints of a microservice. The group is never
// looked up in the registry afterwards.
func (c *Client) WithStaticEndpoints(microservice string, uris ...string) error {
	endpoints := make([]invocation.Endpoint, 0, len(uris))
	for _, uri := range uris {
		ep, err := invocation.ParseEndpoint(uri)
		if err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}
	key := c.groupKey(microservice)
	c.static.Store(key, struct{}{})
	c.cache.Replace(key, endpoints)
	return nil
}

// Call runs an operation and waits for its result. A business failure comes back as an
// *invocation.Error of KindBusiness carrying the declared status and payload.
func (c *Client) Call(ctx context.Context, microservice, schemaID, operation string, args ...any) (any, error) {
	inv := invocation.New(ctx, microservice, schemaID, operation, args...)
	return bridge.Result(c.Invoke(inv))
}

// CallAsync runs an operation and hands its outcome to cb exactly once.
func (c *Client) CallAsync(ctx context.Context, microservice, schemaID, operation string, cb func(any, error), args ...any) {
	inv := invocation.New(ctx, microservice, schemaID, operation, args...)
	c.InvokeAsync(inv, func(resp *invocation.Response) {
		cb(bridge.Result(resp))
	})
}

// Invoke runs a prebuilt invocation and blocks for its response.
func (c *Client) Invoke(inv *invocation.Invocation) *invocation.Response {
	if resp := c.prepare(inv); resp != nil {
		return resp
	}

	ctx := inv.Ctx()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, inv.Deadline())
		defer cancel()
		inv.WithCtx(ctx)
	}
	return c.bridge.Sync(ctx, c.chain(inv), inv)
}

// InvokeAsync runs a prebuilt invocation; cb receives the response exactly once.
func (c *Client) InvokeAsync(inv *invocation.Invocation, cb invocation.AsyncResponse) {
	if resp := c.prepare(inv); resp != nil {
		cb(resp)
		return
	}
	c.bridge.Async(c.chain(inv), inv, cb)
}

func (c *Client) chain(inv *invocation.Invocation) *handler.Chain {
	return c.opts.Handlers.Chain(invocation.Consumer, inv.Microservice, inv.Transport, c.invoker)
}

// prepare resolves the operation and the endpoint group of inv. A non-nil response is a
// local failure; the invocation is finished and nothing was sent.
func (c *Client) prepare(inv *invocation.Invocation) *invocation.Response {
	if inv.AppID == "" {
		inv.AppID = c.opts.AppID
	}
	if inv.VersionRule == "" {
		inv.VersionRule = c.opts.VersionRules[inv.Microservice]
	}
	if inv.Timeout <= 0 {
		inv.Timeout = c.opts.Timeout
		if deadline, ok := inv.Ctx().Deadline(); ok {
			inv.Timeout = time.Until(deadline)
		}
	}

	if inv.Operation == nil {
		op, err := c.opts.Resolver.ResolveOperation(inv.Microservice, inv.SchemaID, inv.OperationName)
		if err != nil {
			return c.fail(inv, errors.WithMessage(invocation.ErrOperationNotFound, err.Error()))
		}
		inv.Operation = op
	}

	if err := c.subscribe(inv); err != nil {
		return c.fail(inv, invocation.NewLocal(invocation.StatusConsumerInternal,
			"discovering "+loadbalance.KeyOf(inv).String(), err))
	}
	return nil
}

func (c *Client) subscribe(inv *invocation.Invocation) error {
	if c.refresher == nil || inv.Endpoint != nil {
		return nil
	}
	key := loadbalance.KeyOf(inv)
	if _, ok := c.static.Load(key); ok {
		return nil
	}
	if _, ok := c.subscribed.Load(key); ok {
		return nil
	}
	if err := c.refresher.Subscribe(inv.Ctx(), key); err != nil {
		return err
	}
	c.subscribed.Store(key, struct{}{})
	return nil
}

func (c *Client) fail(inv *invocation.Invocation, err error) *invocation.Response {
	resp := invocation.Failure(err)
	inv.Finish(resp)
	c.logger.Debug("Invocation failed before dispatch",
		zap.String("operation", inv.QualifiedName()),
		zap.Error(err))
	return resp
}

// Close stops discovery and closes every pooled connection. Calls still in flight fail
// with a connection loss.
func (c *Client) Close() error {
	if c.refresher != nil {
		c.refresher.Close()
	}
	return c.pool.Close()
}
