// Package invocation defines one logical RPC call as it travels through the handler
// chain, the response it ends with, and the error taxonomy callers see.
//
// An Invocation belongs to the goroutine that built it until it is handed to a chain.
// From then on the chain owns it until the terminal callback fires, exactly once.
package invocation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"hiway-rpc/schema"
)

// Side tells which end of a call an invocation lives on.
type Side int

const (
	Consumer Side = iota
	Producer
)

func (s Side) String() string {
	if s == Producer {
		return "producer"
	}
	return "consumer"
}

// State is the completion state of an invocation.
type State int32

const (
	StatePending State = iota
	StateCompleted
	StateFailed
)

// AsyncResponse receives the terminal response of an invocation.
type AsyncResponse func(resp *Response)

// Invocation is one RPC call.
type Invocation struct {
	Side Side

	AppID         string
	Microservice  string // destination microservice
	VersionRule   string
	SchemaID      string
	OperationName string
	Operation     *schema.Operation // resolved metadata, nil until lookup

	// Args are the arguments in request schema field order.
	Args []any
	// Context is propagated end to end in the frame headers.
	Context map[string]string

	Transport     string
	Endpoint      *Endpoint // set by load balancing
	CorrelationID int64
	Timeout       time.Duration
	CreatedAt     time.Time

	ctx   context.Context
	state atomic.Int32
}

// New builds a consumer-side invocation.
func New(ctx context.Context, microservice, schemaID, operation string, args ...any) *Invocation {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Invocation{
		Side:          Consumer,
		Microservice:  microservice,
		SchemaID:      schemaID,
		OperationName: operation,
		Args:          args,
		Context:       make(map[string]string),
		Transport:     TransportHighway,
		CreatedAt:     time.Now(),
		ctx:           ctx,
	}
}

// NewProducer builds the provider-side invocation for a decoded request.
func NewProducer(ctx context.Context, op *schema.Operation, args []any, callContext map[string]string) *Invocation {
	inv := New(ctx, op.Microservice, op.SchemaID, op.Name, args...)
	inv.Side = Producer
	inv.Operation = op
	if callContext != nil {
		inv.Context = callContext
	}
	return inv
}

// Ctx is the Go context of the call.
func (inv *Invocation) Ctx() context.Context { return inv.ctx }

// WithCtx replaces the Go context; used by stages that attach values to it.
func (inv *Invocation) WithCtx(ctx context.Context) {
	if ctx != nil {
		inv.ctx = ctx
	}
}

func (inv *Invocation) QualifiedName() string {
	return inv.Microservice + "." + inv.SchemaID + "." + inv.OperationName
}

func (inv *Invocation) ContextValue(key string) string {
	return inv.Context[key]
}

func (inv *Invocation) SetContext(key, value string) {
	if inv.Context == nil {
		inv.Context = make(map[string]string)
	}
	inv.Context[key] = value
}

// Argument returns an argument by its request schema field name.
func (inv *Invocation) Argument(name string) (any, bool) {
	if inv.Operation == nil || inv.Operation.Request == nil {
		return nil, false
	}
	i := inv.Operation.Request.Index(name)
	if i < 0 || i >= len(inv.Args) {
		return nil, false
	}
	return inv.Args[i], inv.Args[i] != nil
}

// ArgsRecord lays the positional arguments out against the request schema.
func (inv *Invocation) ArgsRecord() (schema.Record, error) {
	if inv.Operation == nil {
		return nil, errors.New("invocation has no resolved operation")
	}
	if inv.Operation.Request == nil {
		if len(inv.Args) > 0 {
			return nil, errors.Errorf("%s takes no arguments, got %d", inv.QualifiedName(), len(inv.Args))
		}
		return nil, nil
	}
	return inv.Operation.Request.Record(inv.Args...)
}

// Deadline is CreatedAt plus Timeout, zero when there is no timeout.
func (inv *Invocation) Deadline() time.Time {
	if inv.Timeout <= 0 {
		return time.Time{}
	}
	return inv.CreatedAt.Add(inv.Timeout)
}

func (inv *Invocation) State() State { return State(inv.state.Load()) }

// Finish records the terminal outcome. It returns false when the invocation had
// already finished, in which case resp must be discarded.
func (inv *Invocation) Finish(resp *Response) bool {
	next := StateCompleted
	if !resp.IsSuccess() {
		next = StateFailed
	}
	return inv.state.CompareAndSwap(int32(StatePending), int32(next))
}
