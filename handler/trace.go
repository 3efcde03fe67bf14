package handler

import (
	"github.com/google/uuid"

	"hiway-rpc/invocation"
)

// TraceIDKey is the context entry carrying the trace id across calls.
const TraceIDKey = "x-trace-id"

// Trace makes sure every invocation carries a trace id, generating one at the first hop.
type Trace struct{}

func NewTrace() *Trace { return &Trace{} }

func (t *Trace) Name() string { return "trace" }
func (t *Trace) Order() int   { return OrderTrace }

func (t *Trace) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	if inv.ContextValue(TraceIDKey) == "" {
		inv.SetContext(TraceIDKey, uuid.NewString())
	}
	next(inv, done)
}
