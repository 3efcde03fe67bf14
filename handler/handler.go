// Package handler implements the ordered, continuation-passing pipeline that every call
// runs through on both the consumer and the provider side.
//
// A stage receives the invocation, a continuation for the rest of the chain, and the
// callback of the stage before it. For each invocation it must do exactly one of:
//
//   - continue: call next, optionally after changing the invocation, and usually pass a
//     wrapped callback to observe the downstream response before handing it up
//   - short-circuit: call done with a response of its own
//   - fail: call done with a failure response
//
// Stages run in ascending Order. The last stage of a consumer chain sends the call over a
// transport; the last stage of a provider chain runs the business operation.
package handler

import (
	"hiway-rpc/invocation"
)

// Next invokes the remainder of the chain.
type Next func(inv *invocation.Invocation, done invocation.AsyncResponse)

// Handler is one pipeline stage. Implementations are shared by every call of a chain
// and must be safe for concurrent use.
type Handler interface {
	Name() string
	Order() int
	Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse)
}

// Filter is implemented by stages that only apply to some chain identities.
type Filter interface {
	Enabled(side invocation.Side, microservice, transport string) bool
}

// Stage orders of the built-in handlers. Lower runs first.
const (
	OrderLogging      = -1000
	OrderTrace        = -900
	OrderMetrics      = -800
	OrderAuth         = -500
	OrderRateLimit    = -400
	OrderRetry        = -200
	OrderQueueTimeout = -100
	OrderLoadBalance  = 100
	// OrderFinal is reserved for the transport or operation stage.
	OrderFinal = int(^uint(0) >> 1)
)

// HandleFunc is the body of a stage built with New.
type HandleFunc func(inv *invocation.Invocation, next Next, done invocation.AsyncResponse)

type funcHandler struct {
	name  string
	order int
	fn    HandleFunc
}

// New builds a stage from a function.
func New(name string, order int, fn HandleFunc) Handler {
	return &funcHandler{name: name, order: order, fn: fn}
}

func (h *funcHandler) Name() string { return h.name }
func (h *funcHandler) Order() int   { return h.order }

func (h *funcHandler) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	h.fn(inv, next, done)
}

// sideFilter restricts a stage to one side.
type sideFilter struct {
	Handler
	side invocation.Side
}

// OnlyOn restricts h to chains of the given side.
func OnlyOn(side invocation.Side, h Handler) Handler {
	return &sideFilter{Handler: h, side: side}
}

func (f *sideFilter) Enabled(side invocation.Side, microservice, transport string) bool {
	if side != f.side {
		return false
	}
	if inner, ok := f.Handler.(Filter); ok {
		return inner.Enabled(side, microservice, transport)
	}
	return true
}
