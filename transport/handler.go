package transport

import (
	"time"

	"go.uber.org/zap"

	"hiway-rpc/codec"
	"hiway-rpc/handler"
	"hiway-rpc/invocation"
	"hiway-rpc/schema"
)

// Invoker is the final stage of a consumer chain: it sends the invocation to the
// endpoint load balancing selected and turns the response frame into a Response.
type Invoker struct {
	pool   *ConnPool
	logger *zap.Logger
}

// NewInvoker returns the final consumer stage sending invocations over pool.
func NewInvoker(pool *ConnPool) *Invoker {
	return &Invoker{pool: pool, logger: pool.logger.Named("invoker")}
}

func (i *Invoker) Name() string { return "transport" }
func (i *Invoker) Order() int   { return handler.OrderFinal }

func (i *Invoker) Handle(inv *invocation.Invocation, next handler.Next, done invocation.AsyncResponse) {
	op := inv.Operation
	if op == nil {
		done(invocation.Failure(invocation.NewLocal(invocation.StatusConsumerInternal,
			"invocation reached the transport without operation metadata", nil)))
		return
	}
	if inv.Endpoint == nil {
		done(invocation.Failure(invocation.ErrNoAvailableEndpoint))
		return
	}

	// serialization failures are local: nothing is sent
	args, err := inv.ArgsRecord()
	if err != nil {
		done(invocation.Failure(invocation.NewLocal(invocation.StatusConsumerInternal, "encode arguments", err)))
		return
	}

	conn, err := i.pool.Get(inv.Ctx(), *inv.Endpoint)
	if err != nil {
		done(invocation.Failure(invocation.NewTransport("connect "+inv.Endpoint.Address, err)))
		return
	}

	_, err = conn.Send(&Request{
		Header: &codec.RequestHeader{
			MsgType:      codec.MsgTypeRequest,
			Microservice: inv.Microservice,
			SchemaID:     inv.SchemaID,
			Operation:    inv.OperationName,
			Context:      inv.Context,
		},
		Body:       args,
		BodySchema: op.Request,
		Deadline:   deadline(inv),
		Callback: func(id int64, header *codec.ResponseHeader, body []byte, err error) {
			inv.CorrelationID = id
			done(decodeResponse(op, header, body, err))
		},
	})
	if err != nil {
		done(invocation.Failure(err))
	}
}

// deadline is the earlier of the invocation timeout and the context deadline.
func deadline(inv *invocation.Invocation) time.Time {
	d := inv.Deadline()
	if ctxDeadline, ok := inv.Ctx().Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

// decodeResponse reads the body with the schema the status selects. Wrapped scalar
// bodies are unwrapped to their value.
func decodeResponse(op *schema.Operation, header *codec.ResponseHeader, body []byte, err error) *invocation.Response {
	if err != nil {
		return invocation.Failure(err)
	}

	bodySchema := op.ResponseSchema(header.StatusCode)
	record, err := codec.DecodeBody(bodySchema, body)
	if err != nil {
		return invocation.Failure(invocation.NewLocal(invocation.StatusConsumerInternal, "decode response body", err))
	}

	var value any
	if bodySchema != nil {
		if bodySchema.IsWrapper() {
			value = record[schema.WrappedField]
		} else {
			value = record
		}
	}

	var resp *invocation.Response
	if header.StatusCode == invocation.StatusOK {
		resp = invocation.Success(value)
	} else {
		resp = invocation.Failure(invocation.FromResponse(header.StatusCode, header.ReasonPhrase, header.Context, value))
	}
	resp.Context = header.Context
	return resp
}
