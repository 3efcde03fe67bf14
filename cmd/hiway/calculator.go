package main

import (
	"context"

	"github.com/pkg/errors"

	"hiway-rpc/invocation"
	"hiway-rpc/schema"
	"hiway-rpc/server"
)

const (
	calculatorSchema = "calculator"
	statusRejected   = 456
)

var errRejected = errors.New("rejected by request")

var (
	pairRequest = schema.MustDescriptor("pair",
		schema.Field{Number: 1, Name: "a", Kind: schema.KindInt64},
		schema.Field{Number: 2, Name: "b", Kind: schema.KindInt64},
	)
	textRequest = schema.MustDescriptor("text",
		schema.Field{Number: 1, Name: "text", Kind: schema.KindString},
	)
	reasonRequest = schema.MustDescriptor("reason",
		schema.Field{Number: 1, Name: "reason", Kind: schema.KindString},
	)
)

// calculatorOperations describes the demo schema of service.
func calculatorOperations(service string) []*schema.Operation {
	op := func(name string, request *schema.Descriptor, responses map[int32]*schema.Descriptor) *schema.Operation {
		return &schema.Operation{
			Microservice: service,
			SchemaID:     calculatorSchema,
			Name:         name,
			Request:      request,
			Responses:    responses,
		}
	}
	return []*schema.Operation{
		op("add", pairRequest, map[int32]*schema.Descriptor{
			schema.StatusOK: schema.Wrap("sum", schema.KindInt64),
		}),
		op("echo", textRequest, map[int32]*schema.Descriptor{
			schema.StatusOK: schema.Wrap("echo", schema.KindString),
		}),
		op("fail", reasonRequest, map[int32]*schema.Descriptor{
			statusRejected: schema.Wrap("rejection", schema.KindString),
		}),
	}
}

func calculatorCatalog(service string) (*schema.Catalog, error) {
	c := schema.NewCatalog()
	for _, op := range calculatorOperations(service) {
		if err := c.Add(op); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func argument[T any](inv *invocation.Invocation, name string) T {
	v, _ := inv.Argument(name)
	t, _ := v.(T)
	return t
}

var calculatorBindings = map[string]*server.Binding{
	"add": server.Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return argument[int64](inv, "a") + argument[int64](inv, "b"), nil
	}),
	"echo": server.Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		return argument[string](inv, "text"), nil
	}),
	"fail": server.Func(func(ctx context.Context, inv *invocation.Invocation) (any, error) {
		reason := argument[string](inv, "reason")
		if reason == "" {
			return nil, errors.New("no reason given")
		}
		return nil, errors.Wrap(errRejected, reason)
	}, server.Declare(errRejected, statusRejected)),
}

func registerCalculator(s *server.Server, service string) error {
	for _, op := range calculatorOperations(service) {
		if err := s.Register(op, calculatorBindings[op.Name]); err != nil {
			return err
		}
	}
	return nil
}
