package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"hiway-rpc/client"
	"hiway-rpc/config"
	"hiway-rpc/invocation"
	"hiway-rpc/schema"
)

var callArgs struct {
	endpoints []string
	timeout   time.Duration
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "call SERVICE SCHEMA OPERATION [NAME=VALUE...]",
		Short:   "call an operation of the demo calculator schema",
		Example: "  hiway call --endpoint highway://127.0.0.1:7070 calculator calculator add a=1 b=2",
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			result, err := call(cmd.Context(), cfg, args[0], args[1], args[2], args[3:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatResult(result))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&callArgs.endpoints, "endpoint", nil, "provider endpoint, e.g. highway://host:port; without one the configured registry is used")
	cmd.Flags().DurationVar(&callArgs.timeout, "timeout", 5*time.Second, "call timeout")
	return cmd
}

func call(ctx context.Context, cfg *config.Config, service, schemaID, operation string, assignments []string) (any, error) {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	defer logger.Sync() // nolint: errcheck

	catalog, err := calculatorCatalog(service)
	if err != nil {
		return nil, err
	}
	op, err := catalog.ResolveOperation(service, schemaID, operation)
	if err != nil {
		return nil, err
	}
	args, err := parseArguments(op.Request, assignments)
	if err != nil {
		return nil, err
	}

	strategy, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	opts := client.Options{
		AppID:        cfg.AppID,
		Resolver:     catalog,
		VersionRules: cfg.Client.VersionRules,
		Strategy:     strategy,
		Transport:    cfg.TransportOptions(logger),
		Timeout:      callArgs.timeout,
		Logger:       logger,
	}
	if len(callArgs.endpoints) == 0 {
		reg, err := cfg.OpenRegistry(logger)
		if err != nil {
			return nil, errors.Wrap(err, "connect registry")
		}
		defer reg.Close()
		opts.Registry = reg
	}

	c := client.NewClient(opts)
	defer c.Close()
	if len(callArgs.endpoints) > 0 {
		if err := c.WithStaticEndpoints(service, callArgs.endpoints...); err != nil {
			return nil, err
		}
	}

	result, err := c.Call(ctx, service, schemaID, operation, args...)
	if err != nil {
		if e := invocation.AsError(err); e.Kind == invocation.KindBusiness {
			return nil, errors.Errorf("%d %s: %v", e.Status, e.Reason, e.Payload)
		}
		return nil, err
	}
	return result, nil
}

// parseArguments orders NAME=VALUE pairs by the request schema and converts each value
// to its field kind. Missing arguments are sent as absent fields.
func parseArguments(request *schema.Descriptor, assignments []string) ([]any, error) {
	if request == nil {
		if len(assignments) > 0 {
			return nil, errors.New("operation takes no arguments")
		}
		return nil, nil
	}

	args := make([]any, request.Len())
	for _, a := range assignments {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			return nil, errors.Errorf("argument %q is not NAME=VALUE", a)
		}
		f, ok := request.FieldByName(name)
		if !ok {
			return nil, errors.Errorf("unknown argument %q", name)
		}
		v, err := parseValue(f.Kind, value)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %s", name)
		}
		args[request.Index(name)] = v
	}
	return args, nil
}

func parseValue(kind schema.Kind, s string) (any, error) {
	switch kind {
	case schema.KindInt64:
		return strconv.ParseInt(s, 10, 64)
	case schema.KindUint64:
		return strconv.ParseUint(s, 10, 64)
	case schema.KindBool:
		return strconv.ParseBool(s)
	case schema.KindDouble:
		return strconv.ParseFloat(s, 64)
	case schema.KindString, schema.KindAny:
		return s, nil
	case schema.KindBytes:
		return []byte(s), nil
	}
	return nil, errors.Errorf("%s arguments cannot be given on the command line", kind)
}

func formatResult(result any) string {
	if result == nil {
		return "(no result)"
	}
	return fmt.Sprint(result)
}
