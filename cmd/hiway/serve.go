package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hiway-rpc/config"
	"hiway-rpc/server"
)

var serveArgs struct {
	metricsListen   string
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the demo calculator provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&serveArgs.metricsListen, "metrics-listen", "", "address to expose prometheus metrics on, empty to disable")
	cmd.Flags().DurationVar(&serveArgs.shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for in-flight requests on shutdown")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint: errcheck

	service := cfg.Service.Name
	if service == "" {
		service = "calculator"
	}

	reg, err := cfg.OpenRegistry(logger)
	if err != nil {
		return errors.Wrap(err, "connect registry")
	}
	defer reg.Close()

	metrics := prometheus.NewRegistry()
	handlers, err := cfg.Handlers(logger, metrics)
	if err != nil {
		return err
	}
	executors := cfg.Executors(logger)
	defer executors.Close()

	s := server.NewServer(server.Options{
		AppID:       cfg.AppID,
		Service:     service,
		Version:     cfg.Service.Version,
		Advertise:   cfg.Server.Advertise,
		Limits:      cfg.ProtocolLimits(),
		Registry:    reg,
		RegistryTTL: cfg.Registry.Etcd.TTL,
		Executors:   executors,
		Handlers:    handlers,
		Logger:      logger,
	})
	if err := registerCalculator(s, service); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ListenAndServe(cfg.Server.Listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		return s.Shutdown(serveArgs.shutdownTimeout)
	})
	if serveArgs.metricsListen != "" {
		srv := &http.Server{
			Addr:    serveArgs.metricsListen,
			Handler: promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serve metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	return g.Wait()
}
