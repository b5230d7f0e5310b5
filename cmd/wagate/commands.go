package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wagate/internal/api"
	"wagate/internal/app"
	"wagate/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wagate",
		Short: "WhatsApp gateway connector for vendor stores",
		Long: `wagate pairs vendor WhatsApp accounts with the messaging gateway,
keeps their sessions healthy, and delivers templated messages and product
catalog updates.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (defaults to $CONFIG_PATH or configs/config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTickCommand(opts))
	cmd.AddCommand(newActivateCommand(opts))
	cmd.AddCommand(newDeactivateCommand(opts))
	return cmd
}

// withRuntime loads the config, wires the connector and runs fn.
func withRuntime(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	rt, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Activate the connector and serve the HTTP and gRPC APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, opts, serve)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg
	logger := rt.logger.With().Str("component", "main").Logger()

	if err := rt.app.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	stopTicks := func() { _ = rt.app.Shutdown(context.Background()) }

	var grpcServer *api.GRPCServer
	if cfg.API.Enabled && cfg.API.GRPC.Enabled {
		var err error
		grpcServer, err = api.NewGRPCServer(&cfg.API, rt.app.Health(), rt.logger)
		if err != nil {
			stopTicks()
			return err
		}
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(&cfg.API, rt.app, rt.logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	} else {
		logger.Warn().Msg("HTTP API is disabled, only scheduled ticks will run")
	}

	startMetrics(ctx, rt, &logger)
	logger.Info().Int("http_port", cfg.API.HTTP.Port).Int("grpc_port", cfg.API.GRPC.Port).Msg("Connector started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	// Stopping the process is not a deactivation; the stored state is kept.
	if err := rt.app.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduled ticks did not stop cleanly")
	}
	logger.Info().Msg("Connector stopped")
	return nil
}

func newTickCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "tick <kind>",
		Short:     "Run one scheduled tick and print its report",
		Args:      cobra.ExactArgs(1),
		ValidArgs: app.TickKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt *runtime) error {
				report, err := rt.app.OnScheduledTick(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}
}

func newActivateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Prepare storage and the signing secret and mark the connector active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.app.OnActivate(ctx); err != nil {
					return err
				}
				if err := rt.app.Shutdown(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "activated")
				return nil
			})
		},
	}
}

func newDeactivateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Mark the connector inactive; running servers skip their scheduled ticks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.app.OnDeactivate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deactivated")
				return nil
			})
		},
	}
}

func startMetrics(ctx context.Context, rt *runtime, logger *zerolog.Logger) {
	if !rt.cfg.Monitoring.PrometheusEnabled {
		return
	}
	metrics.Register()
	port := rt.cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
