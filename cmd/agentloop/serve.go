package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/orchestration"
	"github.com/itsneelabh/agentloop/telemetry"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polling HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []core.Option
			if port > 0 {
				extra = append(extra, core.WithPort(port))
			}
			cfg, err := loadConfig(flags, extra...)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *core.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	repo, err := newJobRepository(ctx, cfg.Jobs, a.logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	store := orchestration.NewPollingJobStore(repo, a.agent, cfg.Jobs.RunTimeout, a.logger)

	mux := http.NewServeMux()
	orchestration.NewFlowAPIHandler(store, a.logger).RegisterRoutes(mux)
	mux.Handle("/metrics", a.telemetry.MetricsHandler())

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      telemetry.TracingMiddleware(cfg.Name, "/health", "/metrics")(mux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Starting HTTP server", map[string]interface{}{
			"operation": "http_server_start",
			"address":   srv.Addr,
			"backend":   cfg.Jobs.Backend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		a.logger.Info("Shutting down HTTP server", map[string]interface{}{
			"operation": "http_server_stop",
		})
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := store.Wait(shutdownCtx); err != nil {
			a.logger.Warn("In-flight runs did not finish before shutdown", map[string]interface{}{
				"operation": "http_server_stop",
				"error":     err.Error(),
			})
		}
		return nil
	})
	return g.Wait()
}
