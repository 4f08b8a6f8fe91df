package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WessleyAI/wessley-qa/engine/qa"
	"github.com/WessleyAI/wessley-qa/pkg/metrics"
	"github.com/WessleyAI/wessley-qa/pkg/mid"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(v)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	cobra.CheckErr(v.BindPFlag("http.addr", cmd.Flags().Lookup("addr")))
	return cmd
}

func runServe(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownApp(a, cfg.ShutdownTimeout, logger)

	go a.monitor.Run(ctx, cfg.HealthInterval)

	// A serve process also consumes variant jobs when NATS is configured.
	if a.nc != nil {
		sub, err := qa.ServeVariantJobs(a.nc, cfg.NATSSubject, a.svc)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATSSubject, err)
		}
		defer sub.Drain()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      newHandler(a.svc, a.metrics, cfg.CORSOrigin, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.QA.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("qacache server starting", "addr", cfg.HTTPAddr,
			"index", cfg.IndexBackend, "store", cfg.StoreBackend,
			"embedding", cfg.EmbedProvider, "ai", cfg.AIProvider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// newHandler wraps the routes in the middleware chain.
func newHandler(svc qaService, m *metrics.Metrics, corsOrigin string, logger *slog.Logger) http.Handler {
	mux := routes(svc, m, logger)
	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(corsOrigin),
		mid.OTel("qacache"),
	)
}

// shutdownApp drains background tasks and closes connections within timeout.
func shutdownApp(a *app, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
		return
	}
	logger.Info("background tasks drained")
}
