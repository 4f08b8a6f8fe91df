package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WessleyAI/wessley-qa/engine/qa"
)

func newAskCmd(v *viper.Viper) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := setup(v)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			// Persistence and variants run in the background; drain them
			// before exiting so the answer is cached.
			defer shutdownApp(a, cfg.ShutdownTimeout, logger)

			res, err := a.svc.Process(ctx, strings.Join(args, " "), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), AskResponse{
				ProcessingResult: res,
				ProcessingTimeMS: res.ProcessingTime.Milliseconds(),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli", "user id recorded with generated answers")
	return cmd
}

func newImportCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import curated question/answer pairs from JSON, JSONL or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := readPairsFile(args[0])
			if err != nil {
				return err
			}

			cfg, logger, closeLog, err := setup(v)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer shutdownApp(a, cfg.ShutdownTimeout, logger)

			report, err := a.svc.Import(ctx, pairs)
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return &exitError{code: 2, err: fmt.Errorf("%d of %d pairs failed to import", report.Failed, report.Total)}
			}
			return nil
		},
	}
}

func newHealthCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every component and exit non-zero unless all are healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(v)
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer shutdownApp(a, cfg.ShutdownTimeout, logger)

			report := a.svc.Health(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Healthy() {
				return &exitError{code: 1, err: fmt.Errorf("status %s", report.Status)}
			}
			return nil
		},
	}
}

func newWorkerCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume variant generation jobs from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(v)
			if err != nil {
				return err
			}
			defer closeLog()
			if cfg.NATSURL == "" {
				return errors.New("worker requires nats.url")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownApp(a, cfg.ShutdownTimeout, logger)

	go a.monitor.Run(ctx, cfg.HealthInterval)

	sub, err := qa.ServeVariantJobs(a.nc, cfg.NATSSubject, a.svc)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.NATSSubject, err)
	}
	logger.Info("variant worker started", "subject", cfg.NATSSubject, "queue", qa.VariantQueue)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if err := sub.Drain(); err != nil {
		logger.Warn("drain subscription", "err", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg.redacted())
		},
	}
}
