package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upgrade-orchestrator/config"
	"upgrade-orchestrator/core/bootstrap"
	"upgrade-orchestrator/core/executor"
	"upgrade-orchestrator/core/logging"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/worker"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:          "upgrade-worker",
		Short:        "Consume upgrade jobs and assess them",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.WorkerConcurrency = concurrency
			}

			logger := logging.New(logging.Config{
				Level:   cfg.LogLevel,
				Format:  cfg.LogFormat,
				Service: cfg.Service + "-worker",
			})
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of consumer loops (overrides WORKER_CONCURRENCY)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := bootstrap.Open(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer c.Close()

	metrics := monitoring.NewRegistry()
	w := worker.NewWorker(
		c.Queue,
		c.Store,
		executor.NewUpgradeExecutor(cfg.WorkerTimeout, logger),
		metrics,
		logger,
		worker.Config{
			Concurrency:  cfg.WorkerConcurrency,
			BatchSize:    cfg.WorkerBatchSize,
			PollInterval: cfg.QueuePollInterval,
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})

	if cfg.WorkerMetricsPort != "" {
		page, err := monitoring.NewMetricsExporter(metrics, "upgrade_worker", nil, logger).Handler()
		if err != nil {
			return fmt.Errorf("failed to build metrics handler: %w", err)
		}
		r := mux.NewRouter()
		r.Handle("/metrics", page).Methods(http.MethodGet)

		server := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving worker metrics", "port", cfg.WorkerMetricsPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
