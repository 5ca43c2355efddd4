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

	"upgrade-orchestrator/api/rest/middleware"
	"upgrade-orchestrator/api/rest/routes"
	"upgrade-orchestrator/config"
	"upgrade-orchestrator/core/audit"
	"upgrade-orchestrator/core/bootstrap"
	"upgrade-orchestrator/core/executor"
	"upgrade-orchestrator/core/health"
	"upgrade-orchestrator/core/logging"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/ratelimit"
	"upgrade-orchestrator/core/retry"
	"upgrade-orchestrator/core/upgrades"
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
		configPath     string
		embeddedWorker bool
	)

	root := &cobra.Command{
		Use:          "upgrade-orchestrator",
		Short:        "Dependency upgrade intake and dispatch API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, embeddedWorker)
		},
	}
	serveCmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", false, "also consume jobs in this process (required with the memory queue)")
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, logger)
		},
	})

	return root
}

func setup(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.Service,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.StoreBackend != config.StorePostgres {
		return fmt.Errorf("migrate needs the postgres store, got %q", cfg.StoreBackend)
	}
	c, err := bootstrap.Open(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.DB.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema migrated")
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, embeddedWorker bool) error {
	c, err := bootstrap.Open(ctx, cfg, logger, embeddedWorker)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.DB != nil {
		if err := c.DB.Migrate(ctx); err != nil {
			return err
		}
	}

	metrics := monitoring.NewRegistry()
	trail := audit.NewTrail(logger, c.Sinks...)
	limiter := ratelimit.NewLimiter(logger)

	svc := upgrades.NewService(c.Store, c.Queue, limiter, trail, metrics, logger, upgrades.Config{
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateWindow,
		Retry: retry.Config{
			MaxRetries: cfg.IntakeRetryAttempts,
			Delay:      cfg.IntakeRetryDelay,
		},
	})
	reconciler := upgrades.NewReconciler(c.Store, c.Queue, trail, metrics, logger, upgrades.ReconcilerConfig{
		Interval:  cfg.ReconcileInterval,
		After:     cfg.ReconcileAfter,
		BatchSize: cfg.ReconcileBatch,
	})

	agg := health.NewAggregator(cfg.HealthTimeout)
	c.RegisterProbes(agg)

	exporter := monitoring.NewMetricsExporter(metrics, "upgrade_orchestrator", c.Store, logger)
	metricsPage, err := exporter.Handler()
	if err != nil {
		return fmt.Errorf("failed to build metrics handler: %w", err)
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Service:      svc,
		Statuses:     c.Store,
		Metrics:      metrics,
		Health:       agg,
		MetricsPage:  metricsPage,
		Logger:       logger,
		ServiceName:  cfg.Service,
		Version:      cfg.Version,
		AuthSecret:   cfg.AuthSecret,
		AuthRequired: cfg.AuthRequired,

		TrustedProxies: proxies,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	g.Go(func() error {
		sweepLimiter(gctx, limiter, cfg.RateWindow, logger)
		return nil
	})

	if embeddedWorker {
		w := worker.NewWorker(c.Queue, c.Store, executor.NewUpgradeExecutor(cfg.WorkerTimeout, logger), metrics, logger,
			worker.Config{
				Concurrency:  cfg.WorkerConcurrency,
				BatchSize:    cfg.WorkerBatchSize,
				PollInterval: cfg.QueuePollInterval,
			})
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("server exited")
	return err
}

// sweepLimiter drops expired rate windows so idle keys do not accumulate
func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(); n > 0 {
				logger.Debug("swept rate limit windows", "count", n)
			}
		}
	}
}
