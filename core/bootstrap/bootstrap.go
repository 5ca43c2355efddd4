// Package bootstrap builds the store, queue and audit sinks selected by
// configuration. Both binaries share it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"upgrade-orchestrator/config"
	"upgrade-orchestrator/core/audit"
	"upgrade-orchestrator/core/health"
	"upgrade-orchestrator/core/queue"
	"upgrade-orchestrator/core/repository"
)

// Components are the opened backends
type Components struct {
	DB    *repository.DB
	Store repository.UpgradeStore
	Queue queue.Queue
	Sinks []audit.Sink
}

// Open connects the configured store and queue. consumer reports whether
// this process receives from the queue; only consumers subscribe to
// queue notifications. On error anything already opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, consumer bool) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	switch cfg.StoreBackend {
	case config.StorePostgres:
		c.DB, err = repository.NewDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		c.Store = repository.NewUpgradeRepository(c.DB)
		if cfg.AuditToDatabase {
			c.Sinks = append(c.Sinks, repository.NewAuditRepository(c.DB))
		}
		logger.Info("database connected")
	case config.StoreMemory:
		c.Store = repository.NewMemoryRepository()
		logger.Warn("using in-memory store, records are lost on restart")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	c.Sinks = append(c.Sinks, audit.NewLogSink(logger))

	switch cfg.QueueBackend {
	case queue.BackendPostgres:
		if c.DB == nil {
			return nil, fmt.Errorf("the postgres queue requires the postgres store")
		}
		c.Queue, err = queue.NewPostgresQueue(c.DB.DB, postgresQueueOptions(cfg, consumer), logger)
		if err != nil {
			return nil, err
		}
	case queue.BackendSQS:
		client, cerr := queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSEndpoint)
		if cerr != nil {
			return nil, cerr
		}
		c.Queue, err = queue.NewSQSQueue(client, queue.SQSOptions{
			QueueURL:          cfg.SQSQueueURL,
			VisibilityTimeout: cfg.QueueVisibility,
			WaitTime:          cfg.QueuePollInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
	case queue.BackendMemory:
		c.Queue = queue.NewMemoryQueue(cfg.QueueVisibility, cfg.QueuePollInterval)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	logger.Info("queue ready", "backend", cfg.QueueBackend)

	return c, nil
}

// postgresQueueOptions leaves ListenURL empty for publish-only processes,
// which would never drain the listener's notification channel
func postgresQueueOptions(cfg *config.Config, consumer bool) queue.PostgresOptions {
	opts := queue.PostgresOptions{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.QueueVisibility,
		PollInterval:      cfg.QueuePollInterval,
	}
	if consumer {
		opts.ListenURL = cfg.DatabaseURL
	}
	return opts
}

// RegisterProbes adds the database and queue health checks
func (c *Components) RegisterProbes(agg *health.Aggregator) {
	if c.DB != nil {
		agg.Register("database", c.DB.Ping)
	}
	if c.Queue != nil {
		agg.Register("queue", c.Queue.Ping)
	}
}

// Close releases the queue and the database pool
func (c *Components) Close() {
	if c.Queue != nil {
		c.Queue.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
