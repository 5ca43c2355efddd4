// Package worker consumes job descriptors from the dispatch queue and drives
// each upgrade through processing to a terminal status.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/executor"
	"upgrade-orchestrator/core/models"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/queue"
	"upgrade-orchestrator/core/repository"

	"golang.org/x/sync/errgroup"
)

// MetricProcessed counts handled deliveries by outcome
const MetricProcessed = "worker_deliveries_total"

// Outcome of one delivery
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetry     Outcome = "retry"
)

// Assessor runs the upgrade assessment
type Assessor interface {
	Assess(ctx context.Context, job models.JobDescriptor) (*executor.Assessment, error)
}

// Config tunes the pool
type Config struct {
	Concurrency int
	BatchSize   int
	// PollInterval is the pause after an empty or failed receive
	PollInterval time.Duration
}

// Worker is a pool of consumers
type Worker struct {
	consumer queue.Consumer
	store    repository.UpgradeStore
	assessor Assessor
	metrics  *monitoring.Registry
	logger   *slog.Logger
	cfg      Config
}

// NewWorker creates a worker pool
func NewWorker(
	consumer queue.Consumer,
	store repository.UpgradeStore,
	assessor Assessor,
	metrics *monitoring.Registry,
	logger *slog.Logger,
	cfg Config,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if metrics == nil {
		metrics = monitoring.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer: consumer,
		store:    store,
		assessor: assessor,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run starts Concurrency consumer loops and blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			w.loop(ctx, id)
			return nil
		})
	}
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("consumer", id)
	for ctx.Err() == nil {
		deliveries, err := w.consumer.Receive(ctx, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to receive jobs", "error", err)
			w.pause(ctx)
			continue
		}
		if len(deliveries) == 0 {
			w.pause(ctx)
			continue
		}
		for _, d := range deliveries {
			w.Handle(ctx, d)
		}
	}
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Handle processes one delivery and acks or nacks it. Handling is
// idempotent on the upgrade id: terminal records are skipped and a
// processing record is resumed.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) Outcome {
	logger := w.logger.With("upgrade_id", d.Job.UpgradeID, "attempts", d.Attempts)

	outcome := w.process(ctx, logger, d)
	w.metrics.IncCounter(MetricProcessed, map[string]string{"outcome": string(outcome)})

	// settle even when shutdown cancelled ctx
	settleCtx := context.WithoutCancel(ctx)
	if outcome == OutcomeRetry {
		if err := w.consumer.Nack(settleCtx, d); err != nil {
			logger.Warn("failed to nack delivery", "error", err)
		}
		return outcome
	}
	if err := w.consumer.Ack(settleCtx, d); err != nil {
		logger.Warn("failed to ack delivery", "error", err)
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, d queue.Delivery) Outcome {
	u, err := w.store.Get(ctx, d.Job.UpgradeID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			logger.Warn("dropping job for unknown upgrade")
			return OutcomeSkipped
		}
		logger.Error("failed to load upgrade", "error", err)
		return OutcomeRetry
	}

	switch u.Status {
	case models.UpgradeStatusPending:
		u, err = w.store.Transition(ctx, u.ID, models.UpgradeStatusPending, models.UpgradeStatusProcessing,
			repository.ReasonClaimed, repository.TransitionOptions{
				EventMeta: map[string]interface{}{"attempts": d.Attempts},
			})
		if err != nil {
			return w.transitionFailed(logger, err)
		}
	case models.UpgradeStatusProcessing:
		logger.Info("resuming upgrade left in processing")
	default:
		logger.Debug("upgrade already finished, skipping", "status", u.Status)
		return OutcomeSkipped
	}

	assessment, err := w.assessor.Assess(ctx, u.Descriptor())
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeRetry
		}
		logger.Warn("upgrade assessment failed", "error", err)
		_, terr := w.store.Transition(ctx, u.ID, models.UpgradeStatusProcessing, models.UpgradeStatusFailed,
			repository.ReasonFailed, repository.TransitionOptions{ErrorMessage: err.Error()})
		if terr != nil {
			return w.transitionFailed(logger, terr)
		}
		return OutcomeFailed
	}

	_, err = w.store.Transition(ctx, u.ID, models.UpgradeStatusProcessing, models.UpgradeStatusCompleted,
		repository.ReasonCompleted, repository.TransitionOptions{Metadata: assessment.Metadata()})
	if err != nil {
		return w.transitionFailed(logger, err)
	}

	logger.Info("upgrade completed",
		"risk", assessment.Risk.RiskLevel,
		"score", assessment.CompatibilityScore,
	)
	return OutcomeCompleted
}

// transitionFailed maps a store error to an outcome. Losing the optimistic
// check means another worker owns the record.
func (w *Worker) transitionFailed(logger *slog.Logger, err error) Outcome {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && (appErr.Kind == apperrors.KindConflict || appErr.Kind == apperrors.KindNotFound) {
		logger.Info("upgrade changed underneath worker, skipping", "error", err)
		return OutcomeSkipped
	}
	logger.Error("failed to transition upgrade", "error", err)
	return OutcomeRetry
}
