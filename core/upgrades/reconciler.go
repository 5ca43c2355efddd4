package upgrades

import (
	"context"
	"log/slog"
	"time"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/audit"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/queue"
	"upgrade-orchestrator/core/repository"
)

// ReconcilerConfig controls the pending sweep
type ReconcilerConfig struct {
	Interval time.Duration
	// After is how long an upgrade may sit in pending before it is pushed
	// again
	After     time.Duration
	BatchSize int
}

// Reconciler re-pushes upgrades that stayed pending, which covers a
// persisted record whose enqueue failed or whose message was lost.
// Each push bumps the record's updatedAt, so an upgrade is pushed at most
// once per After window however often the sweep runs.
type Reconciler struct {
	store   repository.UpgradeStore
	queue   queue.Publisher
	trail   *audit.Trail
	metrics *monitoring.Registry
	logger  *slog.Logger
	cfg     ReconcilerConfig
	now     func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(
	store repository.UpgradeStore,
	publisher queue.Publisher,
	trail *audit.Trail,
	metrics *monitoring.Registry,
	logger *slog.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.After <= 0 {
		cfg.After = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.NewRegistry()
	}
	if trail == nil {
		trail = audit.NewTrail(logger)
	}
	return &Reconciler{
		store:   store,
		queue:   publisher,
		trail:   trail,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "after", r.cfg.After)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep re-pushes one batch of stale pending upgrades and returns how many
// were pushed
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.cfg.After)

	stale, err := r.store.ListStalePending(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, u := range stale {
		if err := r.queue.Push(ctx, u.Descriptor()); err != nil {
			r.logger.Warn("failed to redispatch upgrade", "upgrade_id", u.ID, "error", err)
			continue
		}
		pushed++
		if err := r.store.TouchPending(ctx, u.ID, r.now()); err != nil && !apperrors.Is(err, apperrors.KindConflict) {
			r.logger.Warn("failed to record redispatch", "upgrade_id", u.ID, "error", err)
		}
		r.metrics.IncCounter(MetricRedispatched, nil)
		r.trail.LogAction(ctx, audit.Action{
			Action:       audit.ActionUpgradeRedispatch,
			ResourceType: audit.ResourceUpgrade,
			ResourceID:   u.ID,
			Metadata: map[string]interface{}{
				"pendingSince":   u.CreatedAt,
				"lastDispatched": u.UpdatedAt,
			},
		})
	}

	if pushed > 0 {
		r.logger.Info("redispatched stale upgrades", "count", pushed, "found", len(stale))
	}
	return pushed, nil
}
