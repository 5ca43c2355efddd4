// Package upgrades implements upgrade intake, status queries and the
// reconciler that re-dispatches upgrades nobody picked up.
package upgrades

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/audit"
	"upgrade-orchestrator/core/models"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/queue"
	"upgrade-orchestrator/core/ratelimit"
	"upgrade-orchestrator/core/repository"
	"upgrade-orchestrator/core/retry"

	"github.com/google/uuid"
)

// Metric names
const (
	MetricCreated         = "upgrades_created_total"
	MetricValidationFails = "upgrade_validation_failures_total"
	MetricPersistFailures = "upgrade_persist_failures_total"
	MetricEnqueueFailures = "upgrade_enqueue_failures_total"
	MetricRateLimited     = "upgrade_rate_limited_total"
	MetricRedispatched    = "upgrade_redispatched_total"
)

// Config tunes intake
type Config struct {
	// RateLimit is the number of creates allowed per caller per RateWindow.
	// Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	Retry      retry.Config
}

// Caller identifies who made a request
type Caller struct {
	Subject   string
	IPAddress string
	UserAgent string
}

// RateKey is the subject when authenticated, else the client address
func (c Caller) RateKey() string {
	if c.Subject != "" {
		return "sub:" + c.Subject
	}
	return "ip:" + c.IPAddress
}

// CreateResult is returned by Create
type CreateResult struct {
	ID     string               `json:"id"`
	Status models.UpgradeStatus `json:"status"`
}

// Pagination describes a returned page. Total counts the rows on this page.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// ListResult is one page of upgrades
type ListResult struct {
	Upgrades   []*models.Upgrade `json:"upgrades"`
	Pagination Pagination        `json:"pagination"`
}

// Service is the intake and query API over the record store and queue
type Service struct {
	store   repository.UpgradeStore
	queue   queue.Publisher
	limiter *ratelimit.Limiter
	trail   *audit.Trail
	metrics *monitoring.Registry
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewService wires a service. limiter may be nil to disable rate limiting.
func NewService(
	store repository.UpgradeStore,
	publisher queue.Publisher,
	limiter *ratelimit.Limiter,
	trail *audit.Trail,
	metrics *monitoring.Registry,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.NewRegistry()
	}
	if trail == nil {
		trail = audit.NewTrail(logger, audit.NewLogSink(logger))
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Service{
		store:   store,
		queue:   publisher,
		limiter: limiter,
		trail:   trail,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Create validates req, persists a pending upgrade and then enqueues its
// job descriptor. The record is durable before any worker can see the job.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (*CreateResult, error) {
	if err := s.admit(ctx, caller); err != nil {
		return nil, err
	}
	return s.create(ctx, caller, req, s.cfg.Retry)
}

// BatchItem is the outcome of one request in a batch. Exactly one of
// Result and Err is set.
type BatchItem struct {
	Result *CreateResult
	Err    error
}

// CreateBatch admits the whole batch against the rate limit once, then
// creates each request independently. Entries get a single store and queue
// attempt so a failing backend cannot stall the request; an entry whose
// enqueue failed stays pending for the reconciler.
func (s *Service) CreateBatch(ctx context.Context, caller Caller, reqs []CreateRequest) ([]BatchItem, error) {
	if err := s.admit(ctx, caller); err != nil {
		return nil, err
	}

	once := retry.Config{MaxRetries: 1}
	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			items[i].Err = apperrors.Internal("batch aborted", err)
			continue
		}
		items[i].Result, items[i].Err = s.create(ctx, caller, req, once)
	}
	return items, nil
}

func (s *Service) create(ctx context.Context, caller Caller, req CreateRequest, policy retry.Config) (*CreateResult, error) {

	req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.IncCounter(MetricValidationFails, nil)
		return nil, err
	}

	now := s.now().UTC()
	u := &models.Upgrade{
		ID:             uuid.NewString(),
		Repository:     req.Repository,
		Ecosystem:      models.Ecosystem(req.Ecosystem),
		PackageName:    req.PackageName,
		CurrentVersion: req.CurrentVersion,
		TargetVersion:  req.TargetVersion,
		Status:         models.UpgradeStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       req.Metadata,
	}
	if u.Metadata == nil {
		u.Metadata = map[string]interface{}{}
	}

	logger := s.logger.With("upgrade_id", u.ID)

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.store.Create(ctx, u)
	})
	if err != nil {
		s.metrics.IncCounter(MetricPersistFailures, nil)
		logger.Error("failed to persist upgrade", "error", err)
		return nil, apperrors.Internal("failed to persist upgrade", err)
	}

	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.queue.Push(ctx, u.Descriptor())
	})
	if err != nil {
		s.metrics.IncCounter(MetricEnqueueFailures, nil)
		logger.Error("failed to enqueue upgrade, left pending for reconciliation", "error", err)
		return nil, apperrors.Internal("failed to enqueue upgrade", err)
	}

	s.metrics.IncCounter(MetricCreated, map[string]string{"ecosystem": string(u.Ecosystem)})
	s.trail.LogAction(ctx, audit.Action{
		Action:       audit.ActionUpgradeCreate,
		ResourceType: audit.ResourceUpgrade,
		ResourceID:   u.ID,
		UserID:       caller.Subject,
		Metadata: map[string]interface{}{
			"repository":     u.Repository,
			"ecosystem":      string(u.Ecosystem),
			"packageName":    u.PackageName,
			"currentVersion": u.CurrentVersion,
			"targetVersion":  u.TargetVersion,
		},
		IPAddress: caller.IPAddress,
		UserAgent: caller.UserAgent,
	})
	logger.Info("upgrade created",
		"ecosystem", u.Ecosystem,
		"package", u.PackageName,
		"from", u.CurrentVersion,
		"to", u.TargetVersion,
	)

	return &CreateResult{ID: u.ID, Status: u.Status}, nil
}

func (s *Service) admit(ctx context.Context, caller Caller) error {
	if s.limiter == nil || s.cfg.RateLimit <= 0 {
		return nil
	}

	key := caller.RateKey()
	if s.limiter.CheckLimit(key, s.cfg.RateLimit, s.cfg.RateWindow) {
		return nil
	}

	s.metrics.IncCounter(MetricRateLimited, nil)
	s.trail.LogAction(ctx, audit.Action{
		Action:       audit.ActionRateLimited,
		ResourceType: audit.ResourceRequest,
		ResourceID:   key,
		UserID:       caller.Subject,
		IPAddress:    caller.IPAddress,
		UserAgent:    caller.UserAgent,
	})
	return apperrors.RateLimited(s.limiter.ResetIn(key))
}

// Get returns one upgrade or a not-found error
func (s *Service) Get(ctx context.Context, id string) (*models.Upgrade, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError("failed to get upgrade", err)
	}
	return u, nil
}

// List returns a page of upgrades, newest first
func (s *Service) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.Page > MaxPage {
		return nil, apperrors.Validation([]apperrors.FieldViolation{
			{Field: "page", Message: fmt.Sprintf("page must be at most %d", MaxPage)},
		})
	}
	if q.Limit < 1 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	items, err := s.store.List(ctx, repository.ListFilter{
		Status:    q.Status,
		Ecosystem: q.Ecosystem,
		Limit:     q.Limit,
		Offset:    q.Offset(),
	})
	if err != nil {
		return nil, storeError("failed to list upgrades", err)
	}

	return &ListResult{
		Upgrades: items,
		Pagination: Pagination{
			Page:  q.Page,
			Limit: q.Limit,
			Total: len(items),
		},
	}, nil
}

// Events returns the status history of one upgrade
func (s *Service) Events(ctx context.Context, id string) ([]models.UpgradeEvent, error) {
	events, err := s.store.Events(ctx, id)
	if err != nil {
		return nil, storeError("failed to get upgrade events", err)
	}
	return events, nil
}

// storeError passes typed errors through and wraps anything else as internal
func storeError(msg string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Internal(msg, err)
}
