package repository

import (
	"context"
	"time"

	"upgrade-orchestrator/core/models"
)

// ListFilter narrows List. Nil filters match everything.
type ListFilter struct {
	Status    *models.UpgradeStatus
	Ecosystem *models.Ecosystem
	Limit     int
	Offset    int
}

// TransitionOptions carries the optional fields written with a transition
type TransitionOptions struct {
	ErrorMessage string
	// Metadata is merged into the record's metadata, keys overwrite
	Metadata map[string]interface{}
	// EventMeta is stored on the event row only
	EventMeta map[string]interface{}
}

// UpgradeStore is the durable record store. Transition is the only way a
// record's status changes.
type UpgradeStore interface {
	Create(ctx context.Context, u *models.Upgrade) error
	Get(ctx context.Context, id string) (*models.Upgrade, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Upgrade, error)
	Transition(ctx context.Context, id string, from, to models.UpgradeStatus, reason string, opts TransitionOptions) (*models.Upgrade, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Upgrade, error)
	// TouchPending sets updatedAt of a still pending upgrade to at, never
	// earlier than createdAt. It returns Conflict once the upgrade has left
	// pending.
	TouchPending(ctx context.Context, id string, at time.Time) error
	CountByStatus(ctx context.Context) (map[models.UpgradeStatus]int, error)
	Events(ctx context.Context, upgradeID string) ([]models.UpgradeEvent, error)
}

// Reasons written on upgrade events
const (
	ReasonCreated   = "upgrade_created"
	ReasonClaimed   = "worker_claimed"
	ReasonCompleted = "assessment_completed"
	ReasonFailed    = "assessment_failed"
)

func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
