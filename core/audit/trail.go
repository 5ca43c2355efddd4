package audit

import (
	"context"
	"log/slog"
	"time"

	"upgrade-orchestrator/core/models"

	"github.com/google/uuid"
)

// Action names used by the orchestrator
const (
	ActionUpgradeCreate     = "upgrade.create"
	ActionUpgradeTransition = "upgrade.transition"
	ActionUpgradeRedispatch = "upgrade.redispatch"
	ActionRateLimited       = "request.rate_limited"
)

// Resource types
const (
	ResourceUpgrade = "upgrade"
	ResourceRequest = "request"
)

// Sink receives finished audit entries
type Sink interface {
	WriteEntry(ctx context.Context, entry models.AuditEntry) error
}

// Action describes one auditable action. UserID, IPAddress and UserAgent
// are optional; empty strings are omitted from the entry.
type Action struct {
	Action       string
	ResourceType string
	ResourceID   string
	UserID       string
	Metadata     map[string]interface{}
	IPAddress    string
	UserAgent    string
}

// Trail is an append-only action log. It has no query interface.
type Trail struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewTrail creates a trail writing to every sink in order
func NewTrail(logger *slog.Logger, sinks ...Sink) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
}

// LogAction stamps a fresh id and timestamp onto a and emits it. Sink
// failures are logged and do not fail the caller.
func (t *Trail) LogAction(ctx context.Context, a Action) models.AuditEntry {
	entry := models.AuditEntry{
		ID:           uuid.NewString(),
		Action:       a.Action,
		ResourceType: a.ResourceType,
		ResourceID:   a.ResourceID,
		UserID:       optional(a.UserID),
		Metadata:     a.Metadata,
		Timestamp:    t.now().UTC(),
		IPAddress:    optional(a.IPAddress),
		UserAgent:    optional(a.UserAgent),
	}

	for _, sink := range t.sinks {
		if err := sink.WriteEntry(ctx, entry); err != nil {
			t.logger.Error("failed to write audit entry",
				"audit_id", entry.ID,
				"action", entry.Action,
				"error", err,
			)
		}
	}
	return entry
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LogSink writes entries to a structured logger under the "audit" group
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// WriteEntry implements Sink
func (s *LogSink) WriteEntry(ctx context.Context, e models.AuditEntry) error {
	attrs := []any{
		slog.String("id", e.ID),
		slog.String("action", e.Action),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.Time("timestamp", e.Timestamp),
	}
	if e.UserID != nil {
		attrs = append(attrs, slog.String("user_id", *e.UserID))
	}
	if e.IPAddress != nil {
		attrs = append(attrs, slog.String("ip_address", *e.IPAddress))
	}
	if e.UserAgent != nil {
		attrs = append(attrs, slog.String("user_agent", *e.UserAgent))
	}
	if len(e.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", e.Metadata))
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", slog.Group("audit", attrs...))
	return nil
}
