package repository

import (
	"context"
	"fmt"

	"upgrade-orchestrator/core/models"
)

// AuditRepository appends audit entries to audit_log. Rows are never
// updated or deleted.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// WriteEntry inserts entry
func (r *AuditRepository) WriteEntry(ctx context.Context, entry models.AuditEntry) error {
	var metaJSON *string
	if entry.Metadata != nil {
		s, err := marshalMeta(entry.Metadata)
		if err != nil {
			return err
		}
		metaJSON = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, action, resource_type, resource_id, user_id, metadata,
			timestamp, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.ID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.UserID,
		metaJSON,
		entry.Timestamp,
		entry.IPAddress,
		entry.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
