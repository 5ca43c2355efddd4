package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"upgrade-orchestrator/core/models"
)

// Events returns the transition history of an upgrade, oldest first
func (r *UpgradeRepository) Events(ctx context.Context, upgradeID string) ([]models.UpgradeEvent, error) {
	if _, err := r.Get(ctx, upgradeID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, upgrade_id, at, from_status, to_status, reason, meta_json
		FROM upgrade_events
		WHERE upgrade_id = $1
		ORDER BY at ASC, id ASC
	`, upgradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query upgrade events: %w", err)
	}
	defer rows.Close()

	events := []models.UpgradeEvent{}
	for rows.Next() {
		var event models.UpgradeEvent
		var fromStatus sql.NullString
		var metaJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.UpgradeID,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upgrade event: %w", err)
		}

		if fromStatus.Valid {
			status := models.UpgradeStatus(fromStatus.String)
			event.FromStatus = &status
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &event.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode event meta: %w", err)
			}
		}

		events = append(events, event)
	}
	return events, rows.Err()
}

func insertEventTx(ctx context.Context, tx *sql.Tx, upgradeID string, at time.Time, from *models.UpgradeStatus, to models.UpgradeStatus, reason string, meta map[string]interface{}) error {
	var fromStatus *string
	if from != nil {
		s := string(*from)
		fromStatus = &s
	}

	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upgrade_events (upgrade_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, upgradeID, at, fromStatus, to, reason, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert upgrade event: %w", err)
	}
	return nil
}

// Compile-time check
var _ UpgradeStore = (*UpgradeRepository)(nil)
