package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/models"

	"github.com/google/uuid"
)

// UpgradeRepository handles database operations for upgrades
type UpgradeRepository struct {
	db  *DB
	now func() time.Time
}

// NewUpgradeRepository creates a new upgrade repository
func NewUpgradeRepository(db *DB) *UpgradeRepository {
	return &UpgradeRepository{db: db, now: time.Now}
}

const upgradeColumns = `
	id, repository, ecosystem, package_name, current_version, target_version,
	status, created_at, updated_at, completed_at, error_message, metadata`

// Create inserts u together with its creation event. Inserting an id that
// already exists is a no-op, so a retried Create is safe.
func (r *UpgradeRepository) Create(ctx context.Context, u *models.Upgrade) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	} else if _, err := uuid.Parse(u.ID); err != nil {
		return fmt.Errorf("invalid upgrade id %q: %w", u.ID, err)
	}

	metaJSON, err := marshalMeta(u.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO upgrades (
			id, repository, ecosystem, package_name, current_version, target_version,
			status, created_at, updated_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`,
		u.ID,
		u.Repository,
		u.Ecosystem,
		u.PackageName,
		u.CurrentVersion,
		u.TargetVersion,
		u.Status,
		u.CreatedAt,
		u.UpdatedAt,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert upgrade: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	if err := insertEventTx(ctx, tx, u.ID, u.CreatedAt, nil, u.Status, ReasonCreated, nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves an upgrade by ID
func (r *UpgradeRepository) Get(ctx context.Context, id string) (*models.Upgrade, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("upgrade", id)
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+upgradeColumns+` FROM upgrades WHERE id = $1`, id)
	u, err := scanUpgrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("upgrade", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upgrade: %w", err)
	}
	return u, nil
}

// List lists upgrades newest first
func (r *UpgradeRepository) List(ctx context.Context, filter ListFilter) ([]*models.Upgrade, error) {
	query := `SELECT ` + upgradeColumns + ` FROM upgrades WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.Ecosystem != nil {
		query += fmt.Sprintf(" AND ecosystem = $%d", argIndex)
		args = append(args, *filter.Ecosystem)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	return r.query(ctx, query, args...)
}

// ListStalePending returns pending upgrades not touched since updatedBefore,
// oldest first
func (r *UpgradeRepository) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Upgrade, error) {
	return r.query(ctx, `
		SELECT `+upgradeColumns+`
		FROM upgrades
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, models.UpgradeStatusPending, updatedBefore, limit)
}

// TouchPending bumps updated_at of a pending upgrade
func (r *UpgradeRepository) TouchPending(ctx context.Context, id string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NotFound("upgrade", id)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE upgrades SET updated_at = GREATEST($2, created_at)
		WHERE id = $1 AND status = $3
	`, id, at.UTC(), models.UpgradeStatusPending)
	if err != nil {
		return fmt.Errorf("failed to touch upgrade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch upgrade: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current models.UpgradeStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM upgrades WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("upgrade", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read upgrade status: %w", err)
	}
	return apperrors.Conflict("upgrade", id,
		fmt.Sprintf("upgrade is %s, expected %s", current, models.UpgradeStatusPending))
}

func (r *UpgradeRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Upgrade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query upgrades: %w", err)
	}
	defer rows.Close()

	upgrades := []*models.Upgrade{}
	for rows.Next() {
		u, err := scanUpgrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upgrade: %w", err)
		}
		upgrades = append(upgrades, u)
	}
	return upgrades, rows.Err()
}

// Transition moves id from `from` to `to` only if it is still in `from`,
// and logs the change in the same transaction
func (r *UpgradeRepository) Transition(ctx context.Context, id string, from, to models.UpgradeStatus, reason string, opts TransitionOptions) (*models.Upgrade, error) {
	if !models.CanTransition(from, to) {
		return nil, apperrors.Conflict("upgrade", id, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("upgrade", id)
	}

	metaJSON, err := marshalMeta(opts.Metadata)
	if err != nil {
		return nil, err
	}

	var errorMessage *string
	if opts.ErrorMessage != "" {
		errorMessage = &opts.ErrorMessage
	}

	now := r.now().UTC()
	var completedAt *time.Time
	if to.Terminal() {
		completedAt = &now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE upgrades SET
			status = $3,
			updated_at = GREATEST($4, created_at),
			completed_at = COALESCE($5, completed_at),
			error_message = COALESCE($6, error_message),
			metadata = metadata || $7::jsonb
		WHERE id = $1 AND status = $2
		RETURNING `+upgradeColumns,
		id, from, to, now, completedAt, errorMessage, metaJSON,
	)

	u, err := scanUpgrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionMiss(ctx, tx, id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update upgrade status: %w", err)
	}

	if err := insertEventTx(ctx, tx, id, now, &from, to, reason, opts.EventMeta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return u, nil
}

// transitionMiss tells apart an unknown id from a lost status race
func (r *UpgradeRepository) transitionMiss(ctx context.Context, tx *sql.Tx, id string, expected models.UpgradeStatus) error {
	var current models.UpgradeStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM upgrades WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("upgrade", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read upgrade status: %w", err)
	}
	return apperrors.Conflict("upgrade", id,
		fmt.Sprintf("upgrade is %s, expected %s", current, expected))
}

// CountByStatus returns the number of upgrades per status
func (r *UpgradeRepository) CountByStatus(ctx context.Context) (map[models.UpgradeStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM upgrades GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count upgrades: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.UpgradeStatus]int)
	for rows.Next() {
		var status models.UpgradeStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUpgrade(row rowScanner) (*models.Upgrade, error) {
	var u models.Upgrade
	var completedAt sql.NullTime
	var errorMessage sql.NullString
	var metaJSON []byte

	err := row.Scan(
		&u.ID,
		&u.Repository,
		&u.Ecosystem,
		&u.PackageName,
		&u.CurrentVersion,
		&u.TargetVersion,
		&u.Status,
		&u.CreatedAt,
		&u.UpdatedAt,
		&completedAt,
		&errorMessage,
		&metaJSON,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		u.CompletedAt = &completedAt.Time
	}
	if errorMessage.Valid {
		u.ErrorMessage = &errorMessage.String
	}
	u.Metadata = map[string]interface{}{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &u.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &u, nil
}

// marshalMeta encodes meta for a JSONB parameter. lib/pq sends []byte as
// bytea, so the JSON goes over the wire as text.
func marshalMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}
