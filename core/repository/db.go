package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the shared Postgres connection pool
type DB struct {
	*sql.DB
}

// PoolConfig bounds the connection pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewDB opens and pings a Postgres pool
func NewDB(ctx context.Context, databaseURL string, pool PoolConfig) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{DB: db}, nil
}

// Ping is used as a health probe
func (db *DB) Ping(ctx context.Context) (bool, error) {
	if err := db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS upgrades (
	id UUID PRIMARY KEY,
	repository TEXT NOT NULL,
	ecosystem TEXT NOT NULL,
	package_name TEXT NOT NULL,
	current_version TEXT NOT NULL,
	target_version TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error_message TEXT,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_upgrades_created_at ON upgrades(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_upgrades_status ON upgrades(status);
CREATE INDEX IF NOT EXISTS idx_upgrades_ecosystem ON upgrades(ecosystem);

CREATE TABLE IF NOT EXISTS upgrade_events (
	id BIGSERIAL PRIMARY KEY,
	upgrade_id UUID NOT NULL REFERENCES upgrades(id),
	at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_status TEXT,
	to_status TEXT NOT NULL,
	reason TEXT NOT NULL,
	meta_json JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_upgrade_events_upgrade ON upgrade_events(upgrade_id, at);

CREATE TABLE IF NOT EXISTS upgrade_queue (
	id UUID PRIMARY KEY,
	queue TEXT NOT NULL,
	payload JSONB NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	attempts INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_upgrade_queue_visible ON upgrade_queue(queue, visible_at, enqueued_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id UUID PRIMARY KEY,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	user_id TEXT,
	metadata JSONB,
	timestamp TIMESTAMPTZ NOT NULL,
	ip_address TEXT,
	user_agent TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
`

// Migrate creates every table the orchestrator uses. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
