package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"upgrade-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled on every push
const NotifyChannel = "upgrade_queue"

// PostgresQueue stores messages in the upgrade_queue table. Consumers claim
// rows with FOR UPDATE SKIP LOCKED and hide them for the visibility
// timeout; between empty polls they block on a pq.Listener.
type PostgresQueue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
	poll       time.Duration
	listener   *pq.Listener
	logger     *slog.Logger
}

// PostgresOptions configures a PostgresQueue
type PostgresOptions struct {
	// Name partitions the table; defaults to "upgrades"
	Name              string
	VisibilityTimeout time.Duration
	// PollInterval bounds how long Receive waits for a notification
	PollInterval time.Duration
	// ListenURL enables LISTEN/NOTIFY wake-ups when set
	ListenURL string
}

// NewPostgresQueue creates a queue over db
func NewPostgresQueue(db *sql.DB, opts PostgresOptions, logger *slog.Logger) (*PostgresQueue, error) {
	if opts.Name == "" {
		opts.Name = "upgrades"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &PostgresQueue{
		db:         db,
		name:       opts.Name,
		visibility: opts.VisibilityTimeout,
		poll:       opts.PollInterval,
		logger:     logger,
	}

	if opts.ListenURL != "" {
		listener := pq.NewListener(opts.ListenURL, time.Second, time.Minute, q.listenerEvent)
		if err := listener.Listen(NotifyChannel); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
		}
		q.listener = listener
	}
	return q, nil
}

func (q *PostgresQueue) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		q.logger.Warn("queue listener connection problem", "event", ev, "error", err)
	case pq.ListenerEventReconnected:
		q.logger.Info("queue listener reconnected")
	}
}

// Push inserts the descriptor and notifies listeners on commit
func (q *PostgresQueue) Push(ctx context.Context, job models.JobDescriptor) error {
	payload, err := Encode(job)
	if err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upgrade_queue (id, queue, payload)
		VALUES ($1, $2, $3::jsonb)
	`, uuid.NewString(), q.name, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert queue message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, q.name); err != nil {
		return fmt.Errorf("failed to notify queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue message: %w", err)
	}
	return nil
}

// Receive claims visible messages, waiting once for a notification or the
// poll interval when none are available
func (q *PostgresQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	out, err := q.claim(ctx, max)
	if err != nil || len(out) > 0 {
		return out, err
	}

	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	var notify <-chan *pq.Notification
	if q.listener != nil {
		notify = q.listener.Notify
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-notify:
	case <-timer.C:
	}
	return q.claim(ctx, max)
}

func (q *PostgresQueue) claim(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	rows, err := q.db.QueryContext(ctx, `
		UPDATE upgrade_queue SET
			visible_at = NOW() + make_interval(secs => $3),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM upgrade_queue
			WHERE queue = $1 AND visible_at <= NOW()
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id, payload, attempts
	`, q.name, max, q.visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue messages: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		id       string
		payload  []byte
		attempts int
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.payload, &c.attempts); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim queue messages: %w", err)
	}
	rows.Close()

	out := make([]Delivery, 0, len(batch))
	for _, c := range batch {
		job, err := Decode(c.payload)
		if err != nil {
			q.logger.Error("dropping undecodable queue message", "message_id", c.id, "error", err)
			if err := q.delete(ctx, c.id, c.attempts); err != nil {
				q.logger.Error("failed to drop queue message", "message_id", c.id, "error", err)
			}
			continue
		}
		out = append(out, Delivery{Job: job, Receipt: receipt(c.id, c.attempts), Attempts: c.attempts})
	}
	return out, nil
}

// Ack deletes the message if this delivery still owns it
func (q *PostgresQueue) Ack(ctx context.Context, d Delivery) error {
	id, attempts, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	return q.delete(ctx, id, attempts)
}

func (q *PostgresQueue) delete(ctx context.Context, id string, attempts int) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM upgrade_queue WHERE id = $1 AND attempts = $2`, id, attempts)
	if err != nil {
		return fmt.Errorf("failed to ack queue message: %w", err)
	}
	return nil
}

// Nack makes the message visible immediately
func (q *PostgresQueue) Nack(ctx context.Context, d Delivery) error {
	id, attempts, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE upgrade_queue SET visible_at = NOW()
		WHERE id = $1 AND attempts = $2
	`, id, attempts)
	if err != nil {
		return fmt.Errorf("failed to nack queue message: %w", err)
	}
	return nil
}

// Depth returns the number of messages in the queue, visible or not
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upgrade_queue WHERE queue = $1`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue messages: %w", err)
	}
	return n, nil
}

// Ping checks the database connection
func (q *PostgresQueue) Ping(ctx context.Context) (bool, error) {
	if err := q.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close stops the listener. The database pool is owned by the caller.
func (q *PostgresQueue) Close() error {
	if q.listener != nil {
		return q.listener.Close()
	}
	return nil
}

// A receipt names one claim of a row; a later claim bumps attempts and
// invalidates older receipts.
func receipt(id string, attempts int) string {
	return id + ":" + strconv.Itoa(attempts)
}

func parseReceipt(r string) (string, int, error) {
	id, n, ok := strings.Cut(r, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed receipt %q", r)
	}
	attempts, err := strconv.Atoi(n)
	if err != nil {
		return "", 0, fmt.Errorf("malformed receipt %q: %w", r, err)
	}
	return id, attempts, nil
}

var _ Queue = (*PostgresQueue)(nil)
