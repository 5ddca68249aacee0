// Package reminder persists and delivers scheduled user reminders on
// Postgres. Delivery runs on every worker; an advisory lock keeps a single
// scanner active at a time.
package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/bitflow/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS reminders (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT        NOT NULL,
	chat_id     TEXT        NOT NULL DEFAULT '',
	content     TEXT        NOT NULL,
	due_at      TIMESTAMPTZ NOT NULL,
	priority    TEXT        NOT NULL DEFAULT 'medium',
	case_id     TEXT        NOT NULL DEFAULT '',
	status      TEXT        NOT NULL DEFAULT 'pending',
	source      TEXT        NOT NULL DEFAULT 'manual',
	dedupe_key  TEXT UNIQUE,
	notified_at TIMESTAMPTZ,
	locked_by   TEXT        NOT NULL DEFAULT '',
	locked_at   TIMESTAMPTZ,
	retry_count INT         NOT NULL DEFAULT 0,
	last_error  TEXT        NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reminders_due  ON reminders (status, due_at);
CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders (user_id, status);
`

// advisoryLockKey scopes the single-scanner lock to this table.
const advisoryLockKey int64 = 0x62697466_0001

// Store is the Postgres reminder store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to Postgres and ensures the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "reminder.store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing connection, mainly for tests.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "reminder.store")}
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate reminders: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a reminder. dedupeKey makes the insert idempotent: a
// reminder with the same key already present is returned instead, with
// created=false.
func (s *Store) Create(ctx context.Context, r models.Reminder, dedupeKey string) (id int64, created bool, err error) {
	if r.Priority == "" {
		r.Priority = models.PriorityMedium
	}
	if r.Status == "" {
		r.Status = models.ReminderPending
	}
	if r.Source == "" {
		r.Source = models.ReminderManual
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO reminders (user_id, chat_id, content, due_at, priority, case_id, status, source, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		r.UserID, r.ChatID, r.Content, r.DueAt, r.Priority, r.CaseID, r.Status, r.Source, dedupeKey,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("insert reminder: %w", err)
	}

	// Conflict: the reminder already exists under this key.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM reminders WHERE dedupe_key = $1`, dedupeKey).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("load deduped reminder: %w", err)
	}
	return id, false, nil
}

// ClaimDue atomically claims pending reminders that are due, stamping them
// with the claimer id. Claims older than staleAfter are considered abandoned
// and reclaimed.
func (s *Store) ClaimDue(ctx context.Context, claimedBy string, now time.Time, staleAfter time.Duration, limit int) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE reminders SET locked_by = $1, locked_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = $3 AND due_at <= $2
			  AND (locked_at IS NULL OR locked_at < $4)
			ORDER BY due_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, chat_id, content, due_at, priority, case_id, status, source, retry_count, last_error`,
		claimedBy, now, models.ReminderPending, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var out []models.Reminder
	for rows.Next() {
		var r models.Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.ChatID, &r.Content, &r.DueAt,
			&r.Priority, &r.CaseID, &r.Status, &r.Source, &r.RetryCount, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDone records a delivered reminder.
func (s *Store) MarkDone(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = $1, notified_at = $2, updated_at = $2, locked_by = '', locked_at = NULL
		WHERE id = $3`,
		models.ReminderDone, now, id)
	if err != nil {
		return fmt.Errorf("mark reminder done: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. The reminder stays pending for
// another sweep until maxRetries is exhausted, then moves to failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, deliveryErr string, maxRetries int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET retry_count = retry_count + 1,
		    last_error  = $1,
		    status      = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE status END,
		    updated_at  = $4, locked_by = '', locked_at = NULL
		WHERE id = $5`,
		deliveryErr, maxRetries, models.ReminderFailed, now, id)
	if err != nil {
		return fmt.Errorf("mark reminder failed: %w", err)
	}
	return nil
}

// Complete marks a pending reminder owned by userID as done.
func (s *Store) Complete(ctx context.Context, id int64, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status = $1, updated_at = now()
		WHERE id = $2 AND user_id = $3 AND status = $4`,
		models.ReminderDone, id, userID, models.ReminderPending)
	if err != nil {
		return false, fmt.Errorf("complete reminder: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel cancels a pending reminder owned by userID.
func (s *Store) Cancel(ctx context.Context, id int64, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status = $1, updated_at = now()
		WHERE id = $2 AND user_id = $3 AND status = $4`,
		models.ReminderCancelled, id, userID, models.ReminderPending)
	if err != nil {
		return false, fmt.Errorf("cancel reminder: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListPending returns a user's upcoming reminders ordered by due time.
func (s *Store) ListPending(ctx context.Context, userID string, limit int) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, content, due_at, priority, case_id, status, source, retry_count, last_error
		FROM reminders
		WHERE user_id = $1 AND status = $2
		ORDER BY due_at
		LIMIT $3`,
		userID, models.ReminderPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []models.Reminder
	for rows.Next() {
		var r models.Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.ChatID, &r.Content, &r.DueAt,
			&r.Priority, &r.CaseID, &r.Status, &r.Source, &r.RetryCount, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WithScanLock runs fn while holding the cluster-wide scan lock. Returns
// false without running fn when another instance holds it.
func (s *Store) WithScanLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, advisoryLockKey).Scan(&acquired); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		// Unlock on the same session the lock was taken on.
		_, unlockErr := conn.ExecContext(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock($1)`, advisoryLockKey)
		if unlockErr != nil {
			s.logger.Warn("advisory unlock failed", "error", unlockErr)
		}
	}()
	return true, fn(ctx)
}
