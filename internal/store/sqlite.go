package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/bitflow/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	app_token   TEXT NOT NULL,
	table_id    TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	fields      TEXT NOT NULL,
	modified_ms INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (app_token, table_id, record_id)
);
CREATE TABLE IF NOT EXISTS idempotency (
	keyspace TEXT NOT NULL,
	key      TEXT NOT NULL,
	seen_at  INTEGER NOT NULL,
	PRIMARY KEY (keyspace, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_seen ON idempotency (keyspace, seen_at);
CREATE TABLE IF NOT EXISTS checkpoints (
	app_token TEXT NOT NULL,
	table_id  TEXT NOT NULL,
	cursor_ms INTEGER NOT NULL,
	PRIMARY KEY (app_token, table_id)
);
CREATE TABLE IF NOT EXISTS run_log (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	ts    INTEGER NOT NULL,
	entry TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	entry       TEXT NOT NULL,
	reprocessed INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS delay_tasks (
	task_id      TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	scheduled_at INTEGER NOT NULL,
	entry        TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delay_due ON delay_tasks (status, scheduled_at);
CREATE TABLE IF NOT EXISTS disabled_rules (
	rule_id TEXT PRIMARY KEY,
	reason  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_cache (
	app_token TEXT NOT NULL,
	table_id  TEXT NOT NULL,
	payload   BLOB NOT NULL,
	PRIMARY KEY (app_token, table_id)
);
`

// DBOption configures the SQLite store bundle.
type DBOption func(*DB)

// WithDBNow injects a clock for testing.
func WithDBNow(now func() time.Time) DBOption {
	return func(d *DB) { d.now = now }
}

// WithDBTTLs overrides the idempotency TTLs.
func WithDBTTLs(event, business time.Duration) DBOption {
	return func(d *DB) {
		d.eventTTL = event
		d.businessTTL = business
	}
}

// WithDBMaxKeys bounds each idempotency keyspace.
func WithDBMaxKeys(n int) DBOption {
	return func(d *DB) { d.maxKeys = n }
}

// DB backs every store interface with one SQLite database. Writes are
// serialized through a mutex since the driver allows a single writer.
type DB struct {
	db *sql.DB
	mu sync.Mutex

	now         func() time.Time
	eventTTL    time.Duration
	businessTTL time.Duration
	maxKeys     int
}

// Open opens (and migrates) the database at path.
func Open(path string, opts ...DBOption) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.Exec(sqliteSchema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	d := &DB{
		db:          sqldb,
		now:         time.Now,
		eventTTL:    24 * time.Hour,
		businessTTL: 24 * time.Hour,
		maxKeys:     10000,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close releases the database handle.
func (d *DB) Close() error { return d.db.Close() }

// Stores returns the interface bundle backed by this database.
func (d *DB) Stores() Stores {
	return Stores{
		Snapshots:   &sqlSnapshots{d},
		Idempotency: &sqlIdempotency{d},
		Checkpoints: &sqlCheckpoints{d},
		RunLog:      &sqlRunLog{d},
		DeadLetters: &sqlDeadLetters{d},
		DelayTasks:  &sqlDelayTasks{d},
		Runtime:     &sqlRuntimeState{d},
	}
}

type sqlSnapshots struct{ d *DB }

func (s *sqlSnapshots) Load(ctx context.Context, appToken, tableID, recordID string) (models.Fields, bool, error) {
	var raw string
	err := s.d.db.QueryRowContext(ctx,
		`SELECT fields FROM snapshots WHERE app_token=? AND table_id=? AND record_id=?`,
		appToken, tableID, recordID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var fields models.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return fields, true, nil
}

func (s *sqlSnapshots) Save(ctx context.Context, appToken, tableID, recordID string, fields models.Fields, modifiedMs int64) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO snapshots (app_token, table_id, record_id, fields, modified_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (app_token, table_id, record_id)
		 DO UPDATE SET fields=excluded.fields, modified_ms=excluded.modified_ms, updated_at=excluded.updated_at`,
		appToken, tableID, recordID, string(raw), modifiedMs, s.d.now().UnixMilli())
	return err
}

func (s *sqlSnapshots) Delete(ctx context.Context, appToken, tableID, recordID string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE app_token=? AND table_id=? AND record_id=?`,
		appToken, tableID, recordID)
	return err
}

func (s *sqlSnapshots) RecordIDs(ctx context.Context, appToken, tableID string) ([]string, error) {
	rows, err := s.d.db.QueryContext(ctx,
		`SELECT record_id FROM snapshots WHERE app_token=? AND table_id=? ORDER BY record_id`,
		appToken, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlSnapshots) InitTable(ctx context.Context, appToken, tableID string, records []models.Record) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE app_token=? AND table_id=?`, appToken, tableID); err != nil {
		return err
	}
	now := s.d.now().UnixMilli()
	for _, rec := range records {
		raw, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (app_token, table_id, record_id, fields, modified_ms, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			appToken, tableID, rec.RecordID, string(raw), rec.ModifiedMs, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type sqlIdempotency struct{ d *DB }

func (s *sqlIdempotency) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	return s.seen(ctx, "event", eventID, s.d.eventTTL)
}

func (s *sqlIdempotency) SeenBusiness(ctx context.Context, key string) (bool, error) {
	return s.seen(ctx, "business", key, s.d.businessTTL)
}

func (s *sqlIdempotency) seen(ctx context.Context, keyspace, key string, ttl time.Duration) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	now := s.d.now()

	var seenAt int64
	err := s.d.db.QueryRowContext(ctx,
		`SELECT seen_at FROM idempotency WHERE keyspace=? AND key=?`, keyspace, key).Scan(&seenAt)
	switch {
	case err == nil:
		if now.UnixMilli()-seenAt < ttl.Milliseconds() {
			return true, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO idempotency (keyspace, key, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (keyspace, key) DO UPDATE SET seen_at=excluded.seen_at`,
		keyspace, key, now.UnixMilli())
	return false, err
}

func (s *sqlIdempotency) Sweep(ctx context.Context) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	now := s.d.now().UnixMilli()
	for keyspace, ttl := range map[string]time.Duration{"event": s.d.eventTTL, "business": s.d.businessTTL} {
		if _, err := s.d.db.ExecContext(ctx,
			`DELETE FROM idempotency WHERE keyspace=? AND seen_at < ?`,
			keyspace, now-ttl.Milliseconds()); err != nil {
			return err
		}
		if s.d.maxKeys > 0 {
			if _, err := s.d.db.ExecContext(ctx,
				`DELETE FROM idempotency WHERE keyspace=?1 AND key NOT IN (
					SELECT key FROM idempotency WHERE keyspace=?1 ORDER BY seen_at DESC LIMIT ?2)`,
				keyspace, s.d.maxKeys); err != nil {
				return err
			}
		}
	}
	return nil
}

type sqlCheckpoints struct{ d *DB }

func (s *sqlCheckpoints) Get(ctx context.Context, appToken, tableID string) (int64, bool, error) {
	var cursor int64
	err := s.d.db.QueryRowContext(ctx,
		`SELECT cursor_ms FROM checkpoints WHERE app_token=? AND table_id=?`,
		appToken, tableID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

func (s *sqlCheckpoints) Set(ctx context.Context, appToken, tableID string, cursorMs int64) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx,
		`INSERT INTO checkpoints (app_token, table_id, cursor_ms) VALUES (?, ?, ?)
		 ON CONFLICT (app_token, table_id) DO UPDATE SET cursor_ms=excluded.cursor_ms`,
		appToken, tableID, cursorMs)
	return err
}

type sqlRunLog struct{ d *DB }

func (s *sqlRunLog) Append(ctx context.Context, entry models.RunLogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO run_log (ts, entry) VALUES (?, ?)`,
		entry.Timestamp.UnixMilli(), string(raw))
	return err
}

func (s *sqlRunLog) Recent(ctx context.Context, limit int) ([]models.RunLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.d.db.QueryContext(ctx,
		`SELECT entry FROM run_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RunLogEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry models.RunLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode run log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type sqlDeadLetters struct{ d *DB }

func (s *sqlDeadLetters) Append(ctx context.Context, entry models.DeadLetterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, entry, reprocessed, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, string(raw), boolInt(entry.Reprocessed), entry.CreatedAt.UnixMilli())
	return err
}

func (s *sqlDeadLetters) Get(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	var raw string
	var reprocessed int
	err := s.d.db.QueryRowContext(ctx,
		`SELECT entry, reprocessed FROM dead_letters WHERE id=?`, id).Scan(&raw, &reprocessed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, err
	}
	var entry models.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("decode dead letter: %w", err)
	}
	entry.Reprocessed = reprocessed != 0
	return entry, nil
}

func (s *sqlDeadLetters) List(ctx context.Context, includeReprocessed bool, limit int) ([]models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT entry, reprocessed FROM dead_letters`
	if !includeReprocessed {
		query += ` WHERE reprocessed=0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	rows, err := s.d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DeadLetterEntry
	for rows.Next() {
		var raw string
		var reprocessed int
		if err := rows.Scan(&raw, &reprocessed); err != nil {
			return nil, err
		}
		var entry models.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entry.Reprocessed = reprocessed != 0
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *sqlDeadLetters) MarkReprocessed(ctx context.Context, id string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	res, err := s.d.db.ExecContext(ctx,
		`UPDATE dead_letters SET reprocessed=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlDelayTasks struct{ d *DB }

func (s *sqlDelayTasks) Schedule(ctx context.Context, task models.DelayTask) error {
	if task.Status == "" {
		task.Status = models.DelayScheduled
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err = s.d.db.ExecContext(ctx,
		`INSERT INTO delay_tasks (task_id, status, scheduled_at, entry, updated_at) VALUES (?, ?, ?, ?, ?)`,
		task.TaskID, string(task.Status), task.ScheduledAt.UnixMilli(), string(raw), s.d.now().UnixMilli())
	return err
}

func (s *sqlDelayTasks) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DelayTask, error) {
	if limit <= 0 {
		limit = 50
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT entry FROM delay_tasks WHERE status=? AND scheduled_at <= ? ORDER BY scheduled_at LIMIT ?`,
		string(models.DelayScheduled), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var due []models.DelayTask
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		var task models.DelayTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode delay task: %w", err)
		}
		due = append(due, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range due {
		due[i].Status = models.DelayRunning
		due[i].UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE delay_tasks SET status=?, updated_at=? WHERE task_id=?`,
			string(models.DelayRunning), now.UnixMilli(), due[i].TaskID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *sqlDelayTasks) Finish(ctx context.Context, taskID string, status models.DelayTaskStatus, errMsg string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	task, err := s.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = status
	task.Error = errMsg
	task.UpdatedAt = s.d.now()
	return s.updateLocked(ctx, task)
}

func (s *sqlDelayTasks) Cancel(ctx context.Context, taskID string) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	task, err := s.loadLocked(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != models.DelayScheduled {
		return false, nil
	}
	task.Status = models.DelayCancelled
	task.UpdatedAt = s.d.now()
	if err := s.updateLocked(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlDelayTasks) loadLocked(ctx context.Context, taskID string) (models.DelayTask, error) {
	var raw string
	err := s.d.db.QueryRowContext(ctx,
		`SELECT entry FROM delay_tasks WHERE task_id=?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DelayTask{}, ErrNotFound
	}
	if err != nil {
		return models.DelayTask{}, err
	}
	var task models.DelayTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return models.DelayTask{}, fmt.Errorf("decode delay task: %w", err)
	}
	return task, nil
}

func (s *sqlDelayTasks) updateLocked(ctx context.Context, task models.DelayTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.d.db.ExecContext(ctx,
		`UPDATE delay_tasks SET status=?, entry=?, updated_at=? WHERE task_id=?`,
		string(task.Status), string(raw), task.UpdatedAt.UnixMilli(), task.TaskID)
	return err
}

func (s *sqlDelayTasks) List(ctx context.Context, status models.DelayTaskStatus, limit int) ([]models.DelayTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT entry FROM delay_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DelayTask
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var task models.DelayTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode delay task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type sqlRuntimeState struct{ d *DB }

func (s *sqlRuntimeState) DisableRule(ctx context.Context, ruleID, reason string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx,
		`INSERT INTO disabled_rules (rule_id, reason) VALUES (?, ?)
		 ON CONFLICT (rule_id) DO UPDATE SET reason=excluded.reason`,
		ruleID, reason)
	return err
}

func (s *sqlRuntimeState) EnableRule(ctx context.Context, ruleID string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `DELETE FROM disabled_rules WHERE rule_id=?`, ruleID)
	return err
}

func (s *sqlRuntimeState) DisabledRules(ctx context.Context) (map[string]string, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT rule_id, reason FROM disabled_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, reason string
		if err := rows.Scan(&id, &reason); err != nil {
			return nil, err
		}
		out[id] = reason
	}
	return out, rows.Err()
}

func (s *sqlRuntimeState) SchemaCache(ctx context.Context, appToken, tableID string) ([]byte, bool, error) {
	var payload []byte
	err := s.d.db.QueryRowContext(ctx,
		`SELECT payload FROM schema_cache WHERE app_token=? AND table_id=?`,
		appToken, tableID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *sqlRuntimeState) SaveSchemaCache(ctx context.Context, appToken, tableID string, payload []byte) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx,
		`INSERT INTO schema_cache (app_token, table_id, payload) VALUES (?, ?, ?)
		 ON CONFLICT (app_token, table_id) DO UPDATE SET payload=excluded.payload`,
		appToken, tableID, payload)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
