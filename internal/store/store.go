// Package store holds the durable state of the automation worker: record
// snapshots, idempotency keys, checkpoints, run logs, dead letters, delay
// tasks and runtime rule state. Every interface has an in-memory and a
// SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("store: not found")

// SnapshotStore keeps the last processed field state per record. Diffs are
// computed against it, and it is only advanced after a pass completes.
type SnapshotStore interface {
	// Load returns the snapshot fields for one record.
	Load(ctx context.Context, appToken, tableID, recordID string) (models.Fields, bool, error)
	// Save overwrites the snapshot after a processing pass.
	Save(ctx context.Context, appToken, tableID, recordID string, fields models.Fields, modifiedMs int64) error
	// Delete removes the snapshot of a deleted record.
	Delete(ctx context.Context, appToken, tableID, recordID string) error
	// RecordIDs lists all snapshotted record ids of one table.
	RecordIDs(ctx context.Context, appToken, tableID string) ([]string, error)
	// InitTable replaces the table's snapshots wholesale without firing rules.
	InitTable(ctx context.Context, appToken, tableID string, records []models.Record) error
}

// IdempotencyStore tracks seen keys in two keyspaces: upstream event ids and
// business keys derived from the change content. Both check-and-mark in one
// call.
type IdempotencyStore interface {
	// SeenEvent marks the event id and reports whether it was already seen.
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	// SeenBusiness marks the business key and reports whether it was already
	// seen within its TTL.
	SeenBusiness(ctx context.Context, key string) (bool, error)
	// Sweep drops expired keys and enforces the max-keys bound.
	Sweep(ctx context.Context) error
}

// CheckpointStore keeps the per-table last-modified cursor used by scans.
type CheckpointStore interface {
	Get(ctx context.Context, appToken, tableID string) (int64, bool, error)
	Set(ctx context.Context, appToken, tableID string, cursorMs int64) error
}

// RunLogStore is the append-only evaluation log.
type RunLogStore interface {
	Append(ctx context.Context, entry models.RunLogEntry) error
	// Recent returns the newest entries, newest first.
	Recent(ctx context.Context, limit int) ([]models.RunLogEntry, error)
}

// DeadLetterStore persists permanently failed actions for reprocessing.
type DeadLetterStore interface {
	Append(ctx context.Context, entry models.DeadLetterEntry) error
	Get(ctx context.Context, id string) (models.DeadLetterEntry, error)
	// List returns entries newest first; reprocessed ones only when asked.
	List(ctx context.Context, includeReprocessed bool, limit int) ([]models.DeadLetterEntry, error)
	MarkReprocessed(ctx context.Context, id string) error
}

// DelayTaskStore persists deferred sub-pipeline executions.
type DelayTaskStore interface {
	Schedule(ctx context.Context, task models.DelayTask) error
	// ClaimDue atomically moves due scheduled tasks to running and returns
	// them. At most limit tasks are claimed.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DelayTask, error)
	// Finish records the terminal status of a running task.
	Finish(ctx context.Context, taskID string, status models.DelayTaskStatus, errMsg string) error
	// Cancel cancels a scheduled task. It reports false when the task is not
	// cancellable.
	Cancel(ctx context.Context, taskID string) (bool, error)
	List(ctx context.Context, status models.DelayTaskStatus, limit int) ([]models.DelayTask, error)
}

// RuntimeStateStore keeps runtime rule toggles and the cached table schemas.
// Disabling a rule here never touches the rules file.
type RuntimeStateStore interface {
	DisableRule(ctx context.Context, ruleID, reason string) error
	EnableRule(ctx context.Context, ruleID string) error
	DisabledRules(ctx context.Context) (map[string]string, error)
	SchemaCache(ctx context.Context, appToken, tableID string) ([]byte, bool, error)
	SaveSchemaCache(ctx context.Context, appToken, tableID string, payload []byte) error
}

// Stores bundles every store the automation worker owns.
type Stores struct {
	Snapshots   SnapshotStore
	Idempotency IdempotencyStore
	Checkpoints CheckpointStore
	RunLog      RunLogStore
	DeadLetters DeadLetterStore
	DelayTasks  DelayTaskStore
	Runtime     RuntimeStateStore
}
