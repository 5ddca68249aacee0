package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/bitflow/pkg/models"
)

func recordKey(appToken, tableID, recordID string) string {
	return appToken + "/" + tableID + "/" + recordID
}

func tableKey(appToken, tableID string) string {
	return appToken + "/" + tableID
}

// MemorySnapshots is the in-memory SnapshotStore.
type MemorySnapshots struct {
	mu        sync.Mutex
	snapshots map[string]models.Fields
}

// NewMemorySnapshots builds an empty snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snapshots: make(map[string]models.Fields)}
}

func (m *MemorySnapshots) Load(_ context.Context, appToken, tableID, recordID string) (models.Fields, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.snapshots[recordKey(appToken, tableID, recordID)]
	if !ok {
		return nil, false, nil
	}
	return f.Clone(), true, nil
}

func (m *MemorySnapshots) Save(_ context.Context, appToken, tableID, recordID string, fields models.Fields, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[recordKey(appToken, tableID, recordID)] = fields.Clone()
	return nil
}

func (m *MemorySnapshots) Delete(_ context.Context, appToken, tableID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, recordKey(appToken, tableID, recordID))
	return nil
}

func (m *MemorySnapshots) RecordIDs(_ context.Context, appToken, tableID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := tableKey(appToken, tableID) + "/"
	var ids []string
	for k := range m.snapshots {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemorySnapshots) InitTable(_ context.Context, appToken, tableID string, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := tableKey(appToken, tableID) + "/"
	for k := range m.snapshots {
		if strings.HasPrefix(k, prefix) {
			delete(m.snapshots, k)
		}
	}
	for _, rec := range records {
		m.snapshots[recordKey(appToken, tableID, rec.RecordID)] = rec.Fields.Clone()
	}
	return nil
}

// IdempotencyOption configures a MemoryIdempotency store.
type IdempotencyOption func(*MemoryIdempotency)

// WithNow injects a clock for testing.
func WithNow(now func() time.Time) IdempotencyOption {
	return func(m *MemoryIdempotency) { m.now = now }
}

// WithTTLs overrides the event and business key TTLs.
func WithTTLs(event, business time.Duration) IdempotencyOption {
	return func(m *MemoryIdempotency) {
		m.eventTTL = event
		m.businessTTL = business
	}
}

// WithMaxKeys bounds each keyspace; the oldest keys are evicted on Sweep.
func WithMaxKeys(n int) IdempotencyOption {
	return func(m *MemoryIdempotency) { m.maxKeys = n }
}

// MemoryIdempotency is the in-memory IdempotencyStore.
type MemoryIdempotency struct {
	mu          sync.Mutex
	now         func() time.Time
	eventTTL    time.Duration
	businessTTL time.Duration
	maxKeys     int
	eventKeys   map[string]time.Time
	bizKeys     map[string]time.Time
}

// NewMemoryIdempotency builds an idempotency store with 24h TTLs.
func NewMemoryIdempotency(opts ...IdempotencyOption) *MemoryIdempotency {
	m := &MemoryIdempotency{
		now:         time.Now,
		eventTTL:    24 * time.Hour,
		businessTTL: 24 * time.Hour,
		maxKeys:     10000,
		eventKeys:   make(map[string]time.Time),
		bizKeys:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryIdempotency) SeenEvent(_ context.Context, eventID string) (bool, error) {
	return m.seen(m.eventKeys, eventID, m.eventTTL), nil
}

func (m *MemoryIdempotency) SeenBusiness(_ context.Context, key string) (bool, error) {
	return m.seen(m.bizKeys, key, m.businessTTL), nil
}

func (m *MemoryIdempotency) seen(keys map[string]time.Time, key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := keys[key]; ok && now.Sub(at) < ttl {
		return true
	}
	keys[key] = now
	return false
}

func (m *MemoryIdempotency) Sweep(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(m.eventKeys, now, m.eventTTL)
	m.sweep(m.bizKeys, now, m.businessTTL)
	return nil
}

func (m *MemoryIdempotency) sweep(keys map[string]time.Time, now time.Time, ttl time.Duration) {
	for k, at := range keys {
		if now.Sub(at) >= ttl {
			delete(keys, k)
		}
	}
	if m.maxKeys <= 0 || len(keys) <= m.maxKeys {
		return
	}
	type kv struct {
		k  string
		at time.Time
	}
	ordered := make([]kv, 0, len(keys))
	for k, at := range keys {
		ordered = append(ordered, kv{k, at})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.Before(ordered[j].at) })
	for _, e := range ordered[:len(keys)-m.maxKeys] {
		delete(keys, e.k)
	}
}

// MemoryCheckpoints is the in-memory CheckpointStore.
type MemoryCheckpoints struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewMemoryCheckpoints builds an empty checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cursors: make(map[string]int64)}
}

func (m *MemoryCheckpoints) Get(_ context.Context, appToken, tableID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cursors[tableKey(appToken, tableID)]
	return v, ok, nil
}

func (m *MemoryCheckpoints) Set(_ context.Context, appToken, tableID string, cursorMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[tableKey(appToken, tableID)] = cursorMs
	return nil
}

// MemoryRunLog is the in-memory RunLogStore.
type MemoryRunLog struct {
	mu      sync.Mutex
	entries []models.RunLogEntry
}

// NewMemoryRunLog builds an empty run log.
func NewMemoryRunLog() *MemoryRunLog { return &MemoryRunLog{} }

func (m *MemoryRunLog) Append(_ context.Context, entry models.RunLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryRunLog) Recent(_ context.Context, limit int) ([]models.RunLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.RunLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// MemoryDeadLetters is the in-memory DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries []models.DeadLetterEntry
}

// NewMemoryDeadLetters builds an empty dead-letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters { return &MemoryDeadLetters{} }

func (m *MemoryDeadLetters) Append(_ context.Context, entry models.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryDeadLetters) Get(_ context.Context, id string) (models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return models.DeadLetterEntry{}, ErrNotFound
}

func (m *MemoryDeadLetters) List(_ context.Context, includeReprocessed bool, limit int) ([]models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeadLetterEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if !includeReprocessed && e.Reprocessed {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryDeadLetters) MarkReprocessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].Reprocessed = true
			return nil
		}
	}
	return ErrNotFound
}

// MemoryDelayTasks is the in-memory DelayTaskStore.
type MemoryDelayTasks struct {
	mu    sync.Mutex
	now   func() time.Time
	tasks map[string]models.DelayTask
}

// NewMemoryDelayTasks builds an empty delay-task store.
func NewMemoryDelayTasks() *MemoryDelayTasks {
	return &MemoryDelayTasks{now: time.Now, tasks: make(map[string]models.DelayTask)}
}

func (m *MemoryDelayTasks) Schedule(_ context.Context, task models.DelayTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.Status == "" {
		task.Status = models.DelayScheduled
	}
	m.tasks[task.TaskID] = task
	return nil
}

func (m *MemoryDelayTasks) ClaimDue(_ context.Context, now time.Time, limit int) ([]models.DelayTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.DelayTask
	for id, t := range m.tasks {
		if t.Status != models.DelayScheduled || t.ScheduledAt.After(now) {
			continue
		}
		t.Status = models.DelayRunning
		t.UpdatedAt = now
		m.tasks[id] = t
		due = append(due, t)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

func (m *MemoryDelayTasks) Finish(_ context.Context, taskID string, status models.DelayTaskStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.Error = errMsg
	t.UpdatedAt = m.now()
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryDelayTasks) Cancel(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != models.DelayScheduled {
		return false, nil
	}
	t.Status = models.DelayCancelled
	t.UpdatedAt = m.now()
	m.tasks[taskID] = t
	return true, nil
}

func (m *MemoryDelayTasks) List(_ context.Context, status models.DelayTaskStatus, limit int) ([]models.DelayTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DelayTask
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryRuntimeState is the in-memory RuntimeStateStore.
type MemoryRuntimeState struct {
	mu       sync.Mutex
	disabled map[string]string
	schemas  map[string][]byte
}

// NewMemoryRuntimeState builds an empty runtime-state store.
func NewMemoryRuntimeState() *MemoryRuntimeState {
	return &MemoryRuntimeState{
		disabled: make(map[string]string),
		schemas:  make(map[string][]byte),
	}
}

func (m *MemoryRuntimeState) DisableRule(_ context.Context, ruleID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled[ruleID] = reason
	return nil
}

func (m *MemoryRuntimeState) EnableRule(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disabled, ruleID)
	return nil
}

func (m *MemoryRuntimeState) DisabledRules(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.disabled))
	for k, v := range m.disabled {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryRuntimeState) SchemaCache(_ context.Context, appToken, tableID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.schemas[tableKey(appToken, tableID)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *MemoryRuntimeState) SaveSchemaCache(_ context.Context, appToken, tableID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[tableKey(appToken, tableID)] = append([]byte(nil), payload...)
	return nil
}

// NewMemoryStores builds a full in-memory bundle, used by tests and by the
// worker when no storage directory is configured.
func NewMemoryStores(opts ...IdempotencyOption) Stores {
	return Stores{
		Snapshots:   NewMemorySnapshots(),
		Idempotency: NewMemoryIdempotency(opts...),
		Checkpoints: NewMemoryCheckpoints(),
		RunLog:      NewMemoryRunLog(),
		DeadLetters: NewMemoryDeadLetters(),
		DelayTasks:  NewMemoryDelayTasks(),
		Runtime:     NewMemoryRuntimeState(),
	}
}
