package agent

import (
	"sync"
	"time"
)

// Pending action kinds.
const (
	PendingConfirmDelete  = "confirm_delete"
	PendingCompleteFields = "complete_fields"
)

// PendingAction is the one-slot ambient action awaiting the user's next
// turn. Setting a new one supersedes the old slot.
type PendingAction struct {
	Action    string
	Skill     string
	Payload   map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Pagination remembers how to fetch the next page of the previous query.
type Pagination struct {
	Tool        string
	Params      map[string]any
	PageToken   string
	CurrentPage int
	Total       int
	ExpiresAt   time.Time
}

// LastResult is the previous query's records, kept for ordinals, summaries
// and chained skills.
type LastResult struct {
	Records      []map[string]any
	RecordIDs    []string
	QuerySummary string
	ExpiresAt    time.Time
}

// ActiveRecord is the record the conversation currently refers to.
type ActiveRecord struct {
	RecordID  string
	Summary   string
	TableID   string
	ExpiresAt time.Time
}

// ConversationState is everything remembered per open_id.
type ConversationState struct {
	OpenID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	Pending      *PendingAction
	Pagination   *Pagination
	LastResult   *LastResult
	ActiveRecord *ActiveRecord
	ActiveTable  string
	Slots        map[string]string
	History      []ChatMessage
}

// StateStore persists conversation state. The memory implementation is the
// default; the interface leaves room for an external store.
type StateStore interface {
	Get(openID string) (*ConversationState, bool)
	Set(openID string, state *ConversationState)
	Delete(openID string)
	CleanupExpired(now time.Time) int
	ActiveCount() int
}

// MemoryStateStore is the in-process state store.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*ConversationState
}

// NewMemoryStateStore builds an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*ConversationState)}
}

func (m *MemoryStateStore) Get(openID string) (*ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[openID]
	return s, ok
}

func (m *MemoryStateStore) Set(openID string, state *ConversationState) {
	m.mu.Lock()
	m.states[openID] = state
	m.mu.Unlock()
}

func (m *MemoryStateStore) Delete(openID string) {
	m.mu.Lock()
	delete(m.states, openID)
	m.mu.Unlock()
}

func (m *MemoryStateStore) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.states {
		if now.After(s.ExpiresAt) {
			delete(m.states, id)
			removed++
		}
	}
	return removed
}

func (m *MemoryStateStore) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// StateTTLs are the session and sub-state lifetimes.
type StateTTLs struct {
	Session    time.Duration
	Pending    time.Duration
	Pagination time.Duration
	LastResult time.Duration
}

// DefaultStateTTLs mirrors the conversational defaults: 30min session, 5min
// pending action, 10min pagination and last result.
func DefaultStateTTLs() StateTTLs {
	return StateTTLs{
		Session:    30 * time.Minute,
		Pending:    5 * time.Minute,
		Pagination: 10 * time.Minute,
		LastResult: 10 * time.Minute,
	}
}

const maxHistoryTurns = 20

// StateManager reads and mutates conversation state with TTL handling.
type StateManager struct {
	store StateStore
	ttls  StateTTLs
	now   func() time.Time
}

// StateManagerOption configures a StateManager.
type StateManagerOption func(*StateManager)

// WithStateNow injects a clock for testing.
func WithStateNow(now func() time.Time) StateManagerOption {
	return func(m *StateManager) { m.now = now }
}

// NewStateManager wraps a store with TTL bookkeeping.
func NewStateManager(store StateStore, ttls StateTTLs, opts ...StateManagerOption) *StateManager {
	if ttls.Session <= 0 {
		ttls = DefaultStateTTLs()
	}
	m := &StateManager{store: store, ttls: ttls, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CleanupExpired drops expired sessions.
func (m *StateManager) CleanupExpired() int {
	return m.store.CleanupExpired(m.now())
}

// ActiveCount reports the number of live sessions.
func (m *StateManager) ActiveCount() int {
	return m.store.ActiveCount()
}

// State returns the live state for an open_id, creating it when absent and
// pruning expired sub-state. Each access extends the session TTL.
func (m *StateManager) State(openID string) *ConversationState {
	now := m.now()
	s, ok := m.store.Get(openID)
	if !ok || now.After(s.ExpiresAt) {
		s = &ConversationState{
			OpenID:    openID,
			CreatedAt: now,
			Slots:     make(map[string]string),
		}
	}
	if s.Pending != nil && now.After(s.Pending.ExpiresAt) {
		s.Pending = nil
	}
	if s.Pagination != nil && now.After(s.Pagination.ExpiresAt) {
		s.Pagination = nil
	}
	if s.LastResult != nil && now.After(s.LastResult.ExpiresAt) {
		s.LastResult = nil
	}
	if s.ActiveRecord != nil && now.After(s.ActiveRecord.ExpiresAt) {
		s.ActiveRecord = nil
	}
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(m.ttls.Session)
	m.store.Set(openID, s)
	return s
}

// ClearUser drops all state for an open_id.
func (m *StateManager) ClearUser(openID string) {
	m.store.Delete(openID)
}

// SetPending installs a pending action. When the slot was already occupied
// by a different action, the superseded action name is returned so the reply
// can mention it.
func (m *StateManager) SetPending(openID string, p PendingAction) (superseded string) {
	now := m.now()
	s := m.State(openID)
	if s.Pending != nil && s.Pending.Action != p.Action {
		superseded = s.Pending.Action
	}
	p.CreatedAt = now
	p.ExpiresAt = now.Add(m.ttls.Pending)
	s.Pending = &p
	m.store.Set(openID, s)
	return superseded
}

// Pending returns the current pending action, if any.
func (m *StateManager) Pending(openID string) *PendingAction {
	return m.State(openID).Pending
}

// ClearPending empties the pending slot.
func (m *StateManager) ClearPending(openID string) {
	s := m.State(openID)
	s.Pending = nil
	m.store.Set(openID, s)
}

// SetLastResult stores the previous query's records and ids.
func (m *StateManager) SetLastResult(openID string, records []map[string]any, querySummary string) {
	now := m.now()
	s := m.State(openID)
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if id, ok := rec["record_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	s.LastResult = &LastResult{
		Records:      records,
		RecordIDs:    ids,
		QuerySummary: querySummary,
		ExpiresAt:    now.Add(m.ttls.LastResult),
	}
	m.store.Set(openID, s)
}

// LastResult returns the previous query result, if still fresh.
func (m *StateManager) LastResult(openID string) *LastResult {
	return m.State(openID).LastResult
}

// SetPagination stores the cursor to continue the previous query.
func (m *StateManager) SetPagination(openID string, p Pagination) {
	s := m.State(openID)
	p.ExpiresAt = m.now().Add(m.ttls.Pagination)
	s.Pagination = &p
	m.store.Set(openID, s)
}

// Pagination returns the stored cursor, if still fresh.
func (m *StateManager) Pagination(openID string) *Pagination {
	return m.State(openID).Pagination
}

// ClearPagination drops the cursor.
func (m *StateManager) ClearPagination(openID string) {
	s := m.State(openID)
	s.Pagination = nil
	m.store.Set(openID, s)
}

// SetActiveRecord seeds the record the conversation now refers to.
func (m *StateManager) SetActiveRecord(openID string, rec ActiveRecord) {
	s := m.State(openID)
	rec.ExpiresAt = m.now().Add(m.ttls.LastResult)
	s.ActiveRecord = &rec
	if rec.TableID != "" {
		s.ActiveTable = rec.TableID
	}
	m.store.Set(openID, s)
}

// AppendMessage records one history turn, bounded to the newest turns.
func (m *StateManager) AppendMessage(openID, role, content string) {
	s := m.State(openID)
	s.History = append(s.History, ChatMessage{Role: role, Content: content})
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
	m.store.Set(openID, s)
}
