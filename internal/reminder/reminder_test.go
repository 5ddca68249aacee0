package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/bitflow/internal/agent"
	"github.com/haasonsaas/bitflow/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC)

// memStore is an in-memory deliveryStore and creator.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	reminders map[int64]*models.Reminder
	keys      map[string]int64
	locked    bool
}

func newMemStore() *memStore {
	return &memStore{reminders: make(map[int64]*models.Reminder), keys: make(map[string]int64)}
}

func (m *memStore) Create(_ context.Context, r models.Reminder, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[key]; ok && key != "" {
		return id, false, nil
	}
	m.nextID++
	r.ID = m.nextID
	if r.Status == "" {
		r.Status = models.ReminderPending
	}
	m.reminders[r.ID] = &r
	if key != "" {
		m.keys[key] = r.ID
	}
	return r.ID, true, nil
}

func (m *memStore) ListPending(_ context.Context, userID string, limit int) ([]models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reminder
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		r, ok := m.reminders[id]
		if ok && r.UserID == userID && r.Status == models.ReminderPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) setStatus(id int64, userID string, status models.ReminderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.UserID != userID || r.Status != models.ReminderPending {
		return false, nil
	}
	r.Status = status
	return true, nil
}

func (m *memStore) Complete(_ context.Context, id int64, userID string) (bool, error) {
	return m.setStatus(id, userID, models.ReminderDone)
}

func (m *memStore) Cancel(_ context.Context, id int64, userID string) (bool, error) {
	return m.setStatus(id, userID, models.ReminderCancelled)
}

func (m *memStore) ClaimDue(_ context.Context, _ string, now time.Time, _ time.Duration, limit int) ([]models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reminder
	for _, r := range m.reminders {
		if r.Status == models.ReminderPending && !r.DueAt.After(now) && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) MarkDone(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reminders[id]
	r.Status = models.ReminderDone
	r.NotifiedAt = &now
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id int64, msg string, maxRetries int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reminders[id]
	r.RetryCount++
	r.LastError = msg
	if r.RetryCount >= maxRetries {
		r.Status = models.ReminderFailed
	}
	return nil
}

func (m *memStore) WithScanLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	m.mu.Lock()
	if m.locked {
		m.mu.Unlock()
		return false, nil
	}
	m.locked = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.locked = false
		m.mu.Unlock()
	}()
	return true, fn(ctx)
}

type memSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (s *memSender) SendText(_ context.Context, openID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("send failed")
	}
	s.sent = append(s.sent, openID+": "+text)
	return nil
}

func TestScheduler_DeliversDueReminders(t *testing.T) {
	store := newMemStore()
	store.Create(context.Background(), models.Reminder{
		UserID: "ou_1", Content: "交证据", DueAt: fixedNow.Add(-time.Minute)}, "k1")
	store.Create(context.Background(), models.Reminder{
		UserID: "ou_2", Content: "还没到点", DueAt: fixedNow.Add(time.Hour)}, "k2")

	sender := &memSender{}
	sched := NewScheduler(store, sender, testLogger(), WithNow(func() time.Time { return fixedNow }))

	delivered, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d", delivered)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "交证据") {
		t.Fatalf("sent = %v", sender.sent)
	}
	if store.reminders[1].Status != models.ReminderDone {
		t.Fatalf("status = %s", store.reminders[1].Status)
	}
	if store.reminders[2].Status != models.ReminderPending {
		t.Fatal("future reminder delivered")
	}
}

func TestScheduler_RetriesThenFails(t *testing.T) {
	store := newMemStore()
	store.Create(context.Background(), models.Reminder{
		UserID: "ou_1", Content: "x", DueAt: fixedNow.Add(-time.Minute)}, "k1")

	sender := &memSender{fails: 10}
	sched := NewScheduler(store, sender, testLogger(),
		WithMaxRetries(2), WithNow(func() time.Time { return fixedNow }))

	for i := 0; i < 3; i++ {
		if _, err := sched.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	r := store.reminders[1]
	if r.Status != models.ReminderFailed {
		t.Fatalf("status = %s after retries", r.Status)
	}
	if r.RetryCount != 2 {
		t.Fatalf("retry count = %d", r.RetryCount)
	}
	if r.LastError == "" {
		t.Fatal("last error empty")
	}
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	store := newMemStore()
	store.Create(context.Background(), models.Reminder{
		UserID: "ou_1", Content: "x", DueAt: fixedNow.Add(-time.Minute)}, "k1")
	store.locked = true

	sender := &memSender{}
	sched := NewScheduler(store, sender, testLogger(), WithNow(func() time.Time { return fixedNow }))

	delivered, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 0 || len(sender.sent) != 0 {
		t.Fatal("sweep ran without the lock")
	}
}

func TestGateway_ManualDedupe(t *testing.T) {
	store := newMemStore()
	gw := NewGateway(store, testLogger())

	req := agent.ReminderRequest{OpenID: "ou_1", Content: "交证据", At: fixedNow.Add(time.Hour)}
	id1, err := gw.CreateReminder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	// Same request again, seconds apart within the same minute.
	req.At = req.At.Add(10 * time.Second)
	id2, err := gw.CreateReminder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	if len(store.reminders) != 1 {
		t.Fatalf("reminders = %d", len(store.reminders))
	}
}

func TestGateway_ListCompleteCancelScopedToUser(t *testing.T) {
	store := newMemStore()
	gw := NewGateway(store, testLogger())

	gw.CreateReminder(context.Background(),
		agent.ReminderRequest{OpenID: "ou_1", Content: "交证据", At: fixedNow.Add(time.Hour)})
	gw.CreateReminder(context.Background(),
		agent.ReminderRequest{OpenID: "ou_1", Content: "开庭", At: fixedNow.Add(2 * time.Hour)})
	gw.CreateReminder(context.Background(),
		agent.ReminderRequest{OpenID: "ou_2", Content: "别人的", At: fixedNow.Add(time.Hour)})

	items, err := gw.ListReminders(context.Background(), "ou_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Content != "交证据" {
		t.Fatalf("items = %+v", items)
	}

	// ou_2 cannot touch ou_1's reminder.
	if done, _ := gw.CompleteReminder(context.Background(), "ou_2", 1); done {
		t.Fatal("completed another user's reminder")
	}
	done, err := gw.CompleteReminder(context.Background(), "ou_1", 1)
	if err != nil || !done {
		t.Fatalf("complete: %v done=%v", err, done)
	}
	if store.reminders[1].Status != models.ReminderDone {
		t.Fatalf("status = %s", store.reminders[1].Status)
	}

	cancelled, err := gw.CancelReminder(context.Background(), "ou_1", 2)
	if err != nil || !cancelled {
		t.Fatalf("cancel: %v cancelled=%v", err, cancelled)
	}
	if store.reminders[2].Status != models.ReminderCancelled {
		t.Fatalf("status = %s", store.reminders[2].Status)
	}

	items, _ = gw.ListReminders(context.Background(), "ou_1", 0)
	if len(items) != 0 {
		t.Fatalf("pending after updates = %+v", items)
	}
}

func TestGateway_AutoDedupeByRecordDayOffset(t *testing.T) {
	store := newMemStore()
	gw := NewGateway(store, testLogger())

	due := fixedNow.Add(24 * time.Hour)
	_, created, err := gw.CreateAuto(context.Background(), "ou_1", "rec_1", "明天开庭", due, 1)
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}
	// Re-firing the same rule for the same record, day and offset collapses.
	_, created, err = gw.CreateAuto(context.Background(), "ou_1", "rec_1", "明天开庭（重发）", due, 1)
	if err != nil || created {
		t.Fatalf("dup create: %v created=%v", err, created)
	}
	// A different offset is a distinct reminder.
	_, created, err = gw.CreateAuto(context.Background(), "ou_1", "rec_1", "三天后开庭", due, 3)
	if err != nil || !created {
		t.Fatalf("offset create: %v created=%v", err, created)
	}
	if store.reminders[1].Priority != models.PriorityHigh {
		t.Fatalf("priority = %s", store.reminders[1].Priority)
	}
}
