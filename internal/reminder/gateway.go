package reminder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/haasonsaas/bitflow/internal/agent"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// gatewayStore is the slice of the store the gateway needs.
type gatewayStore interface {
	Create(ctx context.Context, r models.Reminder, dedupeKey string) (int64, bool, error)
	ListPending(ctx context.Context, userID string, limit int) ([]models.Reminder, error)
	Complete(ctx context.Context, id int64, userID string) (bool, error)
	Cancel(ctx context.Context, id int64, userID string) (bool, error)
}

// Gateway exposes reminder creation and management to the conversation
// skills and the automation engine, with idempotent keys on the create
// paths.
type Gateway struct {
	store  gatewayStore
	logger *slog.Logger
}

// NewGateway wraps the store.
func NewGateway(store gatewayStore, logger *slog.Logger) *Gateway {
	return &Gateway{store: store, logger: logger.With("component", "reminder.gateway")}
}

var _ agent.ReminderGateway = (*Gateway)(nil)

// CreateReminder stores a user-requested reminder. Repeating the same
// request (same user, content and minute) returns the existing reminder.
func (g *Gateway) CreateReminder(ctx context.Context, req agent.ReminderRequest) (string, error) {
	key := dedupeKey("manual", req.OpenID, req.Content, strconv.FormatInt(req.At.Truncate(time.Minute).Unix(), 10))
	id, created, err := g.store.Create(ctx, models.Reminder{
		UserID:  req.OpenID,
		Content: req.Content,
		DueAt:   req.At,
		Source:  models.ReminderManual,
	}, key)
	if err != nil {
		return "", err
	}
	if !created {
		g.logger.Debug("duplicate reminder collapsed", "id", id, "user", req.OpenID)
	}
	return strconv.FormatInt(id, 10), nil
}

// ListReminders returns the user's pending reminders, soonest first.
func (g *Gateway) ListReminders(ctx context.Context, openID string, limit int) ([]agent.ReminderItem, error) {
	if limit <= 0 {
		limit = 20
	}
	reminders, err := g.store.ListPending(ctx, openID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]agent.ReminderItem, 0, len(reminders))
	for _, r := range reminders {
		items = append(items, agent.ReminderItem{
			ID:       r.ID,
			Content:  r.Content,
			At:       r.DueAt,
			Priority: string(r.Priority),
		})
	}
	return items, nil
}

// CompleteReminder marks one of the user's pending reminders done.
func (g *Gateway) CompleteReminder(ctx context.Context, openID string, id int64) (bool, error) {
	return g.store.Complete(ctx, id, openID)
}

// CancelReminder cancels one of the user's pending reminders.
func (g *Gateway) CancelReminder(ctx context.Context, openID string, id int64) (bool, error) {
	return g.store.Cancel(ctx, id, openID)
}

// CreateAuto stores an automation-generated reminder, deduplicated on the
// source record, the target day and the day offset so repeated rule firings
// cannot double-book.
func (g *Gateway) CreateAuto(ctx context.Context, userID, caseID, content string, dueAt time.Time, offsetDays int) (int64, bool, error) {
	day := dueAt.Format("2006-01-02")
	key := dedupeKey("auto", caseID, day, strconv.Itoa(offsetDays))
	return g.store.Create(ctx, models.Reminder{
		UserID:   userID,
		Content:  content,
		DueAt:    dueAt,
		CaseID:   caseID,
		Priority: models.PriorityHigh,
		Source:   models.ReminderAuto,
	}, key)
}

func dedupeKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%s\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
