package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// Sender delivers one reminder message to a user.
type Sender interface {
	SendText(ctx context.Context, openID, text string) error
}

// deliveryStore is the slice of the store the scheduler needs.
type deliveryStore interface {
	ClaimDue(ctx context.Context, claimedBy string, now time.Time, staleAfter time.Duration, limit int) ([]models.Reminder, error)
	MarkDone(ctx context.Context, id int64, now time.Time) error
	MarkFailed(ctx context.Context, id int64, deliveryErr string, maxRetries int, now time.Time) error
	WithScanLock(ctx context.Context, fn func(context.Context) error) (bool, error)
}

const (
	defaultScanInterval = 30 * time.Second
	defaultMaxRetries   = 3
	claimStaleAfter     = 5 * time.Minute
	claimBatchSize      = 50
)

// Scheduler scans for due reminders and delivers them. Multiple instances
// may run; the store's advisory lock elects one scanner per sweep.
type Scheduler struct {
	store      deliveryStore
	sender     Sender
	interval   time.Duration
	maxRetries int
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval overrides the scan interval.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxRetries bounds delivery attempts per reminder.
func WithMaxRetries(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithNow injects a clock for testing.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a delivery scheduler.
func NewScheduler(store deliveryStore, sender Sender, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:      store,
		sender:     sender,
		interval:   defaultScanInterval,
		maxRetries: defaultMaxRetries,
		instanceID: uuid.NewString(),
		logger:     logger.With("component", "reminder.scheduler"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run delivers due reminders until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reminder scheduler started", "interval", s.interval, "instance", s.instanceID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("reminder sweep failed", "error", err)
			}
		}
	}
}

// Tick runs one sweep. Returns the number of reminders delivered.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	delivered := 0
	ran, err := s.store.WithScanLock(ctx, func(ctx context.Context) error {
		now := s.now()
		due, err := s.store.ClaimDue(ctx, s.instanceID, now, claimStaleAfter, claimBatchSize)
		if err != nil {
			return err
		}
		for _, r := range due {
			if err := s.deliver(ctx, r); err != nil {
				s.logger.Warn("reminder delivery failed",
					"id", r.ID, "user", r.UserID, "retry", r.RetryCount, "error", err)
				if markErr := s.store.MarkFailed(ctx, r.ID, err.Error(), s.maxRetries, s.now()); markErr != nil {
					return markErr
				}
				continue
			}
			if err := s.store.MarkDone(ctx, r.ID, s.now()); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return delivered, err
	}
	if !ran {
		s.logger.Debug("scan lock held elsewhere, skipping sweep")
	}
	return delivered, nil
}

func (s *Scheduler) deliver(ctx context.Context, r models.Reminder) error {
	text := fmt.Sprintf("⏰ 提醒：%s", r.Content)
	if r.Priority == models.PriorityHigh {
		text = fmt.Sprintf("🔴 重要提醒：%s", r.Content)
	}
	return s.sender.SendText(ctx, r.UserID, text)
}
