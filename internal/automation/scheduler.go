package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// Scheduler drains persisted delay tasks and replays their sub-pipelines.
// Tasks survive restarts; a claimed task is marked running so a second
// worker cannot pick it up.
type Scheduler struct {
	tasks    store.DelayTaskStore
	upstream Upstream
	executor *Executor
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerInterval overrides the claim poll interval.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithSchedulerNow injects a clock for testing.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler wires the delay-task loop.
func NewScheduler(tasks store.DelayTaskStore, upstream Upstream, executor *Executor,
	logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		tasks:    tasks,
		upstream: upstream,
		executor: executor,
		interval: 5 * time.Second,
		batch:    10,
		logger:   logger.With("component", "automation.scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls for due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("delay tick failed", "error", err)
			}
		}
	}
}

// Tick claims and executes one batch of due tasks.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.tasks.ClaimDue(ctx, s.now(), s.batch)
	if err != nil {
		return err
	}
	for _, task := range due {
		s.execute(ctx, task)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, task models.DelayTask) {
	loc := models.Locator{AppToken: task.AppToken, TableID: task.TableID, RecordID: task.RecordID}
	record, exists, err := s.upstream.FetchRecord(ctx, loc)
	if err != nil {
		s.finish(ctx, task.TaskID, models.DelayFailed, err.Error())
		return
	}
	if !exists {
		// The record was deleted while the task waited. Nothing to run
		// against, and nothing to retry.
		s.finish(ctx, task.TaskID, models.DelayFailed, "record no longer exists")
		return
	}

	in := ExecInput{
		Env: TemplateEnv{
			EventID:  "delay:" + task.TaskID,
			RuleID:   task.RuleID,
			AppToken: task.AppToken,
			TableID:  task.TableID,
			RecordID: task.RecordID,
		},
		Fields: record.Fields,
	}
	if _, err := s.executor.RunPipeline(ctx, task.RuleID, task.Pipeline, in); err != nil {
		s.finish(ctx, task.TaskID, models.DelayFailed, err.Error())
		return
	}
	s.finish(ctx, task.TaskID, models.DelayDone, "")
	s.logger.Info("delay task finished", "task_id", task.TaskID, "rule_id", task.RuleID)
}

func (s *Scheduler) finish(ctx context.Context, taskID string, status models.DelayTaskStatus, errMsg string) {
	if err := s.tasks.Finish(ctx, taskID, status, errMsg); err != nil {
		s.logger.Error("delay task finish failed", "task_id", taskID, "error", err)
	}
}

// Tasks lists tasks for the management endpoint. An empty status lists all.
func (s *Scheduler) Tasks(ctx context.Context, status models.DelayTaskStatus, limit int) ([]models.DelayTask, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.tasks.List(ctx, status, limit)
}

// Cancel cancels a scheduled task. Running or finished tasks are not
// cancellable.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	return s.tasks.Cancel(ctx, taskID)
}
