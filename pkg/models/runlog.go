package models

import "time"

// RunResult is the outcome class of one rule-evaluation pass.
type RunResult string

const (
	RunSuccess RunResult = "success"
	RunPartial RunResult = "partial"
	RunFailed  RunResult = "failed"
	RunNoMatch RunResult = "no_match"

	// Schema watcher outcomes share the run-log stream.
	RunSchemaBootstrap     RunResult = "schema_bootstrap"
	RunSchemaRefreshNoop   RunResult = "schema_refresh_noop"
	RunSchemaChanged       RunResult = "schema_changed"
	RunSchemaPolicyApplied RunResult = "schema_policy_applied"
	RunSchemaRuleDisabled  RunResult = "schema_rule_disabled"
	RunSchemaWebhookSent   RunResult = "schema_webhook_sent"
	RunSchemaWebhookFailed RunResult = "schema_webhook_failed"
)

// ActionDetail describes one executed pipeline step.
type ActionDetail struct {
	Type       string `json:"type"`
	RetryCount int    `json:"retry_count"`
	DurationMs int64  `json:"duration_ms"`
}

// ChangedValue is the old/new pair recorded for the trigger field.
type ChangedValue struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// RunLogEntry is one append-only row describing the outcome of evaluating
// one event. The key set is part of the external contract.
type RunLogEntry struct {
	Timestamp        time.Time      `json:"timestamp"`
	EventID          string         `json:"event_id"`
	RuleID           string         `json:"rule_id,omitempty"`
	AppToken         string         `json:"app_token"`
	TableID          string         `json:"table_id"`
	RecordID         string         `json:"record_id"`
	RulesEvaluated   []string       `json:"rules_evaluated"`
	RulesMatched     []string       `json:"rules_matched"`
	TriggerField     string         `json:"trigger_field,omitempty"`
	Changed          *ChangedValue  `json:"changed,omitempty"`
	ActionsExecuted  []string       `json:"actions_executed"`
	ActionsDetail    []ActionDetail `json:"actions_detail"`
	Result           RunResult      `json:"result"`
	Error            string         `json:"error,omitempty"`
	RetryCount       int            `json:"retry_count"`
	SentToDeadLetter bool           `json:"sent_to_dead_letter"`
	DurationMs       int64          `json:"duration_ms"`
}

// DeadLetterEntry is a persisted, reprocessable record of a permanently
// failing action.
type DeadLetterEntry struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	EventID     string    `json:"event_id"`
	AppToken    string    `json:"app_token"`
	TableID     string    `json:"table_id"`
	RecordID    string    `json:"record_id"`
	ActionType  string    `json:"action_type"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	Reprocessed bool      `json:"reprocessed"`
}

// DelayTaskStatus is the lifecycle state of a scheduled task.
type DelayTaskStatus string

const (
	DelayScheduled DelayTaskStatus = "scheduled"
	DelayRunning   DelayTaskStatus = "running"
	DelayDone      DelayTaskStatus = "done"
	DelayCancelled DelayTaskStatus = "cancelled"
	DelayFailed    DelayTaskStatus = "failed"
)

// DelayTask is a persisted deferred sub-pipeline execution.
type DelayTask struct {
	TaskID      string          `json:"task_id"`
	RuleID      string          `json:"rule_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	AppToken    string          `json:"app_token"`
	TableID     string          `json:"table_id"`
	RecordID    string          `json:"record_id"`
	Pipeline    []Action        `json:"pipeline"`
	Status      DelayTaskStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
