package models

import "time"

// ReminderPriority is the urgency class of a reminder.
type ReminderPriority string

const (
	PriorityLow    ReminderPriority = "low"
	PriorityMedium ReminderPriority = "medium"
	PriorityHigh   ReminderPriority = "high"
)

// ReminderStatus is the lifecycle state of a reminder.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderDone      ReminderStatus = "done"
	ReminderCancelled ReminderStatus = "cancelled"
	ReminderFailed    ReminderStatus = "failed"
)

// ReminderSource records how a reminder was created.
type ReminderSource string

const (
	ReminderManual ReminderSource = "manual"
	ReminderAuto   ReminderSource = "auto"
)

// Reminder is one scheduled user notification.
type Reminder struct {
	ID         int64            `json:"id"`
	UserID     string           `json:"user_id"`
	Content    string           `json:"content"`
	DueAt      time.Time        `json:"due_at"`
	Priority   ReminderPriority `json:"priority"`
	CaseID     string           `json:"case_id,omitempty"`
	Status     ReminderStatus   `json:"status"`
	ChatID     string           `json:"chat_id,omitempty"`
	NotifiedAt *time.Time       `json:"notified_at,omitempty"`
	LockedBy   string           `json:"locked_by,omitempty"`
	LockedAt   *time.Time       `json:"locked_at,omitempty"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`
	Source     ReminderSource   `json:"source"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// DefaultDueLabel marks reminders that fell back to the default time of day.
const DefaultDueLabel = "默认 18:00"
