package models

import "time"

// EventType classifies normalized automation events.
type EventType string

const (
	EventRecordCreated EventType = "created"
	EventRecordUpdated EventType = "updated"
	EventFieldChanged  EventType = "field_changed"
	EventSchemaChanged EventType = "schema_changed"
)

// TriggerClass maps the event type onto the rule trigger vocabulary.
func (e EventType) TriggerClass() TriggerOn {
	if e == EventRecordCreated {
		return TriggerOnCreated
	}
	return TriggerOnUpdated
}

// EventSource records which ingress path produced an event.
type EventSource string

const (
	SourceCallback EventSource = "callback"
	SourceWebhook  EventSource = "webhook"
	SourceScan     EventSource = "scan"
	SourceSync     EventSource = "sync"
	SourceInit     EventSource = "init"
	SourceDelay    EventSource = "delay"
)

// EventEnvelope is a normalized change event ready for processing.
type EventEnvelope struct {
	EventID    string      `json:"event_id"`
	Type       EventType   `json:"event_type"`
	Source     EventSource `json:"source"`
	AppToken   string      `json:"app_token"`
	TableID    string      `json:"table_id"`
	RecordID   string      `json:"record_id"`
	RuleID     string      `json:"rule_id,omitempty"` // external webhook path only
	ReceivedAt time.Time   `json:"received_at"`
}
