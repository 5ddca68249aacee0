package models

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TriggerOn names the event classes a rule can react to.
type TriggerOn string

const (
	TriggerOnCreated TriggerOn = "created"
	TriggerOnUpdated TriggerOn = "updated"
)

// ConditionKind identifies a trigger predicate.
type ConditionKind string

const (
	CondChanged         ConditionKind = "changed"
	CondEquals          ConditionKind = "equals"
	CondIn              ConditionKind = "in"
	CondAnyFieldChanged ConditionKind = "any_field_changed"
)

// Condition is one trigger predicate. Field-scoped predicates read the
// enclosing trigger's field unless they carry their own.
type Condition struct {
	Kind    ConditionKind `yaml:"kind" json:"kind"`
	Field   string        `yaml:"field,omitempty" json:"field,omitempty"`
	Value   string        `yaml:"value,omitempty" json:"value,omitempty"`
	Values  []string      `yaml:"values,omitempty" json:"values,omitempty"`
	Exclude []string      `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Trigger describes when a rule fires.
type Trigger struct {
	On        []TriggerOn `yaml:"on" json:"on"`
	Field     string      `yaml:"field,omitempty" json:"field,omitempty"`
	Condition *Condition  `yaml:"condition,omitempty" json:"condition,omitempty"`
	All       []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any       []Condition `yaml:"any,omitempty" json:"any,omitempty"`
}

// Includes reports whether the trigger reacts to the given event class.
func (t Trigger) Includes(on TriggerOn) bool {
	for _, o := range t.On {
		if o == on {
			return true
		}
	}
	return false
}

// FieldNames returns every field referenced by the trigger's predicates.
func (t Trigger) FieldNames() []string {
	seen := map[string]struct{}{}
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name != "" {
			seen[name] = struct{}{}
		}
	}
	add(t.Field)
	if t.Condition != nil {
		add(t.Condition.Field)
	}
	for _, c := range t.All {
		add(c.Field)
	}
	for _, c := range t.Any {
		add(c.Field)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names
}

// UsesAnyFieldChanged reports whether any predicate is the catch-all kind,
// which forces full-field fetches.
func (t Trigger) UsesAnyFieldChanged() bool {
	if t.Condition != nil && t.Condition.Kind == CondAnyFieldChanged {
		return true
	}
	for _, c := range t.All {
		if c.Kind == CondAnyFieldChanged {
			return true
		}
	}
	for _, c := range t.Any {
		if c.Kind == CondAnyFieldChanged {
			return true
		}
	}
	return false
}

// TableRef binds a rule to a table, optionally scoped to an app.
type TableRef struct {
	AppToken string `yaml:"app_token,omitempty" json:"app_token,omitempty"`
	TableID  string `yaml:"table_id" json:"table_id"`
}

// ActionType names a pipeline step implementation.
type ActionType string

const (
	ActionLogWrite       ActionType = "log.write"
	ActionBitableUpdate  ActionType = "bitable.update"
	ActionBitableUpsert  ActionType = "bitable.upsert"
	ActionCalendarCreate ActionType = "calendar.create"
	ActionHTTPRequest    ActionType = "http.request"
	ActionDelay          ActionType = "delay"
)

// Action is one step of a rule pipeline. Only the params for its type are
// populated.
type Action struct {
	Type ActionType `yaml:"type" json:"type"`

	// log.write
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	Level    string `yaml:"level,omitempty" json:"level,omitempty"`

	// bitable.update / bitable.upsert
	Target      *TableRef         `yaml:"target,omitempty" json:"target,omitempty"`
	Fields      map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	AnchorField string            `yaml:"anchor_field,omitempty" json:"anchor_field,omitempty"`

	// calendar.create
	Title      string `yaml:"title,omitempty" json:"title,omitempty"`
	StartField string `yaml:"start_field,omitempty" json:"start_field,omitempty"`
	EndField   string `yaml:"end_field,omitempty" json:"end_field,omitempty"`

	// http.request
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    map[string]any    `yaml:"body,omitempty" json:"body,omitempty"`

	// delay
	Seconds  int      `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Pipeline []Action `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
}

// TemplateFields returns the {field} placeholders referenced by the action's
// templated parameters, excluding envelope keys.
func (a Action) TemplateFields() []string {
	seen := map[string]struct{}{}
	collect := func(s string) {
		for _, name := range templatePlaceholders(s) {
			seen[name] = struct{}{}
		}
	}
	collect(a.Template)
	collect(a.Title)
	for _, v := range a.Fields {
		collect(v)
	}
	if a.StartField != "" {
		seen[a.StartField] = struct{}{}
	}
	if a.EndField != "" {
		seen[a.EndField] = struct{}{}
	}
	for _, sub := range a.Pipeline {
		for _, name := range sub.TemplateFields() {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names
}

var envelopeTemplateKeys = map[string]struct{}{
	"event_id": {}, "table_id": {}, "record_id": {}, "app_token": {},
	"rule_id": {}, "error": {},
}

func templatePlaceholders(s string) []string {
	var names []string
	for {
		i := strings.IndexByte(s, '{')
		if i < 0 {
			return names
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			return names
		}
		name := strings.TrimSpace(s[i+1 : i+j])
		s = s[i+j+1:]
		if name == "" || strings.ContainsAny(name, ".[]{}") {
			continue
		}
		if _, envelope := envelopeTemplateKeys[name]; envelope {
			continue
		}
		names = append(names, name)
	}
}

// Rule is one declarative {trigger, pipeline} unit.
type Rule struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Table    TableRef `yaml:"table" json:"table"`
	Trigger  Trigger  `yaml:"trigger" json:"trigger"`
	Pipeline []Action `yaml:"pipeline" json:"pipeline"`
}

// Validate checks that the rule can ever match something.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if strings.TrimSpace(r.Table.TableID) == "" {
		return fmt.Errorf("rule %s: table.table_id is required", r.ID)
	}
	if len(r.Trigger.On) == 0 {
		return fmt.Errorf("rule %s: trigger.on is required", r.ID)
	}
	hasPredicate := r.Trigger.Field != "" || r.Trigger.Condition != nil ||
		len(r.Trigger.All) > 0 || len(r.Trigger.Any) > 0
	if !hasPredicate {
		return fmt.Errorf("rule %s: trigger must carry at least one predicate", r.ID)
	}
	if len(r.Pipeline) == 0 {
		return fmt.Errorf("rule %s: pipeline is empty", r.ID)
	}
	return nil
}

// BusinessKey derives the stable idempotency hash for "this rule already
// handled this change": sha1 over (rule, table, record, sorted change set).
func BusinessKey(ruleID, tableID, recordID string, changes Changes) string {
	type entry struct {
		Field string `json:"field"`
		Old   string `json:"old"`
		New   string `json:"new"`
	}
	entries := make([]entry, 0, len(changes))
	for _, name := range changes.FieldNames() {
		ch, _ := changes.Get(name)
		entries = append(entries, entry{Field: name, Old: ch.Old.String(), New: ch.New.String()})
	}
	payload, _ := json.Marshal(struct {
		RuleID   string  `json:"rule_id"`
		TableID  string  `json:"table_id"`
		RecordID string  `json:"record_id"`
		Changed  []entry `json:"changed"`
	}{ruleID, tableID, recordID, entries})
	sum := sha1.Sum(payload)
	return ruleID + ":" + tableID + ":" + recordID + ":" + hex.EncodeToString(sum[:])
}
