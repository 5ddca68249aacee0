package models

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// FieldKind identifies the typed variant carried by a FieldValue.
type FieldKind string

const (
	FieldKindText         FieldKind = "text"
	FieldKindNumber       FieldKind = "number"
	FieldKindSingleSelect FieldKind = "single_select"
	FieldKindMultiSelect  FieldKind = "multi_select"
	FieldKindDate         FieldKind = "date" // epoch milliseconds, UTC
	FieldKindPerson       FieldKind = "person"
	FieldKindPhone        FieldKind = "phone"
	FieldKindLocation     FieldKind = "location"
	FieldKindLink         FieldKind = "link"
	FieldKindUnknown      FieldKind = "unknown"
)

// FieldValue is a tagged variant over the field kinds the tabular backend
// exposes. Unknown payloads keep their raw JSON so that diffing still works
// byte-for-byte.
type FieldValue struct {
	Kind    FieldKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	Number  float64   `json:"number,omitempty"`
	Options []string  `json:"options,omitempty"`
	DateMs  int64     `json:"date_ms,omitempty"`
	UserIDs []string  `json:"user_ids,omitempty"`
	Raw     []byte    `json:"raw,omitempty"`
}

// TextValue builds a text field value.
func TextValue(s string) FieldValue { return FieldValue{Kind: FieldKindText, Text: s} }

// NumberValue builds a number field value.
func NumberValue(n float64) FieldValue { return FieldValue{Kind: FieldKindNumber, Number: n} }

// SelectValue builds a single-select field value.
func SelectValue(opt string) FieldValue {
	return FieldValue{Kind: FieldKindSingleSelect, Options: []string{opt}}
}

// DateValue builds a date field value from epoch milliseconds.
func DateValue(ms int64) FieldValue { return FieldValue{Kind: FieldKindDate, DateMs: ms} }

// PersonValue builds a person field value from opaque user ids.
func PersonValue(ids ...string) FieldValue {
	return FieldValue{Kind: FieldKindPerson, UserIDs: ids}
}

// UnknownValue wraps an unrecognized payload.
func UnknownValue(raw []byte) FieldValue { return FieldValue{Kind: FieldKindUnknown, Raw: raw} }

// IsZero reports whether the value carries no payload at all.
func (v FieldValue) IsZero() bool {
	return v.Kind == "" && v.Text == "" && v.Number == 0 &&
		len(v.Options) == 0 && v.DateMs == 0 && len(v.UserIDs) == 0 && len(v.Raw) == 0
}

// String renders the value for templates and user-visible summaries.
func (v FieldValue) String() string {
	switch v.Kind {
	case FieldKindText, FieldKindPhone, FieldKindLocation, FieldKindLink:
		return v.Text
	case FieldKindNumber:
		b, _ := json.Marshal(v.Number)
		return string(b)
	case FieldKindSingleSelect, FieldKindMultiSelect:
		return strings.Join(v.Options, ", ")
	case FieldKindDate:
		b, _ := json.Marshal(v.DateMs)
		return string(b)
	case FieldKindPerson:
		return strings.Join(v.UserIDs, ", ")
	default:
		return string(v.Raw)
	}
}

// Equal compares two values after normalization: option lists and person ids
// are order-insensitive, unknown payloads compare by raw bytes.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.Kind != o.Kind {
		// A value that changed representation upstream counts as changed.
		return false
	}
	switch v.Kind {
	case FieldKindText, FieldKindPhone, FieldKindLocation, FieldKindLink:
		return v.Text == o.Text
	case FieldKindNumber:
		return v.Number == o.Number
	case FieldKindDate:
		return v.DateMs == o.DateMs
	case FieldKindSingleSelect, FieldKindMultiSelect:
		return equalSorted(v.Options, o.Options)
	case FieldKindPerson:
		return equalSorted(v.UserIDs, o.UserIDs)
	default:
		return bytes.Equal(v.Raw, o.Raw)
	}
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Fields maps field names to typed values.
type Fields map[string]FieldValue

// Clone returns a shallow copy of the field map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is one row in a table of a bitable app.
type Record struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
	Fields   Fields `json:"fields"`
	// ModifiedMs is the upstream last-modified cursor (epoch ms). Zero when
	// the backend did not report one.
	ModifiedMs int64 `json:"modified_ms,omitempty"`
}

// Locator is the triplet required for any mutating record call.
type Locator struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

// Valid reports whether all three parts are present.
func (l Locator) Valid() bool {
	return l.AppToken != "" && l.TableID != "" && l.RecordID != ""
}

// Change records one field transition.
type Change struct {
	Field string     `json:"field"`
	Old   FieldValue `json:"old"`
	New   FieldValue `json:"new"`
}

// Changes is a set of field transitions, ordered by field name for stable
// hashing.
type Changes []Change

// FieldNames returns the changed field names in sorted order.
func (c Changes) FieldNames() []string {
	names := make([]string, 0, len(c))
	for _, ch := range c {
		names = append(names, ch.Field)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the named field is part of the change set.
func (c Changes) Has(field string) bool {
	for _, ch := range c {
		if ch.Field == field {
			return true
		}
	}
	return false
}

// Get returns the change for the named field.
func (c Changes) Get(field string) (Change, bool) {
	for _, ch := range c {
		if ch.Field == field {
			return ch, true
		}
	}
	return Change{}, false
}

// Diff computes the change set between two field maps. Fields present only
// on one side diff against the zero value.
func Diff(old, current Fields) Changes {
	names := make(map[string]struct{}, len(old)+len(current))
	for k := range old {
		names[k] = struct{}{}
	}
	for k := range current {
		names[k] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for k := range names {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var changes Changes
	for _, name := range ordered {
		ov, cv := old[name], current[name]
		if ov.Equal(cv) {
			continue
		}
		changes = append(changes, Change{Field: name, Old: ov, New: cv})
	}
	return changes
}
