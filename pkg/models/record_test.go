package models

import (
	"testing"
)

func TestFieldValueEqual_OrderInsensitive(t *testing.T) {
	a := FieldValue{Kind: FieldKindMultiSelect, Options: []string{"b", "a"}}
	b := FieldValue{Kind: FieldKindMultiSelect, Options: []string{"a", "b"}}
	if !a.Equal(b) {
		t.Error("multi-select comparison should ignore order")
	}

	p := PersonValue("ou_2", "ou_1")
	q := PersonValue("ou_1", "ou_2")
	if !p.Equal(q) {
		t.Error("person comparison should ignore order")
	}
}

func TestFieldValueEqual_UnknownByBytes(t *testing.T) {
	a := UnknownValue([]byte(`{"x":1}`))
	b := UnknownValue([]byte(`{"x":1}`))
	c := UnknownValue([]byte(`{"x":2}`))
	if !a.Equal(b) {
		t.Error("identical raw payloads should compare equal")
	}
	if a.Equal(c) {
		t.Error("differing raw payloads should compare unequal")
	}
}

func TestFieldValueEqual_KindMismatch(t *testing.T) {
	if TextValue("1").Equal(NumberValue(1)) {
		t.Error("kind change should count as changed")
	}
}

func TestDiff(t *testing.T) {
	old := Fields{
		"案件分类": SelectValue("民事"),
		"案号":   TextValue("(2026)沪01民终1号"),
	}
	current := Fields{
		"案件分类": SelectValue("劳动争议"),
		"案号":   TextValue("(2026)沪01民终1号"),
		"主办律师": PersonValue("ou_A"),
	}

	changes := Diff(old, current)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %v", len(changes), changes.FieldNames())
	}
	if !changes.Has("案件分类") || !changes.Has("主办律师") {
		t.Errorf("unexpected change set: %v", changes.FieldNames())
	}
	if changes.Has("案号") {
		t.Error("unchanged field reported as changed")
	}

	ch, ok := changes.Get("案件分类")
	if !ok {
		t.Fatal("missing change for 案件分类")
	}
	if ch.Old.String() != "民事" || ch.New.String() != "劳动争议" {
		t.Errorf("old/new = %q/%q", ch.Old.String(), ch.New.String())
	}
}

func TestDiff_Empty(t *testing.T) {
	f := Fields{"a": TextValue("x")}
	if got := Diff(f, f.Clone()); len(got) != 0 {
		t.Errorf("expected no changes, got %v", got.FieldNames())
	}
}

func TestLocatorValid(t *testing.T) {
	if (Locator{AppToken: "app", TableID: "tbl"}).Valid() {
		t.Error("locator without record_id should be invalid")
	}
	if !(Locator{AppToken: "app", TableID: "tbl", RecordID: "rec"}).Valid() {
		t.Error("complete locator should be valid")
	}
}
