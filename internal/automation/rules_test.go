package automation

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRules = `
defaults:
  app_token: app_default
  enabled: true
  priority: 10
rules:
  - id: R001
    name: classification change
    table:
      table_id: tbl_a
    trigger:
      on: [updated]
      field: 案件分类
      condition:
        kind: equals
        value: 劳动争议
    pipeline:
      - type: log.write
        template: "案件 {案件名称} 分类变更"
      - type: calendar.create
        title: "开庭: {案件名称}"
        start_field: 开庭日
  - id: R002
    priority: 50
    table:
      app_token: app_other
      table_id: tbl_a
    trigger:
      on: [created, updated]
      condition:
        kind: any_field_changed
        exclude: [更新时间]
    pipeline:
      - type: log.write
        template: "changed"
  - id: R003
    enabled: true
    table:
      table_id: tbl_b
    trigger:
      on: [updated]
      field: 状态
    pipeline:
      - type: bitable.update
        fields:
          进度: "{状态}"
`

func TestParseRules_DefaultsAndPriorityOrder(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules", len(rules))
	}
	// R002 carries priority 50 and evaluates before the default-priority
	// rules.
	if rules[0].ID != "R002" {
		t.Fatalf("first rule = %s, want R002", rules[0].ID)
	}
	for _, r := range rules {
		if !r.Enabled {
			t.Fatalf("rule %s should inherit enabled default", r.ID)
		}
	}
	var r001 bool
	for _, r := range rules {
		if r.ID == "R001" {
			r001 = true
			if r.Table.AppToken != "app_default" {
				t.Fatalf("R001 app token = %q", r.Table.AppToken)
			}
			if r.Priority != 10 {
				t.Fatalf("R001 priority = %d", r.Priority)
			}
		}
		if r.ID == "R002" && r.Table.AppToken != "app_other" {
			t.Fatalf("explicit app token overridden: %q", r.Table.AppToken)
		}
	}
	if !r001 {
		t.Fatal("R001 missing")
	}
}

func TestParseRules_ExplicitDisableSurvivesDefaults(t *testing.T) {
	doc := `
defaults:
  enabled: true
rules:
  - id: R001
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: f}
    pipeline: [{type: log.write, template: x}]
  - id: R002
    enabled: false
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: g}
    pipeline: [{type: log.write, template: y}]
`
	rules, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	for _, r := range rules {
		switch r.ID {
		case "R001":
			if !r.Enabled {
				t.Fatal("R001 should inherit enabled default")
			}
		case "R002":
			if r.Enabled {
				t.Fatal("defaults re-enabled an explicitly disabled rule")
			}
		}
	}
}

func TestParseRules_RejectsDuplicateIDs(t *testing.T) {
	doc := `
rules:
  - id: R001
    enabled: true
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: f}
    pipeline: [{type: log.write, template: x}]
  - id: R001
    enabled: true
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: g}
    pipeline: [{type: log.write, template: y}]
`
	if _, err := ParseRules([]byte(doc)); err == nil {
		t.Fatal("duplicate rule ids must be rejected")
	}
}

func TestParseRules_RejectsEmptyPipeline(t *testing.T) {
	doc := `
rules:
  - id: R001
    enabled: true
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: f}
    pipeline: []
`
	if _, err := ParseRules([]byte(doc)); err == nil {
		t.Fatal("empty pipeline must be rejected")
	}
}

func TestRegistry_WatchPlans(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	reg := NewRegistryFromRules(rules, testLogger())

	// tbl_a has an any_field_changed rule, so the plan degrades to All.
	if plan := reg.Plan("tbl_a"); !plan.All {
		t.Fatalf("tbl_a plan = %+v, want All", plan)
	}

	// tbl_b watches only the trigger field plus action template fields.
	plan := reg.Plan("tbl_b")
	if plan.All {
		t.Fatal("tbl_b plan must not be All")
	}
	if !plan.Covers("状态") {
		t.Fatalf("tbl_b plan misses trigger field: %+v", plan)
	}
}

func TestRegistry_ReloadKeepsPreviousSetOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(path, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := len(reg.Rules()); got != 3 {
		t.Fatalf("loaded %d rules", got)
	}

	if err := os.WriteFile(path, []byte("rules: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatal("reload of broken file must fail")
	}
	if got := len(reg.Rules()); got != 3 {
		t.Fatalf("broken reload replaced rules: %d", got)
	}
}

func TestRegistry_RulesForTableSkipsDisabled(t *testing.T) {
	doc := `
rules:
  - id: R001
    enabled: true
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: f}
    pipeline: [{type: log.write, template: x}]
  - id: R002
    enabled: false
    table: {table_id: tbl_a}
    trigger: {on: [updated], field: g}
    pipeline: [{type: log.write, template: y}]
`
	rules, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	reg := NewRegistryFromRules(rules, testLogger())
	active := reg.RulesForTable("tbl_a")
	if len(active) != 1 || active[0].ID != "R001" {
		t.Fatalf("active rules = %+v", active)
	}
}
