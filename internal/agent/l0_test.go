package agent

import (
	"strings"
	"testing"
	"time"
)

func newL0Fixture(t *testing.T) (*L0Engine, *StateManager) {
	t.Helper()
	state := testState(func() time.Time { return fixedNow })
	return NewL0Engine(testConfig(t), state, testLogger()), state
}

func TestL0_MeaninglessInput(t *testing.T) {
	engine, _ := newL0Fixture(t)
	for _, text := range []string{"", "。。。", "???", "？", "！！"} {
		out := engine.Evaluate("ou_1", text)
		if !out.Handled || out.Reply == "" {
			t.Fatalf("%q not handled", text)
		}
	}
	if out := engine.Evaluate("ou_1", "查案件"); out.Handled {
		t.Fatal("meaningful input handled by empty rule")
	}
}

func TestL0_BatchDeleteBlocked(t *testing.T) {
	engine, _ := newL0Fixture(t)
	for _, text := range []string{"删除所有案件", "全部删除", "批量删除这些"} {
		out := engine.Evaluate("ou_1", text)
		if !out.Handled {
			t.Fatalf("%q not blocked", text)
		}
		if !strings.Contains(out.Reply, "批量删除") {
			t.Fatalf("reply = %q", out.Reply)
		}
	}
}

func TestL0_PendingDeleteFlow(t *testing.T) {
	engine, state := newL0Fixture(t)
	pending := PendingAction{Action: PendingConfirmDelete, Skill: SkillDelete,
		Payload: map[string]any{"record_id": "rec_1"}}

	state.SetPending("ou_1", pending)
	out := engine.Evaluate("ou_1", "确认删除")
	if out.Confirmed == nil || out.Confirmed.Action != PendingConfirmDelete {
		t.Fatalf("confirm: %+v", out)
	}
	if state.Pending("ou_1") != nil {
		t.Fatal("pending survived confirmation")
	}

	state.SetPending("ou_1", pending)
	out = engine.Evaluate("ou_1", "算了")
	if !out.Handled || !strings.Contains(out.Reply, "取消") {
		t.Fatalf("cancel: %+v", out)
	}
	if state.Pending("ou_1") != nil {
		t.Fatal("pending survived cancel")
	}
}

func TestL0_UnrelatedInputImplicitlyCancels(t *testing.T) {
	engine, state := newL0Fixture(t)
	state.SetPending("ou_1", PendingAction{Action: PendingConfirmDelete, Skill: SkillDelete})

	out := engine.Evaluate("ou_1", "查一下明天的案子")
	if out.Handled {
		t.Fatal("unrelated input swallowed")
	}
	if out.Notice == "" {
		t.Fatal("implicit cancel carried no notice")
	}
	if state.Pending("ou_1") != nil {
		t.Fatal("pending not cleared")
	}
}

func TestL0_CompleteFieldsConsumesNextMessage(t *testing.T) {
	engine, state := newL0Fixture(t)
	state.SetPending("ou_1", PendingAction{Action: PendingCompleteFields, Skill: SkillCreate,
		Payload: map[string]any{"fields": map[string]any{"当事人": "张三"}}})

	out := engine.Evaluate("ou_1", "(2026)沪01民初99号")
	if out.Confirmed == nil || out.Confirmed.Action != PendingCompleteFields {
		t.Fatalf("out = %+v", out)
	}

	state.SetPending("ou_1", PendingAction{Action: PendingCompleteFields, Skill: SkillCreate})
	out = engine.Evaluate("ou_1", "算了")
	if !out.Handled || state.Pending("ou_1") != nil {
		t.Fatalf("cancel: %+v", out)
	}
}

func TestL0_Pagination(t *testing.T) {
	engine, state := newL0Fixture(t)

	out := engine.Evaluate("ou_1", "下一页")
	if !out.Handled || !strings.Contains(out.Reply, "没有可翻页") {
		t.Fatalf("no-pagination reply = %q", out.Reply)
	}

	state.SetPagination("ou_1", Pagination{Tool: "t", PageToken: ""})
	out = engine.Evaluate("ou_1", "下一页")
	if !out.Handled || !strings.Contains(out.Reply, "最后一页") {
		t.Fatalf("last-page reply = %q", out.Reply)
	}

	state.SetPagination("ou_1", Pagination{Tool: "t", PageToken: "5"})
	out = engine.Evaluate("ou_1", "继续")
	if out.NextPage == nil || out.NextPage.PageToken != "5" {
		t.Fatalf("next page = %+v", out)
	}
}

func TestL0_OrdinalResolution(t *testing.T) {
	engine, state := newL0Fixture(t)

	out := engine.Evaluate("ou_1", "第2个")
	if !out.Handled || !strings.Contains(out.Reply, "查询") {
		t.Fatalf("no-result reply = %q", out.Reply)
	}

	state.SetLastResult("ou_1", manyRecs(3), "查询")
	out = engine.Evaluate("ou_1", "第二个")
	if out.OrdinalIndex != 2 || out.OrdinalRecord == nil {
		t.Fatalf("ordinal = %+v", out)
	}
	st := state.State("ou_1")
	if st.ActiveRecord == nil || st.ActiveRecord.RecordID != "rec_2" {
		t.Fatalf("active record = %+v", st.ActiveRecord)
	}

	out = engine.Evaluate("ou_1", "第10个")
	if !out.Handled || !strings.Contains(out.Reply, "超出范围") {
		t.Fatalf("out-of-range reply = %q", out.Reply)
	}
}

func TestParseCNNumber(t *testing.T) {
	cases := map[string]int{
		"1": 1, "12": 12, "一": 1, "九": 9, "十": 10,
		"十三": 13, "二十": 20, "三十五": 35,
	}
	for in, want := range cases {
		got, ok := parseCNNumber(in)
		if !ok || got != want {
			t.Fatalf("parseCNNumber(%q) = %d,%v want %d", in, got, ok, want)
		}
	}
	if _, ok := parseCNNumber("百"); ok {
		t.Fatal("百 parsed")
	}
}
