package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestQuerySkill_KeywordSearch(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.search_keyword"] = searchPayload(
		caseRec("rec_1", "(2026)沪01民初1号", "合同纠纷", "张三"),
		caseRec("rec_2", "(2026)沪01民初2号", "合同纠纷", "李四"),
	)
	state := testState(func() time.Time { return fixedNow })
	skill := NewQuerySkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "查一下合同纠纷", OpenID: "ou_1"})
	if !res.OK {
		t.Fatalf("result: %+v", res)
	}
	call := tools.lastCall()
	if call.tool != "feishu.v1.bitable.search_keyword" {
		t.Fatalf("tool = %q", call.tool)
	}
	if call.params["keyword"] != "合同纠纷" {
		t.Fatalf("keyword = %v", call.params["keyword"])
	}
	if !strings.Contains(res.ReplyText, "找到 2 条") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if last := state.LastResult("ou_1"); last == nil || len(last.Records) != 2 {
		t.Fatal("last result not stored")
	}
}

func TestQuerySkill_TimeOnlyUsesDateRange(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.search_date_range"] = searchPayload()
	state := testState(func() time.Time { return fixedNow })
	skill := NewQuerySkill(testDeps(t, tools, state))

	skill.Execute(context.Background(), SkillContext{Query: "明天有哪些开庭", OpenID: "ou_1"})
	call := tools.lastCall()
	if call.tool != "feishu.v1.bitable.search_date_range" {
		t.Fatalf("tool = %q", call.tool)
	}
	if call.params["field"] != hearingDateField {
		t.Fatalf("field = %v", call.params["field"])
	}
	from := int64(call.params["from_ms"].(float64))
	want := time.Date(2026, 3, 5, 0, 0, 0, 0, cst).UnixMilli()
	if from != want {
		t.Fatalf("from_ms = %d, want %d", from, want)
	}
}

func TestQuerySkill_MineUsesPersonSearch(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.search_person"] = searchPayload()
	state := testState(func() time.Time { return fixedNow })
	skill := NewQuerySkill(testDeps(t, tools, state))

	skill.Execute(context.Background(), SkillContext{Query: "我的案件", OpenID: "ou_42"})
	call := tools.lastCall()
	if call.tool != "feishu.v1.bitable.search_person" {
		t.Fatalf("tool = %q", call.tool)
	}
	if call.params["open_id"] != "ou_42" || call.params["field"] != ownerField {
		t.Fatalf("params = %v", call.params)
	}
}

func TestQuerySkill_PaginatesLongResults(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.search_keyword"] = searchPayload(manyRecs(7)...)
	state := testState(func() time.Time { return fixedNow })
	skill := NewQuerySkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "查合同纠纷", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "下一页") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	page := state.Pagination("ou_1")
	if page == nil || page.PageToken != "5" || page.Total != 7 {
		t.Fatalf("pagination = %+v", page)
	}
}

func TestQuerySkill_SingleHitBecomesActiveRecord(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.search_keyword"] = searchPayload(
		caseRec("rec_9", "(2026)沪01民初9号", "劳动争议", "王五"))
	state := testState(func() time.Time { return fixedNow })
	skill := NewQuerySkill(testDeps(t, tools, state))

	skill.Execute(context.Background(), SkillContext{Query: "查劳动争议", OpenID: "ou_1"})
	st := state.State("ou_1")
	if st.ActiveRecord == nil || st.ActiveRecord.RecordID != "rec_9" {
		t.Fatalf("active = %+v", st.ActiveRecord)
	}
}

func TestQuerySkill_ToolFailure(t *testing.T) {
	tools := newFakeTools()
	tools.errs["feishu.v1.bitable.search_keyword"] = errors.New("MCP_001: upstream boom")
	state := testState(func() time.Time { return fixedNow })
	skill := NewQuerySkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "查合同纠纷", OpenID: "ou_1"})
	if res.OK {
		t.Fatal("failure reported OK")
	}
	if !strings.Contains(res.Message, "AGENT_002") {
		t.Fatalf("message = %q", res.Message)
	}
	if res.ReplyText == "" {
		t.Fatal("no user-facing reply")
	}
}

func TestCreateSkill_FullFields(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.record.create"] = map[string]any{"record_id": "rec_new"}
	state := testState(func() time.Time { return fixedNow })
	skill := NewCreateSkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{
		Query: "新增案件 案号是(2026)沪01民初123号，当事人是张三", OpenID: "ou_1"})
	if !res.OK || !strings.Contains(res.ReplyText, "已创建") {
		t.Fatalf("result: %+v", res)
	}
	call := tools.lastCall()
	fields := call.params["fields"].(map[string]any)
	if fields["案号"] != "(2026)沪01民初123号" || fields["当事人"] != "张三" {
		t.Fatalf("fields = %v", fields)
	}
	if st := state.State("ou_1"); st.ActiveRecord == nil || st.ActiveRecord.RecordID != "rec_new" {
		t.Fatal("created record not active")
	}
}

func TestCreateSkill_MissingCaseNumberAsksAndResumes(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.record.create"] = map[string]any{"record_id": "rec_new"}
	state := testState(func() time.Time { return fixedNow })
	skill := NewCreateSkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "新增案件 当事人是张三", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "案号") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	pending := state.Pending("ou_1")
	if pending == nil || pending.Action != PendingCompleteFields {
		t.Fatalf("pending = %+v", pending)
	}
	if tools.callCount("feishu.v1.bitable.record.create") != 0 {
		t.Fatal("create called before fields complete")
	}

	res = skill.Resume(context.Background(),
		SkillContext{Query: "(2026)沪01民初77号", OpenID: "ou_1"}, pending.Payload)
	if !res.OK {
		t.Fatalf("resume: %+v", res)
	}
	fields := tools.lastCall().params["fields"].(map[string]any)
	if fields["案号"] != "(2026)沪01民初77号" || fields["当事人"] != "张三" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestCreateSkill_FieldAliases(t *testing.T) {
	fields := parseAssignments("律师是李四，法院是上海一中院")
	if fields["主办律师"] != "李四" || fields["审理法院"] != "上海一中院" {
		t.Fatalf("fields = %v", fields)
	}
}

func linkedWriteDeps(t *testing.T, tools *fakeTools, state *StateManager) SkillDeps {
	t.Helper()
	cfg := DefaultSkillsConfig()
	cfg.LinkedWrites = []LinkedWriteConfig{{
		Name:       "case_to_contract",
		ToTable:    "tbl_contracts",
		CopyFields: []string{"当事人"},
	}}
	store, err := NewConfigStoreFromConfig(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	deps := testDeps(t, tools, state)
	deps.Config = store
	return deps
}

func TestCreateSkill_LinkedWriteFollowsPrimary(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.record.create"] = map[string]any{"record_id": "rec_new"}
	state := testState(func() time.Time { return fixedNow })
	skill := NewCreateSkill(linkedWriteDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{
		Query: "新增案件 案号是(2026)沪01民终1号，当事人是张三", OpenID: "ou_1"})
	if !res.OK || !strings.Contains(res.ReplyText, "已同步写入关联表") {
		t.Fatalf("result: %+v", res)
	}
	if tools.callCount("feishu.v1.bitable.record.create") != 2 {
		t.Fatalf("create calls = %d", tools.callCount("feishu.v1.bitable.record.create"))
	}
	secondary := tools.lastCall()
	if secondary.params["table_id"] != "tbl_contracts" {
		t.Fatalf("secondary params = %v", secondary.params)
	}
	fields := secondary.params["fields"].(map[string]any)
	if fields["案号"] != "(2026)沪01民终1号" || fields["当事人"] != "张三" {
		t.Fatalf("secondary fields = %v", fields)
	}
}

func TestCreateSkill_LinkedWriteFailurePreservesPrimary(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.record.create"] = map[string]any{"record_id": "rec_new"}
	tools.errWhen = func(_ string, params map[string]any) error {
		if params["table_id"] == "tbl_contracts" {
			return errors.New("table locked")
		}
		return nil
	}
	state := testState(func() time.Time { return fixedNow })
	skill := NewCreateSkill(linkedWriteDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{
		Query: "新增案件 案号是(2026)沪01民终1号，当事人是张三", OpenID: "ou_1"})
	if !res.OK || !strings.Contains(res.ReplyText, "已创建") {
		t.Fatalf("primary not preserved: %+v", res)
	}
	if !strings.Contains(res.ReplyText, "重试关联") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if state.State("ou_1").Slots[linkedRetrySlot] == "" {
		t.Fatal("retry task not recorded")
	}

	// Retry in a later turn once the table is writable again.
	tools.errWhen = nil
	res = skill.Execute(context.Background(), SkillContext{Query: "重试关联", OpenID: "ou_1"})
	if !res.OK || !strings.Contains(res.ReplyText, "已补写关联表") {
		t.Fatalf("retry: %+v", res)
	}
	retried := tools.lastCall()
	if retried.params["table_id"] != "tbl_contracts" {
		t.Fatalf("retry params = %v", retried.params)
	}
	if state.State("ou_1").Slots[linkedRetrySlot] != "" {
		t.Fatal("retry task not cleared")
	}
}

func TestCreateSkill_RetryLinkedWithoutTask(t *testing.T) {
	tools := newFakeTools()
	state := testState(func() time.Time { return fixedNow })
	skill := NewCreateSkill(linkedWriteDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "重试关联", OpenID: "ou_1"})
	if !res.OK || !strings.Contains(res.ReplyText, "没有待重试") {
		t.Fatalf("result: %+v", res)
	}
	if len(tools.calls) != 0 {
		t.Fatal("tool called with no parked task")
	}
}

func TestUpdateSkill_NeedsTarget(t *testing.T) {
	tools := newFakeTools()
	state := testState(func() time.Time { return fixedNow })
	skill := NewUpdateSkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "把主办律师改成张三", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "先查到") {
		t.Fatalf("reply = %q", res.ReplyText)
	}

	state.SetLastResult("ou_1", manyRecs(3), "查询")
	res = skill.Execute(context.Background(), SkillContext{Query: "把主办律师改成张三", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "第N个") {
		t.Fatalf("ambiguous reply = %q", res.ReplyText)
	}
	if len(tools.calls) != 0 {
		t.Fatal("update called without a target")
	}
}

func TestUpdateSkill_UpdatesActiveRecord(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.record.update"] = map[string]any{"record_id": "rec_1", "updated": true}
	state := testState(func() time.Time { return fixedNow })
	state.SetActiveRecord("ou_1", ActiveRecord{RecordID: "rec_1", TableID: "tbl_cases"})
	skill := NewUpdateSkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "把主办律师改成张三", OpenID: "ou_1"})
	if !res.OK || !strings.Contains(res.ReplyText, "已修改") {
		t.Fatalf("result: %+v", res)
	}
	call := tools.lastCall()
	if call.tool != "feishu.v1.bitable.record.update" || call.params["record_id"] != "rec_1" {
		t.Fatalf("call = %+v", call)
	}
	fields := call.params["fields"].(map[string]any)
	if fields["主办律师"] != "张三" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestDeleteSkill_ConfirmFlow(t *testing.T) {
	tools := newFakeTools()
	tools.responses["feishu.v1.bitable.record.delete"] = map[string]any{"record_id": "rec_1", "deleted": true}
	state := testState(func() time.Time { return fixedNow })
	state.SetLastResult("ou_1", manyRecs(1), "查询")
	skill := NewDeleteSkill(testDeps(t, tools, state))

	res := skill.Execute(context.Background(), SkillContext{Query: "删除这条", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "确认删除") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	pending := state.Pending("ou_1")
	if pending == nil || pending.Action != PendingConfirmDelete {
		t.Fatalf("pending = %+v", pending)
	}
	if tools.callCount("feishu.v1.bitable.record.delete") != 0 {
		t.Fatal("delete ran before confirmation")
	}

	res = skill.ExecuteConfirmed(context.Background(), "ou_1", pending.Payload)
	if !res.OK || !strings.Contains(res.ReplyText, "已删除") {
		t.Fatalf("confirmed: %+v", res)
	}
	if tools.lastCall().params["record_id"] != "rec_1" {
		t.Fatalf("params = %v", tools.lastCall().params)
	}
}

func TestSummarySkill_TemplateFallback(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	state.SetLastResult("ou_1", manyRecs(2), "查询")
	skill := NewSummarySkill(testDeps(t, newFakeTools(), state))

	res := skill.Execute(context.Background(), SkillContext{Query: "总结一下", OpenID: "ou_1"})
	if !res.OK {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.ReplyText, "共 2 条") || !strings.Contains(res.ReplyText, "案号") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
}

func TestSummarySkill_UsesChainRecords(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	skill := NewSummarySkill(testDeps(t, newFakeTools(), state))

	recs := manyRecs(3)
	anyRecs := make([]any, len(recs))
	for i, r := range recs {
		anyRecs[i] = r
	}
	res := skill.Execute(context.Background(), SkillContext{
		Query:      "总结",
		OpenID:     "ou_1",
		LastResult: map[string]any{"records": anyRecs},
		LastSkill:  SkillQuery,
	})
	if !strings.Contains(res.ReplyText, "共 3 条") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
}

func TestSummarySkill_LLMSummary(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	state.SetLastResult("ou_1", manyRecs(2), "查询")
	deps := testDeps(t, newFakeTools(), state)
	chat := &fakeChat{reply: "本周两起合同纠纷，均在下周开庭。"}
	deps.Chat = chat
	skill := NewSummarySkill(deps)

	res := skill.Execute(context.Background(), SkillContext{Query: "总结一下", OpenID: "ou_1"})
	if res.ReplyText != chat.reply {
		t.Fatalf("reply = %q", res.ReplyText)
	}
}

func TestSummarySkill_NothingToSummarize(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	skill := NewSummarySkill(testDeps(t, newFakeTools(), state))

	res := skill.Execute(context.Background(), SkillContext{Query: "总结", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "查询") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
}

func TestChitchatSkill_Templates(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	skill := NewChitchatSkill(testDeps(t, newFakeTools(), state))

	res := skill.Execute(context.Background(), SkillContext{Query: "你能做什么", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "查案件") {
		t.Fatalf("help reply = %q", res.ReplyText)
	}

	res = skill.Execute(context.Background(), SkillContext{Query: "你好", OpenID: "ou_1"})
	// fixedNow is 10:00 CST, so the greeting is a morning one.
	if !strings.Contains(res.ReplyText, "早") {
		t.Fatalf("greeting = %q", res.ReplyText)
	}

	res = skill.Execute(context.Background(), SkillContext{Query: "谢谢", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "不客气") {
		t.Fatalf("thanks reply = %q", res.ReplyText)
	}
}

func TestChitchatSkill_FreeChatFallsBackWithoutLLM(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	skill := NewChitchatSkill(testDeps(t, newFakeTools(), state))

	res := skill.Execute(context.Background(), SkillContext{Query: "今晚吃什么好", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "帮助") {
		t.Fatalf("fallback reply = %q", res.ReplyText)
	}
}

func TestChitchatSkill_FreeChatUsesHistory(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	state.AppendMessage("ou_1", "user", "之前的问题")
	deps := testDeps(t, newFakeTools(), state)
	chat := &fakeChat{reply: "好的呀。"}
	deps.Chat = chat
	skill := NewChitchatSkill(deps)

	res := skill.Execute(context.Background(), SkillContext{Query: "今晚吃什么好", OpenID: "ou_1"})
	if res.ReplyText != "好的呀。" {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	chat.mu.Lock()
	defer chat.mu.Unlock()
	// system + history turn + current message
	if len(chat.calls) != 1 || len(chat.calls[0]) != 3 {
		t.Fatalf("chat messages = %d", len(chat.calls[0]))
	}
}

type fakeReminders struct {
	last    ReminderRequest
	err     error
	pending []ReminderItem
	done    []int64
	gone    []int64
}

func (f *fakeReminders) CreateReminder(_ context.Context, req ReminderRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.last = req
	return "rem_1", nil
}

func (f *fakeReminders) ListReminders(_ context.Context, _ string, _ int) ([]ReminderItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pending, nil
}

func (f *fakeReminders) markPending(id int64, sink *[]int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, item := range f.pending {
		if item.ID == id {
			*sink = append(*sink, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeReminders) CompleteReminder(_ context.Context, _ string, id int64) (bool, error) {
	return f.markPending(id, &f.done)
}

func (f *fakeReminders) CancelReminder(_ context.Context, _ string, id int64) (bool, error) {
	return f.markPending(id, &f.gone)
}

func TestReminderSkill_ExplicitTime(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	res := skill.Execute(context.Background(), SkillContext{
		Query: "明天下午3点提醒我交证据", OpenID: "ou_1"})
	if !res.OK || strings.Contains(res.ReplyText, "默认") {
		t.Fatalf("result: %+v", res)
	}
	want := time.Date(2026, 3, 5, 15, 0, 0, 0, cst)
	if !gw.last.At.Equal(want) {
		t.Fatalf("at = %v", gw.last.At)
	}
	if gw.last.Content != "交证据" {
		t.Fatalf("content = %q", gw.last.Content)
	}
}

func TestReminderSkill_DefaultTimeLabelled(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	res := skill.Execute(context.Background(), SkillContext{Query: "明天提醒我交材料", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "默认 18:00") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if !gw.last.At.Equal(time.Date(2026, 3, 5, 18, 0, 0, 0, cst)) {
		t.Fatalf("at = %v", gw.last.At)
	}
}

func TestReminderSkill_ListDoesNotCreate(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{pending: []ReminderItem{
		{ID: 3, Content: "交证据", At: time.Date(2026, 3, 5, 15, 0, 0, 0, cst)},
		{ID: 7, Content: "开庭", At: time.Date(2026, 3, 6, 9, 30, 0, 0, cst)},
	}}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	res := skill.Execute(context.Background(), SkillContext{Query: "查看提醒", OpenID: "ou_1"})
	if !res.OK {
		t.Fatalf("result: %+v", res)
	}
	if gw.last.Content != "" {
		t.Fatalf("list request created reminder %+v", gw.last)
	}
	if !strings.Contains(res.ReplyText, "#3 交证据") || !strings.Contains(res.ReplyText, "#7 开庭") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
}

func TestReminderSkill_ListEmpty(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	res := skill.Execute(context.Background(), SkillContext{Query: "我的提醒", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "没有待办提醒") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if gw.last.Content != "" {
		t.Fatal("empty list created a reminder")
	}
}

func TestReminderSkill_CompleteByID(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{pending: []ReminderItem{{ID: 12, Content: "交材料"}}}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	res := skill.Execute(context.Background(), SkillContext{Query: "完成提醒 12", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "已完成提醒 #12") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if len(gw.done) != 1 || gw.done[0] != 12 {
		t.Fatalf("done = %v", gw.done)
	}
}

func TestReminderSkill_CancelUnknownID(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	res := skill.Execute(context.Background(), SkillContext{Query: "取消提醒 99", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "没有找到编号 #99") {
		t.Fatalf("reply = %q", res.ReplyText)
	}

	// No id in the request asks for one instead of guessing.
	res = skill.Execute(context.Background(), SkillContext{Query: "取消提醒", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "提醒编号") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
}

func TestReminderSkill_CreateWithDoneWordInContent(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	// 完成 inside the content must not be mistaken for a management verb.
	res := skill.Execute(context.Background(), SkillContext{
		Query: "明天下午3点提醒我完成报告", OpenID: "ou_1"})
	if !res.OK || gw.last.Content == "" {
		t.Fatalf("result: %+v last=%+v", res, gw.last)
	}
	if len(gw.done) != 0 {
		t.Fatalf("create marked reminders done: %v", gw.done)
	}
}

func TestReminderSkill_RefusesPastTime(t *testing.T) {
	state := testState(func() time.Time { return fixedNow })
	gw := &fakeReminders{}
	skill := NewReminderSkill(testDeps(t, newFakeTools(), state), gw)

	// fixedNow is 10:00; 9:00 today is already gone.
	res := skill.Execute(context.Background(), SkillContext{Query: "今天9点提醒我开会", OpenID: "ou_1"})
	if !strings.Contains(res.ReplyText, "过去") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if gw.last.Content != "" {
		t.Fatal("past reminder was saved")
	}
}
