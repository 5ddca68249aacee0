package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// parseAssignments extracts "字段是值" / "字段:值" pairs from a message,
// mapping conversational field names to table field names.
var (
	assignRe = regexp.MustCompile(`([^\s,，、]+?)(?:是|为|：|:)\s*([^\s,，、是为：:]+)`)
	changeRe = regexp.MustCompile(`把?\s*([^\s，,]+?)(?:改成|改为|更新为|修改为)\s*([^\s，,。]+)`)
)

func parseAssignments(text string) map[string]any {
	fields := make(map[string]any)
	for _, m := range changeRe.FindAllStringSubmatch(text, -1) {
		fields[canonicalField(m[1])] = m[2]
	}
	if len(fields) > 0 {
		return fields
	}
	for _, m := range assignRe.FindAllStringSubmatch(text, -1) {
		fields[canonicalField(m[1])] = m[2]
	}
	return fields
}

const caseNumberField = "案号"

// CreateSkill creates case records from conversational field assignments.
type CreateSkill struct {
	deps SkillDeps
}

// NewCreateSkill builds the create skill.
func NewCreateSkill(deps SkillDeps) *CreateSkill {
	deps.Logger = deps.Logger.With("skill", SkillCreate)
	return &CreateSkill{deps: deps}
}

func (s *CreateSkill) Name() string { return SkillCreate }

func (s *CreateSkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	if strings.Contains(sc.Query, "重试关联") {
		return s.retryLinked(ctx, sc)
	}
	return s.create(ctx, sc, parseAssignments(sc.Query))
}

// Resume continues a creation whose required fields were incomplete; the new
// message's assignments merge over the remembered ones.
func (s *CreateSkill) Resume(ctx context.Context, sc SkillContext, payload map[string]any) SkillResult {
	fields := make(map[string]any)
	if prev, ok := payload["fields"].(map[string]any); ok {
		for k, v := range prev {
			fields[k] = v
		}
	}
	parsed := parseAssignments(sc.Query)
	if len(parsed) == 0 && strings.TrimSpace(sc.Query) != "" {
		// A bare value answers the field we just asked for.
		fields[caseNumberField] = strings.TrimSpace(sc.Query)
	}
	for k, v := range parsed {
		fields[k] = v
	}
	return s.create(ctx, sc, fields)
}

func (s *CreateSkill) create(ctx context.Context, sc SkillContext, fields map[string]any) SkillResult {
	if len(fields) == 0 {
		return SkillResult{
			OK: true, SkillName: SkillCreate,
			ReplyText: "要录入哪些字段？像这样说：新增案件 案号是(2026)沪01民初123号，当事人是张三。",
		}
	}
	if fieldText(fields[caseNumberField]) == "" {
		superseded := s.deps.State.SetPending(sc.OpenID, PendingAction{
			Action:  PendingCompleteFields,
			Skill:   SkillCreate,
			Payload: map[string]any{"fields": fields},
		})
		reply := "还缺少案号，请补充（直接发案号即可）。"
		if superseded != "" {
			reply = "（已取代之前未完成的操作）\n" + reply
		}
		return SkillResult{OK: true, SkillName: SkillCreate, ReplyText: reply}
	}

	cfg := s.deps.Config.Config()
	params := map[string]any{"fields": fields}
	if tableID, _, confidence := resolveTableAlias(sc.Query, cfg.Tables); tableID != "" && confidence >= cfg.Tables.AutoPickConfidence {
		params["table_id"] = tableID
	}

	data, err := s.deps.Tools.CallTool(ctx, "feishu.v1.bitable.record.create", params)
	if err != nil {
		toolErr := &ToolExecError{Skill: SkillCreate, Tool: "feishu.v1.bitable.record.create", Err: err}
		return SkillResult{SkillName: SkillCreate, Message: toolErr.Error(),
			ReplyText: "创建失败了，请稍后再试。"}
	}
	var created struct {
		RecordID string `json:"record_id"`
	}
	_ = json.Unmarshal(data, &created)

	if created.RecordID != "" {
		s.deps.State.SetActiveRecord(sc.OpenID, ActiveRecord{
			RecordID: created.RecordID,
			Summary:  fieldText(fields[caseNumberField]),
		})
	}
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, k+": "+fieldText(v))
	}
	reply := "已创建记录：\n" + strings.Join(parts, "\n")

	fromTable, _ := params["table_id"].(string)
	if note := s.linkedWrites(ctx, sc.OpenID, cfg, fromTable, fields); note != "" {
		reply += "\n" + note
	}

	return SkillResult{
		OK:        true,
		SkillName: SkillCreate,
		Data:      map[string]any{"record_id": created.RecordID, "fields": fields},
		ReplyText: reply,
	}
}

const linkedRetrySlot = "linked_retry"

type linkedRetryTask struct {
	Name    string         `json:"name"`
	TableID string         `json:"table_id"`
	Fields  map[string]any `json:"fields"`
}

// linkedWrites runs the configured secondary writes after a primary create.
// A secondary failure never rolls back the primary; the task is parked in a
// slot so the user can finish the sub-write in a later turn.
func (s *CreateSkill) linkedWrites(ctx context.Context, openID string, cfg SkillsConfig, fromTable string, fields map[string]any) string {
	var notes []string
	for _, lw := range cfg.LinkedWrites {
		if lw.FromTable != fromTable {
			continue
		}
		secondary := make(map[string]any, len(lw.CopyFields)+1)
		for _, name := range lw.CopyFields {
			if v, ok := fields[name]; ok {
				secondary[name] = v
			}
		}
		secondary[lw.LinkField] = fieldText(fields[caseNumberField])

		params := map[string]any{"table_id": lw.ToTable, "fields": secondary}
		if _, err := s.deps.Tools.CallTool(ctx, "feishu.v1.bitable.record.create", params); err != nil {
			s.deps.Logger.Warn("linked write failed", "name", lw.Name, "table_id", lw.ToTable, "error", err)
			task, _ := json.Marshal(linkedRetryTask{Name: lw.Name, TableID: lw.ToTable, Fields: secondary})
			s.deps.State.State(openID).Slots[linkedRetrySlot] = string(task)
			notes = append(notes, fmt.Sprintf("关联表写入失败（%s），主记录已保留，回复“重试关联”再试。", lw.Name))
			continue
		}
		notes = append(notes, fmt.Sprintf("已同步写入关联表（%s）。", lw.Name))
	}
	return strings.Join(notes, "\n")
}

// retryLinked replays a parked secondary write.
func (s *CreateSkill) retryLinked(ctx context.Context, sc SkillContext) SkillResult {
	st := s.deps.State.State(sc.OpenID)
	raw := st.Slots[linkedRetrySlot]
	if raw == "" {
		return SkillResult{OK: true, SkillName: SkillCreate, ReplyText: "没有待重试的关联写入。"}
	}
	var task linkedRetryTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		delete(st.Slots, linkedRetrySlot)
		return SkillResult{OK: true, SkillName: SkillCreate, ReplyText: "没有待重试的关联写入。"}
	}

	params := map[string]any{"table_id": task.TableID, "fields": task.Fields}
	if _, err := s.deps.Tools.CallTool(ctx, "feishu.v1.bitable.record.create", params); err != nil {
		toolErr := &ToolExecError{Skill: SkillCreate, Tool: "feishu.v1.bitable.record.create", Err: err}
		return SkillResult{SkillName: SkillCreate, Message: toolErr.Error(),
			ReplyText: fmt.Sprintf("关联表写入又失败了（%s），稍后可以再回复“重试关联”。", task.Name)}
	}

	delete(st.Slots, linkedRetrySlot)
	return SkillResult{
		OK:        true,
		SkillName: SkillCreate,
		Data:      map[string]any{"linked_write": task.Name, "table_id": task.TableID},
		ReplyText: fmt.Sprintf("已补写关联表（%s）。", task.Name),
	}
}

// UpdateSkill edits fields on the record the conversation refers to.
type UpdateSkill struct {
	deps SkillDeps
}

// NewUpdateSkill builds the update skill.
func NewUpdateSkill(deps SkillDeps) *UpdateSkill {
	deps.Logger = deps.Logger.With("skill", SkillUpdate)
	return &UpdateSkill{deps: deps}
}

func (s *UpdateSkill) Name() string { return SkillUpdate }

// targetRecord resolves the record a mutation refers to: the active record
// first, then an unambiguous single-record last result.
func targetRecord(state *StateManager, openID string) (recordID, tableID, summary string, resultCount int) {
	st := state.State(openID)
	if st.ActiveRecord != nil {
		return st.ActiveRecord.RecordID, st.ActiveRecord.TableID, st.ActiveRecord.Summary, 1
	}
	if st.LastResult != nil {
		if len(st.LastResult.Records) == 1 {
			rec := st.LastResult.Records[0]
			id, _ := rec["record_id"].(string)
			tid, _ := rec["table_id"].(string)
			return id, tid, recordSummaryLine(rec), 1
		}
		return "", "", "", len(st.LastResult.Records)
	}
	return "", "", "", 0
}

func (s *UpdateSkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	recordID, tableID, _, count := targetRecord(s.deps.State, sc.OpenID)
	if recordID == "" {
		reply := "先查到要修改的记录再说修改。"
		if count > 1 {
			reply = fmt.Sprintf("上次结果有 %d 条，用“第N个”指定要修改的记录。", count)
		}
		return SkillResult{OK: true, SkillName: SkillUpdate, ReplyText: reply}
	}

	fields := parseAssignments(sc.Query)
	if len(fields) == 0 {
		return SkillResult{
			OK: true, SkillName: SkillUpdate,
			ReplyText: "没识别出要修改的字段，像这样说：把主办律师改成张三。",
		}
	}

	params := map[string]any{"record_id": recordID, "fields": fields}
	if tableID != "" {
		params["table_id"] = tableID
	}
	if _, err := s.deps.Tools.CallTool(ctx, "feishu.v1.bitable.record.update", params); err != nil {
		toolErr := &ToolExecError{Skill: SkillUpdate, Tool: "feishu.v1.bitable.record.update", Err: err}
		return SkillResult{SkillName: SkillUpdate, Message: toolErr.Error(),
			ReplyText: "修改失败了，请稍后再试。"}
	}

	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s → %s", k, fieldText(v)))
	}
	return SkillResult{
		OK:        true,
		SkillName: SkillUpdate,
		Data:      map[string]any{"record_id": recordID, "fields": fields},
		ReplyText: "已修改：" + strings.Join(parts, "，"),
	}
}

// DeleteSkill deletes a single record behind an explicit confirmation turn.
type DeleteSkill struct {
	deps SkillDeps
}

// NewDeleteSkill builds the delete skill.
func NewDeleteSkill(deps SkillDeps) *DeleteSkill {
	deps.Logger = deps.Logger.With("skill", SkillDelete)
	return &DeleteSkill{deps: deps}
}

func (s *DeleteSkill) Name() string { return SkillDelete }

func (s *DeleteSkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	recordID, tableID, summary, count := targetRecord(s.deps.State, sc.OpenID)
	if recordID == "" {
		reply := "先查到要删除的记录再说删除。"
		if count > 1 {
			reply = fmt.Sprintf("上次结果有 %d 条，用“第N个”指定要删除的记录。", count)
		}
		return SkillResult{OK: true, SkillName: SkillDelete, ReplyText: reply}
	}

	superseded := s.deps.State.SetPending(sc.OpenID, PendingAction{
		Action: PendingConfirmDelete,
		Skill:  SkillDelete,
		Payload: map[string]any{
			"record_id": recordID,
			"table_id":  tableID,
			"summary":   summary,
		},
	})
	if summary == "" {
		summary = recordID
	}
	reply := fmt.Sprintf("将删除：%s\n回复“确认删除”执行，回复“取消”放弃。", summary)
	if superseded != "" {
		reply = "（已取代之前未确认的操作）\n" + reply
	}
	return SkillResult{OK: true, SkillName: SkillDelete, ReplyText: reply}
}

// ExecuteConfirmed runs the deletion after the user confirmed it.
func (s *DeleteSkill) ExecuteConfirmed(ctx context.Context, openID string, payload map[string]any) SkillResult {
	recordID, _ := payload["record_id"].(string)
	tableID, _ := payload["table_id"].(string)
	summary, _ := payload["summary"].(string)
	if recordID == "" {
		return SkillResult{SkillName: SkillDelete, ReplyText: "要删除的记录已失效，请重新查询。"}
	}

	params := map[string]any{"record_id": recordID}
	if tableID != "" {
		params["table_id"] = tableID
	}
	if _, err := s.deps.Tools.CallTool(ctx, "feishu.v1.bitable.record.delete", params); err != nil {
		toolErr := &ToolExecError{Skill: SkillDelete, Tool: "feishu.v1.bitable.record.delete", Err: err}
		return SkillResult{SkillName: SkillDelete, Message: toolErr.Error(),
			ReplyText: "删除失败了，请稍后再试。"}
	}

	st := s.deps.State.State(openID)
	st.ActiveRecord = nil
	if summary == "" {
		summary = recordID
	}
	return SkillResult{
		OK:        true,
		SkillName: SkillDelete,
		Data:      map[string]any{"record_id": recordID, "deleted": true},
		ReplyText: "已删除：" + summary,
	}
}
