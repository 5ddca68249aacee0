package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	queryPageSize = 5
	queryLimit    = 50

	hearingDateField = "开庭日"
	ownerField       = "主办律师"
)

// QuerySkill searches case records by keyword, time range or ownership.
type QuerySkill struct {
	deps SkillDeps
}

// NewQuerySkill builds the query skill.
func NewQuerySkill(deps SkillDeps) *QuerySkill {
	deps.Logger = deps.Logger.With("skill", SkillQuery)
	return &QuerySkill{deps: deps}
}

func (s *QuerySkill) Name() string { return SkillQuery }

// queryStopwords are action and filler words stripped before the remaining
// text is treated as a search keyword.
var queryStopwords = []string{
	"查一下", "查询", "查", "找一下", "找", "搜索", "搜",
	"帮我", "请", "一下", "看看", "有哪些", "哪些", "什么", "所有", "全部",
	"的案件", "的案子", "案件", "案子", "记录", "开庭", "我的", "的",
	"今天", "明天", "后天", "本周", "这周", "下周", "本月", "这个月",
}

func extractKeyword(text, timeLabel string) string {
	if timeLabel != "" {
		text = strings.ReplaceAll(text, timeLabel, "")
	}
	for _, w := range queryStopwords {
		text = strings.ReplaceAll(text, w, "")
	}
	return strings.Trim(text, " ，,。？?！!、：:")
}

func (s *QuerySkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	cfg := s.deps.Config.Config()
	tr, hasTime := ParseTimeRange(sc.Query, s.deps.now())
	keyword := extractKeyword(sc.Query, tr.Label)
	mine := strings.Contains(sc.Query, "我的")

	params := map[string]any{"limit": queryLimit}
	tableID, alias, confidence := resolveTableAlias(sc.Query, cfg.Tables)
	if tableID != "" {
		if confidence < cfg.Tables.AutoPickConfidence {
			return SkillResult{
				OK: true, SkillName: SkillQuery,
				ReplyText: fmt.Sprintf("你是想查「%s」吗？消息里匹配到多个表，请说得具体一点。", alias),
			}
		}
		params["table_id"] = tableID
	}

	var tool string
	switch {
	case mine && sc.OpenID != "":
		tool = "feishu.v1.bitable.search_person"
		params["field"] = ownerField
		params["open_id"] = sc.OpenID
	case hasTime && keyword == "":
		tool = "feishu.v1.bitable.search_date_range"
		params["field"] = hearingDateField
		params["from_ms"] = tr.FromMs
		params["to_ms"] = tr.ToMs
	case hasTime:
		tool = "feishu.v1.bitable.search"
		params["keyword"] = keyword
		params["date_field"] = hearingDateField
		params["from_ms"] = tr.FromMs
		params["to_ms"] = tr.ToMs
	case keyword != "":
		tool = "feishu.v1.bitable.search_keyword"
		params["keyword"] = keyword
	default:
		tool = "feishu.v1.bitable.search"
	}

	s.deps.Logger.Debug("query", "tool", tool, "keyword", keyword, "time", tr.Label)
	res, err := callSearch(ctx, s.deps.Tools, SkillQuery, tool, params)
	if err != nil {
		return SkillResult{SkillName: SkillQuery, Message: err.Error(),
			ReplyText: "查询失败了，请稍后再试。"}
	}

	if len(res.Records) == 0 {
		s.deps.State.SetLastResult(sc.OpenID, nil, sc.Query)
		s.deps.State.ClearPagination(sc.OpenID)
		return SkillResult{
			OK: true, SkillName: SkillQuery,
			Data:      map[string]any{"records": []map[string]any{}, "total": 0, "query": sc.Query},
			ReplyText: s.deps.Renderer.EmptyResult(),
		}
	}

	s.deps.State.SetLastResult(sc.OpenID, res.Records, sc.Query)
	if len(res.Records) > queryPageSize {
		s.deps.State.SetPagination(sc.OpenID, Pagination{
			Tool:        tool,
			Params:      params,
			PageToken:   strconv.Itoa(queryPageSize),
			CurrentPage: 1,
			Total:       len(res.Records),
		})
	} else {
		s.deps.State.ClearPagination(sc.OpenID)
	}
	if len(res.Records) == 1 {
		rec := res.Records[0]
		if id, _ := rec["record_id"].(string); id != "" {
			tid, _ := rec["table_id"].(string)
			s.deps.State.SetActiveRecord(sc.OpenID, ActiveRecord{
				RecordID: id, TableID: tid, Summary: recordSummaryLine(rec),
			})
		}
	}

	header := fmt.Sprintf("找到 %d 条记录", res.Total)
	if tr.Label != "" {
		header = fmt.Sprintf("找到 %d 条记录（%s）", res.Total, tr.Label)
	}
	body := renderRecordPage(res.Records, 0, queryPageSize)
	reply := header + "：\n" + body
	if len(res.Records) > queryPageSize {
		reply += "\n回复“下一页”查看更多。"
	}

	return SkillResult{
		OK:        true,
		SkillName: SkillQuery,
		Data:      map[string]any{"records": res.Records, "total": res.Total, "query": sc.Query},
		ReplyText: reply,
		Blocks:    []Block{{Kind: "records", Title: header, Content: body}},
	}
}

// renderRecordPage renders records [offset, offset+size) as a numbered list.
func renderRecordPage(records []map[string]any, offset, size int) string {
	end := offset + size
	if end > len(records) {
		end = len(records)
	}
	lines := make([]string, 0, end-offset)
	for i := offset; i < end; i++ {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1,
			recordLine(records[i], []string{"案号", "案由", "当事人", hearingDateField})))
	}
	return strings.Join(lines, "\n")
}
