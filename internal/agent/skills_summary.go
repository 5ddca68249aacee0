package agent

import (
	"context"
	"fmt"
	"strings"
)

// SummarySkill condenses the previous query result into a short digest.
type SummarySkill struct {
	deps SkillDeps
}

// NewSummarySkill builds the summary skill.
func NewSummarySkill(deps SkillDeps) *SummarySkill {
	deps.Logger = deps.Logger.With("skill", SkillSummary)
	return &SummarySkill{deps: deps}
}

func (s *SummarySkill) Name() string { return SkillSummary }

func (s *SummarySkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	cfg := s.deps.Config.Config()

	records := chainRecords(sc)
	if records == nil {
		if last := s.deps.State.LastResult(sc.OpenID); last != nil {
			records = last.Records
		}
	}
	if len(records) == 0 {
		return SkillResult{
			OK: true, SkillName: SkillSummary,
			ReplyText: "没有可以总结的查询结果，先查询一次再让我总结。",
		}
	}

	fields := append([]string(nil), cfg.Summary.DefaultFields...)
	if containsAny(sc.Query, cfg.Summary.ExtendTriggers) {
		fields = append(fields, cfg.Summary.ExtendedFields...)
	}

	digest := buildDigest(records, fields)
	reply := s.llmSummary(ctx, digest, len(records))
	if reply == "" {
		reply = fmt.Sprintf("共 %d 条记录：\n%s", len(records), digest)
	}

	return SkillResult{
		OK:        true,
		SkillName: SkillSummary,
		Data:      map[string]any{"summary": reply, "count": len(records)},
		ReplyText: reply,
		Blocks:    []Block{{Kind: "summary", Title: fmt.Sprintf("共 %d 条", len(records)), Content: reply}},
	}
}

// chainRecords pulls records handed over by a preceding chain hop.
func chainRecords(sc SkillContext) []map[string]any {
	if sc.LastResult == nil {
		return nil
	}
	switch recs := sc.LastResult["records"].(type) {
	case []map[string]any:
		return recs
	case []any:
		out := make([]map[string]any, 0, len(recs))
		for _, r := range recs {
			if m, ok := r.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

const maxDigestRecords = 20

func buildDigest(records []map[string]any, fields []string) string {
	n := len(records)
	if n > maxDigestRecords {
		n = maxDigestRecords
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		fm := recordFields(records[i])
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if v := fieldText(fm[f]); v != "" {
				parts = append(parts, f+": "+v)
			}
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, strings.Join(parts, "，")))
	}
	if len(records) > maxDigestRecords {
		lines = append(lines, fmt.Sprintf("…另有 %d 条未列出", len(records)-maxDigestRecords))
	}
	return strings.Join(lines, "\n")
}

const summarySystem = "你是法律案件助手。请用不超过200字总结下面的案件记录，突出开庭时间临近和需要注意的事项，直接给结论，不要复述字段名。"

func (s *SummarySkill) llmSummary(ctx context.Context, digest string, count int) string {
	if s.deps.Chat == nil {
		return ""
	}
	reply, err := s.deps.Chat.Chat(ctx, []ChatMessage{
		{Role: "system", Content: summarySystem},
		{Role: "user", Content: fmt.Sprintf("共 %d 条记录：\n%s", count, digest)},
	})
	if err != nil {
		s.deps.Logger.Warn("llm summary failed, using template", "error", err)
		return ""
	}
	return strings.TrimSpace(reply)
}
