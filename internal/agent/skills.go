package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SkillDeps bundles the collaborators every skill draws from.
type SkillDeps struct {
	Tools    ToolClient
	State    *StateManager
	Config   *ConfigStore
	Chat     Chatter
	Renderer *Renderer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d SkillDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// searchResult mirrors the tool server search payload.
type searchResult struct {
	Records []map[string]any `json:"records"`
	Total   int              `json:"total"`
	HasMore bool             `json:"has_more"`
}

// fieldAliases maps conversational field names onto table field names.
var fieldAliases = map[string]string{
	"律师":   "主办律师",
	"主办":   "主办律师",
	"法院":   "审理法院",
	"名称":   "案件名称",
	"案件名":  "案件名称",
	"开庭时间": "开庭日",
	"开庭日期": "开庭日",
	"状态":   "案件状态",
	"阶段":   "程序阶段",
}

func canonicalField(name string) string {
	if actual, ok := fieldAliases[name]; ok {
		return actual
	}
	return name
}

// fieldText flattens a bitable field value to display text. Values arrive as
// strings, numbers, or arrays of text/person segments.
func fieldText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := fieldText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
		if s, ok := t["name"].(string); ok {
			return s
		}
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func recordFields(rec map[string]any) map[string]any {
	if fields, ok := rec["fields"].(map[string]any); ok {
		return fields
	}
	return nil
}

// recordLine renders one record as "案号 | 案由 | 开庭日" style text over the
// given field order, skipping empties.
func recordLine(rec map[string]any, fields []string) string {
	fm := recordFields(rec)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := fieldText(fm[f]); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		if id, _ := rec["record_id"].(string); id != "" {
			return id
		}
		return "(空记录)"
	}
	return strings.Join(parts, " | ")
}

// recordSummaryLine is the short form used for confirmations.
func recordSummaryLine(rec map[string]any) string {
	return recordLine(rec, []string{"案号", "案由", "当事人"})
}

// resolveTableAlias matches a message against the configured table aliases.
// Returns the table id, the matched alias, and a confidence in [0,1].
func resolveTableAlias(text string, cfg TablesConfig) (tableID, alias string, confidence float64) {
	type hit struct {
		alias string
		id    string
	}
	var hits []hit
	names := make([]string, 0, len(cfg.Aliases))
	for name := range cfg.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name != "" && strings.Contains(text, name) {
			hits = append(hits, hit{alias: name, id: cfg.Aliases[name]})
		}
	}
	switch len(hits) {
	case 0:
		return "", "", 0
	case 1:
		return hits[0].id, hits[0].alias, 1.0
	default:
		// Several aliases matched; prefer the longest and discount
		// confidence so ambiguous inputs escalate.
		best := hits[0]
		for _, h := range hits[1:] {
			if len(h.alias) > len(best.alias) {
				best = h
			}
		}
		return best.id, best.alias, 0.5
	}
}

// callSearch invokes a search tool and decodes its payload.
func callSearch(ctx context.Context, tools ToolClient, skill, tool string, params map[string]any) (searchResult, error) {
	data, err := tools.CallTool(ctx, tool, params)
	if err != nil {
		return searchResult{}, &ToolExecError{Skill: skill, Tool: tool, Err: err}
	}
	var res searchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return searchResult{}, fmt.Errorf("decode %s result: %w", tool, err)
	}
	return res, nil
}
