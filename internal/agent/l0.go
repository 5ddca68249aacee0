package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// L0Outcome is the rules-layer verdict for one turn. When Handled is set the
// turn short-circuits with Reply; otherwise routing continues, possibly with
// a confirmed pending action or a resolved ordinal attached.
type L0Outcome struct {
	Handled bool
	Reply   string
	// Notice is prepended to the eventual reply, e.g. when an unrelated
	// message implicitly cancelled a pending action.
	Notice string

	Confirmed *PendingAction
	NextPage  *Pagination

	OrdinalIndex  int
	OrdinalRecord map[string]any
}

var (
	emptyLike = map[string]struct{}{
		"": {}, "...": {}, "。。。": {}, "???": {}, "？？？": {},
		".": {}, "。": {}, "?": {}, "？": {},
	}
	batchDeleteRe = regexp.MustCompile(`删除所有|删除全部|全部删除|批量删除`)
	ordinalRe     = regexp.MustCompile(`第\s*([一二三四五六七八九十\d]+)\s*个`)

	cnDigits = map[rune]int{
		'一': 1, '二': 2, '三': 3, '四': 4, '五': 5,
		'六': 6, '七': 7, '八': 8, '九': 9,
	}
)

// L0Engine applies the deterministic pre-routing rules: empty input, batch
// delete guard, pending-action confirmation, pagination and ordinals.
type L0Engine struct {
	config *ConfigStore
	state  *StateManager
	logger *slog.Logger
}

// NewL0Engine wires the rules layer.
func NewL0Engine(config *ConfigStore, state *StateManager, logger *slog.Logger) *L0Engine {
	return &L0Engine{config: config, state: state, logger: logger.With("component", "agent.l0")}
}

// meaningless reports input with no CJK character, letter or digit.
func meaningless(text string) bool {
	if _, ok := emptyLike[text]; ok {
		return true
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// parseCNNumber reads a Chinese or arabic numeral up to 99.
func parseCNNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	runes := []rune(s)
	switch len(runes) {
	case 1:
		if runes[0] == '十' {
			return 10, true
		}
		if n, ok := cnDigits[runes[0]]; ok {
			return n, true
		}
	case 2:
		if runes[0] == '十' {
			if n, ok := cnDigits[runes[1]]; ok {
				return 10 + n, true
			}
		}
		if runes[1] == '十' {
			if n, ok := cnDigits[runes[0]]; ok {
				return n * 10, true
			}
		}
	case 3:
		if runes[1] == '十' {
			tens, ok1 := cnDigits[runes[0]]
			ones, ok2 := cnDigits[runes[2]]
			if ok1 && ok2 {
				return tens*10 + ones, true
			}
		}
	}
	return 0, false
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func equalsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if text == p {
			return true
		}
	}
	return false
}

// Evaluate runs the rules layer for one inbound message.
func (e *L0Engine) Evaluate(openID, text string) L0Outcome {
	cfg := e.config.Config()
	text = strings.TrimSpace(text)

	if meaningless(text) {
		return L0Outcome{Handled: true, Reply: "我在的，想查案件、建记录还是设提醒？"}
	}

	// Pending action takes precedence over everything else.
	if pending := e.state.Pending(openID); pending != nil {
		// A field-completion slot consumes the next message outright;
		// only an explicit cancel breaks out.
		if pending.Action == PendingCompleteFields {
			if equalsAny(text, cfg.Delete.CancelPhrases) || equalsAny(text, cfg.L0.CancelPhrases) {
				e.state.ClearPending(openID)
				return L0Outcome{Handled: true, Reply: "好的，已取消。"}
			}
			e.state.ClearPending(openID)
			return L0Outcome{Confirmed: pending}
		}
		switch {
		case equalsAny(text, cfg.Delete.ConfirmPhrases):
			e.state.ClearPending(openID)
			return L0Outcome{Confirmed: pending}
		case equalsAny(text, cfg.Delete.CancelPhrases) || equalsAny(text, cfg.L0.CancelPhrases):
			e.state.ClearPending(openID)
			return L0Outcome{Handled: true, Reply: "好的，已取消。"}
		default:
			// Unrelated input implicitly cancels the pending action.
			e.state.ClearPending(openID)
			e.logger.Debug("pending action implicitly cancelled",
				"open_id", openID, "action", pending.Action)
			return e.continueWithNotice(openID, text, cfg, "（已取消之前未确认的操作）")
		}
	}

	return e.evaluateStateless(openID, text, cfg)
}

func (e *L0Engine) continueWithNotice(openID, text string, cfg SkillsConfig, notice string) L0Outcome {
	out := e.evaluateStateless(openID, text, cfg)
	out.Notice = notice
	return out
}

func (e *L0Engine) evaluateStateless(openID, text string, cfg SkillsConfig) L0Outcome {
	if batchDeleteRe.MatchString(text) {
		return L0Outcome{Handled: true, Reply: "为了安全，批量删除不支持在对话里操作，请先查询后逐条删除。"}
	}

	if equalsAny(text, cfg.L0.NextPageTriggers) {
		page := e.state.Pagination(openID)
		if page == nil {
			return L0Outcome{Handled: true, Reply: "当前没有可翻页的查询结果，先查询一次试试。"}
		}
		if page.PageToken == "" {
			return L0Outcome{Handled: true, Reply: "已经是最后一页了。"}
		}
		return L0Outcome{NextPage: page}
	}

	if m := ordinalRe.FindStringSubmatch(text); m != nil {
		n, ok := parseCNNumber(m[1])
		if !ok {
			return L0Outcome{}
		}
		last := e.state.LastResult(openID)
		if last == nil || len(last.Records) == 0 {
			return L0Outcome{Handled: true, Reply: "没有可选择的查询结果，先查询一次再用“第N个”。"}
		}
		if n < 1 || n > len(last.Records) {
			return L0Outcome{Handled: true,
				Reply: fmt.Sprintf("超出范围了，上次结果共 %d 条。", len(last.Records))}
		}
		rec := last.Records[n-1]
		if id, _ := rec["record_id"].(string); id != "" {
			tableID, _ := rec["table_id"].(string)
			e.state.SetActiveRecord(openID, ActiveRecord{RecordID: id, TableID: tableID})
		}
		return L0Outcome{OrdinalIndex: n, OrdinalRecord: rec}
	}

	return L0Outcome{}
}
