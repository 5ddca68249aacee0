package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// IntentMatch is one scored skill candidate.
type IntentMatch struct {
	SkillName string
	Score     float64
	Reason    string
}

// Intent is the routing verdict for a message.
type Intent struct {
	Matches []IntentMatch
	IsChain bool
	Chain   []string
	// Source is "rule", "llm" or "fallback".
	Source string
}

// Top returns the best match, or the empty match when nothing scored.
func (it Intent) Top() IntentMatch {
	if len(it.Matches) == 0 {
		return IntentMatch{}
	}
	return it.Matches[0]
}

// IntentParser scores messages against skill keyword rules and escalates the
// ambiguous middle band to the task LLM.
type IntentParser struct {
	config     *ConfigStore
	classifier Classifier
	logger     *slog.Logger
}

// NewIntentParser wires the parser. classifier may be nil; ambiguous inputs
// then fall through to the fallback skill.
func NewIntentParser(config *ConfigStore, classifier Classifier, logger *slog.Logger) *IntentParser {
	return &IntentParser{
		config:     config,
		classifier: classifier,
		logger:     logger.With("component", "agent.intent"),
	}
}

const maxRuleMatches = 3

// scoreRule computes the keyword score: 0.6 base for any hit, +0.1 per extra
// hit capped at +0.3, +0.1 when a time keyword also appears, capped at 1.0.
func scoreRule(text string, sc SkillConfig) (float64, string) {
	hits := 0
	var matched []string
	for _, kw := range sc.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			hits++
			matched = append(matched, kw)
		}
	}
	if hits == 0 {
		return 0, ""
	}
	score := 0.6 + min(float64(hits-1)*0.1, 0.3)
	for _, kw := range sc.TimeKeywords {
		if kw != "" && strings.Contains(text, kw) {
			score += 0.1
			break
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, "关键词: " + strings.Join(matched, ",")
}

// Parse routes one message to skills.
func (p *IntentParser) Parse(ctx context.Context, text string) Intent {
	cfg := p.config.Config()

	for _, trig := range cfg.Chain.Triggers {
		if trig.re != nil && trig.re.MatchString(text) {
			chain := make([]string, 0, len(trig.Skills))
			for _, key := range trig.Skills {
				chain = append(chain, cfg.SkillName(key))
			}
			return Intent{
				Matches: []IntentMatch{{SkillName: chain[0], Score: 1.0, Reason: "链式触发"}},
				IsChain: true,
				Chain:   chain,
				Source:  "rule",
			}
		}
	}

	var matches []IntentMatch
	keys := make([]string, 0, len(cfg.Skills))
	for key := range cfg.Skills {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sc := cfg.Skills[key]
		if score, reason := scoreRule(text, sc); score > 0 {
			matches = append(matches, IntentMatch{SkillName: cfg.SkillName(key), Score: score, Reason: reason})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > maxRuleMatches {
		matches = matches[:maxRuleMatches]
	}

	if len(matches) > 0 && matches[0].Score >= cfg.Intent.Thresholds.DirectExecute {
		return Intent{Matches: matches, Source: "rule"}
	}

	if it, ok := p.classify(ctx, text, cfg); ok {
		return it
	}

	if len(matches) > 0 && matches[0].Score >= cfg.Intent.Thresholds.LLMConfirm {
		return Intent{Matches: matches, Source: "rule"}
	}
	return Intent{
		Matches: []IntentMatch{{SkillName: cfg.SkillName(cfg.Routing.FallbackSkill), Score: 0, Reason: "兜底"}},
		Source:  "fallback",
	}
}

const classifySystem = "你是法律案件助手的意图分类器。根据用户消息判断应路由到哪些技能，只输出 JSON 对象：{\"skills\":[{\"name\":\"技能名\",\"score\":0到1,\"reason\":\"原因\"}],\"is_chain\":false}。"

func (p *IntentParser) classify(ctx context.Context, text string, cfg SkillsConfig) (Intent, bool) {
	if p.classifier == nil {
		return Intent{}, false
	}

	var sb strings.Builder
	sb.WriteString("可用技能:\n")
	keys := make([]string, 0, len(cfg.Skills))
	for key := range cfg.Skills {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sc := cfg.Skills[key]
		fmt.Fprintf(&sb, "- %s: %s\n", sc.Name, sc.Description)
	}
	fmt.Fprintf(&sb, "用户消息: %s", text)

	var out struct {
		Skills []struct {
			Name   string  `json:"name"`
			Score  float64 `json:"score"`
			Reason string  `json:"reason"`
		} `json:"skills"`
		IsChain bool `json:"is_chain"`
	}
	if err := p.classifier.ClassifyJSON(ctx, classifySystem, sb.String(), &out); err != nil {
		p.logger.Warn("llm intent classify failed", "error", err)
		return Intent{}, false
	}

	known := make(map[string]struct{}, len(cfg.Skills))
	for _, key := range keys {
		known[cfg.Skills[key].Name] = struct{}{}
	}
	it := Intent{Source: "llm", IsChain: out.IsChain}
	for _, s := range out.Skills {
		if _, ok := known[s.Name]; !ok {
			continue
		}
		it.Matches = append(it.Matches, IntentMatch{SkillName: s.Name, Score: s.Score, Reason: s.Reason})
		if out.IsChain {
			it.Chain = append(it.Chain, s.Name)
		}
	}
	if len(it.Matches) == 0 {
		return Intent{}, false
	}
	sort.SliceStable(it.Matches, func(i, j int) bool { return it.Matches[i].Score > it.Matches[j].Score })
	return it, true
}
