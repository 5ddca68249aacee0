package agent

import (
	"context"
	"testing"
)

func TestIntent_RuleDirectExecute(t *testing.T) {
	parser := NewIntentParser(testConfig(t), nil, testLogger())

	it := parser.Parse(context.Background(), "查一下明天的案件")
	if it.Source != "rule" {
		t.Fatalf("source = %q", it.Source)
	}
	top := it.Top()
	if top.SkillName != SkillQuery {
		t.Fatalf("top = %+v", top)
	}
	// Two keyword hits plus the time bonus clear the direct threshold.
	if top.Score < 0.7 {
		t.Fatalf("score = %v", top.Score)
	}
}

func TestIntent_KeywordScoreCaps(t *testing.T) {
	sc := SkillConfig{
		Keywords:     []string{"查", "找", "搜索", "案件", "案子", "开庭"},
		TimeKeywords: []string{"今天"},
	}
	score, _ := scoreRule("今天查找搜索案件案子开庭", sc)
	if score != 1.0 {
		t.Fatalf("score = %v, want capped 1.0", score)
	}
	score, _ = scoreRule("查", sc)
	if score != 0.6 {
		t.Fatalf("single hit = %v, want 0.6", score)
	}
	if score, _ := scoreRule("无关内容", sc); score != 0 {
		t.Fatalf("miss = %v", score)
	}
}

func TestIntent_ChainTrigger(t *testing.T) {
	parser := NewIntentParser(testConfig(t), nil, testLogger())

	it := parser.Parse(context.Background(), "查一下本周的案子并总结")
	if !it.IsChain {
		t.Fatalf("chain not detected: %+v", it)
	}
	if len(it.Chain) != 2 || it.Chain[0] != SkillQuery || it.Chain[1] != SkillSummary {
		t.Fatalf("chain = %v", it.Chain)
	}
}

func TestIntent_LLMClassifiesAmbiguous(t *testing.T) {
	classifier := &fakeClassifier{
		payload: `{"skills":[{"name":"QuerySkill","score":0.8,"reason":"查询"}],"is_chain":false}`,
	}
	parser := NewIntentParser(testConfig(t), classifier, testLogger())

	it := parser.Parse(context.Background(), "庭审材料都准备好了吗")
	if it.Source != "llm" {
		t.Fatalf("source = %q", it.Source)
	}
	if it.Top().SkillName != SkillQuery {
		t.Fatalf("top = %+v", it.Top())
	}
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d", classifier.calls)
	}
}

func TestIntent_LLMUnknownSkillIgnored(t *testing.T) {
	classifier := &fakeClassifier{
		payload: `{"skills":[{"name":"MadeUpSkill","score":0.9}],"is_chain":false}`,
	}
	parser := NewIntentParser(testConfig(t), classifier, testLogger())

	it := parser.Parse(context.Background(), "庭审材料都准备好了吗")
	if it.Source != "fallback" || it.Top().SkillName != SkillChitchat {
		t.Fatalf("it = %+v", it)
	}
}

func TestIntent_FallbackWithoutClassifier(t *testing.T) {
	parser := NewIntentParser(testConfig(t), nil, testLogger())

	it := parser.Parse(context.Background(), "随便聊聊别的")
	if it.Source != "fallback" || it.Top().SkillName != SkillChitchat {
		t.Fatalf("it = %+v", it)
	}
}

func TestIntent_ClassifierErrorKeepsMidBandRuleMatch(t *testing.T) {
	classifier := &fakeClassifier{err: context.DeadlineExceeded}
	parser := NewIntentParser(testConfig(t), classifier, testLogger())

	// One keyword hit scores 0.6: below direct execute, above confirm.
	it := parser.Parse(context.Background(), "变更信息")
	if it.Source != "rule" {
		t.Fatalf("source = %q", it.Source)
	}
	if it.Top().SkillName != SkillUpdate {
		t.Fatalf("top = %+v", it.Top())
	}
}
