package agent

import (
	"context"
	"strings"
)

// ChitchatSkill handles greetings, help and free conversation.
type ChitchatSkill struct {
	deps SkillDeps
}

// NewChitchatSkill builds the chitchat skill.
func NewChitchatSkill(deps SkillDeps) *ChitchatSkill {
	deps.Logger = deps.Logger.With("skill", SkillChitchat)
	return &ChitchatSkill{deps: deps}
}

func (s *ChitchatSkill) Name() string { return SkillChitchat }

var (
	greetingTriggers = []string{"你好", "您好", "嗨", "hi", "hello", "早上好", "下午好", "晚上好", "在吗"}
	thanksTriggers   = []string{"谢谢", "感谢", "多谢", "辛苦了"}
	goodbyeTriggers  = []string{"再见", "拜拜", "下次聊"}
	helpTriggers     = []string{"帮助", "你能做什么", "怎么用", "使用说明", "功能"}
)

const helpText = `我可以帮你：
1. 查案件：如「查一下明天开庭的案子」「我的案件」
2. 建记录：如「新增案件 案号是(2026)沪01民初123号」
3. 改记录：先查到记录，再说「把主办律师改成张三」
4. 删记录：先查到记录，再说「删除第1个」（会二次确认）
5. 总结：如「总结本周的开庭安排」
6. 提醒：如「明天下午3点提醒我交证据」`

func (s *ChitchatSkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	lower := strings.ToLower(sc.Query)

	var reply string
	switch {
	case containsAny(lower, helpTriggers):
		reply = helpText
	case containsAny(lower, greetingTriggers):
		reply = s.deps.Renderer.Greeting() + "想查案件、建记录还是设提醒？"
	case containsAny(lower, thanksTriggers):
		reply = "不客气，随时找我。"
	case containsAny(lower, goodbyeTriggers):
		reply = "好的，再见！"
	}
	if reply != "" {
		return SkillResult{OK: true, SkillName: SkillChitchat, ReplyText: reply}
	}

	if s.deps.Chat != nil {
		if llmReply := s.freeChat(ctx, sc); llmReply != "" {
			return SkillResult{OK: true, SkillName: SkillChitchat, ReplyText: llmReply}
		}
	}
	return SkillResult{
		OK: true, SkillName: SkillChitchat,
		ReplyText: "我主要帮你管理案件和提醒，回复“帮助”看看我能做什么。",
	}
}

const chitchatSystem = "你是一个友好的法律案件管理助手，用简体中文简短回复，不编造案件信息。"

func (s *ChitchatSkill) freeChat(ctx context.Context, sc SkillContext) string {
	messages := []ChatMessage{{Role: "system", Content: chitchatSystem}}
	messages = append(messages, s.deps.State.State(sc.OpenID).History...)
	messages = append(messages, ChatMessage{Role: "user", Content: sc.Query})

	reply, err := s.deps.Chat.Chat(ctx, messages)
	if err != nil {
		s.deps.Logger.Warn("free chat failed", "error", err)
		return ""
	}
	return strings.TrimSpace(reply)
}
