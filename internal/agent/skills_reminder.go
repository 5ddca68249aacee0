package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReminderRequest is one reminder to schedule.
type ReminderRequest struct {
	OpenID  string
	Content string
	At      time.Time
}

// ReminderItem is one pending reminder as shown to the user.
type ReminderItem struct {
	ID       int64
	Content  string
	At       time.Time
	Priority string
}

// ReminderGateway persists reminders for later delivery and manages the
// pending ones. Complete and Cancel are scoped to the requesting user and
// report whether a pending reminder with that id existed.
type ReminderGateway interface {
	CreateReminder(ctx context.Context, req ReminderRequest) (string, error)
	ListReminders(ctx context.Context, openID string, limit int) ([]ReminderItem, error)
	CompleteReminder(ctx context.Context, openID string, id int64) (bool, error)
	CancelReminder(ctx context.Context, openID string, id int64) (bool, error)
}

// ReminderSkill schedules one-off reminders from natural language.
type ReminderSkill struct {
	deps    SkillDeps
	gateway ReminderGateway
}

// NewReminderSkill builds the reminder skill. gateway may be nil when the
// reminder backend is not configured.
func NewReminderSkill(deps SkillDeps, gateway ReminderGateway) *ReminderSkill {
	deps.Logger = deps.Logger.With("skill", SkillReminder)
	return &ReminderSkill{deps: deps, gateway: gateway}
}

func (s *ReminderSkill) Name() string { return SkillReminder }

var (
	reminderListTriggers = []string{"查看提醒", "提醒列表", "我的提醒", "查看待办", "待办列表", "查看待办事项"}
	// Compound triggers only: a bare 完成 or 取消 also appears inside
	// create requests like 提醒我完成报告.
	reminderDoneTriggers   = []string{"完成提醒", "标记完成", "已完成"}
	reminderCancelTriggers = []string{"取消提醒", "撤销提醒", "删除提醒"}
)

var reminderIDRe = regexp.MustCompile(`[0-9]+`)

var reminderStopwords = []string{
	"提醒我", "提醒", "记得", "别忘了", "帮我", "请", "要",
	"今天", "明天", "后天", "上午", "下午", "晚上",
}

func reminderContent(text string) string {
	text = clockRe.ReplaceAllString(text, "")
	text = nextWeekdayRe.ReplaceAllString(text, "")
	for _, w := range reminderStopwords {
		text = strings.ReplaceAll(text, w, "")
	}
	return strings.Trim(text, " ，,。？?！!、：:")
}

func (s *ReminderSkill) Execute(ctx context.Context, sc SkillContext) SkillResult {
	if s.gateway == nil {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: "提醒功能还没有配置，暂时用不了。"}
	}

	// Management phrasings never reach the create parser, otherwise a
	// list request would be persisted as a garbage reminder.
	if containsAny(sc.Query, reminderListTriggers) {
		return s.list(ctx, sc)
	}
	if containsAny(sc.Query, reminderCancelTriggers) {
		return s.update(ctx, sc, "取消", s.gateway.CancelReminder)
	}
	if containsAny(sc.Query, reminderDoneTriggers) {
		return s.update(ctx, sc, "完成", s.gateway.CompleteReminder)
	}

	cfg := s.deps.Config.Config()
	defaultClock := cfg.Skills["reminder"].DefaultTime
	if defaultClock == "" {
		defaultClock = "18:00"
	}

	now := s.deps.now()
	at, usedDefault, err := ParseReminderTime(sc.Query, now, defaultClock)
	if err != nil {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: "没看懂提醒时间，像这样说：明天下午3点提醒我交证据。"}
	}
	if !at.After(now) {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: fmt.Sprintf("%s 已经过去了，换个将来的时间吧。", at.In(cst).Format("1月2日 15:04"))}
	}

	content := reminderContent(sc.Query)
	if content == "" {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: "提醒内容是什么？像这样说：明天下午3点提醒我交证据。"}
	}

	id, err := s.gateway.CreateReminder(ctx, ReminderRequest{OpenID: sc.OpenID, Content: content, At: at})
	if err != nil {
		s.deps.Logger.Error("create reminder failed", "error", err)
		return SkillResult{SkillName: SkillReminder, Message: err.Error(),
			ReplyText: "提醒没有保存成功，请稍后再试。"}
	}

	reply := fmt.Sprintf("好的，将在 %s 提醒你：%s", at.In(cst).Format("1月2日 15:04"), content)
	if usedDefault {
		reply += "（默认 18:00）"
	}
	return SkillResult{
		OK:        true,
		SkillName: SkillReminder,
		Data:      map[string]any{"reminder_id": id, "at_ms": at.UnixMilli(), "content": content},
		ReplyText: reply,
	}
}

func (s *ReminderSkill) list(ctx context.Context, sc SkillContext) SkillResult {
	items, err := s.gateway.ListReminders(ctx, sc.OpenID, 20)
	if err != nil {
		s.deps.Logger.Error("list reminders failed", "error", err)
		return SkillResult{SkillName: SkillReminder, Message: err.Error(),
			ReplyText: "查询提醒失败，请稍后再试。"}
	}
	if len(items) == 0 {
		return SkillResult{OK: true, SkillName: SkillReminder,
			Data:      map[string]any{"total": 0},
			ReplyText: "当前没有待办提醒。"}
	}

	lines := []string{fmt.Sprintf("我的提醒（共 %d 条）：", len(items))}
	for i, item := range items {
		lines = append(lines, fmt.Sprintf("%d. #%d %s（%s）",
			i+1, item.ID, item.Content, item.At.In(cst).Format("1月2日 15:04")))
	}
	return SkillResult{
		OK:        true,
		SkillName: SkillReminder,
		Data:      map[string]any{"total": len(items)},
		ReplyText: strings.Join(lines, "\n"),
	}
}

func (s *ReminderSkill) update(ctx context.Context, sc SkillContext, verb string,
	apply func(ctx context.Context, openID string, id int64) (bool, error)) SkillResult {

	raw := reminderIDRe.FindString(sc.Query)
	if raw == "" {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: fmt.Sprintf("请带上提醒编号，例如：%s提醒 12。", verb)}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: "提醒编号没看懂，再试一次？"}
	}

	done, err := apply(ctx, sc.OpenID, id)
	if err != nil {
		s.deps.Logger.Error("update reminder failed", "id", id, "error", err)
		return SkillResult{SkillName: SkillReminder, Message: err.Error(),
			ReplyText: "操作没有成功，请稍后再试。"}
	}
	if !done {
		return SkillResult{OK: true, SkillName: SkillReminder,
			ReplyText: fmt.Sprintf("没有找到编号 #%d 的待办提醒。", id)}
	}
	return SkillResult{
		OK:        true,
		SkillName: SkillReminder,
		Data:      map[string]any{"reminder_id": id, "action": verb},
		ReplyText: fmt.Sprintf("已%s提醒 #%d。", verb, id),
	}
}
