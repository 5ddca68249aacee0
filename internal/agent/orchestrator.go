package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// InboundMessage is one user turn from a channel adapter.
type InboundMessage struct {
	OpenID    string
	MessageID string
	Text      string
}

// ErrDuplicateMessage marks a redelivered message id; the caller should ack
// without replying.
var ErrDuplicateMessage = fmt.Errorf("duplicate message")

const dedupeWindow = 10 * time.Minute

// Orchestrator runs the full turn: dedupe, L0 rules, intent, skill routing
// and rendering. Turns for the same open_id are serialized.
type Orchestrator struct {
	l0       *L0Engine
	intents  *IntentParser
	router   *Router
	state    *StateManager
	renderer *Renderer
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	seen      map[string]time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorNow injects a clock for testing.
func WithOrchestratorNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the turn pipeline. Missing collaborators fail
// construction so a misconfigured service dies at startup.
func NewOrchestrator(l0 *L0Engine, intents *IntentParser, router *Router,
	state *StateManager, renderer *Renderer, logger *slog.Logger,
	opts ...OrchestratorOption) (*Orchestrator, error) {

	switch {
	case l0 == nil:
		return nil, fmt.Errorf("orchestrator: l0 engine is required")
	case intents == nil:
		return nil, fmt.Errorf("orchestrator: intent parser is required")
	case router == nil:
		return nil, fmt.Errorf("orchestrator: router is required")
	case state == nil:
		return nil, fmt.Errorf("orchestrator: state manager is required")
	case renderer == nil:
		return nil, fmt.Errorf("orchestrator: renderer is required")
	}
	o := &Orchestrator{
		l0:        l0,
		intents:   intents,
		router:    router,
		state:     state,
		renderer:  renderer,
		logger:    logger.With("component", "agent.orchestrator"),
		now:       time.Now,
		userLocks: make(map[string]*sync.Mutex),
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) userLock(openID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.userLocks[openID]
	if !ok {
		lock = &sync.Mutex{}
		o.userLocks[openID] = lock
	}
	return lock
}

// markSeen records a message id, reporting whether it was already seen
// inside the dedupe window.
func (o *Orchestrator) markSeen(messageID string) bool {
	if messageID == "" {
		return false
	}
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, at := range o.seen {
		if now.Sub(at) > dedupeWindow {
			delete(o.seen, id)
		}
	}
	if _, dup := o.seen[messageID]; dup {
		return true
	}
	o.seen[messageID] = now
	return false
}

// Handle processes one inbound message and returns the rendered reply.
func (o *Orchestrator) Handle(ctx context.Context, msg InboundMessage) (RenderedResponse, error) {
	if o.markSeen(msg.MessageID) {
		return RenderedResponse{}, ErrDuplicateMessage
	}

	lock := o.userLock(msg.OpenID)
	lock.Lock()
	defer lock.Unlock()

	start := o.now()
	out := o.l0.Evaluate(msg.OpenID, msg.Text)

	var result SkillResult
	switch {
	case out.Handled:
		result = SkillResult{OK: true, SkillName: "l0", ReplyText: out.Reply}
	case out.Confirmed != nil:
		result = o.runConfirmed(ctx, msg, out.Confirmed)
	case out.NextPage != nil:
		result = o.nextPage(msg.OpenID, out.NextPage)
	case out.OrdinalRecord != nil:
		result = o.handleOrdinal(ctx, msg, out)
	default:
		result = o.route(ctx, msg)
	}

	o.state.AppendMessage(msg.OpenID, "user", msg.Text)
	resp := o.renderer.Render(result, out.Notice)
	o.state.AppendMessage(msg.OpenID, "assistant", resp.TextFallback)

	o.logger.Info("turn handled",
		"open_id", msg.OpenID,
		"skill", result.SkillName,
		"ok", result.OK,
		"duration_ms", o.now().Sub(start).Milliseconds())
	return resp, nil
}

func (o *Orchestrator) route(ctx context.Context, msg InboundMessage) SkillResult {
	it := o.intents.Parse(ctx, msg.Text)
	o.logger.Debug("intent parsed",
		"source", it.Source, "skill", it.Top().SkillName, "score", it.Top().Score, "chain", it.IsChain)
	return o.router.Dispatch(ctx, it, SkillContext{Query: msg.Text, OpenID: msg.OpenID})
}

func (o *Orchestrator) runConfirmed(ctx context.Context, msg InboundMessage, pending *PendingAction) SkillResult {
	switch pending.Action {
	case PendingConfirmDelete:
		if skill, ok := o.router.Skill(SkillDelete); ok {
			if del, ok := skill.(*DeleteSkill); ok {
				return del.ExecuteConfirmed(ctx, msg.OpenID, pending.Payload)
			}
		}
	case PendingCompleteFields:
		if skill, ok := o.router.Skill(pending.Skill); ok {
			if create, ok := skill.(*CreateSkill); ok {
				return create.Resume(ctx, SkillContext{Query: msg.Text, OpenID: msg.OpenID}, pending.Payload)
			}
		}
	}
	o.logger.Warn("confirmed pending action has no handler", "action", pending.Action)
	return SkillResult{SkillName: pending.Skill, ReplyText: "这个操作已经失效了，请重新发起。"}
}

// nextPage advances the client-side window over the previous query result.
func (o *Orchestrator) nextPage(openID string, page *Pagination) SkillResult {
	last := o.state.LastResult(openID)
	if last == nil || len(last.Records) == 0 {
		o.state.ClearPagination(openID)
		return SkillResult{OK: true, SkillName: SkillQuery,
			ReplyText: "上次的查询结果已经过期了，请重新查询。"}
	}

	offset, err := strconv.Atoi(page.PageToken)
	if err != nil || offset <= 0 || offset >= len(last.Records) {
		o.state.ClearPagination(openID)
		return SkillResult{OK: true, SkillName: SkillQuery, ReplyText: "已经是最后一页了。"}
	}

	body := renderRecordPage(last.Records, offset, queryPageSize)
	next := *page
	next.CurrentPage++
	if offset+queryPageSize < len(last.Records) {
		next.PageToken = strconv.Itoa(offset + queryPageSize)
	} else {
		next.PageToken = ""
	}
	o.state.SetPagination(openID, next)

	header := fmt.Sprintf("第 %d 页（共 %d 条）", next.CurrentPage, len(last.Records))
	reply := header + "：\n" + body
	if next.PageToken != "" {
		reply += "\n回复“下一页”查看更多。"
	} else {
		reply += "\n已经是最后一页。"
	}
	return SkillResult{
		OK: true, SkillName: SkillQuery,
		ReplyText: reply,
		Blocks:    []Block{{Kind: "records", Title: header, Content: body}},
	}
}

// handleOrdinal replies with the picked record, or routes onward when the
// message carries a verb beyond the ordinal itself.
func (o *Orchestrator) handleOrdinal(ctx context.Context, msg InboundMessage, out L0Outcome) SkillResult {
	it := o.intents.Parse(ctx, msg.Text)
	if it.Source != "fallback" {
		// "删除第2个" style: the ordinal already seeded the active record.
		return o.router.Dispatch(ctx, it, SkillContext{Query: msg.Text, OpenID: msg.OpenID})
	}

	fm := recordFields(out.OrdinalRecord)
	var lines []string
	for _, f := range []string{"案号", "案由", "当事人", hearingDateField, ownerField} {
		if v := fieldText(fm[f]); v != "" {
			lines = append(lines, f+": "+v)
		}
	}
	body := recordSummaryLine(out.OrdinalRecord)
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	return SkillResult{
		OK: true, SkillName: SkillQuery,
		Data:      map[string]any{"record": out.OrdinalRecord, "index": out.OrdinalIndex},
		ReplyText: fmt.Sprintf("第 %d 条：\n%s\n已选中这条记录，可以直接说修改或删除。", out.OrdinalIndex, body),
	}
}
