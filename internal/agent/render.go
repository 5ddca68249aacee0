package agent

import (
	"math/rand"
	"strings"
	"time"
)

// Template pools. One variant is picked per reply so repeated interactions
// do not read canned.
var (
	greetingMorning   = []string{"早上好！", "早！新的一天顺利。"}
	greetingAfternoon = []string{"下午好！", "下午好，有什么要查的吗？"}
	greetingEvening   = []string{"晚上好！", "晚上好，辛苦了。"}

	emptyResultReplies = []string{
		"没有找到相关记录。",
		"没查到符合条件的记录，换个条件试试？",
	}
	failureReplies = []string{
		"操作没有成功，请稍后再试。",
		"刚才出了点问题，请再试一次。",
	}
	timeoutReplies = []string{
		"模型响应超时了，请稍后再试。",
		"这次等得有点久，超时了，请再发一次。",
	}
)

// Renderer turns skill results into channel-neutral responses.
type Renderer struct {
	rng *rand.Rand
	now func() time.Time
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithRendererNow injects a clock for testing.
func WithRendererNow(now func() time.Time) RendererOption {
	return func(r *Renderer) { r.now = now }
}

// WithRendererSeed makes variant selection deterministic.
func WithRendererSeed(seed int64) RendererOption {
	return func(r *Renderer) { r.rng = rand.New(rand.NewSource(seed)) }
}

// NewRenderer builds a renderer.
func NewRenderer(opts ...RendererOption) *Renderer {
	r := &Renderer{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) pick(variants []string) string {
	if len(variants) == 0 {
		return ""
	}
	return variants[r.rng.Intn(len(variants))]
}

// Greeting returns a time-of-day greeting in UTC+8.
func (r *Renderer) Greeting() string {
	hour := r.now().In(cst).Hour()
	switch {
	case hour < 12:
		return r.pick(greetingMorning)
	case hour < 18:
		return r.pick(greetingAfternoon)
	default:
		return r.pick(greetingEvening)
	}
}

// EmptyResult returns a no-records reply variant.
func (r *Renderer) EmptyResult() string { return r.pick(emptyResultReplies) }

// Failure returns a generic failure reply variant.
func (r *Renderer) Failure() string { return r.pick(failureReplies) }

// Timeout returns an LLM-timeout reply variant.
func (r *Renderer) Timeout() string { return r.pick(timeoutReplies) }

// Render assembles the final response from a skill result, prefixing any L0
// notice. Every response keeps a plain-text fallback even when blocks exist.
func (r *Renderer) Render(result SkillResult, notice string) RenderedResponse {
	text := result.ReplyText
	if text == "" {
		text = result.Message
	}
	if text == "" {
		if result.OK {
			text = "已完成。"
		} else {
			text = r.Failure()
		}
	}
	if notice != "" {
		text = notice + "\n" + text
	}

	meta := map[string]string{"skill": result.SkillName}
	if !result.OK {
		meta["ok"] = "false"
	}
	return RenderedResponse{
		TextFallback: strings.TrimSpace(text),
		Blocks:       result.Blocks,
		Meta:         meta,
	}
}
