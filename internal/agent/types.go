// Package agent implements the conversation orchestrator: L0 rules, intent
// parsing, skill routing and response rendering over the tool server.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Skill names used by routing and configuration.
const (
	SkillQuery    = "QuerySkill"
	SkillCreate   = "CreateSkill"
	SkillUpdate   = "UpdateSkill"
	SkillDelete   = "DeleteSkill"
	SkillSummary  = "SummarySkill"
	SkillReminder = "ReminderSkill"
	SkillChitchat = "ChitchatSkill"
)

// SkillContext carries one turn's input plus the data a preceding chain hop
// produced.
type SkillContext struct {
	Query      string
	OpenID     string
	LastResult map[string]any
	LastSkill  string
	HopCount   int
	Extra      map[string]any
}

// WithResult derives the context for the next chain hop.
func (c SkillContext) WithResult(skillName string, data map[string]any) SkillContext {
	next := c
	next.LastResult = data
	next.LastSkill = skillName
	next.HopCount++
	extra := make(map[string]any, len(c.Extra))
	for k, v := range c.Extra {
		extra[k] = v
	}
	next.Extra = extra
	return next
}

// SkillResult is the uniform skill output.
type SkillResult struct {
	OK        bool
	SkillName string
	Data      map[string]any
	Message   string
	ReplyText string
	Blocks    []Block
	NextSkill string
}

// Block is one channel-neutral rich content element.
type Block struct {
	Kind    string `json:"kind"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// RenderedResponse is the channel-neutral reply handed to the formatter.
type RenderedResponse struct {
	TextFallback string
	Blocks       []Block
	Meta         map[string]string
}

// Skill is one conversational capability.
type Skill interface {
	Name() string
	Execute(ctx context.Context, sc SkillContext) SkillResult
}

// ToolClient is the slice of the tool-server client skills depend on.
type ToolClient interface {
	CallTool(ctx context.Context, tool string, params any) (json.RawMessage, error)
}

// Chatter is the LLM surface skills use for free-form replies.
type Chatter interface {
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
}

// Classifier is the LLM surface the intent parser uses.
type Classifier interface {
	ClassifyJSON(ctx context.Context, system, prompt string, out any) error
}

// ChatMessage mirrors one LLM chat turn without importing the llm package
// into every skill.
type ChatMessage struct {
	Role    string
	Content string
}

// ToolExecError wraps a tool failure inside a skill with the agent taxonomy.
type ToolExecError struct {
	Skill string
	Tool  string
	Err   error
}

func (e *ToolExecError) Error() string {
	return fmt.Sprintf("AGENT_002: tool %s failed in %s: %v", e.Tool, e.Skill, e.Err)
}

func (e *ToolExecError) Unwrap() error { return e.Err }
