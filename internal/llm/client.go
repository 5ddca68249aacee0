// Package llm wraps the OpenAI-compatible chat API behind a small client
// with dual-model routing: a task model for classification and tool-style
// calls, and a chat model for conversational replies. When no task model is
// configured the chat model serves both.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// TimeoutError is returned when an LLM call exceeds its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("AGENT_001: llm call timed out after %s", e.Timeout)
}

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// Config selects the chat and task endpoints. Task fields fall back to the
// chat endpoint when empty.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	TaskBaseURL string
	TaskAPIKey  string
	TaskModel   string

	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// Client is safe for concurrent use.
type Client struct {
	chat      *openai.Client
	chatModel string
	task      *openai.Client
	taskModel string

	timeout     time.Duration
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the HTTP client used for both endpoints.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// New builds a dual-model client. An empty chat API key is allowed so the
// process can start without LLM access; calls then fail with a clear error.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}

	c := &Client{
		chatModel:   cfg.Model,
		taskModel:   cfg.TaskModel,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.With("component", "llm"),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.chatModel == "" {
		c.chatModel = openai.GPT4oMini
	}

	if cfg.APIKey != "" {
		c.chat = newAPIClient(cfg.APIKey, cfg.BaseURL, options.httpClient)
	}
	if cfg.TaskAPIKey != "" {
		c.task = newAPIClient(cfg.TaskAPIKey, firstNonEmpty(cfg.TaskBaseURL, cfg.BaseURL), options.httpClient)
		c.logger.Info("task model enabled", "model", c.taskModel)
	} else {
		// Single-model deployments route everything through the chat model.
		c.task = c.chat
		c.taskModel = c.chatModel
	}
	if c.taskModel == "" {
		c.taskModel = c.chatModel
	}
	return c
}

func newAPIClient(apiKey, baseURL string, hc *http.Client) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if hc != nil {
		config.HTTPClient = hc
	}
	return openai.NewClientWithConfig(config)
}

// Chat sends a conversation to the chat model and returns the reply text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.complete(ctx, c.chat, c.chatModel, messages, false)
}

// TaskChat sends a conversation to the task model.
func (c *Client) TaskChat(ctx context.Context, messages []Message) (string, error) {
	return c.complete(ctx, c.task, c.taskModel, messages, false)
}

// ClassifyJSON asks the task model for a JSON object and decodes it into out.
// Replies wrapped in prose or code fences are salvaged by extracting the
// outermost braces.
func (c *Client) ClassifyJSON(ctx context.Context, system, prompt string, out any) error {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: openai.ChatMessageRoleUser, Content: prompt})

	content, err := c.complete(ctx, c.task, c.taskModel, messages, true)
	if err != nil {
		return err
	}
	raw := extractJSON(content)
	if raw == "" {
		return fmt.Errorf("llm returned no JSON object: %q", truncate(content, 120))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode llm JSON: %w", err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, client *openai.Client, model string,
	messages []Message, jsonMode bool) (string, error) {
	if client == nil {
		return "", errors.New("llm API key not configured")
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
		Temperature: c.temperature,
	}
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.CreateChatCompletion(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn("llm call timed out", "model", model, "timeout", c.timeout)
			return "", TimeoutError{Timeout: c.timeout}
		}
		c.logger.Error("llm call failed", "model", model, "error", err)
		return "", fmt.Errorf("llm call: %w", err)
	}
	c.logger.Debug("llm call finished",
		"model", model, "duration_ms", time.Since(start).Milliseconds())

	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// extractJSON returns the outermost {...} span of content, or "" when no
// object is present.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
		return content
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
