// Package mcpclient is the orchestrator-side HTTP client for the tool
// server envelope.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/bitflow/internal/backoff"
)

// Error is a failed tool call, carrying the envelope's stable code
// (MCP_001..MCP_004) or "MCP_001" for transport-level failures.
type Error struct {
	Tool    string
	Code    string
	Message string
	Detail  json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Tool)
}

// envelope mirrors the tool server response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	} `json:"error"`
}

// ToolInfo is one entry of the tool listing.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params"`
}

// Client calls tools over HTTP. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	policy     backoff.Policy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries bounds transport-level retries. Tool errors are never
// retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryPolicy overrides the backoff policy.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New builds a client against the tool server base URL.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 2,
		policy:     backoff.DefaultPolicy(),
		logger:     logger.With("component", "mcpclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallTool invokes one tool and returns the envelope's data on success.
func (c *Client) CallTool(ctx context.Context, tool string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return nil, fmt.Errorf("encode tool params: %w", err)
	}
	url := c.baseURL + "/mcp/tools/" + tool

	var data json.RawMessage
	res, err := backoff.Retry(ctx, c.policy, c.maxRetries+1, func(attempt int) error {
		c.logger.Debug("calling tool", "tool", tool, "attempt", attempt)
		data, err = c.post(ctx, url, tool, body)
		return err
	})
	if err != nil {
		if res.LastError != nil {
			err = res.LastError
		}
		c.logger.Warn("tool call failed", "tool", tool, "attempts", res.Attempts, "error", err)
		return nil, err
	}
	return data, nil
}

// CallToolInto decodes the call's data into out.
func (c *Client) CallToolInto(ctx context.Context, tool string, params, out any) error {
	data, err := c.CallTool(ctx, tool, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", tool, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url, tool string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures classify transient and retry.
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, backoff.StatusError{Status: resp.StatusCode,
				Msg: fmt.Sprintf("tool server returned %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("decode tool envelope: %w", err)
	}

	if !env.Success {
		toolErr := &Error{Tool: tool, Code: "MCP_001", Message: "unknown tool error"}
		if env.Error != nil {
			toolErr.Code = env.Error.Code
			toolErr.Message = env.Error.Message
			toolErr.Detail = env.Error.Detail
		}
		// Envelope errors are deterministic; retrying cannot help.
		return nil, backoff.Permanent{Err: toolErr}
	}
	return env.Data, nil
}

// ListTools fetches the tool listing.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mcp/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool listing returned %d", resp.StatusCode)
	}
	var payload struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}
