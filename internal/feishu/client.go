// Package feishu is the upstream REST client for the chat and bitable APIs.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/bitflow/internal/backoff"
)

const defaultDomain = "https://open.feishu.cn/open-apis"

// tokenEarlyRefresh renews the tenant token this long before expiry.
const tokenEarlyRefresh = 5 * time.Minute

// APIError is a non-zero upstream response code.
type APIError struct {
	Code   int
	Msg    string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error %d: %s (http %d)", e.Code, e.Msg, e.Status)
}

// Client talks to the open platform with a cached tenant access token.
type Client struct {
	appID     string
	appSecret string
	domain    string

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "feishu") }
}

// WithDomain overrides the API base URL.
func WithDomain(domain string) Option {
	return func(c *Client) {
		if domain != "" {
			c.domain = domain
		}
	}
}

// WithNow injects a clock for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a client for the given app credentials.
func NewClient(appID, appSecret string, opts ...Option) *Client {
	c := &Client{
		appID:      appID,
		appSecret:  appSecret,
		domain:     defaultDomain,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default().With("component", "feishu"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// tenantToken returns a valid tenant access token, refreshing it when the
// cached one is within the early-refresh window.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenEarlyRefresh)) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.domain+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Code != 0 {
		return "", &APIError{Code: tr.Code, Msg: tr.Msg, Status: resp.StatusCode}
	}

	c.token = tr.TenantAccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tr.Expire) * time.Second)
	c.logger.Debug("tenant token refreshed", "expires_in", tr.Expire)
	return c.token, nil
}

// AuthHealth probes credential validity by acquiring a tenant token.
func (c *Client) AuthHealth(ctx context.Context) error {
	_, err := c.tenantToken(ctx)
	return err
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do issues an authenticated JSON request and decodes data into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.domain+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return backoff.StatusError{Status: resp.StatusCode, Msg: fmt.Sprintf("%s %s: http %d", method, path, resp.StatusCode)}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		apiErr := &APIError{Code: env.Code, Msg: env.Msg, Status: resp.StatusCode}
		// Upstream signals token staleness with these codes.
		if env.Code == 99991663 || env.Code == 99991668 {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
