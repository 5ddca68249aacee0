package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/bitflow/internal/backoff"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
}

func TestCallTool_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/tools/feishu.v1.bitable.search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Params["keyword"] != "合同" {
			t.Errorf("params = %v", body.Params)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"total": 2},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	data, err := c.CallTool(context.Background(), "feishu.v1.bitable.search",
		map[string]any{"keyword": "合同"})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 2 {
		t.Fatalf("total = %d", out.Total)
	}
}

func TestCallTool_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger(), WithMaxRetries(3), WithRetryPolicy(fastPolicy()))
	if _, err := c.CallTool(context.Background(), "t", nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestCallTool_EnvelopeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]any{"code": "MCP_002", "message": "参数校验失败"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger(), WithMaxRetries(3), WithRetryPolicy(fastPolicy()))
	_, err := c.CallTool(context.Background(), "t", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != "MCP_002" {
		t.Fatalf("code = %s", te.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, envelope error was retried", calls.Load())
	}
}

func TestListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/tools" || r.Method != http.MethodGet {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "feishu.v1.bitable.search", "description": "search"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	infos, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "feishu.v1.bitable.search" {
		t.Fatalf("infos = %+v", infos)
	}
}
