package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedNow is a Wednesday morning, 2026-03-04 10:00 UTC+8.
var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, cst)

func testConfig(t *testing.T) *ConfigStore {
	t.Helper()
	store, err := NewConfigStoreFromConfig(DefaultSkillsConfig(), testLogger())
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	return store
}

func testState(now func() time.Time) *StateManager {
	return NewStateManager(NewMemoryStateStore(), DefaultStateTTLs(), WithStateNow(now))
}

type toolCall struct {
	tool   string
	params map[string]any
}

// fakeTools is a canned ToolClient.
type fakeTools struct {
	mu        sync.Mutex
	calls     []toolCall
	responses map[string]any
	errs      map[string]error
	// errWhen, when set, can fail individual calls based on their params.
	errWhen func(tool string, params map[string]any) error
}

func newFakeTools() *fakeTools {
	return &fakeTools{responses: make(map[string]any), errs: make(map[string]error)}
}

func (f *fakeTools) CallTool(_ context.Context, tool string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var pm map[string]any
	_ = json.Unmarshal(raw, &pm)

	f.mu.Lock()
	f.calls = append(f.calls, toolCall{tool: tool, params: pm})
	resp, hasResp := f.responses[tool]
	callErr := f.errs[tool]
	errWhen := f.errWhen
	f.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}
	if errWhen != nil {
		if err := errWhen(tool, pm); err != nil {
			return nil, err
		}
	}
	if !hasResp {
		resp = map[string]any{}
	}
	return json.Marshal(resp)
}

func (f *fakeTools) lastCall() toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return toolCall{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeTools) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.tool == tool {
			n++
		}
	}
	return n
}

// caseRec builds one search-result record.
func caseRec(id, caseNo, cause, party string) map[string]any {
	return map[string]any{
		"record_id": id,
		"table_id":  "tbl_cases",
		"fields": map[string]any{
			"案号":  caseNo,
			"案由":  cause,
			"当事人": party,
		},
	}
}

func searchPayload(recs ...map[string]any) map[string]any {
	return map[string]any{"records": recs, "total": len(recs), "has_more": false}
}

func manyRecs(n int) []map[string]any {
	recs := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		recs = append(recs, caseRec(
			fmt.Sprintf("rec_%d", i),
			fmt.Sprintf("(2026)沪01民初%d号", i),
			"合同纠纷", "当事人"+fmt.Sprint(i)))
	}
	return recs
}

// fakeChat is a canned Chatter.
type fakeChat struct {
	reply string
	err   error

	mu    sync.Mutex
	calls [][]ChatMessage
}

func (f *fakeChat) Chat(_ context.Context, messages []ChatMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeClassifier is a canned Classifier returning a fixed JSON document.
type fakeClassifier struct {
	payload string
	err     error
	calls   int
}

func (f *fakeClassifier) ClassifyJSON(_ context.Context, _, _ string, out any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.payload), out)
}

func testDeps(t *testing.T, tools *fakeTools, state *StateManager) SkillDeps {
	t.Helper()
	return SkillDeps{
		Tools:    tools,
		State:    state,
		Config:   testConfig(t),
		Renderer: NewRenderer(WithRendererSeed(1), WithRendererNow(func() time.Time { return fixedNow })),
		Logger:   testLogger(),
		Now:      func() time.Time { return fixedNow },
	}
}
