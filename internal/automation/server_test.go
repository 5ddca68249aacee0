package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newServerFixture(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	fx := newProcessorFixture(t, ProcessorConfig{})
	dispatcher := NewDispatcher(fx.processor, fx.registry, &fixedSchema{}, fx.stores.Idempotency,
		DispatcherConfig{}, testLogger(), testMetrics(t))
	syncer := NewSyncer(fx.processor, fx.registry, fx.upstream, fx.stores, SyncConfig{}, testLogger())
	exec := NewExecutor(fx.upstream, fx.stores.DeadLetters, fx.stores.DelayTasks,
		ExecutorConfig{MaxRetries: 1, RetryPolicy: fastRetryPolicy()}, testLogger(), testMetrics(t))
	scheduler := NewScheduler(fx.stores.DelayTasks, fx.upstream, exec, testLogger())
	notifier := NewRiskNotifier(NotifierConfig{}, nil, testLogger())
	watcher := NewWatcher(fx.upstream, fx.registry, fx.stores.Runtime, fx.stores.RunLog, notifier, testLogger())
	probe := func(context.Context) error { return nil }
	return NewServer(dispatcher, syncer, watcher, scheduler, probe, testLogger(), nil, opts...)
}

func TestServer_DisabledServes503OnAutomationEndpoints(t *testing.T) {
	srv := newServerFixture(t, WithServerDisabled(true))

	for _, path := range []string{"/feishu/events", "/automation/scan", "/automation/sync", "/automation/webhook/R001"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, rec.Code)
		}
	}

	// Health stays up and reports the disabled state.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Fatalf("health body = %s", rec.Body.String())
	}
}

func TestServer_EnabledAcceptsEvents(t *testing.T) {
	srv := newServerFixture(t)

	body := `{"type":"url_verification","challenge":"c1"}`
	req := httptest.NewRequest(http.MethodPost, "/feishu/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "c1") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
