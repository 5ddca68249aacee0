package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/bitflow/internal/backoff"
	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/internal/observability"
	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// ExecInput is everything an action needs about the triggering change.
type ExecInput struct {
	Env     TemplateEnv
	Fields  models.Fields
	Changes models.Changes
}

// ExecutorConfig bounds retries and the http.request surface.
type ExecutorConfig struct {
	MaxRetries     int
	RetryPolicy    backoff.Policy
	AllowedDomains []string
	HTTPTimeout    time.Duration

	// StatusWriteEnabled permits bitable writes to the run-status columns.
	// When off, StatusField and ErrorField are stripped from every
	// update/upsert write set.
	StatusWriteEnabled bool
	StatusField        string
	ErrorField         string
}

// Executor runs rule pipelines with retry, dead-lettering and metrics.
type Executor struct {
	upstream    Upstream
	deadLetters store.DeadLetterStore
	delayTasks  store.DelayTaskStore
	httpClient  *http.Client
	cfg         ExecutorConfig
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	newID       func() string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorNow injects a clock for testing.
func WithExecutorNow(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithExecutorHTTPClient overrides the http.request client.
func WithExecutorHTTPClient(hc *http.Client) ExecutorOption {
	return func(e *Executor) { e.httpClient = hc }
}

// WithExecutorIDs injects the id generator for testing.
func WithExecutorIDs(newID func() string) ExecutorOption {
	return func(e *Executor) { e.newID = newID }
}

// NewExecutor builds the pipeline executor.
func NewExecutor(upstream Upstream, deadLetters store.DeadLetterStore, delayTasks store.DelayTaskStore,
	cfg ExecutorConfig, logger *slog.Logger, metrics *observability.Metrics, opts ...ExecutorOption) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy == (backoff.Policy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 || timeout > 10*time.Second {
		// http.request actions are hard-capped at 10s.
		timeout = 10 * time.Second
	}
	cfg.HTTPTimeout = timeout

	e := &Executor{
		upstream:    upstream,
		deadLetters: deadLetters,
		delayTasks:  delayTasks,
		httpClient:  &http.Client{Timeout: timeout},
		cfg:         cfg,
		logger:      logger.With("component", "automation.executor"),
		metrics:     metrics,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunPipeline executes the actions sequentially. The first action that
// exhausts its retries dead-letters, aborts the remainder and returns the
// error; details cover every attempted action.
func (e *Executor) RunPipeline(ctx context.Context, ruleID string, pipeline []models.Action, in ExecInput) ([]models.ActionDetail, error) {
	var details []models.ActionDetail
	for _, action := range pipeline {
		detail, err := e.runAction(ctx, ruleID, action, in)
		details = append(details, detail)
		if err != nil {
			e.deadLetter(ctx, ruleID, action, in, err, detail.RetryCount)
			return details, fmt.Errorf("action %s: %w", action.Type, err)
		}
	}
	return details, nil
}

func (e *Executor) runAction(ctx context.Context, ruleID string, action models.Action, in ExecInput) (models.ActionDetail, error) {
	start := e.now()
	res, err := backoff.Retry(ctx, e.cfg.RetryPolicy, e.cfg.MaxRetries, func(int) error {
		return e.execute(ctx, action, in)
	})
	detail := models.ActionDetail{
		Type:       string(action.Type),
		RetryCount: res.Attempts - 1,
		DurationMs: e.now().Sub(start).Milliseconds(),
	}
	status := "success"
	if err != nil {
		status = "error"
		if res.LastError != nil {
			err = res.LastError
		}
	}
	e.metrics.ActionsExecuted.WithLabelValues(string(action.Type), status).Inc()
	e.metrics.ActionDuration.WithLabelValues(string(action.Type)).Observe(float64(detail.DurationMs) / 1000)
	return detail, err
}

func (e *Executor) deadLetter(ctx context.Context, ruleID string, action models.Action, in ExecInput, actionErr error, retries int) {
	entry := models.DeadLetterEntry{
		ID:         e.newID(),
		RuleID:     ruleID,
		EventID:    in.Env.EventID,
		AppToken:   in.Env.AppToken,
		TableID:    in.Env.TableID,
		RecordID:   in.Env.RecordID,
		ActionType: string(action.Type),
		Error:      actionErr.Error(),
		RetryCount: retries,
		CreatedAt:  e.now(),
	}
	if err := e.deadLetters.Append(ctx, entry); err != nil {
		e.logger.Error("dead letter append failed", "rule_id", ruleID, "error", err)
		return
	}
	e.metrics.DeadLetters.WithLabelValues(string(action.Type)).Inc()
	e.logger.Warn("action dead-lettered",
		"rule_id", ruleID, "action", action.Type, "record_id", in.Env.RecordID, "error", actionErr)
}

func (e *Executor) execute(ctx context.Context, action models.Action, in ExecInput) error {
	switch action.Type {
	case models.ActionLogWrite:
		return e.execLogWrite(action, in)
	case models.ActionBitableUpdate:
		return e.execBitableUpdate(ctx, action, in)
	case models.ActionBitableUpsert:
		return e.execBitableUpsert(ctx, action, in)
	case models.ActionCalendarCreate:
		return e.execCalendarCreate(ctx, action, in)
	case models.ActionHTTPRequest:
		return e.execHTTPRequest(ctx, action, in)
	case models.ActionDelay:
		return e.execDelay(ctx, action, in)
	default:
		return backoff.Permanent{Err: fmt.Errorf("unknown action type %q", action.Type)}
	}
}

func (e *Executor) execLogWrite(action models.Action, in ExecInput) error {
	msg := RenderTemplate(action.Template, in.Fields, in.Env)
	level := slog.LevelInfo
	switch strings.ToLower(action.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, msg,
		"rule_id", in.Env.RuleID, "table_id", in.Env.TableID, "record_id", in.Env.RecordID)
	return nil
}

// renderActionFields renders the action's field templates into a write set.
func renderActionFields(action models.Action, in ExecInput) models.Fields {
	out := make(models.Fields, len(action.Fields))
	for name, tmpl := range action.Fields {
		out[name] = models.TextValue(RenderTemplate(tmpl, in.Fields, in.Env))
	}
	return out
}

// filterStatusFields strips the run-status columns from a write set when
// status writes are disabled. Returns the skipped field names.
func (e *Executor) filterStatusFields(fields models.Fields) []string {
	if e.cfg.StatusWriteEnabled {
		return nil
	}
	var skipped []string
	for _, name := range []string{e.cfg.StatusField, e.cfg.ErrorField} {
		if name == "" {
			continue
		}
		if _, ok := fields[name]; ok {
			delete(fields, name)
			skipped = append(skipped, name)
		}
	}
	return skipped
}

func (e *Executor) targetRef(action models.Action, in ExecInput) (appToken, tableID string) {
	appToken, tableID = in.Env.AppToken, in.Env.TableID
	if action.Target != nil {
		if action.Target.AppToken != "" {
			appToken = action.Target.AppToken
		}
		if action.Target.TableID != "" {
			tableID = action.Target.TableID
		}
	}
	return appToken, tableID
}

func (e *Executor) execBitableUpdate(ctx context.Context, action models.Action, in ExecInput) error {
	appToken, tableID := e.targetRef(action, in)
	fields := renderActionFields(action, in)
	if skipped := e.filterStatusFields(fields); len(skipped) > 0 {
		e.logger.Info("status write disabled, fields skipped",
			"rule_id", in.Env.RuleID, "record_id", in.Env.RecordID, "fields", skipped)
	}
	if len(fields) == 0 {
		return nil
	}
	loc := models.Locator{AppToken: appToken, TableID: tableID, RecordID: in.Env.RecordID}
	return e.upstream.UpdateRecord(ctx, loc, fields)
}

func (e *Executor) execBitableUpsert(ctx context.Context, action models.Action, in ExecInput) error {
	if action.AnchorField == "" {
		return backoff.Permanent{Err: fmt.Errorf("bitable.upsert requires anchor_field")}
	}
	appToken, tableID := e.targetRef(action, in)
	fields := renderActionFields(action, in)
	if skipped := e.filterStatusFields(fields); len(skipped) > 0 {
		e.logger.Info("status write disabled, fields skipped",
			"rule_id", in.Env.RuleID, "record_id", in.Env.RecordID, "fields", skipped)
	}
	anchor, ok := fields[action.AnchorField]
	if !ok || anchor.String() == "" {
		return backoff.Permanent{Err: fmt.Errorf("bitable.upsert anchor field %q rendered empty", action.AnchorField)}
	}

	existing, err := e.upstream.FindByField(ctx, appToken, tableID, action.AnchorField, anchor.String())
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, err := e.upstream.CreateRecord(ctx, appToken, tableID, fields)
		return err
	}

	loc := models.Locator{AppToken: appToken, TableID: tableID, RecordID: existing[0].RecordID}
	if err := e.upstream.UpdateRecord(ctx, loc, fields); err == nil {
		return nil
	}
	// Batched write rejected: fall back to per-field writes so one bad
	// column does not block the rest.
	var failed []string
	for name, value := range fields {
		if err := e.upstream.UpdateRecord(ctx, loc, models.Fields{name: value}); err != nil {
			failed = append(failed, name)
			e.logger.Warn("upsert field write failed", "field", name, "record_id", loc.RecordID, "error", err)
		}
	}
	if len(failed) == len(fields) {
		return fmt.Errorf("upsert: every field write failed for %s", loc.RecordID)
	}
	return nil
}

func (e *Executor) execCalendarCreate(ctx context.Context, action models.Action, in ExecInput) error {
	startVal, startOK := in.Fields[action.StartField]
	if !startOK || startVal.DateMs == 0 {
		// Empty date fields make this a clean skip, not a failure.
		e.logger.Debug("calendar.create skipped, start date empty",
			"rule_id", in.Env.RuleID, "record_id", in.Env.RecordID, "start_field", action.StartField)
		return nil
	}
	endMs := startVal.DateMs + time.Hour.Milliseconds()
	if action.EndField != "" {
		if endVal, ok := in.Fields[action.EndField]; ok && endVal.DateMs > 0 {
			endMs = endVal.DateMs
		}
	}

	_, err := e.upstream.CreateCalendarEvent(ctx, feishu.CalendarEvent{
		Summary: RenderTemplate(action.Title, in.Fields, in.Env),
		StartMs: startVal.DateMs,
		EndMs:   endMs,
	})
	return err
}

func (e *Executor) execHTTPRequest(ctx context.Context, action models.Action, in ExecInput) error {
	rawURL := RenderTemplate(action.URL, in.Fields, in.Env)
	if err := CheckHTTPTarget(rawURL, e.cfg.AllowedDomains); err != nil {
		return backoff.Permanent{Err: err}
	}

	method := strings.ToUpper(action.Method)
	if method == "" {
		method = http.MethodPost
	}

	body := map[string]any{
		"event_id":  in.Env.EventID,
		"rule_id":   in.Env.RuleID,
		"table_id":  in.Env.TableID,
		"record_id": in.Env.RecordID,
	}
	for k, tmpl := range action.Body {
		if s, ok := tmpl.(string); ok {
			body[k] = RenderTemplate(s, in.Fields, in.Env)
		} else {
			body[k] = tmpl
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent{Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range action.Headers {
		req.Header.Set(k, RenderTemplate(v, in.Fields, in.Env))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// The response body is never read into logs.
	if resp.StatusCode >= 400 {
		return backoff.StatusError{Status: resp.StatusCode, Msg: fmt.Sprintf("http.request: status %d", resp.StatusCode)}
	}
	e.logger.Info("http.request delivered",
		"rule_id", in.Env.RuleID, "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))
	return nil
}

func (e *Executor) execDelay(ctx context.Context, action models.Action, in ExecInput) error {
	if action.Seconds <= 0 || len(action.Pipeline) == 0 {
		return backoff.Permanent{Err: fmt.Errorf("delay requires seconds and a sub-pipeline")}
	}
	task := models.DelayTask{
		TaskID:      e.newID(),
		RuleID:      in.Env.RuleID,
		ScheduledAt: e.now().Add(time.Duration(action.Seconds) * time.Second),
		AppToken:    in.Env.AppToken,
		TableID:     in.Env.TableID,
		RecordID:    in.Env.RecordID,
		Pipeline:    action.Pipeline,
		Status:      models.DelayScheduled,
		CreatedAt:   e.now(),
	}
	if err := e.delayTasks.Schedule(ctx, task); err != nil {
		return err
	}
	e.logger.Info("delay task scheduled",
		"task_id", task.TaskID, "rule_id", in.Env.RuleID, "run_at", task.ScheduledAt)
	return nil
}

// CheckHTTPTarget fails closed for any URL outside the allowlist or pointing
// at internal address space.
func CheckHTTPTarget(rawURL string, allowedDomains []string) error {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("http.request: url %q has no host", rawURL)
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("http.request: host %q is internal", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("http.request: ip %s is not routable externally", ip)
		}
	}
	if len(allowedDomains) == 0 {
		return fmt.Errorf("http.request: no allowed domains configured")
	}
	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}
	return fmt.Errorf("http.request: host %q not in allowed domains", host)
}

func parseHTTPURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("http.request: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http.request: scheme %q not allowed", u.Scheme)
	}
	return u, nil
}
