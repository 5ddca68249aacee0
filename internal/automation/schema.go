package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/haasonsaas/bitflow/internal/backoff"
	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/pkg/models"
)

// fieldMeta is the cached identity of one field, keyed by field id so that
// renames are distinguishable from remove+add.
type fieldMeta struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// RenamedField records a field id whose display name changed.
type RenamedField struct {
	FieldID string `json:"field_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// TypeChange records a field whose backend type changed.
type TypeChange struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name"`
	From      int    `json:"from"`
	To        int    `json:"to"`
}

// SchemaDiff is the outcome of one schema refresh.
type SchemaDiff struct {
	Bootstrap     bool           `json:"bootstrap"`
	Changed       bool           `json:"changed"`
	Added         []string       `json:"added"`
	Removed       []string       `json:"removed"`
	Renamed       []RenamedField `json:"renamed"`
	TypeChanged   []TypeChange   `json:"type_changed"`
	DisabledRules []string       `json:"disabled_rules"`
}

func (d SchemaDiff) empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 &&
		len(d.Renamed) == 0 && len(d.TypeChanged) == 0
}

// risky reports whether the diff warrants a notification: type changes and
// rule disablement can silently break matching.
func (d SchemaDiff) risky() bool {
	return len(d.TypeChanged) > 0 || len(d.DisabledRules) > 0
}

// NotifierConfig configures the schema risk webhook.
type NotifierConfig struct {
	Enabled bool
	URL     string
	Secret  string
	Timeout time.Duration
	Drill   bool
}

// RiskNotifier posts schema-change alerts to a bot webhook. The signature is
// the bot convention: HMAC-SHA256 keyed by "timestamp\nsecret" over an empty
// message, base64-encoded.
type RiskNotifier struct {
	cfg    NotifierConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRiskNotifier builds the webhook notifier.
func NewRiskNotifier(cfg NotifierConfig, client *http.Client, logger *slog.Logger) *RiskNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &RiskNotifier{cfg: cfg, client: client, logger: logger.With("component", "automation.notifier"), now: time.Now}
}

func (n *RiskNotifier) sign() (timestamp, sig string) {
	if n.cfg.Secret == "" {
		return "", ""
	}
	timestamp = strconv.FormatInt(n.now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+n.cfg.Secret))
	return timestamp, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Send posts one alert. Transient failures retry with backoff.
func (n *RiskNotifier) Send(ctx context.Context, payload any) error {
	if !n.cfg.Enabled || n.cfg.URL == "" {
		return nil
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body := map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": string(text)},
	}
	if ts, sig := n.sign(); sig != "" {
		body["timestamp"] = ts
		body["sign"] = sig
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	_, err = backoff.Retry(ctx, backoff.DefaultPolicy(), 3, func(int) error {
		reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.cfg.URL, bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent{Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return backoff.StatusError{Status: resp.StatusCode, Msg: "risk webhook rejected"}
		}
		return nil
	})
	return err
}

// Watcher refreshes table schemas, applies the runtime policy, and raises
// risk alerts. Rule files are never modified; disabling happens in runtime
// state only.
type Watcher struct {
	upstream Upstream
	registry *Registry
	runtime  store.RuntimeStateStore
	runLog   store.RunLogStore
	notifier *RiskNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherNow injects a clock for testing.
func WithWatcherNow(now func() time.Time) WatcherOption {
	return func(w *Watcher) { w.now = now }
}

// NewWatcher wires the schema watcher.
func NewWatcher(upstream Upstream, registry *Registry, runtime store.RuntimeStateStore,
	runLog store.RunLogStore, notifier *RiskNotifier, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		upstream: upstream,
		registry: registry,
		runtime:  runtime,
		runLog:   runLog,
		notifier: notifier,
		logger:   logger.With("component", "automation.schema"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RefreshTable refetches one table's fields, diffs against the cached
// schema, and applies the trigger-field-removed policy.
func (w *Watcher) RefreshTable(ctx context.Context, appToken, tableID, triggeredBy string) (SchemaDiff, error) {
	infos, err := w.upstream.ListFields(ctx, appToken, tableID)
	if err != nil {
		return SchemaDiff{}, err
	}
	current := normalizeSchema(infos)

	cached, hasCache, err := w.loadCache(ctx, appToken, tableID)
	if err != nil {
		return SchemaDiff{}, err
	}
	if err := w.saveCache(ctx, appToken, tableID, current); err != nil {
		return SchemaDiff{}, err
	}

	if !hasCache {
		diff := SchemaDiff{Bootstrap: true}
		w.writeLog(ctx, models.RunSchemaBootstrap, appToken, tableID, "", []string{"schema.refresh"})
		w.logger.Info("schema baseline established", "table_id", tableID, "fields", len(current), "triggered_by", triggeredBy)
		return diff, nil
	}

	diff := diffSchema(cached, current)
	if diff.empty() {
		w.writeLog(ctx, models.RunSchemaRefreshNoop, appToken, tableID, "", []string{"schema.refresh"})
		return diff, nil
	}
	diff.Changed = true
	w.writeLog(ctx, models.RunSchemaChanged, appToken, tableID, "", []string{"schema.refresh"})
	w.logger.Warn("schema changed",
		"table_id", tableID, "added", diff.Added, "removed", diff.Removed,
		"renamed", len(diff.Renamed), "type_changed", len(diff.TypeChanged), "triggered_by", triggeredBy)

	affected := w.applyRemovalPolicy(ctx, appToken, tableID, diff.Removed)
	diff.DisabledRules = affected
	w.writeLog(ctx, models.RunSchemaPolicyApplied, appToken, tableID, "", []string{"schema.policy"})
	for _, ruleID := range affected {
		w.writeLog(ctx, models.RunSchemaRuleDisabled, appToken, tableID, ruleID, []string{"schema.disable_rule"})
	}

	if diff.risky() {
		w.notify(ctx, appToken, tableID, triggeredBy, diff, false)
	}
	return diff, nil
}

// RefreshAll refreshes every table the rule registry references.
func (w *Watcher) RefreshAll(ctx context.Context, defaultAppToken, triggeredBy string) error {
	seen := map[string]struct{}{}
	var firstErr error
	for _, rule := range w.registry.Rules() {
		if !rule.Enabled {
			continue
		}
		appToken := rule.Table.AppToken
		if appToken == "" {
			appToken = defaultAppToken
		}
		if appToken == "" {
			continue
		}
		key := appToken + "/" + rule.Table.TableID
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		if _, err := w.RefreshTable(ctx, appToken, rule.Table.TableID, triggeredBy); err != nil {
			w.logger.Error("schema refresh failed", "table_id", rule.Table.TableID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SendDrill exercises the risk webhook path with a synthetic type change.
// No schema state is mutated.
func (w *Watcher) SendDrill(ctx context.Context, appToken, tableID, triggeredBy string) error {
	if !w.notifier.cfg.Drill {
		return fmt.Errorf("schema webhook drill is disabled")
	}
	drill := SchemaDiff{
		Changed: true,
		TypeChanged: []TypeChange{
			{FieldID: "drill_field", FieldName: "schema_webhook_drill", From: 1, To: 2},
		},
	}
	w.notify(ctx, appToken, tableID, triggeredBy, drill, true)
	return nil
}

// applyRemovalPolicy runtime-disables every enabled rule whose trigger
// references a removed field. The rules file is untouched.
func (w *Watcher) applyRemovalPolicy(ctx context.Context, appToken, tableID string, removed []string) []string {
	if len(removed) == 0 {
		return nil
	}
	gone := make(map[string]struct{}, len(removed))
	for _, name := range removed {
		gone[name] = struct{}{}
	}

	var disabled []string
	for _, rule := range w.registry.RulesForTable(tableID) {
		if rule.Table.AppToken != "" && rule.Table.AppToken != appToken {
			continue
		}
		var hit []string
		for _, field := range rule.Trigger.FieldNames() {
			if _, ok := gone[field]; ok {
				hit = append(hit, field)
			}
		}
		if len(hit) == 0 {
			continue
		}
		sort.Strings(hit)
		reason := "trigger_field_removed:" + hit[0]
		if err := w.runtime.DisableRule(ctx, rule.ID, reason); err != nil {
			w.logger.Error("failed to disable rule", "rule_id", rule.ID, "error", err)
			continue
		}
		disabled = append(disabled, rule.ID)
		w.logger.Warn("rule runtime-disabled", "rule_id", rule.ID, "removed_field", hit[0])
	}
	sort.Strings(disabled)
	return disabled
}

type riskAlert struct {
	Kind          string         `json:"kind"`
	AppToken      string         `json:"app_token"`
	TableID       string         `json:"table_id"`
	ChangeType    string         `json:"change_type"`
	Drill         bool           `json:"drill,omitempty"`
	Added         []string       `json:"added"`
	Removed       []string       `json:"removed"`
	Renamed       []RenamedField `json:"renamed"`
	TypeChanged   []TypeChange   `json:"type_changed"`
	DisabledRules []string       `json:"disabled_rules"`
	Timestamp     string         `json:"timestamp"`
	TriggeredBy   string         `json:"triggered_by"`
}

func (w *Watcher) notify(ctx context.Context, appToken, tableID, triggeredBy string, diff SchemaDiff, drill bool) {
	alert := riskAlert{
		Kind:          "schema_change_alert",
		AppToken:      appToken,
		TableID:       tableID,
		ChangeType:    "risk",
		Drill:         drill,
		Added:         diff.Added,
		Removed:       diff.Removed,
		Renamed:       diff.Renamed,
		TypeChanged:   diff.TypeChanged,
		DisabledRules: diff.DisabledRules,
		Timestamp:     w.now().UTC().Format(time.RFC3339),
		TriggeredBy:   triggeredBy,
	}
	if err := w.notifier.Send(ctx, alert); err != nil {
		w.logger.Error("risk webhook failed", "table_id", tableID, "error", err)
		w.writeLog(ctx, models.RunSchemaWebhookFailed, appToken, tableID, "", []string{"schema.webhook"})
		return
	}
	w.writeLog(ctx, models.RunSchemaWebhookSent, appToken, tableID, "", []string{"schema.webhook"})
}

func (w *Watcher) writeLog(ctx context.Context, result models.RunResult, appToken, tableID, ruleID string, actions []string) {
	entry := models.RunLogEntry{
		Timestamp:       w.now(),
		EventID:         fmt.Sprintf("schema:%s:%d", tableID, w.now().Unix()),
		RuleID:          ruleID,
		AppToken:        appToken,
		TableID:         tableID,
		Result:          result,
		ActionsExecuted: actions,
	}
	if err := w.runLog.Append(ctx, entry); err != nil {
		w.logger.Error("run log append failed", "result", result, "error", err)
	}
}

func (w *Watcher) loadCache(ctx context.Context, appToken, tableID string) (map[string]fieldMeta, bool, error) {
	raw, ok, err := w.runtime.SchemaCache(ctx, appToken, tableID)
	if err != nil || !ok {
		return nil, false, err
	}
	var cached map[string]fieldMeta
	if err := json.Unmarshal(raw, &cached); err != nil {
		// A corrupt cache entry degrades to a bootstrap.
		return nil, false, nil
	}
	return cached, true, nil
}

func (w *Watcher) saveCache(ctx context.Context, appToken, tableID string, schema map[string]fieldMeta) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return w.runtime.SaveSchemaCache(ctx, appToken, tableID, raw)
}

func normalizeSchema(infos []feishu.FieldInfo) map[string]fieldMeta {
	out := make(map[string]fieldMeta, len(infos))
	for _, f := range infos {
		if f.FieldID == "" || f.FieldName == "" {
			continue
		}
		out[f.FieldID] = fieldMeta{Name: f.FieldName, Type: f.Type}
	}
	return out
}

// diffSchema compares two field-id keyed schemas. Renames and type changes
// require the id on both sides.
func diffSchema(old, current map[string]fieldMeta) SchemaDiff {
	var diff SchemaDiff
	for id, meta := range current {
		if _, ok := old[id]; !ok {
			diff.Added = append(diff.Added, meta.Name)
		}
	}
	for id, meta := range old {
		if _, ok := current[id]; !ok {
			diff.Removed = append(diff.Removed, meta.Name)
		}
	}
	ids := make([]string, 0, len(old))
	for id := range old {
		if _, ok := current[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		before, after := old[id], current[id]
		if before.Name != after.Name {
			diff.Renamed = append(diff.Renamed, RenamedField{FieldID: id, From: before.Name, To: after.Name})
		}
		if before.Type != after.Type {
			name := after.Name
			if name == "" {
				name = before.Name
			}
			diff.TypeChanged = append(diff.TypeChanged, TypeChange{FieldID: id, FieldName: name, From: before.Type, To: after.Type})
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}
