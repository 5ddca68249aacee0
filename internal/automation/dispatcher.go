package automation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/internal/observability"
	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/pkg/models"
)

const eventTypeRecordChanged = "drive.file.bitable_record_changed_v1"
const eventTypeFieldChanged = "drive.file.bitable_field_changed_v1"

// AuthError is a webhook authentication failure. Callers log it and drop the
// request without a reply body.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "WEBHOOK_001: " + e.Message }

// ValidationError is a malformed payload. Not retryable.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// DispatcherConfig carries the ingress credentials and gates.
type DispatcherConfig struct {
	VerificationToken string
	EncryptKey        string

	WebhookEnabled   bool
	WebhookAPIKey    string
	WebhookSecret    string
	WebhookTolerance time.Duration

	SchemaSyncEventDriven bool

	DefaultAppToken string
	DefaultTableID  string
}

// schemaRefresher is the slice of the schema watcher the dispatcher needs.
type schemaRefresher interface {
	RefreshTable(ctx context.Context, appToken, tableID, triggeredBy string) (SchemaDiff, error)
}

// Dispatcher is the single entry point for change-event callbacks, external
// webhooks, and scan triggers. It authenticates, deduplicates, normalizes,
// and hands envelopes to the processor.
type Dispatcher struct {
	processor *Processor
	registry  *Registry
	schema    schemaRefresher
	idem      store.IdempotencyStore
	cfg       DispatcherConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherNow injects a clock for testing.
func WithDispatcherNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires the ingress paths.
func NewDispatcher(processor *Processor, registry *Registry, schema schemaRefresher,
	idem store.IdempotencyStore, cfg DispatcherConfig, logger *slog.Logger,
	metrics *observability.Metrics, opts ...DispatcherOption) *Dispatcher {
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}
	d := &Dispatcher{
		processor: processor,
		registry:  registry,
		schema:    schema,
		idem:      idem,
		cfg:       cfg,
		logger:    logger.With("component", "automation.dispatcher"),
		metrics:   metrics,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// VerifyAuth checks the API key and, when a secret is configured, the
// HMAC-SHA256 signature over "timestamp.body". When both credentials are
// configured either one passing is sufficient.
func (d *Dispatcher) VerifyAuth(headers http.Header, body []byte) error {
	apiKey := strings.TrimSpace(d.cfg.WebhookAPIKey)
	secret := strings.TrimSpace(d.cfg.WebhookSecret)
	if apiKey == "" && secret == "" {
		return &AuthError{Message: "webhook auth is not configured"}
	}

	keyOK := false
	if apiKey != "" {
		provided := strings.TrimSpace(headers.Get("X-Automation-Key"))
		if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1 {
			keyOK = true
		}
	}

	sigOK := false
	if secret != "" {
		tsText := strings.TrimSpace(headers.Get("X-Automation-Timestamp"))
		sigText := strings.TrimSpace(headers.Get("X-Automation-Signature"))
		if tsText != "" && sigText != "" {
			ts, err := strconv.ParseInt(tsText, 10, 64)
			if err != nil {
				return &AuthError{Message: "invalid signature timestamp"}
			}
			now := d.now().Unix()
			drift := now - ts
			if drift < 0 {
				drift = -drift
			}
			if drift > int64(d.cfg.WebhookTolerance/time.Second) {
				return &AuthError{Message: "signature timestamp outside tolerance"}
			}
			sigText = strings.TrimPrefix(strings.ToLower(sigText), "sha256=")
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write([]byte(tsText))
			mac.Write([]byte("."))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))
			if hmac.Equal([]byte(sigText), []byte(expected)) {
				sigOK = true
			}
		}
	}

	switch {
	case apiKey != "" && secret != "":
		if keyOK || sigOK {
			return nil
		}
		return &AuthError{Message: "invalid api key or signature"}
	case apiKey != "":
		if keyOK {
			return nil
		}
		return &AuthError{Message: "invalid api key"}
	default:
		if sigOK {
			return nil
		}
		return &AuthError{Message: "missing or invalid signature headers"}
	}
}

// EventResult describes how an inbound callback was handled.
type EventResult struct {
	Kind      string `json:"kind"`
	Challenge string `json:"challenge,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type eventEnvelopeWire struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		AppToken  string `json:"app_token"`
		FileToken string `json:"file_token"`
		TableID   string `json:"table_id"`
		RecordID  string `json:"record_id"`
	} `json:"event"`
}

// HandleEvent processes one change-event callback. The url_verification
// handshake returns the challenge; everything else is acknowledged after
// enqueueing, keeping the caller under the 1s reply budget.
func (d *Dispatcher) HandleEvent(ctx context.Context, body []byte) (EventResult, error) {
	var wire eventEnvelopeWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return EventResult{}, &ValidationError{Message: "invalid event payload: " + err.Error()}
	}
	if wire.Encrypt != "" {
		plain, err := feishu.DecryptEvent(d.cfg.EncryptKey, wire.Encrypt)
		if err != nil {
			return EventResult{}, &AuthError{Message: "event decryption failed"}
		}
		wire = eventEnvelopeWire{}
		if err := json.Unmarshal(plain, &wire); err != nil {
			return EventResult{}, &ValidationError{Message: "invalid decrypted payload"}
		}
	}

	if wire.Type == "url_verification" {
		if err := d.verifyToken(wire.Token); err != nil {
			return EventResult{}, err
		}
		if wire.Challenge == "" {
			return EventResult{}, &ValidationError{Message: "url_verification missing challenge"}
		}
		return EventResult{Kind: "challenge", Challenge: wire.Challenge}, nil
	}

	if err := d.verifyToken(wire.Header.Token); err != nil {
		return EventResult{}, err
	}
	eventID := strings.TrimSpace(wire.Header.EventID)
	if eventID == "" {
		return EventResult{}, &ValidationError{Message: "missing header.event_id"}
	}

	appToken := wire.Event.AppToken
	if appToken == "" {
		appToken = wire.Event.FileToken
	}

	switch wire.Header.EventType {
	case eventTypeFieldChanged:
		seen, err := d.idem.SeenEvent(ctx, eventID)
		if err != nil {
			return EventResult{}, err
		}
		if seen {
			d.metrics.EventsReceived.WithLabelValues(string(models.SourceCallback), "duplicate").Inc()
			return EventResult{Kind: "duplicate_event", EventID: eventID}, nil
		}
		if !d.cfg.SchemaSyncEventDriven {
			return EventResult{Kind: "ignored", EventID: eventID, Reason: "schema_sync_event_driven_disabled"}, nil
		}
		if appToken == "" || wire.Event.TableID == "" {
			return EventResult{Kind: "ignored", EventID: eventID, Reason: "missing_app_or_table"}, nil
		}
		if _, err := d.schema.RefreshTable(ctx, appToken, wire.Event.TableID, "event"); err != nil {
			return EventResult{}, err
		}
		d.metrics.EventsReceived.WithLabelValues(string(models.SourceCallback), "accepted").Inc()
		return EventResult{Kind: "schema_refreshed", EventID: eventID}, nil

	case eventTypeRecordChanged:
		if appToken == "" || wire.Event.TableID == "" || wire.Event.RecordID == "" {
			return EventResult{}, &ValidationError{Message: "record event missing app_token/table_id/record_id"}
		}
		seen, err := d.idem.SeenEvent(ctx, eventID)
		if err != nil {
			return EventResult{}, err
		}
		if seen {
			d.metrics.EventsReceived.WithLabelValues(string(models.SourceCallback), "duplicate").Inc()
			d.logger.Info("duplicate event dropped", "event_id", eventID)
			return EventResult{Kind: "duplicate_event", EventID: eventID}, nil
		}
		env := models.EventEnvelope{
			EventID:    eventID,
			Type:       models.EventRecordUpdated,
			Source:     models.SourceCallback,
			AppToken:   appToken,
			TableID:    wire.Event.TableID,
			RecordID:   wire.Event.RecordID,
			ReceivedAt: d.now(),
		}
		if err := d.processor.Enqueue(ctx, env); err != nil {
			return EventResult{}, err
		}
		d.metrics.EventsReceived.WithLabelValues(string(models.SourceCallback), "accepted").Inc()
		return EventResult{Kind: "accepted", EventID: eventID}, nil

	default:
		d.metrics.EventsReceived.WithLabelValues(string(models.SourceCallback), "rejected").Inc()
		return EventResult{Kind: "ignored", EventID: eventID, Reason: "unsupported_event_type"}, nil
	}
}

// WebhookResult describes one external webhook trigger.
type WebhookResult struct {
	RuleID   string `json:"rule_id"`
	EventID  string `json:"event_id"`
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

type webhookPayload struct {
	EventID  string `json:"event_id"`
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

// HandleWebhook triggers one rule from an authenticated external caller. The
// record is refetched and diffed against its snapshot, so the caller only
// names the record.
func (d *Dispatcher) HandleWebhook(ctx context.Context, ruleID string, headers http.Header, body []byte) (WebhookResult, error) {
	if !d.cfg.WebhookEnabled {
		return WebhookResult{}, &AuthError{Message: "webhook ingress is disabled"}
	}
	if err := d.VerifyAuth(headers, body); err != nil {
		d.metrics.EventsReceived.WithLabelValues(string(models.SourceWebhook), "rejected").Inc()
		return WebhookResult{}, err
	}

	ruleID = strings.TrimSpace(ruleID)
	rule, ok := d.registry.Rule(ruleID)
	if !ok || !rule.Enabled {
		return WebhookResult{}, &ValidationError{Message: "rule not found or disabled: " + ruleID}
	}

	var payload webhookPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return WebhookResult{}, &ValidationError{Message: "webhook payload must be a JSON object"}
		}
	}
	if payload.RecordID == "" {
		return WebhookResult{}, &ValidationError{Message: "record_id is required"}
	}
	appToken := firstNonEmpty(payload.AppToken, rule.Table.AppToken, d.cfg.DefaultAppToken)
	tableID := firstNonEmpty(payload.TableID, rule.Table.TableID, d.cfg.DefaultTableID)
	if appToken == "" || tableID == "" {
		return WebhookResult{}, &ValidationError{Message: "app_token and table_id are required"}
	}

	eventID := payload.EventID
	if eventID == "" {
		eventID = fmt.Sprintf("webhook:%s:%d", ruleID, d.now().UnixMilli())
	}
	seen, err := d.idem.SeenEvent(ctx, eventID)
	if err != nil {
		return WebhookResult{}, err
	}
	if seen {
		d.metrics.EventsReceived.WithLabelValues(string(models.SourceWebhook), "duplicate").Inc()
		return WebhookResult{RuleID: ruleID, EventID: eventID, AppToken: appToken, TableID: tableID, RecordID: payload.RecordID}, nil
	}

	env := models.EventEnvelope{
		EventID:    eventID,
		Type:       models.EventRecordUpdated,
		Source:     models.SourceWebhook,
		AppToken:   appToken,
		TableID:    tableID,
		RecordID:   payload.RecordID,
		RuleID:     ruleID,
		ReceivedAt: d.now(),
	}
	if err := d.processor.Enqueue(ctx, env); err != nil {
		return WebhookResult{}, err
	}
	d.metrics.EventsReceived.WithLabelValues(string(models.SourceWebhook), "accepted").Inc()
	return WebhookResult{RuleID: ruleID, EventID: eventID, AppToken: appToken, TableID: tableID, RecordID: payload.RecordID}, nil
}

func (d *Dispatcher) verifyToken(token string) error {
	if d.cfg.VerificationToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.cfg.VerificationToken)) != 1 {
		return &AuthError{Message: "verification token mismatch"}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
