package automation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/haasonsaas/bitflow/pkg/models"
)

type fixedSchema struct {
	calls int
}

func (f *fixedSchema) RefreshTable(context.Context, string, string, string) (SchemaDiff, error) {
	f.calls++
	return SchemaDiff{}, nil
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig, rules ...models.Rule) (*Dispatcher, *processorFixture, *fixedSchema) {
	t.Helper()
	fx := newProcessorFixture(t, ProcessorConfig{}, rules...)
	schema := &fixedSchema{}
	reg := NewRegistryFromRules(rules, testLogger())
	d := NewDispatcher(fx.processor, reg, schema, fx.stores.Idempotency, cfg, testLogger(), testMetrics(t))
	return d, fx, schema
}

func signedHeaders(secret string, body []byte, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", ts, body)
	h := http.Header{}
	h.Set("X-Automation-Timestamp", ts)
	h.Set("X-Automation-Signature", hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestVerifyAuth_APIKey(t *testing.T) {
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{WebhookAPIKey: "sekrit"})

	h := http.Header{}
	h.Set("X-Automation-Key", "sekrit")
	if err := d.VerifyAuth(h, nil); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}

	h.Set("X-Automation-Key", "wrong")
	if err := d.VerifyAuth(h, nil); err == nil {
		t.Fatal("wrong key accepted")
	}
	if err := d.VerifyAuth(http.Header{}, nil); err == nil {
		t.Fatal("missing key accepted")
	}
}

func TestVerifyAuth_Signature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{
		WebhookSecret:    "hmac-secret",
		WebhookTolerance: 5 * time.Minute,
	})
	d.now = func() time.Time { return now }

	body := []byte(`{"record_id":"rec_x"}`)
	if err := d.VerifyAuth(signedHeaders("hmac-secret", body, now), body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Same signature over a different body.
	if err := d.VerifyAuth(signedHeaders("hmac-secret", []byte("other"), now), body); err == nil {
		t.Fatal("signature over wrong body accepted")
	}

	// Timestamp outside the tolerance window.
	stale := now.Add(-6 * time.Minute)
	if err := d.VerifyAuth(signedHeaders("hmac-secret", body, stale), body); err == nil {
		t.Fatal("stale timestamp accepted")
	}

	// Wrong secret.
	if err := d.VerifyAuth(signedHeaders("nope", body, now), body); err == nil {
		t.Fatal("wrong secret accepted")
	}
}

func TestVerifyAuth_EitherCredentialSuffices(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{
		WebhookAPIKey:    "sekrit",
		WebhookSecret:    "hmac-secret",
		WebhookTolerance: 5 * time.Minute,
	})
	d.now = func() time.Time { return now }

	body := []byte("{}")
	h := signedHeaders("hmac-secret", body, now)
	if err := d.VerifyAuth(h, body); err != nil {
		t.Fatalf("signature alone rejected: %v", err)
	}
	h = http.Header{}
	h.Set("X-Automation-Key", "sekrit")
	if err := d.VerifyAuth(h, body); err != nil {
		t.Fatalf("key alone rejected: %v", err)
	}
	if err := d.VerifyAuth(http.Header{}, body); err == nil {
		t.Fatal("no credential accepted")
	}
}

func TestHandleEvent_URLVerificationChallenge(t *testing.T) {
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{VerificationToken: "vt"})

	res, err := d.HandleEvent(context.Background(),
		[]byte(`{"type":"url_verification","token":"vt","challenge":"c-123"}`))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Kind != "challenge" || res.Challenge != "c-123" {
		t.Fatalf("res = %+v", res)
	}

	if _, err := d.HandleEvent(context.Background(),
		[]byte(`{"type":"url_verification","token":"wrong","challenge":"c"}`)); err == nil {
		t.Fatal("token mismatch accepted")
	}
}

func eventBody(eventID string) []byte {
	return []byte(`{"header":{"event_id":"` + eventID + `","event_type":"drive.file.bitable_record_changed_v1","token":"vt"},` +
		`"event":{"file_token":"app_a","table_id":"tbl_a","record_id":"rec_x"}}`)
}

func TestHandleEvent_DuplicateEventID(t *testing.T) {
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{VerificationToken: "vt"}, classificationRule())

	res, err := d.HandleEvent(context.Background(), eventBody("evt_dup"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != "accepted" {
		t.Fatalf("first delivery = %+v", res)
	}

	res, err = d.HandleEvent(context.Background(), eventBody("evt_dup"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != "duplicate_event" {
		t.Fatalf("second delivery = %+v", res)
	}
}

func TestHandleEvent_UnsupportedTypeIgnored(t *testing.T) {
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{VerificationToken: "vt"})
	body := []byte(`{"header":{"event_id":"evt_1","event_type":"im.message.receive_v1","token":"vt"},"event":{}}`)
	res, err := d.HandleEvent(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != "ignored" || res.Reason != "unsupported_event_type" {
		t.Fatalf("res = %+v", res)
	}
}

func TestHandleEvent_FieldChangedTriggersSchemaRefresh(t *testing.T) {
	d, _, schema := newDispatcherFixture(t, DispatcherConfig{
		VerificationToken:     "vt",
		SchemaSyncEventDriven: true,
	})
	body := []byte(`{"header":{"event_id":"evt_f1","event_type":"drive.file.bitable_field_changed_v1","token":"vt"},` +
		`"event":{"file_token":"app_a","table_id":"tbl_a"}}`)
	res, err := d.HandleEvent(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != "schema_refreshed" {
		t.Fatalf("res = %+v", res)
	}
	if schema.calls != 1 {
		t.Fatalf("schema refresh calls = %d", schema.calls)
	}
}

func TestHandleWebhook_AuthAndRuleScoping(t *testing.T) {
	rule := classificationRule()
	d, fx, _ := newDispatcherFixture(t, DispatcherConfig{
		WebhookEnabled: true,
		WebhookAPIKey:  "sekrit",
	}, rule)

	rec := caseRecord("劳动争议")
	fx.upstream.put(rec)
	// Existing snapshot so the webhook replay diffs a real transition.
	before := caseRecord("民事")
	if err := fx.stores.Snapshots.Save(context.Background(), "app_a", "tbl_a", "rec_x", before.Fields, 100); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"record_id":"rec_x"}`)

	if _, err := d.HandleWebhook(context.Background(), "R001", http.Header{}, body); err == nil {
		t.Fatal("unauthenticated webhook accepted")
	}

	h := http.Header{}
	h.Set("X-Automation-Key", "sekrit")
	res, err := d.HandleWebhook(context.Background(), "R001", h, body)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if res.TableID != "tbl_a" || res.RecordID != "rec_x" {
		t.Fatalf("res = %+v", res)
	}

	if _, err := d.HandleWebhook(context.Background(), "R999", h, body); err == nil {
		t.Fatal("unknown rule accepted")
	}
	if _, err := d.HandleWebhook(context.Background(), "R001", h, []byte(`{}`)); err == nil {
		t.Fatal("missing record_id accepted")
	}
}

func TestHandleWebhook_DisabledIngress(t *testing.T) {
	d, _, _ := newDispatcherFixture(t, DispatcherConfig{WebhookAPIKey: "sekrit"}, classificationRule())
	h := http.Header{}
	h.Set("X-Automation-Key", "sekrit")
	if _, err := d.HandleWebhook(context.Background(), "R001", h, []byte(`{"record_id":"rec_x"}`)); err == nil {
		t.Fatal("disabled ingress accepted")
	}
}
