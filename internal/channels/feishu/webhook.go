// Package feishu is the Feishu IM channel adapter: webhook intake, event
// verification and decryption, and reply delivery.
package feishu

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/bitflow/internal/agent"
	feishuapi "github.com/haasonsaas/bitflow/internal/feishu"
)

// MessageHandler processes one inbound user turn.
type MessageHandler interface {
	Handle(ctx context.Context, msg agent.InboundMessage) (agent.RenderedResponse, error)
}

// Replier delivers replies back to the user.
type Replier interface {
	SendText(ctx context.Context, openID, text string) error
	SendCard(ctx context.Context, openID string, card any) error
}

// Config carries the webhook verification material.
type Config struct {
	VerificationToken string
	EncryptKey        string
}

const (
	eventTypeMessage = "im.message.receive_v1"
	queueSize        = 256
	handleTimeout    = 30 * time.Second
	seenWindow       = 10 * time.Minute
)

type inboundEvent struct {
	openID    string
	messageID string
	text      string
}

// Webhook accepts Feishu event callbacks. The HTTP handler only verifies,
// dedupes and enqueues, then acks; replies are produced by background
// workers so the ack stays inside Feishu's deadline.
type Webhook struct {
	cfg     Config
	handler MessageHandler
	replier Replier
	logger  *slog.Logger
	now     func() time.Time

	queue chan inboundEvent

	mu   sync.Mutex
	seen map[string]time.Time
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookNow injects a clock for testing.
func WithWebhookNow(now func() time.Time) WebhookOption {
	return func(w *Webhook) { w.now = now }
}

// NewWebhook builds the channel adapter.
func NewWebhook(cfg Config, handler MessageHandler, replier Replier, logger *slog.Logger, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		cfg:     cfg,
		handler: handler,
		replier: replier,
		logger:  logger.With("component", "channel.feishu"),
		now:     time.Now,
		queue:   make(chan inboundEvent, queueSize),
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Routes registers the webhook endpoint.
func (w *Webhook) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /feishu/webhook", w.handleWebhook)
}

// Start runs the reply workers until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go w.worker(ctx)
	}
}

type eventEnvelope struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Schema    string `json:"schema"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

type messageEvent struct {
	Sender struct {
		SenderType string `json:"sender_type"`
		SenderID   struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	// Encrypted payloads wrap the real envelope.
	if env.Encrypt != "" {
		plain, err := feishuapi.DecryptEvent(w.cfg.EncryptKey, env.Encrypt)
		if err != nil {
			w.logger.Warn("event decrypt failed", "error", err)
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		env = eventEnvelope{}
		if err := json.Unmarshal(plain, &env); err != nil {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
	}

	if env.Type == "url_verification" {
		if !w.tokenOK(env.Token) {
			w.logger.Warn("handshake token mismatch")
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, map[string]string{"challenge": env.Challenge})
		return
	}

	if !w.tokenOK(env.Header.Token) {
		w.logger.Warn("WEBHOOK_001: event token mismatch", "event_id", env.Header.EventID)
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}

	if env.Header.EventType != eventTypeMessage {
		writeJSON(rw, map[string]string{"msg": "ok"})
		return
	}

	var msg messageEvent
	if err := json.Unmarshal(env.Event, &msg); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	// The message id is the stable dedupe key; redeliveries of the same
	// event fall back to the event id.
	dedupeID := msg.Message.MessageID
	if dedupeID == "" {
		dedupeID = env.Header.EventID
	}
	if w.alreadySeen(dedupeID) {
		writeJSON(rw, map[string]string{"msg": "ok"})
		return
	}

	if msg.Sender.SenderType != "user" ||
		msg.Message.ChatType != "p2p" ||
		msg.Message.MessageType != "text" {
		writeJSON(rw, map[string]string{"msg": "ok"})
		return
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(msg.Message.Content), &content); err != nil {
		w.logger.Warn("unparseable text content", "message_id", msg.Message.MessageID)
		writeJSON(rw, map[string]string{"msg": "ok"})
		return
	}

	ev := inboundEvent{
		openID:    msg.Sender.SenderID.OpenID,
		messageID: msg.Message.MessageID,
		text:      content.Text,
	}
	select {
	case w.queue <- ev:
	default:
		// Ack anyway; Feishu retries produce duplicate ids we drop above,
		// so shedding here loses only this one message.
		w.logger.Error("inbound queue full, dropping message", "message_id", ev.messageID)
	}
	writeJSON(rw, map[string]string{"msg": "ok"})
}

func (w *Webhook) tokenOK(token string) bool {
	if w.cfg.VerificationToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(w.cfg.VerificationToken)) == 1
}

func (w *Webhook) alreadySeen(id string) bool {
	if id == "" {
		return false
	}
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, at := range w.seen {
		if now.Sub(at) > seenWindow {
			delete(w.seen, k)
		}
	}
	if _, dup := w.seen[id]; dup {
		return true
	}
	w.seen[id] = now
	return false
}

func (w *Webhook) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			w.process(ctx, ev)
		}
	}
}

func (w *Webhook) process(ctx context.Context, ev inboundEvent) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	resp, err := w.handler.Handle(ctx, agent.InboundMessage{
		OpenID:    ev.openID,
		MessageID: ev.messageID,
		Text:      ev.text,
	})
	if err != nil {
		if err != agent.ErrDuplicateMessage {
			w.logger.Error("turn failed", "message_id", ev.messageID, "error", err)
		}
		return
	}
	w.reply(ctx, ev.openID, resp)
}

func (w *Webhook) reply(ctx context.Context, openID string, resp agent.RenderedResponse) {
	if card := BuildCard(resp); card != nil {
		err := w.replier.SendCard(ctx, openID, card)
		if err == nil {
			return
		}
		w.logger.Warn("card send failed, falling back to text", "error", err)
	}
	if err := w.replier.SendText(ctx, openID, resp.TextFallback); err != nil {
		w.logger.Error("text reply failed", "open_id", openID, "error", err)
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}
