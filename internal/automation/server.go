package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// authProbe checks upstream credential validity for the health endpoint.
type authProbe func(ctx context.Context) error

// Server is the automation worker's HTTP surface: the event callback plus
// the management endpoints.
type Server struct {
	mux        *http.ServeMux
	dispatcher *Dispatcher
	syncer     *Syncer
	watcher    *Watcher
	scheduler  *Scheduler
	probe      authProbe
	defaults   DispatcherConfig
	disabled   bool
	logger     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerDisabled serves 503 on the intake and management endpoints while
// keeping health, auth-health and metrics up.
func WithServerDisabled(disabled bool) ServerOption {
	return func(s *Server) { s.disabled = disabled }
}

// NewServer wires the worker routes. metricsHandler may be nil.
func NewServer(dispatcher *Dispatcher, syncer *Syncer, watcher *Watcher, scheduler *Scheduler,
	probe authProbe, logger *slog.Logger, metricsHandler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		dispatcher: dispatcher,
		syncer:     syncer,
		watcher:    watcher,
		scheduler:  scheduler,
		probe:      probe,
		defaults:   dispatcher.cfg,
		logger:     logger.With("component", "automation.server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /feishu/events", s.gated(s.handleEvents))
	s.mux.HandleFunc("POST /automation/init", s.gated(s.managed(s.handleInit)))
	s.mux.HandleFunc("POST /automation/scan", s.gated(s.managed(s.handleScan)))
	s.mux.HandleFunc("POST /automation/sync", s.gated(s.managed(s.handleSync)))
	s.mux.HandleFunc("POST /automation/schema/refresh", s.gated(s.managed(s.handleSchemaRefresh)))
	s.mux.HandleFunc("POST /automation/webhook/{rule_id}", s.gated(s.handleWebhook))
	s.mux.HandleFunc("GET /automation/delay/tasks", s.gated(s.managed(s.handleDelayTasks)))
	s.mux.HandleFunc("POST /automation/delay/{id}/cancel", s.gated(s.managed(s.handleDelayCancel)))
	s.mux.HandleFunc("GET /automation/auth/health", s.handleAuthHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
	return s
}

// gated rejects intake and management traffic while automation is disabled.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.disabled {
			s.logger.Debug("automation disabled, request rejected", "path", r.URL.Path)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automation disabled"})
			return
		}
		next(w, r)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// managed wraps management endpoints with the shared webhook credentials.
func (s *Server) managed(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := s.dispatcher.VerifyAuth(r.Header, body); err != nil {
			s.logger.Warn("management auth rejected", "path", r.URL.Path, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, body)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]string{"status": "ok"}
	if s.disabled {
		payload["automation"] = "disabled"
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// handleEvents is the channel callback. Authentication failures are logged
// and acknowledged without detail; the channel retries on non-200 only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	res, err := s.dispatcher.HandleEvent(r.Context(), body)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.logger.Warn("event auth rejected", "error", authErr)
			w.WriteHeader(http.StatusOK)
			return
		}
		var valErr *ValidationError
		if errors.As(err, &valErr) {
			s.logger.Warn("event rejected", "error", valErr)
			http.Error(w, valErr.Message, http.StatusBadRequest)
			return
		}
		s.logger.Error("event handling failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if res.Kind == "challenge" {
		s.writeJSON(w, http.StatusOK, map[string]string{"challenge": res.Challenge})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	res, err := s.dispatcher.HandleWebhook(r.Context(), r.PathValue("rule_id"), r.Header, body)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.logger.Warn("webhook auth rejected", "rule_id", r.PathValue("rule_id"), "error", authErr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var valErr *ValidationError
		if errors.As(err, &valErr) {
			http.Error(w, valErr.Message, http.StatusBadRequest)
			return
		}
		s.logger.Error("webhook handling failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// tableParams resolves app_token/table_id from query or body, falling back
// to the configured defaults.
func (s *Server) tableParams(r *http.Request, body []byte) (appToken, tableID string, ok bool) {
	var payload struct {
		AppToken string `json:"app_token"`
		TableID  string `json:"table_id"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &payload)
	}
	appToken = firstNonEmpty(r.URL.Query().Get("app_token"), payload.AppToken, s.defaults.DefaultAppToken)
	tableID = firstNonEmpty(r.URL.Query().Get("table_id"), payload.TableID, s.defaults.DefaultTableID)
	return appToken, tableID, appToken != "" && tableID != ""
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request, body []byte) {
	appToken, tableID, ok := s.tableParams(r, body)
	if !ok {
		http.Error(w, "app_token and table_id are required", http.StatusBadRequest)
		return
	}
	res, err := s.syncer.Init(r.Context(), appToken, tableID)
	if err != nil {
		s.logger.Error("init failed", "table_id", tableID, "error", err)
		http.Error(w, "init failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, body []byte) {
	appToken, tableID, ok := s.tableParams(r, body)
	if !ok {
		http.Error(w, "app_token and table_id are required", http.StatusBadRequest)
		return
	}
	res, err := s.syncer.Scan(r.Context(), appToken, tableID)
	if err != nil {
		s.logger.Error("scan failed", "table_id", tableID, "error", err)
		http.Error(w, "scan failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, body []byte) {
	appToken, tableID, ok := s.tableParams(r, body)
	if !ok {
		http.Error(w, "app_token and table_id are required", http.StatusBadRequest)
		return
	}
	res, err := s.syncer.Sync(r.Context(), appToken, tableID)
	if err != nil {
		s.logger.Error("sync failed", "table_id", tableID, "error", err)
		http.Error(w, "sync failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSchemaRefresh(w http.ResponseWriter, r *http.Request, body []byte) {
	drill := r.URL.Query().Get("drill") == "true"
	appToken, tableID, ok := s.tableParams(r, body)
	if drill {
		if !ok {
			http.Error(w, "drill requires an explicit table_id", http.StatusBadRequest)
			return
		}
		if err := s.watcher.SendDrill(r.Context(), appToken, tableID, "manual"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"drill": true, "table_id": tableID})
		return
	}
	if ok {
		diff, err := s.watcher.RefreshTable(r.Context(), appToken, tableID, "manual")
		if err != nil {
			s.logger.Error("schema refresh failed", "table_id", tableID, "error", err)
			http.Error(w, "schema refresh failed", http.StatusBadGateway)
			return
		}
		s.writeJSON(w, http.StatusOK, diff)
		return
	}
	if err := s.watcher.RefreshAll(r.Context(), s.defaults.DefaultAppToken, "manual"); err != nil {
		s.logger.Error("schema refresh failed", "error", err)
		http.Error(w, "schema refresh failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelayTasks(w http.ResponseWriter, r *http.Request, _ []byte) {
	tasks, err := s.scheduler.Tasks(r.Context(), delayStatusFromQuery(r), 100)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleDelayCancel(w http.ResponseWriter, r *http.Request, _ []byte) {
	cancelled, err := s.scheduler.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "task is not cancellable", http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// handleAuthHealth probes token acquisition against the upstream.
func (s *Server) handleAuthHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.probe(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func delayStatusFromQuery(r *http.Request) models.DelayTaskStatus {
	return models.DelayTaskStatus(r.URL.Query().Get("status"))
}
