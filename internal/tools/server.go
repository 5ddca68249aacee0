package tools

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/bitflow/internal/observability"
)

// envelope is the bit-exact response shape of the tool surface. data and
// error are always present, null on the other branch.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data"`
	Error   *ToolError `json:"error"`
}

// Server is the MCP tool HTTP surface.
type Server struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
	mux      *http.ServeMux
}

// NewServer wires the registry behind the /mcp routes.
func NewServer(registry *Registry, logger *slog.Logger, metrics *observability.Metrics, metricsHandler http.Handler) *Server {
	s := &Server{
		registry: registry,
		logger:   logger.With("component", "tools.server"),
		metrics:  metrics,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /mcp/tools", s.handleList)
	s.mux.HandleFunc("POST /mcp/tools/{tool}", s.handleCall)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
	return s
}

// Handler returns the root handler for the HTTP server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "bitflow"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.List()})
}

// toolRequest is the request body of a tool call.
type toolRequest struct {
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("tool"))

	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, name, &ToolError{Code: CodeInvalidParams, Message: "request body must be JSON"})
		return
	}

	start := time.Now()
	data, err := s.registry.Call(r.Context(), name, req.Params)
	if err != nil {
		s.writeError(w, name, wrapErr(err))
		return
	}

	s.metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	s.logger.Debug("tool call ok", "tool", name, "duration_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Error: nil})
}

func (s *Server) writeError(w http.ResponseWriter, name string, te *ToolError) {
	s.metrics.ToolCalls.WithLabelValues(name, "error").Inc()
	s.logger.Warn("tool call failed", "tool", name, "code", te.Code, "error", te.Message)

	status := http.StatusOK
	if te.Code == CodeNotFound && strings.HasPrefix(te.Message, "tool ") {
		status = http.StatusNotFound
	}
	writeJSON(w, status, envelope{Success: false, Data: nil, Error: te})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
