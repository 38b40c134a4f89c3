// Package api implements the HTTP API: the chat endpoint plus health,
// tool listing, router introspection and a live event feed.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/foreman/internal/buildinfo"
	"github.com/nugget/foreman/internal/chat"
	"github.com/nugget/foreman/internal/connwatch"
	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/router"
	"github.com/nugget/foreman/internal/store"
	"github.com/nugget/foreman/internal/tools"
	"github.com/nugget/foreman/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ToolLister lists the registered tools.
type ToolLister interface {
	List() []tools.Definition
}

// Deps are the components the server exposes.
type Deps struct {
	Chat   *chat.Service
	Router *router.Router
	Tools  ToolLister
	Store  *store.Store
	Bus    *events.Bus
	Usage  *usage.Store
	Health *connwatch.Manager

	// Tokens maps bearer tokens to user ids. Empty disables
	// authentication and every caller acts as AnonymousUser.
	Tokens map[string]string

	// ModelConfigured is false when no provider has credentials; chat
	// requests are then refused before reaching the chat core.
	ModelConfigured bool
}

// AnonymousUser is the user id requests run as when authentication is
// disabled.
const AnonymousUser = "local"

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed, logged handler. Start serves it; tests
// use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.Handle("POST /chat", s.requireAuth(s.handleChat))
	mux.Handle("POST /v1/chat", s.requireAuth(s.handleChat))

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Introspection
	mux.Handle("GET /v1/tools", s.requireAuth(s.handleTools))
	mux.Handle("GET /v1/router/stats", s.requireAuth(s.handleRouterStats))
	mux.Handle("GET /v1/router/audit", s.requireAuth(s.handleRouterAudit))
	mux.Handle("GET /v1/router/explain/{requestId}", s.requireAuth(s.handleRouterExplain))
	mux.Handle("GET /v1/events", s.requireAuth(s.handleEvents))
	mux.Handle("GET /v1/usage", s.requireAuth(s.handleUsage))

	// Invitations
	mux.Handle("POST /v1/invitations/{token}/accept", s.requireAuth(s.handleAcceptInvitation))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streaming responses extend their own deadline per write.
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "auth", len(s.deps.Tokens) > 0)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder remembers the status code for the access log. Flush
// and Hijack pass through for streaming and WebSocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "foreman",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":           "healthy",
		"model_configured": s.deps.ModelConfigured,
		"uptime":           buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.deps.Health != nil {
		status["services"] = s.deps.Health.Status()
		if !s.deps.Health.Healthy() {
			status["status"] = "degraded"
		}
	}
	if s.deps.Bus != nil {
		status["events_dropped"] = s.deps.Bus.Dropped()
	}
	if s.deps.Chat != nil {
		if n, err := s.deps.Chat.ActiveWorkflows(r.Context()); err == nil {
			status["active_workflows"] = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tools not configured")
		return
	}
	defs := s.deps.Tools.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(defs), "tools": defs}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.Router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decisions := s.deps.Router.GetAuditLog(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decision := s.deps.Router.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
