// Package api implements the HTTP presentation surface: chat over SSE,
// WebSocket, and an OpenAI-compatible completions endpoint, plus
// directory, session, and health introspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/conduit/internal/agent"
	"github.com/nugget/conduit/internal/buildinfo"
	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/connwatch"
	"github.com/nugget/conduit/internal/mcp"
	"github.com/nugget/conduit/internal/router"
	"github.com/nugget/conduit/internal/session"
	"github.com/nugget/conduit/internal/stream"
)

// Runner executes one conversation turn. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, out *stream.Stream) (*agent.Response, error)
}

// Directory is the capability directory. *capability.Aggregator
// satisfies it.
type Directory interface {
	Snapshot() *capability.Snapshot
	Refresh(ctx context.Context) (*capability.Snapshot, error)
}

// Sessions exposes server sessions. *session.Manager satisfies it.
type Sessions interface {
	Sessions() []session.Info
	ReadResource(ctx context.Context, serverID, uri string) ([]mcp.ResourceContents, error)
	GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.PromptResult, error)
}

// ToolStats exposes router bookkeeping. *router.Router satisfies it.
type ToolStats interface {
	GetStats() router.Stats
	GetAuditLog(limit int) []router.Result
}

// Health reports model backend status. *connwatch.Manager satisfies it.
type Health interface {
	Status() []connwatch.Status
}

// Deps are the collaborators the server exposes. Runner and Directory
// are required; the rest may be nil.
type Deps struct {
	Runner    Runner
	Directory Directory
	Sessions  Sessions
	Tools     ToolStats
	Health    Health
	Models    []string
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader

	// Events that may queue per turn before the agent waits for the
	// client.
	streamBuffer int
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		port:         port,
		deps:         deps,
		logger:       logger,
		streamBuffer: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler. Start serves it; tests can mount
// it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Directory
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /v1/capabilities/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v1/resources/read", s.handleReadResource)
	mux.HandleFunc("POST /v1/prompts/{name}", s.handleGetPrompt)

	// Introspection
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
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
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "conduit",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status   string             `json:"status"`
	Backends []connwatch.Status `json:"backends,omitempty"`
	Servers  []session.Info     `json:"servers,omitempty"`
	Tools    int                `json:"tools"`
}

// handleHealth reports degraded when any model backend is down. Degraded
// capability servers are listed but do not change the status: the
// remaining servers keep working.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := HealthReport{Status: "healthy", Tools: len(s.deps.Directory.Snapshot().Tools())}
	if s.deps.Health != nil {
		rep.Backends = s.deps.Health.Status()
		for _, b := range rep.Backends {
			if !b.Ready {
				rep.Status = "degraded"
			}
		}
	}
	if s.deps.Sessions != nil {
		rep.Servers = s.deps.Sessions.Sessions()
	}
	writeJSON(w, rep, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]any, 0, len(s.deps.Models))
	for _, m := range s.deps.Models {
		data = append(data, map[string]any{
			"id":       m,
			"object":   "model",
			"owned_by": "conduit",
		})
	}
	writeJSON(w, map[string]any{"object": "list", "data": data}, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	writeJSON(w, s.deps.Tools.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	limit := parseIntParam(r, "limit", 50)
	writeJSON(w, map[string]any{"calls": s.deps.Tools.GetAuditLog(limit)}, s.logger)
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
