// Package api implements the Quill HTTP API: the agent query endpoint,
// direct tool execution, item CRUD, categorization, usage reporting, and
// a live event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/quill-agent/internal/agent"
	"github.com/nugget/quill-agent/internal/buildinfo"
	"github.com/nugget/quill-agent/internal/connwatch"
	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/items"
	"github.com/nugget/quill-agent/internal/tools"
	"github.com/nugget/quill-agent/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner answers agent queries.
type Runner interface {
	Run(ctx context.Context, query string) (*agent.Result, error)
}

// Categorizer suggests a category for an item description.
type Categorizer interface {
	Categorize(ctx context.Context, description string) (string, error)
}

// UsageReporter aggregates recorded token usage.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByKind(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports the reachability of external dependencies.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	items       items.Store
	registry    *tools.Registry
	runner      Runner
	categorizer Categorizer
	usage       UsageReporter
	bus         *events.Bus
	health      HealthReporter
	origins     []string
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server. The agent, categorizer, usage and
// event endpoints answer 503 until their collaborators are set.
func NewServer(address string, port int, store items.Store, registry *tools.Registry, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		items:    store,
		registry: registry,
		logger:   logger,
	}
}

// SetRunner configures the agent used by /api/agent/query.
func (s *Server) SetRunner(r Runner) { s.runner = r }

// SetCategorizer configures the model used by /api/ai/categorize.
func (s *Server) SetCategorizer(c Categorizer) { s.categorizer = c }

// SetUsage configures the usage ledger reported by /v1/usage.
func (s *Server) SetUsage(u UsageReporter) { s.usage = u }

// SetEventBus configures the bus streamed by /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// SetHealth configures the dependency report included in /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetAllowedOrigins configures CORS. "*" allows any origin.
func (s *Server) SetAllowedOrigins(origins []string) { s.origins = origins }

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Items
	mux.HandleFunc("GET /api/items", s.handleItemList)
	mux.HandleFunc("GET /api/items/{id}", s.handleItemGet)
	mux.HandleFunc("POST /api/items", s.handleItemCreate)
	mux.HandleFunc("PUT /api/items/{id}", s.handleItemUpdate)
	mux.HandleFunc("DELETE /api/items/{id}", s.handleItemDelete)

	// Inference
	mux.HandleFunc("POST /api/ai/categorize", s.handleCategorize)
	mux.HandleFunc("POST /api/agent/query", s.handleAgentQuery)

	// Tools
	mux.HandleFunc("GET /api/tools", s.handleToolList)
	mux.HandleFunc("POST /api/tools/execute", s.handleToolExecute)

	// Observability
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Agent runs may take several model round-trips.
		WriteTimeout: 5 * time.Minute,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "tools", len(s.registry.Names()))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

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

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			if slices.Contains(s.origins, "*") {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string   `json:"error"`
	Tag       string   `json:"tag,omitempty"`
	Available []string `json:"available,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, tag, message string) {
	s.writeError(w, code, errorBody{Error: message, Tag: tag})
}

func (s *Server) writeError(w http.ResponseWriter, code int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

func (s *Server) writeOK(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	writeJSON(w, v, s.logger)
}

// decodeBody reads a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, http.StatusOK, map[string]string{
		"message": "Welcome to the Quill API with AI Agent!",
	})
}

// handleHealth always answers 200 while the process serves requests.
// An unreachable dependency only downgrades the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":           "healthy",
		"agent_configured": s.runner != nil,
		"tools":            len(s.registry.Names()),
		"uptime":           buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.health != nil {
		if !s.health.Ready() {
			body["status"] = "degraded"
		}
		body["services"] = s.health.Status()
	}
	s.writeOK(w, http.StatusOK, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, http.StatusOK, buildinfo.Info())
}
