// Package web provides the HTTP API surface: ticket CRUD, claiming,
// ingestion, health, and metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/dispatch"
	"github.com/arctek/actifix/internal/health"
	"github.com/arctek/actifix/internal/ingest"
	"github.com/arctek/actifix/internal/lifecycle"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/provider"
	"github.com/arctek/actifix/internal/queue"
	"github.com/arctek/actifix/internal/ticket"
)

// Server is the actifix API server. The settings endpoint can mutate the
// config at runtime, so all reads go through config().
type Server struct {
	cfgMu      sync.RWMutex
	cfg        config.Config
	bundle     paths.Bundle
	version    string
	store      *db.Store
	events     *db.EventLog
	pipeline   *ingest.Pipeline
	dispatcher *dispatch.Dispatcher
	checker    *health.Checker
	metrics    *health.Metrics
	router     *provider.Router
	fallback   *queue.Queue
	modules    func() map[string]lifecycle.ModuleStatus
	uptime     func() time.Duration
	workers    func() any
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// Deps are the collaborators the server exposes over HTTP. Modules,
// Uptime, and Workers are optional probes for the system endpoints.
type Deps struct {
	Config     config.Config
	Bundle     paths.Bundle
	Version    string
	Store      *db.Store
	Events     *db.EventLog
	Pipeline   *ingest.Pipeline
	Dispatcher *dispatch.Dispatcher
	Checker    *health.Checker
	Metrics    *health.Metrics
	Router     *provider.Router
	Fallback   *queue.Queue
	Modules    func() map[string]lifecycle.ModuleStatus
	Uptime     func() time.Duration
	Workers    func() any
	Logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		cfg:        d.Config,
		bundle:     d.Bundle,
		version:    version,
		store:      d.Store,
		events:     d.Events,
		pipeline:   d.Pipeline,
		dispatcher: d.Dispatcher,
		checker:    d.Checker,
		metrics:    d.Metrics,
		router:     d.Router,
		fallback:   d.Fallback,
		modules:    d.Modules,
		uptime:     d.Uptime,
		workers:    d.Workers,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// config returns a copy of the current configuration.
func (s *Server) config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) setConfig(cfg config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

// Start binds the routes and serves until Shutdown or a listen error.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// handler builds the route table with logging and panic recovery applied.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	// Ticket API
	mux.HandleFunc("GET /api/tickets", s.apiGetTickets)
	mux.HandleFunc("GET /api/tickets/{id}", s.apiGetTicket)
	mux.HandleFunc("PATCH /api/tickets/{id}", s.apiUpdateTicket)
	mux.HandleFunc("DELETE /api/tickets/{id}", s.apiDeleteTicket)
	mux.HandleFunc("POST /api/tickets/{id}/complete", s.apiCompleteTicket)
	mux.HandleFunc("POST /api/tickets/{id}/claim", s.apiClaimTicket)
	mux.HandleFunc("POST /api/tickets/{id}/release", s.apiReleaseTicket)
	mux.HandleFunc("GET /api/tickets/{id}/events", s.apiGetTicketEvents)
	mux.HandleFunc("GET /api/tickets/{id}/render", s.apiRenderTicket)

	// Ingestion
	mux.HandleFunc("POST /api/record", s.apiRecordError)
	mux.HandleFunc("POST /api/ingest/sentry", s.apiIngestSentry)

	// Dispatch
	mux.HandleFunc("POST /api/dispatch/next", s.apiDispatchNext)
	mux.HandleFunc("POST /api/fix-ticket", s.apiFixTicket)

	// Observability
	mux.HandleFunc("GET /api/stats", s.apiGetStats)
	mux.HandleFunc("GET /api/events", s.apiGetEvents)
	mux.HandleFunc("GET /api/logs", s.apiGetLogs)
	mux.HandleFunc("GET /api/health", s.apiGetHealth)
	mux.HandleFunc("GET /api/queue", s.apiGetQueue)
	mux.HandleFunc("POST /api/queue/replay", s.apiReplayQueue)
	mux.HandleFunc("GET /api/providers", s.apiGetProviders)
	mux.HandleFunc("GET /api/ai-status", s.apiGetProviders)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// System
	mux.HandleFunc("GET /api/ping", s.apiPing)
	mux.HandleFunc("GET /api/version", s.apiVersion)
	mux.HandleFunc("GET /api/system", s.apiSystem)
	mux.HandleFunc("GET /api/modules", s.apiModules)
	mux.HandleFunc("GET /api/settings", s.apiGetSettings)
	mux.HandleFunc("POST /api/settings", s.apiUpdateSettings)

	return s.withRecovery(s.withLogging(mux))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// withLogging wraps a handler with request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// withRecovery converts a panicking handler into a 500 and files a ticket
// for it, so the API's own failures enter the same pipeline as everything
// else.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
			if s.pipeline != nil {
				_, _ = s.pipeline.RecordError(
					fmt.Sprintf("panic serving %s %s: %v", r.Method, r.URL.Path, rec),
					"internal/web",
					ingest.Options{
						ErrorType: "HandlerPanic",
						Priority:  ticket.PriorityP2,
						RunLabel:  "api",
						Origin:    ingest.RaiseOrigin,
					})
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// requireRaiseOrigin gates mutating endpoints when origin enforcement is
// on: the caller must send X-Actifix-Origin: raise_af.
func (s *Server) requireRaiseOrigin(w http.ResponseWriter, r *http.Request) bool {
	if !s.config().EnforceRaiseOrigin && !paths.ParseBool(paths.Env("ACTIFIX_ENFORCE_RAISE_AF"), false) {
		return true
	}
	if r.Header.Get("X-Actifix-Origin") == ingest.RaiseOrigin {
		return true
	}
	s.jsonError(w, "mutation rejected: missing raise_af origin", http.StatusForbidden)
	return false
}

func (s *Server) jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
