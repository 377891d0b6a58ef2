package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/dispatch"
	"github.com/arctek/actifix/internal/lifecycle"
	"github.com/arctek/actifix/internal/ticket"
)

// fixHolder is the lease holder name for API-driven completions.
const fixHolder = "api-fix"

// apiPing is the liveness probe.
func (s *Server) apiPing(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// apiVersion reports the build version.
func (s *Server) apiVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"version":        s.version,
		"format_version": ticket.FormatVersion,
	})
}

// apiSystem reports process and environment facts for the dashboard.
func (s *Server) apiSystem(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	uptime := time.Since(s.startedAt)
	if s.uptime != nil {
		uptime = s.uptime()
	}

	payload := map[string]any{
		"hostname":       hostname,
		"pid":            os.Getpid(),
		"go_version":     runtime.Version(),
		"version":        s.version,
		"uptime_seconds": int64(uptime.Seconds()),
		"data_dir":       s.bundle.DataDir,
		"state_dir":      s.bundle.StateDir,
		"logs_dir":       s.bundle.LogsDir,
		"database":       s.bundle.TicketDBPath,
		"queue_depth":    s.fallback.Len(),
	}
	if s.workers != nil {
		payload["workers"] = s.workers()
	}
	s.jsonResponse(w, payload)
}

// apiModules reports the persisted module groups plus, when the server
// runs under a lifecycle registry, the live per-module states.
func (s *Server) apiModules(w http.ResponseWriter, r *http.Request) {
	sets, err := lifecycle.LoadStatusSets(lifecycle.StatusFilePath(s.bundle))
	if err != nil {
		s.jsonError(w, "failed to read module statuses", http.StatusInternalServerError)
		return
	}

	payload := map[string]any{
		"schema_version": "module-statuses.v1",
		"statuses":       sets,
	}
	if s.modules != nil {
		payload["modules"] = s.modules()
	}
	s.jsonResponse(w, payload)
}

// settingsView is the mutable settings subset exposed over the API.
func (s *Server) settingsView() map[string]any {
	cfg := s.config()
	return map[string]any{
		"capture_enabled":      cfg.CaptureEnabled,
		"enforce_raise_origin": cfg.EnforceRaiseOrigin,
		"ai_enabled":           cfg.AIEnabled,
		"ai_provider":          cfg.AIProvider,
		"ai_model":             cfg.AIModel,
		"webhook_urls":         cfg.WebhookURLs,
	}
}

func (s *Server) apiGetSettings(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.settingsView())
}

// apiUpdateSettings applies a partial settings update, persists it to the
// overlay file, and swaps the live config.
func (s *Server) apiUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}

	var overlay config.Overlay
	if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
		s.jsonError(w, "invalid settings payload", http.StatusBadRequest)
		return
	}

	cfg := s.config()
	overlay.Apply(&cfg)
	if errs := cfg.Validate(s.bundle); len(errs) > 0 {
		s.jsonError(w, errs[0].Error(), http.StatusBadRequest)
		return
	}

	merged, err := config.LoadOverlay(config.OverlayPath(s.bundle))
	if err != nil {
		merged = config.Overlay{}
	}
	mergeOverlay(&merged, overlay)
	if err := config.SaveOverlay(config.OverlayPath(s.bundle), merged); err != nil {
		s.jsonError(w, "failed to persist settings", http.StatusInternalServerError)
		return
	}

	s.setConfig(cfg)
	s.logger.Info("settings updated via API")
	s.jsonResponse(w, s.settingsView())
}

func mergeOverlay(dst *config.Overlay, src config.Overlay) {
	if src.CaptureEnabled != nil {
		dst.CaptureEnabled = src.CaptureEnabled
	}
	if src.EnforceRaiseOrigin != nil {
		dst.EnforceRaiseOrigin = src.EnforceRaiseOrigin
	}
	if src.AIEnabled != nil {
		dst.AIEnabled = src.AIEnabled
	}
	if src.AIProvider != nil {
		dst.AIProvider = src.AIProvider
	}
	if src.AIModel != nil {
		dst.AIModel = src.AIModel
	}
	if src.WebhookURLs != nil {
		dst.WebhookURLs = src.WebhookURLs
	}
}

// apiGetLogs serves the named log views: audit (everything), errors
// (ERROR and above), setup (bootstrap events). lines bounds the result.
func (s *Server) apiGetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := db.EventFilter{Limit: 100}
	if v := q.Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	switch q.Get("type") {
	case "", "audit":
	case "errors":
		f.Level = ticket.LevelError
	case "setup":
		f.EventType = db.EventBootstrapComplete
	default:
		s.jsonError(w, "unknown log type", http.StatusBadRequest)
		return
	}

	events, err := s.events.Get(f)
	if err != nil {
		s.jsonError(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"logs": events, "count": len(events)})
}

// fixTicketRequest carries optional completion metadata. When any field is
// set the highest-priority open ticket is completed manually with the
// given notes; otherwise one AI dispatch pass runs.
type fixTicketRequest struct {
	CompletionNotes      string `json:"completion_notes"`
	TestSteps            string `json:"test_steps"`
	TestResults          string `json:"test_results"`
	Summary              string `json:"summary"`
	TestDocumentationURL string `json:"test_documentation_url"`
}

func (req fixTicketRequest) manual() bool {
	return req.CompletionNotes != "" || req.Summary != "" || req.TestResults != ""
}

func (req fixTicketRequest) composedSummary() string {
	summary := req.Summary
	if summary == "" {
		summary = req.CompletionNotes
	}
	if req.TestSteps != "" {
		summary += "\nTest steps: " + req.TestSteps
	}
	if req.TestResults != "" {
		summary += "\nTest results: " + req.TestResults
	}
	if req.TestDocumentationURL != "" {
		summary += "\nTest documentation: " + req.TestDocumentationURL
	}
	return summary
}

// apiFixTicket completes or dispatches the highest-priority open ticket.
func (s *Server) apiFixTicket(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}

	var req fixTicketRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !req.manual() {
		res, err := s.dispatcher.ProcessNextTicket(r.Context(), nil)
		if err == dispatch.ErrNoTickets {
			s.jsonResponse(w, map[string]any{"fixed": false, "reason": "no open tickets"})
			return
		}
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]any{"fixed": res.Success, "ticket_id": res.TicketID, "result": res})
		return
	}

	t, err := s.store.GetAndLockNextTicket(fixHolder, 10*time.Minute, nil)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		s.jsonResponse(w, map[string]any{"fixed": false, "reason": "no open tickets"})
		return
	}

	if err := s.store.MarkComplete(t.ID, req.composedSummary()); err != nil {
		_ = s.store.ReleaseLock(t.ID, fixHolder)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.events.Log(ticket.Event{
		EventType: db.EventTicketCompleted,
		Message:   fmt.Sprintf("completed via fix-ticket: %s", t.ID),
		TicketID:  t.ID,
		Source:    "api",
	})
	s.jsonResponse(w, map[string]any{"fixed": true, "ticket_id": t.ID})
}
