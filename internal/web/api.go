package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/arctek/actifix/internal/dispatch"
	"github.com/arctek/actifix/internal/health"
	"github.com/arctek/actifix/internal/ingest"
	"github.com/arctek/actifix/internal/provider"
	"github.com/arctek/actifix/internal/ticket"
)

// apiGetTickets lists tickets, filtered by query parameters.
func (s *Server) apiGetTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := ticket.Filter{
		Status:        ticket.Status(q.Get("status")),
		Priority:      ticket.Priority(q.Get("priority")),
		Owner:         q.Get("owner"),
		CorrelationID: q.Get("correlation_id"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("locked"); v != "" {
		locked := v == "true" || v == "1"
		f.Locked = &locked
	}

	tickets, err := s.store.GetTickets(f)
	if err != nil {
		s.jsonError(w, "failed to get tickets", http.StatusInternalServerError)
		return
	}

	summaries := make([]map[string]any, 0, len(tickets))
	for _, t := range tickets {
		summaries = append(summaries, map[string]any{
			"ticket_id":  t.ID,
			"error_type": t.ErrorType,
			"message":    truncateStr(t.Message, 100),
			"source":     t.Source,
			"priority":   t.Priority,
			"created":    t.CreatedAt,
			"status":     t.Status,
		})
	}

	stats, err := s.store.GetStats()
	if err != nil {
		s.jsonError(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{
		"tickets":         summaries,
		"count":           len(summaries),
		"total_open":      stats.ByStatus[ticket.StatusOpen],
		"total_completed": stats.ByStatus[ticket.StatusCompleted],
	})
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// apiGetTicket returns a single ticket by ID.
func (s *Server) apiGetTicket(w http.ResponseWriter, r *http.Request) {
	t, found := s.store.GetTicket(r.PathValue("id"))
	if !found {
		s.jsonError(w, "ticket not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, t)
}

// apiUpdateTicket applies a partial update from a JSON field map.
func (s *Server) apiUpdateTicket(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	id := r.PathValue("id")

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(fields) == 0 {
		s.jsonError(w, "no fields to update", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateTicket(id, fields); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, _ := s.store.GetTicket(id)
	s.jsonResponse(w, t)
}

// apiDeleteTicket removes a ticket.
func (s *Server) apiDeleteTicket(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	if err := s.store.DeleteTicket(r.PathValue("id")); err != nil {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiCompleteTicket marks a ticket complete with an optional summary.
func (s *Server) apiCompleteTicket(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	id := r.PathValue("id")

	var body struct {
		Summary string `json:"summary"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.store.MarkComplete(id, body.Summary); err != nil {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	t, _ := s.store.GetTicket(id)
	s.jsonResponse(w, t)
}

// apiClaimTicket acquires a lease on a ticket for the named holder.
func (s *Server) apiClaimTicket(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	id := r.PathValue("id")

	var body struct {
		Holder       string `json:"holder"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Holder == "" {
		s.jsonError(w, "holder is required", http.StatusBadRequest)
		return
	}
	lease := time.Duration(body.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 10 * time.Minute
	}

	lock, err := s.store.AcquireLock(id, body.Holder, lease)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if lock == nil {
		s.jsonError(w, "ticket is already claimed", http.StatusConflict)
		return
	}
	s.jsonResponse(w, lock)
}

// apiReleaseTicket releases a held lease.
func (s *Server) apiReleaseTicket(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	var body struct {
		Holder string `json:"holder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Holder == "" {
		s.jsonError(w, "holder is required", http.StatusBadRequest)
		return
	}
	if err := s.store.ReleaseLock(r.PathValue("id"), body.Holder); err != nil {
		s.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiGetTicketEvents returns the event history for one ticket.
func (s *Server) apiGetTicketEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.Get(dbEventFilterForTicket(r))
	if err != nil {
		s.jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, events)
}

// apiRenderTicket renders the ticket's remediation notes as HTML.
func (s *Server) apiRenderTicket(w http.ResponseWriter, r *http.Request) {
	t, found := s.store.GetTicket(r.PathValue("id"))
	if !found {
		s.jsonError(w, "ticket not found", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(t.AIRemediationNotes), &buf); err != nil {
		buf.Reset()
		buf.WriteString(template.HTMLEscapeString(t.AIRemediationNotes))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<h1>%s</h1>\n<p><strong>%s</strong> %s &middot; %s</p>\n%s",
		template.HTMLEscapeString(t.ID),
		template.HTMLEscapeString(string(t.Priority)),
		template.HTMLEscapeString(t.ErrorType),
		template.HTMLEscapeString(string(t.Status)),
		buf.String())
}

// RecordErrorRequest is the body for POST /api/record.
type RecordErrorRequest struct {
	Message        string `json:"message"`
	Source         string `json:"source"`
	ErrorType      string `json:"error_type"`
	Priority       string `json:"priority"`
	RunLabel       string `json:"run_label"`
	StackTrace     string `json:"stack_trace"`
	CorrelationID  string `json:"correlation_id"`
	CaptureContext bool   `json:"capture_context"`
}

// apiRecordError feeds an error into the ingestion pipeline.
func (s *Server) apiRecordError(w http.ResponseWriter, r *http.Request) {
	var req RecordErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	t, err := s.pipeline.RecordError(req.Message, req.Source, ingest.Options{
		ErrorType:      req.ErrorType,
		Priority:       ticket.Priority(req.Priority),
		RunLabel:       req.RunLabel,
		StackTrace:     req.StackTrace,
		CorrelationID:  req.CorrelationID,
		CaptureContext: req.CaptureContext,
		Origin:         r.Header.Get("X-Actifix-Origin"),
	})
	if err != nil {
		code := http.StatusInternalServerError
		if err == ingest.ErrOriginRejected {
			code = http.StatusForbidden
		}
		s.jsonError(w, err.Error(), code)
		return
	}
	if t == nil {
		s.jsonResponse(w, map[string]any{"created": false, "reason": "suppressed"})
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, map[string]any{"created": true, "ticket": t})
}

// sentryEvent is the subset of a Sentry store payload we consume.
type sentryEvent struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Logger    string `json:"logger"`
	Platform  string `json:"platform"`
	Exception struct {
		Values []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"values"`
	} `json:"exception"`
}

// sentryLevelPriority maps Sentry severity onto ticket priority.
var sentryLevelPriority = map[string]ticket.Priority{
	"fatal":   ticket.PriorityP0,
	"error":   ticket.PriorityP1,
	"warning": ticket.PriorityP2,
	"info":    ticket.PriorityP3,
	"debug":   ticket.PriorityP4,
}

// apiIngestSentry accepts a Sentry-format event and records it.
func (s *Server) apiIngestSentry(w http.ResponseWriter, r *http.Request) {
	var ev sentryEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.jsonError(w, "invalid sentry payload", http.StatusBadRequest)
		return
	}

	message := ev.Message
	errorType := "SentryEvent"
	if len(ev.Exception.Values) > 0 {
		exc := ev.Exception.Values[0]
		if exc.Type != "" {
			errorType = exc.Type
		}
		if exc.Value != "" {
			message = exc.Value
		}
	}
	if message == "" {
		s.jsonError(w, "event has no message", http.StatusBadRequest)
		return
	}

	priority, ok := sentryLevelPriority[ev.Level]
	if !ok {
		priority = ticket.PriorityP2
	}
	source := ev.Logger
	if source == "" {
		source = "sentry/" + ev.Platform
	}

	t, err := s.pipeline.RecordError(message, source, ingest.Options{
		ErrorType: errorType,
		Priority:  priority,
		RunLabel:  "sentry",
		Origin:    ingest.RaiseOrigin,
	})
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		s.jsonResponse(w, map[string]any{"created": false})
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, map[string]any{"created": true, "id": t.ID})
}

// apiDispatchNext triggers one dispatch pass.
func (s *Server) apiDispatchNext(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	res, err := s.dispatcher.ProcessNextTicket(r.Context(), nil)
	if err == dispatch.ErrNoTickets {
		s.jsonResponse(w, map[string]any{"dispatched": false})
		return
	}
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, res)
}

// apiGetStats returns ticket statistics.
func (s *Server) apiGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.jsonError(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, stats)
}

// apiGetEvents returns recent events, filtered by query parameters.
func (s *Server) apiGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.Get(dbEventFilter(r))
	if err != nil {
		s.jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, events)
}

// apiGetHealth runs a health check. Critical status maps to HTTP 503.
func (s *Server) apiGetHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.checker.Check()
	if s.metrics != nil {
		s.metrics.Update(snap)
	}

	payload := map[string]any{
		"healthy":   snap.Status == health.StatusHealthy,
		"status":    snap.Status,
		"timestamp": snap.GeneratedAt,
		"metrics": map[string]any{
			"open":                   snap.OpenTickets,
			"completed":              snap.Completed,
			"sla_breaches":           len(snap.SLABreaches),
			"oldest_ticket_age_hours": snap.OldestOpenAgeHours,
		},
		"filesystem": map[string]any{
			"files_exist":    snap.FilesExist,
			"files_writable": snap.FilesWritable,
		},
		"warnings": snap.Warnings,
		"errors":   snap.Errors,
		"details":  snap,
	}

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == health.StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// apiGetQueue returns the fallback queue contents.
func (s *Server) apiGetQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.fallback.Entries()
	if err != nil {
		s.jsonError(w, "failed to read queue", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"entries": entries, "depth": len(entries)})
}

// apiReplayQueue drains the fallback queue into the store.
func (s *Server) apiReplayQueue(w http.ResponseWriter, r *http.Request) {
	if !s.requireRaiseOrigin(w, r) {
		return
	}
	result, err := s.fallback.Replay(s.pipeline.ReplayHandler(), s.config().MaxRetries)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, result)
}

// apiGetProviders reports the provider chain status. Also serves
// /api/ai-status.
func (s *Server) apiGetProviders(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	status := s.router.GetStatus(provider.Kind(cfg.AIProvider), false)
	s.jsonResponse(w, map[string]any{
		"ai_enabled":      cfg.AIEnabled,
		"active_provider": status.ActiveProvider,
		"active_model":    status.ActiveModel,
		"chain":           status.Chain,
		"providers":       status.Providers,
	})
}
