package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/dispatch"
	"github.com/arctek/actifix/internal/health"
	"github.com/arctek/actifix/internal/ingest"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/queue"
	"github.com/arctek/actifix/internal/throttle"
	"github.com/arctek/actifix/internal/ticket"
)

type apiFixture struct {
	srv    *httptest.Server
	store  *db.Store
	bundle paths.Bundle
}

func newAPIFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()

	root := t.TempDir()
	bundle, err := paths.Resolve(paths.Overrides{ProjectRoot: root})
	require.NoError(t, err)
	require.NoError(t, bundle.EnsureDirs())

	cfg := config.Default()
	cfg.AIEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	database, err := db.Open(bundle.TicketDBPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	events := db.NewEventLog(database)
	events.Synchronous = true
	fallback := queue.New(bundle.FallbackQueuePath, 100, 72)
	throttler := throttle.New(cfg, database)
	pipeline := ingest.New(cfg, bundle, store, events, throttler, fallback, nil)
	dispatcher := dispatch.New(cfg, store, events, nil, nil, nil)
	checker := health.New(cfg, bundle, database, store, events, fallback)

	server := NewServer(Deps{
		Config:     cfg,
		Bundle:     bundle,
		Version:    "test",
		Store:      store,
		Events:     events,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Checker:    checker,
		Fallback:   fallback,
	})

	srv := httptest.NewServer(server.handler())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: store, bundle: bundle}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) seedTicket(t *testing.T, id string, p ticket.Priority) {
	t.Helper()
	now := time.Now().UTC()
	created, err := f.store.CreateTicket(&ticket.Ticket{
		ID:             id,
		DuplicateGuard: "ACTIFIX-test-" + id,
		Priority:       p,
		ErrorType:      "TestError",
		Message:        "seeded",
		Source:         "server_test.go:1",
		CreatedAt:      now,
		UpdatedAt:      now,
		FormatVersion:  ticket.FormatVersion,
		Status:         ticket.StatusOpen,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestRecordErrorCreatesTicket(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/record",
		`{"message":"db connection refused","source":"app/db.go:10","error_type":"DBError"}`, nil)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["created"])
	tk := body["ticket"].(map[string]any)
	assert.NotEmpty(t, tk["id"])
	assert.Equal(t, "DBError", tk["error_type"])
}

func TestRecordErrorDuplicateSuppressed(t *testing.T) {
	f := newAPIFixture(t, nil)

	payload := `{"message":"same failure","source":"app/x.go:1"}`
	resp, _ := f.do(t, "POST", "/api/record", payload, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, "POST", "/api/record", payload, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, "suppressed", body["reason"])
}

func TestRecordErrorRequiresMessage(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, _ := f.do(t, "POST", "/api/record", `{"source":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestSentryMapsLevelToPriority(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/ingest/sentry",
		`{"level":"fatal","exception":{"values":[{"type":"OSError","value":"disk full"}]}}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id := body["id"].(string)
	tk, found := f.store.GetTicket(id)
	require.True(t, found)
	assert.Equal(t, ticket.PriorityP0, tk.Priority)
	assert.Equal(t, "OSError", tk.ErrorType)
	assert.Equal(t, "disk full", tk.Message)
}

func TestIngestSentryRejectsEmptyEvent(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, _ := f.do(t, "POST", "/api/ingest/sentry", `{"level":"error"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTicketNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, _ := f.do(t, "GET", "/api/tickets/ACT-nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTicketsFiltersByPriority(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-aaa01", ticket.PriorityP1)
	f.seedTicket(t, "ACT-20260824-aaa02", ticket.PriorityP3)

	resp, body := f.do(t, "GET", "/api/tickets?priority=P1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestClaimConflict(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-bbb01", ticket.PriorityP1)

	resp, _ := f.do(t, "POST", "/api/tickets/ACT-20260824-bbb01/claim",
		`{"holder":"worker-1","lease_seconds":60}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/tickets/ACT-20260824-bbb01/claim",
		`{"holder":"worker-2","lease_seconds":60}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClaimThenReleaseAllowsReclaim(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-ccc01", ticket.PriorityP1)

	resp, _ := f.do(t, "POST", "/api/tickets/ACT-20260824-ccc01/claim", `{"holder":"worker-1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/tickets/ACT-20260824-ccc01/release", `{"holder":"worker-1"}`, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/tickets/ACT-20260824-ccc01/claim", `{"holder":"worker-2"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompleteTicket(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-ddd01", ticket.PriorityP2)

	resp, body := f.do(t, "POST", "/api/tickets/ACT-20260824-ddd01/complete",
		`{"summary":"fixed upstream"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(ticket.StatusCompleted), body["status"])
}

func TestUpdateTicketRejectsProtectedField(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-eee01", ticket.PriorityP2)

	resp, _ := f.do(t, "PATCH", "/api/tickets/ACT-20260824-eee01",
		`{"duplicate_guard":"tampered"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOriginEnforcementBlocksMutations(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.EnforceRaiseOrigin = true })
	f.seedTicket(t, "ACT-20260824-fff01", ticket.PriorityP2)

	resp, _ := f.do(t, "PATCH", "/api/tickets/ACT-20260824-fff01", `{"owner":"alice"}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, "PATCH", "/api/tickets/ACT-20260824-fff01", `{"owner":"alice"}`,
		map[string]string{"X-Actifix-Origin": ingest.RaiseOrigin})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reads are never gated.
	resp, _ = f.do(t, "GET", "/api/tickets/ACT-20260824-fff01", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDispatchNextEmptyBacklog(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "POST", "/api/dispatch/next", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["dispatched"])
}

func TestDispatchNextCompletesTicket(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-ggg01", ticket.PriorityP0)

	resp, body := f.do(t, "POST", "/api/dispatch/next", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ACT-20260824-ggg01", body["ticket_id"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, []any{"healthy", "degraded"}, body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-hhh01", ticket.PriorityP1)

	resp, body := f.do(t, "GET", "/api/stats", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
}

func TestQueueEndpointEmpty(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/queue", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["depth"])
}

func TestRenderTicketEscapesAndRendersMarkdown(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260824-iii01", ticket.PriorityP2)
	require.NoError(t, f.store.UpdateTicket("ACT-20260824-iii01",
		map[string]any{"ai_remediation_notes": "## Fix\n\nAdd a nil check."}))

	req, err := http.NewRequest("GET", f.srv.URL+"/api/tickets/ACT-20260824-iii01/render", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	html := string(buf[:n])

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, html, "<h2")
	assert.Contains(t, html, "Add a nil check.")
}

func TestEventsEndpointFiltersByTicket(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, _ := f.do(t, "POST", "/api/record", `{"message":"event source check","source":"a.go:1"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest("GET", f.srv.URL+"/api/events?type=TICKET_CREATED", nil)
	require.NoError(t, err)
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r2.Body.Close()

	var events []map[string]any
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "TICKET_CREATED", events[0]["event_type"])
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, _ := f.do(t, "GET", "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPingEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/ping", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestVersionEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/version", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(ticket.FormatVersion), body["format_version"])
}

func TestSystemEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/system", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["pid"], float64(0))
	assert.Equal(t, f.bundle.DataDir, body["data_dir"])
	assert.Equal(t, f.bundle.TicketDBPath, body["database"])
	assert.Equal(t, float64(0), body["queue_depth"])
}

func TestModulesEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/modules", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "module-statuses.v1", body["schema_version"])
	assert.Contains(t, body, "statuses")
}

func TestSettingsGetAndUpdate(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/settings", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["capture_enabled"])

	resp, body = f.do(t, "POST", "/api/settings", `{"capture_enabled":false}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["capture_enabled"])

	_, err := os.Stat(filepath.Join(f.bundle.StateDir, "settings.yaml"))
	assert.NoError(t, err)

	resp, body = f.do(t, "GET", "/api/settings", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["capture_enabled"])
}

func TestLogsEndpointTypeFilters(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, _ := f.do(t, "POST", "/api/record", `{"message":"log view check","source":"a.go:1"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, "GET", "/api/logs?type=audit", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = f.do(t, "GET", "/api/logs?type=errors", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])

	resp, _ = f.do(t, "GET", "/api/logs?type=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFixTicketManualCompletion(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260825-jjj01", ticket.PriorityP1)

	resp, body := f.do(t, "POST", "/api/fix-ticket",
		`{"summary":"restarted the worker","test_results":"no recurrence"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["fixed"])
	assert.Equal(t, "ACT-20260825-jjj01", body["ticket_id"])

	tk, found := f.store.GetTicket("ACT-20260825-jjj01")
	require.True(t, found)
	assert.Equal(t, ticket.StatusCompleted, tk.Status)
}

func TestFixTicketEmptyBacklog(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "POST", "/api/fix-ticket", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["fixed"])
	assert.Equal(t, "no open tickets", body["reason"])
}

func TestFixTicketDispatchesWithoutNotes(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedTicket(t, "ACT-20260825-kkk01", ticket.PriorityP0)

	resp, body := f.do(t, "POST", "/api/fix-ticket", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["fixed"])
	assert.Equal(t, "ACT-20260825-kkk01", body["ticket_id"])
}

func TestAIStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, body := f.do(t, "GET", "/api/ai-status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ai_enabled"])
}

func TestFallbackQueuePathUnderStateDir(t *testing.T) {
	root := t.TempDir()
	bundle, err := paths.Resolve(paths.Overrides{ProjectRoot: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "state"), filepath.Dir(bundle.FallbackQueuePath))
}
