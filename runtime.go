// Package actifix wires the error-tracking runtime: resolved paths, config,
// the ticket store, the ingestion pipeline, dispatch, and the background
// maintenance workers.
package actifix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
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
	"github.com/arctek/actifix/internal/ratelimit"
	"github.com/arctek/actifix/internal/throttle"
	"github.com/arctek/actifix/internal/ticket"
	"github.com/arctek/actifix/internal/webhook"
)

// ErrNoTicketsToDispatch mirrors the dispatcher's empty-backlog sentinel
// for callers working at the runtime level.
var ErrNoTicketsToDispatch = dispatch.ErrNoTickets

// legacyQueueFile is the pre-1.0 fallback queue location inside the data
// directory; it is merged into the canonical state-dir queue on startup.
const legacyQueueFile = "fallback_queue.json"

// Runtime owns every long-lived component.
type Runtime struct {
	Bundle paths.Bundle
	Config config.Config
	Logger *slog.Logger

	DB         *db.DB
	Store      *db.Store
	Events     *db.EventLog
	Fallback   *queue.Queue
	Throttler  *throttle.Throttler
	Limiter    *ratelimit.Limiter
	Router     *provider.Router
	Pipeline   *ingest.Pipeline
	Notifier   *webhook.Notifier
	Dispatcher *dispatch.Dispatcher
	Checker    *health.Checker
	Metrics    *health.Metrics

	State   *lifecycle.StateFile
	workers *WorkerManager
}

// NewRuntime builds and connects every component. failFast controls config
// validation strictness: servers fail fast, the error-recording path keeps
// a best-effort config so capture never dies to a config typo.
func NewRuntime(overrides paths.Overrides, logger *slog.Logger, failFast bool) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bundle, err := paths.Resolve(overrides)
	if err != nil {
		return nil, err
	}
	if err := bundle.EnsureDirs(); err != nil {
		return nil, err
	}

	cfg, cfgErrs := config.Load(bundle, failFast)
	if cfg == nil {
		return nil, fmt.Errorf("invalid configuration: %w", cfgErrs[0])
	}
	for _, cerr := range cfgErrs {
		logger.Warn("configuration problem", "error", cerr)
	}

	database, err := db.Open(bundle.TicketDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ticket database: %w", err)
	}

	rt := &Runtime{
		Bundle: bundle,
		Config: *cfg,
		Logger: logger,
		DB:     database,
		Store:  db.NewStore(database),
		Events: db.NewEventLog(database),
		State:  lifecycle.NewStateFile(bundle),
	}

	rt.Events.SetMirror(bundle.EventLogPath, cfg.MaxLogSizeBytes)

	rt.Fallback = queue.New(bundle.FallbackQueuePath, cfg.QueueMaxEntries, cfg.QueueMaxAgeHours)
	rt.Fallback.SetQuarantineDir(bundle.QuarantineDir)
	if err := rt.Fallback.MigrateLegacy(filepath.Join(bundle.DataDir, legacyQueueFile)); err != nil {
		logger.Warn("legacy queue migration failed", "error", err)
	}

	rt.Throttler = throttle.New(*cfg, database)
	rt.Limiter = ratelimit.New(database)
	rt.Router = provider.NewRouter(rt.Limiter, cfg.AITimeout, cfg.MaxRetries)
	rt.Notifier = webhook.New(cfg.WebhookURLs, rt.Events, logger)

	rt.Pipeline = ingest.New(*cfg, bundle, rt.Store, rt.Events, rt.Throttler, rt.Fallback, logger)
	rt.Pipeline.SetNotifier(rt.Notifier)
	rt.Pipeline.SetPersistHook(func() {
		if rt.Fallback.Len() > 0 {
			_, _ = rt.Fallback.Replay(rt.Pipeline.ReplayHandler(), cfg.MaxRetries)
		}
	})

	rt.Dispatcher = dispatch.New(*cfg, rt.Store, rt.Events, rt.Router, rt.Notifier, logger)
	rt.Checker = health.New(*cfg, bundle, database, rt.Store, rt.Events, rt.Fallback)
	rt.Metrics = health.NewMetrics(rt.Checker)

	rt.detectCrash()

	if err := rt.State.Transition(lifecycle.StateRunning); err != nil {
		logger.Warn("failed to persist app state", "error", err)
	}
	rt.Events.Log(ticket.Event{
		EventType: db.EventBootstrapComplete,
		Message:   "runtime initialised",
		Source:    "runtime",
	})

	return rt, nil
}

// detectCrash files a crash report when the previous run died without a
// clean shutdown.
func (rt *Runtime) detectCrash() {
	prev, crashed := rt.State.DetectCrash()
	if !crashed {
		return
	}

	detail := fmt.Sprintf("previous run (pid %d on %s) ended in state %q without shutdown",
		prev.PID, prev.Hostname, prev.Status)
	rt.Logger.Warn("crash detected from previous run", "pid", prev.PID, "state", prev.Status)

	snapshot, _ := json.Marshal(prev)
	if err := rt.DB.RecordCrash(time.Now().UTC(), string(snapshot)); err != nil {
		rt.Logger.Warn("failed to record crash report", "error", err)
	}
	rt.Events.Log(ticket.Event{
		EventType: db.EventCrashDetected,
		Level:     ticket.LevelWarning,
		Message:   detail,
		Source:    "lifecycle",
	})
}

// StartWorkers launches the background maintenance loops.
func (rt *Runtime) StartWorkers(ctx context.Context) {
	rt.workers = NewWorkerManager(rt)
	rt.workers.Start(ctx)
}

// StopWorkers stops the background loops. Idempotent; a no-op when workers
// were never started.
func (rt *Runtime) StopWorkers() {
	if rt.workers != nil {
		rt.workers.Stop()
	}
}

// WorkerStatuses reports the background worker states, empty when workers
// were never started.
func (rt *Runtime) WorkerStatuses() []WorkerStatus {
	if rt.workers == nil {
		return nil
	}
	return rt.workers.GetStatuses()
}

// Shutdown stops workers, flushes the event log, and closes the database.
// Safe to call once at process exit.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if err := rt.State.Transition(lifecycle.StateShuttingDown); err != nil {
		rt.Logger.Warn("failed to persist shutdown state", "error", err)
	}

	if rt.workers != nil {
		done := make(chan struct{})
		go func() {
			rt.workers.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			rt.Logger.Error("background workers did not stop in time")
		}
	}

	rt.Events.Flush()

	err := rt.DB.Close()
	if serr := rt.State.Transition(lifecycle.StateStopped); serr != nil {
		rt.Logger.Warn("failed to persist stopped state", "error", serr)
	}
	return err
}

// RecordError is the embedding-friendly entry point: applications link the
// runtime and call this from their error paths.
func (rt *Runtime) RecordError(message, source string, opts ingest.Options) (*ticket.Ticket, error) {
	return rt.Pipeline.RecordError(message, source, opts)
}

// Uptime convenience for status surfaces.
func (rt *Runtime) Uptime() time.Duration {
	st, err := rt.State.Load()
	if err != nil || st == nil {
		return 0
	}
	return time.Since(st.StartedAt)
}
