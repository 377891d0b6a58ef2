// Package ingest implements the record-error pipeline: normalisation,
// deduplication, classification, throttling, redaction, and durable
// write-through with a fallback queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/queue"
	"github.com/arctek/actifix/internal/redact"
	"github.com/arctek/actifix/internal/throttle"
	"github.com/arctek/actifix/internal/ticket"
	"github.com/arctek/actifix/internal/webhook"
)

// RaiseOrigin is the caller declaration required when origin enforcement
// is on.
const RaiseOrigin = "raise_af"

// sentinelFile under the state dir turns origin enforcement on even when
// the env flag is absent.
const sentinelFile = ".enforce_raise_af"

// ErrOriginRejected is returned when origin enforcement is on and the
// caller did not declare the raise origin.
var ErrOriginRejected = errors.New("ticket mutation rejected: origin is not raise_af")

// Options are the optional per-call inputs to RecordError.
type Options struct {
	RunLabel       string
	ErrorType      string
	Priority       ticket.Priority
	StackTrace     string
	CaptureContext bool
	SkipNotes      bool
	CorrelationID  string
	Origin         string
}

// Pipeline is the record-error orchestrator.
type Pipeline struct {
	cfg       config.Config
	bundle    paths.Bundle
	store     *db.Store
	events    *db.EventLog
	throttler *throttle.Throttler
	fallback  *queue.Queue
	notifier  *webhook.Notifier
	logger    *slog.Logger

	// onPersist, when set, runs after a successful create (used to
	// opportunistically drain the fallback queue).
	onPersist func()

	envMu      sync.Mutex
	envCache   map[string]string
	envCacheAt time.Time

	disabledOnce sync.Once
}

// New wires the pipeline.
func New(cfg config.Config, bundle paths.Bundle, store *db.Store, events *db.EventLog, throttler *throttle.Throttler, fallback *queue.Queue, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		bundle:    bundle,
		store:     store,
		events:    events,
		throttler: throttler,
		fallback:  fallback,
		logger:    logger,
	}
}

// SetPersistHook registers a callback run after each successful persist.
func (p *Pipeline) SetPersistHook(fn func()) {
	p.onPersist = fn
}

// SetNotifier enables ticket.created webhook fan-out after each persist.
func (p *Pipeline) SetNotifier(n *webhook.Notifier) {
	p.notifier = n
}

// RecordError is the hot path: it turns a runtime error into a durable
// ticket. Degraded conditions (capture disabled, duplicate, throttled)
// return (nil, nil): the caller gets no ticket and no error, and the
// details land in the event log. Only the origin gate and programmer
// errors surface as errors.
func (p *Pipeline) RecordError(message, source string, opts Options) (*ticket.Ticket, error) {
	// 1. Origin gate.
	if p.originEnforced() && opts.Origin != RaiseOrigin && paths.Env("ACTIFIX_CHANGE_ORIGIN") != RaiseOrigin {
		return nil, ErrOriginRejected
	}

	// 2. Normalise.
	message = strings.TrimSpace(message)
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	runLabel := strings.TrimSpace(opts.RunLabel)
	if runLabel == "" {
		runLabel = "unspecified"
	}
	errorType := strings.TrimSpace(opts.ErrorType)
	if errorType == "" {
		errorType = "UnknownError"
	}
	if len(message) > p.cfg.MaxMessageLength {
		message = message[:p.cfg.MaxMessageLength]
	}

	// 3. Stack trace: capture if absent, always redact and bound.
	stack := opts.StackTrace
	if stack == "" {
		stack = string(debug.Stack())
	}
	stack = truncateStack(redact.Redact(stack), p.cfg.ContextTruncateSize)
	message = redact.Redact(message)

	// 4. Duplicate guard.
	guard := ComputeGuard(errorType, message, firstMeaningfulStackLine(stack))

	// 5. Duplicate check. A live ticket for the same guard suppresses the
	// new one; a completed ticket does too (no auto-reopen).
	if existing, err := p.store.CheckDuplicateGuard(guard); err == nil && existing != nil {
		p.events.Log(ticket.Event{
			EventType: "DUPLICATE_SUPPRESSED", Level: ticket.LevelDebug,
			Message: fmt.Sprintf("duplicate of %s (guard %s)", existing.ID, guard),
			TicketID: existing.ID, Source: source,
		})
		return nil, nil
	}

	// 6. Priority.
	priority := opts.Priority
	if priority == "" {
		priority = ClassifyPriority(errorType, message)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}

	// 7. Capture enabled?
	if !p.captureEnabled() {
		p.disabledOnce.Do(func() {
			p.logger.Info("error capture disabled; dropping errors")
		})
		return nil, nil
	}

	// 8. Throttle.
	if err := p.throttler.Check(priority); err != nil {
		var terr *throttle.Error
		if errors.As(err, &terr) {
			p.events.Log(ticket.Event{
				EventType: "THROTTLED", Level: ticket.LevelWarning,
				Message: terr.Error(), Source: source,
			})
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	// 9. Context capture. Minimal-context priorities (P4) skip the
	// expensive part.
	var fileContext map[string]string
	var systemState map[string]any
	if opts.CaptureContext && priority != ticket.PriorityP4 {
		fileContext = captureFileContext(source, p.cfg.ContextTruncateSize)
		systemState = p.captureSystemState()
	}

	// 10. Assemble.
	t := &ticket.Ticket{
		ID:             ticket.NewID(now),
		DuplicateGuard: guard,
		Priority:       priority,
		ErrorType:      errorType,
		Message:        message,
		Source:         source,
		RunLabel:       runLabel,
		CorrelationID:  correlationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		FormatVersion:  ticket.FormatVersion,
		Status:         ticket.StatusOpen,
		StackTrace:     stack,
		FileContext:    fileContext,
		SystemState:    systemState,
	}
	if !opts.SkipNotes {
		t.AIRemediationNotes = buildNotes(t)
	}

	// 11. Persist, with fallback.
	created, err := p.store.CreateTicket(t)
	if err != nil {
		p.enqueueFallback(t)
		return t, nil
	}
	if !created {
		// Lost the race to another writer with the same guard.
		return nil, nil
	}

	p.throttler.Record(priority, t.ID, errorType)
	p.events.Log(ticket.Event{
		EventType: db.EventTicketCreated, Level: ticket.LevelInfo,
		Message: fmt.Sprintf("%s %s: %s", priority, errorType, firstLine(message)),
		TicketID: t.ID, CorrelationID: correlationID, Source: source,
	})
	p.appendListEntry(t)

	if p.notifier != nil {
		p.notifier.Notify(context.Background(), "ticket.created", t)
	}
	if p.onPersist != nil {
		p.onPersist()
	}
	return t, nil
}

// appendListEntry keeps the human-readable backlog markdown in step with
// the store. Keyed on the ticket ID so replays never duplicate lines.
func (p *Pipeline) appendListEntry(t *ticket.Ticket) {
	line := fmt.Sprintf("- [ ] %s %s %s: %s (%s)\n",
		t.ID, t.Priority, t.ErrorType, firstLine(t.Message), t.Source)
	if _, err := fsatomic.IdempotentAppend(p.bundle.ListFile, line, t.ID); err != nil {
		p.logger.Debug("failed to append backlog list entry", "error", err)
	}
}

func (p *Pipeline) enqueueFallback(t *ticket.Ticket) {
	payload, _ := json.Marshal(t)
	_, qerr := p.fallback.Enqueue(queue.OpWrite, "ticket:"+t.ID, string(payload), map[string]string{
		"kind":  "create_ticket",
		"guard": t.DuplicateGuard,
	})
	if qerr != nil {
		p.logger.Error("fallback enqueue failed; ticket exists only in memory",
			"ticket", t.ID, "error", qerr)
		return
	}
	p.events.Log(ticket.Event{
		EventType: db.EventFallbackQueue, Level: ticket.LevelWarning,
		Message: "store unavailable; ticket queued for replay",
		TicketID: t.ID, CorrelationID: t.CorrelationID, Source: t.Source,
	})
}

// ReplayHandler returns the fallback-queue handler that applies queued
// create-ticket operations to the store. The store's duplicate guard makes
// replay effectively once.
func (p *Pipeline) ReplayHandler() func(queue.Entry) bool {
	return func(e queue.Entry) bool {
		if e.Operation != queue.OpWrite || !strings.HasPrefix(e.Key, "ticket:") {
			return true // unknown entry kinds are dropped, not retried forever
		}
		var t ticket.Ticket
		if err := json.Unmarshal([]byte(e.Content), &t); err != nil {
			return true
		}
		_, err := p.store.CreateTicket(&t)
		return err == nil
	}
}

func (p *Pipeline) captureEnabled() bool {
	if v := paths.Env("ACTIFIX_CAPTURE_ENABLED"); v != "" {
		return paths.ParseBool(v, p.cfg.CaptureEnabled)
	}
	return p.cfg.CaptureEnabled
}

func (p *Pipeline) originEnforced() bool {
	if p.cfg.EnforceRaiseOrigin {
		return true
	}
	if paths.ParseBool(paths.Env("ACTIFIX_ENFORCE_RAISE_AF"), false) {
		return true
	}
	return fileExists(p.bundle.StateDir + "/" + sentinelFile)
}

// buildNotes renders the structured remediation notes persisted with the
// ticket: Root Cause / Impact / Action plus context summaries.
func buildNotes(t *ticket.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Root Cause: %s (%s) at %s\n", firstLine(t.Message), t.ErrorType, t.Source)
	fmt.Fprintf(&b, "Impact: priority %s error in run %s\n", t.Priority, t.RunLabel)
	b.WriteString("Action: reproduce with the captured stack, fix, and add a regression test.\n")

	if t.StackTrace != "" {
		b.WriteString("\nStack (truncated):\n")
		b.WriteString(firstNLines(t.StackTrace, 12))
	}
	for path := range t.FileContext {
		fmt.Fprintf(&b, "\nContext captured for %s\n", path)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstNLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
