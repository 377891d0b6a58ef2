// Package dispatch claims open tickets under a lease and drives them
// through a fix handler. The default handler asks the provider chain for a
// remediation; tests and embedders can swap in their own.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/provider"
	"github.com/arctek/actifix/internal/ticket"
	"github.com/arctek/actifix/internal/webhook"
)

// hookTimeout bounds each completion hook script.
const hookTimeout = 30 * time.Second

// leaseMargin is added to the dispatch timeout when computing the claim
// lease, so a slow-but-alive dispatch does not lose its lock mid-flight.
const leaseMargin = 60 * time.Second

// slowOpThreshold marks dispatch attempts worth flagging in the event log.
// Variable so tests can tighten it.
var slowOpThreshold = 2 * time.Second

// ErrNoTickets is returned by ProcessNextTicket when nothing is claimable.
var ErrNoTickets = errors.New("no open tickets to dispatch")

// Handler produces a completion summary for one claimed ticket. An error
// releases the claim so another worker can retry later.
type Handler func(ctx context.Context, t *ticket.Ticket) (summary string, err error)

// Result describes one dispatch attempt.
type Result struct {
	TicketID string        `json:"ticket_id"`
	Success  bool          `json:"success"`
	Summary  string        `json:"summary,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Provider provider.Kind `json:"provider,omitempty"`
}

// Dispatcher claims and processes tickets.
type Dispatcher struct {
	cfg      config.Config
	store    *db.Store
	events   *db.EventLog
	router   *provider.Router
	notifier *webhook.Notifier
	logger   *slog.Logger
	holder   string
	handler  Handler
}

// New builds a dispatcher with the default AI handler. notifier may be nil.
func New(cfg config.Config, store *db.Store, events *db.EventLog, router *provider.Router, notifier *webhook.Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		events:   events,
		router:   router,
		notifier: notifier,
		logger:   logger,
		holder:   fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
	}
	d.handler = d.aiHandler
	return d
}

// SetHandler replaces the fix handler. Tests use this.
func (d *Dispatcher) SetHandler(h Handler) {
	d.handler = h
}

// Holder returns the lease-holder identity of this dispatcher.
func (d *Dispatcher) Holder() string {
	return d.holder
}

// ProcessNextTicket claims the highest-priority open ticket and runs it
// through the handler. Returns ErrNoTickets when the backlog is empty.
func (d *Dispatcher) ProcessNextTicket(ctx context.Context, priorityFilter []ticket.Priority) (*Result, error) {
	lease := d.cfg.DispatchTimeout + leaseMargin

	t, err := d.store.GetAndLockNextTicket(d.holder, lease, priorityFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to claim ticket: %w", err)
	}
	if t == nil {
		d.events.Log(ticket.Event{
			EventType: db.EventNoTickets, Level: ticket.LevelDebug,
			Message: "dispatch pass found no claimable tickets", Source: "dispatch",
		})
		return nil, ErrNoTickets
	}

	return d.process(ctx, t), nil
}

// ProcessTickets runs dispatch passes until the backlog is empty, limit
// tickets have been processed, or the context is cancelled. limit <= 0
// means "until empty".
func (d *Dispatcher) ProcessTickets(ctx context.Context, limit int, priorityFilter []ticket.Priority) ([]Result, error) {
	var results []Result
	for limit <= 0 || len(results) < limit {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := d.ProcessNextTicket(ctx, priorityFilter)
		if errors.Is(err, ErrNoTickets) {
			return results, nil
		}
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

func (d *Dispatcher) process(ctx context.Context, t *ticket.Ticket) *Result {
	start := time.Now()
	res := &Result{TicketID: t.ID}

	d.events.Log(ticket.Event{
		EventType: db.EventDispatchStarted, Level: ticket.LevelInfo,
		Message:  fmt.Sprintf("dispatching %s %s via holder %s", t.Priority, t.ErrorType, d.holder),
		TicketID: t.ID, CorrelationID: t.CorrelationID, Source: "dispatch",
	})

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	summary, err := d.runHandler(dctx, t)
	res.Duration = time.Since(start)

	if res.Duration > slowOpThreshold {
		d.events.Log(ticket.Event{
			EventType: db.EventSlowOperation, Level: ticket.LevelWarning,
			Message:  fmt.Sprintf("dispatch handler took %s", res.Duration.Round(time.Millisecond)),
			TicketID: t.ID, CorrelationID: t.CorrelationID, Source: "dispatch",
		})
	}

	if err != nil {
		res.Error = err.Error()
		d.events.Log(ticket.Event{
			EventType: db.EventDispatchFailed, Level: ticket.LevelError,
			Message:  fmt.Sprintf("dispatch failed after %s: %v", res.Duration.Round(time.Millisecond), err),
			TicketID: t.ID, CorrelationID: t.CorrelationID, Source: "dispatch",
		})
		if rerr := d.store.ReleaseLock(t.ID, d.holder); rerr != nil {
			d.logger.Warn("failed to release claim after dispatch failure", "ticket", t.ID, "error", rerr)
		}
		return res
	}

	if err := d.store.MarkComplete(t.ID, summary); err != nil {
		res.Error = fmt.Sprintf("completing ticket: %v", err)
		_ = d.store.ReleaseLock(t.ID, d.holder)
		return res
	}

	res.Success = true
	res.Summary = summary
	d.events.Log(ticket.Event{
		EventType: db.EventDispatchSuccess, Level: ticket.LevelInfo,
		Message:  fmt.Sprintf("dispatch completed in %s", res.Duration.Round(time.Millisecond)),
		TicketID: t.ID, CorrelationID: t.CorrelationID, Source: "dispatch",
	})
	d.events.Log(ticket.Event{
		EventType: db.EventTicketCompleted, Level: ticket.LevelInfo,
		Message:  "ticket completed: " + summaryFirstLine(summary),
		TicketID: t.ID, CorrelationID: t.CorrelationID, Source: "dispatch",
	})

	d.runCompletionHooks(ctx, t)
	if d.notifier != nil {
		completed := *t
		completed.Status = ticket.StatusCompleted
		d.notifier.Notify(ctx, "ticket.completed", &completed)
	}
	return res
}

// runHandler shields the dispatcher from a panicking handler: a panic is a
// dispatch failure, not a process crash.
func (d *Dispatcher) runHandler(ctx context.Context, t *ticket.Ticket) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.handler(ctx, t)
}

// aiHandler is the default handler: it asks the provider chain for a fix
// and uses the response content as the completion summary. With AI disabled
// the ticket is completed with a manual-review marker instead of failing.
func (d *Dispatcher) aiHandler(ctx context.Context, t *ticket.Ticket) (string, error) {
	if !d.cfg.AIEnabled || d.router == nil {
		return "AI dispatch disabled; queued for manual review", nil
	}

	req := &provider.FixRequest{
		TicketID:   t.ID,
		ErrorType:  t.ErrorType,
		Message:    t.Message,
		Source:     t.Source,
		Priority:   string(t.Priority),
		StackTrace: t.StackTrace,
		Notes:      t.AIRemediationNotes,
		Model:      d.cfg.AIModel,
	}

	preferred := provider.Kind(d.cfg.AIProvider)
	resp, err := d.router.GenerateFix(ctx, req, preferred, false)
	if err != nil {
		return "", fmt.Errorf("failed to generate fix: %w", err)
	}

	return fmt.Sprintf("[%s/%s]\n%s", resp.Provider, resp.Model, resp.Content), nil
}

// runCompletionHooks executes each configured hook script with the ticket
// identity in its environment. Hook failures are logged, never fatal.
func (d *Dispatcher) runCompletionHooks(ctx context.Context, t *ticket.Ticket) {
	for _, script := range d.cfg.CompletionHookScripts {
		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		cmd := exec.CommandContext(hctx, script)
		cmd.Env = append(os.Environ(),
			"ACTIFIX_TICKET_ID="+t.ID,
			"ACTIFIX_TICKET_PRIORITY="+string(t.Priority),
			"ACTIFIX_TICKET_ERROR_TYPE="+t.ErrorType,
		)
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			d.logger.Warn("completion hook failed",
				"script", script, "ticket", t.ID, "error", err, "output", truncate(string(out), 500))
		}
	}
}

func summaryFirstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
