// Package throttle enforces ticket-creation rate limits. Dispatch is never
// throttled; only creation is.
package throttle

import (
	"fmt"
	"sync"
	"time"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/ticket"
)

// Error is the typed throttle rejection. Callers log it and drop the
// creation; they never retry.
type Error struct {
	Priority ticket.Priority
	Rule     string
	Limit    int
	Window   time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("throttled: %s limit %d per %s exceeded (%s)", e.Priority, e.Limit, e.Window, e.Rule)
}

type creation struct {
	priority ticket.Priority
	at       time.Time
}

// Throttler gates ticket creation. State is an in-memory ring backed by the
// durable ticket_creations ledger; the ring answers Check without touching
// the database, the ledger survives restarts.
type Throttler struct {
	mu     sync.Mutex
	cfg    config.Config
	db     *db.DB
	recent []creation
}

// New builds a throttler and warms the in-memory window from the ledger.
func New(cfg config.Config, database *db.DB) *Throttler {
	t := &Throttler{cfg: cfg, db: database}
	t.warm()
	return t
}

func (t *Throttler) warm() {
	if t.db == nil {
		return
	}
	// Only the last 24h matters; longer windows than that do not exist.
	// The ledger keeps real per-row timestamps, so the rebuilt window
	// counts exactly what the previous process counted.
	rows, err := t.db.TicketCreationsSince(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		return
	}
	for _, r := range rows {
		t.recent = append(t.recent, creation{priority: ticket.Priority(r.Priority), at: r.Timestamp.UTC()})
	}
}

// Check returns a typed *Error if creating a ticket of the given priority
// would exceed a limit. P0 and P1 are never throttled, but they still count
// toward the emergency brake.
func (t *Throttler) Check(p ticket.Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.prune(now)

	// Emergency brake: too many creations of any priority in the rolling
	// window blocks everything except P0/P1.
	if p != ticket.PriorityP0 && p != ticket.PriorityP1 {
		window := time.Duration(t.cfg.EmergencyWindowMin) * time.Minute
		if t.countAll(now.Add(-window)) >= t.cfg.EmergencyThreshold {
			return &Error{Priority: p, Rule: "emergency_brake", Limit: t.cfg.EmergencyThreshold, Window: window}
		}
	}

	switch p {
	case ticket.PriorityP0, ticket.PriorityP1:
		return nil
	case ticket.PriorityP2:
		if t.count(p, now.Add(-time.Hour)) >= t.cfg.MaxP2TicketsPerHour {
			return &Error{Priority: p, Rule: "p2_hourly", Limit: t.cfg.MaxP2TicketsPerHour, Window: time.Hour}
		}
	case ticket.PriorityP3:
		if t.count(p, now.Add(-4*time.Hour)) >= t.cfg.MaxP3TicketsPer4H {
			return &Error{Priority: p, Rule: "p3_4h", Limit: t.cfg.MaxP3TicketsPer4H, Window: 4 * time.Hour}
		}
	case ticket.PriorityP4:
		if t.count(p, now.Add(-24*time.Hour)) >= t.cfg.MaxP4TicketsPerDay {
			return &Error{Priority: p, Rule: "p4_daily", Limit: t.cfg.MaxP4TicketsPerDay, Window: 24 * time.Hour}
		}
	}
	return nil
}

// Record logs a ticket creation in the ring and the durable ledger.
func (t *Throttler) Record(p ticket.Priority, ticketID, errorType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.recent = append(t.recent, creation{priority: p, at: now})

	if t.db != nil {
		_ = t.db.RecordTicketCreation(string(p), now, ticketID, errorType)
	}
}

// PruneLedger drops ledger rows older than 24 hours. Run periodically.
func (t *Throttler) PruneLedger() {
	if t.db != nil {
		_ = t.db.PruneTicketCreations(time.Now().UTC().Add(-24 * time.Hour))
	}
}

func (t *Throttler) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := t.recent[:0]
	for _, c := range t.recent {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	t.recent = kept
}

func (t *Throttler) count(p ticket.Priority, since time.Time) int {
	n := 0
	for _, c := range t.recent {
		if c.priority == p && !c.at.Before(since) {
			n++
		}
	}
	return n
}

func (t *Throttler) countAll(since time.Time) int {
	n := 0
	for _, c := range t.recent {
		if !c.at.Before(since) {
			n++
		}
	}
	return n
}
