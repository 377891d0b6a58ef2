package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/ticket"
)

// Well-known event types.
const (
	EventTicketCreated     = "TICKET_CREATED"
	EventTicketCompleted   = "TICKET_COMPLETED"
	EventFallbackQueue     = "FALLBACK_QUEUE"
	EventDispatchStarted   = "DISPATCH_STARTED"
	EventDispatchSuccess   = "DISPATCH_SUCCESS"
	EventDispatchFailed    = "DISPATCH_FAILED"
	EventNoTickets         = "NO_TICKETS"
	EventBootstrapComplete = "BOOTSTRAP_COMPLETE"
	EventCrashDetected     = "CRASH_DETECTED"
	EventWebhookAttempt    = "WEBHOOK_ATTEMPT"
	EventModuleTimeout     = "MODULE_UNREGISTER_TIMEOUT"
	EventSlowOperation     = "SLOW_OPERATION"
)

// asyncBuffer is the depth of the async writer channel. Under backpressure
// the oldest queued event is dropped, never the caller blocked.
const asyncBuffer = 1024

// EventLog is the append-only structured event stream.
//
// Writes go through a single background worker by default; Synchronous mode
// (tests, shutdown paths) writes inline. Log never returns an error: event
// logging must not create recursive failure paths.
type EventLog struct {
	db         *DB
	mu         sync.Mutex
	ch         chan ticket.Event
	done       chan struct{}
	closed     bool
	mirrorPath string
	mirrorMax  int

	// Synchronous forces inline writes. Set before first Log call.
	Synchronous bool
}

// NewEventLog creates the event log and starts its writer.
func NewEventLog(db *DB) *EventLog {
	l := &EventLog{
		db:   db,
		ch:   make(chan ticket.Event, asyncBuffer),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *EventLog) run() {
	defer close(l.done)
	for ev := range l.ch {
		l.write(ev)
	}
}

// Log appends an event. Errors are swallowed.
func (l *EventLog) Log(ev ticket.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = ticket.LevelInfo
	}

	if l.Synchronous {
		l.write(ev)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.write(ev)
		return
	}
	for {
		select {
		case l.ch <- ev:
			return
		default:
			// Channel full: drop the oldest queued event to make room.
			select {
			case <-l.ch:
			default:
			}
		}
	}
}

// Logf is a convenience for simple INFO events.
func (l *EventLog) Logf(eventType, format string, args ...any) {
	l.Log(ticket.Event{EventType: eventType, Message: fmt.Sprintf(format, args...)})
}

// SetMirror also appends each event as a text line to path, size-bounded
// at maxBytes. Set before the first Log call.
func (l *EventLog) SetMirror(path string, maxBytes int) {
	l.mirrorPath = path
	l.mirrorMax = maxBytes
}

func (l *EventLog) write(ev ticket.Event) {
	_, _ = l.db.Exec(`
		INSERT INTO event_log (timestamp, event_type, level, message, ticket_id, correlation_id, source, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Timestamp.UTC(), ev.EventType, ev.Level, ev.Message,
		nullStr(ev.TicketID), nullStr(ev.CorrelationID), nullStr(ev.Source), nullStr(ev.ExtraJSON))

	if l.mirrorPath != "" {
		line := fmt.Sprintf("%s %s %s %s %s\n",
			ev.Timestamp.UTC().Format(time.RFC3339), ev.Level, ev.EventType, ev.TicketID, ev.Message)
		_ = fsatomic.AppendWithGuard(l.mirrorPath, line, l.mirrorMax)
	}
}

// Flush drains the async channel and stops the worker. Safe to call more
// than once; after Flush, Log writes inline.
func (l *EventLog) Flush() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done
}

// EventFilter narrows Get queries.
type EventFilter struct {
	EventType     string
	TicketID      string
	CorrelationID string
	Level         string
	Source        string
	Since         time.Time
	Limit         int
	Offset        int
}

// Get returns events matching the filter, newest first.
func (l *EventLog) Get(f EventFilter) ([]ticket.Event, error) {
	var conds []string
	var args []any

	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.TicketID != "" {
		conds = append(conds, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, f.Level)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, timestamp, event_type, level, message, ticket_id, correlation_id, source, extra_json FROM event_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ticket.Event
	for rows.Next() {
		var ev ticket.Event
		var tid, cid, src, extra sql.NullString
		var msg sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &ev.Level, &msg, &tid, &cid, &src, &extra); err != nil {
			return nil, err
		}
		ev.Message = msg.String
		ev.TicketID = tid.String
		ev.CorrelationID = cid.String
		ev.Source = src.String
		ev.ExtraJSON = extra.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneOldEvents deletes events older than the given number of days.
// Pruning by age is the only mutation the event log permits.
func (l *EventLog) PruneOldEvents(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := l.db.Exec("DELETE FROM event_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns event counts by level and type.
func (l *EventLog) Stats() (map[string]int, error) {
	out := make(map[string]int)

	rows, err := l.db.Query("SELECT level, COUNT(*) FROM event_log GROUP BY level")
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		out["level:"+level] = n
		total += n
	}
	out["total"] = total
	return out, rows.Err()
}
