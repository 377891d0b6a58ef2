package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/actifix/internal/ticket"
)

func testEventLog(t *testing.T) *EventLog {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	l := NewEventLog(database)
	l.Synchronous = true
	return l
}

func TestEventLogWriteAndGet(t *testing.T) {
	l := testEventLog(t)

	l.Log(ticket.Event{EventType: EventTicketCreated, Message: "first", TicketID: "ACT-1"})
	l.Log(ticket.Event{EventType: EventDispatchFailed, Level: ticket.LevelError, Message: "second"})

	events, err := l.Get(EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, EventDispatchFailed, events[0].EventType)
	assert.Equal(t, ticket.LevelError, events[0].Level)
	assert.Equal(t, EventTicketCreated, events[1].EventType)
	assert.Equal(t, ticket.LevelInfo, events[1].Level, "missing level defaults to INFO")
}

func TestEventLogFilters(t *testing.T) {
	l := testEventLog(t)

	l.Log(ticket.Event{EventType: EventTicketCreated, TicketID: "ACT-1", Message: "a"})
	l.Log(ticket.Event{EventType: EventTicketCreated, TicketID: "ACT-2", Message: "b"})
	l.Log(ticket.Event{EventType: EventNoTickets, Message: "c"})

	byTicket, err := l.Get(EventFilter{TicketID: "ACT-1"})
	require.NoError(t, err)
	require.Len(t, byTicket, 1)
	assert.Equal(t, "a", byTicket[0].Message)

	byType, err := l.Get(EventFilter{EventType: EventTicketCreated})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := l.Get(EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEventLogAcceptsUnknownTicketIDs(t *testing.T) {
	l := testEventLog(t)

	// Fallback-queue events reference tickets that never reached the
	// tickets table; the log must keep them anyway.
	l.Log(ticket.Event{
		EventType: EventFallbackQueue, Level: ticket.LevelWarning,
		Message: "store unavailable; ticket queued for replay",
		TicketID: "ACT-20260825-nope1",
	})

	events, err := l.Get(EventFilter{EventType: EventFallbackQueue})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ACT-20260825-nope1", events[0].TicketID)
}

func TestEventLogAsyncFlush(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	l := NewEventLog(database)
	for i := 0; i < 50; i++ {
		l.Log(ticket.Event{EventType: EventSlowOperation, Message: "op"})
	}
	l.Flush()

	events, err := l.Get(EventFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, events, 50)

	// After Flush, Log writes inline and nothing is lost.
	l.Log(ticket.Event{EventType: EventNoTickets, Message: "late"})
	events, err = l.Get(EventFilter{EventType: EventNoTickets})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLogPruneOldEvents(t *testing.T) {
	l := testEventLog(t)

	l.Log(ticket.Event{EventType: EventTicketCreated, Message: "old", Timestamp: time.Now().UTC().AddDate(0, 0, -40)})
	l.Log(ticket.Event{EventType: EventTicketCreated, Message: "fresh"})

	n, err := l.PruneOldEvents(30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := l.Get(EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Message)
}
