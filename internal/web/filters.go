package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arctek/actifix/internal/db"
)

// dbEventFilter builds an event filter from query parameters.
func dbEventFilter(r *http.Request) db.EventFilter {
	q := r.URL.Query()
	f := db.EventFilter{
		EventType:     q.Get("type"),
		TicketID:      q.Get("ticket_id"),
		CorrelationID: q.Get("correlation_id"),
		Level:         q.Get("level"),
		Source:        q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = ts
		}
	}
	return f
}

// dbEventFilterForTicket is dbEventFilter pinned to the path's ticket ID.
func dbEventFilterForTicket(r *http.Request) db.EventFilter {
	f := dbEventFilter(r)
	f.TicketID = r.PathValue("id")
	return f
}
