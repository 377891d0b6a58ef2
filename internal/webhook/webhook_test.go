package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/actifix/internal/ticket"
)

func sampleTicket() *ticket.Ticket {
	now := time.Now().UTC()
	return &ticket.Ticket{
		ID:            "ACT-20260824-abc01",
		Priority:      ticket.PriorityP1,
		ErrorType:     "DBError",
		Message:       "connection refused",
		Source:        "app/db.go:10",
		RunLabel:      "nightly",
		CorrelationID: "corr-1",
		Status:        ticket.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
		StackTrace:    "goroutine 1 [running]:\nsecret stack",
		FileContext: map[string]string{
			"app/db.go": "private code",
		},
	}
}

func TestNotifyDeliversSanitizedPayload(t *testing.T) {
	var mu sync.Mutex
	var got Payload
	var ua string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		ua = r.Header.Get("User-Agent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New([]string{srv.URL}, nil, nil)
	n.Notify(context.Background(), "ticket.created", sampleTicket())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Actifix-Webhook/1.0", ua)
	assert.Equal(t, "ticket.created", got.Event)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "ACT-20260824-abc01", got.Ticket.ID)
	assert.Equal(t, "ACT-20260824-abc01", got.Ticket.TicketID)
	assert.Equal(t, "P1", got.Ticket.Priority)
	assert.Equal(t, "connection refused", got.Ticket.Message)
	assert.Equal(t, "nightly", got.Ticket.RunLabel)
	assert.Equal(t, "corr-1", got.Ticket.CorrelationID)
	assert.False(t, got.Ticket.UpdatedAt.IsZero())
}

func TestNotifyNeverSendsStackOrContext(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64<<10)
		n, _ := r.Body.Read(buf)
		body = string(buf[:n])
	}))
	defer srv.Close()

	n := New([]string{srv.URL}, nil, nil)
	n.Notify(context.Background(), "ticket.created", sampleTicket())

	assert.NotContains(t, body, "secret stack")
	assert.NotContains(t, body, "private code")
}

func TestNotifyTruncatesLongMessages(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	tk := sampleTicket()
	tk.Message = strings.Repeat("x", 5000)

	n := New([]string{srv.URL}, nil, nil)
	n.Notify(context.Background(), "ticket.created", tk)

	assert.Len(t, got.Ticket.Message, maxMessageLen)
}

func TestNotifyFansOutToAllURLs(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)

	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
		}
	}
	a := httptest.NewServer(handler("a"))
	defer a.Close()
	b := httptest.NewServer(handler("b"))
	defer b.Close()

	n := New([]string{a.URL, b.URL}, nil, nil)
	n.Notify(context.Background(), "ticket.completed", sampleTicket())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits["a"])
	assert.Equal(t, 1, hits["b"])
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New([]string{srv.URL}, nil, nil)
	n.Notify(context.Background(), "ticket.created", sampleTicket())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestNotifyFailureDoesNotPropagate(t *testing.T) {
	// No listener on this address; delivery fails every attempt.
	n := New([]string{"http://127.0.0.1:1/hook"}, nil, nil)
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), "ticket.created", sampleTicket())
	})
}

func TestRetryBackoffStartsAtHalfSecond(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, retryBackoff(1))
	assert.Equal(t, time.Second, retryBackoff(2))
}

func TestNotifyNoURLsIsNoop(t *testing.T) {
	n := New(nil, nil, nil)
	n.Notify(context.Background(), "ticket.created", sampleTicket())
	n.Notify(context.Background(), "ticket.created", nil)
}
