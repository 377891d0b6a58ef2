// Package webhook posts ticket notifications to configured endpoints.
// Delivery is best effort: failures are logged and never propagate to the
// caller.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/ticket"
)

const (
	userAgent      = "Actifix-Webhook/1.0"
	requestTimeout = 5 * time.Second
	maxRetries     = 2
	maxMessageLen  = 1000
)

// TicketPayload is the sanitised subset of a ticket sent to webhooks.
// Stack traces, file context, and system state never leave the host.
type TicketPayload struct {
	ID            string    `json:"id"`
	TicketID      string    `json:"ticket_id"`
	Priority      string    `json:"priority"`
	ErrorType     string    `json:"error_type"`
	Message       string    `json:"message"`
	Source        string    `json:"source"`
	RunLabel      string    `json:"run_label,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Payload is the webhook envelope: the event name, the send time, and the
// sanitised ticket.
type Payload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Ticket    TicketPayload `json:"ticket"`
}

// Notifier fans a notification out to every configured URL.
type Notifier struct {
	urls   []string
	client *http.Client
	events *db.EventLog
	logger *slog.Logger
}

// New creates a notifier. events may be nil.
func New(urls []string, events *db.EventLog, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		urls:   urls,
		client: &http.Client{Timeout: requestTimeout},
		events: events,
		logger: logger,
	}
}

// Notify sends the event to every configured URL sequentially. One failing
// endpoint does not stop the others, and nothing is returned to the caller.
func (n *Notifier) Notify(ctx context.Context, event string, t *ticket.Ticket) {
	if len(n.urls) == 0 || t == nil {
		return
	}

	payload := buildPayload(event, t)
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload encode failed", "error", err)
		return
	}

	for _, url := range n.urls {
		n.deliver(ctx, url, body, t.ID, event)
	}
}

func buildPayload(event string, t *ticket.Ticket) Payload {
	msg := t.Message
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Ticket: TicketPayload{
			ID:            t.ID,
			TicketID:      t.ID,
			Priority:      string(t.Priority),
			ErrorType:     t.ErrorType,
			Message:       msg,
			Source:        t.Source,
			RunLabel:      t.RunLabel,
			CreatedAt:     t.CreatedAt,
			UpdatedAt:     t.UpdatedAt,
			Status:        string(t.Status),
			CorrelationID: t.CorrelationID,
		},
	}
}

// deliver posts the body with retries (0.5s, then 1s backoff). Every
// attempt is recorded in the event log with its outcome.
func (n *Notifier) deliver(ctx context.Context, url string, body []byte, ticketID, event string) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return
			}
		}

		status, err := n.post(ctx, url, body)
		ok := err == nil && status >= 200 && status < 300

		n.logAttempt(url, ticketID, event, attempt, status, err, ok)
		if ok {
			return
		}
	}
}

// retryBackoff is 0.5s doubling per retry: 0.5s before the first retry,
// 1s before the second.
func retryBackoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (n *Notifier) logAttempt(url, ticketID, event string, attempt, status int, err error, ok bool) {
	outcome := fmt.Sprintf("attempt %d to %s: HTTP %d", attempt+1, url, status)
	level := ticket.LevelInfo
	if err != nil {
		outcome = fmt.Sprintf("attempt %d to %s: %v", attempt+1, url, err)
		level = ticket.LevelWarning
	} else if !ok {
		level = ticket.LevelWarning
	}

	if n.events != nil {
		n.events.Log(ticket.Event{
			EventType: db.EventWebhookAttempt,
			Level:     level,
			Message:   event + ": " + outcome,
			TicketID:  ticketID,
			Source:    "webhook",
		})
	}
	if !ok {
		n.logger.Warn("webhook delivery failed", "url", url, "ticket", ticketID, "detail", outcome)
	}
}
