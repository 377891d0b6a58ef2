// Package ticket defines the canonical error-record model shared by the
// store, the ingestion pipeline, and the dispatcher.
package ticket

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Priority classifies how urgent a ticket is. P0 is most urgent.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// Ordinal returns the sort position of a priority; P0 sorts first.
// Ordering by ordinal, never by the string, keeps "P10" style extensions
// from ever sorting lexicographically.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	case PriorityP4:
		return 4
	default:
		return 5
	}
}

// Valid reports whether p is one of the five known priorities.
func (p Priority) Valid() bool {
	return p.Ordinal() < 5
}

// Status is the work state of a ticket.
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// FormatVersion is the current on-disk ticket format.
const FormatVersion = 2

// Ticket is the canonical error record.
type Ticket struct {
	ID             string   `json:"id"`
	DuplicateGuard string   `json:"duplicate_guard"`
	Priority       Priority `json:"priority"`
	ErrorType      string   `json:"error_type"`
	Message        string   `json:"message"`
	Source         string   `json:"source"`

	RunLabel      string    `json:"run_label,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FormatVersion int       `json:"format_version"`

	Status      Status `json:"status"`
	Documented  bool   `json:"documented"`
	Functioning bool   `json:"functioning"`
	Tested      bool   `json:"tested"`
	Completed   bool   `json:"completed"`

	LockedBy     string     `json:"locked_by,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	Branch       string     `json:"branch,omitempty"`

	StackTrace         string            `json:"stack_trace,omitempty"`
	FileContext        map[string]string `json:"file_context,omitempty"`
	SystemState        map[string]any    `json:"system_state,omitempty"`
	AIRemediationNotes string            `json:"ai_remediation_notes,omitempty"`
	CompletionSummary  string            `json:"completion_summary,omitempty"`
}

// Locked reports whether the ticket currently holds a live lease.
func (t *Ticket) Locked(now time.Time) bool {
	return t.LockedBy != "" && t.LeaseExpires != nil && t.LeaseExpires.After(now)
}

// Lock describes a held lease on a ticket.
type Lock struct {
	TicketID     string    `json:"ticket_id"`
	Holder       string    `json:"holder"`
	LockedAt     time.Time `json:"locked_at"`
	LeaseExpires time.Time `json:"lease_expires"`
}

// Filter narrows GetTickets queries. Zero values mean "no constraint".
type Filter struct {
	Status        Status
	Priority      Priority
	Owner         string
	Locked        *bool
	CreatedAfter  time.Time
	CreatedBefore time.Time
	CorrelationID string
	Limit         int
	Offset        int
}

// Stats is the store-level ticket breakdown.
type Stats struct {
	Total      int              `json:"total"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
	Locked     int              `json:"locked"`
}

// Event is one append-only observation in the event log.
type Event struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	TicketID      string    `json:"ticket_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	ExtraJSON     string    `json:"extra_json,omitempty"`
}

// Event levels.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// NewID mints a ticket ID of the form ACT-YYYYMMDD-XXXXX where the suffix
// is five random hex characters. The date component keeps IDs roughly
// sortable and human-scannable.
func NewID(now time.Time) string {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	suffix := hex.EncodeToString(buf[:])[:5]
	return fmt.Sprintf("ACT-%s-%s", now.UTC().Format("20060102"), suffix)
}
