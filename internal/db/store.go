package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arctek/actifix/internal/ticket"
)

// Store implements the ticket repository on SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed ticket store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const ticketColumns = `id, duplicate_guard, priority, error_type, message, source,
	run_label, correlation_id, created_at, updated_at, format_version,
	status, documented, functioning, tested, completed,
	locked_by, locked_at, lease_expires, owner, branch,
	stack_trace, file_context, system_state, ai_remediation_notes, completion_summary`

// priorityOrdinal sorts P0 first. An explicit CASE map, not lexicographic:
// string ordering would break the moment a priority label grows a digit.
const priorityOrdinal = `CASE priority
	WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 WHEN 'P2' THEN 2
	WHEN 'P3' THEN 3 WHEN 'P4' THEN 4 ELSE 5 END`

// --- Ticket CRUD ---

// CreateTicket inserts a new ticket. A duplicate_guard collision is not an
// error: it returns created=false and the caller treats the ticket as a
// duplicate.
func (s *Store) CreateTicket(t *ticket.Ticket) (bool, error) {
	fileContext, _ := json.Marshal(t.FileContext)
	systemState, _ := json.Marshal(t.SystemState)

	if t.FormatVersion == 0 {
		t.FormatVersion = ticket.FormatVersion
	}
	if t.Status == "" {
		t.Status = ticket.StatusOpen
	}

	_, err := s.db.Exec(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.DuplicateGuard, string(t.Priority), t.ErrorType, t.Message, t.Source,
		t.RunLabel, t.CorrelationID, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.FormatVersion,
		string(t.Status), t.Documented, t.Functioning, t.Tested, t.Completed,
		nullStr(t.LockedBy), nullTime(t.LockedAt), nullTime(t.LeaseExpires), nullStr(t.Owner), nullStr(t.Branch),
		t.StackTrace, string(fileContext), string(systemState), t.AIRemediationNotes, t.CompletionSummary,
	)
	if err != nil {
		if isDuplicateGuardErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create ticket: %w", err)
	}
	return true, nil
}

// CheckDuplicateGuard returns the ticket holding the given guard, if any.
func (s *Store) CheckDuplicateGuard(guard string) (*ticket.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE duplicate_guard = ?`, guard)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate guard: %w", err)
	}
	return t, nil
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(id string) (*ticket.Ticket, bool) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, false
	}
	return t, true
}

// GetTickets retrieves tickets matching the filter, ordered priority
// ascending (P0 first) then created_at descending.
func (s *Store) GetTickets(f ticket.Filter) ([]ticket.Ticket, error) {
	var conds []string
	var args []any

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Locked != nil {
		if *f.Locked {
			conds = append(conds, "locked_by IS NOT NULL")
		} else {
			conds = append(conds, "locked_by IS NULL")
		}
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ` + priorityOrdinal + `, created_at DESC`

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []ticket.Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// ticketColumnWhitelist names the columns UpdateTicket may touch.
var ticketColumnWhitelist = map[string]bool{
	"priority": true, "error_type": true, "message": true, "source": true,
	"run_label": true, "correlation_id": true, "status": true,
	"documented": true, "functioning": true, "tested": true, "completed": true,
	"owner": true, "branch": true, "stack_trace": true, "file_context": true,
	"system_state": true, "ai_remediation_notes": true, "completion_summary": true,
}

// UpdateTicket applies a partial update. updated_at is always set.
func (s *Store) UpdateTicket(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, val := range fields {
		if !ticketColumnWhitelist[col] {
			return fmt.Errorf("update of column %q not allowed", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.Exec("UPDATE tickets SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found", id)
	}
	return nil
}

// MarkComplete atomically transitions a ticket to Completed: lock fields
// cleared, all four checklist flags set. Idempotent.
func (s *Store) MarkComplete(id, summary string) error {
	res, err := s.db.Exec(`
		UPDATE tickets SET
			status = ?, documented = 1, functioning = 1, tested = 1, completed = 1,
			locked_by = NULL, locked_at = NULL, lease_expires = NULL,
			completion_summary = ?, updated_at = ?
		WHERE id = ?
	`, string(ticket.StatusCompleted), summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found", id)
	}
	return nil
}

// DeleteTicket hard-deletes a row. Reserved for the retention sweep; callers
// must have verified the status first.
func (s *Store) DeleteTicket(id string) error {
	_, err := s.db.Exec("DELETE FROM tickets WHERE id = ?", id)
	return err
}

// --- Lease locks ---

// AcquireLock locks a ticket for the holder. It succeeds iff the row is
// unlocked or its lease has expired. Returns nil on contention.
func (s *Store) AcquireLock(id, holder string, lease time.Duration) (*ticket.Lock, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	res, err := s.db.Exec(`
		UPDATE tickets SET
			locked_by = ?, locked_at = ?, lease_expires = ?, status = ?, updated_at = ?
		WHERE id = ? AND (locked_by IS NULL OR lease_expires < ?)
	`, holder, now, expires, string(ticket.StatusInProgress), now, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return &ticket.Lock{TicketID: id, Holder: holder, LockedAt: now, LeaseExpires: expires}, nil
}

// RenewLock extends the lease. Only the current holder can renew.
func (s *Store) RenewLock(id, holder string, lease time.Duration) (*ticket.Lock, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	res, err := s.db.Exec(`
		UPDATE tickets SET lease_expires = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, expires, now, id, holder)
	if err != nil {
		return nil, fmt.Errorf("failed to renew lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return &ticket.Lock{TicketID: id, Holder: holder, LockedAt: now, LeaseExpires: expires}, nil
}

// ReleaseLock releases a lock held by holder and returns the ticket to Open.
func (s *Store) ReleaseLock(id, holder string) error {
	res, err := s.db.Exec(`
		UPDATE tickets SET
			locked_by = NULL, locked_at = NULL, lease_expires = NULL,
			status = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, string(ticket.StatusOpen), time.Now().UTC(), id, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not locked by %s", id, holder)
	}
	return nil
}

// CleanupExpiredLocks clears every lapsed lease in one statement and
// restores those tickets to Open. Returns the number of rows recovered.
func (s *Store) CleanupExpiredLocks() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE tickets SET
			locked_by = NULL, locked_at = NULL, lease_expires = NULL,
			status = ?, updated_at = ?
		WHERE locked_by IS NOT NULL AND lease_expires < ?
	`, string(ticket.StatusOpen), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetAndLockNextTicket atomically claims the next unit of work: in one
// transaction it recovers expired leases, selects the highest-priority
// oldest Open unlocked ticket (optionally restricted to priorityFilter),
// locks it for holder, and returns the row. Returns nil when no work
// matches.
//
// This is the only race-free way for concurrent workers to pick work;
// a select-then-AcquireLock sequence can hand two workers the same row.
func (s *Store) GetAndLockNextTicket(holder string, lease time.Duration, priorityFilter []ticket.Priority) (*ticket.Ticket, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	_, err = tx.Exec(`
		UPDATE tickets SET
			locked_by = NULL, locked_at = NULL, lease_expires = NULL,
			status = ?, updated_at = ?
		WHERE locked_by IS NOT NULL AND lease_expires < ?
	`, string(ticket.StatusOpen), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cleanup expired locks: %w", err)
	}

	query := `SELECT id FROM tickets WHERE status = ? AND locked_by IS NULL`
	args := []any{string(ticket.StatusOpen)}
	if len(priorityFilter) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(priorityFilter)), ",")
		query += " AND priority IN (" + placeholders + ")"
		for _, p := range priorityFilter {
			args = append(args, string(p))
		}
	}
	query += ` ORDER BY ` + priorityOrdinal + `, created_at ASC LIMIT 1`

	var id string
	err = tx.QueryRow(query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next ticket: %w", err)
	}

	expires := now.Add(lease)
	_, err = tx.Exec(`
		UPDATE tickets SET
			locked_by = ?, locked_at = ?, lease_expires = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, holder, now, expires, string(ticket.StatusInProgress), now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ticket %s: %w", id, err)
	}

	row := tx.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return t, nil
}

// --- Stats & retention ---

// GetStats returns totals, per-status and per-priority breakdowns, and the
// number of currently locked tickets.
func (s *Store) GetStats() (*ticket.Stats, error) {
	stats := &ticket.Stats{
		ByStatus:   make(map[ticket.Status]int),
		ByPriority: make(map[ticket.Priority]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status stats: %w", err)
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[ticket.Status(st)] = n
		stats.Total += n
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT priority, COUNT(*) FROM tickets GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to query priority stats: %w", err)
	}
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByPriority[ticket.Priority(p)] = n
	}
	rows.Close()

	err = s.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE locked_by IS NOT NULL`).Scan(&stats.Locked)
	if err != nil {
		return nil, fmt.Errorf("failed to count locked tickets: %w", err)
	}

	return stats, nil
}

// CompletedOlderThan lists completed tickets whose last update is older than
// the cutoff. Feeds the retention sweep.
func (s *Store) CompletedOlderThan(cutoff time.Time) ([]ticket.Ticket, error) {
	rows, err := s.db.Query(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`, string(ticket.StatusCompleted), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query old tickets: %w", err)
	}
	defer rows.Close()

	var tickets []ticket.Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var priority, status string
	var errorType, message, source, runLabel, correlationID sql.NullString
	var lockedBy, owner, branch sql.NullString
	var lockedAt, leaseExpires sql.NullTime
	var stackTrace, fileContext, systemState, notes, summary sql.NullString

	err := row.Scan(
		&t.ID, &t.DuplicateGuard, &priority, &errorType, &message, &source,
		&runLabel, &correlationID, &t.CreatedAt, &t.UpdatedAt, &t.FormatVersion,
		&status, &t.Documented, &t.Functioning, &t.Tested, &t.Completed,
		&lockedBy, &lockedAt, &leaseExpires, &owner, &branch,
		&stackTrace, &fileContext, &systemState, &notes, &summary,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = ticket.Priority(priority)
	t.Status = ticket.Status(status)
	t.ErrorType = errorType.String
	t.Message = message.String
	t.Source = source.String
	t.RunLabel = runLabel.String
	t.CorrelationID = correlationID.String
	t.LockedBy = lockedBy.String
	t.Owner = owner.String
	t.Branch = branch.String
	t.StackTrace = stackTrace.String
	t.AIRemediationNotes = notes.String
	t.CompletionSummary = summary.String
	if lockedAt.Valid {
		v := lockedAt.Time
		t.LockedAt = &v
	}
	if leaseExpires.Valid {
		v := leaseExpires.Time
		t.LeaseExpires = &v
	}
	if fileContext.Valid && fileContext.String != "" && fileContext.String != "null" {
		_ = json.Unmarshal([]byte(fileContext.String), &t.FileContext)
	}
	if systemState.Valid && systemState.String != "" && systemState.String != "null" {
		_ = json.Unmarshal([]byte(systemState.String), &t.SystemState)
	}

	return &t, nil
}

func scanTicketRows(rows *sql.Rows) (*ticket.Ticket, error) {
	return scanTicket(rows)
}

func isDuplicateGuardErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: tickets.duplicate_guard")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
