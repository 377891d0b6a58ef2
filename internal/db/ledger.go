package db

import (
	"fmt"
	"time"
)

// The throttle and rate-limit ledgers share the main database: one file to
// back up, one WAL, one durability story.

// RecordTicketCreation appends a row to the throttle ledger.
func (d *DB) RecordTicketCreation(priority string, ts time.Time, ticketID, errorType string) error {
	_, err := d.Exec(`
		INSERT INTO ticket_creations (priority, timestamp, ticket_id, error_type)
		VALUES (?, ?, ?, ?)
	`, priority, ts.UTC(), nullStr(ticketID), nullStr(errorType))
	if err != nil {
		return fmt.Errorf("failed to record ticket creation: %w", err)
	}
	return nil
}

// CountTicketCreations counts ledger rows since the cutoff, optionally for a
// single priority (empty means all priorities).
func (d *DB) CountTicketCreations(priority string, since time.Time) (int, error) {
	var n int
	var err error
	if priority == "" {
		err = d.QueryRow(`SELECT COUNT(*) FROM ticket_creations WHERE timestamp >= ?`, since.UTC()).Scan(&n)
	} else {
		err = d.QueryRow(`SELECT COUNT(*) FROM ticket_creations WHERE priority = ? AND timestamp >= ?`, priority, since.UTC()).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count ticket creations: %w", err)
	}
	return n, nil
}

// CreationRow is one throttle ledger entry.
type CreationRow struct {
	Priority  string
	Timestamp time.Time
}

// TicketCreationsSince returns the ledger rows since the cutoff, oldest
// first. Restart paths use it to rebuild the in-memory throttle window
// with real timestamps.
func (d *DB) TicketCreationsSince(since time.Time) ([]CreationRow, error) {
	rows, err := d.Query(`
		SELECT priority, timestamp FROM ticket_creations
		WHERE timestamp >= ? ORDER BY timestamp
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket creations: %w", err)
	}
	defer rows.Close()

	var out []CreationRow
	for rows.Next() {
		var r CreationRow
		if err := rows.Scan(&r.Priority, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneTicketCreations drops ledger rows older than the cutoff.
func (d *DB) PruneTicketCreations(cutoff time.Time) error {
	_, err := d.Exec(`DELETE FROM ticket_creations WHERE timestamp < ?`, cutoff.UTC())
	return err
}

// RecordAPICall appends a provider accounting row.
func (d *DB) RecordAPICall(provider string, ts time.Time, success bool, tokens int, costUSD float64, errMsg string) error {
	_, err := d.Exec(`
		INSERT INTO api_calls (provider, timestamp, success, tokens_used, cost_usd, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, provider, ts.UTC(), success, tokens, costUSD, nullStr(errMsg))
	if err != nil {
		return fmt.Errorf("failed to record api call: %w", err)
	}
	return nil
}

// CountAPICalls counts calls for a provider since the cutoff.
func (d *DB) CountAPICalls(provider string, since time.Time) (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM api_calls WHERE provider = ? AND timestamp >= ?`, provider, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count api calls: %w", err)
	}
	return n, nil
}

// APICallTimesSince returns the per-provider call timestamps since the
// cutoff, oldest first. The rate limiter warms its windows from this on
// construction.
func (d *DB) APICallTimesSince(since time.Time) (map[string][]time.Time, error) {
	rows, err := d.Query(`
		SELECT provider, timestamp FROM api_calls
		WHERE timestamp >= ? ORDER BY timestamp
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load api call times: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]time.Time)
	for rows.Next() {
		var provider string
		var ts time.Time
		if err := rows.Scan(&provider, &ts); err != nil {
			return nil, err
		}
		out[provider] = append(out[provider], ts)
	}
	return out, rows.Err()
}

// APICallTotals sums usage and cost per provider since the cutoff.
func (d *DB) APICallTotals(since time.Time) (map[string]struct {
	Calls  int
	Tokens int
	Cost   float64
}, error) {
	rows, err := d.Query(`
		SELECT provider, COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(SUM(cost_usd), 0)
		FROM api_calls WHERE timestamp >= ? GROUP BY provider
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query api call totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct {
		Calls  int
		Tokens int
		Cost   float64
	})
	for rows.Next() {
		var provider string
		var calls, tokens int
		var cost float64
		if err := rows.Scan(&provider, &calls, &tokens, &cost); err != nil {
			return nil, err
		}
		out[provider] = struct {
			Calls  int
			Tokens int
			Cost   float64
		}{calls, tokens, cost}
	}
	return out, rows.Err()
}

// PruneAPICalls drops accounting rows older than the cutoff.
func (d *DB) PruneAPICalls(cutoff time.Time) error {
	_, err := d.Exec(`DELETE FROM api_calls WHERE timestamp < ?`, cutoff.UTC())
	return err
}

// RecordCrash stores a crash report detected at startup.
func (d *DB) RecordCrash(detectedAt time.Time, snapshotJSON string) error {
	_, err := d.Exec(`
		INSERT INTO crash_reports (detected_at, snapshot_json) VALUES (?, ?)
	`, detectedAt.UTC(), snapshotJSON)
	return err
}
