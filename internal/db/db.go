// Package db provides SQLite-based persistence for tickets, events, and
// the throttle/rate-limit ledgers.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// busyTimeoutMS bounds how long a connection waits on a locked database.
const busyTimeoutMS = 30000

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the actifix database at the given path.
// WAL mode and foreign-key enforcement are enabled on every connection via
// the DSN, and the schema is migrated forward to the current version.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", dbPath, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{DB: db, path: dbPath}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SizeBytes reports the database file size, WAL included.
func (d *DB) SizeBytes() int64 {
	var total int64
	for _, p := range []string{d.path, d.path + "-wal"} {
		if st, err := os.Stat(p); err == nil {
			total += st.Size()
		}
	}
	return total
}

// Vacuum reclaims free pages and truncates the WAL. Used by the repair
// command path only.
func (d *DB) Vacuum() error {
	if _, err := d.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	if _, err := d.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	return nil
}

// migrate runs database migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
		{3, migration3},
		{4, migration4},
		{5, migration5},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}

		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// Migration 1: ticket table
const migration1 = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    duplicate_guard TEXT NOT NULL UNIQUE,
    priority TEXT NOT NULL CHECK (priority IN ('P0','P1','P2','P3','P4')),
    error_type TEXT,
    message TEXT,
    source TEXT,
    run_label TEXT,
    correlation_id TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    format_version INTEGER NOT NULL DEFAULT 2,
    status TEXT NOT NULL DEFAULT 'Open' CHECK (status IN ('Open','In Progress','Completed')),
    documented INTEGER NOT NULL DEFAULT 0,
    functioning INTEGER NOT NULL DEFAULT 0,
    tested INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    locked_by TEXT,
    locked_at DATETIME,
    lease_expires DATETIME,
    owner TEXT,
    branch TEXT,
    stack_trace TEXT,
    file_context TEXT,
    system_state TEXT,
    ai_remediation_notes TEXT,
    completion_summary TEXT
);

CREATE INDEX IF NOT EXISTS idx_tickets_priority ON tickets(priority);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_created ON tickets(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tickets_lock ON tickets(locked_by, locked_at);
CREATE INDEX IF NOT EXISTS idx_tickets_lease ON tickets(lease_expires);
CREATE INDEX IF NOT EXISTS idx_tickets_correlation ON tickets(correlation_id);
`

// Migration 2: append-only event log
const migration2 = `
CREATE TABLE IF NOT EXISTS event_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    event_type TEXT NOT NULL,
    level TEXT NOT NULL DEFAULT 'INFO',
    message TEXT,
    ticket_id TEXT REFERENCES tickets(id) ON DELETE SET NULL,
    correlation_id TEXT,
    source TEXT,
    extra_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
CREATE INDEX IF NOT EXISTS idx_event_log_ticket ON event_log(ticket_id);
CREATE INDEX IF NOT EXISTS idx_event_log_correlation ON event_log(correlation_id);
CREATE INDEX IF NOT EXISTS idx_event_log_level ON event_log(level);
`

// Migration 3: throttle and rate-limit ledgers
const migration3 = `
CREATE TABLE IF NOT EXISTS ticket_creations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    priority TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    ticket_id TEXT,
    error_type TEXT
);

CREATE INDEX IF NOT EXISTS idx_ticket_creations_ts ON ticket_creations(timestamp);
CREATE INDEX IF NOT EXISTS idx_ticket_creations_priority ON ticket_creations(priority, timestamp);

CREATE TABLE IF NOT EXISTS api_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    provider TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    success INTEGER NOT NULL DEFAULT 1,
    tokens_used INTEGER,
    cost_usd REAL,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_api_calls_provider ON api_calls(provider, timestamp);
`

// Migration 4: crash reports from unclean shutdowns
const migration4 = `
CREATE TABLE IF NOT EXISTS crash_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    detected_at DATETIME NOT NULL,
    snapshot_json TEXT
);
`

// Migration 5: drop the foreign key on event_log.ticket_id. The event log
// is an audit trail, not relational state: FALLBACK_QUEUE events carry the
// IDs of tickets that were never persisted, and the FK was rejecting them.
const migration5 = `
CREATE TABLE event_log_v2 (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    event_type TEXT NOT NULL,
    level TEXT NOT NULL DEFAULT 'INFO',
    message TEXT,
    ticket_id TEXT,
    correlation_id TEXT,
    source TEXT,
    extra_json TEXT
);

INSERT INTO event_log_v2 (id, timestamp, event_type, level, message, ticket_id, correlation_id, source, extra_json)
    SELECT id, timestamp, event_type, level, message, ticket_id, correlation_id, source, extra_json FROM event_log;

DROP TABLE event_log;
ALTER TABLE event_log_v2 RENAME TO event_log;

CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
CREATE INDEX IF NOT EXISTS idx_event_log_ticket ON event_log(ticket_id);
CREATE INDEX IF NOT EXISTS idx_event_log_correlation ON event_log(correlation_id);
CREATE INDEX IF NOT EXISTS idx_event_log_level ON event_log(level);
`

// Close closes the database connection.
func (d *DB) Close() error {
	return d.DB.Close()
}
