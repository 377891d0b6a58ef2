// Package health assembles the operational health snapshot: ticket
// backlog, SLA breaches, disk headroom, database growth, and fallback
// queue depth.
package health

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arctek/actifix/internal/config"
	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/queue"
	"github.com/arctek/actifix/internal/ticket"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Disk thresholds, percent used.
const (
	diskWarnPercent     = 90.0
	diskCriticalPercent = 95.0
)

// Database growth thresholds.
const (
	dbWarnBytes     = 100 << 20
	dbCriticalBytes = 500 << 20
)

// Breach describes one ticket past its SLA threshold.
type Breach struct {
	TicketID string          `json:"ticket_id"`
	Priority ticket.Priority `json:"priority"`
	AgeHours float64         `json:"age_hours"`
	SLAHours float64         `json:"sla_hours"`
}

// Snapshot is one health evaluation. Problems holds every finding;
// Warnings and Errors split them by severity.
type Snapshot struct {
	Status      Status    `json:"status"`
	GeneratedAt time.Time `json:"generated_at"`
	Problems    []string  `json:"problems,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	Errors      []string  `json:"errors,omitempty"`

	OpenTickets        int                     `json:"open_tickets"`
	InProgress         int                     `json:"in_progress"`
	Completed          int                     `json:"completed"`
	TotalTickets       int                     `json:"total_tickets"`
	ByPriority         map[ticket.Priority]int `json:"by_priority"`
	SLABreaches        []Breach                `json:"sla_breaches,omitempty"`
	OldestOpenAgeHours float64                 `json:"oldest_open_age_hours"`
	QueueDepth         int                     `json:"queue_depth"`
	DiskUsedPercent    float64                 `json:"disk_used_percent"`
	DiskFreeBytes      uint64                  `json:"disk_free_bytes"`
	DatabaseBytes      int64                   `json:"database_bytes"`
	FilesExist         bool                    `json:"files_exist"`
	FilesWritable      bool                    `json:"files_writable"`
	EventLogEntries    int                     `json:"event_log_entries"`
	CrashesDetected    int                     `json:"crashes_detected,omitempty"`
}

// Checker evaluates health snapshots.
type Checker struct {
	cfg      config.Config
	bundle   paths.Bundle
	database *db.DB
	store    *db.Store
	events   *db.EventLog
	fallback *queue.Queue
}

// New wires a checker. fallback and events may be nil.
func New(cfg config.Config, bundle paths.Bundle, database *db.DB, store *db.Store, events *db.EventLog, fallback *queue.Queue) *Checker {
	return &Checker{cfg: cfg, bundle: bundle, database: database, store: store, events: events, fallback: fallback}
}

// Check produces a snapshot. Collection errors degrade the verdict rather
// than fail the check; a health probe that errors out is useless.
func (c *Checker) Check() *Snapshot {
	now := time.Now().UTC()
	snap := &Snapshot{
		Status:      StatusHealthy,
		GeneratedAt: now,
		ByPriority:  make(map[ticket.Priority]int),
	}

	c.collectTickets(snap, now)
	c.collectDisk(snap)
	c.collectDatabase(snap)
	c.collectQueue(snap)
	c.collectEvents(snap)
	c.collectFilesystem(snap)

	return snap
}

func (c *Checker) collectTickets(snap *Snapshot, now time.Time) {
	stats, err := c.store.GetStats()
	if err != nil {
		snap.degrade(StatusDegraded, fmt.Sprintf("ticket stats unavailable: %v", err))
		return
	}
	snap.TotalTickets = stats.Total
	snap.OpenTickets = stats.ByStatus[ticket.StatusOpen]
	snap.InProgress = stats.ByStatus[ticket.StatusInProgress]
	snap.Completed = stats.ByStatus[ticket.StatusCompleted]
	snap.ByPriority = stats.ByPriority

	c.collectBreaches(snap, now)
}

// collectBreaches walks open tickets and flags those past their SLA.
// P0/P1 breaches are critical, the rest degrade.
func (c *Checker) collectBreaches(snap *Snapshot, now time.Time) {
	open, err := c.store.GetTickets(ticket.Filter{Status: ticket.StatusOpen, Limit: 1000})
	if err != nil {
		snap.degrade(StatusDegraded, fmt.Sprintf("failed to scan for SLA breaches: %v", err))
		return
	}

	for _, t := range open {
		ageHours := now.Sub(t.CreatedAt).Hours()
		if ageHours > snap.OldestOpenAgeHours {
			snap.OldestOpenAgeHours = ageHours
		}
		slaHours := c.cfg.SLAHours(string(t.Priority))
		if ageHours <= slaHours {
			continue
		}
		snap.SLABreaches = append(snap.SLABreaches, Breach{
			TicketID: t.ID,
			Priority: t.Priority,
			AgeHours: ageHours,
			SLAHours: slaHours,
		})
		if t.Priority == ticket.PriorityP0 || t.Priority == ticket.PriorityP1 {
			snap.degrade(StatusCritical, fmt.Sprintf("%s %s is %.1fh past SLA", t.Priority, t.ID, ageHours-slaHours))
		} else {
			snap.degrade(StatusDegraded, fmt.Sprintf("%s %s is past SLA", t.Priority, t.ID))
		}
	}
}

func (c *Checker) collectDisk(snap *Snapshot) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.bundle.DataDir, &st); err != nil {
		snap.degrade(StatusDegraded, fmt.Sprintf("disk stat failed: %v", err))
		return
	}

	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return
	}
	usedPct := 100 * float64(total-free) / float64(total)

	snap.DiskUsedPercent = usedPct
	snap.DiskFreeBytes = free

	switch {
	case usedPct >= diskCriticalPercent:
		snap.degrade(StatusCritical, fmt.Sprintf("disk %.1f%% full", usedPct))
	case usedPct >= diskWarnPercent:
		snap.degrade(StatusDegraded, fmt.Sprintf("disk %.1f%% full", usedPct))
	}
}

func (c *Checker) collectDatabase(snap *Snapshot) {
	size := c.database.SizeBytes()
	snap.DatabaseBytes = size

	switch {
	case size >= dbCriticalBytes:
		snap.degrade(StatusCritical, fmt.Sprintf("database is %d MiB", size>>20))
	case size >= dbWarnBytes:
		snap.degrade(StatusDegraded, fmt.Sprintf("database is %d MiB", size>>20))
	}
}

func (c *Checker) collectQueue(snap *Snapshot) {
	if c.fallback == nil {
		return
	}
	depth := c.fallback.Len()
	snap.QueueDepth = depth
	if depth > 0 {
		snap.degrade(StatusDegraded, fmt.Sprintf("%d entries waiting in fallback queue", depth))
	}
}

func (c *Checker) collectEvents(snap *Snapshot) {
	if c.events == nil {
		return
	}
	stats, err := c.events.Stats()
	if err != nil {
		return
	}
	snap.EventLogEntries = stats["total"]
}

// collectFilesystem verifies the core artefacts exist and the state dir
// accepts writes.
func (c *Checker) collectFilesystem(snap *Snapshot) {
	snap.FilesExist = true
	for _, p := range []string{c.bundle.DataDir, c.bundle.StateDir, c.bundle.TicketDBPath} {
		if _, err := os.Stat(p); err != nil {
			snap.FilesExist = false
			snap.degrade(StatusCritical, fmt.Sprintf("missing artefact: %s", p))
		}
	}

	probe := filepath.Join(c.bundle.StateDir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		snap.degrade(StatusCritical, fmt.Sprintf("state dir not writable: %v", err))
		return
	}
	_ = os.Remove(probe)
	snap.FilesWritable = true
}

// degrade lowers the status, keeping the worst verdict seen.
func (s *Snapshot) degrade(to Status, problem string) {
	s.Problems = append(s.Problems, problem)
	if to == StatusCritical {
		s.Errors = append(s.Errors, problem)
	} else {
		s.Warnings = append(s.Warnings, problem)
	}
	if s.Status == StatusCritical {
		return
	}
	if to == StatusCritical || s.Status == StatusHealthy {
		s.Status = to
	}
}
