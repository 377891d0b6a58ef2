package actifix

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/health"
	"github.com/arctek/actifix/internal/lifecycle"
	"github.com/arctek/actifix/internal/ticket"
)

// WorkerType names one always-running maintenance worker.
type WorkerType string

const (
	WorkerLockReaper  WorkerType = "lock-reaper"
	WorkerQueueReplay WorkerType = "queue-replay"
	WorkerRetention   WorkerType = "retention"
	WorkerHealth      WorkerType = "health"
	WorkerSnapshot    WorkerType = "snapshot"
	WorkerDispatch    WorkerType = "dispatch"
)

// WorkerStatus is the current state of one background worker.
type WorkerStatus struct {
	Type            WorkerType `json:"type"`
	Status          string     `json:"status"` // Running, Idle, Error, Stopped
	CurrentActivity string     `json:"currentActivity"`
	LastActiveAt    time.Time  `json:"lastActiveAt"`
	CycleCount      int        `json:"cycleCount"`
}

// WorkerManager runs the periodic maintenance loops: expired-lease
// cleanup, fallback queue replay, retention pruning, health snapshots, and
// the optional continuous dispatch loop.
type WorkerManager struct {
	runtime  *Runtime
	workers  map[WorkerType]*worker
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type worker struct {
	workerType WorkerType
	status     WorkerStatus
	interval   time.Duration
	runFunc    func(context.Context) error
	mu         sync.RWMutex
}

// NewWorkerManager registers the maintenance workers. The dispatch loop is
// only registered when AI dispatch is enabled.
func NewWorkerManager(rt *Runtime) *WorkerManager {
	m := &WorkerManager{
		runtime: rt,
		workers: make(map[WorkerType]*worker),
		stopCh:  make(chan struct{}),
	}

	m.registerWorker(WorkerLockReaper, time.Minute, m.runLockReaper)
	m.registerWorker(WorkerQueueReplay, 5*time.Minute, m.runQueueReplay)
	m.registerWorker(WorkerRetention, time.Hour, m.runRetention)
	m.registerWorker(WorkerHealth, 5*time.Minute, m.runHealth)
	m.registerWorker(WorkerSnapshot, time.Minute, m.runSnapshot)
	if rt.Config.AIEnabled {
		m.registerWorker(WorkerDispatch, 30*time.Second, m.runDispatch)
	}

	return m
}

func (m *WorkerManager) registerWorker(t WorkerType, interval time.Duration, runFunc func(context.Context) error) {
	m.workers[t] = &worker{
		workerType: t,
		status: WorkerStatus{
			Type:            t,
			Status:          "Idle",
			CurrentActivity: "Waiting to start",
			LastActiveAt:    time.Now(),
		},
		interval: interval,
		runFunc:  runFunc,
	}
}

// Start launches every worker loop.
func (m *WorkerManager) Start(ctx context.Context) {
	m.runtime.Logger.Info("starting background workers", "count", len(m.workers))
	for _, w := range m.workers {
		m.wg.Add(1)
		go m.runWorkerLoop(ctx, w)
	}
}

// Stop signals the loops and waits for them to drain. Safe to call more
// than once.
func (m *WorkerManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// GetStatuses returns the current status of all workers.
func (m *WorkerManager) GetStatuses() []WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		w.mu.RLock()
		statuses = append(statuses, w.status)
		w.mu.RUnlock()
	}
	return statuses
}

func (m *WorkerManager) updateStatus(w *worker, status, activity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Status = status
	w.status.CurrentActivity = activity
	w.status.LastActiveAt = time.Now()
}

func (m *WorkerManager) runWorkerLoop(ctx context.Context, w *worker) {
	defer m.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	m.executeCycle(ctx, w)

	for {
		select {
		case <-ctx.Done():
			m.updateStatus(w, "Stopped", "Context cancelled")
			return
		case <-m.stopCh:
			m.updateStatus(w, "Stopped", "Shutdown requested")
			return
		case <-ticker.C:
			m.executeCycle(ctx, w)
		}
	}
}

func (m *WorkerManager) executeCycle(ctx context.Context, w *worker) {
	m.updateStatus(w, "Running", "Starting cycle")

	if err := w.runFunc(ctx); err != nil {
		m.runtime.Logger.Error("background worker cycle failed",
			"worker", w.workerType, "error", err)
		m.updateStatus(w, "Error", err.Error())
		return
	}

	w.mu.Lock()
	w.status.CycleCount++
	w.mu.Unlock()

	m.updateStatus(w, "Idle", "Waiting for next cycle")
}

// --- Worker implementations ---

// runLockReaper clears expired leases so abandoned claims become
// dispatchable again.
func (m *WorkerManager) runLockReaper(ctx context.Context) error {
	n, err := m.runtime.Store.CleanupExpiredLocks()
	if err != nil {
		return fmt.Errorf("failed to clean expired locks: %w", err)
	}
	if n > 0 {
		m.runtime.Logger.Info("reclaimed expired leases", "count", n)
	}
	return nil
}

// runQueueReplay drains the fallback queue into the store when it has
// anything waiting.
func (m *WorkerManager) runQueueReplay(ctx context.Context) error {
	if m.runtime.Fallback.Len() == 0 {
		return nil
	}
	result, err := m.runtime.Fallback.Replay(m.runtime.Pipeline.ReplayHandler(), m.runtime.Config.MaxRetries)
	if err != nil {
		return err
	}
	if result.Replayed > 0 || result.Failed > 0 {
		m.runtime.Logger.Info("fallback queue replay",
			"replayed", result.Replayed, "failed", result.Failed, "skipped", result.Skipped)
	}
	return nil
}

// runRetention prunes aged data: throttle ledger rows, rate-limit ledger
// rows, old events, and long-completed tickets.
func (m *WorkerManager) runRetention(ctx context.Context) error {
	m.runtime.Throttler.PruneLedger()
	m.runtime.Limiter.PruneLedger()

	if days := m.runtime.Config.EventRetentionDays; days > 0 {
		if n, err := m.runtime.Events.PruneOldEvents(days); err == nil && n > 0 {
			m.runtime.Logger.Info("pruned old events", "count", n)
		}
	}

	cutoff := time.Now().UTC().Add(-time.Duration(m.runtime.Config.CleanupMinAgeHours) * time.Hour)
	stale, err := m.runtime.Store.CompletedOlderThan(cutoff)
	if err != nil {
		return err
	}
	for _, t := range stale {
		if err := m.runtime.Store.DeleteTicket(t.ID); err != nil {
			m.runtime.Logger.Warn("failed to remove completed ticket", "ticket", t.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		m.runtime.Logger.Info("removed aged completed tickets", "count", len(stale))
	}
	return nil
}

// runHealth refreshes the health snapshot, metrics gauges, and the rollup
// markdown, and logs a degradation when the verdict worsens.
func (m *WorkerManager) runHealth(ctx context.Context) error {
	snap := m.runtime.Checker.Check()
	if m.runtime.Metrics != nil {
		m.runtime.Metrics.Update(snap)
	}
	if snap.Status != "healthy" {
		m.runtime.Logger.Warn("health degraded", "status", snap.Status, "problems", snap.Problems)
	}
	m.writeRollup(snap)
	return nil
}

// writeRollup renders the operator-facing rollup markdown from the latest
// snapshot. Failures are logged and dropped; the rollup is a convenience.
func (m *WorkerManager) writeRollup(snap *health.Snapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Actifix Rollup\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Status**: %s\n", snap.Status)
	fmt.Fprintf(&b, "- **Open**: %d (in progress %d, completed %d)\n",
		snap.OpenTickets, snap.InProgress, snap.Completed)
	for _, p := range []ticket.Priority{ticket.PriorityP0, ticket.PriorityP1, ticket.PriorityP2, ticket.PriorityP3, ticket.PriorityP4} {
		if n := snap.ByPriority[p]; n > 0 {
			fmt.Fprintf(&b, "- **%s**: %d\n", p, n)
		}
	}
	if len(snap.SLABreaches) > 0 {
		fmt.Fprintf(&b, "\n## SLA breaches\n\n")
		for _, br := range snap.SLABreaches {
			fmt.Fprintf(&b, "- %s %s: %.1fh old (limit %.1fh)\n", br.Priority, br.TicketID, br.AgeHours, br.SLAHours)
		}
	}
	if len(snap.Problems) > 0 {
		fmt.Fprintf(&b, "\n## Problems\n\n")
		for _, p := range snap.Problems {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	if err := fsatomic.WriteString(m.runtime.Bundle.RollupFile, b.String()); err != nil {
		m.runtime.Logger.Debug("failed to write rollup", "error", err)
	}
}

// runSnapshot refreshes the coarse resource reading in app_state.json.
// After an unclean exit the reading rides along with the crash report.
func (m *WorkerManager) runSnapshot(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return m.runtime.State.WriteSnapshot(lifecycle.RuntimeSnapshot{
		MemoryMB:      float64(ms.HeapAlloc) / (1 << 20),
		DBSizeBytes:   m.runtime.DB.SizeBytes(),
		OpenTx:        m.runtime.DB.Stats().InUse,
		PendingWrites: m.runtime.Fallback.Len(),
	})
}

// runDispatch processes at most one ticket per cycle. Holding the pace to
// one keeps the AI spend bounded even with a deep backlog.
func (m *WorkerManager) runDispatch(ctx context.Context) error {
	res, err := m.runtime.Dispatcher.ProcessNextTicket(ctx, nil)
	if err != nil {
		if err == ErrNoTicketsToDispatch {
			return nil
		}
		return err
	}
	if !res.Success {
		m.runtime.Events.Log(ticket.Event{
			EventType: db.EventDispatchFailed, Level: ticket.LevelWarning,
			Message: "background dispatch attempt failed: " + res.Error,
			TicketID: res.TicketID, Source: "background",
		})
	}
	return nil
}
