// Package lifecycle tracks process state across runs and manages ordered
// startup and shutdown of the runtime's modules.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/paths"
)

// Process states persisted in app_state.json.
const (
	StateRunning      = "running"
	StateShuttingDown = "shutting_down"
	StateStopped      = "stopped"
)

const appStateFile = "app_state.json"

// AppState is the persisted process record. A leftover "running" state at
// startup means the previous process died without shutting down.
type AppState struct {
	Status    string           `json:"status"`
	PID       int              `json:"pid"`
	Hostname  string           `json:"hostname"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Snapshot  *RuntimeSnapshot `json:"snapshot,omitempty"`
}

// RuntimeSnapshot is a coarse resource reading refreshed periodically while
// the process runs. After a crash it is the last known picture of the
// process, attached to the crash report.
type RuntimeSnapshot struct {
	MemoryMB      float64   `json:"memory_mb"`
	DBSizeBytes   int64     `json:"db_size"`
	OpenTx        int       `json:"open_tx"`
	PendingWrites int       `json:"pending_writes"`
	CapturedAt    time.Time `json:"captured_at"`
}

// StateFile manages the on-disk app state.
type StateFile struct {
	path string
}

// NewStateFile binds the state file inside the given state directory.
func NewStateFile(bundle paths.Bundle) *StateFile {
	return &StateFile{path: filepath.Join(bundle.StateDir, appStateFile)}
}

// Load reads the persisted state. Missing file returns (nil, nil); a
// corrupt file is backed up out of the way and also returns (nil, nil).
func (s *StateFile) Load() (*AppState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading app state: %w", err)
	}

	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		_ = os.Rename(s.path, s.path+".corrupt.json")
		return nil, nil
	}
	return &st, nil
}

// Transition writes the new status atomically, preserving the original
// start time across updates within one run.
func (s *StateFile) Transition(status string) error {
	now := time.Now().UTC()
	hostname, _ := os.Hostname()

	st := AppState{
		Status:    status,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: now,
		UpdatedAt: now,
	}
	if prev, _ := s.Load(); prev != nil && prev.PID == st.PID {
		st.StartedAt = prev.StartedAt
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding app state: %w", err)
	}
	if err := fsatomic.Write(s.path, data); err != nil {
		return fmt.Errorf("writing app state: %w", err)
	}
	return nil
}

// WriteSnapshot attaches the latest resource reading to the persisted
// state without disturbing the status fields.
func (s *StateFile) WriteSnapshot(snap RuntimeSnapshot) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no app state to attach snapshot to")
	}
	snap.CapturedAt = time.Now().UTC()
	st.Snapshot = &snap
	st.UpdatedAt = snap.CapturedAt

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding app state: %w", err)
	}
	if err := fsatomic.Write(s.path, data); err != nil {
		return fmt.Errorf("writing app state: %w", err)
	}
	return nil
}

// DetectCrash reports whether the previous run ended without a clean
// shutdown. Called once at startup, before Transition(StateRunning).
func (s *StateFile) DetectCrash() (*AppState, bool) {
	prev, err := s.Load()
	if err != nil || prev == nil {
		return nil, false
	}
	if prev.Status != StateRunning && prev.Status != StateShuttingDown {
		return nil, false
	}
	// The previous PID still being alive means another instance is running,
	// not that it crashed.
	if prev.PID > 0 && prev.PID != os.Getpid() && pidAlive(prev.PID) {
		return nil, false
	}
	return prev, true
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return proc.Signal(probeSignal) == nil
}
