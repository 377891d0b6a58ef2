package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/actifix/internal/paths"
)

func testStateFile(t *testing.T) *StateFile {
	t.Helper()
	return NewStateFile(paths.Bundle{StateDir: t.TempDir()})
}

func TestLoadMissingFile(t *testing.T) {
	s := testStateFile(t)
	st, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestTransitionAndLoad(t *testing.T) {
	s := testStateFile(t)
	require.NoError(t, s.Transition(StateRunning))

	st, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StateRunning, st.Status)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.False(t, st.StartedAt.IsZero())
}

func TestTransitionPreservesStartTime(t *testing.T) {
	s := testStateFile(t)
	require.NoError(t, s.Transition(StateRunning))

	first, err := s.Load()
	require.NoError(t, err)

	require.NoError(t, s.Transition(StateShuttingDown))
	require.NoError(t, s.Transition(StateStopped))

	last, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, StateStopped, last.Status)
	assert.Equal(t, first.StartedAt, last.StartedAt)
}

func TestWriteSnapshotAttachesToState(t *testing.T) {
	s := testStateFile(t)
	require.NoError(t, s.Transition(StateRunning))

	require.NoError(t, s.WriteSnapshot(RuntimeSnapshot{
		MemoryMB:      12.5,
		DBSizeBytes:   4096,
		OpenTx:        1,
		PendingWrites: 3,
	}))

	st, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, StateRunning, st.Status, "status survives snapshot refreshes")
	assert.Equal(t, 12.5, st.Snapshot.MemoryMB)
	assert.Equal(t, int64(4096), st.Snapshot.DBSizeBytes)
	assert.Equal(t, 1, st.Snapshot.OpenTx)
	assert.Equal(t, 3, st.Snapshot.PendingWrites)
	assert.False(t, st.Snapshot.CapturedAt.IsZero())
}

func TestWriteSnapshotWithoutStateFails(t *testing.T) {
	s := testStateFile(t)
	assert.Error(t, s.WriteSnapshot(RuntimeSnapshot{}))
}

func TestLoadCorruptFileBacksUpAndResets(t *testing.T) {
	dir := t.TempDir()
	s := NewStateFile(paths.Bundle{StateDir: dir})
	path := filepath.Join(dir, "app_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = os.Stat(path + ".corrupt.json")
	assert.NoError(t, err)
}

func TestDetectCrashCleanShutdown(t *testing.T) {
	s := testStateFile(t)
	require.NoError(t, s.Transition(StateStopped))

	_, crashed := s.DetectCrash()
	assert.False(t, crashed)
}

func TestDetectCrashNoPriorState(t *testing.T) {
	s := testStateFile(t)
	_, crashed := s.DetectCrash()
	assert.False(t, crashed)
}

func TestDetectCrashDeadPID(t *testing.T) {
	dir := t.TempDir()
	s := NewStateFile(paths.Bundle{StateDir: dir})

	// PIDs never reach this value on a live system.
	state := `{"status":"running","pid":999999999,"hostname":"h","started_at":"2026-08-24T00:00:00Z","updated_at":"2026-08-24T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app_state.json"), []byte(state), 0o644))

	prev, crashed := s.DetectCrash()
	require.True(t, crashed)
	assert.Equal(t, StateRunning, prev.Status)
	assert.Equal(t, 999999999, prev.PID)
}

func TestDetectCrashLivePIDIsNotACrash(t *testing.T) {
	dir := t.TempDir()
	s := NewStateFile(paths.Bundle{StateDir: dir})

	// The parent process is alive for the duration of the test.
	state := fmt.Sprintf(`{"status":"running","pid":%d,"hostname":"h","started_at":"2026-08-24T00:00:00Z","updated_at":"2026-08-24T00:00:00Z"}`, os.Getppid())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app_state.json"), []byte(state), 0o644))

	_, crashed := s.DetectCrash()
	assert.False(t, crashed, "a live holder means another instance, not a crash")
}

func TestDetectCrashOwnPID(t *testing.T) {
	s := testStateFile(t)
	require.NoError(t, s.Transition(StateRunning))

	_, crashed := s.DetectCrash()
	assert.False(t, crashed, "our own running record is not a crash")
}
