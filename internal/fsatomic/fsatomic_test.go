package fsatomic

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "state.json")
	require.NoError(t, Write(path, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, WriteString(path, "old"))
	require.NoError(t, WriteString(path, "new"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteString(filepath.Join(dir, "f.txt"), "x"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f.txt", entries[0].Name())
}

func TestAppendWithGuardAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, AppendWithGuard(path, "one\n", 1024))
	require.NoError(t, AppendWithGuard(path, "two\n", 1024))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestAppendWithGuardTrimsAtLineBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, AppendWithGuard(path, "aaaa\nbbbb\n", 1024))
	require.NoError(t, AppendWithGuard(path, "cccc\n", 12))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got := string(data)
	assert.LessOrEqual(t, len(got), 12)
	assert.True(t, strings.HasSuffix(got, "cccc\n"))
	// The retained head starts on a fresh line, never mid-entry.
	assert.False(t, strings.HasPrefix(got, "aaa"))
}

func TestAppendWithGuardRotates(t *testing.T) {
	t.Setenv("ACTIFIX_MAX_LOG_SIZE_BYTES", "32")

	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, AppendWithGuard(path, strings.Repeat("x", 40)+"\n", 1024))
	require.NoError(t, AppendWithGuard(path, "fresh\n", 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(data))

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(rotated), "xxxx")
}

func TestIdempotentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.md")

	wrote, err := IdempotentAppend(path, "- ACT-1 first\n", "ACT-1")
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = IdempotentAppend(path, "- ACT-1 again\n", "ACT-1")
	require.NoError(t, err)
	assert.False(t, wrote)

	wrote, err = IdempotentAppend(path, "- ACT-2 second\n", "ACT-2")
	require.NoError(t, err)
	assert.True(t, wrote)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "- ACT-1 first\n- ACT-2 second\n", string(data))
}

func TestWithLockSerialisesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.txt")

	var wg sync.WaitGroup
	var mu sync.Mutex
	active := 0
	maxActive := 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(path, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one holder at a time")
}

func TestWithLockPropagatesHandlerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	err := WithLock(path, func() error { return os.ErrPermission })
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestWithLockUsesSidecarDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")

	require.NoError(t, WithLock(path, func() error {
		_, err := os.Stat(filepath.Join(dir, ".locks", "f.txt.lock"))
		return err
	}))

	// Released locks do not leave lock files behind.
	_, err := os.Stat(filepath.Join(dir, ".locks", "f.txt.lock"))
	assert.True(t, os.IsNotExist(err))
}
