package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T, maxEntries int) *Queue {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "queue.json"), maxEntries, 72)
}

func TestEnqueueAndEntries(t *testing.T) {
	q := testQueue(t, 10)

	id, err := q.Enqueue(OpWrite, "ticket:ACT-1", `{"id":"ACT-1"}`, map[string]string{"kind": "create_ticket"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpWrite, entries[0].Operation)
	assert.Equal(t, "ticket:ACT-1", entries[0].Key)
	assert.Equal(t, "create_ticket", entries[0].Metadata["kind"])
}

func TestEnqueueDedupesOnOperationAndKey(t *testing.T) {
	q := testQueue(t, 10)

	first, err := q.Enqueue(OpWrite, "ticket:ACT-1", "v1", nil)
	require.NoError(t, err)
	second, err := q.Enqueue(OpWrite, "ticket:ACT-1", "v2", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same (op,key) updates in place")

	// Different operation on the same key is a distinct entry.
	_, err = q.Enqueue(OpDelete, "ticket:ACT-1", "", nil)
	require.NoError(t, err)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "v2", entries[0].Content)
}

func TestEnqueueCapacityEvictsOldest(t *testing.T) {
	q := testQueue(t, 3)

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(OpWrite, key, key, nil)
		require.NoError(t, err)
	}

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEqual(t, "a", e.Key, "oldest entry must be evicted first")
	}
}

func TestReplayRemovesHandledEntries(t *testing.T) {
	q := testQueue(t, 10)
	_, err := q.Enqueue(OpWrite, "good", "x", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(OpWrite, "bad", "y", nil)
	require.NoError(t, err)

	result, err := q.Replay(func(e Entry) bool { return e.Key == "good" }, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, 1, result.Failed)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].Key)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.NotNil(t, entries[0].LastRetry)
}

func TestReplaySkipsEntriesOverMaxRetries(t *testing.T) {
	q := testQueue(t, 10)
	_, err := q.Enqueue(OpWrite, "stuck", "x", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := q.Replay(func(Entry) bool { return false }, 1)
		require.NoError(t, err)
	}

	result, err := q.Replay(func(Entry) bool { return true }, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Replayed)
	assert.Equal(t, 1, result.Skipped, "entries past maxRetries are retained, not retried")

	assert.Equal(t, 1, q.Len())
}

func TestReplayQuarantinesExhaustedEntries(t *testing.T) {
	q := testQueue(t, 10)
	dir := t.TempDir()
	q.SetQuarantineDir(dir)

	id, err := q.Enqueue(OpWrite, "poison", `{"bad":true}`, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := q.Replay(func(Entry) bool { return false }, 1)
		require.NoError(t, err)
	}

	result, err := q.Replay(func(Entry) bool { return true }, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, q.Len(), "quarantined entries leave the queue")

	data, err := os.ReadFile(filepath.Join(dir, id+".md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "poison")
	assert.Contains(t, string(data), `{"bad":true}`)
}

func TestReplayHandlerPanicCountsAsFailure(t *testing.T) {
	q := testQueue(t, 10)
	_, err := q.Enqueue(OpWrite, "boom", "x", nil)
	require.NoError(t, err)

	result, err := q.Replay(func(Entry) bool { panic("handler exploded") }, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, q.Len())
}

func TestLoadCorruptFileResetsWithBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	q := New(path, 10, 72)
	entries, err := q.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = os.Stat(path + ".corrupt.json")
	assert.NoError(t, err, "corrupt file must be preserved as a backup")
}

func TestMigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(legacy,
		[]byte(`[{"entry_id":"01X","operation":"write","key":"ticket:ACT-9","content":"z","created_at":"2026-08-24T00:00:00Z"}]`), 0o644))

	q := New(filepath.Join(dir, "queue.json"), 10, 24*365)
	require.NoError(t, q.MigrateLegacy(legacy))

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ticket:ACT-9", entries[0].Key)

	_, err = os.Stat(legacy)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(legacy + ".migrated")
	assert.NoError(t, err)

	// Second migration is a no-op.
	require.NoError(t, q.MigrateLegacy(legacy))
}
