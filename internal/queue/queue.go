// Package queue implements the durable fallback queue used when the primary
// store is unavailable. Entries are at-least-once: replay plus the store's
// duplicate guard makes them effectively once.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arctek/actifix/internal/fsatomic"
)

// Operation is the kind of store operation an entry represents.
type Operation string

const (
	OpWrite  Operation = "write"
	OpAppend Operation = "append"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entry is one queued store operation.
type Entry struct {
	EntryID    string            `json:"entry_id"`
	Operation  Operation         `json:"operation"`
	Key        string            `json:"key"`
	Content    string            `json:"content"`
	CreatedAt  time.Time         `json:"created_at"`
	RetryCount int               `json:"retry_count"`
	LastRetry  *time.Time        `json:"last_retry,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Queue is a file-backed JSON queue guarded by a per-file lock held across
// each read-modify-write cycle. All writes go through the atomic writer.
type Queue struct {
	path          string
	maxEntries    int
	maxAgeHours   int
	quarantineDir string
	mu            sync.Mutex
}

// New creates a queue over the given file. Zero limits fall back to
// 500 entries / 72 hours.
func New(path string, maxEntries, maxAgeHours int) *Queue {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if maxAgeHours <= 0 {
		maxAgeHours = 72
	}
	return &Queue{path: path, maxEntries: maxEntries, maxAgeHours: maxAgeHours}
}

// SetQuarantineDir enables quarantine: entries that exhaust their retries
// during replay are moved out of the queue into per-entry markdown files
// under dir instead of being retained forever.
func (q *Queue) SetQuarantineDir(dir string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quarantineDir = dir
}

// Enqueue adds an operation. An existing entry with the same
// (operation, key) pair is updated in place rather than duplicated. When the
// queue is at capacity the oldest entry is evicted.
func (q *Queue) Enqueue(op Operation, key, content string, metadata map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var entryID string
	err := fsatomic.WithLock(q.path, func() error {
		entries, err := q.load()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range entries {
			if entries[i].Operation == op && entries[i].Key == key {
				entries[i].Content = content
				entries[i].Metadata = metadata
				entryID = entries[i].EntryID
				return q.save(entries)
			}
		}

		entryID = ulid.Make().String()
		entries = append(entries, Entry{
			EntryID:   entryID,
			Operation: op,
			Key:       key,
			Content:   content,
			CreatedAt: now,
			Metadata:  metadata,
		})

		if len(entries) > q.maxEntries {
			sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
			entries = entries[len(entries)-q.maxEntries:]
		}

		return q.save(entries)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", op, key, err)
	}
	return entryID, nil
}

// Entries returns a snapshot of the queue, oldest first, with expired
// entries already pruned.
func (q *Queue) Entries() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var entries []Entry
	err := fsatomic.WithLock(q.path, func() error {
		var err error
		entries, err = q.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	entries, err := q.Entries()
	if err != nil {
		return 0
	}
	return len(entries)
}

// ReplayResult summarises one replay pass.
type ReplayResult struct {
	Replayed int
	Failed   int
	Skipped  int // entries over maxRetries, retained for inspection
}

// Replay walks the queue oldest-first and calls handler for each entry.
// Entries whose handler returns true are removed; false or panic increments
// retry_count. Entries past maxRetries are skipped: moved to quarantine
// when a quarantine dir is set, retained otherwise. The queue lock is held
// for the whole pass, so replay is strictly single-threaded.
func (q *Queue) Replay(handler func(Entry) bool, maxRetries int) (ReplayResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result ReplayResult
	err := fsatomic.WithLock(q.path, func() error {
		entries, err := q.load()
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

		now := time.Now().UTC()
		var remaining []Entry
		for _, e := range entries {
			if e.RetryCount > maxRetries {
				result.Skipped++
				if q.quarantineDir != "" && q.quarantine(e) == nil {
					continue
				}
				remaining = append(remaining, e)
				continue
			}

			if runHandler(handler, e) {
				result.Replayed++
				continue
			}

			e.RetryCount++
			e.LastRetry = &now
			result.Failed++
			remaining = append(remaining, e)
		}

		return q.save(remaining)
	})
	if err != nil {
		return result, fmt.Errorf("replay: %w", err)
	}
	return result, nil
}

// quarantine writes the entry as a markdown report so an operator can
// inspect or hand-replay it.
func (q *Queue) quarantine(e Entry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Quarantined queue entry %s\n\n", e.EntryID)
	fmt.Fprintf(&b, "- **Operation**: %s\n", e.Operation)
	fmt.Fprintf(&b, "- **Key**: %s\n", e.Key)
	fmt.Fprintf(&b, "- **Created**: %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Retries**: %d\n", e.RetryCount)
	if e.LastRetry != nil {
		fmt.Fprintf(&b, "- **Last retry**: %s\n", e.LastRetry.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\n## Content\n\n```json\n%s\n```\n", e.Content)

	path := filepath.Join(q.quarantineDir, e.EntryID+".md")
	return fsatomic.Write(path, []byte(b.String()))
}

// runHandler treats a panicking handler as a failed attempt.
func runHandler(handler func(Entry) bool, e Entry) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return handler(e)
}

// load reads and age-prunes the queue file. A missing file is an empty
// queue; a corrupt file is backed up and reset.
func (q *Queue) load() ([]Entry, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		backup := q.path + ".corrupt.json"
		_ = os.Rename(q.path, backup)
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-time.Duration(q.maxAgeHours) * time.Hour)
	kept := entries[:0]
	for _, e := range entries {
		if e.CreatedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

func (q *Queue) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	return fsatomic.Write(q.path, data)
}

// MigrateLegacy merges a queue file from the legacy location into this
// queue, once, renaming the old file out of the way. No-op if the legacy
// file does not exist.
func (q *Queue) MigrateLegacy(legacyPath string) error {
	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading legacy queue: %w", err)
	}

	var legacy []Entry
	if err := json.Unmarshal(data, &legacy); err != nil {
		_ = os.Rename(legacyPath, legacyPath+".corrupt.json")
		return nil
	}

	for _, e := range legacy {
		if _, err := q.Enqueue(e.Operation, e.Key, e.Content, e.Metadata); err != nil {
			return err
		}
	}
	return os.Rename(legacyPath, legacyPath+".migrated")
}
