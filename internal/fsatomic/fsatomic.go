// Package fsatomic provides crash-safe file primitives. Every managed file
// is written via temp-write-then-rename; readers never observe a partial
// update.
package fsatomic

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/arctek/actifix/internal/paths"
)

// DefaultMaxLogBytes is the rotation threshold for appended logs.
// Tunable through ACTIFIX_MAX_LOG_SIZE_BYTES.
const DefaultMaxLogBytes = 8 << 20

// DefaultRotations is the number of rotated generations kept (path.1..path.K).
const DefaultRotations = 3

// Write atomically replaces path with content. The temp file lives in the
// destination directory so the rename never crosses filesystems, and the
// directory is fsynced after the rename where the platform supports it.
func Write(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// WriteString is Write for text content.
func WriteString(path, content string) error {
	return Write(path, []byte(content))
}

// AppendWithGuard appends content to path, keeping the file at or below
// maxBytes. When the limit is exceeded the file is trimmed from the start at
// the nearest line boundary, so the retained head always begins a fresh line.
// Rotation runs first: if the current file already exceeds the threshold it
// is shifted to path.1, path.1 to path.2, and so on. Rotation failures are
// ignored so that logging never blocks on housekeeping.
func AppendWithGuard(path, content string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = maxLogBytes()
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if len(existing) >= maxLogBytes() {
		rotate(path, DefaultRotations)
		existing = nil
	}

	combined := append(existing, []byte(content)...)
	if len(combined) > maxBytes {
		combined = trimToLineBoundary(combined, maxBytes)
	}

	return Write(path, combined)
}

// IdempotentAppend appends content only if entryKey is not already present
// in the file. It reports whether a write occurred.
func IdempotentAppend(path, content, entryKey string) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if entryKey != "" && strings.Contains(string(existing), entryKey) {
		return false, nil
	}
	if err := Write(path, append(existing, []byte(content)...)); err != nil {
		return false, err
	}
	return true, nil
}

// trimToLineBoundary drops bytes from the start of buf until it fits within
// maxBytes, then advances to the next newline so the result starts on a
// clean line.
func trimToLineBoundary(buf []byte, maxBytes int) []byte {
	start := len(buf) - maxBytes
	if start < 0 {
		return buf
	}
	if idx := bytes.IndexByte(buf[start:], '\n'); idx >= 0 {
		start += idx + 1
	}
	return buf[start:]
}

// rotate shifts path to path.1, path.1 to path.2, ... keeping k generations.
func rotate(path string, k int) {
	for i := k - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	_ = os.Rename(path, path+".1")
}

// syncDir fsyncs a directory so the rename itself is durable. Platforms
// that cannot fsync directories report an error we deliberately ignore.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func maxLogBytes() int {
	if v := paths.NumericOnly(paths.Env("ACTIFIX_MAX_LOG_SIZE_BYTES")); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxLogBytes
}
