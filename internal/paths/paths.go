// Package paths resolves the on-disk layout for actifix state.
//
// Resolution precedence: explicit overrides, then ACTIFIX_* environment
// variables, then defaults derived from the current working directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Bundle is the resolved set of directories and files actifix owns.
type Bundle struct {
	ProjectRoot       string
	DataDir           string
	StateDir          string
	LogsDir           string
	TicketDBPath      string
	QuarantineDir     string
	FallbackQueuePath string
	ListFile          string
	RollupFile        string
	EventLogPath      string
}

// Overrides are explicit path overrides that win over environment values.
type Overrides struct {
	ProjectRoot string
	DataDir     string
	StateDir    string
	LogsDir     string
	DBPath      string
}

// Resolve builds the paths bundle for the process.
func Resolve(o Overrides) (Bundle, error) {
	root := pick(o.ProjectRoot, Env("ACTIFIX_PROJECT_ROOT"))
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Bundle{}, fmt.Errorf("resolving working directory: %w", err)
		}
		root = cwd
	}
	root = CleanPath(root)

	dataDir := pick(o.DataDir, Env("ACTIFIX_DATA_DIR"))
	if dataDir == "" {
		dataDir = filepath.Join(root, "data")
	}
	stateDir := pick(o.StateDir, Env("ACTIFIX_STATE_DIR"))
	if stateDir == "" {
		stateDir = filepath.Join(root, "state")
	}
	logsDir := pick(o.LogsDir, Env("ACTIFIX_LOGS_DIR"))
	if logsDir == "" {
		logsDir = filepath.Join(root, "logs")
	}
	dbPath := pick(o.DBPath, Env("ACTIFIX_DB_PATH"))
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "actifix.db")
	}

	return Bundle{
		ProjectRoot:       root,
		DataDir:           CleanPath(dataDir),
		StateDir:          CleanPath(stateDir),
		LogsDir:           CleanPath(logsDir),
		TicketDBPath:      CleanPath(dbPath),
		QuarantineDir:     filepath.Join(CleanPath(stateDir), "quarantine"),
		FallbackQueuePath: filepath.Join(CleanPath(stateDir), "actifix_fallback_queue.json"),
		ListFile:          filepath.Join(CleanPath(stateDir), "actifix_list.md"),
		RollupFile:        filepath.Join(CleanPath(stateDir), "actifix_rollup.md"),
		EventLogPath:      filepath.Join(CleanPath(logsDir), "actifix_events.log"),
	}, nil
}

// EnsureDirs creates every directory the bundle references.
func (b Bundle) EnsureDirs() error {
	dirs := []string{
		b.DataDir,
		b.StateDir,
		b.LogsDir,
		b.QuarantineDir,
		filepath.Dir(b.TicketDBPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Env reads and sanitises an environment variable. Null bytes and control
// characters are stripped so a poisoned environment cannot smuggle them into
// file paths or config values.
func Env(key string) string {
	return Sanitize(os.Getenv(key))
}

// Sanitize strips null bytes and control characters from an env value.
func Sanitize(v string) string {
	if v == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if r == 0 || (r < 0x20 && r != '\t') || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// CleanPath collapses redundant separators and resolves "." elements.
func CleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(Sanitize(p))
}

// ParseBool parses the boolean forms accepted for ACTIFIX_* variables.
// Unrecognised values return the fallback.
func ParseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// NumericOnly keeps digits, sign, and decimal point; everything else is
// dropped before the value reaches strconv.
func NumericOnly(v string) string {
	var b strings.Builder
	for _, r := range v {
		if (r >= '0' && r <= '9') || r == '-' || r == '+' || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
