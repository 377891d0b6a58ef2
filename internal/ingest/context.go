package ingest

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/arctek/actifix/internal/redact"
)

// envCacheTTL bounds how often the sanitised environment snapshot is
// rebuilt. Env churn between errors is rare; scanning it on every ticket
// is not worth it on the hot path.
const envCacheTTL = 60 * time.Second

// snippetRadius is the number of lines captured on each side of the
// reported error line.
const snippetRadius = 10

var sourceLocation = regexp.MustCompile(`^(.+?):(\d+)$`)

// captureFileContext reads a snippet around the error location named by
// source ("path/to/file.go:42"). Sources without a usable location yield
// nothing; missing files are skipped silently.
func captureFileContext(source string, maxBytes int) map[string]string {
	m := sourceLocation.FindStringSubmatch(strings.TrimSpace(source))
	if m == nil {
		return nil
	}
	path := m[1]
	line, err := strconv.Atoi(m[2])
	if err != nil || line < 1 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	lines := strings.Split(string(data), "\n")
	start := line - 1 - snippetRadius
	if start < 0 {
		start = 0
	}
	end := line + snippetRadius
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i == line-1 {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, i+1, lines[i])
	}

	snippet := redact.Redact(b.String())
	if maxBytes > 0 && len(snippet) > maxBytes {
		snippet = snippet[:maxBytes]
	}
	return map[string]string{path: snippet}
}

// captureSystemState snapshots coarse host state: cwd, platform, the
// sanitised ACTIFIX_* environment, and git branch/commit when available.
// The env snapshot is cached with a TTL; git lookups are bounded.
func (p *Pipeline) captureSystemState() map[string]any {
	state := map[string]any{
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"go_version": runtime.Version(),
	}
	if cwd, err := os.Getwd(); err == nil {
		state["cwd"] = cwd
	}
	state["env"] = p.sanitizedEnv()

	if branch, commit, ok := gitInfo(p.bundle.ProjectRoot); ok {
		state["git_branch"] = branch
		state["git_commit"] = commit
	}
	return state
}

func (p *Pipeline) sanitizedEnv() map[string]string {
	p.envMu.Lock()
	defer p.envMu.Unlock()

	if p.envCache != nil && time.Since(p.envCacheAt) < envCacheTTL {
		return p.envCache
	}

	snapshot := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "ACTIFIX_") {
			continue
		}
		// Key material never goes into a snapshot, redacted or not.
		if strings.Contains(k, "API_KEY") || strings.Contains(k, "SECRET") || strings.Contains(k, "TOKEN") {
			v = "***"
		}
		snapshot[k] = v
	}
	p.envCache = redact.RedactMap(snapshot)
	p.envCacheAt = time.Now()
	return p.envCache
}

func gitInfo(root string) (branch, commit string, ok bool) {
	branch = gitCmd(root, "rev-parse", "--abbrev-ref", "HEAD")
	commit = gitCmd(root, "rev-parse", "--short", "HEAD")
	return branch, commit, branch != "" || commit != ""
}

func gitCmd(root string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// truncateStack bounds a stack trace to maxBytes, keeping the head and tail
// and cutting at line boundaries. The head carries the error, the tail the
// entry point; the middle frames are the expendable part.
func truncateStack(stack string, maxBytes int) string {
	if maxBytes <= 0 || len(stack) <= maxBytes {
		return stack
	}

	half := maxBytes / 2
	head := stack[:half]
	if i := strings.LastIndexByte(head, '\n'); i > 0 {
		head = head[:i+1]
	}
	tail := stack[len(stack)-half:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return head + "... [truncated] ...\n" + tail
}
