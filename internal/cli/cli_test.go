package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run invokes the CLI against root and returns the exit code with the
// captured output streams.
func run(t *testing.T, root string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Run(append(args, "--root", root), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run(nil, &out, &errOut)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut.String(), "Usage:")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"frobnicate"}, &out, &errOut)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut.String(), `unknown command "frobnicate"`)
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"version"}, &out, &errOut)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out.String(), "actifix ")
}

func TestInitCreatesLayout(t *testing.T) {
	root := t.TempDir()
	code, out, errOut := run(t, root, "init")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "actifix initialised")

	_, err := os.Stat(filepath.Join(root, "state"))
	assert.NoError(t, err)
}

func TestRecordPositionalThenStatus(t *testing.T) {
	root := t.TempDir()

	code, out, errOut := run(t, root, "record", "TestError", "boom", "main.go:7")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "created ACT-")
	assert.Contains(t, out, "TestError")

	// Same guard key again is suppressed.
	code, out, _ = run(t, root, "record", "TestError", "boom", "main.go:7")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "suppressed")

	code, out, _ = run(t, root, "status")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "=== Actifix Status ===")
	assert.Contains(t, out, "Open")
}

func TestRecordRequiresMessage(t *testing.T) {
	code, _, errOut := run(t, t.TempDir(), "record")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "--message is required")
}

func TestLogsTailShowsTicketCreation(t *testing.T) {
	root := t.TempDir()
	code, _, errOut := run(t, root, "record", "LogError", "watch me", "a.go:1")
	require.Equal(t, ExitOK, code, errOut)

	code, out, _ := run(t, root, "logs", "tail", "-n", "10")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "TICKET_CREATED")
	assert.Contains(t, out, "LogError")
}

func TestQuarantineEmpty(t *testing.T) {
	code, out, _ := run(t, t.TempDir(), "quarantine", "list")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "quarantine is empty")
}

func TestConfigDiffDefaults(t *testing.T) {
	code, out, _ := run(t, t.TempDir(), "config", "diff")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "configuration matches the defaults")
}

func TestTicketsRequiresCleanupSubcommand(t *testing.T) {
	code, _, errOut := run(t, t.TempDir(), "tickets")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "usage: tickets cleanup")
}

func TestTicketsCleanupNothingToDo(t *testing.T) {
	code, out, _ := run(t, t.TempDir(), "tickets", "cleanup")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "nothing to clean up")
}

func TestModulesDeclareValidateGraph(t *testing.T) {
	root := t.TempDir()

	code, _, errOut := run(t, root, "modules", "create", "db")
	require.Equal(t, ExitOK, code, errOut)

	code, _, errOut = run(t, root, "modules", "create", "web", "--depends-on", "db")
	require.Equal(t, ExitOK, code, errOut)

	// Redeclaring without --force is refused.
	code, _, errOut = run(t, root, "modules", "create", "web")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "already declared")

	code, out, _ := run(t, root, "modules", "validate")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "2 modules declared")

	code, out, _ = run(t, root, "modules", "graph")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "web -> db")
}

func TestModulesCreateRejectsUndeclaredDependency(t *testing.T) {
	code, _, errOut := run(t, t.TempDir(), "modules", "create", "web", "--depends-on", "ghost")
	assert.Equal(t, ExitError, code)
	assert.NotEmpty(t, errOut)
}

func TestModulesEnableDisableList(t *testing.T) {
	root := t.TempDir()

	code, _, errOut := run(t, root, "modules", "disable", "web")
	require.Equal(t, ExitOK, code, errOut)

	code, out, _ := run(t, root, "modules", "list")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "disabled: web")

	code, _, _ = run(t, root, "modules", "enable", "web")
	require.Equal(t, ExitOK, code)

	code, out, _ = run(t, root, "modules", "list")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "active: web")
}

func TestMetricsExposition(t *testing.T) {
	code, out, errOut := run(t, t.TempDir(), "metrics")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "actifix_tickets_total")
}

func TestRepairDryRunByDefault(t *testing.T) {
	code, out, _ := run(t, t.TempDir(), "repair")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "would: vacuum the ticket database")
	assert.Contains(t, out, "dry run; rerun with --execute to apply")
}

func TestDiagnosticsSummary(t *testing.T) {
	code, out, _ := run(t, t.TempDir(), "diagnostics", "summary")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "health:")
	assert.Contains(t, out, "tickets:")
}

func TestDiagnosticsExportWritesBundle(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "bundle.json")

	code, out, errOut := run(t, root, "diagnostics", "export", "-o", dest)
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "wrote "+dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"generated_at"`)
	assert.Contains(t, string(data), `"health"`)
}
