package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaultsUnderProjectRoot(t *testing.T) {
	root := t.TempDir()

	b, err := Resolve(Overrides{ProjectRoot: root})
	require.NoError(t, err)

	assert.Equal(t, root, b.ProjectRoot)
	assert.Equal(t, filepath.Join(root, "data"), b.DataDir)
	assert.Equal(t, filepath.Join(root, "state"), b.StateDir)
	assert.Equal(t, filepath.Join(root, "logs"), b.LogsDir)
	assert.Equal(t, filepath.Join(root, "data", "actifix.db"), b.TicketDBPath)
	assert.Equal(t, filepath.Join(root, "state", "quarantine"), b.QuarantineDir)
	assert.Equal(t, filepath.Join(root, "state", "actifix_fallback_queue.json"), b.FallbackQueuePath)
	assert.Equal(t, filepath.Join(root, "logs", "actifix_events.log"), b.EventLogPath)
}

func TestResolveOverridesWinOverEnv(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	t.Setenv("ACTIFIX_PROJECT_ROOT", other)
	t.Setenv("ACTIFIX_DATA_DIR", filepath.Join(other, "envdata"))

	b, err := Resolve(Overrides{
		ProjectRoot: root,
		DataDir:     filepath.Join(root, "mydata"),
	})
	require.NoError(t, err)

	assert.Equal(t, root, b.ProjectRoot)
	assert.Equal(t, filepath.Join(root, "mydata"), b.DataDir)
	// Unoverridden values still come from the environment.
	assert.NotEqual(t, other, b.ProjectRoot)
}

func TestResolveEnvWinsOverDefault(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ACTIFIX_STATE_DIR", filepath.Join(root, "custom-state"))

	b, err := Resolve(Overrides{ProjectRoot: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "custom-state"), b.StateDir)
}

func TestResolveDBPathFollowsDataDir(t *testing.T) {
	root := t.TempDir()
	b, err := Resolve(Overrides{ProjectRoot: root, DataDir: filepath.Join(root, "d2")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "d2", "actifix.db"), b.TicketDBPath)
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	b, err := Resolve(Overrides{ProjectRoot: root})
	require.NoError(t, err)
	require.NoError(t, b.EnsureDirs())

	for _, dir := range []string{b.DataDir, b.StateDir, b.LogsDir, b.QuarantineDir} {
		assert.DirExists(t, dir)
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "clean", Sanitize("clean"))
	assert.Equal(t, "abc", Sanitize("a\x00b\x01c"))
	assert.Equal(t, "path", Sanitize("  path\n"))
	assert.Equal(t, "a\tb", Sanitize("a\tb"), "tabs survive")
	assert.Equal(t, "", Sanitize(""))
	assert.Equal(t, "ab", Sanitize("a\x7fb"))
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "", CleanPath(""))
	assert.Equal(t, "/a/b", CleanPath("/a//b/"))
	assert.Equal(t, "/a/b", CleanPath("/a/./b"))
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "on", "TRUE", " Yes "} {
		assert.True(t, ParseBool(v, false), v)
	}
	for _, v := range []string{"false", "0", "no", "off", "OFF"} {
		assert.False(t, ParseBool(v, true), v)
	}
	assert.True(t, ParseBool("maybe", true))
	assert.False(t, ParseBool("", false))
}

func TestNumericOnly(t *testing.T) {
	assert.Equal(t, "42", NumericOnly("42"))
	assert.Equal(t, "-3.5", NumericOnly("-3.5 hours"))
	assert.Equal(t, "", NumericOnly("lots"))
	assert.Equal(t, "100", NumericOnly("1e0f0"), "letters are stripped")
}

func TestEnvSanitises(t *testing.T) {
	t.Setenv("ACTIFIX_TEST_VALUE", "  hello\x00world  ")
	assert.Equal(t, "helloworld", Env("ACTIFIX_TEST_VALUE"))
}
