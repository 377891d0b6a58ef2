package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/actifix/internal/paths"
)

func testBundle(t *testing.T) paths.Bundle {
	t.Helper()
	return paths.Bundle{ProjectRoot: t.TempDir()}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate(testBundle(t)))
}

func TestValidateSLAMonotonic(t *testing.T) {
	cfg := Default()
	cfg.SLAP1Hours = cfg.SLAP2Hours + 1

	errs := cfg.Validate(testBundle(t))
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "monotonic")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.SLAP0Hours = -1
	cfg.MaxP2TicketsPerHour = 0
	cfg.MinCoveragePercent = 150
	cfg.WebhookURLs = []string{"ftp://nope"}

	errs := cfg.Validate(testBundle(t))
	assert.GreaterOrEqual(t, len(errs), 4)
}

func TestValidateMissingProjectRoot(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate(paths.Bundle{ProjectRoot: "/nonexistent/actifix-test-root"})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "project root")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ACTIFIX_MAX_P2_TICKETS_PER_HOUR", "7")
	t.Setenv("ACTIFIX_CAPTURE_ENABLED", "false")
	t.Setenv("ACTIFIX_SLA_P0_HOURS", "0.5")
	t.Setenv("ACTIFIX_WEBHOOK_URLS", "https://a.example/hook, https://b.example/hook")

	cfg, errs := Load(testBundle(t), true)
	require.Empty(t, errs)
	require.NotNil(t, cfg)

	assert.Equal(t, 7, cfg.MaxP2TicketsPerHour)
	assert.False(t, cfg.CaptureEnabled)
	assert.Equal(t, 0.5, cfg.SLAP0Hours)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.WebhookURLs)
}

func TestLoadIgnoresGarbageEnv(t *testing.T) {
	t.Setenv("ACTIFIX_MAX_P2_TICKETS_PER_HOUR", "lots")

	cfg, errs := Load(testBundle(t), true)
	require.Empty(t, errs)
	assert.Equal(t, Default().MaxP2TicketsPerHour, cfg.MaxP2TicketsPerHour)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "actifix.yaml")
	require.NoError(t, os.WriteFile(file, []byte("max_p2_tickets_per_hour: 5\nai_enabled: false\n"), 0o644))
	t.Setenv("ACTIFIX_CONFIG_FILE", file)

	cfg, errs := Load(testBundle(t), true)
	require.Empty(t, errs)
	assert.Equal(t, 5, cfg.MaxP2TicketsPerHour)
	assert.False(t, cfg.AIEnabled)
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "actifix.yaml")
	require.NoError(t, os.WriteFile(file, []byte("max_p2_tickets_per_hour: 5\n"), 0o644))
	t.Setenv("ACTIFIX_CONFIG_FILE", file)
	t.Setenv("ACTIFIX_MAX_P2_TICKETS_PER_HOUR", "9")

	cfg, errs := Load(testBundle(t), true)
	require.Empty(t, errs)
	assert.Equal(t, 9, cfg.MaxP2TicketsPerHour)
}

func TestLoadFailFastVsTolerant(t *testing.T) {
	t.Setenv("ACTIFIX_MAX_P2_TICKETS_PER_HOUR", "0")

	cfg, errs := Load(testBundle(t), true)
	assert.Nil(t, cfg)
	assert.NotEmpty(t, errs)

	cfg, errs = Load(testBundle(t), false)
	require.NotNil(t, cfg, "tolerant mode returns a best-effort config")
	assert.NotEmpty(t, errs)
}

func TestSLAHours(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.SLAP0Hours, cfg.SLAHours("P0"))
	assert.Equal(t, cfg.SLAP2Hours, cfg.SLAHours("P2"))
	assert.Equal(t, cfg.SLAP3Hours, cfg.SLAHours("P4"), "P4 shares the P3 threshold")
	assert.Equal(t, cfg.SLAP3Hours, cfg.SLAHours("bogus"))
}
