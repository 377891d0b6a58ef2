// Package config holds the typed runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/paths"
)

// Config is the full runtime configuration. Defaults are production values;
// every field can be overridden by env or the optional YAML file.
type Config struct {
	// SLA thresholds per priority, in hours. Must be monotonic P0 < P1 < P2 < P3.
	SLAP0Hours float64 `yaml:"sla_p0_hours"`
	SLAP1Hours float64 `yaml:"sla_p1_hours"`
	SLAP2Hours float64 `yaml:"sla_p2_hours"`
	SLAP3Hours float64 `yaml:"sla_p3_hours"`

	// Ticket creation throttling.
	MaxP2TicketsPerHour int `yaml:"max_p2_tickets_per_hour"`
	MaxP3TicketsPer4H   int `yaml:"max_p3_tickets_per_4h"`
	MaxP4TicketsPerDay  int `yaml:"max_p4_tickets_per_day"`
	EmergencyThreshold  int `yaml:"emergency_ticket_threshold"`
	EmergencyWindowMin  int `yaml:"emergency_window_minutes"`

	// Ingestion.
	CaptureEnabled      bool `yaml:"capture_enabled"`
	EnforceRaiseOrigin  bool `yaml:"enforce_raise_origin"`
	MaxMessageLength    int  `yaml:"max_message_length"`
	ContextTruncateSize int  `yaml:"context_truncate_size"`
	MinCoveragePercent  int  `yaml:"min_coverage_percent"`

	// AI dispatch.
	AIEnabled       bool          `yaml:"ai_enabled"`
	AIProvider      string        `yaml:"ai_provider"`
	AIModel         string        `yaml:"ai_model"`
	AITimeout       time.Duration `yaml:"ai_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	MaxRetries      int           `yaml:"max_retries"`

	// Webhooks and hooks.
	WebhookURLs           []string `yaml:"webhook_urls"`
	CompletionHookScripts []string `yaml:"completion_hook_scripts"`

	// Retention.
	CleanupMinAgeHours  int `yaml:"cleanup_min_age_hours"`
	EventRetentionDays  int `yaml:"event_retention_days"`
	QueueMaxEntries     int `yaml:"queue_max_entries"`
	QueueMaxAgeHours    int `yaml:"queue_max_age_hours"`
	MaxLogSizeBytes     int `yaml:"max_log_size_bytes"`
	LogRotateGenerations int `yaml:"log_rotate_generations"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		SLAP0Hours: 1,
		SLAP1Hours: 4,
		SLAP2Hours: 24,
		SLAP3Hours: 72,

		MaxP2TicketsPerHour: 10,
		MaxP3TicketsPer4H:   20,
		MaxP4TicketsPerDay:  50,
		EmergencyThreshold:  25,
		EmergencyWindowMin:  10,

		CaptureEnabled:      true,
		EnforceRaiseOrigin:  false,
		MaxMessageLength:    10000,
		ContextTruncateSize: 4000,
		MinCoveragePercent:  0,

		AIEnabled:       true,
		AIProvider:      "",
		AIModel:         "",
		AITimeout:       300 * time.Second,
		DispatchTimeout: 600 * time.Second,
		MaxRetries:      2,

		CleanupMinAgeHours:   24 * 30,
		EventRetentionDays:   30,
		QueueMaxEntries:      500,
		QueueMaxAgeHours:     72,
		MaxLogSizeBytes:      8 << 20,
		LogRotateGenerations: 3,
	}
}

// Load resolves the configuration: defaults, then the optional YAML file
// named by ACTIFIX_CONFIG_FILE, then ACTIFIX_* environment variables.
//
// In fail-fast mode the first validation error is returned with a nil
// config. In tolerant mode a best-effort config is returned alongside the
// full error list.
func Load(bundle paths.Bundle, failFast bool) (*Config, []error) {
	cfg := Default()

	if file := paths.Env("ACTIFIX_CONFIG_FILE"); file != "" {
		if err := loadFile(&cfg, file); err != nil {
			if failFast {
				return nil, []error{err}
			}
		}
	}

	if overlay, err := LoadOverlay(OverlayPath(bundle)); err == nil {
		overlay.Apply(&cfg)
	}

	applyEnv(&cfg)

	errs := cfg.Validate(bundle)
	if len(errs) > 0 && failFast {
		return nil, errs[:1]
	}
	return &cfg, errs
}

func loadFile(cfg *Config, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", file, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	envFloat("ACTIFIX_SLA_P0_HOURS", &cfg.SLAP0Hours)
	envFloat("ACTIFIX_SLA_P1_HOURS", &cfg.SLAP1Hours)
	envFloat("ACTIFIX_SLA_P2_HOURS", &cfg.SLAP2Hours)
	envFloat("ACTIFIX_SLA_P3_HOURS", &cfg.SLAP3Hours)

	envInt("ACTIFIX_MAX_P2_TICKETS_PER_HOUR", &cfg.MaxP2TicketsPerHour)
	envInt("ACTIFIX_MAX_P3_TICKETS_PER_4H", &cfg.MaxP3TicketsPer4H)
	envInt("ACTIFIX_MAX_P4_TICKETS_PER_DAY", &cfg.MaxP4TicketsPerDay)
	envInt("ACTIFIX_EMERGENCY_TICKET_THRESHOLD", &cfg.EmergencyThreshold)
	envInt("ACTIFIX_EMERGENCY_WINDOW_MINUTES", &cfg.EmergencyWindowMin)

	if v := paths.Env("ACTIFIX_CAPTURE_ENABLED"); v != "" {
		cfg.CaptureEnabled = paths.ParseBool(v, cfg.CaptureEnabled)
	}
	if v := paths.Env("ACTIFIX_ENFORCE_RAISE_AF"); v != "" {
		cfg.EnforceRaiseOrigin = paths.ParseBool(v, cfg.EnforceRaiseOrigin)
	}
	if v := paths.Env("ACTIFIX_AI_ENABLED"); v != "" {
		cfg.AIEnabled = paths.ParseBool(v, cfg.AIEnabled)
	}
	if v := paths.Env("ACTIFIX_AI_PROVIDER"); v != "" {
		cfg.AIProvider = v
	}
	if v := paths.Env("ACTIFIX_AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	envInt("ACTIFIX_MAX_MESSAGE_LENGTH", &cfg.MaxMessageLength)
	envInt("ACTIFIX_CONTEXT_TRUNCATE_SIZE", &cfg.ContextTruncateSize)
	envInt("ACTIFIX_MAX_LOG_SIZE_BYTES", &cfg.MaxLogSizeBytes)

	if v := paths.Env("ACTIFIX_WEBHOOK_URLS"); v != "" {
		cfg.WebhookURLs = splitList(v)
	}
	if v := paths.Env("ACTIFIX_COMPLETION_HOOK_SCRIPTS"); v != "" {
		cfg.CompletionHookScripts = splitList(v)
	}
}

// overlayFile is the operator-set settings file under the state dir,
// written by the settings API and applied between the config file and the
// environment.
const overlayFile = "settings.yaml"

// Overlay is the runtime-mutable settings subset. Nil pointers leave the
// underlying value untouched.
type Overlay struct {
	CaptureEnabled     *bool    `yaml:"capture_enabled,omitempty" json:"capture_enabled,omitempty"`
	EnforceRaiseOrigin *bool    `yaml:"enforce_raise_origin,omitempty" json:"enforce_raise_origin,omitempty"`
	AIEnabled          *bool    `yaml:"ai_enabled,omitempty" json:"ai_enabled,omitempty"`
	AIProvider         *string  `yaml:"ai_provider,omitempty" json:"ai_provider,omitempty"`
	AIModel            *string  `yaml:"ai_model,omitempty" json:"ai_model,omitempty"`
	WebhookURLs        []string `yaml:"webhook_urls,omitempty" json:"webhook_urls,omitempty"`
}

// OverlayPath locates the settings overlay for a path bundle.
func OverlayPath(bundle paths.Bundle) string {
	return filepath.Join(bundle.StateDir, overlayFile)
}

// LoadOverlay reads the settings overlay. A missing file is an empty
// overlay.
func LoadOverlay(path string) (Overlay, error) {
	var o Overlay
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return o, nil
	}
	if err != nil {
		return o, fmt.Errorf("reading settings overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overlay{}, fmt.Errorf("parsing settings overlay %s: %w", path, err)
	}
	return o, nil
}

// SaveOverlay persists the settings overlay atomically.
func SaveOverlay(path string, o Overlay) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return err
	}
	return fsatomic.Write(path, data)
}

// Apply copies the set fields onto a config.
func (o Overlay) Apply(c *Config) {
	if o.CaptureEnabled != nil {
		c.CaptureEnabled = *o.CaptureEnabled
	}
	if o.EnforceRaiseOrigin != nil {
		c.EnforceRaiseOrigin = *o.EnforceRaiseOrigin
	}
	if o.AIEnabled != nil {
		c.AIEnabled = *o.AIEnabled
	}
	if o.AIProvider != nil {
		c.AIProvider = *o.AIProvider
	}
	if o.AIModel != nil {
		c.AIModel = *o.AIModel
	}
	if o.WebhookURLs != nil {
		c.WebhookURLs = o.WebhookURLs
	}
}

// Diff reports the fields that differ from the defaults, one
// "name: default -> current" line each, sorted by field name.
func (c Config) Diff() []string {
	toMap := func(cfg Config) map[string]any {
		data, _ := yaml.Marshal(cfg)
		m := make(map[string]any)
		_ = yaml.Unmarshal(data, &m)
		return m
	}
	def := toMap(Default())
	cur := toMap(c)

	keys := make([]string, 0, len(def))
	for k := range def {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		if !reflect.DeepEqual(def[k], cur[k]) {
			lines = append(lines, fmt.Sprintf("%s: %v -> %v", k, def[k], cur[k]))
		}
	}
	return lines
}

// Validate checks the loaded configuration. It returns every violation it
// finds rather than stopping at the first.
func (c *Config) Validate(bundle paths.Bundle) []error {
	var errs []error

	if c.SLAP0Hours <= 0 || c.SLAP1Hours <= 0 || c.SLAP2Hours <= 0 || c.SLAP3Hours <= 0 {
		errs = append(errs, fmt.Errorf("config: SLA hours must be positive"))
	}
	if !(c.SLAP0Hours < c.SLAP1Hours && c.SLAP1Hours < c.SLAP2Hours && c.SLAP2Hours < c.SLAP3Hours) {
		errs = append(errs, fmt.Errorf("config: SLA thresholds must be monotonic (P0 < P1 < P2 < P3)"))
	}
	if c.MaxP2TicketsPerHour <= 0 || c.MaxP3TicketsPer4H <= 0 || c.MaxP4TicketsPerDay <= 0 {
		errs = append(errs, fmt.Errorf("config: throttle caps must be positive"))
	}
	if c.EmergencyThreshold <= 0 || c.EmergencyWindowMin <= 0 {
		errs = append(errs, fmt.Errorf("config: emergency brake threshold and window must be positive"))
	}
	if c.MaxMessageLength <= 0 || c.ContextTruncateSize <= 0 || c.MaxLogSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: size limits must be positive"))
	}
	if c.MinCoveragePercent < 0 || c.MinCoveragePercent > 100 {
		errs = append(errs, fmt.Errorf("config: coverage must be within 0-100, got %d", c.MinCoveragePercent))
	}
	if bundle.ProjectRoot != "" {
		if st, err := os.Stat(bundle.ProjectRoot); err != nil || !st.IsDir() {
			errs = append(errs, fmt.Errorf("config: project root %s does not exist", bundle.ProjectRoot))
		}
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("config: webhook URL %q is not http(s)", u))
		}
	}

	return errs
}

// SLAHours returns the SLA threshold for a priority string (P0..P3).
// P4 and unknown priorities share the P3 threshold.
func (c *Config) SLAHours(priority string) float64 {
	switch priority {
	case "P0":
		return c.SLAP0Hours
	case "P1":
		return c.SLAP1Hours
	case "P2":
		return c.SLAP2Hours
	default:
		return c.SLAP3Hours
	}
}

func envInt(key string, dst *int) {
	v := paths.NumericOnly(paths.Env(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envFloat(key string, dst *float64) {
	v := paths.NumericOnly(paths.Env(key))
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
