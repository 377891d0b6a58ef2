package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/ticket"
)

const (
	moduleStatusFile = "module_statuses.json"

	// statusSchemaVersion tags the persisted status file format.
	statusSchemaVersion = "module-statuses.v1"

	// defaultStopTimeout bounds each module's Stop call during shutdown.
	defaultStopTimeout = 5 * time.Second
)

// Module is one runtime component managed by the registry.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ModuleStatus is the in-memory per-module record.
type ModuleStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"` // registered, started, stopped, failed, disabled
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// StatusSets is the persisted grouping of module names, schema
// module-statuses.v1.
type StatusSets struct {
	Active   []string `json:"active"`
	Disabled []string `json:"disabled"`
	Error    []string `json:"error"`
}

type statusFile struct {
	SchemaVersion string     `json:"schema_version"`
	Statuses      StatusSets `json:"statuses"`
}

// Registry starts modules in dependency order and stops them in reverse.
// Modules the operator has disabled in the status file are skipped.
type Registry struct {
	mu         sync.Mutex
	modules    []Module
	started    []Module
	deps       map[string][]string
	status     map[string]ModuleStatus
	disabled   map[string]bool
	statusPath string
	events     *db.EventLog
	logger     *slog.Logger

	// StopTimeout bounds each module's Stop. Zero means the default.
	StopTimeout time.Duration
}

// NewRegistry creates an empty registry. events may be nil. The persisted
// status file is consulted for the disabled set; a corrupt file is backed
// up and reset.
func NewRegistry(bundle paths.Bundle, events *db.EventLog, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		deps:       make(map[string][]string),
		status:     make(map[string]ModuleStatus),
		disabled:   make(map[string]bool),
		statusPath: filepath.Join(bundle.StateDir, moduleStatusFile),
		events:     events,
		logger:     logger,
	}
	sets, err := LoadStatusSets(r.statusPath)
	if err != nil {
		logger.Warn("failed to load module statuses", "error", err)
	}
	for _, name := range sets.Disabled {
		r.disabled[name] = true
	}
	return r
}

// LoadGraph reads the optional module dependency file. A module starts
// only after everything it depends on has started; a missing file leaves
// registration order as the start order.
func (r *Registry) LoadGraph(path string) error {
	modules, err := ReadGraphFile(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range modules {
		r.deps[m.Name] = m.DependsOn
	}
	return nil
}

// Register adds a module. Order of registration is the fallback start
// order when no dependency graph constrains it.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, m)
	r.persistStatus(m.Name(), "registered", nil)
}

// StartAll starts every registered module in dependency order. The first
// failure stops the pass and leaves already-started modules running so the
// caller can StopAll.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	ordered, err := r.order()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	for _, m := range ordered {
		if r.isDisabled(m.Name()) {
			r.mu.Lock()
			r.persistStatus(m.Name(), "disabled", nil)
			r.mu.Unlock()
			r.logger.Info("module disabled, skipping", "module", m.Name())
			continue
		}
		if err := m.Start(ctx); err != nil {
			r.mu.Lock()
			r.persistStatus(m.Name(), "failed", err)
			r.mu.Unlock()
			return fmt.Errorf("failed to start module %s: %w", m.Name(), err)
		}
		r.mu.Lock()
		r.started = append(r.started, m)
		r.persistStatus(m.Name(), "started", nil)
		r.mu.Unlock()
		r.logger.Info("module started", "module", m.Name())
	}
	return nil
}

// StopAll stops started modules in reverse order, bounding each Stop with
// the per-module timeout. A module that overruns its timeout is abandoned
// and logged; shutdown continues with the next one.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	started := make([]Module, len(r.started))
	copy(started, r.started)
	r.started = nil
	r.mu.Unlock()

	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	for i := len(started) - 1; i >= 0; i-- {
		m := started[i]

		sctx, cancel := context.WithTimeout(ctx, timeout)
		done := make(chan error, 1)
		go func() { done <- m.Stop(sctx) }()

		select {
		case err := <-done:
			cancel()
			r.mu.Lock()
			if err != nil {
				r.persistStatus(m.Name(), "failed", err)
				r.logger.Warn("module stop failed", "module", m.Name(), "error", err)
			} else {
				r.persistStatus(m.Name(), "stopped", nil)
			}
			r.mu.Unlock()
		case <-sctx.Done():
			cancel()
			r.mu.Lock()
			r.persistStatus(m.Name(), "failed", sctx.Err())
			r.mu.Unlock()
			r.logger.Error("module stop timed out", "module", m.Name(), "timeout", timeout)
			if r.events != nil {
				r.events.Log(ticket.Event{
					EventType: db.EventModuleTimeout,
					Level:     ticket.LevelError,
					Message:   fmt.Sprintf("module %s did not stop within %s", m.Name(), timeout),
					Source:    "lifecycle",
				})
			}
		}
	}
}

// order resolves the start order: a topological sort over the declared
// dependencies, breaking ties by registration order. Modules named in the
// graph but never registered are ignored.
func (r *Registry) order() ([]Module, error) {
	byName := make(map[string]Module, len(r.modules))
	for _, m := range r.modules {
		byName[m.Name()] = m
	}

	var ordered []Module
	state := make(map[string]int) // 0 unvisited, 1 visiting, 2 done

	var visit func(m Module) error
	visit = func(m Module) error {
		switch state[m.Name()] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("module dependency cycle through %s", m.Name())
		}
		state[m.Name()] = 1
		for _, dep := range r.deps[m.Name()] {
			if dm, ok := byName[dep]; ok {
				if err := visit(dm); err != nil {
					return err
				}
			}
		}
		state[m.Name()] = 2
		ordered = append(ordered, m)
		return nil
	}

	for _, m := range r.modules {
		if err := visit(m); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func (r *Registry) isDisabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[name]
}

// persistStatus records the module state in memory and rewrites the
// grouped status file. Caller holds r.mu.
func (r *Registry) persistStatus(name, state string, cause error) {
	st := ModuleStatus{Name: name, State: state, UpdatedAt: time.Now().UTC()}
	if cause != nil {
		st.Error = cause.Error()
	}
	r.status[name] = st

	var sets StatusSets
	for n, st := range r.status {
		switch {
		case r.disabled[n] || st.State == "disabled":
			sets.Disabled = append(sets.Disabled, n)
		case st.State == "failed":
			sets.Error = append(sets.Error, n)
		default:
			sets.Active = append(sets.Active, n)
		}
	}
	sort.Strings(sets.Active)
	sort.Strings(sets.Disabled)
	sort.Strings(sets.Error)

	if err := writeStatusSets(r.statusPath, sets); err != nil {
		r.logger.Warn("failed to persist module statuses", "error", err)
	}
}

// Statuses returns the per-module states of this registry instance.
func (r *Registry) Statuses() map[string]ModuleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ModuleStatus, len(r.status))
	for n, st := range r.status {
		out[n] = st
	}
	return out
}

// StatusFilePath locates the persisted module status file for a bundle.
func StatusFilePath(bundle paths.Bundle) string {
	return filepath.Join(bundle.StateDir, moduleStatusFile)
}

// LoadStatusSets reads the persisted module status groups. A missing file
// is empty sets; a corrupt file is backed up to *.corrupt.json and reset
// to a default payload.
func LoadStatusSets(path string) (StatusSets, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return StatusSets{}, nil
	}
	if err != nil {
		return StatusSets{}, fmt.Errorf("reading module statuses: %w", err)
	}

	var f statusFile
	if err := json.Unmarshal(data, &f); err != nil || f.SchemaVersion != statusSchemaVersion {
		_ = os.Rename(path, path+".corrupt.json")
		_ = writeStatusSets(path, StatusSets{})
		return StatusSets{}, nil
	}
	return f.Statuses, nil
}

// SetModuleEnabled moves a module between the active and disabled groups
// in the persisted status file.
func SetModuleEnabled(path, name string, enabled bool) error {
	sets, err := LoadStatusSets(path)
	if err != nil {
		return err
	}

	sets.Active = removeName(sets.Active, name)
	sets.Disabled = removeName(sets.Disabled, name)
	sets.Error = removeName(sets.Error, name)
	if enabled {
		sets.Active = append(sets.Active, name)
		sort.Strings(sets.Active)
	} else {
		sets.Disabled = append(sets.Disabled, name)
		sort.Strings(sets.Disabled)
	}
	return writeStatusSets(path, sets)
}

func writeStatusSets(path string, sets StatusSets) error {
	data, err := json.MarshalIndent(statusFile{
		SchemaVersion: statusSchemaVersion,
		Statuses:      sets,
	}, "", "  ")
	if err != nil {
		return err
	}
	return fsatomic.Write(path, data)
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// GraphModule is one declared node of the module dependency file.
type GraphModule struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// ReadGraphFile parses a module dependency file. A missing file yields an
// empty graph.
func ReadGraphFile(path string) ([]GraphModule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading module graph: %w", err)
	}
	var g struct {
		Modules []GraphModule `yaml:"modules"`
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing module graph %s: %w", path, err)
	}
	return g.Modules, nil
}

// WriteGraphFile persists a module dependency declaration.
func WriteGraphFile(path string, modules []GraphModule) error {
	data, err := yaml.Marshal(map[string]any{"modules": modules})
	if err != nil {
		return err
	}
	return fsatomic.Write(path, data)
}

// ValidateGraph rejects duplicate names, dependencies on undeclared
// modules, and dependency cycles.
func ValidateGraph(modules []GraphModule) error {
	deps := make(map[string][]string, len(modules))
	for _, m := range modules {
		if _, dup := deps[m.Name]; dup {
			return fmt.Errorf("module %s declared twice", m.Name)
		}
		deps[m.Name] = m.DependsOn
	}

	for _, m := range modules {
		for _, d := range m.DependsOn {
			if _, ok := deps[d]; !ok {
				return fmt.Errorf("module %s depends on undeclared module %s", m.Name, d)
			}
		}
	}

	state := make(map[string]int)
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("module dependency cycle through %s", name)
		}
		state[name] = 1
		for _, d := range deps[name] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[name] = 2
		return nil
	}
	for _, m := range modules {
		if err := visit(m.Name); err != nil {
			return err
		}
	}
	return nil
}
