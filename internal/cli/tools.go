package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/fsatomic"
	"github.com/arctek/actifix/internal/lifecycle"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/provider"
	"github.com/arctek/actifix/internal/ticket"
)

// cmdMetrics prints the Prometheus exposition to stdout.
func cmdMetrics(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("metrics", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	if err := rt.Metrics.WriteText(out); err != nil {
		return fail(errOut, err)
	}
	return ExitOK
}

// cmdLogs tails the event log. "actifix logs tail" is the canonical form;
// a bare "actifix logs" behaves the same.
func cmdLogs(out, errOut io.Writer, args []string) int {
	if len(args) > 0 && args[0] == "tail" {
		args = args[1:]
	}

	var o paths.Overrides
	var verbose bool
	var limit int
	var level, eventType string
	fs := newFlagSet("logs", &o, &verbose)
	fs.IntVarP(&limit, "limit", "n", 50, "max lines to show")
	fs.StringVar(&level, "level", "", "filter by level (DEBUG, INFO, WARNING, ERROR)")
	fs.StringVar(&eventType, "event-type", "", "filter by event type")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	events, err := rt.Events.Get(db.EventFilter{
		Level:     strings.ToUpper(level),
		EventType: eventType,
		Limit:     limit,
	})
	if err != nil {
		return fail(errOut, err)
	}

	// Newest-first from the store; a tail reads oldest-first.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		ref := ""
		if ev.TicketID != "" {
			ref = " " + ev.TicketID
		}
		fmt.Fprintf(out, "%s  %-8s %-22s%s  %s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Level, ev.EventType, ref, ev.Message)
	}
	return ExitOK
}

// cmdQuarantine lists the quarantined queue entries.
func cmdQuarantine(out, errOut io.Writer, args []string) int {
	if len(args) > 0 && args[0] == "list" {
		args = args[1:]
	}

	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("quarantine", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	bundle, err := paths.Resolve(o)
	if err != nil {
		return fail(errOut, err)
	}

	matches, err := filepath.Glob(filepath.Join(bundle.QuarantineDir, "*.md"))
	if err != nil {
		return fail(errOut, err)
	}
	if len(matches) == 0 {
		fmt.Fprintln(out, "quarantine is empty")
		return ExitOK
	}

	sort.Strings(matches)
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "%s  %6d bytes  %s\n",
			st.ModTime().UTC().Format(time.RFC3339), st.Size(), filepath.Base(m))
	}
	return ExitOK
}

// cmdTickets runs ticket maintenance. Only "cleanup" is defined: remove
// completed tickets older than the retention window. Dry-run by default.
func cmdTickets(out, errOut io.Writer, args []string) int {
	if len(args) == 0 || args[0] != "cleanup" {
		return fail(errOut, fmt.Errorf("usage: tickets cleanup [--min-age-hours H] [--execute]"))
	}
	args = args[1:]

	var o paths.Overrides
	var verbose, execute bool
	var minAgeHours int
	fs := newFlagSet("tickets cleanup", &o, &verbose)
	fs.IntVar(&minAgeHours, "min-age-hours", 0, "minimum completed age (default: configured retention)")
	fs.BoolVar(&execute, "execute", false, "actually delete (default: dry run)")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	if minAgeHours <= 0 {
		minAgeHours = rt.Config.CleanupMinAgeHours
	}
	cutoff := time.Now().UTC().Add(-time.Duration(minAgeHours) * time.Hour)

	stale, err := rt.Store.CompletedOlderThan(cutoff)
	if err != nil {
		return fail(errOut, err)
	}
	if len(stale) == 0 {
		fmt.Fprintln(out, "nothing to clean up")
		return ExitOK
	}

	for _, t := range stale {
		if !execute {
			fmt.Fprintf(out, "would delete %s (completed %s)\n", t.ID, t.UpdatedAt.Format(time.RFC3339))
			continue
		}
		if err := rt.Store.DeleteTicket(t.ID); err != nil {
			fmt.Fprintf(errOut, "Warning: delete %s: %v\n", t.ID, err)
			continue
		}
		fmt.Fprintf(out, "deleted %s\n", t.ID)
	}
	if !execute {
		fmt.Fprintf(out, "\n%d tickets eligible; rerun with --execute to delete\n", len(stale))
	}
	return ExitOK
}

// cmdConfig shows configuration. "diff" prints the values that differ
// from the defaults.
func cmdConfig(out, errOut io.Writer, args []string) int {
	if len(args) == 0 || args[0] != "diff" {
		return fail(errOut, fmt.Errorf("usage: config diff"))
	}
	args = args[1:]

	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("config diff", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	lines := rt.Config.Diff()
	if len(lines) == 0 {
		fmt.Fprintln(out, "configuration matches the defaults")
		return ExitOK
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	return ExitOK
}

// cmdModules manages the lifecycle module declarations and the persisted
// status groups.
func cmdModules(out, errOut io.Writer, args []string) int {
	if len(args) == 0 {
		return fail(errOut, fmt.Errorf("usage: modules {list|enable|disable|create|validate|graph} [name]"))
	}
	sub, args := args[0], args[1:]

	var name string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}

	var o paths.Overrides
	var verbose, force bool
	var dependsOn []string
	fs := newFlagSet("modules "+sub, &o, &verbose)
	fs.StringSliceVar(&dependsOn, "depends-on", nil, "dependencies for create")
	fs.BoolVar(&force, "force", false, "overwrite an existing declaration")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	bundle, err := paths.Resolve(o)
	if err != nil {
		return fail(errOut, err)
	}
	statusPath := lifecycle.StatusFilePath(bundle)
	graphPath := filepath.Join(bundle.StateDir, "modules.yaml")

	switch sub {
	case "list":
		sets, err := lifecycle.LoadStatusSets(statusPath)
		if err != nil {
			return fail(errOut, err)
		}
		printSet := func(label string, names []string) {
			if len(names) == 0 {
				return
			}
			fmt.Fprintf(out, "%s: %s\n", label, strings.Join(names, ", "))
		}
		printSet("active", sets.Active)
		printSet("disabled", sets.Disabled)
		printSet("error", sets.Error)
		if len(sets.Active)+len(sets.Disabled)+len(sets.Error) == 0 {
			fmt.Fprintln(out, "no module statuses recorded yet")
		}
		return ExitOK

	case "enable", "disable":
		if name == "" {
			return fail(errOut, fmt.Errorf("modules %s requires a module name", sub))
		}
		if err := lifecycle.SetModuleEnabled(statusPath, name, sub == "enable"); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "%sd %s\n", sub, name)
		return ExitOK

	case "create":
		if name == "" {
			return fail(errOut, fmt.Errorf("modules create requires a module name"))
		}
		modules, err := lifecycle.ReadGraphFile(graphPath)
		if err != nil {
			return fail(errOut, err)
		}
		replaced := false
		for i := range modules {
			if modules[i].Name == name {
				if !force {
					return fail(errOut, fmt.Errorf("module %s already declared (use --force to replace)", name))
				}
				modules[i].DependsOn = dependsOn
				replaced = true
			}
		}
		if !replaced {
			modules = append(modules, lifecycle.GraphModule{Name: name, DependsOn: dependsOn})
		}
		if err := lifecycle.ValidateGraph(modules); err != nil {
			return fail(errOut, err)
		}
		if err := lifecycle.WriteGraphFile(graphPath, modules); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "declared %s in %s\n", name, graphPath)
		return ExitOK

	case "validate":
		modules, err := lifecycle.ReadGraphFile(graphPath)
		if err != nil {
			return fail(errOut, err)
		}
		if err := lifecycle.ValidateGraph(modules); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "%d modules declared, graph is valid\n", len(modules))
		return ExitOK

	case "graph":
		modules, err := lifecycle.ReadGraphFile(graphPath)
		if err != nil {
			return fail(errOut, err)
		}
		if len(modules) == 0 {
			fmt.Fprintln(out, "no module graph declared")
			return ExitOK
		}
		for _, m := range modules {
			if len(m.DependsOn) == 0 {
				fmt.Fprintln(out, m.Name)
				continue
			}
			fmt.Fprintf(out, "%s -> %s\n", m.Name, strings.Join(m.DependsOn, ", "))
		}
		return ExitOK

	default:
		return fail(errOut, fmt.Errorf("unknown modules subcommand %q", sub))
	}
}

// cmdDoctor diagnoses the installation and prints remediation hints.
// Exit code follows the verdict.
func cmdDoctor(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("doctor", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	snap := rt.Checker.Check()
	fmt.Fprintf(out, "verdict: %s\n\n", snap.Status)

	hints := 0
	hint := func(format string, args ...any) {
		hints++
		fmt.Fprintf(out, "  -> "+format+"\n", args...)
	}

	for _, p := range snap.Problems {
		fmt.Fprintf(out, "problem: %s\n", p)
	}
	if !snap.FilesExist {
		hint("core artefacts are missing; run: actifix init")
	}
	if !snap.FilesWritable {
		hint("the state dir rejects writes; check ownership of %s", rt.Bundle.StateDir)
	}
	if len(snap.SLABreaches) > 0 {
		hint("%d tickets are past SLA; run: actifix process --limit 0", len(snap.SLABreaches))
	}
	if snap.QueueDepth > 0 {
		hint("%d entries wait in the fallback queue; run: actifix queue --replay", snap.QueueDepth)
	}
	if snap.DiskUsedPercent >= 90 {
		hint("disk is %.1f%% full; free space or run: actifix tickets cleanup --execute", snap.DiskUsedPercent)
	}
	if snap.DatabaseBytes >= 100<<20 {
		hint("database is %d MiB; run: actifix repair --execute", snap.DatabaseBytes>>20)
	}

	if rt.Config.AIEnabled {
		status := rt.Router.GetStatus(provider.Kind(rt.Config.AIProvider), false)
		available := 0
		for _, p := range status.Providers {
			if p.Available {
				available++
			}
		}
		if available <= 1 {
			hint("only the free fallback provider is available; set an API key (ACTIFIX_AI_API_KEY) or install a provider CLI")
		}
	}

	if errs := rt.Config.Validate(rt.Bundle); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(out, "config problem: %v\n", e)
		}
		hint("fix the configuration; compare with: actifix config diff")
	}

	if hints == 0 {
		fmt.Fprintln(out, "no problems found")
	}
	if snap.Status != "healthy" {
		return ExitError
	}
	return ExitOK
}

// cmdRepair applies the safe maintenance actions doctor suggests:
// expired-lease cleanup, queue replay, ledger and event pruning, and a
// database vacuum. Dry-run by default.
func cmdRepair(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose, execute bool
	fs := newFlagSet("repair", &o, &verbose)
	fs.BoolVar(&execute, "execute", false, "actually repair (default: dry run)")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	step := func(label string, run func() (string, error)) {
		if !execute {
			fmt.Fprintf(out, "would: %s\n", label)
			return
		}
		detail, err := run()
		if err != nil {
			fmt.Fprintf(errOut, "Warning: %s: %v\n", label, err)
			return
		}
		fmt.Fprintf(out, "done: %s%s\n", label, detail)
	}

	step("release expired ticket leases", func() (string, error) {
		n, err := rt.Store.CleanupExpiredLocks()
		return fmt.Sprintf(" (%d released)", n), err
	})
	if depth := rt.Fallback.Len(); depth > 0 {
		step(fmt.Sprintf("replay %d fallback queue entries", depth), func() (string, error) {
			res, err := rt.Fallback.Replay(rt.Pipeline.ReplayHandler(), rt.Config.MaxRetries)
			return fmt.Sprintf(" (replayed %d, failed %d)", res.Replayed, res.Failed), err
		})
	}
	step("prune throttle and rate-limit ledgers", func() (string, error) {
		rt.Throttler.PruneLedger()
		rt.Limiter.PruneLedger()
		return "", nil
	})
	step(fmt.Sprintf("prune events older than %d days", rt.Config.EventRetentionDays), func() (string, error) {
		n, err := rt.Events.PruneOldEvents(rt.Config.EventRetentionDays)
		return fmt.Sprintf(" (%d removed)", n), err
	})
	step("vacuum the ticket database", func() (string, error) {
		return "", rt.DB.Vacuum()
	})

	if !execute {
		fmt.Fprintln(out, "\ndry run; rerun with --execute to apply")
	}
	return ExitOK
}

// cmdDiagnostics summarises the installation or exports a support bundle.
func cmdDiagnostics(out, errOut io.Writer, args []string) int {
	if len(args) == 0 {
		return fail(errOut, fmt.Errorf("usage: diagnostics {summary|export [-o PATH] [--no-logs] [--no-tickets]}"))
	}
	sub, args := args[0], args[1:]

	var o paths.Overrides
	var verbose, noLogs, noTickets bool
	var outPath string
	fs := newFlagSet("diagnostics "+sub, &o, &verbose)
	fs.StringVarP(&outPath, "output", "o", "actifix_diagnostics.json", "export destination")
	fs.BoolVar(&noLogs, "no-logs", false, "omit the event log from the export")
	fs.BoolVar(&noTickets, "no-tickets", false, "omit ticket details from the export")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	switch sub {
	case "summary":
		snap := rt.Checker.Check()
		stats, err := rt.Store.GetStats()
		if err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "actifix %s\n", Version)
		fmt.Fprintf(out, "project root: %s\n", rt.Bundle.ProjectRoot)
		fmt.Fprintf(out, "database:     %s (%d KiB)\n", rt.Bundle.TicketDBPath, snap.DatabaseBytes/1024)
		fmt.Fprintf(out, "health:       %s\n", snap.Status)
		fmt.Fprintf(out, "tickets:      %d total, %d open, %d completed\n",
			stats.Total, stats.ByStatus[ticket.StatusOpen], stats.ByStatus[ticket.StatusCompleted])
		fmt.Fprintf(out, "queue depth:  %d\n", snap.QueueDepth)
		if diff := rt.Config.Diff(); len(diff) > 0 {
			fmt.Fprintln(out, "config overrides:")
			for _, l := range diff {
				fmt.Fprintf(out, "  %s\n", l)
			}
		}
		return ExitOK

	case "export":
		bundle := map[string]any{
			"generated_at": time.Now().UTC(),
			"version":      Version,
			"paths":        rt.Bundle,
			"config_diff":  rt.Config.Diff(),
			"health":       rt.Checker.Check(),
		}
		if stats, err := rt.Store.GetStats(); err == nil {
			bundle["stats"] = stats
		}
		if entries, err := rt.Fallback.Entries(); err == nil {
			bundle["queue"] = entries
		}
		if !noLogs {
			if events, err := rt.Events.Get(db.EventFilter{Limit: 200}); err == nil {
				bundle["events"] = events
			}
		}
		if !noTickets {
			if tickets, err := rt.Store.GetTickets(ticket.Filter{Limit: 200}); err == nil {
				bundle["tickets"] = tickets
			}
		}

		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return fail(errOut, err)
		}
		if err := fsatomic.Write(outPath, data); err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "wrote %s (%d bytes)\n", outPath, len(data))
		return ExitOK

	default:
		return fail(errOut, fmt.Errorf("unknown diagnostics subcommand %q", sub))
	}
}
