package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/arctek/actifix/internal/db"
	"github.com/arctek/actifix/internal/ingest"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/provider"
	"github.com/arctek/actifix/internal/ticket"
)

// cmdInit creates the directory layout and database, then reports where
// everything landed.
func cmdInit(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("init", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, true)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	fmt.Fprintln(out, "actifix initialised")
	fmt.Fprintf(out, "  project root: %s\n", rt.Bundle.ProjectRoot)
	fmt.Fprintf(out, "  data dir:     %s\n", rt.Bundle.DataDir)
	fmt.Fprintf(out, "  state dir:    %s\n", rt.Bundle.StateDir)
	fmt.Fprintf(out, "  database:     %s\n", rt.Bundle.TicketDBPath)
	return ExitOK
}

// cmdRecord files an error ticket from the command line.
func cmdRecord(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	var (
		message   string
		source    string
		errorType string
		priority  string
		runLabel  string
		stack     string
		capture   bool
	)
	fs := newFlagSet("record", &o, &verbose)
	fs.StringVarP(&message, "message", "m", "", "error message (required)")
	fs.StringVarP(&source, "source", "s", "", "error source, e.g. path/to/file.go:42")
	fs.StringVar(&errorType, "type", "", "error type name")
	fs.StringVarP(&priority, "priority", "p", "", "priority P0-P4 (default: classified)")
	fs.StringVar(&runLabel, "run", "", "run label")
	fs.StringVar(&stack, "stack", "", "stack trace (default: captured)")
	fs.BoolVar(&capture, "context", true, "capture file and system context")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}
	// Positional form: record <error_type> <message> <source>.
	if message == "" && fs.NArg() >= 2 {
		errorType = fs.Arg(0)
		message = fs.Arg(1)
		if fs.NArg() >= 3 {
			source = fs.Arg(2)
		}
	}
	if message == "" {
		return fail(errOut, fmt.Errorf("--message is required"))
	}

	// Recording must stay available even with a broken config.
	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	t, err := rt.RecordError(message, source, ingest.Options{
		ErrorType:      errorType,
		Priority:       ticket.Priority(priority),
		RunLabel:       runLabel,
		StackTrace:     stack,
		CaptureContext: capture,
		Origin:         ingest.RaiseOrigin,
	})
	if err != nil {
		return fail(errOut, err)
	}
	if t == nil {
		fmt.Fprintln(out, "suppressed (duplicate, throttled, or capture disabled)")
		return ExitOK
	}
	fmt.Fprintf(out, "created %s [%s %s]\n", t.ID, t.Priority, t.ErrorType)
	return ExitOK
}

// cmdProcess claims and dispatches tickets.
func cmdProcess(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	var limit int
	var priorityOnly string
	var maxTickets int
	fs := newFlagSet("process", &o, &verbose)
	fs.IntVarP(&limit, "limit", "n", 1, "max tickets to process (0 = until empty)")
	fs.IntVar(&maxTickets, "max-tickets", 0, "alias for --limit")
	fs.StringVar(&priorityOnly, "priority", "", "only process this priority")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}
	if maxTickets > 0 {
		limit = maxTickets
	}

	rt, err := newRuntime(errOut, o, verbose, true)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	var filter []ticket.Priority
	if priorityOnly != "" {
		p := ticket.Priority(priorityOnly)
		if !p.Valid() {
			return fail(errOut, fmt.Errorf("invalid priority %q", priorityOnly))
		}
		filter = []ticket.Priority{p}
	}

	results, err := rt.Dispatcher.ProcessTickets(context.Background(), limit, filter)
	if err != nil {
		return fail(errOut, err)
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "no open tickets")
		return ExitOK
	}
	for _, r := range results {
		outcome := "ok"
		if !r.Success {
			outcome = "FAILED: " + r.Error
		}
		fmt.Fprintf(out, "%s  %s  (%s)\n", r.TicketID, outcome, r.Duration.Round(time.Millisecond))
	}
	return ExitOK
}

// cmdStatus prints the backlog summary.
func cmdStatus(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("status", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	stats, err := rt.Store.GetStats()
	if err != nil {
		return fail(errOut, err)
	}

	fmt.Fprintln(out, "=== Actifix Status ===")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Tickets: %d total, %d locked\n", stats.Total, stats.Locked)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "By status:")
	for _, st := range []ticket.Status{ticket.StatusOpen, ticket.StatusInProgress, ticket.StatusCompleted} {
		fmt.Fprintf(out, "  %-12s %d\n", st, stats.ByStatus[st])
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "By priority:")
	for _, p := range []ticket.Priority{ticket.PriorityP0, ticket.PriorityP1, ticket.PriorityP2, ticket.PriorityP3, ticket.PriorityP4} {
		fmt.Fprintf(out, "  %-4s %d\n", p, stats.ByPriority[p])
	}

	if depth := rt.Fallback.Len(); depth > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Fallback queue: %d entries waiting\n", depth)
	}
	return ExitOK
}

// cmdStats prints the full statistics as JSON.
func cmdStats(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("stats", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	stats, err := rt.Store.GetStats()
	if err != nil {
		return fail(errOut, err)
	}
	eventStats, _ := rt.Events.Stats()

	payload := map[string]any{
		"tickets":     stats,
		"events":      eventStats,
		"queue_depth": rt.Fallback.Len(),
		"db_bytes":    rt.DB.SizeBytes(),
	}
	return printJSON(out, errOut, payload)
}

// cmdHealth runs a health check; the exit code follows the verdict.
func cmdHealth(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose, asJSON bool
	fs := newFlagSet("health", &o, &verbose)
	fs.BoolVar(&asJSON, "json", false, "emit the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	snap := rt.Checker.Check()
	if asJSON {
		if code := printJSON(out, errOut, snap); code != ExitOK {
			return code
		}
	} else {
		fmt.Fprintf(out, "status: %s\n", snap.Status)
		fmt.Fprintf(out, "open tickets: %d (%d in progress, %d completed)\n",
			snap.OpenTickets, snap.InProgress, snap.Completed)
		fmt.Fprintf(out, "disk used: %.1f%%, database: %d KiB, queue: %d\n",
			snap.DiskUsedPercent, snap.DatabaseBytes/1024, snap.QueueDepth)
		for _, b := range snap.SLABreaches {
			fmt.Fprintf(out, "SLA BREACH: %s %s is %.1fh old (limit %.1fh)\n",
				b.Priority, b.TicketID, b.AgeHours, b.SLAHours)
		}
		for _, p := range snap.Problems {
			fmt.Fprintf(out, "problem: %s\n", p)
		}
	}

	if snap.Status != "healthy" {
		return ExitError
	}
	return ExitOK
}

// cmdEvents prints recent events, newest first.
func cmdEvents(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	var limit int
	var eventType, ticketID string
	fs := newFlagSet("events", &o, &verbose)
	fs.IntVarP(&limit, "limit", "n", 25, "max events to show")
	fs.StringVar(&eventType, "type", "", "filter by event type")
	fs.StringVar(&ticketID, "ticket", "", "filter by ticket ID")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	events, err := rt.Events.Get(db.EventFilter{EventType: eventType, TicketID: ticketID, Limit: limit})
	if err != nil {
		return fail(errOut, err)
	}
	for _, ev := range events {
		ref := ""
		if ev.TicketID != "" {
			ref = " " + ev.TicketID
		}
		fmt.Fprintf(out, "%s  %-8s %-22s%s  %s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Level, ev.EventType, ref, ev.Message)
	}
	return ExitOK
}

// cmdQueue inspects or replays the fallback queue.
func cmdQueue(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose, replay bool
	fs := newFlagSet("queue", &o, &verbose)
	fs.BoolVar(&replay, "replay", false, "replay queued entries into the store")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	if replay {
		result, err := rt.Fallback.Replay(rt.Pipeline.ReplayHandler(), rt.Config.MaxRetries)
		if err != nil {
			return fail(errOut, err)
		}
		fmt.Fprintf(out, "replayed %d, failed %d, skipped %d\n",
			result.Replayed, result.Failed, result.Skipped)
		if result.Failed > 0 {
			return ExitError
		}
		return ExitOK
	}

	entries, err := rt.Fallback.Entries()
	if err != nil {
		return fail(errOut, err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return ExitOK
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-6s %s  retries=%d  %s\n",
			e.EntryID, e.Operation, e.Key, e.RetryCount, e.CreatedAt.Format(time.RFC3339))
	}
	return ExitOK
}

// cmdProviders shows which AI providers are usable right now.
func cmdProviders(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	fs := newFlagSet("providers", &o, &verbose)
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, false)
	if err != nil {
		return fail(errOut, err)
	}
	defer shutdown(rt, errOut)

	status := rt.Router.GetStatus(provider.Kind(rt.Config.AIProvider), false)
	for _, p := range status.Providers {
		mark := " "
		if p.Available {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-20s %-30s requests=%d cost=$%.4f\n",
			mark, p.DisplayName, p.Model, p.Usage.TotalRequests, p.Usage.TotalCostUSD)
	}
	fmt.Fprintf(out, "\nchain: %v\n", status.Chain)
	return ExitOK
}

func printJSON(out, errOut io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(errOut, err)
	}
	return ExitOK
}

func shutdown(rt interface {
	Shutdown(context.Context) error
}, errOut io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		fmt.Fprintf(errOut, "Warning: shutdown: %v\n", err)
	}
}
