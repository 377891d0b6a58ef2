// Package cli implements the actifix command line interface.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/arctek/actifix"
	"github.com/arctek/actifix/internal/paths"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitInterrupted = 130
)

// Version is stamped at build time.
var Version = "dev"

const usage = `actifix - automated error tracking and remediation

Usage:
  actifix <command> [flags]

Commands:
  init         Initialise the data directories and database
  record       Record an error as a ticket
  process      Claim and dispatch open tickets
  status       Show ticket backlog summary
  stats        Show detailed statistics as JSON
  health       Run a health check
  metrics      Print the Prometheus metrics exposition
  doctor       Diagnose problems and suggest remediation
  repair       Fix what doctor finds (dry-run without --execute)
  diagnostics  Summarise or export a support bundle
  events       Show recent events
  logs         Tail the event log (tail [--limit N])
  queue        Inspect or replay the fallback queue
  quarantine   List quarantined queue entries
  tickets      Ticket maintenance (cleanup [--execute])
  config       Show configuration (diff)
  modules      Manage lifecycle modules (list|enable|disable|create|validate|graph)
  providers    Show AI provider availability
  serve        Run the API server with background workers
  version      Print the version

Run "actifix <command> --help" for command flags.
`

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(errOut, usage)
		return ExitError
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return cmdInit(out, errOut, rest)
	case "record":
		return cmdRecord(out, errOut, rest)
	case "process":
		return cmdProcess(out, errOut, rest)
	case "status":
		return cmdStatus(out, errOut, rest)
	case "stats":
		return cmdStats(out, errOut, rest)
	case "health":
		return cmdHealth(out, errOut, rest)
	case "metrics":
		return cmdMetrics(out, errOut, rest)
	case "doctor":
		return cmdDoctor(out, errOut, rest)
	case "repair":
		return cmdRepair(out, errOut, rest)
	case "diagnostics":
		return cmdDiagnostics(out, errOut, rest)
	case "events":
		return cmdEvents(out, errOut, rest)
	case "logs":
		return cmdLogs(out, errOut, rest)
	case "queue":
		return cmdQueue(out, errOut, rest)
	case "quarantine":
		return cmdQuarantine(out, errOut, rest)
	case "tickets":
		return cmdTickets(out, errOut, rest)
	case "config":
		return cmdConfig(out, errOut, rest)
	case "modules":
		return cmdModules(out, errOut, rest)
	case "providers":
		return cmdProviders(out, errOut, rest)
	case "serve":
		return cmdServe(out, errOut, rest)
	case "version":
		fmt.Fprintf(out, "actifix %s\n", Version)
		return ExitOK
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return ExitOK
	default:
		fmt.Fprintf(errOut, "unknown command %q\n\n", cmd)
		fmt.Fprint(errOut, usage)
		return ExitError
	}
}

// newFlagSet builds a flag set with the shared path flags.
func newFlagSet(name string, o *paths.Overrides, verbose *bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&o.ProjectRoot, "root", "", "project root (default: cwd or ACTIFIX_PROJECT_ROOT)")
	fs.StringVar(&o.DataDir, "data-dir", "", "data directory override")
	fs.StringVar(&o.StateDir, "state-dir", "", "state directory override")
	fs.StringVar(&o.DBPath, "db", "", "ticket database path override")
	fs.BoolVarP(verbose, "verbose", "v", false, "debug logging")
	return fs
}

// newRuntime opens the runtime for a CLI invocation.
func newRuntime(errOut io.Writer, o paths.Overrides, verbose, failFast bool) (*actifix.Runtime, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	rt, err := actifix.NewRuntime(o, logger, failFast)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func fail(errOut io.Writer, err error) int {
	fmt.Fprintf(errOut, "Error: %v\n", err)
	return ExitError
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
