package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arctek/actifix"
	"github.com/arctek/actifix/internal/lifecycle"
	"github.com/arctek/actifix/internal/paths"
	"github.com/arctek/actifix/internal/web"
)

// moduleGraphFile is the optional dependency declaration consulted by the
// lifecycle registry, relative to the state dir.
const moduleGraphFile = "modules.yaml"

// workersModule runs the background maintenance loops under the registry.
type workersModule struct {
	rt *actifix.Runtime
}

func (m *workersModule) Name() string { return "workers" }

func (m *workersModule) Start(ctx context.Context) error {
	m.rt.StartWorkers(ctx)
	return nil
}

func (m *workersModule) Stop(ctx context.Context) error {
	m.rt.StopWorkers()
	return nil
}

// apiModule owns the HTTP server under the registry.
type apiModule struct {
	server *web.Server
	addr   string
	errCh  chan error
}

func (m *apiModule) Name() string { return "api" }

func (m *apiModule) Start(ctx context.Context) error {
	m.errCh = make(chan error, 1)
	go func() {
		m.errCh <- m.server.Start(m.addr)
	}()
	return nil
}

func (m *apiModule) Stop(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

// cmdServe runs the API server with the background workers until SIGINT
// or SIGTERM.
func cmdServe(out, errOut io.Writer, args []string) int {
	var o paths.Overrides
	var verbose bool
	var addr string
	fs := newFlagSet("serve", &o, &verbose)
	fs.StringVar(&addr, "addr", envOrDefault("ACTIFIX_LISTEN_ADDR", ":8315"), "listen address")
	if err := fs.Parse(args); err != nil {
		return fail(errOut, err)
	}

	rt, err := newRuntime(errOut, o, verbose, true)
	if err != nil {
		return fail(errOut, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	registry := lifecycle.NewRegistry(rt.Bundle, rt.Events, rt.Logger)
	if err := registry.LoadGraph(filepath.Join(rt.Bundle.StateDir, moduleGraphFile)); err != nil {
		fmt.Fprintf(errOut, "Warning: module graph: %v\n", err)
	}

	api := &apiModule{
		addr: addr,
		server: web.NewServer(web.Deps{
			Config:     rt.Config,
			Bundle:     rt.Bundle,
			Version:    Version,
			Store:      rt.Store,
			Events:     rt.Events,
			Pipeline:   rt.Pipeline,
			Dispatcher: rt.Dispatcher,
			Checker:    rt.Checker,
			Metrics:    rt.Metrics,
			Router:     rt.Router,
			Fallback:   rt.Fallback,
			Modules:    registry.Statuses,
			Uptime:     rt.Uptime,
			Workers:    func() any { return rt.WorkerStatuses() },
			Logger:     rt.Logger,
		}),
	}
	registry.Register(&workersModule{rt: rt})
	registry.Register(api)

	if err := registry.StartAll(ctx); err != nil {
		registry.StopAll(context.Background())
		_ = rt.Shutdown(context.Background())
		return fail(errOut, err)
	}

	fmt.Fprintf(out, "actifix serving on %s (db %s)\n", addr, rt.Bundle.TicketDBPath)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	code := ExitOK
	select {
	case <-sigCh:
		fmt.Fprintln(out, "\nshutting down...")
		code = ExitInterrupted
	case err := <-api.errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(errOut, "Error: server: %v\n", err)
			code = ExitError
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	registry.StopAll(shutdownCtx)
	if err := rt.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(errOut, "Warning: runtime shutdown: %v\n", err)
	}
	return code
}
