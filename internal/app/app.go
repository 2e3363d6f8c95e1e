// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStorage  — data dir, SQLite catalogue, migrations, encryption key
//  2. initCatalog  — configuration service + first snapshot load
//  3. initRecorder — async usage pipeline + metrics registry
//  4. initServers  — proxy gateway, both listeners, admin server
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-bridge/internal/admin"
	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/config"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers/registry"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
	"github.com/nulpointcorp/llm-bridge/internal/secrets"
	"github.com/nulpointcorp/llm-bridge/internal/store"
	"github.com/nulpointcorp/llm-bridge/internal/usage"
)

// Exit codes reported by cmd/bridge. Anything else exits 1.
const (
	ExitConfig  = 1
	ExitStorage = 2
	ExitBind    = 3
)

// ExitError carries the process exit code for a fatal startup failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an error to a process exit code. nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store    *store.Store
	cipher   *secrets.Cipher
	catalog  *catalog.Service
	recorder *usage.Recorder
	registry *registry.Registry
	prom     *metrics.Registry
	gateway  *proxy.Gateway
	admin    *admin.Server

	generalSrv *fasthttp.Server
	specialSrv *fasthttp.Server
	adminSrv   *fasthttp.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", a.initStorage},
		{"catalog", a.initCatalog},
		{"recorder", a.initRecorder},
		{"servers", a.initServers},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run binds the three listeners and blocks until ctx is cancelled or a
// server fails. Binding happens up front so a taken port fails fast with
// ExitBind instead of surfacing later from Serve.
func (a *App) Run(ctx context.Context) error {
	listeners := make(map[string]net.Listener, 3)
	bind := func(name string, port int) error {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return &ExitError{Code: ExitBind,
				Err: fmt.Errorf("bind %s listener on port %d: %w", name, port, err)}
		}
		listeners[name] = ln
		return nil
	}

	err := bind("general", a.cfg.ProxyPortGeneral)
	if err == nil {
		err = bind("special", a.cfg.ProxyPortSpecial)
	}
	if err == nil {
		err = bind("admin", a.cfg.WebUIPort)
	}
	if err != nil {
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return err
	}

	a.log.Info("starting bridge",
		slog.String("version", a.version),
		slog.Int("general_port", a.cfg.ProxyPortGeneral),
		slog.Int("special_port", a.cfg.ProxyPortSpecial),
		slog.Int("admin_port", a.cfg.WebUIPort),
		slog.Int("models", a.catalog.Snapshot().Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	serve := func(name string, srv *fasthttp.Server, ln net.Listener) {
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("%s listener: %w", name, err)
			}
			return nil
		})
	}
	serve("general", a.generalSrv, listeners["general"])
	serve("special", a.specialSrv, listeners["special"])
	serve("admin", a.adminSrv, listeners["admin"])

	g.Go(func() error {
		a.pruneLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.shutdownServers()
		a.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// shutdownServers drains the listeners gracefully before resources close.
func (a *App) shutdownServers() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, srv := range map[string]*fasthttp.Server{
		"general": a.generalSrv,
		"special": a.specialSrv,
		"admin":   a.adminSrv,
	} {
		if srv == nil {
			continue
		}
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Warn("listener shutdown",
				slog.String("listener", name), slog.String("error", err.Error()))
		}
	}
}

// usageRetention matches the original deployment's 30-day history window.
const usageRetention = 30 * 24 * time.Hour

// pruneLoop runs the periodic maintenance: dropping adapters for deleted
// configurations and expiring old usage records once a day.
func (a *App) pruneLoop(ctx context.Context) {
	adapterTick := time.NewTicker(time.Minute)
	defer adapterTick.Stop()
	usageTick := time.NewTicker(24 * time.Hour)
	defer usageTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-adapterTick.C:
			a.registry.Prune(a.catalog.Snapshot())
		case <-usageTick.C:
			cutoff := time.Now().UTC().Add(-usageRetention)
			n, err := a.store.PruneUsage(ctx, cutoff)
			if err != nil {
				a.log.Error("usage prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.log.Info("usage records pruned", slog.Int64("deleted", n))
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.log.Error("recorder close error", slog.String("error", err.Error()))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Error("store close error", slog.String("error", err.Error()))
			}
		}
	})
}
