package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/nulpointcorp/llm-bridge/internal/admin"
	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers/registry"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
	"github.com/nulpointcorp/llm-bridge/internal/secrets"
	"github.com/nulpointcorp/llm-bridge/internal/store"
	"github.com/nulpointcorp/llm-bridge/internal/usage"
)

// initStorage prepares the data directory, opens the SQLite catalogue,
// applies migrations, and loads (or creates) the encryption key. Every
// failure here is fatal with ExitStorage: serving without a working
// catalogue database is pointless.
func (a *App) initStorage(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return &ExitError{Code: ExitStorage,
			Err: fmt.Errorf("create data dir %s: %w", a.cfg.DataDir, err)}
	}

	st, err := store.Open(a.cfg.DatabasePath, a.log)
	if err != nil {
		return &ExitError{Code: ExitStorage, Err: err}
	}
	a.store = st

	if err := st.Migrate(ctx); err != nil {
		return &ExitError{Code: ExitStorage, Err: err}
	}

	keySeed, err := secrets.LoadOrCreateKey(a.cfg.EncryptionKeyPath)
	if err != nil {
		return &ExitError{Code: ExitStorage, Err: err}
	}
	a.cipher = secrets.NewCipher(keySeed)

	if a.cfg.InitialPassword != "" {
		if err := a.seedPassword(ctx); err != nil {
			return err
		}
	}

	a.log.Info("storage ready", slog.String("database", a.cfg.DatabasePath))
	return nil
}

// seedPassword stores the bcrypt hash of INITIAL_PASSWORD plus a fresh
// session secret, but only on the very first boot. Once a hash exists in
// auth_config the variable is inert.
func (a *App) seedPassword(ctx context.Context) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(a.cfg.InitialPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash initial password: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate session secret: %w", err)
	}
	applied, err := a.store.SeedPasswordHash(ctx, string(hash),
		base64.StdEncoding.EncodeToString(secret))
	if err != nil {
		return &ExitError{Code: ExitStorage, Err: err}
	}
	if applied {
		a.log.Info("admin password seeded from INITIAL_PASSWORD")
	}
	return nil
}

// initCatalog builds the configuration service and loads the first snapshot.
func (a *App) initCatalog(ctx context.Context) error {
	a.catalog = catalog.New(a.store, a.cipher, a.log)

	res, err := a.catalog.Load(ctx)
	if err != nil {
		return &ExitError{Code: ExitStorage, Err: err}
	}
	if len(res.Failed) > 0 {
		a.log.Warn("some configurations were skipped",
			slog.Int("loaded", res.Loaded), slog.Int("failed", len(res.Failed)))
	}
	return nil
}

// initRecorder starts the async usage pipeline and the metrics registry
// that reads its queue gauges.
func (a *App) initRecorder(_ context.Context) error {
	rec, err := usage.New(a.store, a.log, usage.Options{
		QueueSize:     a.cfg.Usage.QueueSize,
		BatchSize:     a.cfg.Usage.BatchSize,
		FlushInterval: a.cfg.Usage.FlushInterval,
	})
	if err != nil {
		return err
	}
	a.recorder = rec

	a.prom = metrics.New(rec)
	a.prom.SetBuildInfo(a.version)
	return nil
}

// initServers wires the adapter registry into the proxy gateway and the
// admin server, then builds the three fasthttp servers Run will bind.
func (a *App) initServers(_ context.Context) error {
	a.registry = registry.New()

	a.gateway = proxy.NewGateway(a.catalog, a.registry, proxy.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Usage:       a.recorder,
		DBPing:      a.store.Ping,
		Timeout:     a.cfg.Upstream.Timeout,
		TTFB:        a.cfg.Upstream.TTFB,
		MaxInflight: int64(a.cfg.MaxInflight),
		Breaker:     a.cfg.CircuitBreaker,
		GeneralPort: a.cfg.ProxyPortGeneral,
		SpecialPort: a.cfg.ProxyPortSpecial,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})

	a.admin = admin.NewServer(a.baseCtx, a.store, a.catalog, a.registry, admin.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Usage:       a.recorder,
		Gateway:     a.gateway,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})

	a.generalSrv = a.gateway.Server(catalog.EndpointGeneral)
	a.specialSrv = a.gateway.Server(catalog.EndpointSpecial)
	a.adminSrv = a.admin.Server()
	return nil
}
