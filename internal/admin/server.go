// Package admin serves the management API on the web UI port: configuration
// CRUD, catalogue reload, upstream health probes, usage dashboards, health
// checks, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/middleware"
	"github.com/nulpointcorp/llm-bridge/internal/modelcache"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/store"
	"github.com/valyala/fasthttp"
)

// AdapterSource builds or returns the cached adapter for a configuration.
// Satisfied by the provider registry.
type AdapterSource interface {
	For(ctx context.Context, m catalog.Model) (providers.Provider, error)
}

// QueueStats exposes usage recorder statistics for health reporting.
type QueueStats interface {
	QueueDepth() int
	Dropped() int64
}

// GatewayStats exposes proxy counters for health reporting.
type GatewayStats interface {
	InFlight() int64
}

// Options configures the admin server. Everything beyond the first three
// constructor arguments is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Usage   QueueStats
	Gateway GatewayStats

	// ModelCacheTTL bounds how long upstream model discovery results are
	// reused. Default 5 minutes.
	ModelCacheTTL time.Duration

	// ProbeTimeout bounds one health probe round trip. Default 10s.
	ProbeTimeout time.Duration

	CORSOrigins []string
	Version     string
}

// Server is the management API.
type Server struct {
	store    *store.Store
	catalog  *catalog.Service
	adapters AdapterSource
	metrics  *metrics.Registry
	usage    QueueStats
	gateway  GatewayStats
	models   *modelcache.Cache
	log      *slog.Logger

	probeTimeout time.Duration
	corsOrigins  []string
	version      string
}

// NewServer builds the admin server. ctx bounds the model-cache janitor.
func NewServer(ctx context.Context, st *store.Store, cat *catalog.Service, adapters AdapterSource, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.ModelCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		store:        st,
		catalog:      cat,
		adapters:     adapters,
		metrics:      opts.Metrics,
		usage:        opts.Usage,
		gateway:      opts.Gateway,
		models:       modelcache.New(ctx, ttl),
		log:          log.With(slog.String("component", "admin")),
		probeTimeout: probeTimeout,
		corsOrigins:  opts.CORSOrigins,
		version:      version,
	}
}

// Handler builds the admin request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/admin/reload", s.handleReload)

	r.GET("/admin/configs", s.handleListConfigs)
	r.POST("/admin/configs", s.handleCreateConfig)
	r.GET("/admin/configs/{id}", s.handleGetConfig)
	r.PUT("/admin/configs/{id}", s.handleUpdateConfig)
	r.DELETE("/admin/configs/{id}", s.handleDeleteConfig)
	r.POST("/admin/configs/{id}/test", s.handleTestConfig)
	r.GET("/admin/models/{id}", s.handleDiscoverModels)
	r.GET("/admin/health-status", s.handleHealthStatus)

	r.GET("/admin/usage/stats", s.handleUsageStats)
	r.GET("/admin/usage/clients", s.handleUsageClients)
	r.GET("/admin/usage/models", s.handleUsageModels)
	r.GET("/admin/usage/timeseries", s.handleUsageTimeseries)

	r.GET("/health", s.handleHealth)
	r.GET("/health/ready", s.handleReady)
	r.GET("/health/live", s.handleLive)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return middleware.Chain(r.Handler,
		middleware.Recovery(s.log),
		middleware.RequestID,
		middleware.Timing,
		middleware.CORS(s.corsOrigins),
		middleware.SecurityHeaders,
	)
}

// Server wraps the handler in a fasthttp server.
func (s *Server) Server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "llm-bridge-admin",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// handleReload re-reads the catalogue from the database.
func (s *Server) handleReload(ctx *fasthttp.RequestCtx) {
	res, err := s.catalog.Load(ctx)
	if err != nil {
		s.log.Error("reload failed", slog.String("error", err.Error()))
		writeError(ctx, fasthttp.StatusInternalServerError, "catalogue reload failed")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, res)
}

// ── Health ────────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	checks := map[string]any{}
	status := "ok"

	if err := s.store.Ping(ctx); err != nil {
		checks["db"] = "ng"
		status = "degraded"
	} else {
		checks["db"] = "ok"
	}
	if s.usage != nil {
		checks["queue_depth"] = s.usage.QueueDepth()
		checks["dropped"] = s.usage.Dropped()
	}
	if s.gateway != nil {
		checks["in_flight"] = s.gateway.InFlight()
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}

// handleReady gates on a reachable database and at least one enabled
// configuration.
func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "reason": "database unreachable",
		})
		return
	}

	enabled := 0
	for _, m := range s.catalog.Snapshot().Models() {
		if m.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "reason": "no enabled configurations",
		})
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLive(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// ── JSON helpers ──────────────────────────────────────────────────────────────

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]any{"error": map[string]string{"message": msg}})
}
