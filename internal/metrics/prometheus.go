// Package metrics provides a Prometheus metrics registry for the bridge.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// bridge_inflight_requests
	inFlight prometheus.Gauge

	// bridge_http_requests_total{route,endpoint,status}
	httpRequestsTotal *prometheus.CounterVec

	// bridge_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// bridge_requests_total{service_type,status}
	requestsTotal *prometheus.CounterVec

	// bridge_tokens_total{public_name,direction}
	tokensTotal *prometheus.CounterVec

	// bridge_usage_queue_depth / bridge_usage_dropped_total, fed by the
	// recorder via GaugeFunc/CounterFunc so scraping reads live values.
	queueDepth   prometheus.GaugeFunc
	usageDropped prometheus.CounterFunc

	// bridge_upstream_health{public_name} — 1=ok, 0=ng, absent=unknown
	upstreamHealth *prometheus.GaugeVec

	// bridge_breaker_state{config} — 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// bridge_breaker_transitions_total{config,to_state}
	breakerTransitions *prometheus.CounterVec

	// bridge_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu         sync.Mutex
	lastCBState  map[string]float64

	metricsHandler fasthttp.RequestHandler
}

// UsageSource exposes live queue statistics from the usage recorder.
type UsageSource interface {
	QueueDepth() int
	Dropped() int64
}

func New(usage UsageSource) *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_inflight_requests",
			Help: "Current number of in-flight proxy requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests handled by the bridge",
			},
			[]string{"route", "endpoint", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_requests_total",
				Help: "Total number of relayed requests by upstream service type",
			},
			[]string{"service_type", "status"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"public_name", "direction"},
		),

		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_upstream_health",
				Help: "Last probe result per configuration (1=ok, 0=ng)",
			},
			[]string{"public_name"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_breaker_state",
				Help: "Failure-tracking state per configuration (0=closed,1=open,2=half-open)",
			},
			[]string{"config"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_breaker_transitions_total",
				Help: "Failure-tracking transitions to a new state",
			},
			[]string{"config", "to_state"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	if usage != nil {
		r.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_usage_queue_depth",
			Help: "Usage records waiting to be flushed to the database",
		}, func() float64 { return float64(usage.QueueDepth()) })

		r.usageDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bridge_usage_dropped_total",
			Help: "Usage records evicted because the queue was full",
		}, func() float64 { return float64(usage.Dropped()) })

		reg.MustRegister(r.queueDepth, r.usageDropped)
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.tokensTotal,
		r.upstreamHealth,
		r.breakerState,
		r.breakerTransitions,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics. endpoint is "general",
// "special" or "admin".
func (r *Registry) ObserveHTTP(route, endpoint string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, endpoint, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest counts one relayed request against its upstream service type.
func (r *Registry) RecordRequest(serviceType string, statusCode int) {
	r.requestsTotal.WithLabelValues(serviceType, strconv.Itoa(statusCode)).Inc()
}

func (r *Registry) AddTokens(publicName string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(publicName, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(publicName, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetUpstreamHealth(publicName string, ok bool) {
	if ok {
		r.upstreamHealth.WithLabelValues(publicName).Set(1)
		return
	}
	r.upstreamHealth.WithLabelValues(publicName).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetBreakerState sets the per-configuration state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetBreakerState(config string, state int64) {
	r.breakerState.WithLabelValues(config).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[config]
	if !ok || prev != float64(state) {
		r.lastCBState[config] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.breakerTransitions.WithLabelValues(config, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
