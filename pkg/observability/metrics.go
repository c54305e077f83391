package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus instruments.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Synchronizer metrics
	SyncedPackagesTotal *prometheus.CounterVec
	SyncSerial          *prometheus.GaugeVec

	// Build metrics
	BuildsTotal   *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec

	// Resolver metrics
	CompilationsTotal   *prometheus.CounterVec
	CompilationDuration *prometheus.HistogramVec

	// Link-page cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers the proxy's metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelsproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wheelsproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SyncedPackagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelsproxy_synced_packages_total",
				Help: "Packages processed by the synchronizer",
			},
			[]string{"index", "outcome"},
		),
		SyncSerial: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wheelsproxy_sync_serial",
				Help: "Last change-log serial applied per index",
			},
			[]string{"index"},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelsproxy_builds_total",
				Help: "Wheel builds by outcome",
			},
			[]string{"platform", "outcome"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wheelsproxy_build_duration_seconds",
				Help:    "Wheel build duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"platform"},
		),
		CompilationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelsproxy_compilations_total",
				Help: "Requirement compilations by track and outcome",
			},
			[]string{"track", "outcome"},
		),
		CompilationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wheelsproxy_compilation_duration_seconds",
				Help:    "Requirement compilation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"track"},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelsproxy_link_cache_hits_total",
			Help: "Link page cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelsproxy_link_cache_misses_total",
			Help: "Link page cache misses",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SyncedPackagesTotal,
		m.SyncSerial,
		m.BuildsTotal,
		m.BuildDuration,
		m.CompilationsTotal,
		m.CompilationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
