// Package metrics exposes prometheus collectors for flavor launches,
// readiness, proxied requests and builds.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Readiness outcomes.
const (
	ReadinessReady   = "ready"
	ReadinessTimeout = "timeout"
)

// Collector owns a private registry. All methods are safe on a nil
// receiver so components can run without metrics.
type Collector struct {
	launches        *prometheus.CounterVec
	launchErrors    *prometheus.CounterVec
	readiness       *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	proxyRequests   *prometheus.CounterVec
	proxyDuration   *prometheus.HistogramVec
	buildRuns       *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	buildQueueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Collector with every metric registered under namespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "bbq"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flavor_launches_total",
			Help:      "Total number of flavor processes started",
		},
		[]string{"flavor"},
	)
	c.launchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flavor_launch_errors_total",
			Help:      "Total number of flavor processes that failed to spawn",
		},
		[]string{"flavor"},
	)
	c.readiness = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flavor_readiness_seconds",
			Help:      "Time from launch until readiness resolved",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"flavor", "outcome"},
	)
	c.inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flavor_processes",
			Help:      "Flavor processes currently alive",
		},
		[]string{"flavor"},
	)
	c.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied requests by outcome",
		},
		[]string{"flavor", "outcome"},
	)
	c.proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "End-to-end duration of proxied requests including launch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"flavor"},
	)
	c.buildRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_runs_total",
			Help:      "Total number of build commands run by status",
		},
		[]string{"flavor", "status"},
	)
	c.buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of build commands",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"flavor"},
	)
	c.buildQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_queue_depth",
			Help:      "Entries waiting in the build queue",
		},
	)

	c.registry.MustRegister(
		c.launches,
		c.launchErrors,
		c.readiness,
		c.inFlight,
		c.proxyRequests,
		c.proxyDuration,
		c.buildRuns,
		c.buildDuration,
		c.buildQueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// FlavorLaunched records a successful spawn.
func (c *Collector) FlavorLaunched(flavor string) {
	if c == nil {
		return
	}
	c.launches.WithLabelValues(flavor).Inc()
	c.inFlight.WithLabelValues(flavor).Inc()
}

// FlavorLaunchFailed records a spawn failure.
func (c *Collector) FlavorLaunchFailed(flavor string) {
	if c == nil {
		return
	}
	c.launchErrors.WithLabelValues(flavor).Inc()
}

// FlavorTerminated records the end of a spawned process.
func (c *Collector) FlavorTerminated(flavor string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(flavor).Dec()
}

// ReadinessResolved records how long readiness took and how it ended.
func (c *Collector) ReadinessResolved(flavor, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.readiness.WithLabelValues(flavor, outcome).Observe(elapsed.Seconds())
}

// ProxyFinished records one proxied request.
func (c *Collector) ProxyFinished(flavor, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.proxyRequests.WithLabelValues(flavor, outcome).Inc()
	c.proxyDuration.WithLabelValues(flavor).Observe(elapsed.Seconds())
}

// BuildFinished records one build command.
func (c *Collector) BuildFinished(flavor, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.buildRuns.WithLabelValues(flavor, status).Inc()
	c.buildDuration.WithLabelValues(flavor).Observe(elapsed.Seconds())
}

// BuildQueueDepth sets the number of pending build entries.
func (c *Collector) BuildQueueDepth(n int) {
	if c == nil {
		return
	}
	c.buildQueueDepth.Set(float64(n))
}
