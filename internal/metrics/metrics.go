// Package metrics exports solve activity in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the solve metrics and the registry they live in. A nil
// *Manager records nothing.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	solves    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	timeouts  prometheus.Counter
	queueFull prometheus.Counter
	inFlight  prometheus.Gauge
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets the solve duration buckets, in seconds.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithRegistry registers the metrics on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates the solve metrics. Each Manager gets its own registry
// unless WithRegistry is given, so several can coexist in tests.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "platesolver",
		// nova solves take from seconds to many minutes
		histogramBuckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	auto := promauto.With(m.registry)
	m.solves = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "solves_total",
		Help:      "Finished solves by source and result status",
	}, []string{"source", "status"})
	m.duration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "solve_duration_seconds",
		Help:      "Time from upload (or resume) to a definitive answer",
		Buckets:   m.histogramBuckets,
	}, []string{"source"})
	m.timeouts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "solve_timeouts_total",
		Help:      "Timeouts that moved a solve into polling",
	})
	m.queueFull = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "queue_rejections_total",
		Help:      "Images dropped because the job queue was full",
	})
	m.inFlight = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "solves_in_flight",
		Help:      "Solves currently waiting on the service",
	})
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SolveStarted marks a solve as in flight.
func (m *Manager) SolveStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// SolveFinished records a finished solve and releases its in-flight slot.
func (m *Manager) SolveFinished(source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	if source == "" {
		source = "unknown"
	}
	m.solves.WithLabelValues(source, status).Inc()
	m.duration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordTimeout counts one Submit->Poll or Poll->Poll transition.
func (m *Manager) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// RecordQueueFull counts a job rejected by a full queue.
func (m *Manager) RecordQueueFull() {
	if m == nil {
		return
	}
	m.queueFull.Inc()
}
