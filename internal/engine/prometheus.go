package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder bridges the engine's metrics into a Prometheus
// registry. Metric vectors are created lazily on first use, keyed by metric
// name and label set.
type PrometheusMetricsRecorder struct {
	registry   *prometheus.Registry
	namespace  string
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder wires the recorder into the given registry; a
// nil registry gets a private one.
func NewPrometheusMetricsRecorder(registry *prometheus.Registry, namespace string) *PrometheusMetricsRecorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "coherencecore"
	}
	return &PrometheusMetricsRecorder{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the backing Prometheus registry for scrape handlers.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func labelNames(labels map[string]string) []string {
	return sortedKeys(labels)
}

// IncCounter implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      name + "_total",
		}, labelNames(labels))
		r.registry.MustRegister(vec)
		r.counters[name] = vec
	}
	r.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Inc()
}

// SetGauge implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: r.namespace,
			Name:      name,
		}, labelNames(labels))
		r.registry.MustRegister(vec)
		r.gauges[name] = vec
	}
	r.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}

// ObserveDuration implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) ObserveDuration(name string, seconds float64, labels map[string]string) {
	r.mu.Lock()
	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		r.registry.MustRegister(vec)
		r.histograms[name] = vec
	}
	r.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(seconds)
}
