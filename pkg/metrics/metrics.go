// Package metrics defines the Prometheus collectors exported by the Q&A cache
// and the /metrics handler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qacache"

// DefaultBuckets are the stage latency buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics groups every collector used by the engine packages.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	GenAttempts     *prometheus.CounterVec
	StorageDegraded *prometheus.CounterVec
	Variants        *prometheus.CounterVec
	ComponentStatus *prometheus.GaugeVec
	TasksDropped    prometheus.Counter
	TasksQueued     prometheus.Gauge
	EmbedCache      *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Processed questions by outcome (cache_hit, generated, salvage, error).",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of pipeline stages.",
			Buckets:   DefaultBuckets,
		}, []string{"stage"}),
		GenAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Completion provider attempts by result.",
		}, []string{"result"}),
		StorageDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_degraded_total",
			Help:      "Swallowed persistence failures by target (store, index).",
		}, []string{"target"}),
		Variants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variants_total",
			Help:      "Paraphrase variants by result (indexed, discarded, failed).",
		}, []string{"result"}),
		ComponentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_status",
			Help:      "1 for the current status of each external collaborator, 0 otherwise.",
		}, []string{"component", "status"}),
		TasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_dropped_total",
			Help:      "Background tasks rejected because the queue was full or closed.",
		}),
		TasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_tasks_queued",
			Help:      "Background tasks waiting for a worker.",
		}),
		EmbedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.Requests, m.StageDuration, m.GenAttempts, m.StorageDegraded,
		m.Variants, m.ComponentStatus, m.TasksDropped, m.TasksQueued, m.EmbedCache,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

// ObserveStage records the time elapsed since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) GenerationAttempt(result string) {
	if m == nil {
		return
	}
	m.GenAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Degraded(target string) {
	if m == nil {
		return
	}
	m.StorageDegraded.WithLabelValues(target).Inc()
}

func (m *Metrics) Variant(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Variants.WithLabelValues(result).Add(float64(n))
}

// SetStatus marks status as the current one for component.
func (m *Metrics) SetStatus(component string, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ComponentStatus.WithLabelValues(component, s).Set(v)
	}
}

func (m *Metrics) TaskDropped() {
	if m == nil {
		return
	}
	m.TasksDropped.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.TasksQueued.Set(float64(n))
}

func (m *Metrics) EmbedCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.EmbedCache.WithLabelValues("hit").Inc()
		return
	}
	m.EmbedCache.WithLabelValues("miss").Inc()
}
