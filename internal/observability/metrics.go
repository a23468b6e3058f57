package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	MemoryOps         *prometheus.CounterVec
	Fallbacks         *prometheus.CounterVec
	StageLatency      *prometheus.HistogramVec
	ContextMessages   prometheus.Histogram
	ShortTermDegraded prometheus.Gauge
	TrackedSessions   prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		MemoryOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Memory operations by tier, operation and outcome.",
		}, []string{"tier", "op", "outcome"}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_fallbacks_total",
			Help:      "Fallback activations by component and reason.",
		}, []string{"component", "reason"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_stage_latency_ms",
			Help:      "Latency of memory stages in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}, []string{"stage"}),
		ContextMessages: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_context_messages",
			Help:      "Number of messages returned by BuildContext.",
			Buckets:   []float64{0, 2, 4, 6, 8, 10, 15, 20},
		}),
		ShortTermDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_short_term_degraded",
			Help:      "1 while the short-term tier is serving from process memory after a backend failure.",
		}),
		TrackedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_tracked_sessions",
			Help:      "Sessions currently tracked by the lock registry.",
		}),
	}
}

func (m *Metrics) ObserveOp(tier, op, outcome string) {
	if m == nil {
		return
	}
	m.MemoryOps.WithLabelValues(tier, op, outcome).Inc()
}

func (m *Metrics) ObserveFallback(component, reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(component, reason).Inc()
	m.stages.ObserveFallback(component)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveContextSize(n int) {
	if m == nil {
		return
	}
	m.ContextMessages.Observe(float64(n))
}

func (m *Metrics) SetShortTermDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.ShortTermDegraded.Set(1)
		return
	}
	m.ShortTermDegraded.Set(0)
}

func (m *Metrics) SetTrackedSessions(n int) {
	if m == nil {
		return
	}
	m.TrackedSessions.Set(float64(n))
}

// SnapshotStages returns rolling latency stats for the perf endpoint.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
