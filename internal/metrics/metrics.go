// Package metrics holds the Prometheus instruments of the turn engine.
// Every recording method is safe on a nil *Metrics, so components can take
// an optional collector without guarding each call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arcbot"

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Turns          *prometheus.CounterVec
	ToolRuns       *prometheus.CounterVec
	Retries        prometheus.Counter
	Chunks         prometheus.Counter
	Segments       *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	TurnLatency    prometheus.Histogram
	WSMessages     *prometheus.CounterVec
}

// New registers the instruments with reg. A nil reg uses the default
// Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed user turns by final state.",
		}, []string{"state"}),
		ToolRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Tool executions by tool and result.",
		}, []string{"tool", "result"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Generations re-entered after a tool run or provider error.",
		}),
		Chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_forwarded_total",
			Help:      "Reply chunks forwarded to callers.",
		}),
		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Parsed output segments by type.",
		}, []string{"type"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Streaming provider errors by provider.",
		}, []string{"provider"}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one user turn through the orchestrator.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) TurnFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(state).Inc()
	m.TurnLatency.Observe(d.Seconds())
}

func (m *Metrics) ToolRun(tool string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ToolRuns.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) ChunkForwarded() {
	if m == nil {
		return
	}
	m.Chunks.Inc()
}

func (m *Metrics) Segment(kind string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProviderError(provider string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) WSMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}

// Handler serves the metrics gathered by g. A nil g serves the default
// registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
