package handlers

import (
	"net/http"

	"github.com/OmChillure/memochat/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the counters the chat relay reports.
type Metrics struct {
	registry *prometheus.Registry

	streams   *prometheus.CounterVec
	fragments prometheus.Counter
	fallbacks *prometheus.CounterVec
	files     *prometheus.CounterVec
}

// NewMetrics creates the relay counters on a fresh registry, together with the Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memochat",
			Name:      "streams_total",
			Help:      "Chat streams relayed, by outcome.",
		}, []string{"outcome"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memochat",
			Name:      "fragments_total",
			Help:      "Text fragments relayed to clients.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memochat",
			Name:      "model_fallbacks_total",
			Help:      "Rate-limited models abandoned for a fallback.",
		}, []string{"from", "to"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memochat",
			Name:      "attachments_total",
			Help:      "Attachments processed for model calls, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.streams, m.fragments, m.fallbacks, m.files,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Fallback records that a rate-limited model was abandoned for another.
func (m *Metrics) Fallback(from, to string) {
	m.fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) fragment() {
	m.fragments.Inc()
}

func (m *Metrics) stream(o stream.Outcome) {
	m.streams.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) file(ok bool) {
	result := "ok"
	if !ok {
		result = "skipped"
	}
	m.files.WithLabelValues(result).Inc()
}
