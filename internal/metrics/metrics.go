package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for interview sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	SessionDuration     *prometheus.HistogramVec
	ViolationsTotal     prometheus.Counter
	TranscriptEntries   *prometheus.CounterVec
	ConnectionFailures  *prometheus.CounterVec
	ProtocolAnomalies   *prometheus.CounterVec
	PersistenceTotal    *prometheus.CounterVec
	AttentionSourceDown prometheus.Counter
}

// New creates a Metrics instance registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "proctorcall"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Interviews currently in progress",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished interviews by end cause",
		}, []string{"cause"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Interview duration in seconds",
			Buckets:   []float64{30, 60, 300, 600, 900, 1800, 3600},
		}, []string{"cause"}),
		ViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attention_violations_total",
			Help:      "Sustained attention lapses counted during interviews",
		}),
		TranscriptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries appended by role",
		}, []string{"role"}),
		ConnectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Realtime connection failures by stage",
		}, []string{"stage"}),
		ProtocolAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_anomalies_total",
			Help:      "Unexpected control-stream events by kind",
		}, []string{"kind"}),
		PersistenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_total",
			Help:      "Transcript hand-off and results polling outcomes",
		}, []string{"operation", "result"}),
		AttentionSourceDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attention_source_failures_total",
			Help:      "Attention source initialization failures",
		}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ViolationsTotal,
		m.TranscriptEntries,
		m.ConnectionFailures,
		m.ProtocolAnomalies,
		m.PersistenceTotal,
		m.AttentionSourceDown,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionFinished(cause string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(cause).Inc()
	m.SessionDuration.WithLabelValues(cause).Observe(duration.Seconds())
}

func (m *Metrics) RecordViolation() {
	if m == nil {
		return
	}
	m.ViolationsTotal.Inc()
}

func (m *Metrics) RecordEntry(role string) {
	if m == nil {
		return
	}
	m.TranscriptEntries.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordConnectionFailure(stage string) {
	if m == nil {
		return
	}
	m.ConnectionFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.ProtocolAnomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPersistence(operation string, result string) {
	if m == nil {
		return
	}
	m.PersistenceTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordAttentionSourceFailure() {
	if m == nil {
		return
	}
	m.AttentionSourceDown.Inc()
}
