package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the ingest server.
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	sessionsStarted   prometheus.Counter
	sessionsEnded     prometheus.Counter
	publishRejected   *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	fanoutRestarts    prometheus.Counter
	fanoutFailures    prometheus.Counter
	viewers           *prometheus.GaugeVec
	streamKeysIssued  prometheus.Counter
	streamKeysRevoked prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sessions_started_total",
			Help: "Publish sessions that became active",
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sessions_ended_total",
			Help: "Publish sessions that ended",
		}),
		publishRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_publish_rejected_total",
			Help: "Publish attempts rejected at admission, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_sessions",
			Help: "Publish sessions currently active",
		}),
		fanoutRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fanout_restarts_total",
			Help: "Transcoder restarts after an unexpected exit",
		}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fanout_failed_total",
			Help: "Fan-out jobs that exhausted their restart budget",
		}),
		viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_viewers",
			Help: "Connected viewers by delivery protocol",
		}, []string{"protocol"}),
		streamKeysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_stream_keys_issued_total",
			Help: "Stream keys issued",
		}),
		streamKeysRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_stream_keys_revoked_total",
			Help: "Stream keys revoked",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStarted,
		m.sessionsEnded,
		m.publishRejected,
		m.activeSessions,
		m.fanoutRestarts,
		m.fanoutFailures,
		m.viewers,
		m.streamKeysIssued,
		m.streamKeysRevoked,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// SessionStarted records an admitted publisher.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
		m.activeSessions.Inc()
	}
}

// SessionEnded records the end of an active session.
func (m *Metrics) SessionEnded() {
	if m != nil {
		m.sessionsEnded.Inc()
		m.activeSessions.Dec()
	}
}

// PublishRejected records a rejected publish attempt.
func (m *Metrics) PublishRejected(reason string) {
	if m != nil {
		m.publishRejected.WithLabelValues(reason).Inc()
	}
}

// FanoutRestarted records a transcoder restart.
func (m *Metrics) FanoutRestarted() {
	if m != nil {
		m.fanoutRestarts.Inc()
	}
}

// FanoutFailed records a job giving up on restarts.
func (m *Metrics) FanoutFailed() {
	if m != nil {
		m.fanoutFailures.Inc()
	}
}

// ViewerJoined and ViewerLeft track live readers per protocol
// ("flv", "ws-flv", "rtmp").
func (m *Metrics) ViewerJoined(protocol string) {
	if m != nil {
		m.viewers.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) ViewerLeft(protocol string) {
	if m != nil {
		m.viewers.WithLabelValues(protocol).Dec()
	}
}

// KeyIssued and KeyRevoked count stream key lifecycle operations.
func (m *Metrics) KeyIssued() {
	if m != nil {
		m.streamKeysIssued.Inc()
	}
}

func (m *Metrics) KeyRevoked() {
	if m != nil {
		m.streamKeysRevoked.Inc()
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
