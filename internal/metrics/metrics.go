// Package metrics holds the Prometheus collectors of one voice client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arunika_client"

// Metrics groups the collectors. Each client registers its own set so that
// several clients can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState    prometheus.Gauge
	ReconnectAttempts  prometheus.Counter
	ConnectionFailures prometheus.Counter
	HandshakeFailures  prometheus.Counter

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	InvalidFrames    prometheus.Counter

	QueueDepth     prometheus.Gauge
	QueueOverflows prometheus.Counter

	ChunksEmitted prometheus.Counter
	ChunksDropped prometheus.Counter
	AudioLevel    prometheus.Gauge

	HeartbeatTimeouts prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
}

// New registers a fresh set of collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed)",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnection attempts",
		}),
		ConnectionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_exhausted_total",
			Help:      "Total number of times the reconnection budget ran out",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of session handshakes that did not establish a session",
		}),

		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages written to the transport",
		}, []string{"type"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages read from the transport",
		}, []string{"type"}),
		InvalidFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_frames_total",
			Help:      "Total number of inbound frames that could not be decoded",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of messages buffered while disconnected",
		}),
		QueueOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflows_total",
			Help:      "Total number of buffered messages dropped on overflow",
		}),

		ChunksEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_emitted_total",
			Help:      "Total number of audio chunks emitted by the capture pipeline",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_buffers_dropped_total",
			Help:      "Total number of capture buffers dropped because the pipeline was full",
		}),
		AudioLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_level",
			Help:      "Normalized level (0-100) of the last emitted chunk",
		}),

		HeartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of liveness deadlines missed",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to receiving its response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"response_type", "outcome"}),
	}
}

// Registry exposes the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
