package server

import (
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	activeConnections prometheus.Gauge
	connectionsOpened *prometheus.CounterVec // by transport
	registeredUsers   prometheus.Gauge

	// Envelope metrics
	envelopesReceived *prometheus.CounterVec // by kind
	envelopesSent     *prometheus.CounterVec // by kind
	undeliverable     *prometheus.CounterVec // by kind
	decodeErrors      prometheus.Counter
	handshakeRejected *prometheus.CounterVec // by reason

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cipherchat_active_connections",
				Help: "Current number of open client connections",
			},
		),
		connectionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_connections_opened_total",
				Help: "Total number of client connections accepted by transport",
			},
			[]string{"transport"},
		),
		registeredUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cipherchat_registered_users",
				Help: "Current number of connections bound to a username",
			},
		),
		envelopesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_envelopes_received_total",
				Help: "Total number of envelopes received from clients by kind",
			},
			[]string{"kind"},
		),
		envelopesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_envelopes_sent_total",
				Help: "Total number of envelopes delivered to clients by kind",
			},
			[]string{"kind"},
		),
		undeliverable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_undeliverable_total",
				Help: "Directed envelopes dropped because the recipient was not connected",
			},
			[]string{"kind"},
		),
		decodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherchat_decode_errors_total",
				Help: "Frames that could not be decoded into an envelope",
			},
		),
		handshakeRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_handshake_rejected_total",
				Help: "Username announcements and pre-handshake envelopes rejected by reason",
			},
			[]string{"reason"},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cipherchat_broadcast_fanout",
				Help:    "Number of clients that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"kind"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cipherchat_broadcast_duration_seconds",
				Help:    "Time taken to write a broadcast to every recipient",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// RecordConnectionOpened counts a new connection on transport
func (m *Metrics) RecordConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(transport).Inc()
	m.activeConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// RecordRegisteredUsers updates the registered user count
func (m *Metrics) RecordRegisteredUsers(count int) {
	if m == nil {
		return
	}
	m.registeredUsers.Set(float64(count))
}

// RecordEnvelopeReceived increments the received counter for a kind
func (m *Metrics) RecordEnvelopeReceived(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(kind.String()).Inc()
}

// RecordEnvelopeSent adds n deliveries of a kind
func (m *Metrics) RecordEnvelopeSent(kind protocol.Kind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.envelopesSent.WithLabelValues(kind.String()).Add(float64(n))
}

// RecordUndeliverable counts a directed envelope with no recipient
func (m *Metrics) RecordUndeliverable(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.undeliverable.WithLabelValues(kind.String()).Inc()
}

// RecordDecodeError counts a frame that was dropped
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// RecordHandshakeRejected counts a rejected handshake by reason
func (m *Metrics) RecordHandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejected.WithLabelValues(reason).Inc()
}

// RecordBroadcast records fanout and duration of one broadcast
func (m *Metrics) RecordBroadcast(kind protocol.Kind, delivered int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := kind.String()
	m.broadcastFanout.WithLabelValues(label).Observe(float64(delivered))
	m.broadcastDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.RecordEnvelopeSent(kind, delivered)
}
