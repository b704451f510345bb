// Package metrics provides Prometheus metrics for the UDP relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udp_relay"
)

// Drop reasons.
const (
	ReasonNoPeer = "no_peer"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Datagram flow, labelled by direction (inbound/outbound)
	DatagramsReceived  *prometheus.CounterVec
	BytesReceived      *prometheus.CounterVec
	DatagramsForwarded *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec
	DatagramsTruncated *prometheus.CounterVec
	ForwardLatency     *prometheus.HistogramVec

	// Peer state
	PeerChanges prometheus.Counter
	PeerKnown   prometheus.Gauge

	// Failures and supervision
	ForwardErrors *prometheus.CounterVec
	LoopRestarts  *prometheus.CounterVec
	LoopsRunning  prometheus.Gauge
}

// NewMetricsWithRegistry creates a new Metrics instance registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by direction",
		}, []string{"direction"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by direction",
		}, []string{"direction"}),
		DatagramsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams forwarded by direction",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded by direction",
		}, []string{"direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		DatagramsTruncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_truncated_total",
			Help:      "Total datagrams truncated to the receive buffer size by direction",
		}, []string{"direction"}),
		ForwardLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_latency_seconds",
			Help:      "Time from receive completion to send completion",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"direction"}),

		PeerChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_changes_total",
			Help:      "Number of times the learned client address changed",
		}),
		PeerKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_known",
			Help:      "1 if a client address has been learned, 0 otherwise",
		}),

		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total transport errors by direction and operation",
		}, []string{"direction", "op"}),
		LoopRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_restarts_total",
			Help:      "Total forwarding loop restarts by direction",
		}, []string{"direction"}),
		LoopsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loops_running",
			Help:      "Number of forwarding loops currently running",
		}),
	}
}

// Discard returns metrics registered on a private registry that nothing
// exports. Useful for tests and for relays built without monitoring.
func Discard() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// RecordReceived records a received datagram.
func (m *Metrics) RecordReceived(direction string, bytes int) {
	m.DatagramsReceived.WithLabelValues(direction).Inc()
	m.BytesReceived.WithLabelValues(direction).Add(float64(bytes))
}

// RecordForwarded records a forwarded datagram and its forwarding latency.
func (m *Metrics) RecordForwarded(direction string, bytes int, latencySeconds float64) {
	m.DatagramsForwarded.WithLabelValues(direction).Inc()
	m.BytesForwarded.WithLabelValues(direction).Add(float64(bytes))
	m.ForwardLatency.WithLabelValues(direction).Observe(latencySeconds)
}

// RecordDropped records a datagram that was not forwarded.
func (m *Metrics) RecordDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordTruncated records a datagram larger than the receive buffer.
func (m *Metrics) RecordTruncated(direction string) {
	m.DatagramsTruncated.WithLabelValues(direction).Inc()
}

// RecordPeerChange records that the learned client address changed.
func (m *Metrics) RecordPeerChange() {
	m.PeerChanges.Inc()
	m.PeerKnown.Set(1)
}

// RecordError records a transport error.
func (m *Metrics) RecordError(direction, op string) {
	m.ForwardErrors.WithLabelValues(direction, op).Inc()
}

// RecordLoopStart records a forwarding loop entering its run state.
func (m *Metrics) RecordLoopStart() {
	m.LoopsRunning.Inc()
}

// RecordLoopStop records a forwarding loop leaving its run state.
func (m *Metrics) RecordLoopStop() {
	m.LoopsRunning.Dec()
}

// RecordRestart records a forwarding loop restart.
func (m *Metrics) RecordRestart(direction string) {
	m.LoopRestarts.WithLabelValues(direction).Inc()
}
