// Package metrics provides Prometheus metrics for rakgate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rakgate"
)

// Drop reasons for PacketsDropped.
const (
	DropNotApplication = "not_application"
	DropUnknownType    = "unknown_type"
	DropUnknownSession = "unknown_session"
	DropEmpty          = "empty"
)

// Metrics contains all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	// Inbound metrics
	PacketsReceived  prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	DispatchFailures prometheus.Counter
	AddressBlocks    prometheus.Counter
	ACKsConfirmed    prometheus.Counter
	DrainDuration    prometheus.Histogram

	// Outbound metrics
	EnvelopesSent  *prometheus.CounterVec
	PacketsBatched prometheus.Counter
	ControlDrops   prometheus.Counter

	// Worker metrics
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	BandwidthUp        prometheus.Gauge
	BandwidthDown      prometheus.Gauge
	WorkerTerminations *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently registered sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions opened",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions closed by initiating side",
		}, []string{"initiator"}),

		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total application packets dispatched to sessions",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total inbound payloads dropped by reason",
		}, []string{"reason"}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total inbound packets whose decoding or handling failed",
		}),
		AddressBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "address_blocks_total",
			Help:      "Total address blocks requested",
		}),
		ACKsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_confirmed_total",
			Help:      "Total delivery confirmations passed to sessions",
		}),
		DrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Histogram of time spent draining the worker event queue",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		}),

		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Total envelopes handed to the worker by priority",
		}, []string{"priority"}),
		PacketsBatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_batched_total",
			Help:      "Total outbound packets routed to the batching facility",
		}),
		ControlDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_queue_drops_total",
			Help:      "Total commands dropped because the control queue was full",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by the worker",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by the worker",
		}),
		BandwidthUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_up_bytes",
			Help:      "Bytes sent during the last bandwidth interval",
		}),
		BandwidthDown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_down_bytes",
			Help:      "Bytes received during the last bandwidth interval",
		}),
		WorkerTerminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_terminations_total",
			Help:      "Total worker crashes observed by detection point",
		}, []string{"kind"}),
	}

	return m
}

// RecordSessionOpen records a newly registered session.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsOpened.Inc()
}

// RecordSessionClose records a removed session. initiator is "transport"
// or "server".
func (m *Metrics) RecordSessionClose(initiator string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(initiator).Inc()
}

// RecordPacketReceived records a packet dispatched to its session.
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketDropped records a dropped inbound payload.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordDispatchFailure records a contained per-packet failure.
func (m *Metrics) RecordDispatchFailure() {
	m.DispatchFailures.Inc()
}

// RecordAddressBlock records an address block request.
func (m *Metrics) RecordAddressBlock() {
	m.AddressBlocks.Inc()
}

// RecordACK records a delivery confirmation.
func (m *Metrics) RecordACK() {
	m.ACKsConfirmed.Inc()
}

// RecordDrain records the duration of one drain pass.
func (m *Metrics) RecordDrain(seconds float64) {
	m.DrainDuration.Observe(seconds)
}

// RecordEnvelopeSent records an envelope handed to the worker.
func (m *Metrics) RecordEnvelopeSent(priority string) {
	m.EnvelopesSent.WithLabelValues(priority).Inc()
}

// RecordPacketBatched records a packet routed to the batching facility.
func (m *Metrics) RecordPacketBatched() {
	m.PacketsBatched.Inc()
}

// RecordControlDrop records a command that did not fit the control queue.
func (m *Metrics) RecordControlDrop() {
	m.ControlDrops.Inc()
}

// RecordBandwidth records one bandwidth report from the worker.
func (m *Metrics) RecordBandwidth(up, down float64) {
	m.BytesSent.Add(up)
	m.BytesReceived.Add(down)
	m.BandwidthUp.Set(up)
	m.BandwidthDown.Set(down)
}

// RecordWorkerTermination records a detected worker crash.
func (m *Metrics) RecordWorkerTermination(kind string) {
	m.WorkerTerminations.WithLabelValues(kind).Inc()
}
