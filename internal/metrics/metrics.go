// Package metrics provides Prometheus metrics for the datagram engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpengine"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Datagram metrics
	DatagramsIn  *prometheus.CounterVec
	DatagramsOut *prometheus.CounterVec
	BytesIn      *prometheus.CounterVec
	BytesOut     *prometheus.CounterVec
	InErrors     *prometheus.CounterVec
	NoPorts      prometheus.Counter
	OutErrors    *prometheus.CounterVec

	// Endpoint metrics
	Endpoints    *prometheus.GaugeVec
	BindFailures *prometheus.CounterVec
	FlowControls prometheus.Counter

	// Error notification metrics
	ICMPNotifications *prometheus.CounterVec
	DelayedStored     prometheus.Counter
	DelayedDelivered  prometheus.Counter
	ErrorsDelivered   prometheus.Counter

	// Upcall metrics
	UpcallPanics prometheus.Counter

	// Loopback metrics
	LoopbackDrops  prometheus.Counter
	LoopbackQueued prometheus.Gauge
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
		// Datagram metrics
		DatagramsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams delivered to endpoints by IP version",
		}, []string{"ip_version"}),
		DatagramsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams handed to the IP layer by IP version",
		}, []string{"ip_version"}),
		BytesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_received_total",
			Help:      "Payload bytes delivered to endpoints by IP version",
		}, []string{"ip_version"}),
		BytesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Payload bytes handed to the IP layer by IP version",
		}, []string{"ip_version"}),
		InErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "in_errors_total",
			Help:      "Inbound datagrams dropped by reason",
		}, []string{"reason"}),
		NoPorts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_ports_total",
			Help:      "Inbound datagrams for which no endpoint was bound",
		}),
		OutErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_errors_total",
			Help:      "Send failures by errno",
		}, []string{"errno"}),

		// Endpoint metrics
		Endpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Open endpoints by state",
		}, []string{"state"}),
		BindFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Failed bind attempts by errno",
		}, []string{"errno"}),
		FlowControls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_control_total",
			Help:      "Times an endpoint reached its receive high watermark",
		}),

		// Error notification metrics
		ICMPNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "icmp_notifications_total",
			Help:      "ICMP error notifications by IP version and effect",
		}, []string{"ip_version", "effect"}),
		DelayedStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delayed_errors_stored_total",
			Help:      "Network errors stored for a later send",
		}),
		DelayedDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delayed_errors_delivered_total",
			Help:      "Stored network errors returned by a send",
		}),
		ErrorsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_delivered_total",
			Help:      "Network errors reported synchronously to connected endpoints",
		}),

		// Upcall metrics
		UpcallPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upcall_panics_total",
			Help:      "Panics recovered in application upcalls",
		}),

		// Loopback metrics
		LoopbackDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loopback_drops_total",
			Help:      "Datagrams dropped because the loopback queue was full",
		}),
		LoopbackQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loopback_queued_bytes",
			Help:      "Bytes waiting in the loopback queue",
		}),
	}

	return m
}

// RecordDatagramIn records a datagram delivered to an endpoint.
func (m *Metrics) RecordDatagramIn(ipVersion string, payload int) {
	m.DatagramsIn.WithLabelValues(ipVersion).Inc()
	m.BytesIn.WithLabelValues(ipVersion).Add(float64(payload))
}

// RecordDatagramOut records a datagram handed to the IP layer.
func (m *Metrics) RecordDatagramOut(ipVersion string, payload int) {
	m.DatagramsOut.WithLabelValues(ipVersion).Inc()
	m.BytesOut.WithLabelValues(ipVersion).Add(float64(payload))
}

// RecordInError records an inbound drop.
func (m *Metrics) RecordInError(reason string) {
	m.InErrors.WithLabelValues(reason).Inc()
}

// RecordNoPort records an inbound datagram with no endpoint.
func (m *Metrics) RecordNoPort() {
	m.NoPorts.Inc()
}

// RecordOutError records a send failure.
func (m *Metrics) RecordOutError(errno string) {
	m.OutErrors.WithLabelValues(errno).Inc()
}

// RecordBindFailure records a failed bind.
func (m *Metrics) RecordBindFailure(errno string) {
	m.BindFailures.WithLabelValues(errno).Inc()
}

// RecordStateChange moves one endpoint between state gauges. An empty
// from or to means the endpoint is being created or destroyed.
func (m *Metrics) RecordStateChange(from, to string) {
	if from == to {
		return
	}
	if from != "" {
		m.Endpoints.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Endpoints.WithLabelValues(to).Inc()
	}
}

// RecordFlowControl records an endpoint becoming flow controlled.
func (m *Metrics) RecordFlowControl() {
	m.FlowControls.Inc()
}

// RecordICMP records an ICMP notification and its effect.
func (m *Metrics) RecordICMP(ipVersion, effect string) {
	m.ICMPNotifications.WithLabelValues(ipVersion, effect).Inc()
}

// RecordDelayedStored records a network error stored for a later send.
func (m *Metrics) RecordDelayedStored() {
	m.DelayedStored.Inc()
}

// RecordDelayedDelivered records a stored error returned by a send.
func (m *Metrics) RecordDelayedDelivered() {
	m.DelayedDelivered.Inc()
}

// RecordErrorDelivered records a synchronous error upcall.
func (m *Metrics) RecordErrorDelivered() {
	m.ErrorsDelivered.Inc()
}

// RecordUpcallPanic records a recovered upcall panic.
func (m *Metrics) RecordUpcallPanic() {
	m.UpcallPanics.Inc()
}

// RecordLoopbackDrop records a datagram the loopback queue had no room for.
func (m *Metrics) RecordLoopbackDrop() {
	m.LoopbackDrops.Inc()
}

// SetLoopbackQueued sets the loopback queue depth in bytes.
func (m *Metrics) SetLoopbackQueued(n int) {
	m.LoopbackQueued.Set(float64(n))
}
