// Package metrics provides Prometheus metrics for udpredir.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpredir"
)

// Direction labels for packet and byte counters.
const (
	DirEgress  = "egress"  // local -> remote
	DirIngress = "ingress" // remote -> local
)

// Error kind labels for RelayErrors.
const (
	ErrKindCreate    = "create"
	ErrKindSend      = "send"
	ErrKindShortSend = "short_send"
	ErrKindReceive   = "receive"
	ErrKindDecrypt   = "decrypt"
	ErrKindAddress   = "address"
	ErrKindReply     = "reply"
	ErrKindLimit     = "limit"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Association metrics
	AssociationsActive  prometheus.Gauge
	AssociationsCreated prometheus.Counter
	AssociationsEvicted prometheus.Counter

	// Data transfer metrics
	Packets *prometheus.CounterVec
	Bytes   *prometheus.CounterVec

	// Error metrics
	RelayErrors *prometheus.CounterVec

	// Latency of sends to remote servers
	SendLatency prometheus.Histogram
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
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "Number of currently active UDP associations",
		}),
		AssociationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_created_total",
			Help:      "Total number of UDP associations created",
		}),
		AssociationsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_evicted_total",
			Help:      "Total number of UDP associations evicted by idle timeout",
		}),
		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total datagrams relayed by direction",
		}, []string{"direction"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Total relay errors by kind",
		}, []string{"kind"}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Latency of datagram sends to remote servers",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us .. ~1.6s
		}),
	}

	return m
}

// RecordAssociationCreated records a new association.
func (m *Metrics) RecordAssociationCreated() {
	m.AssociationsCreated.Inc()
	m.AssociationsActive.Inc()
}

// RecordAssociationEvicted records an evicted association.
func (m *Metrics) RecordAssociationEvicted() {
	m.AssociationsEvicted.Inc()
	m.AssociationsActive.Dec()
}

// RecordEgress records a datagram relayed to a remote server.
func (m *Metrics) RecordEgress(bytes int) {
	m.Packets.WithLabelValues(DirEgress).Inc()
	m.Bytes.WithLabelValues(DirEgress).Add(float64(bytes))
}

// RecordIngress records a reply relayed back to the original source.
func (m *Metrics) RecordIngress(bytes int) {
	m.Packets.WithLabelValues(DirIngress).Inc()
	m.Bytes.WithLabelValues(DirIngress).Add(float64(bytes))
}

// RecordError records a relay error by kind.
func (m *Metrics) RecordError(kind string) {
	m.RelayErrors.WithLabelValues(kind).Inc()
}
