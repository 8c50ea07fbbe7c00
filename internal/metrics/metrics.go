package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	InboundMessages  *prometheus.CounterVec
	OutgoingMessages *prometheus.CounterVec
	AIRequests       *prometheus.CounterVec
	AILatency        *prometheus.HistogramVec
	PlatformRequests *prometheus.CounterVec
	PlatformLatency  *prometheus.HistogramVec
	CreditOperations *prometheus.CounterVec
	BillingEvents    *prometheus.CounterVec
	RelayQueueDepth  prometheus.Gauge
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered returns a fresh set of collectors that are not attached to the
// default registry. Tests use it to avoid duplicate registration panics.
func NewUnregistered() *Metrics {
	return newMetrics("test")
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound platform messages by relay outcome.",
		}, []string{"platform", "outcome"}),
		OutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_messages_total",
			Help:      "Outgoing platform messages by delivery status.",
		}, []string{"platform", "status"}),
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "AI completion requests by outcome.",
		}, []string{"status"}),
		AILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_request_duration_seconds",
			Help:      "Latency distribution for AI completion calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}, []string{"status"}),
		PlatformRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_requests_total",
			Help:      "Platform API requests by platform and status.",
		}, []string{"platform", "status"}),
		PlatformLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "platform_request_duration_seconds",
			Help:      "Latency distribution for platform API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform", "status"}),
		CreditOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Ledger operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		BillingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Payment provider webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		RelayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_queue_depth",
			Help:      "Inbound messages waiting for a relay worker.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.InboundMessages,
		m.OutgoingMessages,
		m.AIRequests,
		m.AILatency,
		m.PlatformRequests,
		m.PlatformLatency,
		m.CreditOperations,
		m.BillingEvents,
		m.RelayQueueDepth,
		m.Errors,
	}
}
