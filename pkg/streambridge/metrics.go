package streambridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and embedders free of a registry.
type Metrics struct {
	deliveries      *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	enqueued        *prometheus.CounterVec
	polled          prometheus.Counter
	acks            prometheus.Counter
	ackFailures     prometheus.Counter
	queueDepth      prometheus.Gauge
	outstandingTags prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_deliveries_total",
			Help: "Deliveries received from the broker (count)",
		}, []string{"routing_key"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_normalization_failures_total",
			Help: "Deliveries that failed normalization and were left unacknowledged (count)",
		}, []string{"routing_key"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_records_enqueued_total",
			Help: "Normalized records placed on the handoff queue (count)",
		}, []string{"routing_key"}),
		polled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streambridge_records_polled_total",
			Help: "Records returned to the host pipeline by Poll (count)",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streambridge_acks_total",
			Help: "Deliveries acknowledged to the broker (count)",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streambridge_ack_failures_total",
			Help: "Acknowledgments that failed on the channel (count)",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streambridge_handoff_queue_depth",
			Help: "Records waiting in the handoff queue",
		}),
		outstandingTags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streambridge_outstanding_deliveries",
			Help: "Deliveries received but not yet acknowledged",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.deliveries, m.malformed, m.enqueued, m.polled,
		m.acks, m.ackFailures, m.queueDepth, m.outstandingTags,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) deliveryReceived(routingKey string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(routingKey).Inc()
}

func (m *Metrics) normalizationFailed(routingKey string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(routingKey).Inc()
}

func (m *Metrics) recordEnqueued(routingKey string, depth int) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(routingKey).Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recordsPolled(n, depth int) {
	if m == nil {
		return
	}
	m.polled.Add(float64(n))
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ackResult(err error, outstanding int) {
	if m == nil {
		return
	}
	if err != nil {
		m.ackFailures.Inc()
	} else {
		m.acks.Inc()
	}
	m.outstandingTags.Set(float64(outstanding))
}

func (m *Metrics) outstanding(n int) {
	if m == nil {
		return
	}
	m.outstandingTags.Set(float64(n))
}
