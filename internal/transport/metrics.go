package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the operational counters exposed over /metrics.
type Metrics struct {
	opsApplied      prometheus.Counter
	mergesPerformed prometheus.Counter
	messagesSent    *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		opsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crdtsync_operations_applied_total",
			Help: "Total number of operations applied to the local replica.",
		}),
		mergesPerformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crdtsync_merges_total",
			Help: "Total number of state merges performed against remote payloads.",
		}),
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crdtsync_messages_sent_total",
			Help: "Total number of sync messages sent to peers, by kind.",
		}, []string{"kind"}),
		messagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crdtsync_messages_dropped_total",
			Help: "Total number of sync messages dropped, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) RecordApply()          { m.opsApplied.Inc() }
func (m *Metrics) RecordMerge()          { m.mergesPerformed.Inc() }
func (m *Metrics) RecordSent(kind string) { m.messagesSent.WithLabelValues(kind).Inc() }
func (m *Metrics) RecordDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}
