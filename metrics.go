package nsfs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects namespace operation statistics.
type Metrics struct {
	ops             *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	reclaimed       prometheus.Counter
	reclaimFailures prometheus.Counter
	reclaimPending  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsfs",
			Name:      "operations_total",
			Help:      "Namespace operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nsfs",
			Name:      "operation_duration_seconds",
			Help:      "Namespace operation latency, including conflict retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsfs",
			Name:      "transaction_conflicts_total",
			Help:      "Transactions retried after a commit conflict.",
		}, []string{"op"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsfs",
			Name:      "reclaimed_objects_total",
			Help:      "Data store objects removed after their inode was deleted.",
		}),
		reclaimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsfs",
			Name:      "reclaim_failures_total",
			Help:      "Failed attempts to remove orphaned data store objects.",
		}),
		reclaimPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsfs",
			Name:      "reclaim_pending",
			Help:      "Queued data store objects still inside their removal delay at the last reclaim pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.latency, m.conflicts, m.reclaimed, m.reclaimFailures, m.reclaimPending)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	m.ops.WithLabelValues(op, ErrorKind(err)).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) conflictRetry(op string) {
	m.conflicts.WithLabelValues(op).Inc()
}
