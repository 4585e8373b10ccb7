package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by the ledger, recorder and rollbacker built on top of
// it.
type Metrics struct {
	changesRecorded *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	persistFailures prometheus.Counter
	size            prometheus.Gauge
}

// NewMetrics builds the ledger metrics and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		changesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_ledger_changes_recorded_total",
			Help: "Total number of changes appended to the ledger",
		}, []string{"type"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_ledger_rollbacks_total",
			Help: "Total number of rollback attempts by change type and result",
		}, []string{"type", "result"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedback_ledger_persist_failures_total",
			Help: "Number of ledger writes that failed to reach durable storage",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedback_ledger_size",
			Help: "Current number of changes held in the ledger",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.changesRecorded, m.rollbacks, m.persistFailures, m.size)
	}
	return m
}
