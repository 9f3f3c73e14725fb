package netting

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts netting mutations and invariant failures.
type Metrics struct {
	matches      *prometheus.CounterVec
	batches      *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	inconsistent prometheus.Counter
}

// NewMetrics registers the netting collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	matches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fxdesk_netting_matches_total",
		Help: "Accounting matches created or voided.",
	}, []string{"action"})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fxdesk_netting_batches_total",
		Help: "Netting batch lifecycle transitions.",
	}, []string{"action"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fxdesk_netting_rejections_total",
		Help: "Rejected netting requests by error kind.",
	}, []string{"action", "kind"})
	inconsistent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fxdesk_netting_consistency_failures_total",
		Help: "Batches whose stored totals or entry violate netting invariants.",
	})
	registerer.MustRegister(matches, batches, rejections, inconsistent)
	return &Metrics{matches: matches, batches: batches, rejections: rejections, inconsistent: inconsistent}
}

func (m *Metrics) match(action string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(action).Inc()
}

func (m *Metrics) batch(action string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(action).Inc()
}

func (m *Metrics) reject(action string, err error) {
	if m == nil || err == nil {
		return
	}
	m.rejections.WithLabelValues(action, kindLabel(err)).Inc()
}

func (m *Metrics) consistencyFailure() {
	if m == nil {
		return
	}
	m.inconsistent.Inc()
}

func kindLabel(err error) string {
	switch ErrorKind(err) {
	case ErrValidation:
		return "validation"
	case ErrNotFound:
		return "not_found"
	case ErrState:
		return "state"
	case ErrConsistency:
		return "consistency"
	default:
		return "internal"
	}
}
