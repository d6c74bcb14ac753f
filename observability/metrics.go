package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics captures Prometheus collectors for the reward
// settlement engine.
type SettlementMetrics struct {
	claimsCreated  prometheus.Counter
	settlements    *prometheus.CounterVec
	errors         *prometheus.CounterVec
	confirmLatency *prometheus.HistogramVec
	balanceShort   *prometheus.CounterVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			claimsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tokenreward",
				Subsystem: "settlement",
				Name:      "claims_created_total",
				Help:      "Total reward claims created by order finalization.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenreward",
				Subsystem: "settlement",
				Name:      "operations_total",
				Help:      "Settlement operations segmented by phase and outcome.",
			}, []string{"phase", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenreward",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Settlement errors segmented by phase and reason.",
			}, []string{"phase", "reason"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tokenreward",
				Subsystem: "settlement",
				Name:      "confirmation_seconds",
				Help:      "Latency distribution of ledger confirmation waits.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}, []string{"phase"}),
			balanceShort: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenreward",
				Subsystem: "settlement",
				Name:      "insufficient_funds_total",
				Help:      "Settlement attempts rejected because a distribution account was underfunded, by mint.",
			}, []string{"mint"}),
		}
		prometheus.MustRegister(
			settlementReg.claimsCreated,
			settlementReg.settlements,
			settlementReg.errors,
			settlementReg.confirmLatency,
			settlementReg.balanceShort,
		)
	})
	return settlementReg
}

// RecordClaimCreated increments the created-claims counter.
func (m *SettlementMetrics) RecordClaimCreated() {
	if m == nil {
		return
	}
	m.claimsCreated.Inc()
}

// RecordOutcome records the terminal outcome of one settlement operation.
// Outcomes should be stable strings such as "confirmed", "failed",
// "timeout", or "noop" so dashboards remain consistent.
func (m *SettlementMetrics) RecordOutcome(phase, outcome string) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(phase, outcome).Inc()
}

// RecordError counts a settlement error by phase and reason.
func (m *SettlementMetrics) RecordError(phase, reason string) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(phase, reason).Inc()
}

// ObserveConfirmLatency records how long a confirmation wait took.
func (m *SettlementMetrics) ObserveConfirmLatency(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordInsufficientFunds counts an underfunded distribution account.
func (m *SettlementMetrics) RecordInsufficientFunds(mint string) {
	if m == nil {
		return
	}
	if mint == "" {
		mint = "unknown"
	}
	m.balanceShort.WithLabelValues(mint).Inc()
}
