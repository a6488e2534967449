package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// BillingMetrics tracks front-desk billing outcomes.
type BillingMetrics struct {
	BillsRegistered    *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	RefundAmount       prometheus.Counter
	CollectedAmount    prometheus.Counter
	ValidationFailures *prometheus.CounterVec
}

// NewBillingMetrics registers the billing collectors on reg.
func NewBillingMetrics(namespace string, reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &BillingMetrics{
		BillsRegistered: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bills_registered_total",
			Help:      "Bills registered, by payment status at registration.",
		}, []string{"status"})),
		Settlements: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome and resulting payment status.",
		}, []string{"outcome", "status"})),
		RefundAmount: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_amount_total",
			Help:      "Sum of cash returned to patients.",
		})),
		CollectedAmount: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collected_amount_total",
			Help:      "Sum of cash collected at registration and settlement.",
		})),
		ValidationFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Rejected submissions by validation policy and reason.",
		}, []string{"policy", "reason"})),
	}
}

// ObserveRegistration records a persisted bill.
func (m *BillingMetrics) ObserveRegistration(status string, collected decimal.Decimal) {
	if m == nil {
		return
	}
	m.BillsRegistered.WithLabelValues(status).Inc()
	addAmount(m.CollectedAmount, collected)
}

// ObserveSettlement records a settlement attempt. paidNow is signed: negative
// values are refunds.
func (m *BillingMetrics) ObserveSettlement(outcome, status string, paidNow decimal.Decimal) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(outcome, status).Inc()
	if paidNow.IsNegative() {
		addAmount(m.RefundAmount, paidNow.Neg())
	} else {
		addAmount(m.CollectedAmount, paidNow)
	}
}

// ObserveValidationFailure counts one failure per distinct reason.
func (m *BillingMetrics) ObserveValidationFailure(policy string, reasons []string) {
	if m == nil {
		return
	}
	for _, reason := range reasons {
		m.ValidationFailures.WithLabelValues(policy, reason).Inc()
	}
}

func addAmount(c prometheus.Counter, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	c.Add(amount.InexactFloat64())
}
