package billing

import "github.com/shopspring/decimal"

// Settlement reconciles a revised bill against cash already recorded on it.
type Settlement struct {
	Summary          Summary         `json:"summary"`
	AlreadyPaid      decimal.Decimal `json:"alreadyPaid"`
	PaidNow          decimal.Decimal `json:"paidNow"`
	TotalCashHandled decimal.Decimal `json:"totalCashHandled"`
	Balance          decimal.Decimal `json:"balance"`
	IsRefund         bool            `json:"isRefund"`
	RefundAmount     decimal.Decimal `json:"refundAmount"`
	FinalDue         decimal.Decimal `json:"finalDue"`
	PaymentStatus    PaymentStatus   `json:"paymentStatus"`
}

// Settle recomputes the bill with no per-transaction cash and reconciles the
// cumulative payment. paidNow may be negative to record money handed back.
func Settle(items []LineItem, discount Discount, alreadyPaid, paidNow decimal.Decimal) Settlement {
	summary := Compute(items, discount, decimal.Zero)
	total := alreadyPaid.Add(paidNow)
	balance := summary.NetAmount.Sub(total)

	s := Settlement{
		Summary:          summary,
		AlreadyPaid:      alreadyPaid,
		PaidNow:          paidNow,
		TotalCashHandled: total,
		Balance:          balance,
		RefundAmount:     decimal.Zero,
		FinalDue:         balance,
	}
	if balance.IsNegative() {
		s.IsRefund = true
		s.RefundAmount = balance.Neg()
		s.FinalDue = decimal.Zero
	}
	s.PaymentStatus = classify(settlementRules, statusFacts{
		Net:          summary.NetAmount,
		TotalHandled: total,
		FinalDue:     s.FinalDue,
	})
	return s
}

// ConfirmReturnAmount is the paidNow value that accepts the suggested refund.
// With nothing entered for this transaction it is -RefundAmount.
func (s Settlement) ConfirmReturnAmount() decimal.Decimal {
	return s.PaidNow.Sub(s.RefundAmount)
}

// ConfirmReturn accepts the suggested refund and recomputes once. The result
// has TotalCashHandled equal to NetAmount, so no further refund is suggested.
func ConfirmReturn(items []LineItem, discount Discount, alreadyPaid, paidNow decimal.Decimal) Settlement {
	first := Settle(items, discount, alreadyPaid, paidNow)
	if !first.IsRefund {
		return first
	}
	return Settle(items, discount, alreadyPaid, first.ConfirmReturnAmount())
}
