package billing

import "github.com/shopspring/decimal"

// PaymentStatus is the persisted payment classification of a bill.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "PENDING"
	StatusPartial PaymentStatus = "PARTIAL"
	StatusPaid    PaymentStatus = "PAID"
	StatusReturn  PaymentStatus = "RETURN"
)

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusPaid, StatusReturn:
		return true
	}
	return false
}

type statusFacts struct {
	Net          decimal.Decimal
	Due          decimal.Decimal
	Cash         decimal.Decimal
	TotalHandled decimal.Decimal
	FinalDue     decimal.Decimal
}

type statusRule struct {
	status PaymentStatus
	match  func(statusFacts) bool
}

// Rule order is significant: the first matching rule wins and StatusPending is
// the fallthrough.
var collectionRules = []statusRule{
	{StatusPaid, func(f statusFacts) bool { return !f.Due.IsPositive() && f.Net.IsPositive() }},
	{StatusPartial, func(f statusFacts) bool { return f.Cash.IsPositive() && f.Due.IsPositive() }},
}

var settlementRules = []statusRule{
	{StatusReturn, func(f statusFacts) bool { return f.TotalHandled.GreaterThan(f.Net) }},
	{StatusPaid, func(f statusFacts) bool { return !f.FinalDue.IsPositive() && f.Net.IsPositive() }},
	{StatusPartial, func(f statusFacts) bool { return f.TotalHandled.IsPositive() }},
}

func classify(rules []statusRule, f statusFacts) PaymentStatus {
	for _, r := range rules {
		if r.match(f) {
			return r.status
		}
	}
	return StatusPending
}
