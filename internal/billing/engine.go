package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DiscountType selects how Discount.Value is interpreted.
type DiscountType string

const (
	// DiscountAmount subtracts Value verbatim.
	DiscountAmount DiscountType = "AMOUNT"
	// DiscountPercent subtracts Value percent of the gross total.
	DiscountPercent DiscountType = "PERCENT"
)

// ParseDiscountType normalises operator input, defaulting to DiscountAmount.
func ParseDiscountType(raw string) (DiscountType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(DiscountAmount), "FLAT", "FIXED_AMOUNT":
		return DiscountAmount, true
	case string(DiscountPercent), "PERCENTAGE", "%":
		return DiscountPercent, true
	default:
		return "", false
	}
}

// LineItem is a single diagnostic test on a bill.
type LineItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Discount describes the reduction applied to a bill. Reason and ApprovedBy are
// carried for audit only and never affect the arithmetic.
type Discount struct {
	Type       DiscountType    `json:"type"`
	Value      decimal.Decimal `json:"value"`
	Reason     string          `json:"reason,omitempty"`
	ApprovedBy string          `json:"approvedBy,omitempty"`
}

// Summary is an immutable snapshot of a bill's figures.
type Summary struct {
	GrossTotal     decimal.Decimal `json:"grossTotal"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	CashReceived   decimal.Decimal `json:"cashReceived"`
	DueAmount      decimal.Decimal `json:"dueAmount"`
	PaymentStatus  PaymentStatus   `json:"paymentStatus"`
	Count          int             `json:"count"`
}

// GrossTotal sums the unit prices of items.
func GrossTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice)
	}
	return total
}

// ResolveDiscount resolves the discount against gross. The result is not capped
// at gross; NetAmount floors instead.
func ResolveDiscount(gross decimal.Decimal, d Discount) decimal.Decimal {
	if d.Type == DiscountPercent {
		return gross.Mul(d.Value).Div(hundred)
	}
	return d.Value
}

// Compute derives the bill summary for a first collection. It is total over all
// numeric input: negative intermediates floor to zero instead of failing.
func Compute(items []LineItem, discount Discount, cashReceived decimal.Decimal) Summary {
	gross := GrossTotal(items)
	discountAmount := ResolveDiscount(gross, discount)
	net := floorZero(gross.Sub(discountAmount))
	due := floorZero(net.Sub(cashReceived))
	return Summary{
		GrossTotal:     gross,
		DiscountAmount: discountAmount,
		NetAmount:      net,
		CashReceived:   cashReceived,
		DueAmount:      due,
		PaymentStatus:  classify(collectionRules, statusFacts{Net: net, Due: due, Cash: cashReceived}),
		Count:          len(items),
	}
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
