package bill

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/labdesk-api/internal/billing"
)

var (
	// ErrNotFound is returned when a bill does not exist.
	ErrNotFound = errors.New("bill not found")
	// ErrStale is returned when a bill changed since the caller last read it.
	ErrStale = errors.New("bill was modified concurrently")
)

// PaymentKind distinguishes cash taken from cash handed back.
type PaymentKind string

const (
	PaymentCollection PaymentKind = "COLLECTION"
	PaymentRefund     PaymentKind = "REFUND"
)

// Patient identifies who the tests are for.
type Patient struct {
	Name   string `json:"name" validate:"required,max=120"`
	Age    int    `json:"age"`
	Gender string `json:"gender,omitempty" validate:"omitempty,oneof=MALE FEMALE OTHER"`
	Phone  string `json:"phone,omitempty" validate:"omitempty,min=6,max=20"`
}

// Referral carries opaque doctor and panel references.
type Referral struct {
	Doctor string `json:"doctor,omitempty" validate:"max=120"`
	Panel  string `json:"panel,omitempty" validate:"max=120"`
}

// Payment is one cash movement on a bill. Amount is always positive.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	Kind      PaymentKind     `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Bill is a registered visit with its tests and running payment state.
type Bill struct {
	ID             uuid.UUID             `json:"id"`
	Number         string                `json:"billNumber"`
	Currency       string                `json:"currency"`
	Patient        Patient               `json:"patient"`
	Referral       Referral              `json:"referral"`
	Items          []billing.LineItem    `json:"items"`
	ItemCount      int                   `json:"itemCount"`
	Discount       billing.Discount      `json:"discount"`
	GrossTotal     decimal.Decimal       `json:"grossTotal"`
	DiscountAmount decimal.Decimal       `json:"discountAmount"`
	NetAmount      decimal.Decimal       `json:"netAmount"`
	PaidAmount     decimal.Decimal       `json:"paidAmount"`
	DueAmount      decimal.Decimal       `json:"dueAmount"`
	RefundedAmount decimal.Decimal       `json:"refundedAmount"`
	PaymentStatus  billing.PaymentStatus `json:"paymentStatus"`
	Payments       []Payment             `json:"payments"`
	Version        int                   `json:"version"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// RefundOwed is the cash still to be handed back after a revision that was
// not yet confirmed as a return.
func (b Bill) RefundOwed() decimal.Decimal {
	if over := b.PaidAmount.Sub(b.NetAmount); over.IsPositive() {
		return over
	}
	return decimal.Zero
}

// FormatNumber renders a human bill number such as LAB-20260314-000042.
func FormatNumber(prefix string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, at.Format("20060102"), seq)
}

// SettlementUpdate is the persisted effect of one settlement.
type SettlementUpdate struct {
	BillID          uuid.UUID
	ExpectedVersion int
	Items           []billing.LineItem
	Discount        billing.Discount
	Settlement      billing.Settlement
	RefundedAmount  decimal.Decimal
	Payment         *Payment
	UpdatedAt       time.Time
}
