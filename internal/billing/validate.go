package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptySelection is returned when a bill is registered without tests.
	ErrEmptySelection = errors.New("at least one test must be selected")
	// ErrInvalidAmount indicates operator input that is not a number.
	ErrInvalidAmount = errors.New("amount is not a valid number")
	// ErrNegativeAmount indicates a negative amount where only non-negative values are allowed.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrDiscountExceedsGross is returned at registration when the discount is larger than the gross total.
	ErrDiscountExceedsGross = errors.New("discount exceeds gross total")
	// ErrOverCollection is returned at registration when more cash is received than the net amount.
	ErrOverCollection = errors.New("cash received exceeds net amount")
	// ErrAgeOutOfRange is returned when the patient age is outside [MinAge, MaxAge].
	ErrAgeOutOfRange = errors.New("age must be between 1 and 120")
	// ErrInvalidDiscountType is returned for an unknown discount type.
	ErrInvalidDiscountType = errors.New("invalid discount type")
	// ErrRefundExceedsPaid is returned when a settlement would hand back more than was ever collected.
	ErrRefundExceedsPaid = errors.New("refund exceeds amount already paid")
)

const (
	MinAge = 1
	MaxAge = 120
)

// Policy names the workflow a validation ran under.
type Policy string

const (
	PolicyRegistration Policy = "registration"
	PolicySettlement   Policy = "settlement"
)

// FieldError ties a validation failure to an input field.
type FieldError struct {
	Field string
	Err   error
}

// ValidationError aggregates every failure found for one save attempt.
type ValidationError struct {
	Policy Policy
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Field, f.Err))
	}
	return fmt.Sprintf("%s validation failed: %s", e.Policy, strings.Join(parts, "; "))
}

// Unwrap exposes the underlying sentinels to errors.Is.
func (e *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Err)
	}
	return out
}

// Details renders field messages keyed by field name.
func (e *ValidationError) Details() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		if prev, ok := out[f.Field]; ok {
			out[f.Field] = prev + "; " + f.Err.Error()
			continue
		}
		out[f.Field] = f.Err.Error()
	}
	return out
}

// Reasons returns the sorted distinct sentinel messages, for metrics labels.
func (e *ValidationError) Reasons() []string {
	seen := map[string]struct{}{}
	for _, f := range e.Fields {
		seen[f.Err.Error()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

type collector struct {
	policy Policy
	fields []FieldError
}

func (c *collector) add(field string, err error) {
	c.fields = append(c.fields, FieldError{Field: field, Err: err})
}

func (c *collector) err() error {
	if len(c.fields) == 0 {
		return nil
	}
	return &ValidationError{Policy: c.policy, Fields: c.fields}
}

// ParseAmount converts operator text to a non-negative amount. Blank input is zero.
func ParseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q: %w", trimmed, ErrInvalidAmount)
	}
	if v.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return v, nil
}

// ParseSignedAmount converts operator text to an amount that may be negative,
// as used for money handed back during settlement. Blank input is zero.
func ParseSignedAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q: %w", trimmed, ErrInvalidAmount)
	}
	return v, nil
}

// RegistrationInput is what the registration screen submits for a first collection.
type RegistrationInput struct {
	Items        []LineItem
	Discount     Discount
	CashReceived decimal.Decimal
	PatientAge   int
}

// ValidateRegistration applies the first-collection policy: over-collection
// and a discount larger than the gross total are hard errors.
func ValidateRegistration(in RegistrationInput) error {
	c := collector{policy: PolicyRegistration}
	if len(in.Items) == 0 {
		c.add("tests", ErrEmptySelection)
	}
	if in.PatientAge < MinAge || in.PatientAge > MaxAge {
		c.add("patient.age", ErrAgeOutOfRange)
	}
	validDiscount := checkDiscount(&c, in.Discount)
	if in.CashReceived.IsNegative() {
		c.add("cashReceived", ErrNegativeAmount)
	}
	if len(c.fields) > 0 {
		return c.err()
	}

	gross := GrossTotal(in.Items)
	if validDiscount && ResolveDiscount(gross, in.Discount).GreaterThan(gross) {
		c.add("discount.value", ErrDiscountExceedsGross)
		return c.err()
	}
	summary := Compute(in.Items, in.Discount, in.CashReceived)
	if in.CashReceived.GreaterThan(summary.NetAmount) {
		c.add("cashReceived", ErrOverCollection)
	}
	return c.err()
}

// SettlementInput is what the settlement screen submits for an existing bill.
type SettlementInput struct {
	Items       []LineItem
	Discount    Discount
	AlreadyPaid decimal.Decimal
	PaidNow     decimal.Decimal
}

// ValidateSettlement applies the revision policy. Discount overrun is accepted
// and over-collection becomes a refund, so neither is reported here.
func ValidateSettlement(in SettlementInput) error {
	c := collector{policy: PolicySettlement}
	checkDiscount(&c, in.Discount)
	if in.AlreadyPaid.IsNegative() {
		c.add("alreadyPaid", ErrNegativeAmount)
	} else if in.AlreadyPaid.Add(in.PaidNow).IsNegative() {
		c.add("paidNow", ErrRefundExceedsPaid)
	}
	return c.err()
}

func checkDiscount(c *collector, d Discount) bool {
	ok := true
	if d.Type != DiscountAmount && d.Type != DiscountPercent {
		c.add("discount.type", ErrInvalidDiscountType)
		ok = false
	}
	if d.Value.IsNegative() {
		c.add("discount.value", ErrNegativeAmount)
		ok = false
	}
	return ok
}
