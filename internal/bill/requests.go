package bill

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/labdesk-api/internal/billing"
)

// Amount is operator-entered money. It accepts a JSON number or string and
// keeps the raw text so parse failures are reported against their field.
type Amount string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	*a = Amount(data)
	return nil
}

// IsSet reports whether anything was entered.
func (a Amount) IsSet() bool { return strings.TrimSpace(string(a)) != "" }

// DiscountInput is the discount as typed at the desk.
type DiscountInput struct {
	Type       string `json:"type"`
	Value      Amount `json:"value"`
	Reason     string `json:"reason,omitempty" validate:"max=200"`
	ApprovedBy string `json:"approvedBy,omitempty" validate:"max=120"`
}

// QuoteRequest asks for the figures of a prospective bill.
type QuoteRequest struct {
	TestIDs      []string      `json:"testIds" validate:"max=50,dive,required"`
	Discount     DiscountInput `json:"discount"`
	CashReceived Amount        `json:"cashReceived"`
}

// RegisterRequest creates a bill with its first collection.
type RegisterRequest struct {
	Patient      Patient       `json:"patient"`
	Referral     Referral      `json:"referral"`
	TestIDs      []string      `json:"testIds" validate:"max=50,dive,required"`
	Discount     DiscountInput `json:"discount"`
	CashReceived Amount        `json:"cashReceived"`
}

// Quote returns the pricing part of the registration.
func (r RegisterRequest) Quote() QuoteRequest {
	return QuoteRequest{TestIDs: r.TestIDs, Discount: r.Discount, CashReceived: r.CashReceived}
}

// SettlementRequest revises a bill and records a cash movement. A nil TestIDs
// or Discount keeps the stored value; an empty TestIDs clears the bill.
type SettlementRequest struct {
	TestIDs       []string       `json:"testIds" validate:"omitempty,max=50,dive,required"`
	Discount      *DiscountInput `json:"discount"`
	PaidNow       Amount         `json:"paidNow"`
	ConfirmReturn bool           `json:"confirmReturn"`
	ExpectedPaid  Amount         `json:"expectedPaid"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// structErrors converts validator failures into field errors keyed by the
// JSON path of the field.
func structErrors(policy billing.Policy, req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &billing.ValidationError{Policy: policy}
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out.Fields = append(out.Fields, billing.FieldError{Field: field, Err: &RuleError{Tag: fe.Tag(), Param: fe.Param()}})
	}
	return out
}

// RuleError is a failed declarative input rule such as max=120.
type RuleError struct {
	Tag   string
	Param string
}

func (e *RuleError) Error() string {
	if e.Param == "" {
		return "failed rule " + e.Tag
	}
	return "failed rule " + e.Tag + "=" + e.Param
}

type fieldErrors struct {
	policy billing.Policy
	fields []billing.FieldError
}

func (f *fieldErrors) amount(field string, raw Amount, signed bool) decimal.Decimal {
	parse := billing.ParseAmount
	if signed {
		parse = billing.ParseSignedAmount
	}
	v, err := parse(string(raw))
	if err != nil {
		// Bare sentinels keep metric reasons free of raw input.
		if errors.Is(err, billing.ErrInvalidAmount) {
			err = billing.ErrInvalidAmount
		}
		f.fields = append(f.fields, billing.FieldError{Field: field, Err: err})
	}
	return v
}

func (f *fieldErrors) err() error {
	if len(f.fields) == 0 {
		return nil
	}
	return &billing.ValidationError{Policy: f.policy, Fields: f.fields}
}

func (f *fieldErrors) discountFrom(in DiscountInput) billing.Discount {
	typ, ok := billing.ParseDiscountType(in.Type)
	if !ok {
		f.fields = append(f.fields, billing.FieldError{Field: "discount.type", Err: billing.ErrInvalidDiscountType})
	}
	return billing.Discount{
		Type:       typ,
		Value:      f.amount("discount.value", in.Value, false),
		Reason:     strings.TrimSpace(in.Reason),
		ApprovedBy: strings.TrimSpace(in.ApprovedBy),
	}
}

func normalizePatient(p Patient) Patient {
	p.Name = strings.TrimSpace(p.Name)
	p.Gender = strings.ToUpper(strings.TrimSpace(p.Gender))
	p.Phone = strings.TrimSpace(p.Phone)
	return p
}
