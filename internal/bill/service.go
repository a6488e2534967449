package bill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/labdesk-api/internal/billing"
	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/events"
	"github.com/noah-isme/labdesk-api/internal/lock"
	"github.com/noah-isme/labdesk-api/internal/obs"
)

var tracer = otel.Tracer("labdesk/bill")

// Locker serialises settlements of the same bill.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service implements bill registration and settlement.
type Service struct {
	Store        Store
	Catalog      catalog.Lookup
	Events       *events.Bus
	Locker       Locker
	Metrics      *obs.BillingMetrics
	Logger       zerolog.Logger
	Currency     string
	NumberPrefix string
	LockTTL      time.Duration

	// Location sets the calendar day used in bill numbers. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
}

// SettlementResult is the outcome of a settlement preview or commit.
type SettlementResult struct {
	Bill       Bill               `json:"bill"`
	Settlement billing.Settlement `json:"settlement"`
	Items      []billing.LineItem `json:"items"`
	Payment    *Payment           `json:"payment,omitempty"`
}

func (s *Service) ready() error {
	if s == nil || s.Store == nil || s.Catalog == nil {
		return errors.New("bill service not configured")
	}
	return nil
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return 15 * time.Second
}

func (s *Service) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Quote prices a prospective bill. Only input parsing is checked; the
// registration policy runs on Register.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (billing.Summary, error) {
	if err := s.ready(); err != nil {
		return billing.Summary{}, err
	}
	ctx, span := tracer.Start(ctx, "bill.Quote")
	defer span.End()

	if err := structErrors(billing.PolicyRegistration, req); err != nil {
		return billing.Summary{}, err
	}
	fe := fieldErrors{policy: billing.PolicyRegistration}
	discount := fe.discountFrom(req.Discount)
	cash := fe.amount("cashReceived", req.CashReceived, false)
	if err := fe.err(); err != nil {
		return billing.Summary{}, err
	}
	items, err := s.resolve(ctx, req.TestIDs)
	if err != nil {
		return billing.Summary{}, recordErr(span, err)
	}
	summary := billing.Compute(items, discount, cash)
	span.SetAttributes(attribute.Int("bill.items", summary.Count))
	return summary, nil
}

// Register validates and persists a new bill with its first collection.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Bill, error) {
	if err := s.ready(); err != nil {
		return Bill{}, err
	}
	ctx, span := tracer.Start(ctx, "bill.Register")
	defer span.End()

	req.Patient = normalizePatient(req.Patient)
	if err := structErrors(billing.PolicyRegistration, req); err != nil {
		return Bill{}, s.rejected(span, err)
	}
	fe := fieldErrors{policy: billing.PolicyRegistration}
	discount := fe.discountFrom(req.Discount)
	cash := fe.amount("cashReceived", req.CashReceived, false)
	if err := fe.err(); err != nil {
		return Bill{}, s.rejected(span, err)
	}
	items, err := s.resolve(ctx, req.TestIDs)
	if err != nil {
		return Bill{}, recordErr(span, err)
	}
	if err := billing.ValidateRegistration(billing.RegistrationInput{
		Items:        items,
		Discount:     discount,
		CashReceived: cash,
		PatientAge:   req.Patient.Age,
	}); err != nil {
		return Bill{}, s.rejected(span, err)
	}

	summary := billing.Compute(items, discount, cash)
	now := s.now()
	b := Bill{
		ID:             uuid.New(),
		Currency:       s.Currency,
		Patient:        req.Patient,
		Referral:       Referral{Doctor: trim(req.Referral.Doctor), Panel: trim(req.Referral.Panel)},
		Items:          items,
		ItemCount:      len(items),
		Discount:       discount,
		GrossTotal:     summary.GrossTotal,
		DiscountAmount: summary.DiscountAmount,
		NetAmount:      summary.NetAmount,
		PaidAmount:     summary.CashReceived,
		DueAmount:      summary.DueAmount,
		RefundedAmount: decimal.Zero,
		PaymentStatus:  summary.PaymentStatus,
		Payments:       []Payment{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cash.IsPositive() {
		b.Payments = append(b.Payments, Payment{ID: uuid.New(), Kind: PaymentCollection, Amount: cash, CreatedAt: now})
	}

	err = s.Store.InTx(ctx, func(ctx context.Context) error {
		seq, err := s.Store.NextSequence(ctx)
		if err != nil {
			return fmt.Errorf("next bill number: %w", err)
		}
		b.Number = FormatNumber(s.NumberPrefix, now.In(s.location()), seq)
		if err := s.Store.Create(ctx, b); err != nil {
			return fmt.Errorf("create bill: %w", err)
		}
		return s.emit(ctx, events.TopicBillRegistered, b.ID, map[string]any{
			"billNumber":    b.Number,
			"netAmount":     b.NetAmount,
			"paidAmount":    b.PaidAmount,
			"paymentStatus": b.PaymentStatus,
		})
	})
	if err != nil {
		return Bill{}, recordErr(span, err)
	}

	s.Metrics.ObserveRegistration(string(b.PaymentStatus), cash)
	span.SetAttributes(attribute.String("bill.id", b.ID.String()), attribute.String("bill.status", string(b.PaymentStatus)))
	s.Logger.Info().
		Str("bill_id", b.ID.String()).
		Str("bill_number", b.Number).
		Str("status", string(b.PaymentStatus)).
		Stringer("net", b.NetAmount).
		Stringer("paid", b.PaidAmount).
		Msg("bill registered")
	return b, nil
}

// Get returns a stored bill.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Bill, error) {
	if err := s.ready(); err != nil {
		return Bill{}, err
	}
	return s.Store.Get(ctx, id)
}

// PreviewSettlement computes a settlement without writing anything.
func (s *Service) PreviewSettlement(ctx context.Context, id uuid.UUID, req SettlementRequest) (SettlementResult, error) {
	if err := s.ready(); err != nil {
		return SettlementResult{}, err
	}
	ctx, span := tracer.Start(ctx, "bill.PreviewSettlement", trace.WithAttributes(attribute.String("bill.id", id.String())))
	defer span.End()

	b, err := s.Store.Get(ctx, id)
	if err != nil {
		return SettlementResult{}, recordErr(span, err)
	}
	plan, err := s.plan(ctx, b, req)
	if err != nil {
		return SettlementResult{}, recordErr(span, err)
	}
	return SettlementResult{Bill: b, Settlement: plan.settlement, Items: plan.items}, nil
}

// Settle applies a revision and cash movement to a bill under the bill lock.
// The paid amount is read once, inside the lock; a caller that saw a
// different value gets ErrStale.
func (s *Service) Settle(ctx context.Context, id uuid.UUID, req SettlementRequest) (SettlementResult, error) {
	if err := s.ready(); err != nil {
		return SettlementResult{}, err
	}
	if s.Locker == nil {
		return SettlementResult{}, errors.New("bill service not configured: locker missing")
	}
	ctx, span := tracer.Start(ctx, "bill.Settle", trace.WithAttributes(attribute.String("bill.id", id.String())))
	defer span.End()

	// Acquisition and the settlement itself are bounded by the lock TTL.
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTTL())
	defer cancel()

	var result SettlementResult
	err := s.Locker.WithLock(lockCtx, lock.BillKey(id), s.lockTTL(), func(ctx context.Context) error {
		b, err := s.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		p, err := s.plan(ctx, b, req)
		if err != nil {
			return err
		}
		if p.expected != nil && !p.expected.Equal(b.PaidAmount) {
			return fmt.Errorf("%w: expected paid %s, stored %s", ErrStale, p.expected, b.PaidAmount)
		}
		if err := billing.ValidateSettlement(billing.SettlementInput{
			Items:       p.items,
			Discount:    p.discount,
			AlreadyPaid: b.PaidAmount,
			PaidNow:     p.settlement.PaidNow,
		}); err != nil {
			return err
		}

		now := s.now()
		st := p.settlement
		update := SettlementUpdate{
			BillID:          b.ID,
			ExpectedVersion: b.Version,
			Items:           p.items,
			Discount:        p.discount,
			Settlement:      st,
			RefundedAmount:  b.RefundedAmount,
			UpdatedAt:       now,
		}
		switch {
		case st.PaidNow.IsPositive():
			update.Payment = &Payment{ID: uuid.New(), Kind: PaymentCollection, Amount: st.PaidNow, CreatedAt: now}
		case st.PaidNow.IsNegative():
			update.Payment = &Payment{ID: uuid.New(), Kind: PaymentRefund, Amount: st.PaidNow.Neg(), CreatedAt: now}
			update.RefundedAmount = b.RefundedAmount.Add(st.PaidNow.Neg())
		}

		err = s.Store.InTx(ctx, func(ctx context.Context) error {
			if err := s.Store.ApplySettlement(ctx, update); err != nil {
				return err
			}
			payload := map[string]any{
				"billNumber":    b.Number,
				"paidNow":       st.PaidNow,
				"paidAmount":    st.TotalCashHandled,
				"netAmount":     st.Summary.NetAmount,
				"refundOwed":    st.RefundAmount,
				"paymentStatus": st.PaymentStatus,
			}
			if err := s.emit(ctx, events.TopicBillSettled, b.ID, payload); err != nil {
				return err
			}
			if update.Payment != nil && update.Payment.Kind == PaymentRefund {
				return s.emit(ctx, events.TopicBillRefunded, b.ID, map[string]any{
					"billNumber": b.Number,
					"amount":     update.Payment.Amount,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		applied := applySettlement(b, update)
		result = SettlementResult{Bill: applied, Settlement: st, Items: p.items, Payment: update.Payment}
		return nil
	})
	if err != nil {
		var verr *billing.ValidationError
		if errors.As(err, &verr) {
			return SettlementResult{}, s.rejected(span, err)
		}
		s.Metrics.ObserveSettlement(settlementOutcome(err), "none", decimal.Zero)
		return SettlementResult{}, recordErr(span, err)
	}

	st := result.Settlement
	s.Metrics.ObserveSettlement("applied", string(st.PaymentStatus), st.PaidNow)
	span.SetAttributes(attribute.String("bill.status", string(st.PaymentStatus)), attribute.Bool("bill.refund", st.IsRefund))
	s.Logger.Info().
		Str("bill_id", id.String()).
		Str("status", string(st.PaymentStatus)).
		Stringer("paid_now", st.PaidNow).
		Stringer("total_paid", st.TotalCashHandled).
		Stringer("refund_owed", st.RefundAmount).
		Msg("bill settled")
	return result, nil
}

// ListCreatedOn returns bills registered on the calendar day of day, in its location.
func (s *Service) ListCreatedOn(ctx context.Context, day time.Time) ([]Bill, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return s.Store.ListCreatedBetween(ctx, from, from.AddDate(0, 0, 1))
}

type settlementPlan struct {
	items      []billing.LineItem
	discount   billing.Discount
	settlement billing.Settlement
	expected   *decimal.Decimal
}

// plan resolves the revised selection and computes the settlement. Tests
// already on the bill keep the price they were billed at.
func (s *Service) plan(ctx context.Context, b Bill, req SettlementRequest) (settlementPlan, error) {
	if err := structErrors(billing.PolicySettlement, req); err != nil {
		return settlementPlan{}, err
	}
	fe := fieldErrors{policy: billing.PolicySettlement}
	discount := b.Discount
	if req.Discount != nil {
		discount = fe.discountFrom(*req.Discount)
	}
	paidNow := fe.amount("paidNow", req.PaidNow, true)
	var expected *decimal.Decimal
	if req.ExpectedPaid.IsSet() {
		v := fe.amount("expectedPaid", req.ExpectedPaid, false)
		expected = &v
	}
	if err := fe.err(); err != nil {
		return settlementPlan{}, err
	}

	items := b.Items
	if req.TestIDs != nil {
		var err error
		if items, err = s.revise(ctx, b.Items, req.TestIDs); err != nil {
			return settlementPlan{}, err
		}
	}

	var st billing.Settlement
	if req.ConfirmReturn {
		st = billing.ConfirmReturn(items, discount, b.PaidAmount, paidNow)
	} else {
		st = billing.Settle(items, discount, b.PaidAmount, paidNow)
	}
	return settlementPlan{items: items, discount: discount, settlement: st, expected: expected}, nil
}

func (s *Service) revise(ctx context.Context, current []billing.LineItem, rawIDs []string) ([]billing.LineItem, error) {
	ids, err := catalog.ParseIDs(rawIDs)
	if err != nil {
		return nil, err
	}
	existing := billing.NewSelection(current...)
	var fresh []uuid.UUID
	for _, id := range ids {
		if !existing.Contains(id.String()) {
			fresh = append(fresh, id)
		}
	}
	looked := map[string]billing.LineItem{}
	if len(fresh) > 0 {
		items, err := catalog.LineItems(ctx, s.Catalog, fresh)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			looked[it.ID] = it
		}
	}
	byID := make(map[string]billing.LineItem, len(current))
	for _, it := range current {
		byID[it.ID] = it
	}
	revised := &billing.Selection{}
	for _, id := range ids {
		key := id.String()
		if it, ok := byID[key]; ok {
			revised.Add(it)
			continue
		}
		revised.Add(looked[key])
	}
	return revised.Items(), nil
}

func (s *Service) resolve(ctx context.Context, rawIDs []string) ([]billing.LineItem, error) {
	ids, err := catalog.ParseIDs(rawIDs)
	if err != nil {
		return nil, err
	}
	items, err := catalog.LineItems(ctx, s.Catalog, ids)
	if err != nil {
		return nil, err
	}
	return billing.NewSelection(items...).Items(), nil
}

// emit persists an event within the caller's transaction. Notifier failures
// are logged; only a failed insert aborts the transaction.
func (s *Service) emit(ctx context.Context, topic string, billID uuid.UUID, payload any) error {
	if s.Events == nil {
		return nil
	}
	ev, err := s.Events.Emit(ctx, topic, billID, payload)
	if err == nil {
		return nil
	}
	if ev.ID == uuid.Nil {
		return err
	}
	s.Logger.Warn().Err(err).Str("topic", topic).Str("bill_id", billID.String()).Msg("event notifier failed")
	return nil
}

func (s *Service) rejected(span trace.Span, err error) error {
	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		s.Metrics.ObserveValidationFailure(string(verr.Policy), verr.Reasons())
		span.SetAttributes(attribute.String("bill.rejected", string(verr.Policy)))
	}
	return err
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func settlementOutcome(err error) string {
	switch {
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, lock.ErrNotAcquired):
		return "busy"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, catalog.ErrUnknownTest):
		return "unknown_test"
	default:
		return "error"
	}
}

func applySettlement(b Bill, u SettlementUpdate) Bill {
	st := u.Settlement
	b.Items = u.Items
	b.ItemCount = len(u.Items)
	b.Discount = u.Discount
	b.GrossTotal = st.Summary.GrossTotal
	b.DiscountAmount = st.Summary.DiscountAmount
	b.NetAmount = st.Summary.NetAmount
	b.PaidAmount = st.TotalCashHandled
	b.DueAmount = st.FinalDue
	b.RefundedAmount = u.RefundedAmount
	b.PaymentStatus = st.PaymentStatus
	b.Version = u.ExpectedVersion + 1
	b.UpdatedAt = u.UpdatedAt
	if u.Payment != nil {
		b.Payments = append(append([]Payment(nil), b.Payments...), *u.Payment)
	}
	return b
}

func trim(s string) string { return strings.TrimSpace(s) }
