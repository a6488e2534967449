package bill_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/labdesk-api/internal/bill"
	"github.com/noah-isme/labdesk-api/internal/billing"
	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/events"
	"github.com/noah-isme/labdesk-api/internal/lock"
)

func TestQuotePricesSelection(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Quote(context.Background(), bill.QuoteRequest{
		TestIDs:      ids(cbcID, lftID, lipidID, cbcID),
		Discount:     bill.DiscountInput{Type: "percent", Value: "10"},
		CashReceived: "1000",
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Count)
	requireDec(t, "2000", summary.GrossTotal, "gross")
	requireDec(t, "200", summary.DiscountAmount, "discount")
	requireDec(t, "1800", summary.NetAmount, "net")
	requireDec(t, "800", summary.DueAmount, "due")
	require.Equal(t, billing.StatusPartial, summary.PaymentStatus)
	require.Empty(t, f.events.all())
}

func TestQuoteSkipsRegistrationPolicy(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Quote(context.Background(), bill.QuoteRequest{
		TestIDs:      ids(cbcID),
		Discount:     bill.DiscountInput{Type: "AMOUNT", Value: "500"},
		CashReceived: "50",
	})
	require.NoError(t, err)
	requireDec(t, "0", summary.NetAmount, "net")
	require.Equal(t, billing.StatusPending, summary.PaymentStatus)
}

func TestQuoteRejectsUnparseableAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Quote(context.Background(), bill.QuoteRequest{TestIDs: ids(cbcID), CashReceived: "12abc"})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, billing.ErrInvalidAmount)
	require.Equal(t, []string{billing.ErrInvalidAmount.Error()}, verr.Reasons())
}

func TestRegisterPersistsBill(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:      patient(),
		Referral:     bill.Referral{Doctor: " Dr. Karim "},
		TestIDs:      ids(cbcID, lftID, lipidID),
		Discount:     bill.DiscountInput{Type: "PERCENT", Value: "10", Reason: "staff family"},
		CashReceived: "1800",
	})
	require.NoError(t, err)
	require.Equal(t, "LAB-20260314-000001", b.Number)
	require.Equal(t, "FEMALE", b.Patient.Gender)
	require.Equal(t, "Dr. Karim", b.Referral.Doctor)
	require.Equal(t, billing.StatusPaid, b.PaymentStatus)
	requireDec(t, "1800", b.NetAmount, "net")
	requireDec(t, "1800", b.PaidAmount, "paid")
	requireDec(t, "0", b.DueAmount, "due")
	require.Len(t, b.Payments, 1)
	require.Equal(t, bill.PaymentCollection, b.Payments[0].Kind)

	stored, err := f.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, b.Number, stored.Number)
	require.Equal(t, []string{events.TopicBillRegistered}, f.events.all())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BillsRegistered.WithLabelValues("PAID")))

	second, err := f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient: patient(),
		TestIDs: ids(cbcID),
	})
	require.NoError(t, err)
	require.Equal(t, "LAB-20260314-000002", second.Number)
	require.Equal(t, billing.StatusPending, second.PaymentStatus)
	require.Empty(t, second.Payments)
}

func TestRegisterAppliesRegistrationPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:      bill.Patient{Name: "Rahima Begum", Age: 0},
		TestIDs:      []string{},
		Discount:     bill.DiscountInput{Type: "coupon"},
		CashReceived: "-5",
	})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, billing.PolicyRegistration, verr.Policy)
	require.ErrorIs(t, err, billing.ErrInvalidDiscountType)
	require.ErrorIs(t, err, billing.ErrNegativeAmount)
	require.Empty(t, f.events.all())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ValidationFailures.WithLabelValues("registration", billing.ErrInvalidDiscountType.Error())))

	_, err = f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:      bill.Patient{Name: "Rahima Begum", Age: 130},
		TestIDs:      ids(cbcID),
		CashReceived: "400",
	})
	require.ErrorIs(t, err, billing.ErrAgeOutOfRange)

	_, err = f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:      patient(),
		TestIDs:      ids(cbcID),
		CashReceived: "400",
	})
	require.ErrorIs(t, err, billing.ErrOverCollection)

	_, err = f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:  patient(),
		TestIDs:  ids(cbcID),
		Discount: bill.DiscountInput{Type: "AMOUNT", Value: "301"},
	})
	require.ErrorIs(t, err, billing.ErrDiscountExceedsGross)
}

func TestRegisterRejectsStructuralInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient: bill.Patient{Name: "  ", Age: 30, Gender: "unknown"},
		TestIDs: ids(cbcID),
	})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	details := verr.Details()
	require.Contains(t, details, "patient.name")
	require.Contains(t, details, "patient.gender")
}

func TestRegisterUnknownTest(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{retiredID.String(), "not-a-uuid"} {
		_, err := f.svc.Register(context.Background(), bill.RegisterRequest{Patient: patient(), TestIDs: []string{id}})
		require.ErrorIs(t, err, catalog.ErrUnknownTest)
	}
	require.Empty(t, f.store.bills)
}

type failingStore struct{ *memStore }

func (failingStore) Create(context.Context, bill.Bill) error { return errors.New("disk full") }

func TestRegisterSurfacesPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.Store = failingStore{f.store}
	_, err := f.svc.Register(context.Background(), bill.RegisterRequest{Patient: patient(), TestIDs: ids(cbcID)})
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, f.events.all())
	require.Zero(t, f.store.seq)
}

// registerPaidInFull registers LFT 500 + TSH 1000 + CBC 300, fully paid.
func registerPaidInFull(t *testing.T, f *fixture) bill.Bill {
	t.Helper()
	b, err := f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:      patient(),
		TestIDs:      ids(lftID, thyroidID, cbcID),
		CashReceived: "1800",
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, b.PaymentStatus)
	return b
}

func TestSettleFractionalNetStaysPaid(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Register(context.Background(), bill.RegisterRequest{
		Patient:      patient(),
		TestIDs:      ids(lftID),
		Discount:     bill.DiscountInput{Type: "PERCENT", Value: "12.345"},
		CashReceived: "438.275",
	})
	require.NoError(t, err)
	requireDec(t, "438.275", b.NetAmount, "net")
	require.Equal(t, billing.StatusPaid, b.PaymentStatus)

	stored, err := f.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	requireDec(t, "438.275", stored.PaidAmount, "stored paid")

	res, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{ExpectedPaid: "438.275"})
	require.NoError(t, err)
	require.False(t, res.Settlement.IsRefund)
	requireDec(t, "0", res.Settlement.RefundAmount, "refund")
	requireDec(t, "0", res.Settlement.FinalDue, "due")
	require.Equal(t, billing.StatusPaid, res.Settlement.PaymentStatus)
	require.Nil(t, res.Payment)
}

func TestSettleRemovalSuggestsRefund(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)

	res, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{
		TestIDs: ids(lftID, thyroidID),
	})
	require.NoError(t, err)
	st := res.Settlement
	require.True(t, st.IsRefund)
	requireDec(t, "1500", st.Summary.NetAmount, "net")
	requireDec(t, "300", st.RefundAmount, "refund")
	require.Equal(t, billing.StatusReturn, st.PaymentStatus)
	require.Nil(t, res.Payment)
	requireDec(t, "1800", res.Bill.PaidAmount, "paid")
	requireDec(t, "300", res.Bill.RefundOwed(), "owed")
	require.Equal(t, 2, res.Bill.Version)

	res, err = f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{ConfirmReturn: true})
	require.NoError(t, err)
	st = res.Settlement
	require.False(t, st.IsRefund)
	requireDec(t, "-300", st.PaidNow, "paidNow")
	require.Equal(t, billing.StatusPaid, st.PaymentStatus)
	require.NotNil(t, res.Payment)
	require.Equal(t, bill.PaymentRefund, res.Payment.Kind)
	requireDec(t, "300", res.Payment.Amount, "refund payment")

	stored, err := f.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	requireDec(t, "1500", stored.PaidAmount, "stored paid")
	requireDec(t, "300", stored.RefundedAmount, "stored refunded")
	require.Equal(t, billing.StatusPaid, stored.PaymentStatus)
	require.Len(t, stored.Payments, 2)
	require.Equal(t, []string{
		events.TopicBillRegistered,
		events.TopicBillSettled,
		events.TopicBillSettled,
		events.TopicBillRefunded,
	}, f.events.all())
	require.Equal(t, 300.0, testutil.ToFloat64(f.metrics.RefundAmount))
}

func TestSettleCollectsAfterAddingTest(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)
	f.catalog.setPrice(cbcID, "999")

	res, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{
		TestIDs: ids(lftID, thyroidID, cbcID, lipidID),
		PaidNow: "1000",
	})
	require.NoError(t, err)
	st := res.Settlement
	requireDec(t, "3000", st.Summary.GrossTotal, "gross keeps billed CBC price")
	requireDec(t, "2800", st.TotalCashHandled, "total")
	requireDec(t, "200", st.FinalDue, "due")
	require.Equal(t, billing.StatusPartial, st.PaymentStatus)
	require.Equal(t, bill.PaymentCollection, res.Payment.Kind)
	require.Len(t, res.Items, 4)
	require.Equal(t, lipidID.String(), res.Items[3].ID)
}

func TestSettleRejectsStaleExpectedPaid(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)

	_, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{
		PaidNow:      "100",
		ExpectedPaid: "1500",
	})
	require.ErrorIs(t, err, bill.ErrStale)

	res, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{
		Discount:     &bill.DiscountInput{Type: "AMOUNT", Value: "100"},
		PaidNow:      "-100",
		ExpectedPaid: "1800",
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, res.Settlement.PaymentStatus)
}

func TestSettleRejectsRefundBeyondPaid(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)

	_, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{PaidNow: "-2000"})
	require.ErrorIs(t, err, billing.ErrRefundExceedsPaid)

	stored, err := f.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Version)
}

func TestSettleAcceptsDiscountOverrun(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)

	res, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{
		Discount:      &bill.DiscountInput{Type: "AMOUNT", Value: "5000"},
		ConfirmReturn: true,
	})
	require.NoError(t, err)
	requireDec(t, "0", res.Settlement.Summary.NetAmount, "net")
	requireDec(t, "-1800", res.Settlement.PaidNow, "refund all")
	requireDec(t, "0", res.Bill.PaidAmount, "paid")
}

func TestSettleWaitsForLock(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)
	require.NoError(t, f.redis.Set("lock:"+lock.BillKey(b.ID), "other-desk"))

	_, err := f.svc.Settle(context.Background(), b.ID, bill.SettlementRequest{PaidNow: "0"})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Settlements.WithLabelValues("busy", "none")))
}

func TestPreviewSettlementDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	b := registerPaidInFull(t, f)

	res, err := f.svc.PreviewSettlement(context.Background(), b.ID, bill.SettlementRequest{
		TestIDs:       ids(lftID),
		ConfirmReturn: true,
	})
	require.NoError(t, err)
	requireDec(t, "-1300", res.Settlement.PaidNow, "paidNow")
	require.Equal(t, billing.StatusPaid, res.Settlement.PaymentStatus)

	stored, err := f.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Version)
	require.Len(t, stored.Items, 3)
	require.Equal(t, []string{events.TopicBillRegistered}, f.events.all())
}

func TestSettleUnknownBill(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Settle(context.Background(), cbcID, bill.SettlementRequest{})
	require.ErrorIs(t, err, bill.ErrNotFound)
}

func TestListCreatedOn(t *testing.T) {
	f := newFixture(t)
	registerPaidInFull(t, f)
	registerPaidInFull(t, f)

	got, err := f.svc.ListCreatedOn(context.Background(), fixedClock())
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = f.svc.ListCreatedOn(context.Background(), fixedClock().AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestServiceNotConfigured(t *testing.T) {
	var svc *bill.Service
	_, err := svc.Quote(context.Background(), bill.QuoteRequest{})
	require.Error(t, err)
}
