package bill_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/labdesk-api/internal/bill"
	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/events"
	"github.com/noah-isme/labdesk-api/internal/lock"
	"github.com/noah-isme/labdesk-api/internal/obs"
)

// memStore is an in-memory bill.Store. InTx snapshots state and restores it
// when fn fails.
type memStore struct {
	mu    sync.Mutex
	bills map[uuid.UUID]bill.Bill
	seq   int64
}

func newMemStore() *memStore {
	return &memStore{bills: map[uuid.UUID]bill.Bill{}}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[uuid.UUID]bill.Bill, len(m.bills))
	for k, v := range m.bills {
		snapshot[k] = v
	}
	seq := m.seq
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.bills = snapshot
		m.seq = seq
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) NextSequence(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *memStore) Create(_ context.Context, b bill.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Items = append(b.Items[:0:0], b.Items...)
	b.Payments = append(b.Payments[:0:0], b.Payments...)
	m.bills[b.ID] = b
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (bill.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return bill.Bill{}, bill.ErrNotFound
	}
	return b, nil
}

func (m *memStore) ApplySettlement(_ context.Context, u bill.SettlementUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[u.BillID]
	if !ok {
		return bill.ErrNotFound
	}
	if b.Version != u.ExpectedVersion {
		return bill.ErrStale
	}
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
	b.Version++
	b.UpdatedAt = u.UpdatedAt
	if u.Payment != nil {
		b.Payments = append(append([]bill.Payment(nil), b.Payments...), *u.Payment)
	}
	m.bills[u.BillID] = b
	return nil
}

func (m *memStore) ListCreatedBetween(_ context.Context, from, to time.Time) ([]bill.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bill.Bill
	for _, b := range m.bills {
		if !b.CreatedAt.Before(from) && b.CreatedAt.Before(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

type stubCatalog struct {
	mu    sync.Mutex
	tests map[uuid.UUID]catalog.Test
}

func (s *stubCatalog) Tests(_ context.Context, ids []uuid.UUID) ([]catalog.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Test, 0, len(ids))
	for _, id := range ids {
		t, ok := s.tests[id]
		if !ok || !t.Active {
			return nil, catalog.ErrUnknownTest
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *stubCatalog) setPrice(id uuid.UUID, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tests[id]
	t.Price = decimal.RequireFromString(price)
	s.tests[id] = t
}

type eventLog struct {
	mu     sync.Mutex
	topics []string
}

func (e *eventLog) Insert(_ context.Context, ev events.Event) (events.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, ev.Topic)
	return ev, nil
}

func (e *eventLog) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.topics...)
}

// Lab tests priced so that the common desk scenarios come out in round numbers.
var (
	cbcID     = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	lftID     = uuid.MustParse("22222222-2222-4222-8222-222222222222")
	lipidID   = uuid.MustParse("33333333-3333-4333-8333-333333333333")
	thyroidID = uuid.MustParse("44444444-4444-4444-8444-444444444444")
	retiredID = uuid.MustParse("55555555-5555-4555-8555-555555555555")
)

type fixture struct {
	svc     *bill.Service
	store   *memStore
	catalog *stubCatalog
	events  *eventLog
	metrics *obs.BillingMetrics
	redis   *miniredis.Miniredis
}

func fixedClock() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cat := &stubCatalog{tests: map[uuid.UUID]catalog.Test{}}
	for _, tt := range []catalog.Test{
		{ID: cbcID, Code: "CBC", Name: "Complete Blood Count", Price: decimal.NewFromInt(300), Active: true},
		{ID: lftID, Code: "LFT", Name: "Liver Function Test", Price: decimal.NewFromInt(500), Active: true},
		{ID: lipidID, Code: "LIPID", Name: "Lipid Profile", Price: decimal.NewFromInt(1200), Active: true},
		{ID: thyroidID, Code: "TSH", Name: "Thyroid Panel", Price: decimal.NewFromInt(1000), Active: true},
		{ID: retiredID, Code: "OLD", Name: "Retired Test", Price: decimal.NewFromInt(100), Active: false},
	} {
		cat.tests[tt.ID] = tt
	}

	store := newMemStore()
	evs := &eventLog{}
	metrics := obs.NewBillingMetrics("labdesk_test", prometheus.NewRegistry())
	svc := &bill.Service{
		Store:        store,
		Catalog:      cat,
		Events:       &events.Bus{Store: evs, Now: fixedClock},
		Locker:       lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond},
		Metrics:      metrics,
		Logger:       zerolog.Nop(),
		Currency:     "BDT",
		NumberPrefix: "LAB",
		LockTTL:      time.Second,
		Now:          fixedClock,
	}
	return &fixture{svc: svc, store: store, catalog: cat, events: evs, metrics: metrics, redis: mr}
}

func ids(list ...uuid.UUID) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}

func patient() bill.Patient {
	return bill.Patient{Name: "Rahima Begum", Age: 34, Gender: "female", Phone: "01711000000"}
}

func requireDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "%s: want %s, got %s", field, want, got)
}
