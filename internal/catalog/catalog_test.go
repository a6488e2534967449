package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/resilience"
)

type stubLookup struct {
	tests map[uuid.UUID]catalog.Test
	calls [][]uuid.UUID
}

func newStubLookup(tests ...catalog.Test) *stubLookup {
	s := &stubLookup{tests: map[uuid.UUID]catalog.Test{}}
	for _, t := range tests {
		s.tests[t.ID] = t
	}
	return s
}

func (s *stubLookup) Tests(_ context.Context, ids []uuid.UUID) ([]catalog.Test, error) {
	s.calls = append(s.calls, append([]uuid.UUID(nil), ids...))
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

func labTest(code, name, price string) catalog.Test {
	return catalog.Test{ID: uuid.New(), Code: code, Name: name, Price: decimal.RequireFromString(price), Active: true}
}

func newCached(t *testing.T, next catalog.Lookup) (catalog.CachedLookup, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return catalog.CachedLookup{Next: next, Client: client, TTL: time.Minute, Logger: zerolog.Nop()}, mr
}

func TestCachedLookupServesFromCache(t *testing.T) {
	cbc := labTest("CBC", "Complete Blood Count", "300")
	lipid := labTest("LIPID", "Lipid Profile", "1200")
	stub := newStubLookup(cbc, lipid)
	cached, mr := newCached(t, stub)
	ctx := context.Background()

	got, err := cached.Tests(ctx, []uuid.UUID{cbc.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, mr.Exists("catalog:test:"+cbc.ID.String()))

	got, err = cached.Tests(ctx, []uuid.UUID{lipid.ID, cbc.ID})
	require.NoError(t, err)
	require.Equal(t, []string{"LIPID", "CBC"}, []string{got[0].Code, got[1].Code})
	require.True(t, got[1].Price.Equal(decimal.NewFromInt(300)))

	require.Len(t, stub.calls, 2)
	require.Equal(t, []uuid.UUID{lipid.ID}, stub.calls[1])
}

func TestCachedLookupUnknownTest(t *testing.T) {
	stub := newStubLookup()
	cached, _ := newCached(t, stub)

	_, err := cached.Tests(context.Background(), []uuid.UUID{uuid.New()})
	require.ErrorIs(t, err, catalog.ErrUnknownTest)
}

func TestCachedLookupInvalidate(t *testing.T) {
	cbc := labTest("CBC", "Complete Blood Count", "300")
	stub := newStubLookup(cbc)
	cached, mr := newCached(t, stub)
	ctx := context.Background()

	_, err := cached.Tests(ctx, []uuid.UUID{cbc.ID})
	require.NoError(t, err)
	require.NoError(t, cached.Invalidate(ctx, cbc.ID))
	require.False(t, mr.Exists("catalog:test:"+cbc.ID.String()))
}

func TestCachedLookupIgnoresCorruptEntries(t *testing.T) {
	cbc := labTest("CBC", "Complete Blood Count", "300")
	stub := newStubLookup(cbc)
	cached, mr := newCached(t, stub)
	require.NoError(t, mr.Set("catalog:test:"+cbc.ID.String(), "not-json"))

	got, err := cached.Tests(context.Background(), []uuid.UUID{cbc.ID})
	require.NoError(t, err)
	require.Equal(t, "CBC", got[0].Code)
	require.Len(t, stub.calls, 1)
}

func TestCachedLookupBypassesBrokenCache(t *testing.T) {
	cbc := labTest("CBC", "Complete Blood Count", "300")
	stub := newStubLookup(cbc)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	breaker := resilience.NewBreaker("catalog_cache", 1, 1, time.Hour)
	cached := catalog.CachedLookup{Next: stub, Client: client, TTL: time.Minute, Logger: zerolog.Nop(), Breaker: breaker}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := cached.Tests(ctx, []uuid.UUID{cbc.ID})
		require.NoError(t, err)
		require.Equal(t, "CBC", got[0].Code)
	}
	require.Equal(t, resilience.Open, breaker.State())
	require.Len(t, stub.calls, 2)
}

func TestLineItemsAndParseIDs(t *testing.T) {
	cbc := labTest("CBC", "Complete Blood Count", "300")
	stub := newStubLookup(cbc)

	ids, err := catalog.ParseIDs([]string{" " + cbc.ID.String() + " "})
	require.NoError(t, err)
	items, err := catalog.LineItems(context.Background(), stub, ids)
	require.NoError(t, err)
	require.Equal(t, cbc.ID.String(), items[0].ID)
	require.Equal(t, "Complete Blood Count", items[0].Name)

	_, err = catalog.ParseIDs([]string{"cbc"})
	require.ErrorIs(t, err, catalog.ErrUnknownTest)
}

func TestHandlerTest(t *testing.T) {
	cbc := labTest("CBC", "Complete Blood Count", "300")
	router := chi.NewRouter()
	router.Get("/api/v1/tests/{id}", catalog.Handler{Lookup: newStubLookup(cbc)}.Test)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+cbc.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data catalog.Test `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "CBC", body.Data.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "UNKNOWN_TEST")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tests/not-a-uuid", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
