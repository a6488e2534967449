package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/labdesk-api/internal/common"
	"github.com/noah-isme/labdesk-api/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func send(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bills", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareEnforcesLimitPerClient(t *testing.T) {
	lim, err := ratelimit.New(memory.NewStore(), "1-M")
	require.NoError(t, err)
	h := ratelimit.Handler{Limiter: lim, Scope: "bills"}.Middleware(okHandler())

	first := send(h, "10.0.0.1:5000")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := send(h, "10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.NotEmpty(t, second.Header().Get("Retry-After"))
	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	require.Equal(t, common.CodeRateLimited, body.Error.Code)

	other := send(h, "10.0.0.2:5000")
	require.Equal(t, http.StatusOK, other.Code)
}

func TestNewRejectsBadRate(t *testing.T) {
	_, err := ratelimit.New(memory.NewStore(), "sixty per minute")
	require.Error(t, err)
}

type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errStoreDown
}

func (brokenStore) Peek(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errStoreDown
}

func (brokenStore) Reset(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errStoreDown
}

func (brokenStore) Increment(context.Context, string, int64, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errStoreDown
}

func TestMiddlewareFailsOpen(t *testing.T) {
	lim, err := ratelimit.New(brokenStore{}, "1-M")
	require.NoError(t, err)

	var seen error
	h := ratelimit.Handler{
		Limiter: lim,
		OnError: func(_ *http.Request, err error) { seen = err },
	}.Middleware(okHandler())

	rec := send(h, "10.0.0.1:5000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.ErrorIs(t, seen, errStoreDown)
}

func TestMiddlewareWithoutLimiter(t *testing.T) {
	h := ratelimit.Handler{}.Middleware(okHandler())
	require.Equal(t, http.StatusOK, send(h, "10.0.0.1:5000").Code)
}
