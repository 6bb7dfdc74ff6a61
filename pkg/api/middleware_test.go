package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/identity"
)

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/issuer/supply", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, call("10.0.0.1:1234").Code, "within burst")
	}
	rec := call("10.0.0.1:5678")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	// Buckets are per client IP.
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1234").Code)
}

func TestRateLimiter_PrunesIdleVisitors(t *testing.T) {
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	rl := NewGlobalRateLimiter(1, 1)
	rl.clock = func() time.Time { return now }

	rl.getVisitor("a")
	rl.getVisitor("b")
	now = now.Add(5 * time.Minute)
	rl.getVisitor("b")
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "b")
}

func TestMemoryIdempotencyStore_Expires(t *testing.T) {
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	s := NewIdempotencyStore(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	s.Set(ctx, "k", &CachedResponse{StatusCode: 201, Body: []byte("{}"), Fingerprint: "f"})
	got, ok := s.Check(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)

	now = now.Add(time.Minute)
	_, ok = s.Check(ctx, "k")
	assert.False(t, ok)
}

func TestIdempotencyMiddleware_OnlyCachesSuccess(t *testing.T) {
	calls := 0
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			WriteFault(w, r, fault.New(fault.Unavailable, "test", "journal down"))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"call": calls})
	}))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/budgets", strings.NewReader(`{"a":1}`))
		req.Header.Set("Idempotency-Key", "retry-me")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, post().Code)
	assert.Equal(t, http.StatusCreated, post().Code)
	rec := post()
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"call":2}`, rec.Body.String())
	assert.Equal(t, 2, calls)
}

func TestStatusFor(t *testing.T) {
	cases := map[fault.Kind]int{
		fault.ValidationError:        http.StatusBadRequest,
		fault.Unauthorized:           http.StatusForbidden,
		fault.InsufficientFunds:      http.StatusUnprocessableEntity,
		fault.InvalidStateTransition: http.StatusConflict,
		fault.IssuerHalted:           http.StatusLocked,
		fault.NotFound:               http.StatusNotFound,
		fault.Unavailable:            http.StatusServiceUnavailable,
		fault.Kind("Bogus"):          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}

func TestWriteFault_HidesInfrastructureDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/intents", nil)
	rec := httptest.NewRecorder()
	err := &gate.Rejection{
		IntentID: "i-1",
		Stage:    gate.StageJournal,
		Kind:     fault.Unavailable,
		Err:      fault.Wrap(fault.Unavailable, "journal", errors.New("pq: connection refused to 10.1.2.3")),
	}
	WriteFault(rec, req, err)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, fault.Unavailable, p.Kind)
	assert.Equal(t, gate.StageJournal, p.Stage)
	assert.True(t, p.Retryable)
	assert.NotContains(t, p.Detail, "10.1.2.3")
	assert.Equal(t, "/v1/intents", p.Instance)
}

func TestRecoverMiddleware(t *testing.T) {
	h := RequestIDMiddleware(RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "req-42", p.TraceID)
	assert.NotContains(t, p.Detail, "boom")
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	tm, err := identity.NewTokenManager([]byte("0123456789abcdef"))
	require.NoError(t, err)
	tm.WithClock(func() time.Time { return now })
	tok, err := tm.Issue("alice", identity.RoleAgent, time.Minute)
	require.NoError(t, err)

	var seen Principal
	h := AuthMiddleware(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
	}))
	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v1/issuer/supply", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call())
	assert.Equal(t, Principal{Subject: "alice", Role: identity.RoleAgent}, seen)
	assert.False(t, seen.Operator())
	assert.True(t, seen.CanAct("alice"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusUnauthorized, call())
}

func TestRedisIdempotencyStore_DegradesToMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	s := NewRedisIdempotencyStore(client, time.Minute, nil)

	ctx := context.Background()
	s.Set(ctx, "k", &CachedResponse{StatusCode: 200})
	_, ok := s.Check(ctx, "k")
	assert.False(t, ok)
}
