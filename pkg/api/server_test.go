package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/api"
	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/bank"
	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/escrow"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/issuer"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	t      *testing.T
	srv    *httptest.Server
	bank   *bank.Bank
	tokens map[string]string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := func() time.Time { return t0 }
	b, err := bank.New(context.Background(), bank.Options{
		Seed:    bytes.Repeat([]byte{0x07}, 32),
		Journal: journal.NewMemoryJournal(),
		Reserve: issuer.Config{ReserveCap: 1_000_000, MaxSingleMint: 100_000},
		Clock:   clock,
	})
	require.NoError(t, err)

	tm, err := identity.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	tm.WithClock(clock)

	sink, err := archive.NewFileSink(t.TempDir())
	require.NoError(t, err)
	s, err := api.NewServer(api.Options{
		Bank:        b,
		Tokens:      tm,
		Idempotency: api.NewIdempotencyStore(time.Hour),
		Archiver:    archive.NewArchiver(b.Receipts.Store(), b.Receipts, sink, nil),
		Version:     "test",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	e := &env{t: t, srv: srv, bank: b, tokens: map[string]string{}}
	for sub, role := range map[string]identity.Role{
		"ops": identity.RoleOperator, "alice": identity.RoleAgent, "bob": identity.RoleAgent, "arbiter": identity.RoleAgent,
	} {
		tok, err := tm.Issue(sub, role, time.Hour)
		require.NoError(t, err)
		e.tokens[sub] = tok
	}
	return e
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, v), string(r.body))
}

func (r response) problem(t *testing.T) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", r.header.Get("Content-Type"))
	var p api.ProblemDetail
	r.decode(t, &p)
	return p
}

func (e *env) do(method, path, as string, body any, headers ...string) response {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[as])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: raw}
}

// setup registers alice, bob and arbiter and funds alice.
func (e *env) setup(mint int64) {
	e.t.Helper()
	for _, id := range []string{"alice", "bob", "arbiter"} {
		r := e.do(http.MethodPost, "/v1/agents", "ops", map[string]string{"id": id})
		require.Equal(e.t, http.StatusCreated, r.status, string(r.body))
	}
	r := e.do(http.MethodPost, "/v1/issuer/mint", "ops", map[string]any{"account": "alice", "amount": mint})
	require.Equal(e.t, http.StatusOK, r.status, string(r.body))
}

func (e *env) permit(maxAmount int64, counterparty string) budget.Permit {
	e.t.Helper()
	r := e.do(http.MethodPost, "/v1/budgets", "alice", map[string]any{"max_single": 5000, "max_period": 8000, "period_window": "24h"})
	require.Equal(e.t, http.StatusCreated, r.status, string(r.body))
	var b budget.Budget
	r.decode(e.t, &b)

	r = e.do(http.MethodPost, "/v1/permits", "alice", map[string]any{
		"budget_id": b.ID, "counterparty": counterparty, "max_amount": maxAmount, "ttl": "1h",
	})
	require.Equal(e.t, http.StatusCreated, r.status, string(r.body))
	var p budget.Permit
	r.decode(e.t, &p)
	return p
}

func (e *env) balance(owner string) int64 {
	e.t.Helper()
	r := e.do(http.MethodGet, "/v1/agents/"+owner+"/balance", "ops", nil)
	require.Equal(e.t, http.StatusOK, r.status, string(r.body))
	var out struct {
		Available int64 `json:"available"`
	}
	r.decode(e.t, &out)
	return out.Available
}

func TestHealth_IsPublic(t *testing.T) {
	e := newEnv(t)
	r := e.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.NotEmpty(t, r.header.Get("X-Request-ID"))

	var h map[string]any
	r.decode(t, &h)
	assert.Equal(t, "ok", h["status"])
	assert.Equal(t, e.bank.NodePublicKey(), h["node_public_key"])
}

func TestAuth(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodGet, "/v1/issuer/supply", "", nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, http.StatusUnauthorized, r.problem(t).Status)

	r = e.do(http.MethodGet, "/v1/issuer/supply", "", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, r.status)

	r = e.do(http.MethodPost, "/v1/agents", "alice", map[string]string{"id": "mallory"})
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.False(t, e.bank.Exists("mallory"))

	r = e.do(http.MethodGet, "/v1/issuer/supply", "alice", nil)
	assert.Equal(t, http.StatusOK, r.status)
}

func TestRegisterAgent(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodPost, "/v1/agents", "ops", map[string]string{"id": "Alice"})
	require.Equal(t, http.StatusCreated, r.status)
	var a identity.AgentIdentity
	r.decode(t, &a)
	assert.Equal(t, "alice", a.ID)
	assert.True(t, a.Custodial)

	r = e.do(http.MethodPost, "/v1/agents", "ops", map[string]string{"id": "alice"})
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, fault.Conflict, r.problem(t).Kind)

	r = e.do(http.MethodPost, "/v1/agents", "ops", map[string]string{"id": "carol", "public_key": "xyz"})
	assert.Equal(t, http.StatusBadRequest, r.status)
	p := r.problem(t)
	assert.Equal(t, fault.ValidationError, p.Kind)
	assert.Contains(t, p.Detail, "/public_key")

	r = e.do(http.MethodGet, "/v1/agents/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, r.status)
}

func TestPaymentFlow(t *testing.T) {
	e := newEnv(t)
	e.setup(10_000)
	p := e.permit(3000, "bob")

	body := map[string]any{"permit_id": p.ID, "recipient": "bob", "amount": 1000}
	first := e.do(http.MethodPost, "/v1/intents", "alice", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, first.status, string(first.body))
	var rcpt receipts.Receipt
	first.decode(t, &rcpt)
	assert.Equal(t, receipts.KindPayment, rcpt.Kind)
	assert.Equal(t, "alice:k1", rcpt.IntentID)

	again := e.do(http.MethodPost, "/v1/intents", "alice", body, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusOK, again.status)
	assert.Equal(t, "true", again.header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first.body), string(again.body))
	assert.Equal(t, int64(9000), e.balance("alice"))
	assert.Equal(t, int64(1000), e.balance("bob"))

	r := e.do(http.MethodPost, "/v1/intents", "alice", map[string]any{"permit_id": p.ID, "recipient": "bob", "amount": 2}, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusConflict, r.status)

	// Another agent reusing the intent id learns nothing about it.
	r = e.do(http.MethodPost, "/v1/intents", "bob", map[string]any{"intent_id": "alice:k1", "permit_id": p.ID, "recipient": "alice", "amount": 1000})
	assert.Equal(t, http.StatusConflict, r.status)
	assert.NotContains(t, string(r.body), rcpt.ID)

	r = e.do(http.MethodPost, "/v1/intents", "alice", map[string]any{"intent_id": "escrow:e1:auto_release", "permit_id": p.ID, "recipient": "bob", "amount": 1})
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, fault.ValidationError, r.problem(t).Kind)

	r = e.do(http.MethodPost, "/v1/intents", "alice", map[string]any{"permit_id": p.ID, "recipient": "arbiter", "amount": 10})
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)
	prob := r.problem(t)
	assert.Equal(t, fault.CounterpartyMismatch, prob.Kind)
	assert.NotEmpty(t, prob.Stage)
	assert.False(t, prob.Retryable)

	r = e.do(http.MethodPost, "/v1/intents", "alice", map[string]any{"permit_id": p.ID, "recipient": "bob", "amount": 2500})
	assert.Equal(t, fault.PermitExhausted, r.problem(t).Kind)

	// Receipt visibility follows the accounts it touches.
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/intents/alice:k1", "bob", nil).status)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/intents/alice:k1", "arbiter", nil).status)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/receipts/"+rcpt.ID, "alice", nil).status)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/receipts/"+rcpt.ID, "arbiter", nil).status)

	r = e.do(http.MethodGet, "/v1/agents/alice/balance", "bob", nil)
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.Equal(t, fault.Unauthorized, r.problem(t).Kind)

	r = e.do(http.MethodGet, "/v1/permits/"+p.ID, "bob", nil)
	require.Equal(t, http.StatusOK, r.status)
	var got budget.Permit
	r.decode(t, &got)
	assert.Equal(t, int64(2000), got.Remaining)

	r = e.do(http.MethodPost, "/v1/permits/"+p.ID+"/revoke", "bob", nil)
	assert.Equal(t, http.StatusForbidden, r.status)
	r = e.do(http.MethodPost, "/v1/permits/"+p.ID+"/revoke", "alice", nil)
	require.Equal(t, http.StatusOK, r.status)
	r = e.do(http.MethodPost, "/v1/intents", "alice", map[string]any{"permit_id": p.ID, "recipient": "bob", "amount": 1})
	assert.Equal(t, fault.PermitRevoked, r.problem(t).Kind)
}

func TestSchemaValidation(t *testing.T) {
	e := newEnv(t)
	e.setup(100)

	cases := map[string]struct {
		path string
		body string
	}{
		"unknown field":     {"/v1/budgets", `{"max_single":1,"max_period":1,"period_window":"1h","owner":"bob"}`},
		"missing field":     {"/v1/permits", `{"budget_id":"b"}`},
		"bad json":          {"/v1/intents", `{"permit_id":`},
		"bad deadline":      {"/v1/escrows", `{"seller":"bob","arbiter":"arbiter","amount":1,"deadline":"tomorrow"}`},
		"bad duration":      {"/v1/budgets", `{"max_single":1,"max_period":1,"period_window":"forever"}`},
		"signature no id":   {"/v1/intents", `{"permit_id":"p","recipient":"bob","amount":1,"signature":"` + strings.Repeat("ab", 64) + `"}`},
		"float amount":      {"/v1/intents", `{"permit_id":"p","recipient":"bob","amount":1.5}`},
		"ruling out of set": {"/v1/escrows/x/resolve", `{"ruling":"split"}`},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			r := e.do(http.MethodPost, c.path, "alice", c.body)
			assert.Equal(t, http.StatusBadRequest, r.status, string(r.body))
			assert.Equal(t, fault.ValidationError, r.problem(t).Kind)
		})
	}
}

func TestEscrowFlow(t *testing.T) {
	e := newEnv(t)
	e.setup(1000)

	r := e.do(http.MethodPost, "/v1/escrows", "alice", map[string]any{
		"seller": "bob", "arbiter": "arbiter", "amount": 400,
		"conditions": []string{"ship widget"}, "deadline": t0.Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, r.status, string(r.body))
	var esc escrow.Escrow
	r.decode(t, &esc)
	assert.Equal(t, "alice", esc.Buyer)

	base := "/v1/escrows/" + esc.ID
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, base+"/fund", "alice", nil).status)
	assert.Equal(t, int64(600), e.balance("alice"))

	r = e.do(http.MethodPost, base+"/confirm", "alice", nil)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, fault.InvalidStateTransition, r.problem(t).Kind)

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, base+"/deliver", "bob", map[string]string{"proof": "tracking-123"}).status)
	r = e.do(http.MethodPost, base+"/confirm", "alice", nil)
	require.Equal(t, http.StatusOK, r.status, string(r.body))
	var rcpt receipts.Receipt
	r.decode(t, &rcpt)
	assert.Equal(t, receipts.KindEscrowConfirm, rcpt.Kind)
	assert.Equal(t, int64(400), e.balance("bob"))

	r = e.do(http.MethodGet, base, "arbiter", nil)
	require.Equal(t, http.StatusOK, r.status)
	r.decode(t, &esc)
	assert.Equal(t, escrow.Released, esc.Status)
	assert.True(t, esc.Conditions[0].Met)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, base+"/explode", "alice", nil).status)
}

func TestIssuerEndpoints(t *testing.T) {
	e := newEnv(t)
	e.setup(50_000)

	r := e.do(http.MethodPost, "/v1/issuer/mint", "ops", map[string]any{"account": "alice", "amount": 200_000})
	assert.Equal(t, fault.MintLimitExceeded, r.problem(t).Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)

	r = e.do(http.MethodPost, "/v1/issuer/halt", "ops", map[string]string{"reason": "audit"})
	require.Equal(t, http.StatusOK, r.status)
	r = e.do(http.MethodPost, "/v1/issuer/mint", "ops", map[string]any{"account": "alice", "amount": 1})
	assert.Equal(t, http.StatusLocked, r.status)
	assert.Equal(t, fault.IssuerHalted, r.problem(t).Kind)

	r = e.do(http.MethodPost, "/v1/issuer/resume", "ops", nil)
	require.Equal(t, http.StatusOK, r.status)
	r = e.do(http.MethodPost, "/v1/issuer/burn", "ops", map[string]any{"account": "alice", "amount": 10_000})
	require.Equal(t, http.StatusOK, r.status, string(r.body))

	r = e.do(http.MethodGet, "/v1/issuer/supply", "bob", nil)
	require.Equal(t, http.StatusOK, r.status)
	var s issuer.Supply
	r.decode(t, &s)
	assert.Equal(t, issuer.Supply{TotalSupply: 40_000, ReserveCap: 1_000_000, Remaining: 960_000}, s)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/issuer/burn", "alice", map[string]any{"account": "alice", "amount": 1}).status)
}

func TestReceiptsExportAndVerify(t *testing.T) {
	e := newEnv(t)
	e.setup(10_000)
	p := e.permit(5000, "")
	for _, to := range []string{"bob", "arbiter"} {
		r := e.do(http.MethodPost, "/v1/intents", "alice", map[string]any{"permit_id": p.ID, "recipient": to, "amount": 100})
		require.Equal(t, http.StatusOK, r.status, string(r.body))
	}

	// bob's export is narrowed to receipts touching bob.
	r := e.do(http.MethodGet, "/v1/receipts/export?account=alice", "bob", nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "application/x-ndjson", r.header.Get("Content-Type"))
	rs, err := receipts.ReadBundle(bytes.NewReader(r.body))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Contains(t, rs[0].Accounts, "bob")

	r = e.do(http.MethodGet, "/v1/receipts/export?subject=account:alice", "ops", nil)
	rs, err = receipts.ReadBundle(bytes.NewReader(r.body))
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.NoError(t, receipts.VerifyChain(rs, e.bank.NodePublicKey()))

	r = e.do(http.MethodGet, "/v1/receipts/export?subject=account:alice&manifest=true", "ops", nil)
	require.Equal(t, http.StatusOK, r.status)
	var m receipts.Manifest
	r.decode(t, &m)
	assert.NoError(t, receipts.VerifyManifest(m, rs))

	r = e.do(http.MethodPost, "/v1/receipts/verify", "bob", rs[0])
	require.Equal(t, http.StatusOK, r.status)
	var res receipts.VerificationResult
	r.decode(t, &res)
	assert.True(t, res.Valid, res.Errors)

	tampered := rs[0].Clone()
	tampered.Payload = json.RawMessage(`{"amount":1}`)
	r = e.do(http.MethodPost, "/v1/receipts/verify", "bob", tampered)
	r.decode(t, &res)
	assert.False(t, res.Valid)

	r = e.do(http.MethodGet, "/v1/receipts/export?from_seq=abc", "ops", nil)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = e.do(http.MethodPost, "/v1/receipts/archive?subject=account:alice", "ops", nil)
	require.Equal(t, http.StatusCreated, r.status, string(r.body))
	var arch archive.Result
	r.decode(t, &arch)
	assert.Equal(t, 2, arch.Manifest.Count)
	assert.True(t, strings.HasPrefix(arch.BundleURI, "file://"))
}
