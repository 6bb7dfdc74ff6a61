package escrow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/escrow"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	escrow   *escrow.Engine
	gate     *gate.Gate
	ledger   *ledger.Ledger
	receipts *receipts.Engine
	journal  *journal.MemoryJournal
	now      time.Time
}

type parties map[string]bool

func (p parties) Exists(id string) bool { return p[id] }

func newHarness(t *testing.T) *harness {
	t.Helper()
	node, err := crypto.NewEd25519Signer("node")
	require.NoError(t, err)
	h := &harness{ledger: ledger.New(), journal: journal.NewMemoryJournal(), now: t0}
	clock := func() time.Time { return h.now }
	h.ledger.WithClock(clock)
	require.NoError(t, h.ledger.OpenSystemAccount(ledger.SupplyAccount))
	for _, a := range []string{"buyer", "seller", "arbiter"} {
		require.NoError(t, h.ledger.OpenAccount(a))
	}
	h.receipts = receipts.NewEngine(node, receipts.NewMemoryStore()).WithClock(clock)
	h.gate = gate.New(gate.Deps{
		Ledger:   h.ledger,
		Permits:  budget.NewEngine(node, h.journal, nil, nil),
		Receipts: h.receipts,
		Journal:  h.journal,
	}).WithClock(clock)
	h.escrow = escrow.NewEngine(h.gate, h.journal, parties{"buyer": true, "seller": true, "arbiter": true}, nil).WithClock(clock)
	return h
}

func (h *harness) mint(t *testing.T, to string, amount int64) *receipts.Receipt {
	t.Helper()
	p := ledger.MintPair(to, amount)
	r, err := h.gate.Execute(context.Background(), gate.Action{
		IntentID: "mint-" + to,
		Kind:     receipts.KindMint,
		Subject:  "issuer:reserve",
		Posting:  &p,
		Payload:  map[string]any{"to": to, "amount": amount},
	})
	require.NoError(t, err)
	return r
}

func (h *harness) create(t *testing.T, amount int64, mod func(*escrow.Spec)) *escrow.Escrow {
	t.Helper()
	s := escrow.Spec{
		Buyer:      "buyer",
		Seller:     "seller",
		Arbiter:    "arbiter",
		Amount:     amount,
		Conditions: []string{"goods shipped"},
		Deadline:   t0.Add(48 * time.Hour),
	}
	if mod != nil {
		mod(&s)
	}
	esc, err := h.escrow.Create(context.Background(), s)
	require.NoError(t, err)
	return esc
}

func (h *harness) balance(t *testing.T, owner string) ledger.Balance {
	t.Helper()
	b, err := h.ledger.Balance(owner)
	require.NoError(t, err)
	return b
}

func TestEscrow_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	minted := h.mint(t, "buyer", 100000)

	esc := h.create(t, 50000, nil)
	assert.Equal(t, escrow.Created, esc.Status)

	funded, err := h.escrow.Fund(ctx, esc.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{Available: 50000, Locked: 50000}, h.balance(t, "buyer"))

	h.now = t0.Add(time.Hour)
	delivered, err := h.escrow.Deliver(ctx, esc.ID, "sha256:tracking", "seller")
	require.NoError(t, err)
	got, _ := h.escrow.Get(esc.ID)
	assert.Equal(t, escrow.DeliveryPending, got.Status)
	require.Len(t, got.Conditions, 1)
	assert.True(t, got.Conditions[0].Met)
	assert.Equal(t, "sha256:tracking", got.Conditions[0].Evidence)

	confirmed, err := h.escrow.Confirm(ctx, esc.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{Available: 50000}, h.balance(t, "buyer"))
	assert.Equal(t, ledger.Balance{Available: 50000}, h.balance(t, "seller"))

	got, _ = h.escrow.Get(esc.ID)
	assert.Equal(t, escrow.Released, got.Status)
	assert.Len(t, got.History, 3)

	all, err := h.receipts.Store().List(receipts.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for _, r := range all {
		assert.True(t, receipts.VerifyReceipt(r), r.Kind)
	}
	assert.Equal(t, []string{minted.ID, funded.ID, delivered.ID, confirmed.ID}, []string{all[0].ID, all[1].ID, all[2].ID, all[3].ID})
	assert.Empty(t, funded.PriorReceiptRef)
	d, _ := funded.Digest()
	assert.Equal(t, d, delivered.PriorReceiptRef)
	assert.Equal(t, delivered.LedgerSeq, funded.LedgerSeq, "informational transitions do not post")
	assert.NoError(t, receipts.VerifyChain(all, h.receipts.SignerPublicKey()))
}

func TestEscrow_CheckOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, "buyer", 1000)
	esc := h.create(t, 500, nil)

	_, err := h.escrow.Fund(ctx, "missing", "buyer")
	assert.ErrorIs(t, err, fault.ErrNotFound)

	// Wrong actor is reported before the wrong state.
	_, err = h.escrow.Confirm(ctx, esc.ID, "seller")
	assert.ErrorIs(t, err, fault.ErrUnauthorized)
	_, err = h.escrow.Confirm(ctx, esc.ID, "buyer")
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)

	// Wrong state is reported before the deadline.
	h.now = esc.Deadline.Add(time.Minute)
	_, err = h.escrow.Deliver(ctx, esc.ID, "proof", "seller")
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	_, err = h.escrow.Fund(ctx, esc.ID, "buyer")
	assert.ErrorIs(t, err, fault.ErrDeadlinePassed)

	got, _ := h.escrow.Get(esc.ID)
	assert.Equal(t, escrow.Created, got.Status)
	assert.Equal(t, ledger.Balance{Available: 1000}, h.balance(t, "buyer"))
}

func TestEscrow_FundRequiresBalance(t *testing.T) {
	h := newHarness(t)
	h.mint(t, "buyer", 100)
	esc := h.create(t, 500, nil)

	_, err := h.escrow.Fund(context.Background(), esc.ID, "buyer")
	assert.ErrorIs(t, err, fault.ErrInsufficientFunds)
	got, _ := h.escrow.Get(esc.ID)
	assert.Equal(t, escrow.Created, got.Status)
}

func TestEscrow_DisputeAndResolve(t *testing.T) {
	for _, tc := range []struct {
		ruling      escrow.Ruling
		buyer       ledger.Balance
		sellerAvail int64
	}{
		{escrow.RulingRefund, ledger.Balance{Available: 1000}, 0},
		{escrow.RulingRelease, ledger.Balance{Available: 600}, 400},
	} {
		t.Run(string(tc.ruling), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.mint(t, "buyer", 1000)
			esc := h.create(t, 400, nil)
			_, err := h.escrow.Fund(ctx, esc.ID, "buyer")
			require.NoError(t, err)
			_, err = h.escrow.Deliver(ctx, esc.ID, "proof", "seller")
			require.NoError(t, err)

			_, err = h.escrow.Dispute(ctx, esc.ID, "damaged", "seller")
			assert.ErrorIs(t, err, fault.ErrUnauthorized)
			_, err = h.escrow.Dispute(ctx, esc.ID, "damaged", "buyer")
			require.NoError(t, err)

			_, err = h.escrow.Resolve(ctx, esc.ID, "split", "arbiter")
			assert.ErrorIs(t, err, fault.ErrValidation)
			_, err = h.escrow.Resolve(ctx, esc.ID, tc.ruling, "buyer")
			assert.ErrorIs(t, err, fault.ErrUnauthorized)

			// Arbiters may rule after the deadline.
			h.now = esc.Deadline.Add(time.Hour)
			_, err = h.escrow.Resolve(ctx, esc.ID, tc.ruling, "arbiter")
			require.NoError(t, err)

			got, _ := h.escrow.Get(esc.ID)
			assert.Equal(t, escrow.Resolved, got.Status)
			assert.Equal(t, tc.ruling, got.Ruling)
			assert.Equal(t, "damaged", got.DisputeReason)
			assert.Equal(t, tc.buyer, h.balance(t, "buyer"))
			assert.Equal(t, tc.sellerAvail, h.balance(t, "seller").Available)

			_, err = h.escrow.Confirm(ctx, esc.ID, "buyer")
			assert.ErrorIs(t, err, fault.ErrInvalidStateTransition, "terminal escrows accept nothing")
		})
	}
}

func TestEscrow_Sweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, "buyer", 10000)

	auto := h.create(t, 1000, func(s *escrow.Spec) { s.AutoReleaseOnDeadline = true })
	timeout := h.create(t, 2000, func(s *escrow.Spec) { s.RefundOnTimeout = true })
	manual := h.create(t, 3000, nil)
	for _, id := range []string{auto.ID, timeout.ID, manual.ID} {
		_, err := h.escrow.Fund(ctx, id, "buyer")
		require.NoError(t, err)
	}
	_, err := h.escrow.Deliver(ctx, auto.ID, "proof", "seller")
	require.NoError(t, err)

	rs, err := h.escrow.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs, "nothing is due before the deadline")

	h.now = t0.Add(49 * time.Hour)
	rs, err = h.escrow.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	kinds := []receipts.Kind{rs[0].Kind, rs[1].Kind}
	assert.ElementsMatch(t, []receipts.Kind{receipts.KindEscrowAutoRelease, receipts.KindEscrowTimeoutRefund}, kinds)

	a, _ := h.escrow.Get(auto.ID)
	to, _ := h.escrow.Get(timeout.ID)
	m, _ := h.escrow.Get(manual.ID)
	assert.Equal(t, escrow.Released, a.Status)
	assert.Equal(t, escrow.Refunded, to.Status)
	assert.Equal(t, escrow.Funded, m.Status, "escrows without a deadline policy stay pending")

	assert.Equal(t, ledger.Balance{Available: 10000 - 1000 - 3000, Locked: 3000}, h.balance(t, "buyer"))
	assert.Equal(t, int64(1000), h.balance(t, "seller").Available)

	rs, err = h.escrow.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs)
	assert.Zero(t, h.ledger.Totals())
}

func TestEscrow_OverdueWithoutPolicyGoesToArbiter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, "buyer", 100000)

	stuck := h.create(t, 50000, nil)
	pending := h.create(t, 20000, nil)
	for _, id := range []string{stuck.ID, pending.ID} {
		_, err := h.escrow.Fund(ctx, id, "buyer")
		require.NoError(t, err)
	}
	_, err := h.escrow.Deliver(ctx, pending.ID, "proof", "seller")
	require.NoError(t, err)

	_, err = h.escrow.Resolve(ctx, stuck.ID, escrow.RulingRefund, "arbiter")
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition, "undisputed escrows wait for their deadline")

	h.now = stuck.Deadline.Add(2 * time.Hour)
	_, err = h.escrow.Deliver(ctx, stuck.ID, "late", "seller")
	assert.ErrorIs(t, err, fault.ErrDeadlinePassed)
	_, err = h.escrow.Dispute(ctx, pending.ID, "late", "buyer")
	assert.ErrorIs(t, err, fault.ErrDeadlinePassed)
	rs, err := h.escrow.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs)

	for _, who := range []string{"buyer", "seller"} {
		_, err = h.escrow.Resolve(ctx, stuck.ID, escrow.RulingRefund, who)
		assert.ErrorIs(t, err, fault.ErrUnauthorized, who)
	}

	refunded, err := h.escrow.Resolve(ctx, stuck.ID, escrow.RulingRefund, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, receipts.KindEscrowResolve, refunded.Kind)
	released, err := h.escrow.Resolve(ctx, pending.ID, escrow.RulingRelease, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, escrow.Subject(pending.ID), released.Subject)

	got, _ := h.escrow.Get(stuck.ID)
	assert.Equal(t, escrow.Resolved, got.Status)
	assert.Equal(t, escrow.RulingRefund, got.Ruling)
	assert.Equal(t, escrow.Funded, got.History[len(got.History)-1].From)
	got, _ = h.escrow.Get(pending.ID)
	assert.Equal(t, escrow.Resolved, got.Status)
	assert.Equal(t, escrow.DeliveryPending, got.History[len(got.History)-1].From)

	assert.Equal(t, ledger.Balance{Available: 80000}, h.balance(t, "buyer"))
	assert.Equal(t, ledger.Balance{Available: 20000}, h.balance(t, "seller"))
	assert.Zero(t, h.ledger.Totals())
}

func TestEscrow_SweepIntentOfAnotherOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, "buyer", 5000)

	esc := h.create(t, 1000, func(s *escrow.Spec) { s.AutoReleaseOnDeadline = true })
	_, err := h.escrow.Fund(ctx, esc.ID, "buyer")
	require.NoError(t, err)
	_, err = h.escrow.Deliver(ctx, esc.ID, "proof", "seller")
	require.NoError(t, err)

	// Something else already committed under the sweep's intent id.
	p := ledger.MintPair("buyer", 1)
	_, err = h.gate.Execute(ctx, gate.Action{
		IntentID: escrow.Subject(esc.ID) + ":auto_release",
		Kind:     receipts.KindMint,
		Subject:  "issuer:reserve",
		Posting:  &p,
	})
	require.NoError(t, err)

	h.now = esc.Deadline.Add(time.Minute)
	rs, err := h.escrow.Sweep(ctx)
	assert.ErrorIs(t, err, fault.ErrConflict)
	assert.Empty(t, rs, "a foreign receipt is never reported as a settlement")
	got, _ := h.escrow.Get(esc.ID)
	assert.Equal(t, escrow.DeliveryPending, got.Status)

	_, err = h.escrow.Resolve(ctx, esc.ID, escrow.RulingRelease, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), h.balance(t, "seller").Available)
}

func TestEscrow_SecondSweeperReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, "buyer", 5000)

	esc := h.create(t, 1000, func(s *escrow.Spec) { s.RefundOnTimeout = true })
	_, err := h.escrow.Fund(ctx, esc.ID, "buyer")
	require.NoError(t, err)
	stale, err := h.escrow.Get(esc.ID)
	require.NoError(t, err)
	raw, err := json.Marshal(stale)
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	other := escrow.NewEngine(h.gate, h.journal, nil, logger).WithClock(func() time.Time { return h.now })
	require.NoError(t, other.Restore(raw))

	h.now = esc.Deadline.Add(time.Minute)
	first, err := h.escrow.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := other.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Contains(t, logs.String(), "escrow intent already committed")
	assert.NotContains(t, logs.String(), "escrow transition")
	assert.Equal(t, ledger.Balance{Available: 5000}, h.balance(t, "buyer"))
}

func TestEscrow_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := escrow.Spec{Buyer: "buyer", Seller: "seller", Arbiter: "arbiter", Amount: 10, Deadline: t0.Add(time.Hour)}

	cases := map[string]func(*escrow.Spec){
		"zero amount":      func(s *escrow.Spec) { s.Amount = 0 },
		"same parties":     func(s *escrow.Spec) { s.Seller = "buyer" },
		"arbiter is party": func(s *escrow.Spec) { s.Arbiter = "seller" },
		"unknown party":    func(s *escrow.Spec) { s.Seller = "ghost" },
		"past deadline":    func(s *escrow.Spec) { s.Deadline = t0 },
		"missing arbiter":  func(s *escrow.Spec) { s.Arbiter = "" },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			mod(&s)
			_, err := h.escrow.Create(ctx, s)
			assert.ErrorIs(t, err, fault.ErrValidation)
		})
	}
	assert.Empty(t, h.escrow.List(""))
}

func TestEscrow_ListAndRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mint(t, "buyer", 1000)
	esc := h.create(t, 300, nil)
	_, err := h.escrow.Fund(ctx, esc.ID, "buyer")
	require.NoError(t, err)

	assert.Len(t, h.escrow.List("arbiter"), 1)
	assert.Empty(t, h.escrow.List("nobody"))

	replica := escrow.NewEngine(h.gate, journal.NewMemoryJournal(), nil, nil)
	require.NoError(t, h.journal.Replay(ctx, func(rec *journal.Record) error {
		if raw, ok := rec.State[escrow.StateName]; ok {
			return replica.Restore(raw)
		}
		return nil
	}))
	got, err := replica.Get(esc.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.Funded, got.Status)
	assert.Len(t, got.History, 1)

	assert.Error(t, replica.Restore([]byte(`{"status":"Funded"}`)))
}
