package issuer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/issuer"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

var defaultConfig = issuer.Config{ReserveCap: 100_000_000, MaxSingleMint: 1_000_000, MaxSingleBurn: 500_000}

type fixture struct {
	issuer   *issuer.Issuer
	ledger   *ledger.Ledger
	receipts *receipts.Engine
	journal  *journal.MemoryJournal
	node     *crypto.Ed25519Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := crypto.NewEd25519Signer("node")
	require.NoError(t, err)
	clock := func() time.Time { return t0 }
	f := &fixture{ledger: ledger.New().WithClock(clock), journal: journal.NewMemoryJournal(), node: node}
	require.NoError(t, f.ledger.OpenSystemAccount(ledger.SupplyAccount))
	require.NoError(t, f.ledger.OpenAccount("alice"))
	f.receipts = receipts.NewEngine(node, receipts.NewMemoryStore()).WithClock(clock)
	g := gate.New(gate.Deps{
		Ledger:   f.ledger,
		Permits:  budget.NewEngine(node, f.journal, nil, nil),
		Receipts: f.receipts,
		Journal:  f.journal,
	}).WithClock(clock)
	f.issuer = issuer.New(g, f.journal, nil).WithClock(clock)
	require.NoError(t, f.issuer.Init(context.Background(), defaultConfig))
	return f
}

func (f *fixture) supply(t *testing.T) issuer.Supply {
	t.Helper()
	s, err := f.issuer.Supply()
	require.NoError(t, err)
	return s
}

func TestMint_CreditsAndRaisesSupply(t *testing.T) {
	f := newFixture(t)

	r, err := f.issuer.Mint(context.Background(), 250_000, "alice")
	require.NoError(t, err)
	assert.Equal(t, receipts.KindMint, r.Kind)
	assert.Equal(t, issuer.Subject, r.Subject)

	var p issuer.Payload
	require.NoError(t, json.Unmarshal(r.Payload, &p))
	assert.Equal(t, issuer.Payload{Operation: "mint", Account: "alice", Amount: 250_000, TotalSupply: 250_000, ReserveCap: 100_000_000}, p)

	bal, err := f.ledger.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), bal.Available)
	assert.Equal(t, issuer.Supply{TotalSupply: 250_000, ReserveCap: 100_000_000, Remaining: 99_750_000}, f.supply(t))
	assert.Zero(t, f.ledger.Totals())
}

func TestMint_OverSingleLimit(t *testing.T) {
	f := newFixture(t)

	_, err := f.issuer.Mint(context.Background(), 1_500_000, "alice")
	assert.Equal(t, fault.MintLimitExceeded, fault.KindOf(err))
	assert.Zero(t, f.supply(t).TotalSupply)

	bal, err := f.ledger.Balance("alice")
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
}

func TestMint_ReserveCap(t *testing.T) {
	node, err := crypto.NewEd25519Signer("node")
	require.NoError(t, err)
	l := ledger.New()
	require.NoError(t, l.OpenSystemAccount(ledger.SupplyAccount))
	require.NoError(t, l.OpenAccount("alice"))
	j := journal.NewMemoryJournal()
	g := gate.New(gate.Deps{Ledger: l, Permits: budget.NewEngine(node, j, nil, nil), Receipts: receipts.NewEngine(node, receipts.NewMemoryStore()), Journal: j})
	iss := issuer.New(g, j, nil)
	require.NoError(t, iss.Init(context.Background(), issuer.Config{ReserveCap: 1000, MaxSingleMint: 600}))

	_, err = iss.Mint(context.Background(), 600, "alice")
	require.NoError(t, err)
	_, err = iss.Mint(context.Background(), 401, "alice")
	assert.Equal(t, fault.ReserveCapExceeded, fault.KindOf(err))
	_, err = iss.Mint(context.Background(), 400, "alice")
	require.NoError(t, err)

	s, err := iss.Supply()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), s.TotalSupply)
	assert.Zero(t, s.Remaining)
}

func TestBurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.issuer.Mint(ctx, 800_000, "alice")
	require.NoError(t, err)

	_, err = f.issuer.Burn(ctx, 600_000, "alice")
	assert.Equal(t, fault.BurnLimitExceeded, fault.KindOf(err))

	r, err := f.issuer.Burn(ctx, 300_000, "alice")
	require.NoError(t, err)
	assert.Equal(t, receipts.KindBurn, r.Kind)
	assert.Equal(t, int64(500_000), f.supply(t).TotalSupply)

	_, err = f.issuer.Burn(ctx, 0, "alice")
	assert.Equal(t, fault.ValidationError, fault.KindOf(err))
	assert.Zero(t, f.ledger.Totals())
}

func TestBurn_InsufficientAccountBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.OpenAccount("bob"))
	_, err := f.issuer.Mint(ctx, 100_000, "alice")
	require.NoError(t, err)

	_, err = f.issuer.Burn(ctx, 50_000, "bob")
	assert.Equal(t, fault.InsufficientFunds, fault.KindOf(err))
	assert.Equal(t, int64(100_000), f.supply(t).TotalSupply)
}

func TestHalt_BlocksMintAndBurnFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.issuer.Halt(ctx, "reserve audit"))

	// Halt is reported ahead of any other check.
	for _, amount := range []int64{-1, 5_000_000, 10} {
		_, err := f.issuer.Mint(ctx, amount, "alice")
		assert.Equal(t, fault.IssuerHalted, fault.KindOf(err), "mint %d", amount)
		_, err = f.issuer.Burn(ctx, amount, "alice")
		assert.Equal(t, fault.IssuerHalted, fault.KindOf(err), "burn %d", amount)
	}
	assert.True(t, f.supply(t).Halted)

	require.NoError(t, f.issuer.Resume(ctx))
	_, err := f.issuer.Mint(ctx, 10, "alice")
	assert.NoError(t, err)
}

func TestInit_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	err := f.issuer.Init(context.Background(), defaultConfig)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	err = issuer.New(nil, f.journal, nil).Init(context.Background(), issuer.Config{ReserveCap: 0, MaxSingleMint: 1})
	assert.Equal(t, fault.ValidationError, fault.KindOf(err))
}

func TestRestore_FromJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.issuer.Mint(ctx, 700_000, "alice")
	require.NoError(t, err)
	require.NoError(t, f.issuer.Halt(ctx, "maintenance"))

	replica := issuer.New(nil, journal.NewMemoryJournal(), nil)
	assert.False(t, replica.Initialized())
	require.NoError(t, f.journal.Replay(ctx, func(rec *journal.Record) error {
		if raw, ok := rec.State[issuer.StateName]; ok {
			return replica.Restore(raw)
		}
		return nil
	}))

	want, err := f.issuer.Reserve()
	require.NoError(t, err)
	got, err := replica.Reserve()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.Halted)
	assert.Equal(t, int64(700_000), got.TotalSupply)

	err = replica.Restore(json.RawMessage(`{"id":"reserve","total_supply":11,"reserve_cap":10}`))
	assert.Equal(t, fault.InvariantViolation, fault.KindOf(err))
}

func TestMint_ChainVerifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.issuer.Mint(ctx, 1000, "alice")
		require.NoError(t, err)
	}
	rs, err := f.receipts.Store().List(receipts.Filter{Subject: issuer.Subject})
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.NoError(t, receipts.VerifyChain(rs, f.node.PublicKey()))
}
