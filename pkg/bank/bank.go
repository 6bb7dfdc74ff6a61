// Package bank assembles a payments node: it builds every component,
// rebuilds their state from the journal, and exposes the operations that
// span more than one of them.
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/escrow"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/issuer"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// StateAgent is the journal snapshot name of an agent identity.
const StateAgent = "agent"

const nodeKeyLabel = "node/receipts"

// Options configure a node.
type Options struct {
	// Seed is the master seed. Custodial agent keys and the node signing
	// key are derived from it.
	Seed    []byte
	Journal journal.Journal
	// Receipts defaults to an in-memory store.
	Receipts receipts.Store
	Policy   policy.Policy
	// Reserve initializes a fresh journal's reserve. Leave it zero for
	// read-only use; mint and burn then report Unavailable.
	Reserve issuer.Config
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Bank is a running node.
type Bank struct {
	Registry *identity.Registry
	Ledger   *ledger.Ledger
	Budgets  *budget.Engine
	Receipts *receipts.Engine
	Gate     *gate.Gate
	Escrow   *escrow.Engine
	Issuer   *issuer.Issuer

	journal journal.Journal
	node    crypto.Signer
	logger  *slog.Logger
	clock   func() time.Time

	replayOnce sync.Once
	replayErr  error
}

// New builds a node, replays its journal and initializes the reserve on
// first start.
func New(ctx context.Context, opts Options) (*Bank, error) {
	if opts.Journal == nil {
		return nil, errors.New("bank: journal is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	store := opts.Receipts
	if store == nil {
		store = receipts.NewMemoryStore()
	}

	keyring, err := crypto.NewKeyring(opts.Seed)
	if err != nil {
		return nil, fmt.Errorf("bank: %w", err)
	}
	node, err := keyring.Derive(nodeKeyLabel)
	if err != nil {
		return nil, fmt.Errorf("bank: derive node key: %w", err)
	}

	b := &Bank{
		Registry: identity.NewRegistry(keyring).WithClock(clock),
		Ledger:   ledger.New().WithClock(clock),
		Receipts: receipts.NewEngine(node, store).WithClock(clock),
		journal:  opts.Journal,
		node:     node,
		logger:   logger.With("component", "bank"),
		clock:    clock,
	}
	if err := b.Ledger.OpenSystemAccount(ledger.SupplyAccount); err != nil {
		return nil, err
	}
	b.Budgets = budget.NewEngine(node, opts.Journal, b, logger).WithClock(clock)
	b.Gate = gate.New(gate.Deps{
		Ledger:    b.Ledger,
		Permits:   b.Budgets,
		Receipts:  b.Receipts,
		Journal:   opts.Journal,
		Directory: b.Registry,
		Policy:    opts.Policy,
		Logger:    logger,
	}).WithClock(clock)
	b.Escrow = escrow.NewEngine(b.Gate, opts.Journal, b, logger).WithClock(clock)
	b.Issuer = issuer.New(b.Gate, opts.Journal, logger).WithClock(clock)

	if err := b.Replay(ctx); err != nil {
		return nil, err
	}
	if !b.Issuer.Initialized() && opts.Reserve != (issuer.Config{}) {
		if err := b.Issuer.Init(ctx, opts.Reserve); err != nil {
			return nil, fmt.Errorf("bank: init reserve: %w", err)
		}
	}
	return b, nil
}

// Now is the node clock.
func (b *Bank) Now() time.Time { return b.clock() }

// NodePublicKey is the key that signs receipts, permits and manifests.
func (b *Bank) NodePublicKey() string { return b.node.PublicKey() }

// Exists reports whether id is a registered agent.
func (b *Bank) Exists(id string) bool {
	_, err := b.Registry.Lookup(id)
	return err == nil
}

// Replay rebuilds every component from the journal. It runs once; New
// calls it before the node accepts work.
func (b *Bank) Replay(ctx context.Context) error {
	b.replayOnce.Do(func() {
		b.replayErr = b.replay(ctx)
	})
	return b.replayErr
}

func (b *Bank) replay(ctx context.Context) error {
	n := 0
	err := b.journal.Replay(ctx, func(rec *journal.Record) error {
		n++
		if err := b.Ledger.Restore(rec.Entries); err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		for _, name := range stateOrder {
			raw, ok := rec.State[name]
			if !ok {
				continue
			}
			if err := b.restore(name, raw); err != nil {
				return fmt.Errorf("record %d %s: %w", rec.Seq, name, err)
			}
		}
		if rec.Receipt != nil {
			if err := b.Receipts.Record(rec.Receipt); err != nil {
				return fmt.Errorf("record %d receipt: %w", rec.Seq, err)
			}
			b.Gate.Remember(rec.IntentID, rec.Receipt)
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.InvariantViolation, "bank.replay", err)
	}
	if err := b.CheckSupply(); err != nil {
		return err
	}
	b.logger.Info("journal replayed", "records", n, "ledger_seq", b.Ledger.Seq())
	return nil
}

// stateOrder applies identities and budgets before anything that
// references them.
var stateOrder = []string{StateAgent, budget.StateBudget, budget.StatePermit, budget.StateSpend, escrow.StateName, issuer.StateName}

func (b *Bank) restore(name string, raw json.RawMessage) error {
	switch name {
	case StateAgent:
		var a identity.AgentIdentity
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if err := b.Registry.Restore(a); err != nil {
			return err
		}
		return b.Ledger.OpenAccount(a.ID)
	case budget.StateBudget, budget.StatePermit, budget.StateSpend:
		return b.Budgets.Restore(name, raw)
	case escrow.StateName:
		return b.Escrow.Restore(raw)
	case issuer.StateName:
		return b.Issuer.Restore(raw)
	}
	return fmt.Errorf("unknown snapshot %q", name)
}

// CheckSupply verifies that the ledger and the reserve agree: balances
// total zero and the supply account carries exactly -total_supply.
func (b *Bank) CheckSupply() error {
	const op = "bank.check_supply"
	if t := b.Ledger.Totals(); t != 0 {
		return fault.New(fault.InvariantViolation, op, "ledger totals %d, want 0", t)
	}
	if !b.Issuer.Initialized() {
		return nil
	}
	s, err := b.Issuer.Supply()
	if err != nil {
		return err
	}
	bal, err := b.Ledger.Balance(ledger.SupplyAccount)
	if err != nil {
		return err
	}
	if -bal.Available != s.TotalSupply {
		return fault.New(fault.InvariantViolation, op, "supply account %d, reserve total %d", bal.Available, s.TotalSupply)
	}
	return nil
}

// RegisterAgent creates a custodial agent and opens its account.
func (b *Bank) RegisterAgent(ctx context.Context, id string) (*identity.AgentIdentity, error) {
	return b.register(ctx, id, "")
}

// RegisterExternalAgent records an agent that signs its own intents.
func (b *Bank) RegisterExternalAgent(ctx context.Context, id, publicKeyHex string) (*identity.AgentIdentity, error) {
	if publicKeyHex == "" {
		return nil, fault.New(fault.ValidationError, "bank.register", "public_key is required")
	}
	return b.register(ctx, id, publicKeyHex)
}

func (b *Bank) register(ctx context.Context, id, publicKeyHex string) (*identity.AgentIdentity, error) {
	norm, err := identity.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	release := b.Gate.Acquire("agent:"+norm, gate.AccountKey(norm))
	defer release()

	a, err := b.Registry.Prepare(norm, publicKeyHex)
	if err != nil {
		return nil, err
	}
	rec := &journal.Record{Type: journal.TypeAgent, At: a.CreatedAt}
	if err := rec.SetState(StateAgent, a); err != nil {
		return nil, err
	}
	if err := b.journal.Append(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.Unavailable, "bank.register", err)
	}
	if err := b.Registry.Restore(*a); err != nil {
		return nil, fault.Wrap(fault.InvariantViolation, "bank.register", err)
	}
	if err := b.Ledger.OpenAccount(a.ID); err != nil {
		return nil, fault.Wrap(fault.InvariantViolation, "bank.register", err)
	}
	b.logger.Info("agent registered", "agent", a.ID, "custodial", a.Custodial)
	return a, nil
}

// SignIntent signs in on behalf of a custodial payer.
func (b *Bank) SignIntent(in *gate.PaymentIntent) error {
	signer, err := b.Registry.Signer(in.Payer)
	if err != nil {
		return err
	}
	msg, err := in.SigningBytes()
	if err != nil {
		return err
	}
	in.Signature, err = signer.Sign(msg)
	return err
}

// Pay builds, signs and submits an intent for a custodial payer. An empty
// intentID gets a fresh one.
func (b *Bank) Pay(ctx context.Context, intentID, payer, permitID, recipient string, amount int64) (*receipts.Receipt, error) {
	if intentID == "" {
		intentID = uuid.NewString()
	}
	in := gate.PaymentIntent{
		IntentID:  intentID,
		PermitID:  permitID,
		Payer:     payer,
		Recipient: recipient,
		Amount:    amount,
		CreatedAt: b.clock().UTC(),
	}
	if err := b.SignIntent(&in); err != nil {
		return nil, err
	}
	return b.Gate.Submit(ctx, in)
}

// RevokePermit revokes under the permit's lock so no in-flight spend can
// interleave with it.
func (b *Bank) RevokePermit(ctx context.Context, permitID, by string) (*budget.Permit, error) {
	release := b.Gate.Acquire(budget.LockKey(permitID))
	defer release()
	return b.Budgets.Revoke(ctx, permitID, by)
}

// Sweeper runs escrow deadline sweeps every interval until ctx is done.
// The returned channel closes when the goroutine exits.
func (b *Bank) Sweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rs, err := b.Escrow.Sweep(ctx)
				if err != nil {
					b.logger.Error("escrow sweep failed", "error", err)
				}
				if len(rs) > 0 {
					b.logger.Info("escrow sweep settled", "count", len(rs))
				}
			}
		}
	}()
	return done
}

// Close closes the journal.
func (b *Bank) Close() error {
	return b.journal.Close()
}
