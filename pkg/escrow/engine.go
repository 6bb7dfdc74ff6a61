// Package escrow coordinates buyer, seller and arbiter actions into a
// conditional-release state machine. It moves money only by handing
// actions to the commitment gate and keeps no balances of its own.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// StateName is the journal snapshot name of an escrow.
const StateName = "escrow"

// SystemActor performs deadline-driven transitions.
const SystemActor = "system"

// Executor is the gate entry point escrow depends on.
type Executor interface {
	Execute(ctx context.Context, a gate.Action) (*receipts.Receipt, error)
}

// Parties reports whether an agent exists. Nil accepts everyone.
type Parties interface {
	Exists(id string) bool
}

type Engine struct {
	gate    Executor
	journal journal.Appender
	parties Parties
	clock   func() time.Time
	logger  *slog.Logger

	mu      sync.RWMutex
	escrows map[string]*Escrow
}

func NewEngine(g Executor, j journal.Appender, parties Parties, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		gate:    g,
		journal: j,
		parties: parties,
		clock:   time.Now,
		logger:  logger.With("component", "escrow"),
		escrows: make(map[string]*Escrow),
	}
}

// WithClock overrides the clock used at creation and by Sweep.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Create opens an escrow in the Created state. No funds move and no
// receipt is issued until it is funded.
func (e *Engine) Create(ctx context.Context, s Spec) (*Escrow, error) {
	const op = "escrow.create"
	now := e.clock().UTC()
	switch {
	case s.Amount <= 0:
		return nil, fault.New(fault.ValidationError, op, "amount must be positive")
	case s.Buyer == "" || s.Seller == "" || s.Arbiter == "":
		return nil, fault.New(fault.ValidationError, op, "buyer, seller and arbiter are required")
	case s.Buyer == s.Seller || s.Arbiter == s.Buyer || s.Arbiter == s.Seller:
		return nil, fault.New(fault.ValidationError, op, "buyer, seller and arbiter must be distinct")
	case !s.Deadline.After(now):
		return nil, fault.New(fault.ValidationError, op, "deadline %s is not in the future", s.Deadline.Format(time.RFC3339))
	}
	if e.parties != nil {
		for _, p := range []string{s.Buyer, s.Seller, s.Arbiter} {
			if !e.parties.Exists(p) {
				return nil, fault.New(fault.ValidationError, op, "unknown party %s", p)
			}
		}
	}

	esc := &Escrow{
		ID:                    uuid.NewString(),
		Buyer:                 s.Buyer,
		Seller:                s.Seller,
		Arbiter:               s.Arbiter,
		Amount:                s.Amount,
		Deadline:              s.Deadline.UTC(),
		AutoReleaseOnDeadline: s.AutoReleaseOnDeadline,
		RefundOnTimeout:       s.RefundOnTimeout,
		Status:                Created,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	for _, c := range s.Conditions {
		esc.Conditions = append(esc.Conditions, Condition{Description: c})
	}

	rec := &journal.Record{Type: journal.TypeEscrowCreated, At: now}
	if err := rec.SetState(StateName, esc); err != nil {
		return nil, err
	}
	if err := e.journal.Append(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.Unavailable, op, err)
	}

	e.mu.Lock()
	e.escrows[esc.ID] = esc
	e.mu.Unlock()
	e.logger.Info("escrow created", "escrow_id", esc.ID, "buyer", esc.Buyer, "seller", esc.Seller, "amount", esc.Amount)
	return esc.clone(), nil
}

// Fund locks the escrow amount in the buyer's account.
func (e *Engine) Fund(ctx context.Context, id, by string) (*receipts.Receipt, error) {
	return e.run(ctx, id, by, step{
		action:       "fund",
		kind:         receipts.KindEscrowFund,
		role:         roleBuyer,
		from:         []Status{Created},
		to:           Funded,
		needDeadline: true,
		posting:      lock,
		screen:       true,
	})
}

// Deliver records the seller's delivery evidence. No funds move.
func (e *Engine) Deliver(ctx context.Context, id, proof, by string) (*receipts.Receipt, error) {
	if proof == "" {
		return nil, fault.New(fault.ValidationError, "escrow.deliver", "delivery proof is required")
	}
	return e.run(ctx, id, by, step{
		action:       "deliver",
		kind:         receipts.KindEscrowDeliver,
		role:         roleSeller,
		from:         []Status{Funded},
		to:           DeliveryPending,
		needDeadline: true,
		detail:       proof,
		mutate: func(esc *Escrow, now time.Time) {
			esc.DeliveryProof = proof
			for i := range esc.Conditions {
				if !esc.Conditions[i].Met {
					at := now
					esc.Conditions[i].Met, esc.Conditions[i].MetAt, esc.Conditions[i].Evidence = true, &at, proof
				}
			}
		},
	})
}

// Confirm releases the locked funds to the seller. It is allowed after the
// deadline so a late confirmation never strands funds.
func (e *Engine) Confirm(ctx context.Context, id, by string) (*receipts.Receipt, error) {
	return e.run(ctx, id, by, step{
		action:  "confirm",
		kind:    receipts.KindEscrowConfirm,
		role:    roleBuyer,
		from:    []Status{DeliveryPending},
		to:      Released,
		posting: release,
	})
}

// Dispute hands a pending delivery to the arbiter.
func (e *Engine) Dispute(ctx context.Context, id, reason, by string) (*receipts.Receipt, error) {
	return e.run(ctx, id, by, step{
		action:       "dispute",
		kind:         receipts.KindEscrowDispute,
		role:         roleBuyer,
		from:         []Status{DeliveryPending},
		to:           Disputed,
		needDeadline: true,
		detail:       reason,
		mutate:       func(esc *Escrow, _ time.Time) { esc.DisputeReason = reason },
	})
}

// Resolve settles a dispute by releasing to the seller or refunding the
// buyer. Once the deadline has passed the arbiter may also settle a funded
// or delivery-pending escrow that no deadline policy will move.
func (e *Engine) Resolve(ctx context.Context, id string, ruling Ruling, by string) (*receipts.Receipt, error) {
	posting := release
	switch ruling {
	case RulingRelease:
	case RulingRefund:
		posting = refund
	default:
		return nil, fault.New(fault.ValidationError, "escrow.resolve", "ruling must be %q or %q", RulingRelease, RulingRefund)
	}
	return e.run(ctx, id, by, step{
		action:  "resolve",
		kind:    receipts.KindEscrowResolve,
		role:    roleArbiter,
		from:    []Status{Disputed},
		overdue: []Status{Funded, DeliveryPending},
		to:      Resolved,
		detail:  string(ruling),
		posting: posting,
		mutate:  func(esc *Escrow, _ time.Time) { esc.Ruling = ruling },
	})
}

// Sweep applies deadline policies to every escrow whose deadline has
// passed: delivery-pending escrows flagged for auto release pay the seller,
// funded escrows flagged for timeout refund return to the buyer. Anything
// else stays pending for its parties or the arbiter. Sweep intents are
// deterministic per escrow so a repeated sweep never moves funds twice.
func (e *Engine) Sweep(ctx context.Context) ([]*receipts.Receipt, error) {
	now := e.clock()
	e.mu.RLock()
	var due []*Escrow
	for _, esc := range e.escrows {
		if !esc.Status.Terminal() && !now.Before(esc.Deadline) {
			due = append(due, esc.clone())
		}
	}
	e.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })

	var out []*receipts.Receipt
	var errs []error
	for _, esc := range due {
		var s step
		switch {
		case esc.Status == DeliveryPending && esc.AutoReleaseOnDeadline:
			s = step{
				action:  "auto_release",
				kind:    receipts.KindEscrowAutoRelease,
				from:    []Status{DeliveryPending},
				to:      Released,
				posting: release,
			}
		case esc.Status == Funded && esc.RefundOnTimeout:
			s = step{
				action:  "timeout_refund",
				kind:    receipts.KindEscrowTimeoutRefund,
				from:    []Status{Funded},
				to:      Refunded,
				posting: refund,
			}
		default:
			continue
		}
		s.role = roleSystem
		s.afterDeadline = true
		s.intentID = Subject(esc.ID) + ":" + s.action

		r, err := e.run(ctx, esc.ID, SystemActor, s)
		if err != nil {
			if fault.KindOf(err) == fault.InvalidStateTransition {
				// A party acted between the scan and the lock.
				continue
			}
			errs = append(errs, fmt.Errorf("sweep %s: %w", esc.ID, err))
			continue
		}
		out = append(out, r)
	}
	if len(out) > 0 {
		e.logger.Info("escrow sweep", "settled", len(out), "failed", len(errs))
	}
	return out, errors.Join(errs...)
}

// Get returns a copy of an escrow.
func (e *Engine) Get(id string) (*Escrow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	esc, ok := e.escrows[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "escrow.get", "escrow %s", id)
	}
	return esc.clone(), nil
}

// List returns escrows in which party takes any role, oldest first.
func (e *Engine) List(party string) []*Escrow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Escrow
	for _, esc := range e.escrows {
		if party == "" || esc.Buyer == party || esc.Seller == party || esc.Arbiter == party {
			out = append(out, esc.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore applies a journaled escrow snapshot during replay.
func (e *Engine) Restore(raw json.RawMessage) error {
	var esc Escrow
	if err := json.Unmarshal(raw, &esc); err != nil {
		return fmt.Errorf("decode escrow snapshot: %w", err)
	}
	if esc.ID == "" {
		return fault.New(fault.InvariantViolation, "escrow.restore", "snapshot without id")
	}
	e.mu.Lock()
	e.escrows[esc.ID] = &esc
	e.mu.Unlock()
	return nil
}

type role int

const (
	roleBuyer role = iota
	roleSeller
	roleArbiter
	roleSystem
)

func (r role) party(esc *Escrow) string {
	switch r {
	case roleBuyer:
		return esc.Buyer
	case roleSeller:
		return esc.Seller
	case roleArbiter:
		return esc.Arbiter
	default:
		return SystemActor
	}
}

// step describes one edge of the state machine.
type step struct {
	action   string
	kind     receipts.Kind
	role     role
	from     []Status
	// overdue are further source states accepted only once the deadline
	// has passed.
	overdue  []Status
	to       Status
	intentID string
	// needDeadline requires now before the deadline; afterDeadline requires
	// the opposite.
	needDeadline  bool
	afterDeadline bool
	detail        string
	posting       func(*Escrow) *ledger.Pair
	mutate        func(*Escrow, time.Time)
	screen        bool
}

func (e *Engine) run(ctx context.Context, id, by string, s step) (*receipts.Receipt, error) {
	esc, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	intentID := s.intentID
	if intentID == "" {
		intentID = uuid.NewString()
	}

	tr := &transition{engine: e, id: id, actor: by, step: s}
	a := gate.Action{
		IntentID: intentID,
		Kind:     s.kind,
		Subject:  Subject(id),
		Actor:    by,
		Payload: Payload{
			EscrowID: id,
			Action:   s.action,
			From:     esc.Status,
			To:       s.to,
			Actor:    by,
			Amount:   esc.Amount,
			Buyer:    esc.Buyer,
			Seller:   esc.Seller,
			Detail:   s.detail,
		},
		Participant: tr,
	}
	if s.posting != nil {
		a.Posting = s.posting(esc)
	}
	if s.screen {
		a.Screen = &policy.Context{Payer: esc.Buyer, Recipient: esc.Seller, Amount: esc.Amount}
	}

	r, err := e.gate.Execute(ctx, a)
	if err != nil {
		return nil, err
	}
	if tr.next == nil {
		// The gate answered from an earlier commit; nothing moved now.
		e.logger.Debug("escrow intent already committed", "escrow_id", id, "action", s.action, "intent_id", intentID, "receipt_id", r.ID)
		return r, nil
	}
	e.logger.Info("escrow transition", "escrow_id", id, "action", s.action, "to", s.to, "actor", by, "receipt_id", r.ID)
	return r, nil
}

// transition is the gate participant for one escrow step. Prepare runs
// under the escrow's lock, so the status it validates cannot change before
// Commit.
type transition struct {
	engine *Engine
	id     string
	actor  string
	step   step
	next   *Escrow
}

func (t *transition) Prepare(now time.Time) error {
	op := "escrow." + t.step.action
	esc, err := t.engine.Get(t.id)
	if err != nil {
		return err
	}
	if want := t.step.role.party(esc); t.actor != want {
		return fault.New(fault.Unauthorized, op, "%s may not %s escrow %s", t.actor, t.step.action, t.id)
	}
	switch {
	case contains(t.step.from, esc.Status):
	case contains(t.step.overdue, esc.Status):
		if now.Before(esc.Deadline) {
			return fault.New(fault.InvalidStateTransition, op, "cannot %s from %s before deadline %s", t.step.action, esc.Status, esc.Deadline.Format(time.RFC3339))
		}
	default:
		return fault.New(fault.InvalidStateTransition, op, "cannot %s from %s", t.step.action, esc.Status)
	}
	if t.step.needDeadline && !now.Before(esc.Deadline) {
		return fault.New(fault.DeadlinePassed, op, "deadline %s has passed", esc.Deadline.Format(time.RFC3339))
	}
	if t.step.afterDeadline && now.Before(esc.Deadline) {
		return fault.New(fault.InvalidStateTransition, op, "deadline %s not reached", esc.Deadline.Format(time.RFC3339))
	}

	if t.step.mutate != nil {
		t.step.mutate(esc, now.UTC())
	}
	esc.History = append(esc.History, Event{Action: t.step.action, From: esc.Status, To: t.step.to, Actor: t.actor, At: now.UTC()})
	esc.Status = t.step.to
	esc.UpdatedAt = now.UTC()
	t.next = esc
	return nil
}

func (t *transition) Snapshot() (string, any) { return StateName, t.next }

func (t *transition) Commit() {
	t.engine.mu.Lock()
	t.engine.escrows[t.id] = t.next
	t.engine.mu.Unlock()
}

func lock(esc *Escrow) *ledger.Pair {
	p := ledger.LockPair(esc.Buyer, esc.Amount)
	return &p
}

func release(esc *Escrow) *ledger.Pair {
	p := ledger.SettlePair(esc.Buyer, esc.Seller, esc.Amount)
	return &p
}

func refund(esc *Escrow) *ledger.Pair {
	p := ledger.UnlockPair(esc.Buyer, esc.Amount)
	return &p
}

func contains(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
