package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/journal"
)

// Snapshot names used in journal records.
const (
	StateBudget = "budget"
	StatePermit = "permit"
	StateSpend  = "spend"
)

// Owners reports whether an agent exists. Nil accepts everyone.
type Owners interface {
	Exists(id string) bool
}

// Engine owns budgets and permits.
type Engine struct {
	mu      sync.RWMutex
	issueMu sync.Mutex

	signer  crypto.Signer
	journal journal.Appender
	owners  Owners
	clock   func() time.Time
	logger  *slog.Logger

	budgets map[string]*Budget
	permits map[string]*Permit
	issued  map[string][]event
	spent   map[string][]event
}

func NewEngine(signer crypto.Signer, j journal.Appender, owners Owners, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		signer:  signer,
		journal: j,
		owners:  owners,
		clock:   time.Now,
		logger:  logger.With("component", "budget"),
		budgets: make(map[string]*Budget),
		permits: make(map[string]*Permit),
		issued:  make(map[string][]event),
		spent:   make(map[string][]event),
	}
}

// WithClock overrides the time source for issuance and window accounting.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateBudget registers a new budget for owner.
func (e *Engine) CreateBudget(ctx context.Context, owner string, maxSingle, maxPeriod int64, window time.Duration) (*Budget, error) {
	const op = "budget.create"
	switch {
	case owner == "":
		return nil, fault.New(fault.ValidationError, op, "owner is required")
	case maxSingle <= 0 || maxPeriod <= 0:
		return nil, fault.New(fault.ValidationError, op, "limits must be positive")
	case window <= 0:
		return nil, fault.New(fault.ValidationError, op, "period window must be positive")
	}
	if e.owners != nil && !e.owners.Exists(owner) {
		return nil, fault.New(fault.ValidationError, op, "unknown owner %s", owner)
	}

	b := &Budget{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		MaxSingle: maxSingle,
		MaxPeriod: maxPeriod,
		Window:    window,
		CreatedAt: e.clock().UTC(),
	}
	rec := &journal.Record{Type: journal.TypeBudget, At: b.CreatedAt}
	if err := rec.SetState(StateBudget, b); err != nil {
		return nil, err
	}
	if err := e.journal.Append(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.Unavailable, op, err)
	}

	e.mu.Lock()
	e.budgets[b.ID] = b
	e.mu.Unlock()
	e.logger.Info("budget created", "budget_id", b.ID, "owner", owner, "max_single", maxSingle, "max_period", maxPeriod)
	cp := *b
	return &cp, nil
}

// IssuePermit derives a signed permit from a budget. It fails with
// BudgetExceeded when the amount is above the budget's single limit or
// would push the window's issued total above the period limit.
func (e *Engine) IssuePermit(ctx context.Context, req PermitRequest) (*Permit, error) {
	const op = "budget.issue_permit"
	if req.MaxAmount <= 0 {
		return nil, fault.New(fault.ValidationError, op, "max_amount must be positive")
	}
	if req.TTL <= 0 {
		return nil, fault.New(fault.ValidationError, op, "ttl must be positive")
	}

	e.issueMu.Lock()
	defer e.issueMu.Unlock()

	now := e.clock().UTC()
	e.mu.RLock()
	b, ok := e.budgets[req.BudgetID]
	var issued int64
	if ok {
		issued = sumSince(e.issued[b.ID], now.Add(-b.Window))
	}
	e.mu.RUnlock()

	if !ok {
		return nil, fault.New(fault.NotFound, op, "budget %s", req.BudgetID)
	}
	if req.RequestedBy != "" && req.RequestedBy != b.OwnerID {
		return nil, fault.New(fault.Unauthorized, op, "%s does not own budget %s", req.RequestedBy, b.ID)
	}
	if req.Counterparty == b.OwnerID {
		return nil, fault.New(fault.ValidationError, op, "permit cannot pay its own issuer")
	}
	if req.MaxAmount > b.MaxSingle {
		return nil, fault.New(fault.BudgetExceeded, op, "max_amount %d exceeds max_single %d", req.MaxAmount, b.MaxSingle)
	}
	if issued+req.MaxAmount > b.MaxPeriod {
		return nil, fault.New(fault.BudgetExceeded, op, "window total %d would exceed max_period %d", issued+req.MaxAmount, b.MaxPeriod)
	}

	p := &Permit{
		ID:           uuid.NewString(),
		BudgetID:     b.ID,
		Issuer:       b.OwnerID,
		Counterparty: req.Counterparty,
		MaxAmount:    req.MaxAmount,
		Remaining:    req.MaxAmount,
		IssuedAt:     now,
		ExpiresAt:    now.Add(req.TTL),
	}
	msg, err := p.signingBytes()
	if err != nil {
		return nil, err
	}
	if p.Signature, err = e.signer.Sign(msg); err != nil {
		return nil, fmt.Errorf("sign permit: %w", err)
	}
	p.SignerPublicKey = e.signer.PublicKey()

	rec := &journal.Record{Type: journal.TypePermit, At: now}
	if err := rec.SetState(StatePermit, p); err != nil {
		return nil, err
	}
	if err := e.journal.Append(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.Unavailable, op, err)
	}

	e.mu.Lock()
	e.permits[p.ID] = p
	e.issued[b.ID] = append(e.issued[b.ID], event{at: now, amount: p.MaxAmount})
	e.mu.Unlock()

	e.logger.Info("permit issued", "permit_id", p.ID, "budget_id", b.ID, "max_amount", p.MaxAmount, "expires_at", p.ExpiresAt)
	cp := *p
	return &cp, nil
}

// Revoke permanently disables a permit. Only its issuer may revoke it.
// The gate serializes revocation against consumption with the permit lock
// key, see LockKey.
func (e *Engine) Revoke(ctx context.Context, permitID, by string) (*Permit, error) {
	const op = "budget.revoke"
	e.issueMu.Lock()
	defer e.issueMu.Unlock()

	e.mu.RLock()
	p, ok := e.permits[permitID]
	var cp Permit
	if ok {
		cp = *p
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, op, "permit %s", permitID)
	}
	if by != cp.Issuer {
		return nil, fault.New(fault.Unauthorized, op, "%s cannot revoke permit of %s", by, cp.Issuer)
	}
	if cp.Revoked {
		return &cp, nil
	}

	cp.Revoked = true
	rec := &journal.Record{Type: journal.TypePermitRevoked, At: e.clock().UTC()}
	if err := rec.SetState(StatePermit, cp); err != nil {
		return nil, err
	}
	if err := e.journal.Append(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.Unavailable, op, err)
	}

	e.mu.Lock()
	e.permits[permitID].Revoked = true
	e.mu.Unlock()
	e.logger.Info("permit revoked", "permit_id", permitID, "by", by)
	return &cp, nil
}

// LockKey is the serialization key for a permit.
func LockKey(permitID string) string { return "permit:" + permitID }

// Authorize validates a consumption against current state without
// applying it. Checks run in a fixed order: existence, signature,
// revocation, expiry, counterparty, remaining amount and finally the
// budget's rolling-window cap.
func (e *Engine) Authorize(permitID, recipient string, amount int64, now time.Time) (*Spend, error) {
	const op = "budget.consume"
	if amount <= 0 {
		return nil, fault.New(fault.ValidationError, op, "amount must be positive")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.permits[permitID]
	if !ok {
		return nil, fault.New(fault.NotFound, op, "permit %s", permitID)
	}
	if err := e.verifyLocked(p); err != nil {
		return nil, err
	}
	if p.Revoked {
		return nil, fault.New(fault.PermitRevoked, op, "permit %s was revoked", p.ID)
	}
	if !now.Before(p.ExpiresAt) {
		return nil, fault.New(fault.PermitExpired, op, "permit %s expired at %s", p.ID, p.ExpiresAt.Format(time.RFC3339))
	}
	if !p.Allows(recipient) {
		return nil, fault.New(fault.CounterpartyMismatch, op, "permit %s does not allow paying %s", p.ID, recipient)
	}
	if amount > p.Remaining {
		return nil, fault.New(fault.PermitExhausted, op, "amount %d exceeds remaining %d", amount, p.Remaining)
	}

	b, ok := e.budgets[p.BudgetID]
	if !ok {
		return nil, fault.New(fault.InvariantViolation, op, "permit %s references missing budget %s", p.ID, p.BudgetID)
	}
	if spent := sumSince(e.spent[b.ID], now.Add(-b.Window)); spent+amount > b.MaxPeriod {
		return nil, fault.New(fault.BudgetExceeded, op, "window spend %d would exceed max_period %d", spent+amount, b.MaxPeriod)
	}

	return &Spend{
		PermitID:  p.ID,
		BudgetID:  p.BudgetID,
		Recipient: recipient,
		Amount:    amount,
		Remaining: p.Remaining - amount,
		At:        now.UTC(),
	}, nil
}

// Commit applies an authorized spend. It refuses a spend that no longer
// matches the permit, which can only happen if the caller did not hold
// the permit lock since Authorize.
func (e *Engine) Commit(s *Spend) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(s)
}

// Consume authorizes and commits in one call.
func (e *Engine) Consume(permitID, recipient string, amount int64, now time.Time) (*Spend, error) {
	s, err := e.Authorize(permitID, recipient, amount, now)
	if err != nil {
		return nil, err
	}
	if err := e.Commit(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) applyLocked(s *Spend) error {
	p, ok := e.permits[s.PermitID]
	if !ok {
		return fault.New(fault.InvariantViolation, "budget.commit", "permit %s vanished", s.PermitID)
	}
	if s.Amount <= 0 || s.Remaining < 0 || p.Remaining-s.Amount != s.Remaining {
		return fault.New(fault.InvariantViolation, "budget.commit", "stale spend on permit %s", s.PermitID)
	}
	p.Remaining = s.Remaining
	e.spent[s.BudgetID] = append(e.spent[s.BudgetID], event{at: s.At, amount: s.Amount})
	return nil
}

func (e *Engine) verifyLocked(p *Permit) error {
	msg, err := p.signingBytes()
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, "budget.consume", err)
	}
	ok, err := crypto.Verify(p.SignerPublicKey, p.Signature, msg)
	if err != nil || !ok || p.SignerPublicKey != e.signer.PublicKey() {
		return fault.New(fault.SignatureInvalid, "budget.consume", "permit %s signature invalid", p.ID)
	}
	return nil
}

// Get returns a copy of a permit.
func (e *Engine) Get(permitID string) (*Permit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.permits[permitID]
	if !ok {
		return nil, fault.New(fault.NotFound, "budget.get", "permit %s", permitID)
	}
	cp := *p
	return &cp, nil
}

// GetBudget returns a copy of a budget.
func (e *Engine) GetBudget(budgetID string) (*Budget, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.budgets[budgetID]
	if !ok {
		return nil, fault.New(fault.NotFound, "budget.get", "budget %s", budgetID)
	}
	cp := *b
	return &cp, nil
}

// Usage reports issued and spent totals inside the budget's current window.
func (e *Engine) Usage(budgetID string, now time.Time) (Usage, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.budgets[budgetID]
	if !ok {
		return Usage{}, fault.New(fault.NotFound, "budget.usage", "budget %s", budgetID)
	}
	cutoff := now.Add(-b.Window)
	return Usage{Issued: sumSince(e.issued[b.ID], cutoff), Spent: sumSince(e.spent[b.ID], cutoff)}, nil
}

// ListPermits returns the permits issued by owner, oldest first.
func (e *Engine) ListPermits(owner string) []Permit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Permit
	for _, p := range e.permits {
		if p.Issuer == owner {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Restore applies a journaled snapshot during replay.
func (e *Engine) Restore(name string, raw json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case StateBudget:
		var b Budget
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		e.budgets[b.ID] = &b
	case StatePermit:
		var p Permit
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if existing, ok := e.permits[p.ID]; ok {
			existing.Revoked = existing.Revoked || p.Revoked
			return nil
		}
		e.permits[p.ID] = &p
		e.issued[p.BudgetID] = append(e.issued[p.BudgetID], event{at: p.IssuedAt, amount: p.MaxAmount})
	case StateSpend:
		var s Spend
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		return e.applyLocked(&s)
	default:
		return fmt.Errorf("budget: unknown snapshot %q", name)
	}
	return nil
}
