// Package issuer owns the reserve: the single resource that bounds total
// supply. Mint and burn run through the commitment gate under the reserve
// lock key, so supply changes and ledger postings commit together.
package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

const (
	// StateName is the journal snapshot name of the reserve.
	StateName = "issuer"
	// Subject is the receipt chain and lock key of the reserve.
	Subject = "issuer:reserve"
	reserveID = "reserve"
)

// Gate is the part of the commitment gate the issuer uses.
type Gate interface {
	Execute(ctx context.Context, a gate.Action) (*receipts.Receipt, error)
	Acquire(keys ...string) (release func())
}

// Config is the reserve's initial configuration.
type Config struct {
	ReserveCap    int64 `yaml:"reserve_cap" json:"reserve_cap"`
	MaxSingleMint int64 `yaml:"max_single_mint" json:"max_single_mint"`
	// MaxSingleBurn of zero leaves burns unbounded.
	MaxSingleBurn int64 `yaml:"max_single_burn" json:"max_single_burn"`
}

func (c Config) validate() error {
	if c.ReserveCap <= 0 || c.MaxSingleMint <= 0 || c.MaxSingleBurn < 0 {
		return fault.New(fault.ValidationError, "issuer.config", "reserve_cap and max_single_mint must be positive")
	}
	return nil
}

// Reserve is the issuer state. TotalSupply never exceeds ReserveCap.
type Reserve struct {
	ID            string    `json:"id"`
	TotalSupply   int64     `json:"total_supply"`
	ReserveCap    int64     `json:"reserve_cap"`
	MaxSingleMint int64     `json:"max_single_mint"`
	MaxSingleBurn int64     `json:"max_single_burn"`
	Halted        bool      `json:"halted"`
	HaltReason    string    `json:"halt_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Supply is the public view of the reserve.
type Supply struct {
	TotalSupply int64 `json:"total_supply"`
	ReserveCap  int64 `json:"reserve_cap"`
	Remaining   int64 `json:"remaining"`
	Halted      bool  `json:"halted"`
}

// Payload is the receipt payload of a mint or burn.
type Payload struct {
	Operation   string `json:"operation"`
	Account     string `json:"account"`
	Amount      int64  `json:"amount"`
	TotalSupply int64  `json:"total_supply"`
	ReserveCap  int64  `json:"reserve_cap"`
}

type Issuer struct {
	gate    Gate
	journal journal.Appender
	clock   func() time.Time
	logger  *slog.Logger

	mu      sync.RWMutex
	reserve *Reserve
}

func New(g Gate, j journal.Appender, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{gate: g, journal: j, clock: time.Now, logger: logger.With("component", "issuer")}
}

// WithClock overrides the timestamp source for reserve updates.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Initialized reports whether the reserve exists, either from Init or from
// journal replay.
func (i *Issuer) Initialized() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.reserve != nil
}

// Init creates the reserve from configuration. It happens once per
// deployment; a second call is a Conflict.
func (i *Issuer) Init(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	release := i.gate.Acquire(Subject)
	defer release()

	if i.Initialized() {
		return fault.New(fault.Conflict, "issuer.init", "reserve already initialized")
	}
	r := &Reserve{
		ID:            reserveID,
		ReserveCap:    cfg.ReserveCap,
		MaxSingleMint: cfg.MaxSingleMint,
		MaxSingleBurn: cfg.MaxSingleBurn,
		UpdatedAt:     i.clock().UTC(),
	}
	if err := i.persist(ctx, r); err != nil {
		return err
	}
	i.logger.Info("reserve initialized", "reserve_cap", r.ReserveCap, "max_single_mint", r.MaxSingleMint)
	return nil
}

// Mint credits amount to an account and raises total supply.
func (i *Issuer) Mint(ctx context.Context, amount int64, to string) (*receipts.Receipt, error) {
	posting := ledger.MintPair(to, amount)
	return i.execute(ctx, receipts.KindMint, to, amount, &posting, &change{issuer: i, op: "mint", account: to, amount: amount})
}

// Burn debits amount from an account and lowers total supply.
func (i *Issuer) Burn(ctx context.Context, amount int64, from string) (*receipts.Receipt, error) {
	posting := ledger.BurnPair(from, amount)
	return i.execute(ctx, receipts.KindBurn, from, amount, &posting, &change{issuer: i, op: "burn", account: from, amount: amount})
}

func (i *Issuer) execute(ctx context.Context, kind receipts.Kind, account string, amount int64, posting *ledger.Pair, c *change) (*receipts.Receipt, error) {
	if !i.Initialized() {
		return nil, fault.New(fault.Unavailable, "issuer."+c.op, "reserve not initialized")
	}
	r, err := i.gate.Execute(ctx, gate.Action{
		IntentID:    uuid.NewString(),
		Kind:        kind,
		Subject:     Subject,
		Actor:       "issuer",
		Posting:     posting,
		Payload:     &c.payload,
		Participant: c,
	})
	if err != nil {
		return nil, err
	}
	i.logger.Info("supply changed", "operation", c.op, "account", account, "amount", amount, "total_supply", c.next.TotalSupply)
	return r, nil
}

// Halt stops all minting and burning until Resume.
func (i *Issuer) Halt(ctx context.Context, reason string) error {
	return i.setHalted(ctx, true, reason)
}

// Resume re-enables minting and burning.
func (i *Issuer) Resume(ctx context.Context) error {
	return i.setHalted(ctx, false, "")
}

func (i *Issuer) setHalted(ctx context.Context, halted bool, reason string) error {
	release := i.gate.Acquire(Subject)
	defer release()

	i.mu.RLock()
	cur := i.reserve
	i.mu.RUnlock()
	if cur == nil {
		return fault.New(fault.Unavailable, "issuer.halt", "reserve not initialized")
	}
	next := *cur
	next.Halted, next.HaltReason, next.UpdatedAt = halted, reason, i.clock().UTC()
	if err := i.persist(ctx, &next); err != nil {
		return err
	}
	i.logger.Warn("issuer halt state changed", "halted", halted, "reason", reason)
	return nil
}

func (i *Issuer) persist(ctx context.Context, r *Reserve) error {
	rec := &journal.Record{Type: journal.TypeIssuer, At: r.UpdatedAt}
	if err := rec.SetState(StateName, r); err != nil {
		return err
	}
	if err := i.journal.Append(ctx, rec); err != nil {
		return fault.Wrap(fault.Unavailable, "issuer.persist", err)
	}
	i.mu.Lock()
	i.reserve = r
	i.mu.Unlock()
	return nil
}

// Supply reports total supply against the cap.
func (i *Issuer) Supply() (Supply, error) {
	r, err := i.Reserve()
	if err != nil {
		return Supply{}, err
	}
	return Supply{TotalSupply: r.TotalSupply, ReserveCap: r.ReserveCap, Remaining: r.ReserveCap - r.TotalSupply, Halted: r.Halted}, nil
}

// Reserve returns a copy of the reserve state.
func (i *Issuer) Reserve() (Reserve, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.reserve == nil {
		return Reserve{}, fault.New(fault.NotFound, "issuer.reserve", "reserve not initialized")
	}
	return *i.reserve, nil
}

// Restore applies a journaled reserve snapshot during replay.
func (i *Issuer) Restore(raw json.RawMessage) error {
	var r Reserve
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode reserve snapshot: %w", err)
	}
	if r.TotalSupply < 0 || r.TotalSupply > r.ReserveCap {
		return fault.New(fault.InvariantViolation, "issuer.restore", "total supply %d outside [0, %d]", r.TotalSupply, r.ReserveCap)
	}
	i.mu.Lock()
	i.reserve = &r
	i.mu.Unlock()
	return nil
}

// change is the gate participant for a mint or burn.
type change struct {
	issuer  *Issuer
	op      string
	account string
	amount  int64
	next    Reserve
	payload Payload
}

func (c *change) Prepare(now time.Time) error {
	op := "issuer." + c.op
	cur, err := c.issuer.Reserve()
	if err != nil {
		return fault.Wrap(fault.Unavailable, op, err)
	}
	if cur.Halted {
		return fault.New(fault.IssuerHalted, op, "issuer halted: %s", cur.HaltReason)
	}
	if c.amount <= 0 {
		return fault.New(fault.ValidationError, op, "amount must be positive")
	}

	next := cur
	switch c.op {
	case "mint":
		if c.amount > cur.MaxSingleMint {
			return fault.New(fault.MintLimitExceeded, op, "amount %d exceeds max_single_mint %d", c.amount, cur.MaxSingleMint)
		}
		if cur.TotalSupply+c.amount > cur.ReserveCap {
			return fault.New(fault.ReserveCapExceeded, op, "supply %d would exceed reserve cap %d", cur.TotalSupply+c.amount, cur.ReserveCap)
		}
		next.TotalSupply += c.amount
	default:
		if cur.MaxSingleBurn > 0 && c.amount > cur.MaxSingleBurn {
			return fault.New(fault.BurnLimitExceeded, op, "amount %d exceeds max_single_burn %d", c.amount, cur.MaxSingleBurn)
		}
		if c.amount > cur.TotalSupply {
			return fault.New(fault.InsufficientFunds, op, "amount %d exceeds total supply %d", c.amount, cur.TotalSupply)
		}
		next.TotalSupply -= c.amount
	}
	next.UpdatedAt = now.UTC()
	c.next = next
	c.payload = Payload{Operation: c.op, Account: c.account, Amount: c.amount, TotalSupply: next.TotalSupply, ReserveCap: next.ReserveCap}
	return nil
}

func (c *change) Snapshot() (string, any) { return StateName, &c.next }

func (c *change) Commit() {
	next := c.next
	c.issuer.mu.Lock()
	c.issuer.reserve = &next
	c.issuer.mu.Unlock()
}
