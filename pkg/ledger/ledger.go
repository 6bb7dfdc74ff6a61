// Package ledger is the double-entry account store.
//
// Every mutation is a balanced pair of entries. Agent accounts never go
// negative in either bucket; the only account allowed below zero is the
// issuer supply contra account. Each posting is stamped with the next
// sequence number, which receipts reference for ordering.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/fault"
)

// Ledger keeps accounts and the append-only entry log in memory.
// Durability is provided by the journal that the commitment gate writes
// before calling Apply.
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[string]*Account
	entries   []Entry
	byAccount map[string][]int
	seq       uint64
	clock     func() time.Time
}

func New() *Ledger {
	return &Ledger{
		accounts:  make(map[string]*Account),
		byAccount: make(map[string][]int),
		clock:     time.Now,
	}
}

// WithClock overrides the entry timestamp source.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// OpenAccount creates a zero balance account for owner.
func (l *Ledger) OpenAccount(owner string) error {
	return l.open(owner, false)
}

// OpenSystemAccount creates an account exempt from the non-negative rule.
func (l *Ledger) OpenSystemAccount(id string) error {
	return l.open(id, true)
}

func (l *Ledger) open(id string, system bool) error {
	if id == "" {
		return fault.New(fault.ValidationError, "ledger.open", "empty account id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[id]; exists {
		return fault.New(fault.Conflict, "ledger.open", "account %s already open", id)
	}
	l.accounts[id] = &Account{OwnerID: id, System: system}
	return nil
}

// HasAccount reports whether id is open.
func (l *Ledger) HasAccount(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[id]
	return ok
}

// Balance returns the available and locked balances of owner.
func (l *Ledger) Balance(owner string) (Balance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[owner]
	if !ok {
		return Balance{}, fault.New(fault.NotFound, "ledger.balance", "account %s", owner)
	}
	return Balance{Available: a.Available, Locked: a.Locked}, nil
}

// Accounts returns a copy of every account.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	return out
}

// Seq returns the last assigned sequence number.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Entries returns owner's entries in application order.
func (l *Ledger) Entries(owner string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byAccount[owner]
	out := make([]Entry, len(idx))
	for i, n := range idx {
		out[i] = l.entries[n]
	}
	return out
}

// Totals returns the sum of every bucket of every account. A consistent
// ledger always totals zero because supply is carried as a negative balance.
func (l *Ledger) Totals() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum int64
	for _, a := range l.accounts {
		sum += a.Available + a.Locked
	}
	return sum
}

// Post validates and applies a pair in one step.
func (l *Ledger) Post(pair Pair) (Pair, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.stageLocked(pair)
	if err != nil {
		return Pair{}, err
	}
	if err := l.applyLocked(b); err != nil {
		return Pair{}, err
	}
	return b.Entries, nil
}

// Stage validates a pair against current balances and reserves the next
// sequence number. The caller must hold exclusive access to the touched
// accounts until Apply, otherwise the validation may be stale.
func (l *Ledger) Stage(pair Pair) (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stageLocked(pair)
}

// Apply commits a staged batch.
func (l *Ledger) Apply(b *Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(b)
}

// Lock moves amount of owner's available balance into locked.
func (l *Ledger) Lock(owner string, amount int64) (Pair, error) {
	p, err := l.Post(LockPair(owner, amount))
	if err != nil && fault.KindOf(err) == fault.InsufficientFunds {
		return Pair{}, fault.New(fault.InvariantViolation, "ledger.lock", "lock %d exceeds available balance of %s", amount, owner)
	}
	return p, err
}

// Unlock moves amount of owner's locked balance back to available.
func (l *Ledger) Unlock(owner string, amount int64) (Pair, error) {
	p, err := l.Post(UnlockPair(owner, amount))
	if err != nil && fault.KindOf(err) == fault.InsufficientFunds {
		return Pair{}, fault.New(fault.InvariantViolation, "ledger.unlock", "unlock %d exceeds locked balance of %s", amount, owner)
	}
	return p, err
}

// Restore re-applies journaled entries during replay. Entries keep their
// original ids, sequence numbers and timestamps.
func (l *Ledger) Restore(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) != 2 {
		return fault.New(fault.InvariantViolation, "ledger.restore", "expected a pair, got %d entries", len(entries))
	}
	pair := Pair{entries[0], entries[1]}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(pair); err != nil {
		return fault.Wrap(fault.InvariantViolation, "ledger.restore", err)
	}
	if err := l.applyLocked(&Batch{Seq: pair[0].Seq, Entries: pair}); err != nil {
		return err
	}
	if pair[0].Seq > l.seq {
		l.seq = pair[0].Seq
	}
	return nil
}

func (l *Ledger) stageLocked(pair Pair) (*Batch, error) {
	if err := l.check(pair); err != nil {
		return nil, err
	}

	l.seq++
	now := l.clock().UTC()
	b := &Batch{Seq: l.seq, Entries: pair}
	b.Entries[0].ID = uuid.NewString()
	b.Entries[1].ID = uuid.NewString()
	b.Entries[0].CounterEntryID = b.Entries[1].ID
	b.Entries[1].CounterEntryID = b.Entries[0].ID
	for i := range b.Entries {
		b.Entries[i].Seq = b.Seq
		b.Entries[i].Timestamp = now
	}
	return b, nil
}

// check validates shape and resulting balances without mutating.
func (l *Ledger) check(pair Pair) error {
	const op = "ledger.post"
	if pair[0].Delta+pair[1].Delta != 0 {
		return fault.New(fault.ValidationError, op, "deltas %d and %d do not balance", pair[0].Delta, pair[1].Delta)
	}
	if pair[0].Delta >= 0 {
		return fault.New(fault.ValidationError, op, "first entry must be the debit, amount must be positive")
	}

	type slot struct {
		account string
		bucket  Bucket
	}
	result := make(map[slot]int64, 2)
	for _, e := range pair {
		if e.Bucket != Available && e.Bucket != Locked {
			return fault.New(fault.ValidationError, op, "unknown bucket %q", e.Bucket)
		}
		if e.Reason == "" {
			return fault.New(fault.ValidationError, op, "entry without reason")
		}
		a, ok := l.accounts[e.AccountID]
		if !ok {
			return fault.New(fault.ValidationError, op, "unknown account %s", e.AccountID)
		}
		k := slot{e.AccountID, e.Bucket}
		if _, seen := result[k]; !seen {
			if e.Bucket == Available {
				result[k] = a.Available
			} else {
				result[k] = a.Locked
			}
		}
		result[k] += e.Delta
	}
	for k, v := range result {
		if v < 0 && !l.accounts[k.account].System {
			return fault.New(fault.InsufficientFunds, op, "%s %s balance would be %d", k.account, k.bucket, v)
		}
	}
	return nil
}

func (l *Ledger) applyLocked(b *Batch) error {
	if err := l.check(b.Entries); err != nil {
		return fault.Wrap(fault.InvariantViolation, "ledger.apply", err)
	}
	for _, e := range b.Entries {
		a := l.accounts[e.AccountID]
		if e.Bucket == Available {
			a.Available += e.Delta
		} else {
			a.Locked += e.Delta
		}
		l.entries = append(l.entries, e)
		l.byAccount[e.AccountID] = append(l.byAccount[e.AccountID], len(l.entries)-1)
	}
	return nil
}
