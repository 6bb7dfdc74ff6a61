package ledger

import "time"

// Bucket selects the available or locked half of an account.
type Bucket string

const (
	Available Bucket = "available"
	Locked    Bucket = "locked"
)

// Reason labels the economic event behind an entry.
type Reason string

const (
	ReasonTransfer      Reason = "transfer"
	ReasonEscrowLock    Reason = "escrow_lock"
	ReasonEscrowRelease Reason = "escrow_release"
	ReasonEscrowRefund  Reason = "escrow_refund"
	ReasonMint          Reason = "mint"
	ReasonBurn          Reason = "burn"
)

// SupplyAccount is the contra account for issued units. Its available
// balance is always the negated total supply.
const SupplyAccount = "issuer:supply"

// Entry is an immutable half of a balanced posting.
type Entry struct {
	ID             string    `json:"entry_id"`
	AccountID      string    `json:"account_id"`
	Bucket         Bucket    `json:"bucket"`
	Delta          int64     `json:"delta"`
	Reason         Reason    `json:"reason"`
	CounterEntryID string    `json:"counter_entry_id"`
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
}

// Pair is a debit and its matching credit. Deltas sum to zero.
type Pair [2]Entry

// Account holds an owner's balances in minor units.
type Account struct {
	OwnerID   string `json:"owner_id"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
	System    bool   `json:"system,omitempty"`
}

// Balance is the read view returned to callers.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Batch is a validated pair waiting to be applied.
type Batch struct {
	Seq     uint64 `json:"seq"`
	Entries Pair   `json:"entries"`
}

func leg(account string, bucket Bucket, delta int64, reason Reason) Entry {
	return Entry{AccountID: account, Bucket: bucket, Delta: delta, Reason: reason}
}

// TransferPair moves amount between two available balances.
func TransferPair(from, to string, amount int64) Pair {
	return Pair{leg(from, Available, -amount, ReasonTransfer), leg(to, Available, amount, ReasonTransfer)}
}

// LockPair moves amount from owner's available to owner's locked balance.
func LockPair(owner string, amount int64) Pair {
	return Pair{leg(owner, Available, -amount, ReasonEscrowLock), leg(owner, Locked, amount, ReasonEscrowLock)}
}

// SettlePair pays locked funds of from into to's available balance.
func SettlePair(from, to string, amount int64) Pair {
	return Pair{leg(from, Locked, -amount, ReasonEscrowRelease), leg(to, Available, amount, ReasonEscrowRelease)}
}

// UnlockPair returns locked funds to owner's available balance.
func UnlockPair(owner string, amount int64) Pair {
	return Pair{leg(owner, Locked, -amount, ReasonEscrowRefund), leg(owner, Available, amount, ReasonEscrowRefund)}
}

// MintPair credits to from the supply contra account.
func MintPair(to string, amount int64) Pair {
	return Pair{leg(SupplyAccount, Available, -amount, ReasonMint), leg(to, Available, amount, ReasonMint)}
}

// BurnPair debits from back into the supply contra account.
func BurnPair(from string, amount int64) Pair {
	return Pair{leg(from, Available, -amount, ReasonBurn), leg(SupplyAccount, Available, amount, ReasonBurn)}
}

// Accounts lists the distinct accounts touched by the pair.
func (p Pair) Accounts() []string {
	if p[0].AccountID == p[1].AccountID {
		return []string{p[0].AccountID}
	}
	return []string{p[0].AccountID, p[1].AccountID}
}
