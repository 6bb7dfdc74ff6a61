// Package budget issues spending budgets and the bounded, expiring,
// signed permits derived from them, and accounts for permit consumption.
//
// Consumption is two-phase: Authorize validates against current state and
// Commit applies. The commitment gate holds the permit's lock between the
// two so the pair behaves atomically; nothing else consumes permits.
package budget

import (
	"time"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// Budget bounds the permits an owner may issue.
type Budget struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	MaxSingle int64         `json:"max_single"`
	MaxPeriod int64         `json:"max_period"`
	Window    time.Duration `json:"period_window"`
	CreatedAt time.Time     `json:"created_at"`
}

// AnyCounterparty lets a permit pay any recipient.
const AnyCounterparty = ""

// Permit is a signed authorization to pay up to Remaining to Counterparty.
// Remaining never increases.
type Permit struct {
	ID              string    `json:"id"`
	BudgetID        string    `json:"budget_id"`
	Issuer          string    `json:"issuer"`
	Counterparty    string    `json:"counterparty_constraint,omitempty"`
	MaxAmount       int64     `json:"max_amount"`
	Remaining       int64     `json:"remaining"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Revoked         bool      `json:"revoked,omitempty"`
	Signature       string    `json:"signature"`
	SignerPublicKey string    `json:"signer_public_key"`
}

// terms are the immutable fields covered by the permit signature.
type terms struct {
	ID           string `json:"id"`
	BudgetID     string `json:"budget_id"`
	Issuer       string `json:"issuer"`
	Counterparty string `json:"counterparty_constraint"`
	MaxAmount    int64  `json:"max_amount"`
	IssuedAt     string `json:"issued_at"`
	ExpiresAt    string `json:"expires_at"`
}

func (p *Permit) signingBytes() ([]byte, error) {
	return canonicalize.JCS(terms{
		ID:           p.ID,
		BudgetID:     p.BudgetID,
		Issuer:       p.Issuer,
		Counterparty: p.Counterparty,
		MaxAmount:    p.MaxAmount,
		IssuedAt:     p.IssuedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:    p.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// Allows reports whether recipient satisfies the counterparty constraint.
func (p *Permit) Allows(recipient string) bool {
	return p.Counterparty == AnyCounterparty || p.Counterparty == recipient
}

// PermitRequest asks for a new permit under a budget.
type PermitRequest struct {
	BudgetID     string        `json:"budget_id"`
	Counterparty string        `json:"counterparty_constraint,omitempty"`
	MaxAmount    int64         `json:"max_amount"`
	TTL          time.Duration `json:"ttl"`
	// RequestedBy, when set, must be the budget owner.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Spend is an authorized, not yet committed, permit consumption.
type Spend struct {
	PermitID  string    `json:"id"`
	BudgetID  string    `json:"budget_id"`
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	Remaining int64     `json:"remaining"`
	At        time.Time `json:"at"`
}

// Usage is a budget's activity inside its current window.
type Usage struct {
	Issued int64 `json:"issued"`
	Spent  int64 `json:"spent"`
}

type event struct {
	at     time.Time
	amount int64
}

// sumSince totals events strictly after cutoff.
func sumSince(events []event, cutoff time.Time) int64 {
	var total int64
	for _, e := range events {
		if e.at.After(cutoff) {
			total += e.amount
		}
	}
	return total
}
