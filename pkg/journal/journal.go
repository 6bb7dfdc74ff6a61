// Package journal is the write-ahead log behind the payments core.
//
// Every committed operation is appended here before any in-memory state
// changes. On start the node replays the journal to rebuild ledger
// balances, permits, escrows, the issuer reserve, receipts and the
// idempotency table. A failed append means nothing was applied.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// Type classifies a record.
type Type string

const (
	TypeCommit        Type = "commit"
	TypeAgent         Type = "agent.registered"
	TypeBudget        Type = "budget.created"
	TypePermit        Type = "permit.issued"
	TypePermitRevoked Type = "permit.revoked"
	TypeEscrowCreated Type = "escrow.created"
	TypeIssuer        Type = "issuer.updated"
)

// Record is one journal line.
type Record struct {
	Seq      uint64                     `json:"seq"`
	Type     Type                       `json:"type"`
	IntentID string                     `json:"intent_id,omitempty"`
	At       time.Time                  `json:"at"`
	Entries  []ledger.Entry             `json:"entries,omitempty"`
	Receipt  *receipts.Receipt          `json:"receipt,omitempty"`
	State    map[string]json.RawMessage `json:"state,omitempty"`
}

// SetState stores v as the snapshot of component name.
func (r *Record) SetState(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", name, err)
	}
	if r.State == nil {
		r.State = make(map[string]json.RawMessage)
	}
	r.State[name] = b
	return nil
}

// Appender is the write half of a journal.
type Appender interface {
	// Append durably writes rec and assigns rec.Seq.
	Append(ctx context.Context, rec *Record) error
}

// Journal is a durable, ordered, append-only record log.
type Journal interface {
	Appender
	// Replay calls fn for every record in append order.
	Replay(ctx context.Context, fn func(*Record) error) error
	Close() error
}

// snapshotID extracts the "id" field every snapshot carries.
func snapshotID(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ID
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
