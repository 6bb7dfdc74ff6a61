package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// PaymentIntent is a proposal to pay Recipient from the issuer of PermitID.
// It is never stored as authoritative state.
type PaymentIntent struct {
	IntentID  string    `json:"intent_id"`
	PermitID  string    `json:"permit_id"`
	Payer     string    `json:"payer,omitempty"`
	Amount    int64     `json:"amount"`
	Recipient string    `json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
	Signature string    `json:"signature,omitempty"`
}

// SigningBytes is the canonical form the payer signs: the intent without
// its signature.
func (i PaymentIntent) SigningBytes() ([]byte, error) {
	i.Signature = ""
	return canonicalize.JCS(i)
}

// PaymentPayload is the receipt payload of a committed payment.
type PaymentPayload struct {
	IntentID  string `json:"intent_id"`
	PermitID  string `json:"permit_id"`
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"permit_remaining"`
}

// Participant is a component whose own state changes as part of an action,
// such as an escrow record or the issuer reserve. The gate calls Prepare
// under the action's locks, journals Snapshot, and calls Commit only once
// the journal append succeeded.
type Participant interface {
	// Prepare validates the transition at now and stages the next state.
	Prepare(now time.Time) error
	// Snapshot names and returns the staged state for the journal.
	Snapshot() (name string, state any)
	// Commit installs the staged state. It must not fail.
	Commit()
}

// Action is a non-payment operation routed through the gate: escrow
// transitions and issuer mint or burn.
type Action struct {
	IntentID string
	Kind     receipts.Kind
	// Subject is the receipt chain the action extends. It is always locked.
	Subject string
	Actor   string
	// LockKeys are extra serialization keys beyond the subject and the
	// accounts touched by Posting.
	LockKeys []string
	// Posting is the ledger movement, nil for informational transitions.
	Posting     *ledger.Pair
	Payload     any
	Participant Participant
	// Screen, when set, is evaluated by the policy hook.
	Screen *policy.Context
}

// Stage names a pipeline step.
type Stage string

const (
	StageDeclaration Stage = "declaration"
	StageIdentity    Stage = "identity"
	StagePermit      Stage = "permit"
	StageAction      Stage = "action"
	StagePolicy      Stage = "policy"
	StageLedger      Stage = "ledger"
	StageReceipt     Stage = "receipt"
	StageJournal     Stage = "journal"
	StageApply       Stage = "apply"
)

// Rejection is a terminal pipeline failure. Nothing was applied.
type Rejection struct {
	IntentID string     `json:"intent_id"`
	Stage    Stage      `json:"stage"`
	Kind     fault.Kind `json:"kind"`
	Reason   string     `json:"reason"`
	Err      error      `json:"-"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("intent %s rejected at %s: %s: %s", r.IntentID, r.Stage, r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(intentID string, stage Stage, err error) *Rejection {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		fe = fault.Wrap(fault.Unavailable, string(stage), err)
		err = fe
	}
	reason := fe.Msg
	if reason == "" {
		reason = err.Error()
	}
	return &Rejection{IntentID: intentID, Stage: stage, Kind: fe.Kind, Reason: reason, Err: err}
}
