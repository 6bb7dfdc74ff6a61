// Package receipts builds, signs, stores and verifies receipts: the only
// externally trusted proof that a state change happened.
//
// Receipts are write-once. Each one references the digest of the previous
// receipt for the same subject (an account or an escrow), forming a
// per-subject hash chain that can be verified offline.
package receipts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/fault"
)

// SchemaVersion is stamped on every receipt issued by this build.
const SchemaVersion = "1.0.0"

// compatible accepts receipts from any 1.x writer.
var compatible = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// Kind is the operation a receipt attests to.
type Kind string

const (
	KindPayment             Kind = "payment"
	KindEscrowFund          Kind = "escrow.fund"
	KindEscrowDeliver       Kind = "escrow.deliver"
	KindEscrowConfirm       Kind = "escrow.confirm"
	KindEscrowDispute       Kind = "escrow.dispute"
	KindEscrowResolve       Kind = "escrow.resolve"
	KindEscrowAutoRelease   Kind = "escrow.auto_release"
	KindEscrowTimeoutRefund Kind = "escrow.timeout_refund"
	KindMint                Kind = "issuer.mint"
	KindBurn                Kind = "issuer.burn"
)

// Receipt is an immutable signed record of a committed operation.
type Receipt struct {
	ID              string          `json:"receipt_id"`
	Kind            Kind            `json:"operation_kind"`
	Subject         string          `json:"subject"`
	Accounts        []string        `json:"accounts,omitempty"`
	IntentID        string          `json:"intent_id"`
	Payload         json.RawMessage `json:"payload"`
	PayloadHash     string          `json:"payload_hash"`
	LedgerSeq       uint64          `json:"ledger_seq"`
	PriorReceiptRef string          `json:"prior_receipt_ref,omitempty"`
	IssuedAt        time.Time       `json:"issued_at"`
	SchemaVersion   string          `json:"schema_version"`
	Signature       string          `json:"signature"`
	SignerPublicKey string          `json:"signer_public_key"`
}

// envelope is the exact structure covered by the signature.
type envelope struct {
	ID          string   `json:"receipt_id"`
	Kind        Kind     `json:"operation_kind"`
	Subject     string   `json:"subject"`
	Accounts    []string `json:"accounts,omitempty"`
	IntentID    string   `json:"intent_id"`
	PayloadHash string   `json:"payload_hash"`
	LedgerSeq   uint64   `json:"ledger_seq"`
	Prior       string   `json:"prior_receipt_ref,omitempty"`
	IssuedAt    string   `json:"issued_at"`
	Schema      string   `json:"schema_version"`
}

func (r *Receipt) signingBytes() ([]byte, error) {
	return canonicalize.JCS(envelope{
		ID:          r.ID,
		Kind:        r.Kind,
		Subject:     r.Subject,
		Accounts:    r.Accounts,
		IntentID:    r.IntentID,
		PayloadHash: r.PayloadHash,
		LedgerSeq:   r.LedgerSeq,
		Prior:       r.PriorReceiptRef,
		IssuedAt:    r.IssuedAt.UTC().Format(time.RFC3339Nano),
		Schema:      r.SchemaVersion,
	})
}

// Digest is the hash of the full receipt, signature included. Successor
// receipts use it as their prior reference.
func (r *Receipt) Digest() (string, error) {
	return canonicalize.Hash(r)
}

// Clone returns a deep copy.
func (r *Receipt) Clone() *Receipt {
	cp := *r
	cp.Payload = append(json.RawMessage(nil), r.Payload...)
	cp.Accounts = append([]string(nil), r.Accounts...)
	return &cp
}

// Verify checks a receipt in isolation: schema version, payload hash and
// signature. It does not check chain linkage.
func Verify(r *Receipt) error {
	const op = "receipts.verify"
	if r == nil || r.ID == "" || r.Kind == "" || r.Subject == "" {
		return fault.New(fault.ValidationError, op, "receipt is missing identifying fields")
	}
	v, err := semver.NewVersion(r.SchemaVersion)
	if err != nil {
		return fault.Wrap(fault.ValidationError, op, fmt.Errorf("schema version %q: %w", r.SchemaVersion, err))
	}
	if !compatible.Check(v) {
		return fault.New(fault.ValidationError, op, "unsupported schema version %s", v)
	}

	hash, err := canonicalize.Hash(r.Payload)
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, op, err)
	}
	if hash != r.PayloadHash {
		return fault.New(fault.SignatureInvalid, op, "payload hash mismatch for %s", r.ID)
	}

	msg, err := r.signingBytes()
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, op, err)
	}
	ok, err := crypto.Verify(r.SignerPublicKey, r.Signature, msg)
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, op, err)
	}
	if !ok {
		return fault.New(fault.SignatureInvalid, op, "bad signature on %s", r.ID)
	}
	return nil
}

// VerifyReceipt is the boolean form of Verify.
func VerifyReceipt(r *Receipt) bool {
	return Verify(r) == nil
}
