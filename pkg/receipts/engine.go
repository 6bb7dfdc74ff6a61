package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/crypto"
)

// Draft is everything the caller decides about a receipt. The engine fills
// in identity, hashes, linkage and the signature.
type Draft struct {
	Kind      Kind
	Subject   string
	Accounts  []string
	IntentID  string
	LedgerSeq uint64
	Payload   any
}

// VerificationResult is the detailed outcome of Engine.Verify.
type VerificationResult struct {
	Valid     bool     `json:"valid"`
	ReceiptID string   `json:"receipt_id"`
	Kind      Kind     `json:"operation_kind"`
	Signer    string   `json:"signer"`
	Errors    []string `json:"errors,omitempty"`
}

// Engine issues receipts with the node signer and keeps them in a Store.
type Engine struct {
	signer crypto.Signer
	store  Store
	clock  func() time.Time
}

func NewEngine(signer crypto.Signer, store Store) *Engine {
	return &Engine{signer: signer, store: store, clock: time.Now}
}

// WithClock overrides the issuance timestamp source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Store exposes the backing store for queries and export.
func (e *Engine) Store() Store { return e.store }

// SignerPublicKey is the key every receipt from this engine is signed with.
func (e *Engine) SignerPublicKey() string { return e.signer.PublicKey() }

// Issue builds and signs a receipt linked to the current head of
// d.Subject. It does not record it; callers holding the subject lock call
// Record once the operation is durable.
func (e *Engine) Issue(d Draft) (*Receipt, error) {
	payload, err := canonicalize.JCS(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	head, err := e.store.Head(d.Subject)
	if err != nil {
		return nil, fmt.Errorf("load chain head for %s: %w", d.Subject, err)
	}
	prior := ""
	if head != nil {
		if prior, err = head.Digest(); err != nil {
			return nil, err
		}
	}

	r := &Receipt{
		ID:              uuid.NewString(),
		Kind:            d.Kind,
		Subject:         d.Subject,
		Accounts:        d.Accounts,
		IntentID:        d.IntentID,
		Payload:         json.RawMessage(payload),
		PayloadHash:     canonicalize.HashBytes(payload),
		LedgerSeq:       d.LedgerSeq,
		PriorReceiptRef: prior,
		IssuedAt:        e.clock().UTC(),
		SchemaVersion:   SchemaVersion,
		SignerPublicKey: e.signer.PublicKey(),
	}
	msg, err := r.signingBytes()
	if err != nil {
		return nil, err
	}
	if r.Signature, err = e.signer.Sign(msg); err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	return r, nil
}

// Record appends an issued receipt. Receipts are write-once.
func (e *Engine) Record(r *Receipt) error {
	return e.store.Append(r)
}

// Verify checks the receipt in isolation, that it was signed by this
// engine, and that its prior reference resolves to an earlier receipt for
// the same subject.
func (e *Engine) Verify(_ context.Context, r *Receipt) VerificationResult {
	res := VerificationResult{}
	if r == nil {
		res.Errors = []string{"nil receipt"}
		return res
	}
	res.ReceiptID, res.Kind, res.Signer = r.ID, r.Kind, r.SignerPublicKey

	if err := Verify(r); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	if r.SignerPublicKey != e.signer.PublicKey() {
		res.Errors = append(res.Errors, "receipt not signed by this node")
	}
	if r.PriorReceiptRef != "" {
		prior, err := e.store.ByDigest(r.PriorReceiptRef)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("prior receipt %s not found", r.PriorReceiptRef))
		case prior.Subject != r.Subject:
			res.Errors = append(res.Errors, fmt.Sprintf("prior receipt belongs to %s, not %s", prior.Subject, r.Subject))
		case prior.LedgerSeq > r.LedgerSeq:
			res.Errors = append(res.Errors, "prior receipt has a later ledger sequence")
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}
