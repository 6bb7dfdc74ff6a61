package escrow

import (
	"time"
)

// Status is an escrow's position in its lifecycle.
type Status string

const (
	Created         Status = "Created"
	Funded          Status = "Funded"
	DeliveryPending Status = "DeliveryPending"
	Disputed        Status = "Disputed"
	Released        Status = "Released"
	Refunded        Status = "Refunded"
	Resolved        Status = "Resolved"
)

// Terminal reports whether the escrow accepts no further transitions.
func (s Status) Terminal() bool {
	return s == Released || s == Refunded || s == Resolved
}

// Ruling is an arbiter's decision on a disputed escrow.
type Ruling string

const (
	RulingRelease Ruling = "release"
	RulingRefund  Ruling = "refund"
)

// Condition is a delivery requirement recorded with the escrow.
type Condition struct {
	Description string     `json:"description"`
	Met         bool       `json:"met"`
	MetAt       *time.Time `json:"met_at,omitempty"`
	Evidence    string     `json:"evidence,omitempty"`
}

// Spec is a request to open an escrow.
type Spec struct {
	Buyer      string    `json:"buyer"`
	Seller     string    `json:"seller"`
	Arbiter    string    `json:"arbiter"`
	Amount     int64     `json:"amount"`
	Conditions []string  `json:"conditions,omitempty"`
	Deadline   time.Time `json:"deadline"`
	// AutoReleaseOnDeadline pays the seller when the deadline passes with
	// delivery pending and no dispute.
	AutoReleaseOnDeadline bool `json:"auto_release_on_deadline"`
	// RefundOnTimeout returns funds to the buyer when the deadline passes
	// before delivery.
	RefundOnTimeout bool `json:"refund_on_timeout"`
}

// Event is one entry of an escrow's transition history.
type Event struct {
	Action string    `json:"action"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Escrow is the record of a conditional trade. It persists after reaching
// a terminal status.
type Escrow struct {
	ID                    string      `json:"id"`
	Buyer                 string      `json:"buyer"`
	Seller                string      `json:"seller"`
	Arbiter               string      `json:"arbiter"`
	Amount                int64       `json:"amount"`
	Conditions            []Condition `json:"conditions,omitempty"`
	Deadline              time.Time   `json:"deadline"`
	AutoReleaseOnDeadline bool        `json:"auto_release_on_deadline"`
	RefundOnTimeout       bool        `json:"refund_on_timeout"`
	Status                Status      `json:"status"`
	DeliveryProof         string      `json:"delivery_proof,omitempty"`
	DisputeReason         string      `json:"dispute_reason,omitempty"`
	Ruling                Ruling      `json:"ruling,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	History               []Event     `json:"history,omitempty"`
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	cp.Conditions = append([]Condition(nil), e.Conditions...)
	cp.History = append([]Event(nil), e.History...)
	return &cp
}

// Subject is the receipt chain and lock key of an escrow.
func Subject(id string) string { return "escrow:" + id }

// Payload is the receipt payload of an escrow transition.
type Payload struct {
	EscrowID string `json:"escrow_id"`
	Action   string `json:"action"`
	From     Status `json:"from"`
	To       Status `json:"to"`
	Actor    string `json:"actor"`
	Amount   int64  `json:"amount"`
	Buyer    string `json:"buyer"`
	Seller   string `json:"seller"`
	Detail   string `json:"detail,omitempty"`
}
