// Package policy holds the hooks consulted by the commitment gate after a
// permit has been authorized and before anything is staged. A hook either
// allows the operation or vetoes it with a reason. A hook that fails to
// decide returns an error, which the gate treats as Unavailable.
package policy

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Context describes the operation under evaluation.
type Context struct {
	IntentID  string    `json:"intent_id"`
	Kind      string    `json:"kind"`
	Payer     string    `json:"payer"`
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	PermitID  string    `json:"permit_id,omitempty"`
	At        time.Time `json:"at"`
}

// Decision is the outcome of a hook.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Allowed is the zero-reason allow decision.
var Allowed = Decision{Allow: true}

// Deny builds a veto.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Policy is a gate hook.
type Policy interface {
	Evaluate(ctx context.Context, in Context) (Decision, error)
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, in Context) (Decision, error)

func (f Func) Evaluate(ctx context.Context, in Context) (Decision, error) { return f(ctx, in) }

// AllowAll never vetoes.
var AllowAll Policy = Func(func(context.Context, Context) (Decision, error) { return Allowed, nil })

// Chain evaluates hooks in order. The first veto or error wins.
type Chain []Policy

func (c Chain) Evaluate(ctx context.Context, in Context) (Decision, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		d, err := p.Evaluate(ctx, in)
		if err != nil || !d.Allow {
			return d, err
		}
	}
	return Allowed, nil
}

// Denylist vetoes any operation that names a listed party as payer or
// recipient.
type Denylist struct {
	mu      sync.RWMutex
	parties map[string]struct{}
}

func NewDenylist(parties ...string) *Denylist {
	d := &Denylist{parties: make(map[string]struct{})}
	for _, p := range parties {
		d.Add(p)
	}
	return d
}

func (d *Denylist) Add(party string) {
	d.mu.Lock()
	d.parties[strings.ToLower(strings.TrimSpace(party))] = struct{}{}
	d.mu.Unlock()
}

func (d *Denylist) Remove(party string) {
	d.mu.Lock()
	delete(d.parties, strings.ToLower(strings.TrimSpace(party)))
	d.mu.Unlock()
}

func (d *Denylist) Evaluate(_ context.Context, in Context) (Decision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, party := range []string{in.Payer, in.Recipient} {
		if _, ok := d.parties[party]; ok && party != "" {
			return Deny("sanctioned party " + party), nil
		}
	}
	return Allowed, nil
}
