// Package identity binds agent ids to signing keys.
//
// Custodial agents have their key derived from the node keyring and can ask
// the registry to sign on their behalf. External agents register only a public
// key and sign intents themselves.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/fault"
)

// ReservedPrefix is held back for system accounts such as the issuer supply.
const ReservedPrefix = "issuer"

// AgentIdentity is created once per agent and never changes.
type AgentIdentity struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"public_key"`
	Custodial bool      `json:"custodial"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory resolves agent ids and verifies their signatures.
type Directory interface {
	Lookup(id string) (*AgentIdentity, error)
	Verify(id string, data []byte, sigHex string) error
}

var fold = cases.Fold()

// NormalizeID maps raw input to the canonical agent id form:
// NFKC, case folded, limited to [a-z0-9._-] and 1..64 characters.
func NormalizeID(raw string) (string, error) {
	id := fold.String(norm.NFKC.String(strings.TrimSpace(raw)))
	if id == "" || len(id) > 64 {
		return "", fault.New(fault.ValidationError, "identity.normalize", "agent id must be 1..64 characters")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return "", fault.New(fault.ValidationError, "identity.normalize", "agent id %q contains %q", raw, r)
		}
	}
	if strings.HasPrefix(id, ReservedPrefix) {
		return "", fault.New(fault.ValidationError, "identity.normalize", "agent id %q uses reserved prefix", raw)
	}
	return id, nil
}

// Registry is the in-memory identity directory.
type Registry struct {
	mu      sync.RWMutex
	keyring *crypto.Keyring
	agents  map[string]*AgentIdentity
	signers map[string]crypto.Signer
	clock   func() time.Time
}

// NewRegistry creates a registry deriving custodial keys from keyring.
func NewRegistry(keyring *crypto.Keyring) *Registry {
	return &Registry{
		keyring: keyring,
		agents:  make(map[string]*AgentIdentity),
		signers: make(map[string]crypto.Signer),
		clock:   time.Now,
	}
}

// WithClock overrides the creation timestamp source.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func keyLabel(id string) string { return "agent/" + id }

// Prepare validates a registration and returns the identity it would
// create without inserting it. An empty publicKeyHex asks for a custodial
// key derived from the keyring.
func (r *Registry) Prepare(id, publicKeyHex string) (*AgentIdentity, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	a := &AgentIdentity{ID: id, PublicKey: publicKeyHex, CreatedAt: r.clock().UTC()}
	if publicKeyHex == "" {
		signer, err := r.keyring.Derive(keyLabel(id))
		if err != nil {
			return nil, fmt.Errorf("derive key for %s: %w", id, err)
		}
		a.PublicKey, a.Custodial = signer.PublicKey(), true
	} else if err := crypto.ValidatePublicKey(publicKeyHex); err != nil {
		return nil, fault.Wrap(fault.ValidationError, "identity.register", err)
	}

	r.mu.RLock()
	_, exists := r.agents[id]
	r.mu.RUnlock()
	if exists {
		return nil, fault.New(fault.Conflict, "identity.register", "agent %s already registered", id)
	}
	return a, nil
}

// Register creates a custodial identity for id.
func (r *Registry) Register(id string) (*AgentIdentity, error) {
	return r.add(id, "")
}

// RegisterExternal records an agent that holds its own private key.
func (r *Registry) RegisterExternal(id, publicKeyHex string) (*AgentIdentity, error) {
	if publicKeyHex == "" {
		return nil, fault.New(fault.ValidationError, "identity.register", "public key is required")
	}
	return r.add(id, publicKeyHex)
}

func (r *Registry) add(id, publicKeyHex string) (*AgentIdentity, error) {
	a, err := r.Prepare(id, publicKeyHex)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return nil, fault.New(fault.Conflict, "identity.register", "agent %s already registered", a.ID)
	}
	if err := r.insertLocked(*a); err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

// Restore re-inserts an identity during journal replay.
func (r *Registry) Restore(a AgentIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(a)
}

func (r *Registry) insertLocked(a AgentIdentity) error {
	if a.Custodial {
		signer, err := r.keyring.Derive(keyLabel(a.ID))
		if err != nil {
			return err
		}
		if signer.PublicKey() != a.PublicKey {
			return fault.New(fault.InvariantViolation, "identity.restore", "agent %s key does not match keyring", a.ID)
		}
		r.signers[a.ID] = signer
	}
	r.agents[a.ID] = &a
	return nil
}

// Lookup returns the identity for id.
func (r *Registry) Lookup(id string) (*AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "identity.lookup", "agent %s", id)
	}
	cp := *a
	return &cp, nil
}

// Signer returns the custodial signer for id.
func (r *Registry) Signer(id string) (crypto.Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[id]; !ok {
		return nil, fault.New(fault.NotFound, "identity.signer", "agent %s", id)
	}
	s, ok := r.signers[id]
	if !ok {
		return nil, fault.New(fault.Unauthorized, "identity.signer", "agent %s holds its own key", id)
	}
	return s, nil
}

// Verify checks sigHex over data against the agent's public key.
func (r *Registry) Verify(id string, data []byte, sigHex string) error {
	a, err := r.Lookup(id)
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(a.PublicKey, sigHex, data)
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, "identity.verify", err)
	}
	if !ok {
		return fault.New(fault.SignatureInvalid, "identity.verify", "signature does not match agent %s", id)
	}
	return nil
}

// List returns all identities ordered by id.
func (r *Registry) List() []AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentIdentity, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
