package receipts

import (
	"sync"

	"github.com/openibank/openibank-sub001/pkg/fault"
)

// Filter selects receipts for listing and export. Zero fields match all.
type Filter struct {
	Subject  string `json:"subject,omitempty"`
	Account  string `json:"account,omitempty"`
	Kind     Kind   `json:"kind,omitempty"`
	IntentID string `json:"intent_id,omitempty"`
	FromSeq  uint64 `json:"from_seq,omitempty"`
}

// Match reports whether r satisfies the filter.
func (f Filter) Match(r *Receipt) bool {
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.IntentID != "" && r.IntentID != f.IntentID {
		return false
	}
	if r.LedgerSeq < f.FromSeq {
		return false
	}
	if f.Account != "" {
		for _, a := range r.Accounts {
			if a == f.Account {
				return true
			}
		}
		return false
	}
	return true
}

// Store is the append-only receipt log.
type Store interface {
	Append(r *Receipt) error
	Get(id string) (*Receipt, error)
	ByDigest(digest string) (*Receipt, error)
	// Head returns the latest receipt for subject, or nil if there is none.
	Head(subject string) (*Receipt, error)
	List(f Filter) ([]*Receipt, error)
}

// MemoryStore keeps receipts in append order.
type MemoryStore struct {
	mu       sync.RWMutex
	log      []*Receipt
	byID     map[string]int
	byDigest map[string]int
	heads    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		byDigest: make(map[string]int),
		heads:    make(map[string]int),
	}
}

func (s *MemoryStore) Append(r *Receipt) error {
	digest, err := r.Digest()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[r.ID]; dup {
		return fault.New(fault.Conflict, "receipts.append", "receipt %s already recorded", r.ID)
	}
	s.log = append(s.log, r.Clone())
	n := len(s.log) - 1
	s.byID[r.ID] = n
	s.byDigest[digest] = n
	s.heads[r.Subject] = n
	return nil
}

func (s *MemoryStore) Get(id string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "receipts.get", "receipt %s", id)
	}
	return s.log[n].Clone(), nil
}

func (s *MemoryStore) ByDigest(digest string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byDigest[digest]
	if !ok {
		return nil, fault.New(fault.NotFound, "receipts.by_digest", "receipt %s", digest)
	}
	return s.log[n].Clone(), nil
}

func (s *MemoryStore) Head(subject string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.heads[subject]
	if !ok {
		return nil, nil
	}
	return s.log[n].Clone(), nil
}

func (s *MemoryStore) List(f Filter) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Receipt
	for _, r := range s.log {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
