package receipts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/crypto"
)

// Manifest summarises an exported bundle so it can be checked without
// replaying it: the Merkle root commits to every receipt digest in order.
type Manifest struct {
	SchemaVersion   string    `json:"schema_version"`
	Count           int       `json:"count"`
	FirstSeq        uint64    `json:"first_seq"`
	LastSeq         uint64    `json:"last_seq"`
	MerkleRoot      string    `json:"merkle_root"`
	GeneratedAt     time.Time `json:"generated_at"`
	Signature       string    `json:"signature,omitempty"`
	SignerPublicKey string    `json:"signer_public_key,omitempty"`
}

func (m Manifest) signingBytes() ([]byte, error) {
	m.Signature = ""
	m.SignerPublicKey = ""
	return canonicalize.JCS(m)
}

// BuildManifest computes the manifest of rs.
func BuildManifest(rs []*Receipt, now time.Time) (Manifest, error) {
	m := Manifest{SchemaVersion: SchemaVersion, Count: len(rs), GeneratedAt: now.UTC()}
	digests := make([]string, len(rs))
	for i, r := range rs {
		d, err := r.Digest()
		if err != nil {
			return Manifest{}, err
		}
		digests[i] = d
		if i == 0 || r.LedgerSeq < m.FirstSeq {
			m.FirstSeq = r.LedgerSeq
		}
		if r.LedgerSeq > m.LastSeq {
			m.LastSeq = r.LedgerSeq
		}
	}
	m.MerkleRoot = MerkleRoot(digests)
	return m, nil
}

// Manifest builds and signs the manifest for rs.
func (e *Engine) Manifest(rs []*Receipt) (Manifest, error) {
	m, err := BuildManifest(rs, e.clock())
	if err != nil {
		return Manifest{}, err
	}
	msg, err := m.signingBytes()
	if err != nil {
		return Manifest{}, err
	}
	if m.Signature, err = e.signer.Sign(msg); err != nil {
		return Manifest{}, fmt.Errorf("sign manifest: %w", err)
	}
	m.SignerPublicKey = e.signer.PublicKey()
	return m, nil
}

// VerifyManifest checks the signature of m and that it commits to rs.
func VerifyManifest(m Manifest, rs []*Receipt) error {
	msg, err := m.signingBytes()
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(m.SignerPublicKey, m.Signature, msg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("manifest signature invalid")
	}
	rebuilt, err := BuildManifest(rs, m.GeneratedAt)
	if err != nil {
		return err
	}
	if rebuilt.MerkleRoot != m.MerkleRoot || rebuilt.Count != m.Count {
		return fmt.Errorf("manifest does not match bundle: root %s, want %s", rebuilt.MerkleRoot, m.MerkleRoot)
	}
	return nil
}

// MerkleRoot hashes the leaves pairwise up to a single root, duplicating
// the last node on odd levels. Leaves and inner nodes use distinct
// prefixes. An empty input yields the empty string.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = hashNode([]byte{0x00}, []byte(l))
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashNode([]byte{0x01}, []byte(level[i]), []byte(level[i+1]))
		}
		level = next
	}
	return canonicalize.DigestPrefix + level[0]
}

func hashNode(prefix []byte, parts ...[]byte) string {
	sum := sha256.Sum256(bytes.Join(append([][]byte{prefix}, parts...), nil))
	return hex.EncodeToString(sum[:])
}
