package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyringSalt = "openibank-keyring-v1"

// Keyring derives stable Ed25519 keys from a single master seed.
// The same seed and label always yield the same key, so custodial agent
// keys and the node key survive restarts without being stored individually.
type Keyring struct {
	seed []byte
}

// NewKeyring wraps a master seed of at least 32 bytes.
func NewKeyring(seed []byte) (*Keyring, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(seed))
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Keyring{seed: s}, nil
}

// NewKeyringFromHex decodes a hex master seed.
func NewKeyringFromHex(seedHex string) (*Keyring, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master seed hex: %w", err)
	}
	return NewKeyring(seed)
}

// GenerateSeed returns a fresh random 32-byte master seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seed generation failed: %w", err)
	}
	return seed, nil
}

// Derive returns the signer bound to label.
func (k *Keyring) Derive(label string) (*Ed25519Signer, error) {
	r := hkdf.New(sha256.New, k.seed, []byte(keyringSalt), []byte(label))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromSeed(seed, label)
}
