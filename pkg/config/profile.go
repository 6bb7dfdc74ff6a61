package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openibank/openibank-sub001/pkg/issuer"
	"github.com/openibank/openibank-sub001/pkg/policy"
)

// Profile is the operator's deployment profile: reserve terms and the
// policy applied at the gate.
type Profile struct {
	Reserve       issuer.Config `yaml:"reserve" json:"reserve"`
	Policy        PolicyProfile `yaml:"policy" json:"policy"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// PolicyProfile configures the gate's policy stage.
type PolicyProfile struct {
	Rules      []policy.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
	Sanctioned []string      `yaml:"sanctioned,omitempty" json:"sanctioned,omitempty"`
	// Velocity of zero rate disables the per-payer limit.
	Velocity policy.Limit `yaml:"velocity" json:"velocity"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() *Profile {
	return &Profile{
		Reserve: issuer.Config{
			ReserveCap:    100_000_000_000,
			MaxSingleMint: 1_000_000_000,
		},
		SweepInterval: 30 * time.Second,
	}
}

// LoadProfile reads a YAML profile. Omitted fields keep their defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.SweepInterval <= 0 {
		return nil, fmt.Errorf("profile %s: sweep_interval must be positive", path)
	}
	if p.Policy.Velocity.Rate < 0 || p.Policy.Velocity.Burst < 0 {
		return nil, fmt.Errorf("profile %s: velocity must not be negative", path)
	}
	return p, nil
}
