package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/identity"
)

// runTokenCmd signs a bearer token with JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Agent id or operator name (REQUIRED)")
	cmd.StringVar(&role, "role", string(identity.RoleAgent), "agent or operator")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}
	r := identity.Role(role)
	if r != identity.RoleAgent && r != identity.RoleOperator {
		_, _ = fmt.Fprintf(stderr, "Error: unknown role %q\n", role)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.JWTSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: JWT_SECRET is not set")
		return 2
	}
	tm, err := identity.NewTokenManager([]byte(cfg.JWTSecret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	tok, err := tm.Issue(subject, r, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
