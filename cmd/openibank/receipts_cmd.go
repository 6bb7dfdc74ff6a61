package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/bank"
	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// verifyReport is the --json output of verify.
type verifyReport struct {
	Bundle     string `json:"bundle"`
	Verified   bool   `json:"verified"`
	Count      int    `json:"count"`
	MerkleRoot string `json:"merkle_root,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// runVerifyCmd implements `openibank verify`.
//
// Checks every receipt signature, the per-subject hash chains and, with
// --manifest, that the signed manifest commits to the bundle. No node or
// network access is needed.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundle     string
		key        string
		manifest   string
		jsonOutput bool
	)
	cmd.StringVar(&bundle, "bundle", "", "Path to a JSONL receipt bundle")
	cmd.StringVar(&key, "key", "", "Trusted node public key (hex); every receipt must be signed by it")
	cmd.StringVar(&manifest, "manifest", "", "Path to the bundle's signed manifest")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundle == "" && cmd.NArg() > 0 {
		bundle = cmd.Arg(0)
	}
	if bundle == "" {
		_, _ = fmt.Fprintln(stderr, "Error: bundle path is required")
		return 2
	}

	f, err := os.Open(bundle)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()
	rs, err := receipts.ReadBundle(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := verifyReport{Bundle: bundle, Count: len(rs), Verified: true}
	if err := receipts.VerifyChain(rs, key); err != nil {
		report.Verified = false
		report.Reason = err.Error()
	}
	if report.Verified && manifest != "" {
		m, err := readManifest(manifest)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report.MerkleRoot = m.MerkleRoot
		switch {
		case key != "" && m.SignerPublicKey != key:
			report.Verified = false
			report.Reason = "manifest signed by untrusted key"
		default:
			if err := receipts.VerifyManifest(m, rs); err != nil {
				report.Verified = false
				report.Reason = err.Error()
			}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "%sVERIFIED%s %d receipts in %s\n", colorGreen, colorReset, report.Count, bundle)
	} else {
		_, _ = fmt.Fprintf(stdout, "%sFAILED%s %s\n", colorRed, colorReset, report.Reason)
	}
	if !report.Verified {
		return 1
	}
	return 0
}

func readManifest(path string) (receipts.Manifest, error) {
	var m receipts.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// runExportCmd replays the local journal and writes matching receipts as
// JSONL to stdout, or uploads them with a signed manifest when --archive
// is set.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		f         receipts.Filter
		kind      string
		toArchive bool
	)
	cmd.StringVar(&f.Subject, "subject", "", "Only receipts of this chain subject")
	cmd.StringVar(&f.Account, "account", "", "Only receipts touching this account")
	cmd.StringVar(&kind, "kind", "", "Only receipts of this operation kind")
	cmd.StringVar(&f.IntentID, "intent", "", "Only receipts of this intent")
	cmd.Uint64Var(&f.FromSeq, "from-seq", 0, "Only receipts at or after this ledger sequence")
	cmd.BoolVar(&toArchive, "archive", false, "Upload to the configured archive instead of stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	f.Kind = receipts.Kind(kind)

	ctx := context.Background()
	b, cfg, err := openReadOnly(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = b.Close() }()

	if !toArchive {
		n, err := receipts.Export(stdout, b.Receipts.Store(), f)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "exported %d receipts\n", n)
		return 0
	}

	sink, err := archive.NewSinkFromConfig(ctx, cfg.Archive)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	res, err := archive.NewArchiver(b.Receipts.Store(), b.Receipts, sink, nil).Archive(ctx, f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	return 0
}

// runSupplyCmd prints the issuer supply of the local journal.
func runSupplyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("supply", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	b, _, err := openReadOnly(context.Background(), stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = b.Close() }()

	s, err := b.Issuer.Supply()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s)
	if err := b.CheckSupply(); err != nil {
		_, _ = fmt.Fprintf(stderr, "supply check failed: %v\n", err)
		return 1
	}
	return 0
}

// openReadOnly replays the configured journal without initializing a
// reserve, so reading an empty journal leaves it empty.
func openReadOnly(ctx context.Context, stderr io.Writer) (*bank.Bank, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.SetupLogger(cfg.LogLevel, stderr, false)
	j, err := bank.OpenJournal(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	seed, err := bank.LoadSeed(cfg, logger)
	if err != nil {
		_ = j.Close()
		return nil, nil, err
	}
	b, err := bank.New(ctx, bank.Options{Seed: seed, Journal: j, Logger: logger})
	if err != nil {
		_ = j.Close()
		return nil, nil, err
	}
	return b, cfg, nil
}
