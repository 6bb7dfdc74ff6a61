package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openibank/openibank-sub001/pkg/bank"
	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/escrow"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/issuer"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// runDemoCmd walks an in-memory node through a permitted payment, a
// rejected one and a full escrow, then verifies the receipt chain.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	verbose := cmd.Bool("v", false, "Log engine events to stderr")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logOut := io.Discard
	if *verbose {
		logOut = stderr
	}
	if err := demo(context.Background(), stdout, observability.SetupLogger("DEBUG", logOut, false)); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sdemo failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	return 0
}

type demoPrinter struct {
	w io.Writer
	n int
}

func (p *demoPrinter) step(format string, args ...any) {
	p.n++
	_, _ = fmt.Fprintf(p.w, "%s[%d]%s %s\n", colorBold, p.n, colorReset, fmt.Sprintf(format, args...))
}

func (p *demoPrinter) detail(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "    %s%s%s\n", colorGray, fmt.Sprintf(format, args...), colorReset)
}

func (p *demoPrinter) receipt(r *receipts.Receipt) {
	p.detail("receipt %s kind=%s seq=%d", r.ID, r.Kind, r.LedgerSeq)
}

func demo(ctx context.Context, w io.Writer, logger *slog.Logger) error {
	out := &demoPrinter{w: w}

	seed, err := crypto.GenerateSeed()
	if err != nil {
		return err
	}
	b, err := bank.New(ctx, bank.Options{
		Seed:    seed,
		Journal: journal.NewMemoryJournal(),
		Reserve: issuer.Config{ReserveCap: 1_000_000, MaxSingleMint: 100_000},
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	out.step("node started, signing key %s", b.NodePublicKey())

	for _, id := range []string{"buyer", "seller", "arbiter"} {
		if _, err := b.RegisterAgent(ctx, id); err != nil {
			return err
		}
	}
	out.step("registered buyer, seller and arbiter")

	r, err := b.Issuer.Mint(ctx, 10_000, "buyer")
	if err != nil {
		return err
	}
	out.step("minted 10000 to buyer")
	out.receipt(r)

	bud, err := b.Budgets.CreateBudget(ctx, "buyer", 5_000, 8_000, 24*time.Hour)
	if err != nil {
		return err
	}
	p, err := b.Budgets.IssuePermit(ctx, budget.PermitRequest{
		BudgetID:     bud.ID,
		Counterparty: "seller",
		MaxAmount:    3_000,
		TTL:          time.Hour,
		RequestedBy:  "buyer",
	})
	if err != nil {
		return err
	}
	out.step("buyer issued permit %s: up to 3000 to seller for 1h", p.ID)

	if r, err = b.Pay(ctx, "", "buyer", p.ID, "seller", 1_200); err != nil {
		return err
	}
	out.step("buyer paid seller 1200 under the permit")
	out.receipt(r)

	_, err = b.Pay(ctx, "", "buyer", p.ID, "arbiter", 500)
	var rej *gate.Rejection
	if !errors.As(err, &rej) {
		return fmt.Errorf("payment to arbiter was not rejected: %v", err)
	}
	out.step("payment to arbiter rejected at %s: %s", rej.Stage, rej.Kind)

	esc, err := b.Escrow.Create(ctx, escrow.Spec{
		Buyer:      "buyer",
		Seller:     "seller",
		Arbiter:    "arbiter",
		Amount:     2_500,
		Conditions: []string{"dataset delivered"},
		Deadline:   b.Now().Add(24 * time.Hour),
	})
	if err != nil {
		return err
	}
	out.step("escrow %s opened for 2500", esc.ID)

	steps := []struct {
		name string
		run  func() (*receipts.Receipt, error)
	}{
		{"buyer funded", func() (*receipts.Receipt, error) { return b.Escrow.Fund(ctx, esc.ID, "buyer") }},
		{"seller delivered", func() (*receipts.Receipt, error) {
			return b.Escrow.Deliver(ctx, esc.ID, "sha256:5e8f...", "seller")
		}},
		{"buyer confirmed, funds released", func() (*receipts.Receipt, error) { return b.Escrow.Confirm(ctx, esc.ID, "buyer") }},
	}
	for _, s := range steps {
		r, err := s.run()
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		out.step("escrow: %s", s.name)
		out.receipt(r)
	}

	for _, id := range []string{"buyer", "seller", "arbiter"} {
		bal, err := b.Ledger.Balance(id)
		if err != nil {
			return err
		}
		out.detail("%-8s available=%d locked=%d", id, bal.Available, bal.Locked)
	}
	supply, err := b.Issuer.Supply()
	if err != nil {
		return err
	}
	out.step("supply %d of %d", supply.TotalSupply, supply.ReserveCap)
	if err := b.CheckSupply(); err != nil {
		return err
	}

	all, err := b.Receipts.Store().List(receipts.Filter{})
	if err != nil {
		return err
	}
	if err := receipts.VerifyChain(all, b.NodePublicKey()); err != nil {
		return err
	}
	m, err := b.Receipts.Manifest(all)
	if err != nil {
		return err
	}
	out.step("%s%d receipts verified%s, merkle root %s", colorGreen, len(all), colorReset, m.MerkleRoot)
	return nil
}
