package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/bank"
	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/issuer"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

var testSeed = bytes.Repeat([]byte{0x07}, 32)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"openibank"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// nodeEnv points the CLI at a file journal in a temp dir holding a mint
// and one payment, and returns the dir and the node's receipts.
func nodeEnv(t *testing.T) (string, []*receipts.Receipt, *bank.Bank) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("JOURNAL", "file")
	t.Setenv("MASTER_SEED", hex.EncodeToString(testSeed))
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("ARCHIVE_DIR", filepath.Join(dir, "archive"))
	t.Setenv("DATABASE_URL", "")

	ctx := context.Background()
	j, err := journal.OpenFile(filepath.Join(dir, "journal.jsonl"), nil)
	require.NoError(t, err)
	b, err := bank.New(ctx, bank.Options{
		Seed:    testSeed,
		Journal: j,
		Reserve: issuer.Config{ReserveCap: 100_000, MaxSingleMint: 10_000},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	for _, id := range []string{"alice", "bob"} {
		_, err := b.RegisterAgent(ctx, id)
		require.NoError(t, err)
	}
	_, err = b.Issuer.Mint(ctx, 5_000, "alice")
	require.NoError(t, err)
	bud, err := b.Budgets.CreateBudget(ctx, "alice", 1_000, 2_000, time.Hour)
	require.NoError(t, err)
	p, err := b.Budgets.IssuePermit(ctx, budget.PermitRequest{BudgetID: bud.ID, MaxAmount: 1_000, TTL: time.Hour})
	require.NoError(t, err)
	_, err = b.Pay(ctx, "i-1", "alice", p.ID, "bob", 400)
	require.NoError(t, err)

	rs, err := b.Receipts.Store().List(receipts.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	return dir, rs, b
}

func writeBundle(t *testing.T, dir string, rs []*receipts.Receipt) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := receipts.WriteBundle(&buf, rs)
	require.NoError(t, err)
	path := filepath.Join(dir, "bundle.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestRun_HelpAndVersion(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")
	assert.Contains(t, out, "verify")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_DefaultsToServe(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()
	var got []string
	startServer = func(args []string, _, _ io.Writer) int {
		got = args
		return 0
	}

	assert.Equal(t, 0, Run([]string{"openibank"}, io.Discard, io.Discard))
	assert.Nil(t, got)
	assert.Equal(t, 0, Run([]string{"openibank", "serve", "-x"}, io.Discard, io.Discard))
	assert.Equal(t, []string{"-x"}, got)
}

func TestDemo(t *testing.T) {
	code, out, errOut := run("demo")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "rejected at permit: CounterpartyMismatch")
	assert.Contains(t, out, "buyer confirmed, funds released")
	assert.Contains(t, out, "receipts verified")
}

func TestVerify(t *testing.T) {
	dir, rs, b := nodeEnv(t)
	bundle := writeBundle(t, dir, rs)

	code, out, errOut := run("verify", bundle)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "VERIFIED")

	code, _, _ = run("verify", "--key", b.NodePublicKey(), "--bundle", bundle)
	assert.Equal(t, 0, code)

	code, out, _ = run("verify", "--json", "--key", strings.Repeat("ab", 32), bundle)
	assert.Equal(t, 1, code)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Verified)
	assert.Equal(t, len(rs), report.Count)
	assert.Contains(t, report.Reason, "untrusted key")

	code, _, errOut = run("verify", filepath.Join(dir, "missing.jsonl"))
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Error")

	code, _, _ = run("verify")
	assert.Equal(t, 2, code)
}

func TestVerify_DetectsTampering(t *testing.T) {
	dir, rs, _ := nodeEnv(t)
	bundle := writeBundle(t, dir, rs)

	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"intent_id":"`, `"intent_id":"x`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(bundle, []byte(tampered), 0o600))

	code, out, _ := run("verify", bundle)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAILED")
}

func TestVerify_Manifest(t *testing.T) {
	dir, rs, b := nodeEnv(t)
	bundle := writeBundle(t, dir, rs)

	m, err := b.Receipts.Manifest(rs)
	require.NoError(t, err)
	mb, err := json.Marshal(m)
	require.NoError(t, err)
	manifest := filepath.Join(dir, "bundle.manifest.json")
	require.NoError(t, os.WriteFile(manifest, mb, 0o600))

	code, out, errOut := run("verify", "--json", "--manifest", manifest, bundle)
	require.Equal(t, 0, code, errOut)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, m.MerkleRoot, report.MerkleRoot)

	// A manifest over a different selection does not match.
	short := writeBundle(t, dir, rs[:1])
	code, _, _ = run("verify", "--manifest", manifest, short)
	assert.Equal(t, 1, code)
}

func TestExport(t *testing.T) {
	_, rs, b := nodeEnv(t)
	require.NoError(t, b.Close())

	code, out, errOut := run("export")
	require.Equal(t, 0, code, errOut)
	exported, err := receipts.ReadBundle(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, exported, len(rs))
	assert.NoError(t, receipts.VerifyChain(exported, rs[0].SignerPublicKey))

	code, out, _ = run("export", "--kind", string(receipts.KindPayment), "--account", "bob")
	require.Equal(t, 0, code)
	exported, err = receipts.ReadBundle(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, "i-1", exported[0].IntentID)
	assert.Equal(t, "account:alice", exported[0].Subject, "the recipient's history is found by account, chained by payer")
}

func TestExport_Archive(t *testing.T) {
	dir, rs, b := nodeEnv(t)
	require.NoError(t, b.Close())

	code, out, errOut := run("export", "--archive")
	require.Equal(t, 0, code, errOut)
	var res archive.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, len(rs), res.Manifest.Count)
	assert.True(t, strings.HasPrefix(res.BundleURI, "file://"+filepath.ToSlash(filepath.Join(dir, "archive"))), res.BundleURI)
	assert.True(t, strings.HasSuffix(res.ManifestURI, ".manifest.json"))
}

func TestSupply(t *testing.T) {
	_, _, b := nodeEnv(t)
	require.NoError(t, b.Close())

	code, out, errOut := run("supply")
	require.Equal(t, 0, code, errOut)
	var s issuer.Supply
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, issuer.Supply{TotalSupply: 5_000, ReserveCap: 100_000, Remaining: 95_000}, s)
}

func TestSupply_EmptyJournalStaysEmpty(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("JOURNAL", "file")
	t.Setenv("MASTER_SEED", hex.EncodeToString(testSeed))
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("DATABASE_URL", "")

	code, _, _ := run("supply")
	assert.Equal(t, 2, code)

	j, err := journal.OpenFile(filepath.Join(dir, "journal.jsonl"), nil)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	var n int
	require.NoError(t, j.Replay(context.Background(), func(*journal.Record) error { n++; return nil }))
	assert.Zero(t, n)
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")

	code, out, errOut := run("token", "--subject", "ops", "--role", "operator", "--ttl", "10m")
	require.Equal(t, 0, code, errOut)

	tm, err := identity.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	claims, err := tm.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, identity.RoleOperator, claims.Role)

	code, _, _ = run("token", "--subject", "ops", "--role", "root")
	assert.Equal(t, 2, code)
	code, _, _ = run("token")
	assert.Equal(t, 2, code)

	t.Setenv("JWT_SECRET", "")
	code, _, errOut = run("token", "--subject", "ops")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "JWT_SECRET")
}
