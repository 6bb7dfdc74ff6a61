// Package gate is the commitment boundary: the only path by which a
// proposal becomes a change to balances, permits, escrows or the reserve.
//
// Every submission runs the same pipeline under a sorted set of per-key
// locks (intent, accounts, permit, receipt subject). Validation stages
// only stage changes. The journal append is the commit point: if it fails
// nothing is applied, if it succeeds every staged change is applied before
// the locks are released.
package gate

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/journal"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/lockset"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

const instrumentation = "github.com/openibank/openibank-sub001/pkg/gate"

// Deps are the collaborators a gate coordinates.
type Deps struct {
	Ledger    *ledger.Ledger
	Permits   *budget.Engine
	Receipts  *receipts.Engine
	Journal   journal.Appender
	Directory identity.Directory
	// Policy is the stage-four hook. Nil allows everything.
	Policy policy.Policy
	Logger *slog.Logger
}

// Gate validates and applies intents atomically.
type Gate struct {
	ledger   *ledger.Ledger
	permits  *budget.Engine
	receipts *receipts.Engine
	journal  journal.Appender
	dir      identity.Directory
	policy   policy.Policy
	logger   *slog.Logger
	locks    *lockset.Set
	clock    func() time.Time

	tracer     trace.Tracer
	commits    metric.Int64Counter
	rejections metric.Int64Counter
	latency    metric.Float64Histogram

	mu   sync.RWMutex
	done map[string]*receipts.Receipt
}

func New(d Deps) *Gate {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pol := d.Policy
	if pol == nil {
		pol = policy.AllowAll
	}
	g := &Gate{
		ledger:   d.Ledger,
		permits:  d.Permits,
		receipts: d.Receipts,
		journal:  d.Journal,
		dir:      d.Directory,
		policy:   pol,
		logger:   logger.With("component", "gate"),
		locks:    lockset.New(),
		clock:    time.Now,
		tracer:   otel.Tracer(instrumentation),
		done:     make(map[string]*receipts.Receipt),
	}

	meter := otel.Meter(instrumentation)
	var err error
	if g.commits, err = meter.Int64Counter("openibank.gate.commits",
		metric.WithDescription("Committed intents by operation kind")); err != nil {
		g.logger.Warn("commit counter unavailable", "error", err)
	}
	if g.rejections, err = meter.Int64Counter("openibank.gate.rejections",
		metric.WithDescription("Rejected intents by error kind and stage")); err != nil {
		g.logger.Warn("rejection counter unavailable", "error", err)
	}
	if g.latency, err = meter.Float64Histogram("openibank.gate.duration",
		metric.WithUnit("ms"), metric.WithDescription("Pipeline duration")); err != nil {
		g.logger.Warn("latency histogram unavailable", "error", err)
	}
	return g
}

// WithClock overrides the validation clock. Deadlines and expiries are
// checked against it under the locks, never at submission time.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Acquire takes serialization keys outside a pipeline, for operations that
// must not interleave with one (permit revocation, issuer halt).
func (g *Gate) Acquire(keys ...string) (release func()) {
	return g.locks.Acquire(keys...)
}

// Lookup returns the receipt committed for intentID.
func (g *Gate) Lookup(intentID string) (*receipts.Receipt, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.done[intentID]
	if !ok {
		return nil, fault.New(fault.NotFound, "gate.lookup", "no committed intent %s", intentID)
	}
	return r.Clone(), nil
}

// Remember records a committed intent during journal replay.
func (g *Gate) Remember(intentID string, r *receipts.Receipt) {
	if intentID == "" || r == nil {
		return
	}
	g.mu.Lock()
	g.done[intentID] = r
	g.mu.Unlock()
}

// committed returns the receipt already issued for intentID, or nil. An
// intent id names one operation: a resubmission of a different kind or on
// another subject is a Conflict, never a replay of someone else's receipt.
func (g *Gate) committed(intentID string, kind receipts.Kind, subject string) (*receipts.Receipt, error) {
	g.mu.RLock()
	r, ok := g.done[intentID]
	g.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if r.Kind != kind || r.Subject != subject {
		return nil, fault.New(fault.Conflict, "gate.declare", "intent %s is already committed for another operation", intentID)
	}
	return r.Clone(), nil
}

// ReservedIntentPrefixes are the intent id namespaces the node derives for
// its own actions. Payment intents may not use them.
var ReservedIntentPrefixes = []string{"escrow:", "issuer:"}

func reservedIntent(id string) bool {
	for _, p := range ReservedIntentPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

func stageOf(err error) Stage {
	if err != nil {
		return StageDeclaration
	}
	return ""
}

// AccountKey is the serialization key for a ledger account.
func AccountKey(owner string) string { return "account:" + owner }

func intentKey(id string) string { return "intent:" + id }

// plan is a fully validated operation waiting for the journal.
type plan struct {
	intentID    string
	kind        receipts.Kind
	batch       *ledger.Batch
	spend       *budget.Spend
	participant Participant
	receipt     *receipts.Receipt
}

// Submit runs a payment intent through the pipeline.
func (g *Gate) Submit(ctx context.Context, in PaymentIntent) (*receipts.Receipt, error) {
	start := g.clock()
	ctx, span := g.tracer.Start(ctx, "gate.Submit", trace.WithAttributes(
		attribute.String("intent.id", in.IntentID),
		attribute.Int64("intent.amount", in.Amount),
	))
	defer span.End()

	r, stage, err := g.submit(ctx, in)
	return g.finish(ctx, span, start, receipts.KindPayment, in.IntentID, r, stage, err)
}

func (g *Gate) submit(ctx context.Context, in PaymentIntent) (*receipts.Receipt, Stage, error) {
	const op = "gate.declare"
	switch {
	case in.IntentID == "":
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "intent_id is required")
	case reservedIntent(in.IntentID):
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "intent_id %q uses a reserved prefix", in.IntentID)
	}
	claimed := in.Payer
	if claimed == "" {
		if p, err := g.permits.Get(in.PermitID); err == nil {
			claimed = p.Issuer
		}
	}
	if r, err := g.committed(in.IntentID, receipts.KindPayment, AccountKey(claimed)); r != nil || err != nil {
		return r, stageOf(err), err
	}

	// Declaration.
	switch {
	case in.Amount <= 0:
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "amount must be positive")
	case in.Recipient == "" || !g.ledger.HasAccount(in.Recipient):
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "unknown recipient %q", in.Recipient)
	}
	permit, err := g.permits.Get(in.PermitID)
	if err != nil {
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "permit %q does not resolve", in.PermitID)
	}
	payer := permit.Issuer
	if in.Payer != "" && in.Payer != payer {
		return nil, StageIdentity, fault.New(fault.Unauthorized, "gate.identity", "%s cannot spend permit of %s", in.Payer, payer)
	}
	if payer == in.Recipient {
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "payer and recipient are the same account")
	}

	// A caller may withdraw an intent until it is admitted.
	if err := ctx.Err(); err != nil {
		return nil, StageDeclaration, fault.Wrap(fault.Unavailable, op, err)
	}
	release := g.locks.Acquire(intentKey(in.IntentID), AccountKey(payer), AccountKey(in.Recipient), budget.LockKey(in.PermitID))
	defer release()
	if r, err := g.committed(in.IntentID, receipts.KindPayment, AccountKey(payer)); r != nil || err != nil {
		return r, stageOf(err), err
	}
	now := g.clock()

	// Identity binding.
	msg, err := in.SigningBytes()
	if err != nil {
		return nil, StageIdentity, fault.Wrap(fault.ValidationError, "gate.identity", err)
	}
	if err := g.dir.Verify(payer, msg, in.Signature); err != nil {
		return nil, StageIdentity, err
	}

	// Permit.
	spend, err := g.permits.Authorize(in.PermitID, in.Recipient, in.Amount, now)
	if err != nil {
		return nil, StagePermit, err
	}

	// Policy.
	if stage, err := g.screen(ctx, policy.Context{
		IntentID:  in.IntentID,
		Kind:      string(receipts.KindPayment),
		Payer:     payer,
		Recipient: in.Recipient,
		Amount:    in.Amount,
		PermitID:  in.PermitID,
		At:        now,
	}); err != nil {
		return nil, stage, err
	}

	// Ledger.
	batch, err := g.ledger.Stage(ledger.TransferPair(payer, in.Recipient, in.Amount))
	if err != nil {
		return nil, StageLedger, err
	}

	r, err := g.receipts.Issue(receipts.Draft{
		Kind:      receipts.KindPayment,
		Subject:   AccountKey(payer),
		Accounts:  []string{payer, in.Recipient},
		IntentID:  in.IntentID,
		LedgerSeq: batch.Seq,
		Payload: PaymentPayload{
			IntentID:  in.IntentID,
			PermitID:  in.PermitID,
			Payer:     payer,
			Recipient: in.Recipient,
			Amount:    in.Amount,
			Remaining: spend.Remaining,
		},
	})
	if err != nil {
		return nil, StageReceipt, fault.Wrap(fault.Unavailable, "gate.receipt", err)
	}

	return g.commit(ctx, &plan{
		intentID: in.IntentID,
		kind:     receipts.KindPayment,
		batch:    batch,
		spend:    spend,
		receipt:  r,
	})
}

// Execute runs an escrow or issuer action through the pipeline.
func (g *Gate) Execute(ctx context.Context, a Action) (*receipts.Receipt, error) {
	start := g.clock()
	ctx, span := g.tracer.Start(ctx, "gate.Execute", trace.WithAttributes(
		attribute.String("intent.id", a.IntentID),
		attribute.String("operation.kind", string(a.Kind)),
		attribute.String("subject", a.Subject),
	))
	defer span.End()

	r, stage, err := g.execute(ctx, a)
	return g.finish(ctx, span, start, a.Kind, a.IntentID, r, stage, err)
}

func (g *Gate) execute(ctx context.Context, a Action) (*receipts.Receipt, Stage, error) {
	const op = "gate.declare"
	if a.IntentID == "" || a.Kind == "" || a.Subject == "" {
		return nil, StageDeclaration, fault.New(fault.ValidationError, op, "intent_id, kind and subject are required")
	}
	if r, err := g.committed(a.IntentID, a.Kind, a.Subject); r != nil || err != nil {
		return r, stageOf(err), err
	}
	if err := ctx.Err(); err != nil {
		return nil, StageDeclaration, fault.Wrap(fault.Unavailable, op, err)
	}

	keys := append([]string{intentKey(a.IntentID), a.Subject}, a.LockKeys...)
	if a.Posting != nil {
		for _, acct := range a.Posting.Accounts() {
			keys = append(keys, AccountKey(acct))
		}
	}
	release := g.locks.Acquire(keys...)
	defer release()
	if r, err := g.committed(a.IntentID, a.Kind, a.Subject); r != nil || err != nil {
		return r, stageOf(err), err
	}
	now := g.clock()

	if a.Participant != nil {
		if err := a.Participant.Prepare(now); err != nil {
			return nil, StageAction, err
		}
	}

	if a.Screen != nil {
		in := *a.Screen
		in.IntentID, in.Kind, in.At = a.IntentID, string(a.Kind), now
		if stage, err := g.screen(ctx, in); err != nil {
			return nil, stage, err
		}
	}

	var batch *ledger.Batch
	seq := g.ledger.Seq()
	if a.Posting != nil {
		var err error
		if batch, err = g.ledger.Stage(*a.Posting); err != nil {
			return nil, StageLedger, err
		}
		seq = batch.Seq
	}

	var accounts []string
	if a.Posting != nil {
		accounts = a.Posting.Accounts()
		sort.Strings(accounts)
	}
	r, err := g.receipts.Issue(receipts.Draft{
		Kind:      a.Kind,
		Subject:   a.Subject,
		Accounts:  accounts,
		IntentID:  a.IntentID,
		LedgerSeq: seq,
		Payload:   a.Payload,
	})
	if err != nil {
		return nil, StageReceipt, fault.Wrap(fault.Unavailable, "gate.receipt", err)
	}

	return g.commit(ctx, &plan{
		intentID:    a.IntentID,
		kind:        a.Kind,
		batch:       batch,
		participant: a.Participant,
		receipt:     r,
	})
}

func (g *Gate) screen(ctx context.Context, in policy.Context) (Stage, error) {
	d, err := g.policy.Evaluate(ctx, in)
	if err != nil {
		return StagePolicy, fault.Wrap(fault.Unavailable, "gate.policy", err)
	}
	if !d.Allow {
		return StagePolicy, fault.New(fault.PolicyDenied, "gate.policy", "%s", d.Reason)
	}
	return "", nil
}

// commit journals the plan and applies it. Once the journal accepted the
// record the operation is committed and cancellation no longer applies.
func (g *Gate) commit(ctx context.Context, p *plan) (*receipts.Receipt, Stage, error) {
	rec := &journal.Record{
		Type:     journal.TypeCommit,
		IntentID: p.intentID,
		At:       p.receipt.IssuedAt,
		Receipt:  p.receipt,
	}
	if p.batch != nil {
		rec.Entries = p.batch.Entries[:]
	}
	if p.spend != nil {
		if err := rec.SetState(budget.StateSpend, p.spend); err != nil {
			return nil, StageJournal, fault.Wrap(fault.Unavailable, "gate.journal", err)
		}
	}
	if p.participant != nil {
		name, state := p.participant.Snapshot()
		if err := rec.SetState(name, state); err != nil {
			return nil, StageJournal, fault.Wrap(fault.Unavailable, "gate.journal", err)
		}
	}

	if err := g.journal.Append(context.WithoutCancel(ctx), rec); err != nil {
		return nil, StageJournal, fault.Wrap(fault.Unavailable, "gate.journal", err)
	}

	// Past this point the record is durable; replay would reproduce every
	// step below, so a failure here is an invariant violation, not a rollback.
	var applyErr error
	if p.spend != nil {
		applyErr = g.permits.Commit(p.spend)
	}
	if p.participant != nil {
		p.participant.Commit()
	}
	if p.batch != nil && applyErr == nil {
		applyErr = g.ledger.Apply(p.batch)
	}
	if applyErr == nil {
		applyErr = g.receipts.Record(p.receipt)
	}
	if applyErr != nil {
		g.logger.Error("journaled intent failed to apply; restart to replay",
			"intent_id", p.intentID, "journal_seq", rec.Seq, "error", applyErr)
		return nil, StageApply, fault.Wrap(fault.InvariantViolation, "gate.apply", applyErr)
	}

	g.mu.Lock()
	g.done[p.intentID] = p.receipt
	g.mu.Unlock()
	return p.receipt.Clone(), "", nil
}

func (g *Gate) finish(ctx context.Context, span trace.Span, start time.Time, kind receipts.Kind, intentID string, r *receipts.Receipt, stage Stage, err error) (*receipts.Receipt, error) {
	elapsed := float64(g.clock().Sub(start).Microseconds()) / 1000
	if g.latency != nil {
		g.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("operation.kind", string(kind))))
	}
	if err != nil {
		rej := reject(intentID, stage, err)
		span.RecordError(rej)
		span.SetStatus(codes.Error, string(rej.Kind))
		if g.rejections != nil {
			g.rejections.Add(ctx, 1, metric.WithAttributes(
				attribute.String("error.kind", string(rej.Kind)),
				attribute.String("stage", string(rej.Stage)),
			))
		}
		level := slog.LevelInfo
		if rej.Kind == fault.Unavailable || rej.Kind == fault.InvariantViolation {
			level = slog.LevelError
		}
		g.logger.Log(ctx, level, "intent rejected",
			"intent_id", intentID, "operation_kind", kind, "stage", rej.Stage, "kind", rej.Kind, "reason", rej.Reason)
		return nil, rej
	}

	span.SetAttributes(attribute.String("receipt.id", r.ID), attribute.Int64("ledger.seq", int64(r.LedgerSeq)))
	if g.commits != nil {
		g.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("operation.kind", string(kind))))
	}
	g.logger.Debug("intent committed", "intent_id", intentID, "receipt_id", r.ID, "ledger_seq", r.LedgerSeq)
	return r, nil
}
