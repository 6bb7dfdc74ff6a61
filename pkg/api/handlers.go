package api

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/openibank/openibank-sub001/pkg/budget"
	"github.com/openibank/openibank-sub001/pkg/escrow"
	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/receipts"
)

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// decode validates the body against schema into dst, answering 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	if err := s.schemas.Decode(r, schema, dst); err != nil {
		WriteBadRequest(w, r, err.Error())
		return false
	}
	return true
}

func parseDuration(op, field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fault.New(fault.ValidationError, op, "%s must be a positive duration such as 24h", field)
	}
	return d, nil
}

// notVisible hides records the caller is not a party to.
func notVisible(op, id string) error {
	return fault.New(fault.NotFound, op, "%s", id)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	NodePublicKey string `json:"node_public_key"`
	LedgerSeq     uint64 `json:"ledger_seq"`
	Detail        string `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		NodePublicKey: s.bank.NodePublicKey(),
		LedgerSeq:     s.bank.Ledger.Seq(),
	}
	status := http.StatusOK
	if err := s.bank.CheckSupply(); err != nil {
		s.logger.ErrorContext(r.Context(), "supply check failed", "error", err)
		resp.Status, resp.Detail = "degraded", "supply check failed"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type registerAgentRequest struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !s.decode(w, r, "register_agent", &req) {
		return
	}
	var (
		a   *identity.AgentIdentity
		err error
	)
	if req.PublicKey != "" {
		a, err = s.bank.RegisterExternalAgent(r.Context(), req.ID, req.PublicKey)
	} else {
		a, err = s.bank.RegisterAgent(r.Context(), req.ID)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.bank.Registry.Lookup(r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type balanceResponse struct {
	Owner     string `json:"owner"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !principal(r).CanAct(id) {
		WriteFault(w, r, fault.New(fault.Unauthorized, "api.balance", "%s cannot read the balance of %s", principal(r).Subject, id))
		return
	}
	bal, err := s.bank.Ledger.Balance(id)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: id, Available: bal.Available, Locked: bal.Locked})
}

type createBudgetRequest struct {
	MaxSingle    int64  `json:"max_single"`
	MaxPeriod    int64  `json:"max_period"`
	PeriodWindow string `json:"period_window"`
}

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if !s.decode(w, r, "create_budget", &req) {
		return
	}
	window, err := parseDuration("budget.create", "period_window", req.PeriodWindow)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	b, err := s.bank.Budgets.CreateBudget(r.Context(), principal(r).Subject, req.MaxSingle, req.MaxPeriod, window)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

type budgetResponse struct {
	*budget.Budget
	Usage budget.Usage `json:"usage"`
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.bank.Budgets.GetBudget(id)
	if err == nil && !principal(r).CanAct(b.OwnerID) {
		err = notVisible("budget.get", id)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	usage, err := s.bank.Budgets.Usage(id, s.bank.Now())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{Budget: b, Usage: usage})
}

type issuePermitRequest struct {
	BudgetID     string `json:"budget_id"`
	Counterparty string `json:"counterparty"`
	MaxAmount    int64  `json:"max_amount"`
	TTL          string `json:"ttl"`
}

func (s *Server) handleIssuePermit(w http.ResponseWriter, r *http.Request) {
	var req issuePermitRequest
	if !s.decode(w, r, "issue_permit", &req) {
		return
	}
	ttl, err := parseDuration("permit.issue", "ttl", req.TTL)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	p, err := s.bank.Budgets.IssuePermit(r.Context(), budget.PermitRequest{
		BudgetID:     req.BudgetID,
		Counterparty: req.Counterparty,
		MaxAmount:    req.MaxAmount,
		TTL:          ttl,
		RequestedBy:  principal(r).Subject,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPermit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.bank.Budgets.Get(id)
	if err == nil {
		caller := principal(r)
		if !caller.CanAct(p.Issuer) && caller.Subject != p.Counterparty {
			err = notVisible("permit.get", id)
		}
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRevokePermit(w http.ResponseWriter, r *http.Request) {
	p, err := s.bank.RevokePermit(r.Context(), r.PathValue("id"), principal(r).Subject)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type submitIntentRequest struct {
	IntentID  string    `json:"intent_id"`
	PermitID  string    `json:"permit_id"`
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	Signature string    `json:"signature"`
}

// handleSubmitIntent pays from the caller's account. A signed intent is
// submitted as is; an unsigned one is signed with the caller's custodial
// key. Without an intent id the Idempotency-Key names the intent, so a
// retried request cannot pay twice.
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req submitIntentRequest
	if !s.decode(w, r, "submit_intent", &req) {
		return
	}
	payer := principal(r).Subject

	var (
		rcpt *receipts.Receipt
		err  error
	)
	if req.Signature != "" {
		rcpt, err = s.bank.Gate.Submit(r.Context(), gate.PaymentIntent{
			IntentID:  req.IntentID,
			PermitID:  req.PermitID,
			Payer:     payer,
			Amount:    req.Amount,
			Recipient: req.Recipient,
			CreatedAt: req.CreatedAt,
			Signature: req.Signature,
		})
	} else {
		id := req.IntentID
		if id == "" {
			if key := r.Header.Get("Idempotency-Key"); key != "" {
				id = payer + ":" + key
			}
		}
		rcpt, err = s.bank.Pay(r.Context(), id, payer, req.PermitID, req.Recipient, req.Amount)
	}
	if err == nil && !s.canSee(r, rcpt) {
		err = fault.New(fault.Conflict, "intent.submit", "intent %s is already committed", rcpt.IntentID)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rcpt, err := s.bank.Gate.Lookup(id)
	if err == nil && !s.canSee(r, rcpt) {
		err = notVisible("intent.get", id)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

type createEscrowRequest struct {
	Seller                string    `json:"seller"`
	Arbiter               string    `json:"arbiter"`
	Amount                int64     `json:"amount"`
	Conditions            []string  `json:"conditions"`
	Deadline              time.Time `json:"deadline"`
	AutoReleaseOnDeadline bool      `json:"auto_release_on_deadline"`
	RefundOnTimeout       bool      `json:"refund_on_timeout"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if !s.decode(w, r, "create_escrow", &req) {
		return
	}
	esc, err := s.bank.Escrow.Create(r.Context(), escrow.Spec{
		Buyer:                 principal(r).Subject,
		Seller:                req.Seller,
		Arbiter:               req.Arbiter,
		Amount:                req.Amount,
		Conditions:            req.Conditions,
		Deadline:              req.Deadline,
		AutoReleaseOnDeadline: req.AutoReleaseOnDeadline,
		RefundOnTimeout:       req.RefundOnTimeout,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	esc, err := s.bank.Escrow.Get(id)
	if err == nil {
		caller := principal(r)
		if !caller.Operator() && !slices.Contains([]string{esc.Buyer, esc.Seller, esc.Arbiter}, caller.Subject) {
			err = notVisible("escrow.get", id)
		}
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type escrowActionRequest struct {
	Proof  string        `json:"proof"`
	Reason string        `json:"reason"`
	Ruling escrow.Ruling `json:"ruling"`
}

// handleEscrowAction drives one lifecycle transition. The escrow engine
// checks that the caller holds the role the action needs.
func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request) {
	var req escrowActionRequest
	if !s.decode(w, r, "escrow_action", &req) {
		return
	}
	ctx, id, by := r.Context(), r.PathValue("id"), principal(r).Subject

	var (
		rcpt *receipts.Receipt
		err  error
	)
	switch action := r.PathValue("action"); action {
	case "fund":
		rcpt, err = s.bank.Escrow.Fund(ctx, id, by)
	case "deliver":
		rcpt, err = s.bank.Escrow.Deliver(ctx, id, req.Proof, by)
	case "confirm":
		rcpt, err = s.bank.Escrow.Confirm(ctx, id, by)
	case "dispute":
		rcpt, err = s.bank.Escrow.Dispute(ctx, id, req.Reason, by)
	case "resolve":
		rcpt, err = s.bank.Escrow.Resolve(ctx, id, req.Ruling, by)
	default:
		err = fault.New(fault.NotFound, "escrow.action", "unknown escrow action %q", action)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

type supplyChangeRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req supplyChangeRequest
	if !s.decode(w, r, "supply_change", &req) {
		return
	}
	rcpt, err := s.bank.Issuer.Mint(r.Context(), req.Amount, req.Account)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req supplyChangeRequest
	if !s.decode(w, r, "supply_change", &req) {
		return
	}
	rcpt, err := s.bank.Issuer.Burn(r.Context(), req.Amount, req.Account)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, "issuer_halt", &req) {
		return
	}
	if err := s.bank.Issuer.Halt(r.Context(), req.Reason); err != nil {
		WriteFault(w, r, err)
		return
	}
	s.handleSupply(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.bank.Issuer.Resume(r.Context()); err != nil {
		WriteFault(w, r, err)
		return
	}
	s.handleSupply(w, r)
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.bank.Issuer.Supply()
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var rcpt receipts.Receipt
	if !s.decode(w, r, "verify_receipt", &rcpt) {
		return
	}
	writeJSON(w, http.StatusOK, s.bank.Receipts.Verify(r.Context(), &rcpt))
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rcpt, err := s.bank.Receipts.Store().Get(id)
	if err == nil && !s.canSee(r, rcpt) {
		err = notVisible("receipt.get", id)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// filterFrom reads a receipt filter from the query. Agents only ever see
// receipts that touch their own account.
func filterFrom(r *http.Request) (receipts.Filter, error) {
	q := r.URL.Query()
	f := receipts.Filter{
		Subject:  q.Get("subject"),
		Account:  q.Get("account"),
		Kind:     receipts.Kind(q.Get("kind")),
		IntentID: q.Get("intent_id"),
	}
	if v := q.Get("from_seq"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, fault.New(fault.ValidationError, "receipts.filter", "from_seq must be a non-negative integer")
		}
		f.FromSeq = seq
	}
	if p := principal(r); !p.Operator() {
		f.Account = p.Subject
	}
	return f, nil
}

// handleExport streams matching receipts as JSON lines in log order, or
// with manifest=true returns the signed manifest over them.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	rs, err := s.bank.Receipts.Store().List(f)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if r.URL.Query().Get("manifest") == "true" {
		m, err := s.bank.Receipts.Manifest(rs)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Receipt-Count", strconv.Itoa(len(rs)))
	if _, err := receipts.WriteBundle(w, rs); err != nil {
		s.logger.ErrorContext(r.Context(), "export interrupted", "error", err)
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "no archive sink is configured")
		return
	}
	f, err := filterFrom(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	res, err := s.archiver.Archive(r.Context(), f)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) canSee(r *http.Request, rcpt *receipts.Receipt) bool {
	p := principal(r)
	return p.Operator() || slices.Contains(rcpt.Accounts, p.Subject)
}
