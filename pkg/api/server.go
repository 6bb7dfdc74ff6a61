package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/bank"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/observability"
)

// Options wire a Server. Bank and Tokens are required.
type Options struct {
	Bank          *bank.Bank
	Tokens        *identity.TokenManager
	Idempotency   IdempotencyStorer
	RateLimiter   *GlobalRateLimiter
	Observability *observability.Provider
	// Archiver enables POST /v1/receipts/archive.
	Archiver *archive.Archiver
	Logger   *slog.Logger
	Version  string
}

// Server is the HTTP surface of a node.
type Server struct {
	bank     *bank.Bank
	tokens   *identity.TokenManager
	schemas  *Schemas
	archiver *archive.Archiver
	obs      *observability.Provider
	logger   *slog.Logger
	version  string

	idem    IdempotencyStorer
	limiter *GlobalRateLimiter
}

func NewServer(opts Options) (*Server, error) {
	if opts.Bank == nil || opts.Tokens == nil {
		return nil, errors.New("api: bank and token manager are required")
	}
	schemas, err := LoadSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idem := opts.Idempotency
	if idem == nil {
		idem = NewIdempotencyStore(24 * time.Hour)
	}
	return &Server{
		bank:     opts.Bank,
		tokens:   opts.Tokens,
		schemas:  schemas,
		archiver: opts.Archiver,
		obs:      opts.Observability,
		logger:   logger.With("component", "api"),
		version:  opts.Version,
		idem:     idem,
		limiter:  opts.RateLimiter,
	}, nil
}

// Handler returns the routed handler with the middleware chain applied:
// request id, panic recovery, rate limiting, authentication, idempotency.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, Track(s.obs, s.logger, pattern, h))
	}
	operator := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, Track(s.obs, s.logger, pattern, RequireOperator(h)))
	}

	route("GET /health", s.handleHealth)

	operator("POST /v1/agents", s.handleRegisterAgent)
	route("GET /v1/agents/{id}", s.handleGetAgent)
	route("GET /v1/agents/{id}/balance", s.handleBalance)

	route("POST /v1/budgets", s.handleCreateBudget)
	route("GET /v1/budgets/{id}", s.handleGetBudget)
	route("POST /v1/permits", s.handleIssuePermit)
	route("GET /v1/permits/{id}", s.handleGetPermit)
	route("POST /v1/permits/{id}/revoke", s.handleRevokePermit)

	route("POST /v1/intents", s.handleSubmitIntent)
	route("GET /v1/intents/{id}", s.handleGetIntent)

	route("POST /v1/escrows", s.handleCreateEscrow)
	route("GET /v1/escrows/{id}", s.handleGetEscrow)
	route("POST /v1/escrows/{id}/{action}", s.handleEscrowAction)

	operator("POST /v1/issuer/mint", s.handleMint)
	operator("POST /v1/issuer/burn", s.handleBurn)
	operator("POST /v1/issuer/halt", s.handleHalt)
	operator("POST /v1/issuer/resume", s.handleResume)
	route("GET /v1/issuer/supply", s.handleSupply)

	route("POST /v1/receipts/verify", s.handleVerifyReceipt)
	route("GET /v1/receipts/export", s.handleExport)
	operator("POST /v1/receipts/archive", s.handleArchive)
	route("GET /v1/receipts/{id}", s.handleGetReceipt)

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.idem)(h)
	h = AuthMiddleware(s.tokens)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = RecoverMiddleware(h)
	return RequestIDMiddleware(h)
}
