// Package fault defines the caller-visible error taxonomy of the payments core.
//
// Every rejection produced by the ledger, the permit engine, the commitment gate,
// the escrow engine or the issuer carries exactly one Kind. Kinds other than
// Unavailable are recoverable and guarantee that no state was mutated.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	ValidationError        Kind = "ValidationError"
	Unauthorized           Kind = "Unauthorized"
	InsufficientFunds      Kind = "InsufficientFunds"
	PermitExpired          Kind = "PermitExpired"
	PermitExhausted        Kind = "PermitExhausted"
	PermitRevoked          Kind = "PermitRevoked"
	CounterpartyMismatch   Kind = "CounterpartyMismatch"
	BudgetExceeded         Kind = "BudgetExceeded"
	DeadlinePassed         Kind = "DeadlinePassed"
	ReserveCapExceeded     Kind = "ReserveCapExceeded"
	MintLimitExceeded      Kind = "MintLimitExceeded"
	BurnLimitExceeded      Kind = "BurnLimitExceeded"
	IssuerHalted           Kind = "IssuerHalted"
	InvalidStateTransition Kind = "InvalidStateTransition"
	SignatureInvalid       Kind = "SignatureInvalid"
	PolicyDenied           Kind = "PolicyDenied"
	InvariantViolation     Kind = "InvariantViolation"
	NotFound               Kind = "NotFound"
	Conflict               Kind = "Conflict"

	// Unavailable marks an infrastructure failure (journal write, policy store).
	// The operation was not applied and may be retried with the same intent id.
	Unavailable Kind = "Unavailable"
)

// Retryable reports whether a caller may resubmit the same request unchanged.
func (k Kind) Retryable() bool {
	return k == Unavailable
}

// Error is a taxonomy error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels can be
// used with errors.Is regardless of message or operation.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first taxonomy error in err's chain.
// Errors outside the taxonomy are reported as Unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unavailable
}

// Sentinels for errors.Is.
var (
	ErrValidation             = &Error{Kind: ValidationError}
	ErrUnauthorized           = &Error{Kind: Unauthorized}
	ErrInsufficientFunds      = &Error{Kind: InsufficientFunds}
	ErrPermitExpired          = &Error{Kind: PermitExpired}
	ErrPermitExhausted        = &Error{Kind: PermitExhausted}
	ErrPermitRevoked          = &Error{Kind: PermitRevoked}
	ErrCounterpartyMismatch   = &Error{Kind: CounterpartyMismatch}
	ErrBudgetExceeded         = &Error{Kind: BudgetExceeded}
	ErrDeadlinePassed         = &Error{Kind: DeadlinePassed}
	ErrReserveCapExceeded     = &Error{Kind: ReserveCapExceeded}
	ErrMintLimitExceeded      = &Error{Kind: MintLimitExceeded}
	ErrBurnLimitExceeded      = &Error{Kind: BurnLimitExceeded}
	ErrIssuerHalted           = &Error{Kind: IssuerHalted}
	ErrInvalidStateTransition = &Error{Kind: InvalidStateTransition}
	ErrSignatureInvalid       = &Error{Kind: SignatureInvalid}
	ErrPolicyDenied           = &Error{Kind: PolicyDenied}
	ErrInvariantViolation     = &Error{Kind: InvariantViolation}
	ErrNotFound               = &Error{Kind: NotFound}
	ErrConflict               = &Error{Kind: Conflict}
	ErrUnavailable            = &Error{Kind: Unavailable}
)
