// Package api serves the payments core over HTTP. Errors are RFC 7807
// problem documents carrying the taxonomy kind of the failure.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/openibank/openibank-sub001/pkg/gate"
)

const problemBase = "https://openibank.dev/problems/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string     `json:"type"`
	Title    string     `json:"title"`
	Status   int        `json:"status"`
	Detail   string     `json:"detail,omitempty"`
	Instance string     `json:"instance,omitempty"`
	TraceID  string     `json:"trace_id,omitempty"`
	Kind     fault.Kind `json:"kind,omitempty"`
	// Stage is the gate pipeline stage that rejected an intent.
	Stage     gate.Stage `json:"stage,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

var kindStatus = map[fault.Kind]int{
	fault.ValidationError:        http.StatusBadRequest,
	fault.Unauthorized:           http.StatusForbidden,
	fault.PolicyDenied:           http.StatusForbidden,
	fault.NotFound:               http.StatusNotFound,
	fault.Conflict:               http.StatusConflict,
	fault.InvalidStateTransition: http.StatusConflict,
	fault.InsufficientFunds:      http.StatusUnprocessableEntity,
	fault.PermitExpired:          http.StatusUnprocessableEntity,
	fault.PermitExhausted:        http.StatusUnprocessableEntity,
	fault.PermitRevoked:          http.StatusUnprocessableEntity,
	fault.CounterpartyMismatch:   http.StatusUnprocessableEntity,
	fault.BudgetExceeded:         http.StatusUnprocessableEntity,
	fault.DeadlinePassed:         http.StatusUnprocessableEntity,
	fault.ReserveCapExceeded:     http.StatusUnprocessableEntity,
	fault.MintLimitExceeded:      http.StatusUnprocessableEntity,
	fault.BurnLimitExceeded:      http.StatusUnprocessableEntity,
	fault.SignatureInvalid:       http.StatusUnprocessableEntity,
	fault.IssuerHalted:           http.StatusLocked,
	fault.InvariantViolation:     http.StatusInternalServerError,
	fault.Unavailable:            http.StatusServiceUnavailable,
}

// StatusFor maps a taxonomy kind to its HTTP status.
func StatusFor(k fault.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemBase + strconv.Itoa(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with the request path
// and the request id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemBase + strconv.Itoa(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  RequestID(r.Context()),
	})
}

// WriteFault renders a core error. Infrastructure and invariant failures
// are logged and their detail withheld from the client.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := StatusFor(kind)
	p := &ProblemDetail{
		Type:      problemBase + string(kind),
		Title:     string(kind),
		Status:    status,
		Detail:    err.Error(),
		Instance:  r.URL.Path,
		TraceID:   RequestID(r.Context()),
		Kind:      kind,
		Retryable: kind.Retryable(),
	}
	var rej *gate.Rejection
	if errors.As(err, &rej) {
		p.Stage = rej.Stage
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "kind", kind, "error", err, "request_id", p.TraceID)
		p.Detail = "The operation was not applied. Retry with the same intent id."
		if kind == fault.InvariantViolation {
			p.Detail = "An internal consistency check failed."
		}
	}
	writeProblem(w, p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemBase + string(fault.ValidationError),
		Title:    string(fault.ValidationError),
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  RequestID(r.Context()),
		Kind:     fault.ValidationError,
	})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="openibank"`)
	WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteErrorR(w, r, http.StatusForbidden, "Forbidden", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteErrorR(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "request_id", RequestID(r.Context()))
	WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
