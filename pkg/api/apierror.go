// Package api exposes the service's HTTP surface: handlers for every
// /v1 endpoint, the {kind, message, retriable} error envelope, and the
// shared middleware (auth, per-IP rate limiting, idempotency).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fareline/ticketing/pkg/contracts"
)

// errorEnvelope is the wire shape of every error response: the closed
// taxonomy kind, a human-readable message, and whether the caller may
// safely retry. retriable is derived from kind, never set independently,
// so double_spend and rate_limit_exceeded always come back false.
type errorEnvelope struct {
	Error struct {
		Kind      contracts.ErrorKind `json:"kind"`
		Message   string              `json:"message"`
		Retriable bool                `json:"retriable"`
	} `json:"error"`
}

// statusForKind maps the closed error taxonomy onto HTTP status codes.
func statusForKind(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.ErrBadRequest, contracts.ErrInvalidTicketKind, contracts.ErrValidityOutOfRange:
		return http.StatusBadRequest
	case contracts.ErrUnauthorised:
		return http.StatusUnauthorized
	case contracts.ErrReceiptUnverified, contracts.ErrReceiptAlreadyUsed, contracts.ErrUnknownKey,
		contracts.ErrKeyRevoked, contracts.ErrBadSignature, contracts.ErrExpired,
		contracts.ErrNotYetValid, contracts.ErrRevoked, contracts.ErrDoubleSpend,
		contracts.ErrNoActiveSigningKey:
		return http.StatusUnprocessableEntity
	case contracts.ErrRateLimitExceeded, contracts.ErrRateLimited:
		return http.StatusTooManyRequests
	case contracts.ErrHSMUnavailable, contracts.ErrLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteTicketError writes a *contracts.Error in the {kind, message,
// retriable} envelope, choosing the HTTP status from the taxonomy.
func WriteTicketError(w http.ResponseWriter, err *contracts.Error) {
	status := statusForKind(err.Kind)
	var env errorEnvelope
	env.Error.Kind = err.Kind
	env.Error.Message = err.Message
	env.Error.Retriable = err.Kind.Retriable()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteBadRequest writes a bad_request error.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteTicketError(w, contracts.NewError(contracts.ErrBadRequest, message))
}

// WriteUnauthorized writes an unauthorised error; satisfies auth.ErrorWriter.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteTicketError(w, contracts.NewError(contracts.ErrUnauthorised, message))
}

// WriteMethodNotAllowed writes a bad_request error for an unsupported verb.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteTicketError(w, contracts.NewError(contracts.ErrBadRequest, "method not allowed"))
}

// WriteTooManyRequests writes a rate_limited error with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteTicketError(w, contracts.NewError(contracts.ErrRateLimited, "rate limit exceeded"))
}

// WriteInternal logs err and writes a generic internal error, never
// leaking err.Error() text to the client body.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteTicketError(w, contracts.NewError(contracts.ErrInternal, "an unexpected error occurred"))
}
