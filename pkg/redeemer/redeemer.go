// Package redeemer implements the Redeemer component: online ticket
// validation. It verifies a presented signature against its claimed
// metadata, checks validity bounds and revocation, and enforces the
// single-spend / day-pass rate limit via the Ledger's atomic TrySpend.
package redeemer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/crypto"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/observability"
)

// Decision is the outcome reported to the validator device.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// RedeemRequest is the full POST /redeem request body, including the
// claimed metadata the presented signature must cover exactly (binding
// every field stops an adversary from replaying a valid signature under
// forged validity bounds or a forged ticket kind).
type RedeemRequest struct {
	TicketID          string
	Signature         string // base64, EncodeSignature's output
	KeyID             string
	ValidatorID       string
	ObservedAt        time.Time
	ClaimedKind       contracts.TicketKind
	ClaimedValidFrom  time.Time
	ClaimedValidUntil time.Time
}

// RedeemResult is the full POST /redeem response body.
type RedeemResult struct {
	Decision Decision
	Reason   contracts.ErrorKind
}

// KeyLookup abstracts the Key Registry for tests.
type KeyLookup interface {
	Verifier(keyID string) (contracts.IssuerKey, error)
}

// Redeemer is the Redeemer component.
type Redeemer struct {
	keys           KeyLookup
	ledger         ledger.Ledger
	auditLog       audit.Log
	obs            *observability.Provider
	clockSkew      time.Duration
	dayPassMax     int
}

func New(keys KeyLookup, led ledger.Ledger, auditLog audit.Log, clockSkew time.Duration, dayPassMax int) *Redeemer {
	return &Redeemer{keys: keys, ledger: led, auditLog: auditLog, clockSkew: clockSkew, dayPassMax: dayPassMax}
}

// WithObservability attaches tracing and RED metrics to Redeem.
func (r *Redeemer) WithObservability(obs *observability.Provider) *Redeemer {
	r.obs = obs
	return r
}

// Redeem runs the full online-validation algorithm from the design and
// returns a decision a validator device can act on immediately. Outside the
// in-process key lookup it calls only the Ledger (IsRevoked, then TrySpend)
// and the audit log.
func (r *Redeemer) Redeem(ctx context.Context, req RedeemRequest) (result RedeemResult, err error) {
	if r.obs != nil {
		var done func(error)
		ctx, done = r.obs.TrackOperation(ctx, "redeemer.Redeem", attribute.String("ticket_kind", string(req.ClaimedKind)))
		defer func() { done(err) }()
	}

	ticketHash := crypto.TicketHash(req.TicketID)

	revoked, err := r.ledger.IsRevoked(ctx, ticketHash)
	if err != nil {
		return RedeemResult{}, r.fail(ctx, ticketHash, req, contracts.ErrLedgerUnavailable, err)
	}
	if revoked {
		return r.reject(ctx, ticketHash, req, contracts.ErrRevoked, nil)
	}

	key, err := r.keys.Verifier(req.KeyID)
	if err != nil {
		kind := contracts.ErrUnknownKey
		if de, ok := err.(*contracts.Error); ok {
			kind = de.Kind
		}
		return r.reject(ctx, ticketHash, req, kind, err)
	}

	pub, err := crypto.ParsePublicKeyPEM(key.PublicKeyPEM)
	if err != nil {
		return RedeemResult{}, r.fail(ctx, ticketHash, req, contracts.ErrInternal, err)
	}

	meta := contracts.TicketMetadata{
		TicketID:   req.TicketID,
		KeyID:      req.KeyID,
		TicketKind: req.ClaimedKind,
		ValidFrom:  req.ClaimedValidFrom,
		ValidUntil: req.ClaimedValidUntil,
	}
	ok, err := crypto.VerifyTicket(pub, meta, req.Signature)
	if err != nil || !ok {
		return r.reject(ctx, ticketHash, req, contracts.ErrBadSignature, err)
	}

	earliestAllowed := req.ClaimedValidFrom.Add(-r.clockSkew)
	latestAllowed := req.ClaimedValidUntil.Add(r.clockSkew)
	if req.ObservedAt.Before(earliestAllowed) {
		return r.reject(ctx, ticketHash, req, contracts.ErrNotYetValid, nil)
	}
	if req.ObservedAt.After(latestAllowed) {
		return r.reject(ctx, ticketHash, req, contracts.ErrExpired, nil)
	}

	result, err := r.ledger.TrySpend(ctx, ticketHash, req.ClaimedKind, req.ValidatorID, req.ObservedAt, r.dayPassMax)
	if err != nil {
		return RedeemResult{}, r.fail(ctx, ticketHash, req, contracts.ErrLedgerUnavailable, err)
	}

	switch result.Outcome {
	case ledger.SpendAccepted:
		return r.accept(ctx, ticketHash, req)
	case ledger.SpendDoubleSpend:
		return r.reject(ctx, ticketHash, req, contracts.ErrDoubleSpend, nil)
	case ledger.SpendRateLimited:
		return r.reject(ctx, ticketHash, req, contracts.ErrRateLimitExceeded, nil)
	default:
		return RedeemResult{}, fmt.Errorf("redeemer: unexpected spend outcome %q", result.Outcome)
	}
}

func (r *Redeemer) accept(ctx context.Context, ticketHash string, req RedeemRequest) (RedeemResult, error) {
	r.audit(ctx, ticketHash, req, "accepted", "")
	return RedeemResult{Decision: DecisionAccepted}, nil
}

func (r *Redeemer) reject(ctx context.Context, ticketHash string, req RedeemRequest, kind contracts.ErrorKind, cause error) (RedeemResult, error) {
	r.audit(ctx, ticketHash, req, "rejected", kind)
	return RedeemResult{Decision: DecisionRejected, Reason: kind}, nil
}

// fail reports an infrastructure failure (ledger/internal) as a Go error
// rather than a decision, so API middleware can translate it to a 5xx
// instead of a validator-facing rejection.
func (r *Redeemer) fail(ctx context.Context, ticketHash string, req RedeemRequest, kind contracts.ErrorKind, cause error) error {
	r.audit(ctx, ticketHash, req, "error", kind)
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return contracts.NewError(kind, msg)
}

func (r *Redeemer) audit(ctx context.Context, ticketHash string, req RedeemRequest, outcome string, reason contracts.ErrorKind) {
	meta := map[string]any{
		"validator_id": req.ValidatorID,
		"observed_at":  req.ObservedAt,
		"outcome":      outcome,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	_, _ = r.auditLog.Record(ctx, "redeemer", "redeem", ticketHash, meta)
}
