// Package ledger implements the Ledger component: the authoritative
// persistent store of receipts, issued-ticket slots, spent records,
// revocations, and the single-spend guarantee every redemption depends on.
package ledger

import (
	"context"
	"time"

	"github.com/fareline/ticketing/pkg/contracts"
)

// SpendOutcome reports what happened when a redemption tried to commit a
// SpentRecord.
type SpendOutcome string

const (
	// SpendAccepted means this call committed (or, for an idempotent
	// single-kind replay, already held) the authoritative first spend.
	SpendAccepted SpendOutcome = "accepted"
	// SpendDoubleSpend means a different validator or a different instant
	// already holds the single-kind ticket's spend.
	SpendDoubleSpend SpendOutcome = "double_spend"
	// SpendRateLimited means a dayPass ticket's redemption count exceeded
	// dayPassMaxRedemptions within its rolling window.
	SpendRateLimited SpendOutcome = "rate_limited"
)

// SpendResult is the full outcome of a TrySpend call, including the
// authoritative row so callers can report who actually won a race.
type SpendResult struct {
	Outcome SpendOutcome
	Record  contracts.SpentRecord
}

// ReconcileOutcome reports what the Reconciler's per-entry processing did
// to the authoritative SpentRecord.
type ReconcileOutcome string

const (
	// ReconcileConfirmed means this observation is (or already was) the
	// authoritative first spend; no conflict.
	ReconcileConfirmed ReconcileOutcome = "confirmed"
	// ReconcileLateDuplicate means a different, earlier-or-equal
	// observation already holds the record; this one is a fraud-flagged
	// late duplicate and the record is unchanged.
	ReconcileLateDuplicate ReconcileOutcome = "late_duplicate"
	// ReconcileSuperseded means this observation's observedAt predates
	// the previously-authoritative one, so it retroactively became first;
	// the previous winner is returned in Superseded.
	ReconcileSuperseded ReconcileOutcome = "superseded_duplicate"
)

// ReconcileResult is the full outcome of a Reconcile call.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	Record  contracts.SpentRecord
	// Superseded holds the record's previous contents when Outcome is
	// ReconcileSuperseded, so the caller can tag the fraud event with
	// both validatorIds and timestamps.
	Superseded *contracts.SpentRecord
	// LimitExceeded is set for dayPass entries whose merged count exceeds
	// maxRedemptions; it does not retroactively invalidate the record.
	LimitExceeded bool
}

// Ledger is the storage contract every component built on top of it
// (Issuer, Redeemer, Reconciler, Filter Publisher) depends on. Single-spend
// atomicity lives entirely inside TrySpend's implementation; callers never
// read-then-write around it.
type Ledger interface {
	// InsertReceipt creates a pending Receipt, failing on uniqueness
	// conflict of (paymentProvider, providerReceiptId).
	InsertReceipt(ctx context.Context, r contracts.Receipt) error

	// GetReceipt looks up a receipt by provider and provider receipt ID.
	GetReceipt(ctx context.Context, paymentProvider, providerReceiptID string) (contracts.Receipt, error)

	// ConsumeReceiptAndIssue atomically marks a pending receipt consumed
	// and writes its IssuedTicketSlot in one transaction, so a receipt can
	// never fund two issuances. Returns contracts.ErrReceiptAlreadyUsed if
	// the receipt is not in pending status.
	ConsumeReceiptAndIssue(ctx context.Context, receiptID string, slot contracts.IssuedTicketSlot) error

	// TrySpend attempts to commit ticketHash's redemption at observedAt by
	// validatorID. For TicketKindSingle this is a single atomic insert;
	// for TicketKindDayPass it is an atomic upsert-and-increment bounded by
	// maxRedemptions within windowStart..windowStart+24h of the record's
	// FirstSeenAt.
	TrySpend(ctx context.Context, ticketHash string, kind contracts.TicketKind, validatorID string, observedAt time.Time, maxRedemptions int) (SpendResult, error)

	// GetSpent returns the current SpentRecord for ticketHash, or
	// ErrNotFound if it has never been redeemed.
	GetSpent(ctx context.Context, ticketHash string) (contracts.SpentRecord, error)

	// SpentSince returns every SpentRecord whose FirstSeenAt falls in
	// [since, now), the input to Filter Publisher's Bloom snapshot build.
	SpentSince(ctx context.Context, since, now time.Time) ([]contracts.SpentRecord, error)

	// Reconcile applies one offline-validation observation against the
	// authoritative SpentRecord using the Reconciler's supersession rule:
	// a missing record is created as the new authority; an existing
	// single-kind record is either confirmed (same validator/instant),
	// flagged a late duplicate (existing is earlier-or-equal), or
	// retroactively superseded (this observation is earlier). dayPass
	// entries merge by incrementing count and flag LimitExceeded without
	// rejecting.
	Reconcile(ctx context.Context, ticketHash string, kind contracts.TicketKind, validatorID string, observedAt time.Time, maxRedemptions int) (ReconcileResult, error)

	// Revoke adds ticketHash to the revocation set, additive and
	// permanent.
	Revoke(ctx context.Context, rt contracts.RevokedTicket) error

	// IsRevoked reports whether ticketHash has been revoked.
	IsRevoked(ctx context.Context, ticketHash string) (bool, error)
}

// ErrNotFound is returned by lookups that find nothing, distinct from a
// genuine storage failure.
type ErrNotFound struct{ What string }

func (e *ErrNotFound) Error() string { return e.What + " not found" }
