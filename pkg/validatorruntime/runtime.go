// Package validatorruntime is the code a field validator device runs: it
// decides accept/reject entirely from its local cache, with no network
// round trip, and only talks to the backend on its own sync schedule.
package validatorruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/bloom"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/crypto"
	"github.com/fareline/ticketing/pkg/observability"
	"github.com/fareline/ticketing/pkg/validatorruntime/localstore"
)

// ErrUninitialised is returned by New when the device has never completed
// an initial sync: it has neither a cached key set nor a Bloom snapshot,
// and must refuse to validate rather than silently accept everything.
var ErrUninitialised = fmt.Errorf("validatorruntime: device has no cached keys or bloom snapshot")

// Decision is the outcome of one offline validation.
type Decision string

const (
	DecisionAccepted       Decision = "accepted"
	DecisionDuplicateLocal Decision = "duplicateLocal"
	DecisionBadSignature   Decision = "bad_signature"
	DecisionExpired        Decision = "expired"
	DecisionNotYetValid    Decision = "not_yet_valid"
	DecisionUnknownKey     Decision = "unknown_key"
)

// ProtocolVersion is the validator runtime's own semver. Sync compares it
// with the backend's minimum (SyncClient.MinProtocolVersion) and refuses to
// sync when it is lower, so a rolled back binary does not misread a newer
// snapshot format.
var ProtocolVersion = semver.MustParse("1.0.0")

// ScanRequest is what the device's reader hands the runtime per tap.
type ScanRequest struct {
	TicketID   string
	Signature  string
	KeyID      string
	TicketKind contracts.TicketKind
	ValidFrom  time.Time
	ValidUntil time.Time
}

// SyncClient is the subset of the backend the runtime needs for its
// periodic sync task: submit the pending queue to the Reconciler, and
// poll the Filter Publisher for newer Bloom snapshots.
type SyncClient interface {
	Sync(ctx context.Context, validatorID string, pending []contracts.OfflineValidation) (ackIDs []string, err error)
	LatestSnapshot(ctx context.Context, since uint64) (contracts.BloomSnapshot, bool, error)
	MinProtocolVersion(ctx context.Context) (*semver.Version, error)
}

// Runtime is one validator device's decision engine plus its local store.
type Runtime struct {
	validatorID string
	store       *localstore.Store
	auditLog    audit.Log
	clockSkew   time.Duration

	keys     []contracts.IssuerKey
	snapshot contracts.BloomSnapshot
	filter   *bloom.Filter
	obs      *observability.Provider

	now func() time.Time
}

// Open builds a Runtime from a device's local store. It refuses
// (ErrUninitialised) unless the store already holds both a cached key set
// and the newest Bloom snapshot the device has seen, matching the
// cold-start contract: a device that has never synced must not silently
// accept every ticket it's shown.
func Open(validatorID string, store *localstore.Store, auditLog audit.Log, clockSkew time.Duration) (*Runtime, error) {
	ctx := context.Background()

	keys, err := store.LoadKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("validatorruntime: load keys: %w", err)
	}
	snap, ok, err := store.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("validatorruntime: load snapshot: %w", err)
	}
	if len(keys) == 0 || !ok {
		return nil, ErrUninitialised
	}

	r := &Runtime{
		validatorID: validatorID,
		store:       store,
		auditLog:    auditLog,
		clockSkew:   clockSkew,
		keys:        keys,
		snapshot:    snap,
		filter:      bloom.FromBits(snap.Bits, snap.M, snap.K),
		now:         time.Now,
	}
	return r, nil
}

// WithClock overrides the runtime's clock for deterministic testing.
func (r *Runtime) WithClock(now func() time.Time) *Runtime {
	r.now = now
	return r
}

// WithObservability attaches tracing and RED metrics to Sync, the only
// operation on this device that talks to the network. Validate never
// leaves the local store, so it has no span worth tracking.
func (r *Runtime) WithObservability(obs *observability.Provider) *Runtime {
	r.obs = obs
	return r
}

// Validate runs the full offline decision algorithm for one scan: verify
// signature against the cached key set, check the validity window with
// clock-skew tolerance, then test the cached Bloom filter. An accepted
// single ticket is enqueued as pending so it's reported to the Reconciler
// on the next sync; a dayPass acceptance is enqueued the same way so the
// Reconciler can merge its per-device redemption counts.
func (r *Runtime) Validate(ctx context.Context, req ScanRequest) (Decision, error) {
	ticketHash := crypto.TicketHash(req.TicketID)
	now := r.now()

	key, ok := r.lookupKey(req.KeyID)
	if !ok {
		r.record(ctx, ticketHash, DecisionUnknownKey)
		return DecisionUnknownKey, nil
	}

	pub, err := crypto.ParsePublicKeyPEM(key.PublicKeyPEM)
	if err != nil {
		return "", fmt.Errorf("validatorruntime: parse cached public key %s: %w", key.KeyID, err)
	}

	meta := contracts.TicketMetadata{
		TicketID:   req.TicketID,
		KeyID:      req.KeyID,
		TicketKind: req.TicketKind,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	}
	valid, err := crypto.VerifyTicket(pub, meta, req.Signature)
	if err != nil || !valid {
		r.record(ctx, ticketHash, DecisionBadSignature)
		return DecisionBadSignature, nil
	}

	if now.Before(req.ValidFrom.Add(-r.clockSkew)) {
		r.record(ctx, ticketHash, DecisionNotYetValid)
		return DecisionNotYetValid, nil
	}
	if now.After(req.ValidUntil.Add(r.clockSkew)) {
		r.record(ctx, ticketHash, DecisionExpired)
		return DecisionExpired, nil
	}

	if req.TicketKind == contracts.TicketKindSingle && r.filter.Test(ticketHash) {
		if err := r.enqueue(ctx, ticketHash, req.TicketKind, now, string(DecisionDuplicateLocal)); err != nil {
			return "", err
		}
		return DecisionDuplicateLocal, nil
	}

	if err := r.enqueue(ctx, ticketHash, req.TicketKind, now, string(DecisionAccepted)); err != nil {
		return "", err
	}
	return DecisionAccepted, nil
}

func (r *Runtime) lookupKey(keyID string) (contracts.IssuerKey, bool) {
	for _, k := range r.keys {
		if k.KeyID == keyID {
			return k, true
		}
	}
	return contracts.IssuerKey{}, false
}

func (r *Runtime) enqueue(ctx context.Context, ticketHash string, kind contracts.TicketKind, now time.Time, decision string) error {
	v := contracts.OfflineValidation{
		LocalID:       uuid.NewString(),
		ValidatorID:   r.validatorID,
		TicketHash:    ticketHash,
		TicketKind:    kind,
		ObservedAt:    now,
		LocalDecision: decision,
		SyncStatus:    "pending",
	}
	if err := r.store.Enqueue(ctx, v); err != nil {
		return fmt.Errorf("validatorruntime: enqueue offline validation: %w", err)
	}
	r.record(ctx, ticketHash, Decision(decision))
	return nil
}

func (r *Runtime) record(ctx context.Context, ticketHash string, decision Decision) {
	_, _ = r.auditLog.Record(ctx, r.validatorID, "offline_validation", ticketHash, map[string]any{
		"decision": decision,
	})
}

// Sync submits the pending queue to the Reconciler, applies returned acks,
// and pulls any newer Bloom snapshot, replacing the in-memory filter with
// a single atomic swap so a concurrent Validate call never observes a
// partially-loaded filter.
func (r *Runtime) Sync(ctx context.Context, client SyncClient) (err error) {
	if r.obs != nil {
		var done func(error)
		ctx, done = r.obs.TrackOperation(ctx, "validatorruntime.Sync", attribute.String("validator_id", r.validatorID))
		defer func() { done(err) }()
	}

	if minVer, err := client.MinProtocolVersion(ctx); err == nil && minVer != nil {
		if ProtocolVersion.LessThan(minVer) {
			return fmt.Errorf("validatorruntime: protocol version %s is below the backend's minimum %s; refusing to sync", ProtocolVersion, minVer)
		}
	}

	pending, err := r.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("validatorruntime: load pending validations: %w", err)
	}
	if len(pending) > 0 {
		ackIDs, err := client.Sync(ctx, r.validatorID, pending)
		if err != nil {
			return fmt.Errorf("validatorruntime: submit sync batch: %w", err)
		}
		if err := r.store.Ack(ctx, ackIDs); err != nil {
			return fmt.Errorf("validatorruntime: ack synced validations: %w", err)
		}
	}

	snap, ok, err := client.LatestSnapshot(ctx, r.snapshot.Version)
	if err != nil {
		return fmt.Errorf("validatorruntime: poll latest snapshot: %w", err)
	}
	if ok && snap.Version > r.snapshot.Version {
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("validatorruntime: save snapshot: %w", err)
		}
		r.snapshot = snap
		r.filter = bloom.FromBits(snap.Bits, snap.M, snap.K)
	}

	keys, err := r.store.LoadKeys(ctx)
	if err == nil && len(keys) > 0 {
		r.keys = keys
	}

	return nil
}
