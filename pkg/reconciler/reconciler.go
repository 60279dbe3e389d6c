// Package reconciler implements the Reconciler component: batch ingestion
// of offline-validation observations, dedup by (validatorId, localId), and
// the conflict-resolution rule that decides which validator's observation
// becomes the authoritative first spend.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/observability"
	"github.com/fareline/ticketing/pkg/snapshotarchive"
)

// Entry is one offline-validation observation submitted in a sync batch.
type Entry struct {
	LocalID       string
	ValidatorID   string
	TicketHash    string
	TicketKind    contracts.TicketKind
	ObservedAt    time.Time
	LocalDecision string
}

// Conflict is returned for every entry the Reconciler did not simply
// confirm, so the validator can show the operator why a local decision
// didn't stick.
type Conflict struct {
	LocalID string
	Reason  contracts.ErrorKind
}

// BatchResult is the full POST /sync_offline response body.
type BatchResult struct {
	AckIDs    []string
	Conflicts []Conflict
}

// Reconciler is the Reconciler component. BatchMax bounds how many entries
// one call to Reconcile will process, matching the per-validator batch-size
// cap in the rate-limit table.
type Reconciler struct {
	ledger         ledger.Ledger
	auditLog       audit.Log
	maxRedemptions int
	batchMax       int
	scorer         *FraudScorer
	archive        *snapshotarchive.Archive
	obs            *observability.Provider

	mu        sync.Mutex
	processed map[string]map[string]struct{} // validatorId -> localIds already applied to the Ledger
}

func New(led ledger.Ledger, auditLog audit.Log, maxRedemptions, batchMax int) *Reconciler {
	return &Reconciler{
		ledger:         led,
		auditLog:       auditLog,
		maxRedemptions: maxRedemptions,
		batchMax:       batchMax,
		processed:      make(map[string]map[string]struct{}),
	}
}

// WithFraudScorer installs an operator-configurable scoring rule used to
// resolve each conflict's severity. Without one, the Reconciler's own
// per-outcome classification stands unmodified.
func (r *Reconciler) WithFraudScorer(scorer *FraudScorer) *Reconciler {
	r.scorer = scorer
	return r
}

// WithArchive attaches cold storage for the fraud AuditEvents a batch
// produces. Without one, fraud events still go through auditLog as
// usual; the archive is an additional, independently retrievable copy
// keyed by batch rather than by the log's own chain position.
func (r *Reconciler) WithArchive(archive *snapshotarchive.Archive) *Reconciler {
	r.archive = archive
	return r
}

// WithObservability attaches tracing and RED metrics to Reconcile.
func (r *Reconciler) WithObservability(obs *observability.Provider) *Reconciler {
	r.obs = obs
	return r
}

// Reconcile processes one validator's batch. Re-submitting the exact same
// batch (same entries, same localIds) produces the same acknowledgement
// set and no additional Ledger writes, since every entry with a localId
// already processed for this validator is skipped.
func (r *Reconciler) Reconcile(ctx context.Context, validatorID string, entries []Entry) (result BatchResult, err error) {
	if r.obs != nil {
		var done func(error)
		ctx, done = r.obs.TrackOperation(ctx, "reconciler.Reconcile", attribute.String("validator_id", validatorID), attribute.Int("batch_size", len(entries)))
		defer func() { done(err) }()
	}

	if len(entries) > r.batchMax {
		entries = entries[:r.batchMax]
	}

	r.mu.Lock()
	processed := r.processedSet(validatorID)
	r.mu.Unlock()

	newlyProcessed := make(map[string]struct{})
	var fraudEvents []contracts.AuditEvent

	for _, e := range entries {
		if _, dup := processed[e.LocalID]; dup {
			result.AckIDs = append(result.AckIDs, e.LocalID)
			continue
		}
		if _, dup := newlyProcessed[e.LocalID]; dup {
			// Same localId twice within one batch: only the first copy is
			// applied to the Ledger.
			result.AckIDs = append(result.AckIDs, e.LocalID)
			continue
		}

		rr, err := r.ledger.Reconcile(ctx, e.TicketHash, e.TicketKind, e.ValidatorID, e.ObservedAt, r.maxRedemptions)
		if err != nil {
			return BatchResult{}, err
		}
		newlyProcessed[e.LocalID] = struct{}{}

		switch rr.Outcome {
		case ledger.ReconcileConfirmed:
			result.AckIDs = append(result.AckIDs, e.LocalID)
			if rr.LimitExceeded {
				if ev, ok := r.emitFraud(ctx, e.TicketHash, e.TicketKind, "day_pass_limit_exceeded", contracts.FraudSuspicious,
					[]string{e.ValidatorID}, []time.Time{e.ObservedAt}); ok {
					fraudEvents = append(fraudEvents, ev)
				}
			}
		case ledger.ReconcileLateDuplicate:
			result.Conflicts = append(result.Conflicts, Conflict{LocalID: e.LocalID, Reason: contracts.ErrDoubleSpend})
			if ev, ok := r.emitFraud(ctx, e.TicketHash, e.TicketKind, "late_duplicate", contracts.FraudSuspicious,
				[]string{rr.Record.FirstValidatorID, e.ValidatorID}, []time.Time{rr.Record.FirstSeenAt, e.ObservedAt}); ok {
				fraudEvents = append(fraudEvents, ev)
			}
		case ledger.ReconcileSuperseded:
			result.AckIDs = append(result.AckIDs, e.LocalID)
			validatorIDs := []string{e.ValidatorID}
			timestamps := []time.Time{e.ObservedAt}
			if rr.Superseded != nil {
				validatorIDs = append(validatorIDs, rr.Superseded.FirstValidatorID)
				timestamps = append(timestamps, rr.Superseded.FirstSeenAt)
			}
			if ev, ok := r.emitFraud(ctx, e.TicketHash, e.TicketKind, "superseded_duplicate", contracts.FraudConfirmed, validatorIDs, timestamps); ok {
				fraudEvents = append(fraudEvents, ev)
			}
		}
	}

	r.mu.Lock()
	for id := range newlyProcessed {
		processed[id] = struct{}{}
	}
	r.mu.Unlock()

	if r.archive != nil && len(fraudEvents) > 0 {
		if _, err := r.archive.ArchiveAuditBatch(ctx, fraudEvents); err != nil {
			return BatchResult{}, fmt.Errorf("reconciler: archive fraud batch: %w", err)
		}
	}

	return result, nil
}

func (r *Reconciler) processedSet(validatorID string) map[string]struct{} {
	// Lazily tracked per validator; callers hold r.mu.
	set, ok := r.processed[validatorID]
	if !ok {
		set = make(map[string]struct{})
		r.processed[validatorID] = set
	}
	return set
}

func (r *Reconciler) emitFraud(ctx context.Context, ticketHash string, kind contracts.TicketKind, reason string, severity contracts.FraudSeverity, validatorIDs []string, timestamps []time.Time) (contracts.AuditEvent, bool) {
	severity = r.scorer.Score(FraudSignal{
		Reason:          reason,
		DefaultSeverity: severity,
		ValidatorCount:  len(uniqueStrings(validatorIDs)),
		SecondsBetween:  secondsBetween(timestamps),
		TicketKind:      kind,
	})

	ev, err := r.auditLog.Record(ctx, "reconciler", "fraud_event", ticketHash, map[string]any{
		"reason":        reason,
		"severity":      severity,
		"validator_ids": validatorIDs,
		"timestamps":    timestamps,
	})
	if err != nil {
		return contracts.AuditEvent{}, false
	}
	return ev, true
}

func uniqueStrings(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// secondsBetween returns the span between the earliest and latest
// timestamp, or 0 when fewer than two are given.
func secondsBetween(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return 0
	}
	earliest, latest := timestamps[0], timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts.Before(earliest) {
			earliest = ts
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest.Sub(earliest).Seconds()
}
