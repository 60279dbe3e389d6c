package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/snapshotarchive"
)

func newTestReconciler() (*Reconciler, *ledger.MemoryLedger) {
	led := ledger.NewMemoryLedger()
	r := New(led, audit.NewMemoryLog(), 20, 10000)
	return r, led
}

func TestReconcileConfirmsFreshObservation(t *testing.T) {
	r, _ := newTestReconciler()
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	res, err := r.Reconcile(context.Background(), "validator-a", []Entry{
		{LocalID: "l1", ValidatorID: "validator-a", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.AckIDs) != 1 || res.AckIDs[0] != "l1" || len(res.Conflicts) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReconcileArchivesFraudEventsWhenArchiveAttached(t *testing.T) {
	r, _ := newTestReconciler()
	store, err := snapshotarchive.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	archive := snapshotarchive.NewArchive(store)
	r.WithArchive(archive)

	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	if _, err := r.Reconcile(context.Background(), "validator-a", []Entry{
		{LocalID: "l1", ValidatorID: "validator-a", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := r.Reconcile(context.Background(), "validator-b", []Entry{
		{LocalID: "l2", ValidatorID: "validator-b", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now.Add(time.Minute), LocalDecision: "accepted"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hashes := archive.AuditBatchHashes()
	if len(hashes) != 1 {
		t.Fatalf("expected one archived fraud batch, got %d", len(hashes))
	}

	batch, err := archive.FetchAuditBatch(context.Background(), hashes[0])
	if err != nil {
		t.Fatalf("FetchAuditBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].Kind != "fraud_event" {
		t.Fatalf("unexpected archived batch: %+v", batch)
	}
}

func TestReconcileFlagsLateDuplicateAsConflict(t *testing.T) {
	r, _ := newTestReconciler()
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	if _, err := r.Reconcile(context.Background(), "validator-a", []Entry{
		{LocalID: "l1", ValidatorID: "validator-a", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := r.Reconcile(context.Background(), "validator-b", []Entry{
		{LocalID: "l2", ValidatorID: "validator-b", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now.Add(time.Minute), LocalDecision: "accepted"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.AckIDs) != 0 || len(res.Conflicts) != 1 || res.Conflicts[0].LocalID != "l2" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReconcileSupersedesWhenEarlierObservationArrivesLate(t *testing.T) {
	r, led := newTestReconciler()
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	if _, err := r.Reconcile(context.Background(), "validator-a", []Entry{
		{LocalID: "l1", ValidatorID: "validator-a", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := r.Reconcile(context.Background(), "validator-b", []Entry{
		{LocalID: "l2", ValidatorID: "validator-b", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now.Add(-time.Minute), LocalDecision: "accepted"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.AckIDs) != 1 || res.AckIDs[0] != "l2" {
		t.Fatalf("expected the retroactively-earlier observation to be acknowledged, got %+v", res)
	}

	rec, err := led.GetSpent(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("GetSpent: %v", err)
	}
	if rec.FirstValidatorID != "validator-b" {
		t.Fatalf("expected validator-b to become authoritative, got %s", rec.FirstValidatorID)
	}
}

func TestReconcileIsIdempotentForResubmittedBatch(t *testing.T) {
	r, _ := newTestReconciler()
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	batch := []Entry{
		{LocalID: "l1", ValidatorID: "validator-a", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
		{LocalID: "l2", ValidatorID: "validator-a", TicketHash: "hash-2", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
	}

	first, err := r.Reconcile(context.Background(), "validator-a", batch)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	second, err := r.Reconcile(context.Background(), "validator-a", batch)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(second.AckIDs) != len(first.AckIDs) {
		t.Fatalf("expected identical ack set on resubmission, got %+v vs %+v", first, second)
	}
}

func TestReconcileRespectsBatchMax(t *testing.T) {
	led := ledger.NewMemoryLedger()
	r := New(led, audit.NewMemoryLog(), 20, 2)
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	batch := []Entry{
		{LocalID: "l1", ValidatorID: "v1", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
		{LocalID: "l2", ValidatorID: "v1", TicketHash: "hash-2", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
		{LocalID: "l3", ValidatorID: "v1", TicketHash: "hash-3", TicketKind: contracts.TicketKindSingle, ObservedAt: now, LocalDecision: "accepted"},
	}
	res, err := r.Reconcile(context.Background(), "v1", batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.AckIDs) != 2 {
		t.Fatalf("expected batch to be capped at 2 entries, got %d acks", len(res.AckIDs))
	}
}
