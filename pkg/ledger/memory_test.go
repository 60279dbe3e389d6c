package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/fareline/ticketing/pkg/contracts"
)

func TestMemoryLedgerSingleSpendFirstWins(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	res, err := l.TrySpend(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0)
	if err != nil {
		t.Fatalf("TrySpend: %v", err)
	}
	if res.Outcome != SpendAccepted {
		t.Fatalf("first TrySpend outcome = %s, want accepted", res.Outcome)
	}

	res2, err := l.TrySpend(ctx, "hash-1", contracts.TicketKindSingle, "validator-b", now.Add(time.Second), 0)
	if err != nil {
		t.Fatalf("TrySpend: %v", err)
	}
	if res2.Outcome != SpendDoubleSpend {
		t.Errorf("second TrySpend outcome = %s, want double_spend", res2.Outcome)
	}
}

func TestMemoryLedgerSingleSpendIdempotentReplay(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	if _, err := l.TrySpend(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0); err != nil {
		t.Fatalf("TrySpend: %v", err)
	}
	res, err := l.TrySpend(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0)
	if err != nil {
		t.Fatalf("TrySpend (replay): %v", err)
	}
	if res.Outcome != SpendAccepted {
		t.Errorf("replay with same validator+instant outcome = %s, want accepted", res.Outcome)
	}
}

func TestMemoryLedgerDayPassRateLimits(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	maxRedemptions := 3

	for i := 0; i < maxRedemptions; i++ {
		res, err := l.TrySpend(ctx, "hash-pass", contracts.TicketKindDayPass, "validator-a", now.Add(time.Duration(i)*time.Minute), maxRedemptions)
		if err != nil {
			t.Fatalf("TrySpend #%d: %v", i, err)
		}
		if res.Outcome != SpendAccepted {
			t.Fatalf("TrySpend #%d outcome = %s, want accepted", i, res.Outcome)
		}
	}

	res, err := l.TrySpend(ctx, "hash-pass", contracts.TicketKindDayPass, "validator-a", now.Add(10*time.Minute), maxRedemptions)
	if err != nil {
		t.Fatalf("TrySpend (over limit): %v", err)
	}
	if res.Outcome != SpendRateLimited {
		t.Errorf("TrySpend over the day-pass limit outcome = %s, want rate_limited", res.Outcome)
	}
}

func TestMemoryLedgerDayPassResetsAfterWindow(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	if _, err := l.TrySpend(ctx, "hash-pass", contracts.TicketKindDayPass, "validator-a", now, 1); err != nil {
		t.Fatalf("TrySpend: %v", err)
	}

	res, err := l.TrySpend(ctx, "hash-pass", contracts.TicketKindDayPass, "validator-b", now.Add(25*time.Hour), 1)
	if err != nil {
		t.Fatalf("TrySpend (new window): %v", err)
	}
	if res.Outcome != SpendAccepted {
		t.Errorf("TrySpend in a fresh 24h window outcome = %s, want accepted", res.Outcome)
	}
	if res.Record.Count != 1 {
		t.Errorf("fresh window count = %d, want 1", res.Record.Count)
	}
}

func TestMemoryLedgerReconcileCreatesRecordWhenAbsent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	res, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != ReconcileConfirmed {
		t.Fatalf("Reconcile outcome = %s, want confirmed", res.Outcome)
	}
}

func TestMemoryLedgerReconcileFlagsLateDuplicate(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	if _, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	res, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-b", now.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != ReconcileLateDuplicate {
		t.Fatalf("Reconcile outcome = %s, want late_duplicate", res.Outcome)
	}
}

func TestMemoryLedgerReconcileSupersedesEarlierObservation(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	if _, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	res, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-b", now.Add(-time.Minute), 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != ReconcileSuperseded {
		t.Fatalf("Reconcile outcome = %s, want superseded_duplicate", res.Outcome)
	}
	if res.Superseded == nil || res.Superseded.FirstValidatorID != "validator-a" {
		t.Fatalf("expected superseded record to carry the previous winner, got %+v", res.Superseded)
	}
	if res.Record.FirstValidatorID != "validator-b" {
		t.Fatalf("expected new authoritative validator to be validator-b, got %s", res.Record.FirstValidatorID)
	}
}

func TestMemoryLedgerReconcileIsIdempotentForSameObservation(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	if _, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	res, err := l.Reconcile(ctx, "hash-1", contracts.TicketKindSingle, "validator-a", now, 0)
	if err != nil {
		t.Fatalf("Reconcile (replay): %v", err)
	}
	if res.Outcome != ReconcileConfirmed {
		t.Fatalf("replay outcome = %s, want confirmed", res.Outcome)
	}
}

func TestMemoryLedgerReconcileDayPassMergeFlagsLimitExceeded(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	var last ReconcileResult
	for i := 0; i < 3; i++ {
		res, err := l.Reconcile(ctx, "hash-pass", contracts.TicketKindDayPass, "validator-a", now.Add(time.Duration(i)*time.Minute), 2)
		if err != nil {
			t.Fatalf("Reconcile #%d: %v", i, err)
		}
		last = res
	}
	if !last.LimitExceeded {
		t.Fatal("expected third dayPass observation against a 2-redemption limit to flag LimitExceeded")
	}
}

func TestMemoryLedgerReceiptLifecycle(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	receipt := contracts.Receipt{
		ReceiptID:         "r1",
		PaymentProvider:   "mock",
		ProviderReceiptID: "pr1",
		Amount:            250,
		Currency:          "USD",
		Status:            contracts.ReceiptPending,
		CreatedAt:         now,
	}
	if err := l.InsertReceipt(ctx, receipt); err != nil {
		t.Fatalf("InsertReceipt: %v", err)
	}
	if err := l.InsertReceipt(ctx, receipt); err == nil {
		t.Error("InsertReceipt should reject a duplicate (provider, providerReceiptId)")
	}

	slot := contracts.IssuedTicketSlot{
		ReceiptID: "r1", KeyID: "key-1", TicketKind: contracts.TicketKindSingle,
		ValidFrom: now, ValidUntil: now.Add(2 * time.Hour), BlindedReqHash: "abc", IssuedAt: now,
	}
	if err := l.ConsumeReceiptAndIssue(ctx, "r1", slot); err != nil {
		t.Fatalf("ConsumeReceiptAndIssue: %v", err)
	}
	if err := l.ConsumeReceiptAndIssue(ctx, "r1", slot); err == nil {
		t.Error("ConsumeReceiptAndIssue should reject a receipt that is no longer pending")
	}

	got, err := l.GetReceipt(ctx, "mock", "pr1")
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if got.Status != contracts.ReceiptConsumed {
		t.Errorf("receipt status = %s, want consumed", got.Status)
	}
}

func TestMemoryLedgerRevocation(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	revoked, err := l.IsRevoked(ctx, "hash-x")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Error("unrevoked ticket reported revoked")
	}

	if err := l.Revoke(ctx, contracts.RevokedTicket{TicketHash: "hash-x", RevokedAt: now, Reason: "lost device"}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err = l.IsRevoked(ctx, "hash-x")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Error("revoked ticket reported unrevoked")
	}
}
