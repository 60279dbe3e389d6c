package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/fareline/ticketing/pkg/contracts"
)

// MemoryLedger is an in-process Ledger for unit tests and the validator
// simulator's embedded "as if online" mode. It never persists to disk.
type MemoryLedger struct {
	mu sync.Mutex

	receiptsByKey map[string]*contracts.Receipt // paymentProvider+":"+providerReceiptID
	receiptsByID  map[string]*contracts.Receipt
	spent         map[string]*contracts.SpentRecord
	revoked       map[string]contracts.RevokedTicket
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		receiptsByKey: make(map[string]*contracts.Receipt),
		receiptsByID:  make(map[string]*contracts.Receipt),
		spent:         make(map[string]*contracts.SpentRecord),
		revoked:       make(map[string]contracts.RevokedTicket),
	}
}

func receiptKey(provider, providerReceiptID string) string {
	return provider + ":" + providerReceiptID
}

func (l *MemoryLedger) InsertReceipt(ctx context.Context, r contracts.Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := receiptKey(r.PaymentProvider, r.ProviderReceiptID)
	if _, exists := l.receiptsByKey[key]; exists {
		return contracts.NewError(contracts.ErrBadRequest, "receipt already exists for this provider reference")
	}
	cp := r
	l.receiptsByKey[key] = &cp
	l.receiptsByID[r.ReceiptID] = &cp
	return nil
}

func (l *MemoryLedger) GetReceipt(ctx context.Context, paymentProvider, providerReceiptID string) (contracts.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receiptsByKey[receiptKey(paymentProvider, providerReceiptID)]
	if !ok {
		return contracts.Receipt{}, &ErrNotFound{What: "receipt"}
	}
	return *r, nil
}

func (l *MemoryLedger) ConsumeReceiptAndIssue(ctx context.Context, receiptID string, slot contracts.IssuedTicketSlot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receiptsByID[receiptID]
	if !ok {
		return &ErrNotFound{What: "receipt"}
	}
	if r.Status != contracts.ReceiptPending {
		return contracts.NewError(contracts.ErrReceiptAlreadyUsed, "receipt is not pending: "+receiptID)
	}
	r.Status = contracts.ReceiptConsumed
	_ = slot // issued-ticket-slot table intentionally omitted from the in-memory
	// double; only Postgres persists it, since no test in this package reads
	// it back independently of the receipt's consumed status.
	return nil
}

func (l *MemoryLedger) TrySpend(ctx context.Context, ticketHash string, kind contracts.TicketKind, validatorID string, observedAt time.Time, maxRedemptions int) (SpendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.spent[ticketHash]
	if !ok {
		rec := contracts.SpentRecord{
			TicketHash:       ticketHash,
			TicketKind:       kind,
			FirstValidatorID: validatorID,
			FirstSeenAt:      observedAt,
			Count:            1,
			LastSeenAt:       observedAt,
		}
		l.spent[ticketHash] = &rec
		return SpendResult{Outcome: SpendAccepted, Record: rec}, nil
	}

	if kind == contracts.TicketKindSingle {
		if existing.FirstValidatorID == validatorID && existing.FirstSeenAt.Equal(observedAt) {
			return SpendResult{Outcome: SpendAccepted, Record: *existing}, nil
		}
		return SpendResult{Outcome: SpendDoubleSpend, Record: *existing}, nil
	}

	// dayPass: reset the rolling window if the first spend fell outside it.
	if observedAt.Sub(existing.FirstSeenAt) > 24*time.Hour {
		existing.FirstValidatorID = validatorID
		existing.FirstSeenAt = observedAt
		existing.Count = 1
		existing.LastSeenAt = observedAt
		return SpendResult{Outcome: SpendAccepted, Record: *existing}, nil
	}

	if existing.Count+1 > maxRedemptions {
		return SpendResult{Outcome: SpendRateLimited, Record: *existing}, nil
	}
	existing.Count++
	existing.LastSeenAt = observedAt
	return SpendResult{Outcome: SpendAccepted, Record: *existing}, nil
}

func (l *MemoryLedger) Reconcile(ctx context.Context, ticketHash string, kind contracts.TicketKind, validatorID string, observedAt time.Time, maxRedemptions int) (ReconcileResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.spent[ticketHash]
	if !ok {
		rec := contracts.SpentRecord{
			TicketHash:       ticketHash,
			TicketKind:       kind,
			FirstValidatorID: validatorID,
			FirstSeenAt:      observedAt,
			Count:            1,
			LastSeenAt:       observedAt,
		}
		l.spent[ticketHash] = &rec
		return ReconcileResult{Outcome: ReconcileConfirmed, Record: rec}, nil
	}

	if kind == contracts.TicketKindDayPass {
		existing.Count++
		existing.LastSeenAt = observedAt
		limitExceeded := existing.Count > maxRedemptions
		return ReconcileResult{Outcome: ReconcileConfirmed, Record: *existing, LimitExceeded: limitExceeded}, nil
	}

	if existing.FirstValidatorID == validatorID && existing.FirstSeenAt.Equal(observedAt) {
		return ReconcileResult{Outcome: ReconcileConfirmed, Record: *existing}, nil
	}
	if !existing.FirstSeenAt.After(observedAt) {
		return ReconcileResult{Outcome: ReconcileLateDuplicate, Record: *existing}, nil
	}

	previous := *existing
	existing.FirstValidatorID = validatorID
	existing.FirstSeenAt = observedAt
	if observedAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = observedAt
	}
	return ReconcileResult{Outcome: ReconcileSuperseded, Record: *existing, Superseded: &previous}, nil
}

func (l *MemoryLedger) GetSpent(ctx context.Context, ticketHash string) (contracts.SpentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.spent[ticketHash]
	if !ok {
		return contracts.SpentRecord{}, &ErrNotFound{What: "spent record"}
	}
	return *rec, nil
}

func (l *MemoryLedger) SpentSince(ctx context.Context, since, now time.Time) ([]contracts.SpentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []contracts.SpentRecord
	for _, rec := range l.spent {
		if !rec.FirstSeenAt.Before(since) && rec.FirstSeenAt.Before(now) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Revoke(ctx context.Context, rt contracts.RevokedTicket) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.revoked[rt.TicketHash] = rt
	return nil
}

func (l *MemoryLedger) IsRevoked(ctx context.Context, ticketHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.revoked[ticketHash]
	return ok, nil
}
