package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fareline/ticketing/pkg/contracts"
)

// PostgresLedger is the production Ledger. Single-spend atomicity for
// single-kind tickets comes from a unique index on ticket_hash plus
// INSERT ... ON CONFLICT DO NOTHING; day-pass counting comes from an
// atomic INSERT ... ON CONFLICT DO UPDATE that folds the rolling-window
// reset into the same statement, so two concurrent redeemers never read
// stale counts between a check and an increment.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	receipt_id TEXT PRIMARY KEY,
	payment_provider TEXT NOT NULL,
	provider_receipt_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (payment_provider, provider_receipt_id)
);

CREATE TABLE IF NOT EXISTS issued_ticket_slots (
	receipt_id TEXT PRIMARY KEY REFERENCES receipts(receipt_id),
	key_id TEXT NOT NULL,
	ticket_kind TEXT NOT NULL,
	valid_from TIMESTAMPTZ NOT NULL,
	valid_until TIMESTAMPTZ NOT NULL,
	blinded_request_hash TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS spent_records (
	ticket_hash TEXT PRIMARY KEY,
	ticket_kind TEXT NOT NULL,
	first_validator_id TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	count INTEGER NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tickets (
	ticket_hash TEXT PRIMARY KEY,
	revoked_at TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL
);
`

func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, ledgerSchema)
	return err
}

func (l *PostgresLedger) InsertReceipt(ctx context.Context, r contracts.Receipt) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO receipts (receipt_id, payment_provider, provider_receipt_id, amount, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_provider, provider_receipt_id) DO NOTHING
	`, r.ReceiptID, r.PaymentProvider, r.ProviderReceiptID, r.Amount, r.Currency, r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected: %w", err)
	}
	if n == 0 {
		return contracts.NewError(contracts.ErrBadRequest, "receipt already exists for this provider reference")
	}
	return nil
}

func (l *PostgresLedger) GetReceipt(ctx context.Context, paymentProvider, providerReceiptID string) (contracts.Receipt, error) {
	var r contracts.Receipt
	err := l.db.QueryRowContext(ctx, `
		SELECT receipt_id, payment_provider, provider_receipt_id, amount, currency, status, created_at
		FROM receipts WHERE payment_provider = $1 AND provider_receipt_id = $2
	`, paymentProvider, providerReceiptID).Scan(
		&r.ReceiptID, &r.PaymentProvider, &r.ProviderReceiptID, &r.Amount, &r.Currency, &r.Status, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Receipt{}, &ErrNotFound{What: "receipt"}
	}
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("ledger: get receipt: %w", err)
	}
	return r, nil
}

func (l *PostgresLedger) ConsumeReceiptAndIssue(ctx context.Context, receiptID string, slot contracts.IssuedTicketSlot) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	var status contracts.ReceiptStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM receipts WHERE receipt_id = $1 FOR UPDATE`, receiptID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{What: "receipt"}
	}
	if err != nil {
		return fmt.Errorf("ledger: lock receipt: %w", err)
	}
	if status != contracts.ReceiptPending {
		return contracts.NewError(contracts.ErrReceiptAlreadyUsed, "receipt is not pending: "+receiptID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE receipts SET status = $1 WHERE receipt_id = $2`,
		contracts.ReceiptConsumed, receiptID); err != nil {
		return fmt.Errorf("ledger: consume receipt: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issued_ticket_slots (receipt_id, key_id, ticket_kind, valid_from, valid_until, blinded_request_hash, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, receiptID, slot.KeyID, slot.TicketKind, slot.ValidFrom, slot.ValidUntil, slot.BlindedReqHash, slot.IssuedAt); err != nil {
		return fmt.Errorf("ledger: insert issued ticket slot: %w", err)
	}

	return tx.Commit()
}

func (l *PostgresLedger) TrySpend(ctx context.Context, ticketHash string, kind contracts.TicketKind, validatorID string, observedAt time.Time, maxRedemptions int) (SpendResult, error) {
	if kind == contracts.TicketKindSingle {
		return l.trySpendSingle(ctx, ticketHash, validatorID, observedAt)
	}
	return l.trySpendDayPass(ctx, ticketHash, validatorID, observedAt, maxRedemptions)
}

func (l *PostgresLedger) trySpendSingle(ctx context.Context, ticketHash, validatorID string, observedAt time.Time) (SpendResult, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO spent_records (ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $4)
		ON CONFLICT (ticket_hash) DO NOTHING
	`, ticketHash, contracts.TicketKindSingle, validatorID, observedAt)
	if err != nil {
		return SpendResult{}, fmt.Errorf("ledger: insert spent record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return SpendResult{}, fmt.Errorf("ledger: rows affected: %w", err)
	}
	if n == 1 {
		rec := contracts.SpentRecord{
			TicketHash: ticketHash, TicketKind: contracts.TicketKindSingle,
			FirstValidatorID: validatorID, FirstSeenAt: observedAt, Count: 1, LastSeenAt: observedAt,
		}
		return SpendResult{Outcome: SpendAccepted, Record: rec}, nil
	}

	existing, err := l.GetSpent(ctx, ticketHash)
	if err != nil {
		return SpendResult{}, err
	}
	if existing.FirstValidatorID == validatorID && existing.FirstSeenAt.Equal(observedAt) {
		return SpendResult{Outcome: SpendAccepted, Record: existing}, nil
	}
	return SpendResult{Outcome: SpendDoubleSpend, Record: existing}, nil
}

func (l *PostgresLedger) trySpendDayPass(ctx context.Context, ticketHash, validatorID string, observedAt time.Time, maxRedemptions int) (SpendResult, error) {
	var rec contracts.SpentRecord
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO spent_records (ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $4)
		ON CONFLICT (ticket_hash) DO UPDATE SET
			first_validator_id = CASE WHEN $4 - spent_records.first_seen_at > interval '24 hours'
				THEN EXCLUDED.first_validator_id ELSE spent_records.first_validator_id END,
			first_seen_at = CASE WHEN $4 - spent_records.first_seen_at > interval '24 hours'
				THEN $4 ELSE spent_records.first_seen_at END,
			count = CASE WHEN $4 - spent_records.first_seen_at > interval '24 hours'
				THEN 1 ELSE spent_records.count + 1 END,
			last_seen_at = $4
		RETURNING ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at
	`, ticketHash, contracts.TicketKindDayPass, validatorID, observedAt).Scan(
		&rec.TicketHash, &rec.TicketKind, &rec.FirstValidatorID, &rec.FirstSeenAt, &rec.Count, &rec.LastSeenAt,
	)
	if err != nil {
		return SpendResult{}, fmt.Errorf("ledger: upsert day pass spend: %w", err)
	}

	if rec.Count > maxRedemptions {
		return SpendResult{Outcome: SpendRateLimited, Record: rec}, nil
	}
	return SpendResult{Outcome: SpendAccepted, Record: rec}, nil
}

func (l *PostgresLedger) Reconcile(ctx context.Context, ticketHash string, kind contracts.TicketKind, validatorID string, observedAt time.Time, maxRedemptions int) (ReconcileResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing contracts.SpentRecord
	err = tx.QueryRowContext(ctx, `
		SELECT ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at
		FROM spent_records WHERE ticket_hash = $1 FOR UPDATE
	`, ticketHash).Scan(
		&existing.TicketHash, &existing.TicketKind, &existing.FirstValidatorID,
		&existing.FirstSeenAt, &existing.Count, &existing.LastSeenAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		rec := contracts.SpentRecord{
			TicketHash: ticketHash, TicketKind: kind,
			FirstValidatorID: validatorID, FirstSeenAt: observedAt, Count: 1, LastSeenAt: observedAt,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO spent_records (ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at)
			VALUES ($1, $2, $3, $4, 1, $4)
		`, ticketHash, kind, validatorID, observedAt); err != nil {
			return ReconcileResult{}, fmt.Errorf("ledger: insert reconciled record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ReconcileResult{}, fmt.Errorf("ledger: commit: %w", err)
		}
		return ReconcileResult{Outcome: ReconcileConfirmed, Record: rec}, nil
	}
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("ledger: lock spent record: %w", err)
	}

	if kind == contracts.TicketKindDayPass {
		existing.Count++
		existing.LastSeenAt = observedAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE spent_records SET count = $1, last_seen_at = $2 WHERE ticket_hash = $3
		`, existing.Count, observedAt, ticketHash); err != nil {
			return ReconcileResult{}, fmt.Errorf("ledger: update day pass reconcile: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ReconcileResult{}, fmt.Errorf("ledger: commit: %w", err)
		}
		return ReconcileResult{Outcome: ReconcileConfirmed, Record: existing, LimitExceeded: existing.Count > maxRedemptions}, nil
	}

	if existing.FirstValidatorID == validatorID && existing.FirstSeenAt.Equal(observedAt) {
		return ReconcileResult{Outcome: ReconcileConfirmed, Record: existing}, nil
	}
	if !existing.FirstSeenAt.After(observedAt) {
		return ReconcileResult{Outcome: ReconcileLateDuplicate, Record: existing}, nil
	}

	previous := existing
	updated := existing
	updated.FirstValidatorID = validatorID
	updated.FirstSeenAt = observedAt
	if observedAt.After(updated.LastSeenAt) {
		updated.LastSeenAt = observedAt
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE spent_records SET first_validator_id = $1, first_seen_at = $2, last_seen_at = $3 WHERE ticket_hash = $4
	`, updated.FirstValidatorID, updated.FirstSeenAt, updated.LastSeenAt, ticketHash); err != nil {
		return ReconcileResult{}, fmt.Errorf("ledger: supersede spent record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return ReconcileResult{Outcome: ReconcileSuperseded, Record: updated, Superseded: &previous}, nil
}

func (l *PostgresLedger) GetSpent(ctx context.Context, ticketHash string) (contracts.SpentRecord, error) {
	var rec contracts.SpentRecord
	err := l.db.QueryRowContext(ctx, `
		SELECT ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at
		FROM spent_records WHERE ticket_hash = $1
	`, ticketHash).Scan(&rec.TicketHash, &rec.TicketKind, &rec.FirstValidatorID, &rec.FirstSeenAt, &rec.Count, &rec.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.SpentRecord{}, &ErrNotFound{What: "spent record"}
	}
	if err != nil {
		return contracts.SpentRecord{}, fmt.Errorf("ledger: get spent record: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) SpentSince(ctx context.Context, since, now time.Time) ([]contracts.SpentRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT ticket_hash, ticket_kind, first_validator_id, first_seen_at, count, last_seen_at
		FROM spent_records WHERE first_seen_at >= $1 AND first_seen_at < $2
	`, since, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: query spent since: %w", err)
	}
	defer rows.Close()

	var out []contracts.SpentRecord
	for rows.Next() {
		var rec contracts.SpentRecord
		if err := rows.Scan(&rec.TicketHash, &rec.TicketKind, &rec.FirstValidatorID, &rec.FirstSeenAt, &rec.Count, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("ledger: scan spent record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Revoke(ctx context.Context, rt contracts.RevokedTicket) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO revoked_tickets (ticket_hash, revoked_at, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (ticket_hash) DO NOTHING
	`, rt.TicketHash, rt.RevokedAt, rt.Reason)
	if err != nil {
		return fmt.Errorf("ledger: revoke ticket: %w", err)
	}
	return nil
}

func (l *PostgresLedger) IsRevoked(ctx context.Context, ticketHash string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tickets WHERE ticket_hash = $1)`, ticketHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: check revoked: %w", err)
	}
	return exists, nil
}
