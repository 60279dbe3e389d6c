package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/fareline/ticketing/pkg/contracts"
)

// PostgresLog is the durable Log used in production, one row per
// AuditEvent with the chain enforced by re-reading the previous row's
// entry_hash inside the same transaction as the insert.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	kind TEXT NOT NULL,
	subject_hash TEXT,
	metadata JSONB,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	seq BIGSERIAL
);
`

func (l *PostgresLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, auditSchema)
	return err
}

func (l *PostgresLog) Record(ctx context.Context, actor, kind, subjectHash string, metadata map[string]any) (contracts.AuditEvent, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevHash = genesisHash
	case err != nil:
		return contracts.AuditEvent{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	ev := contracts.AuditEvent{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		Actor:       actor,
		Kind:        kind,
		SubjectHash: subjectHash,
		Metadata:    metadata,
		PrevHash:    prevHash,
	}
	hash, err := entryHash(ev)
	if err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	ev.EntryHash = hash

	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("audit: marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, ts, actor, kind, subject_hash, metadata, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.Timestamp, ev.Actor, ev.Kind, ev.SubjectHash, metaJSON, ev.PrevHash, ev.EntryHash)
	if err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("audit: insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("audit: commit: %w", err)
	}
	return ev, nil
}

// Verify walks the durable chain in sequence order, recomputing each link.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, actor, kind, subject_hash, metadata, prev_hash, entry_hash
		FROM audit_events ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("audit: query chain: %w", err)
	}
	defer rows.Close()

	prev := genesisHash
	i := 0
	for rows.Next() {
		var ev contracts.AuditEvent
		var metaJSON []byte
		var subjectHash sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Actor, &ev.Kind, &subjectHash, &metaJSON, &ev.PrevHash, &ev.EntryHash); err != nil {
			return fmt.Errorf("audit: scan entry %d: %w", i, err)
		}
		ev.SubjectHash = subjectHash.String
		ev.Timestamp = ev.Timestamp.UTC()
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return fmt.Errorf("audit: unmarshal metadata at entry %d: %w", i, err)
			}
		}

		if ev.PrevHash != prev {
			return fmt.Errorf("audit: chain broken at entry %d (%s): prev hash mismatch", i, ev.ID)
		}
		cp := ev
		cp.EntryHash = ""
		want, err := entryHash(cp)
		if err != nil {
			return fmt.Errorf("audit: hash entry %d: %w", i, err)
		}
		if want != ev.EntryHash {
			return fmt.Errorf("audit: chain broken at entry %d (%s): entry hash mismatch", i, ev.ID)
		}
		prev = ev.EntryHash
		i++
	}
	return rows.Err()
}
