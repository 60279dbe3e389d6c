// Package localstore implements the Validator Runtime's embedded,
// pure-Go SQLite storage: the cached IssuerKey set, the current
// BloomSnapshot, and the pending OfflineValidation queue. It is the only
// durable state a validator device keeps between scans.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fareline/ticketing/pkg/contracts"
)

// Store is the validator device's local database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// its migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS issuer_keys (
		key_id TEXT PRIMARY KEY,
		public_key_pem TEXT NOT NULL,
		activates_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bloom_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		built_at DATETIME NOT NULL,
		coverage_window_ns INTEGER NOT NULL,
		m INTEGER NOT NULL,
		k INTEGER NOT NULL,
		expected_n INTEGER NOT NULL,
		bits BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offline_validations (
		local_id TEXT PRIMARY KEY,
		validator_id TEXT NOT NULL,
		ticket_hash TEXT NOT NULL,
		ticket_kind TEXT NOT NULL,
		observed_at DATETIME NOT NULL,
		local_decision TEXT NOT NULL,
		sync_status TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// ReplaceKeys atomically replaces the cached IssuerKey set, the single
// writer being a sync-task atomic swap per the design's concurrency model.
func (s *Store) ReplaceKeys(ctx context.Context, keys []contracts.IssuerKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issuer_keys`); err != nil {
		return fmt.Errorf("localstore: clear issuer keys: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issuer_keys (key_id, public_key_pem, activates_at, expires_at, status)
			VALUES (?, ?, ?, ?, ?)
		`, k.KeyID, k.PublicKeyPEM, k.ActivatesAt, k.ExpiresAt, k.Status); err != nil {
			return fmt.Errorf("localstore: insert issuer key %s: %w", k.KeyID, err)
		}
	}
	return tx.Commit()
}

// LoadKeys returns the cached IssuerKey set.
func (s *Store) LoadKeys(ctx context.Context) ([]contracts.IssuerKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, public_key_pem, activates_at, expires_at, status FROM issuer_keys`)
	if err != nil {
		return nil, fmt.Errorf("localstore: query issuer keys: %w", err)
	}
	defer rows.Close()

	var out []contracts.IssuerKey
	for rows.Next() {
		var k contracts.IssuerKey
		if err := rows.Scan(&k.KeyID, &k.PublicKeyPEM, &k.ActivatesAt, &k.ExpiresAt, &k.Status); err != nil {
			return nil, fmt.Errorf("localstore: scan issuer key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SaveSnapshot replaces the single cached BloomSnapshot row with a newer
// one, an atomic swap so a reader never observes a torn filter mid-write.
func (s *Store) SaveSnapshot(ctx context.Context, snap contracts.BloomSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bloom_snapshot (id, version, built_at, coverage_window_ns, m, k, expected_n, bits)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version, built_at = excluded.built_at,
			coverage_window_ns = excluded.coverage_window_ns, m = excluded.m,
			k = excluded.k, expected_n = excluded.expected_n, bits = excluded.bits
	`, snap.Version, snap.BuiltAt, int64(snap.CoverageWindow), snap.M, snap.K, snap.ExpectedN, snap.Bits)
	if err != nil {
		return fmt.Errorf("localstore: save bloom snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached BloomSnapshot, or ok=false if none has
// ever been saved (the cold-start "uninitialised" case).
func (s *Store) LoadSnapshot(ctx context.Context) (contracts.BloomSnapshot, bool, error) {
	var snap contracts.BloomSnapshot
	var coverageNS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version, built_at, coverage_window_ns, m, k, expected_n, bits FROM bloom_snapshot WHERE id = 1
	`).Scan(&snap.Version, &snap.BuiltAt, &coverageNS, &snap.M, &snap.K, &snap.ExpectedN, &snap.Bits)
	if err == sql.ErrNoRows {
		return contracts.BloomSnapshot{}, false, nil
	}
	if err != nil {
		return contracts.BloomSnapshot{}, false, fmt.Errorf("localstore: load bloom snapshot: %w", err)
	}
	snap.CoverageWindow = time.Duration(coverageNS)
	return snap, true, nil
}

// Enqueue records a new OfflineValidation with syncStatus=pending.
func (s *Store) Enqueue(ctx context.Context, v contracts.OfflineValidation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_validations (local_id, validator_id, ticket_hash, ticket_kind, observed_at, local_decision, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.LocalID, v.ValidatorID, v.TicketHash, v.TicketKind, v.ObservedAt, v.LocalDecision, v.SyncStatus)
	if err != nil {
		return fmt.Errorf("localstore: enqueue offline validation: %w", err)
	}
	return nil
}

// Pending returns every OfflineValidation still awaiting sync.
func (s *Store) Pending(ctx context.Context) ([]contracts.OfflineValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, validator_id, ticket_hash, ticket_kind, observed_at, local_decision, sync_status
		FROM offline_validations WHERE sync_status = 'pending'
	`)
	if err != nil {
		return nil, fmt.Errorf("localstore: query pending validations: %w", err)
	}
	defer rows.Close()

	var out []contracts.OfflineValidation
	for rows.Next() {
		var v contracts.OfflineValidation
		if err := rows.Scan(&v.LocalID, &v.ValidatorID, &v.TicketHash, &v.TicketKind, &v.ObservedAt, &v.LocalDecision, &v.SyncStatus); err != nil {
			return nil, fmt.Errorf("localstore: scan offline validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Ack marks every entry in localIDs as acked, so Pending no longer returns
// them; the acked rows stay in the table.
func (s *Store) Ack(ctx context.Context, localIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range localIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE offline_validations SET sync_status = 'acked' WHERE local_id = ?`, id); err != nil {
			return fmt.Errorf("localstore: ack %s: %w", id, err)
		}
	}
	return tx.Commit()
}
