// Package audit implements the append-only, hash-chained AuditEvent trail
// shared by every component that must prove what it did and when: key
// rotation, blind signing, redemption outcomes, and reconciliation fraud
// findings.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fareline/ticketing/pkg/contracts"
)

// genesisHash seeds the chain before any event has been recorded.
const genesisHash = "genesis"

// Log records AuditEvents in hash-chained, append-only order. Record never
// mutates a prior entry; Verify walks the whole chain checking every link.
type Log interface {
	Record(ctx context.Context, actor, kind, subjectHash string, metadata map[string]any) (contracts.AuditEvent, error)
	Verify(ctx context.Context) error
}

// MemoryLog is an in-process Log backed by a slice, used by unit tests and
// as the audit sink for the offline validator simulator.
type MemoryLog struct {
	mu      sync.Mutex
	events  []contracts.AuditEvent
	chained string
}

// NewMemoryLog returns an empty hash-chained log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{chained: genesisHash}
}

func (l *MemoryLog) Record(ctx context.Context, actor, kind, subjectHash string, metadata map[string]any) (contracts.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := contracts.AuditEvent{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Actor:       actor,
		Kind:        kind,
		SubjectHash: subjectHash,
		Metadata:    metadata,
		PrevHash:    l.chained,
	}

	hash, err := entryHash(ev)
	if err != nil {
		return contracts.AuditEvent{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	ev.EntryHash = hash
	l.chained = hash

	l.events = append(l.events, ev)
	return ev, nil
}

// Verify recomputes every link in the chain and fails on the first break,
// confirming no entry has been altered or removed out of band.
func (l *MemoryLog) Verify(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	for i, ev := range l.events {
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
	}
	return nil
}

// Events returns a defensive copy of every recorded event, newest last.
func (l *MemoryLog) Events() []contracts.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]contracts.AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

func entryHash(ev contracts.AuditEvent) (string, error) {
	ev.EntryHash = ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
