package snapshotarchive

import (
	"context"
	"testing"
	"time"

	"github.com/fareline/ticketing/pkg/contracts"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewArchive(store)
}

func TestArchiveSnapshotRoundTrips(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	snap := contracts.BloomSnapshot{
		Version:        42,
		BuiltAt:        time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
		CoverageWindow: 48 * time.Hour,
		M:              1 << 20,
		K:              7,
		ExpectedN:      100000,
		Bits:           []byte{0xde, 0xad, 0xbe, 0xef},
	}

	if _, err := a.ArchiveSnapshot(ctx, snap); err != nil {
		t.Fatalf("ArchiveSnapshot: %v", err)
	}

	got, err := a.FetchSnapshot(ctx, 42)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if got.Version != snap.Version || got.M != snap.M || got.K != snap.K {
		t.Fatalf("FetchSnapshot = %+v, want %+v", got, snap)
	}
}

func TestFetchSnapshotRejectsUnknownVersion(t *testing.T) {
	a := newTestArchive(t)
	if _, err := a.FetchSnapshot(context.Background(), 999); err == nil {
		t.Fatal("expected error for unarchived version")
	}
}

func TestArchivedVersionsAreSortedAscending(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for _, v := range []uint64{5, 1, 3} {
		snap := contracts.BloomSnapshot{Version: v, BuiltAt: time.Now().UTC()}
		if _, err := a.ArchiveSnapshot(ctx, snap); err != nil {
			t.Fatalf("ArchiveSnapshot(%d): %v", v, err)
		}
	}

	versions := a.ArchivedVersions()
	want := []uint64{1, 3, 5}
	if len(versions) != len(want) {
		t.Fatalf("ArchivedVersions = %v, want %v", versions, want)
	}
	for i, v := range want {
		if versions[i] != v {
			t.Fatalf("ArchivedVersions[%d] = %d, want %d", i, versions[i], v)
		}
	}
}

func TestArchiveAuditBatchRoundTrips(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	batch := []contracts.AuditEvent{
		{ID: "ev-1", Timestamp: time.Now().UTC(), Actor: "issuer", Kind: "issue", EntryHash: "h1"},
		{ID: "ev-2", Timestamp: time.Now().UTC(), Actor: "redeemer", Kind: "redeem", PrevHash: "h1", EntryHash: "h2"},
	}

	hash, err := a.ArchiveAuditBatch(ctx, batch)
	if err != nil {
		t.Fatalf("ArchiveAuditBatch: %v", err)
	}

	got, err := a.FetchAuditBatch(ctx, hash)
	if err != nil {
		t.Fatalf("FetchAuditBatch: %v", err)
	}
	if len(got) != 2 || got[0].ID != "ev-1" || got[1].ID != "ev-2" {
		t.Fatalf("FetchAuditBatch = %+v, want matching batch", got)
	}

	hashes := a.AuditBatchHashes()
	if len(hashes) != 1 || hashes[0] != hash {
		t.Fatalf("AuditBatchHashes = %v, want [%s]", hashes, hash)
	}
}

func TestArchiveAuditBatchRejectsEmptyBatch(t *testing.T) {
	a := newTestArchive(t)
	if _, err := a.ArchiveAuditBatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
