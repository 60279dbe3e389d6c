package filterpublisher

import (
	"context"
	"testing"
	"time"

	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/snapshotarchive"
)

func TestBuildProducesIncreasingVersions(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	_, err := led.TrySpend(context.Background(), "hash-1", contracts.TicketKindSingle, "v1", now, 0)
	if err != nil {
		t.Fatalf("try spend: %v", err)
	}

	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 5, nil)

	snap1, err := p.Build(context.Background(), now)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	snap2, err := p.Build(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if snap2.Version <= snap1.Version {
		t.Fatalf("expected strictly increasing version, got %d then %d", snap1.Version, snap2.Version)
	}
}

func TestBuildIncludesRecentSpendInFilter(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	if _, err := led.TrySpend(context.Background(), "hash-1", contracts.TicketKindSingle, "v1", now, 0); err != nil {
		t.Fatalf("try spend: %v", err)
	}

	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 5, nil)
	snap, err := p.Build(context.Background(), now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if snap.ExpectedN != 1 {
		t.Fatalf("expected 1 spent record covered, got %d", snap.ExpectedN)
	}
}

func TestLatestReflectsMostRecentBuild(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 5, nil)

	if _, ok := p.Latest(); ok {
		t.Fatal("expected no snapshot before first build")
	}

	snap, err := p.Build(context.Background(), now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	latest, ok := p.Latest()
	if !ok || latest.Version != snap.Version {
		t.Fatalf("expected Latest to return the just-built snapshot")
	}
}

func TestSinceReturnsOnlyNewerVersions(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 5, nil)

	snap1, _ := p.Build(context.Background(), now)
	snap2, _ := p.Build(context.Background(), now.Add(time.Minute))
	snap3, _ := p.Build(context.Background(), now.Add(2*time.Minute))

	got := p.Since(snap1.Version)
	if len(got) != 2 || got[0].Version != snap2.Version || got[1].Version != snap3.Version {
		t.Fatalf("unexpected Since result: %+v", got)
	}
}

func TestHistoryIsBoundedByMaxHistory(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 2, nil)

	for i := 0; i < 5; i++ {
		if _, err := p.Build(context.Background(), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
	}
	if got := p.Since(0); len(got) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(got))
	}
}

func TestEvictedGenerationsAreRecoverableFromArchive(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	store, err := snapshotarchive.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	archive := snapshotarchive.NewArchive(store)

	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 2, nil).WithArchive(archive)

	var first contracts.BloomSnapshot
	for i := 0; i < 5; i++ {
		snap, err := p.Build(context.Background(), now.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		if i == 0 {
			first = snap
		}
	}

	if got := p.Since(0); len(got) != 2 {
		t.Fatalf("expected in-memory history capped at 2, got %d", len(got))
	}

	got, err := p.Archived(context.Background(), first.Version)
	if err != nil {
		t.Fatalf("Archived: %v", err)
	}
	if got.Version != first.Version {
		t.Fatalf("Archived version = %d, want %d", got.Version, first.Version)
	}
}

func TestArchivedFailsWithoutAnAttachedArchive(t *testing.T) {
	led := ledger.NewMemoryLedger()
	p := New(led, nil, "filter-updates", 48*time.Hour, 0.001, 2, nil)

	if _, err := p.Archived(context.Background(), 1); err == nil {
		t.Fatal("expected error when no archive is attached")
	}
}
