package snapshotarchive

import (
	"context"
	"testing"
)

func TestFileStorePutIsIdempotentByContent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	h1, err := store.Put(ctx, []byte("snapshot-bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := store.Put(ctx, []byte("snapshot-bytes"))
	if err != nil {
		t.Fatalf("Put (second): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash mismatch for identical content: %s != %s", h1, h2)
	}
}

func TestFileStoreGetRoundTrips(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	want := []byte(`{"version":7}`)
	hash, err := store.Put(ctx, want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestFileStoreExistsReflectsPuts(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	missing := "sha256:" + "0000000000000000000000000000000000000000000000000000000000000000"[:64]
	ok, err := store.Exists(ctx, missing)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("Exists reported true for unstored hash")
	}

	hash, err := store.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = store.Exists(ctx, hash)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("Exists reported false right after Put")
	}
}

func TestFileStoreGetRejectsMalformedHash(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := store.Get(context.Background(), "not-a-hash"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}
