package paymentadapter

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryDispatchesToRegisteredAdapter(t *testing.T) {
	reg := NewRegistry()
	mock := NewMockAdapter()
	mock.Seed("pr1", VerifyResult{Status: "verified", Amount: 250, Currency: "USD"})
	reg.Register("mock", mock)

	res, err := reg.VerifyReceipt(context.Background(), "mock", "pr1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "verified" || res.Amount != 250 || res.Currency != "USD" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.VerifyReceipt(context.Background(), "nope", "pr1")
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestMockAdapterDefaultsToRejected(t *testing.T) {
	mock := NewMockAdapter()
	res, err := mock.VerifyReceipt(context.Background(), "unseeded")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "rejected" {
		t.Fatalf("expected rejected default, got %q", res.Status)
	}
}

func TestMockAdapterSeededError(t *testing.T) {
	mock := NewMockAdapter()
	want := errors.New("provider unavailable")
	mock.SeedError("pr2", want)

	_, err := mock.VerifyReceipt(context.Background(), "pr2")
	if !errors.Is(err, want) {
		t.Fatalf("expected seeded error, got %v", err)
	}
}
