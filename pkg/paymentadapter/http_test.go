package paymentadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPAdapterVerifyReceiptSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/receipts/pr1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(httpReceiptResponse{Status: "verified", Amount: 500, Currency: "EUR"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	res, err := a.VerifyReceipt(context.Background(), "pr1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "verified" || res.Amount != 500 || res.Currency != "EUR" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPAdapterNotFoundIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	res, err := a.VerifyReceipt(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "rejected" {
		t.Fatalf("expected rejected, got %q", res.Status)
	}
}

func TestHTTPAdapterRejectsInvalidCurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpReceiptResponse{Status: "verified", Amount: 500, Currency: "XXX-NOTREAL"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	_, err := a.VerifyReceipt(context.Background(), "pr1")
	if err == nil {
		t.Fatal("expected error for invalid currency code")
	}
}

func TestValidateCurrency(t *testing.T) {
	if err := ValidateCurrency("USD"); err != nil {
		t.Fatalf("expected USD to validate: %v", err)
	}
	if err := ValidateCurrency("not-a-code"); err == nil {
		t.Fatal("expected invalid code to fail validation")
	}
}
