package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/blindsigner"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/crypto"
	"github.com/fareline/ticketing/pkg/filterpublisher"
	"github.com/fareline/ticketing/pkg/issuer"
	"github.com/fareline/ticketing/pkg/keyregistry"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/paymentadapter"
	"github.com/fareline/ticketing/pkg/reconciler"
	"github.com/fareline/ticketing/pkg/redeemer"
)

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, callerID string) (bool, error) {
	return true, nil
}

type testHarness struct {
	srv  *Server
	led  *ledger.MemoryLedger
	keys *keyregistry.Registry
	key  contracts.IssuerKey
	mock *paymentadapter.MockAdapter
	now  time.Time
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	hsm, err := crypto.NewSoftHSM(t.TempDir())
	if err != nil {
		t.Fatalf("NewSoftHSM: %v", err)
	}
	ring := crypto.NewKeyRing(hsm, time.Hour)
	auditLog := audit.NewMemoryLog()
	keys := keyregistry.New(ring, hsm, auditLog, time.Hour)

	key, err := keys.BootstrapActiveKey(context.Background(), "key-1", 2048, now.Add(-time.Hour), now.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("BootstrapActiveKey: %v", err)
	}

	led := ledger.NewMemoryLedger()
	payments := paymentadapter.NewRegistry()
	mock := paymentadapter.NewMockAdapter()
	payments.Register("mock", mock)

	signer := blindsigner.New(keys, allowAllLimiter{}, auditLog)
	iss := issuer.New(payments, keys, signer, led, auditLog)
	iss.WithClock(func() time.Time { return now })

	red := redeemer.New(keys, led, auditLog, 2*time.Minute, 20)
	rec := reconciler.New(led, auditLog, 20, 50)
	filters := filterpublisher.New(led, nil, "filter-updates", 48*time.Hour, 0.001, 5, nil)

	srv := NewServer(keys, iss, red, rec, filters, payments, led)
	srv.now = func() time.Time { return now }

	return &testHarness{srv: srv, led: led, keys: keys, key: key, mock: mock, now: now}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealthReturnsOK(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "GET", "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandlePublicKeysListsBootstrappedKey(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "GET", "/v1/keys/public", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var keys []contracts.IssuerKey
	if err := json.Unmarshal(w.Body.Bytes(), &keys); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(keys) != 1 || keys[0].KeyID != "key-1" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestHandleVerifyReceiptRoundTrips(t *testing.T) {
	h := newTestHarness(t)
	h.mock.Seed("pr1", paymentadapter.VerifyResult{Status: "verified", Amount: 250, Currency: "USD"})

	w := doJSON(t, h.srv.Routes(), "POST", "/v1/verify_receipt", verifyReceiptRequest{
		PaymentProvider: "mock", ProviderReceiptID: "pr1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleVerifyReceiptRejectsMissingFields(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "POST", "/v1/verify_receipt", verifyReceiptRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleSignBlindedIssuesTicket(t *testing.T) {
	h := newTestHarness(t)
	h.mock.Seed("pr1", paymentadapter.VerifyResult{Status: "verified", Amount: 250, Currency: "USD"})

	pub, err := crypto.ParsePublicKeyPEM(h.key.PublicKeyPEM)
	if err != nil {
		t.Fatalf("parse pub: %v", err)
	}
	meta := contracts.TicketMetadata{
		TicketID: "ticket-1", KeyID: "key-1", TicketKind: contracts.TicketKindSingle,
		ValidFrom: h.now, ValidUntil: h.now.Add(time.Hour),
	}
	payload, err := crypto.CanonicalTicketPayload(meta)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	blinded, _, err := crypto.Blind(pub, crypto.DigestForBlinding(payload))
	if err != nil {
		t.Fatalf("blind: %v", err)
	}

	w := doJSON(t, h.srv.Routes(), "POST", "/v1/sign_blinded", signBlindedRequest{
		ReceiptRef: struct {
			PaymentProvider   string `json:"paymentProvider"`
			ProviderReceiptID string `json:"providerReceiptId"`
		}{PaymentProvider: "mock", ProviderReceiptID: "pr1"},
		BlindedDigest:       base64.StdEncoding.EncodeToString(blinded.Bytes()),
		TicketKind:          contracts.TicketKindSingle,
		RequestedValidFrom:  h.now,
		RequestedValidUntil: h.now.Add(time.Hour),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp signBlindedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.KeyID != "key-1" || resp.Signature == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleSignBlindedRejectsBadBase64(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "POST", "/v1/sign_blinded", map[string]any{
		"receiptRef":    map[string]string{"paymentProvider": "mock", "providerReceiptId": "pr1"},
		"blindedDigest":       "not-valid-base64!!",
		"ticketKind":          "single",
		"requestedValidFrom":  "2026-07-30T12:00:00Z",
		"requestedValidUntil": "2026-07-30T13:00:00Z",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleRedeemAcceptsFreshTicket(t *testing.T) {
	h := newTestHarness(t)

	pub, err := crypto.ParsePublicKeyPEM(h.key.PublicKeyPEM)
	if err != nil {
		t.Fatalf("parse pub: %v", err)
	}
	meta := contracts.TicketMetadata{
		TicketID: "ticket-1", KeyID: "key-1", TicketKind: contracts.TicketKindSingle,
		ValidFrom: h.now.Add(-time.Minute), ValidUntil: h.now.Add(time.Hour),
	}
	payload, err := crypto.CanonicalTicketPayload(meta)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	digest := crypto.DigestForBlinding(payload)
	blinded, r, err := crypto.Blind(pub, digest)
	if err != nil {
		t.Fatalf("blind: %v", err)
	}
	blindSig, err := h.keys.Sign(context.Background(), "key-1", blinded)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig, err := crypto.Unblind(pub, blindSig, r)
	if err != nil {
		t.Fatalf("unblind: %v", err)
	}

	w := doJSON(t, h.srv.Routes(), "POST", "/v1/redeem", redeemRequest{
		TicketID: "ticket-1", Signature: crypto.EncodeSignature(sig), KeyID: "key-1",
		ValidatorID: "validator-1", ObservedAt: h.now,
		ClaimedKind: contracts.TicketKindSingle, ClaimedValidFrom: meta.ValidFrom, ClaimedValidUntil: meta.ValidUntil,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp redeemResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Decision != string(redeemer.DecisionAccepted) {
		t.Fatalf("expected accepted, got %+v", resp)
	}
}

func TestHandleBloomReturnsInternalErrorBeforeFirstBuild(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "GET", "/v1/bloom", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 before any snapshot exists, got %d", w.Code)
	}
}

func TestHandleBloomHonoursIfNoneMatch(t *testing.T) {
	h := newTestHarness(t)
	if _, err := h.led.TrySpend(context.Background(), "hash-1", contracts.TicketKindSingle, "v1", h.now, 0); err != nil {
		t.Fatalf("try spend: %v", err)
	}
	if _, err := h.srv.filters.Build(context.Background(), h.now); err != nil {
		t.Fatalf("build: %v", err)
	}

	w := doJSON(t, h.srv.Routes(), "GET", "/v1/bloom", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected ETag header")
	}

	req := httptest.NewRequest("GET", "/v1/bloom", nil)
	req.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	h.srv.Routes().ServeHTTP(w2, req)
	if w2.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w2.Code)
	}
}

func TestHandleSyncOfflineAcksEntries(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "POST", "/v1/sync_offline", syncOfflineRequest{
		ValidatorID: "validator-1",
		Entries: []struct {
			LocalID       string               `json:"localId"`
			TicketHash    string               `json:"ticketHash"`
			TicketKind    contracts.TicketKind `json:"ticketKind"`
			ObservedAt    time.Time            `json:"observedAt"`
			LocalDecision string               `json:"localDecision"`
		}{
			{LocalID: "local-1", TicketHash: "hash-1", TicketKind: contracts.TicketKindSingle, ObservedAt: h.now, LocalDecision: "accepted"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp syncOfflineResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.AckIDs) != 1 || resp.AckIDs[0] != "local-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleRevokeTicketMarksHashRevoked(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "POST", "/v1/admin/revoke_ticket", revokeTicketRequest{
		TicketHash: "hash-1", Reason: "reported stolen",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	revoked, err := h.led.IsRevoked(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatal("expected hash-1 to be revoked")
	}
}

func TestHandleRevokeTicketRejectsMissingHash(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.srv.Routes(), "POST", "/v1/admin/revoke_ticket", revokeTicketRequest{Reason: "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
