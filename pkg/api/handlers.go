package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/fareline/ticketing/pkg/auth"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/filterpublisher"
	"github.com/fareline/ticketing/pkg/issuer"
	"github.com/fareline/ticketing/pkg/keyregistry"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/paymentadapter"
	"github.com/fareline/ticketing/pkg/reconciler"
	"github.com/fareline/ticketing/pkg/redeemer"
)

// Server wires every component into HTTP handlers.
type Server struct {
	keys       *keyregistry.Registry
	issuer     *issuer.Issuer
	redeemer   *redeemer.Redeemer
	reconciler *reconciler.Reconciler
	filters    *filterpublisher.Publisher
	payments   *paymentadapter.Registry
	ledger     ledger.Ledger
	now        func() time.Time
}

func NewServer(keys *keyregistry.Registry, iss *issuer.Issuer, red *redeemer.Redeemer, rec *reconciler.Reconciler, filters *filterpublisher.Publisher, payments *paymentadapter.Registry, led ledger.Ledger) *Server {
	return &Server{keys: keys, issuer: iss, redeemer: red, reconciler: rec, filters: filters, payments: payments, ledger: led, now: time.Now}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.HandleHealth)
	mux.HandleFunc("GET /v1/keys/public", s.HandlePublicKeys)
	mux.HandleFunc("POST /v1/verify_receipt", s.HandleVerifyReceipt)
	mux.HandleFunc("POST /v1/sign_blinded", s.HandleSignBlinded)
	mux.HandleFunc("POST /v1/redeem", s.HandleRedeem)
	mux.HandleFunc("GET /v1/bloom", s.HandleBloom)
	mux.HandleFunc("POST /v1/sync_offline", s.HandleSyncOffline)
	mux.HandleFunc("POST /v1/admin/revoke_ticket", s.HandleRevokeTicket)
	return mux
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) HandlePublicKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.keys.PublicKeySet())
}

type verifyReceiptRequest struct {
	PaymentProvider   string `json:"paymentProvider"`
	ProviderReceiptID string `json:"providerReceiptId"`
}

func (s *Server) HandleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req verifyReceiptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.PaymentProvider == "" || req.ProviderReceiptID == "" {
		WriteBadRequest(w, "paymentProvider and providerReceiptId are required")
		return
	}

	result, err := s.payments.VerifyReceipt(r.Context(), req.PaymentProvider, req.ProviderReceiptID)
	if err != nil {
		WriteBadRequest(w, "unknown payment provider")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": result.Status})
}

type signBlindedRequest struct {
	ReceiptRef struct {
		PaymentProvider   string `json:"paymentProvider"`
		ProviderReceiptID string `json:"providerReceiptId"`
	} `json:"receiptRef"`
	BlindedDigest       string               `json:"blindedDigest"` // base64
	RequestedKeyID      string               `json:"requestedKeyId"`
	TicketKind          contracts.TicketKind `json:"ticketKind"`
	RequestedValidFrom  time.Time            `json:"requestedValidFrom"`
	RequestedValidUntil time.Time            `json:"requestedValidUntil"`
}

type signBlindedResponse struct {
	Signature  string    `json:"signature"`
	KeyID      string    `json:"keyId"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
}

func (s *Server) HandleSignBlinded(w http.ResponseWriter, r *http.Request) {
	var req signBlindedRequest
	if err := decodeJSONValidated(w, r, "sign_blinded", &req); err != nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.BlindedDigest)
	if err != nil {
		WriteBadRequest(w, "blindedDigest must be base64-encoded")
		return
	}

	resp, err := s.issuer.Issue(r.Context(), issuer.IssueRequest{
		Receipt: issuer.ReceiptRef{
			PaymentProvider:   req.ReceiptRef.PaymentProvider,
			ProviderReceiptID: req.ReceiptRef.ProviderReceiptID,
		},
		BlindedDigest:       new(big.Int).SetBytes(raw),
		RequestedKeyID:      req.RequestedKeyID,
		TicketKind:          req.TicketKind,
		RequestedValidFrom:  req.RequestedValidFrom,
		RequestedValidUntil: req.RequestedValidUntil,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(signBlindedResponse{
		Signature:  base64.StdEncoding.EncodeToString(resp.Signature.Bytes()),
		KeyID:      resp.KeyID,
		ValidFrom:  resp.ValidFrom,
		ValidUntil: resp.ValidUntil,
	})
}

type redeemRequest struct {
	TicketID          string               `json:"ticketId"`
	Signature         string               `json:"signature"`
	KeyID             string               `json:"keyId"`
	ValidatorID       string               `json:"validatorId"`
	ObservedAt        time.Time            `json:"observedAt"`
	ClaimedKind       contracts.TicketKind `json:"claimedKind"`
	ClaimedValidFrom  time.Time            `json:"claimedValidFrom"`
	ClaimedValidUntil time.Time            `json:"claimedValidUntil"`
}

type redeemResponse struct {
	Decision string              `json:"decision"`
	Reason   contracts.ErrorKind `json:"reason,omitempty"`
}

func (s *Server) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSONValidated(w, r, "redeem", &req); err != nil {
		return
	}

	validatorID := req.ValidatorID
	if p, ok := auth.FromContext(r.Context()); ok {
		validatorID = p.ValidatorID
	}

	res, err := s.redeemer.Redeem(r.Context(), redeemer.RedeemRequest{
		TicketID: req.TicketID, Signature: req.Signature, KeyID: req.KeyID,
		ValidatorID: validatorID, ObservedAt: req.ObservedAt,
		ClaimedKind: req.ClaimedKind, ClaimedValidFrom: req.ClaimedValidFrom, ClaimedValidUntil: req.ClaimedValidUntil,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(redeemResponse{Decision: string(res.Decision), Reason: res.Reason})
}

type bloomResponse struct {
	Version uint64    `json:"version"`
	M       uint64    `json:"m"`
	K       uint64    `json:"k"`
	BitsB64 string    `json:"bitsBase64"`
	BuiltAt time.Time `json:"builtAt"`
}

func (s *Server) HandleBloom(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.filters.Latest()
	if !ok {
		WriteTicketError(w, contracts.NewError(contracts.ErrInternal, "no bloom snapshot has been built yet"))
		return
	}

	etag := strconv.FormatUint(snap.Version, 10)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(bloomResponse{
		Version: snap.Version, M: snap.M, K: snap.K,
		BitsB64: base64.StdEncoding.EncodeToString(snap.Bits), BuiltAt: snap.BuiltAt,
	})
}

type syncOfflineRequest struct {
	ValidatorID string `json:"validatorId"`
	Entries     []struct {
		LocalID       string               `json:"localId"`
		TicketHash    string               `json:"ticketHash"`
		TicketKind    contracts.TicketKind `json:"ticketKind"`
		ObservedAt    time.Time            `json:"observedAt"`
		LocalDecision string               `json:"localDecision"`
	} `json:"entries"`
}

type syncOfflineResponse struct {
	AckIDs    []string              `json:"ackIds"`
	Conflicts []reconciler.Conflict `json:"conflicts"`
}

func (s *Server) HandleSyncOffline(w http.ResponseWriter, r *http.Request) {
	var req syncOfflineRequest
	if err := decodeJSONValidated(w, r, "sync_offline", &req); err != nil {
		return
	}

	validatorID := req.ValidatorID
	if p, ok := auth.FromContext(r.Context()); ok {
		validatorID = p.ValidatorID
	}

	entries := make([]reconciler.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, reconciler.Entry{
			LocalID: e.LocalID, ValidatorID: validatorID, TicketHash: e.TicketHash,
			TicketKind: e.TicketKind, ObservedAt: e.ObservedAt, LocalDecision: e.LocalDecision,
		})
	}

	res, err := s.reconciler.Reconcile(r.Context(), validatorID, entries)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(syncOfflineResponse{AckIDs: res.AckIDs, Conflicts: res.Conflicts})
}

type revokeTicketRequest struct {
	TicketHash string `json:"ticketHash"`
	Reason     string `json:"reason"`
}

// HandleRevokeTicket is an operator-only endpoint: cmd/ticketd mounts it
// behind a role check requiring auth.RoleAdmin, since it's an additive,
// irreversible denylist entry checked on every future redemption.
func (s *Server) HandleRevokeTicket(w http.ResponseWriter, r *http.Request) {
	var req revokeTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.TicketHash == "" {
		WriteBadRequest(w, "ticketHash is required")
		return
	}

	err := s.ledger.Revoke(r.Context(), contracts.RevokedTicket{
		TicketHash: req.TicketHash,
		RevokedAt:  s.now(),
		Reason:     req.Reason,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid request body")
		return err
	}
	return nil
}

// decodeJSONValidated reads the body once, checks it against the named
// request schema, and only then unmarshals it into v. A schema violation
// is always the caller's fault, so it's reported as bad_request rather
// than surfacing the raw jsonschema error text.
func decodeJSONValidated(w http.ResponseWriter, r *http.Request, schemaName string, v any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "invalid request body")
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		WriteBadRequest(w, "invalid request body")
		return err
	}
	if err := validateSchema(schemaName, doc); err != nil {
		WriteBadRequest(w, "request body failed validation: "+err.Error())
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		WriteBadRequest(w, "invalid request body")
		return err
	}
	return nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	if de, ok := err.(*contracts.Error); ok {
		WriteTicketError(w, de)
		return
	}
	WriteInternal(w, err)
}
