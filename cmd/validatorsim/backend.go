package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/fareline/ticketing/pkg/contracts"
)

// backendClient talks to a running ticketd over HTTP. It implements
// validatorruntime.SyncClient so a Runtime can drive its sync schedule
// against a real deployment instead of the stub used in tests.
type backendClient struct {
	baseURL string
	http    *http.Client
}

func newBackendClient(baseURL string) *backendClient {
	return &backendClient{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

type syncEntryWire struct {
	LocalID       string               `json:"localId"`
	TicketHash    string               `json:"ticketHash"`
	TicketKind    contracts.TicketKind `json:"ticketKind"`
	ObservedAt    time.Time            `json:"observedAt"`
	LocalDecision string               `json:"localDecision"`
}

type syncRequestWire struct {
	ValidatorID string          `json:"validatorId"`
	Entries     []syncEntryWire `json:"entries"`
}

type syncResponseWire struct {
	AckIDs    []string `json:"ackIds"`
	Conflicts []any    `json:"conflicts"`
}

// Sync submits the device's pending offline validations and returns the
// local IDs the backend has durably reconciled.
func (c *backendClient) Sync(ctx context.Context, validatorID string, pending []contracts.OfflineValidation) ([]string, error) {
	wire := syncRequestWire{ValidatorID: validatorID}
	for _, p := range pending {
		wire.Entries = append(wire.Entries, syncEntryWire{
			LocalID:       p.LocalID,
			TicketHash:    p.TicketHash,
			TicketKind:    p.TicketKind,
			ObservedAt:    p.ObservedAt,
			LocalDecision: p.LocalDecision,
		})
	}

	var resp syncResponseWire
	if err := c.postJSON(ctx, "/v1/sync_offline", wire, &resp); err != nil {
		return nil, fmt.Errorf("backendClient: sync: %w", err)
	}
	return resp.AckIDs, nil
}

type bloomWire struct {
	Version uint64    `json:"version"`
	M       uint64    `json:"m"`
	K       uint64    `json:"k"`
	BitsB64 string    `json:"bitsBase64"`
	BuiltAt time.Time `json:"builtAt"`
}

// LatestSnapshot fetches the currently published Bloom filter. The backend
// does not support delta-since queries, so the comparison against since
// happens client-side: a snapshot no newer than what the caller already
// has is reported as not-available rather than re-downloaded.
func (c *backendClient) LatestSnapshot(ctx context.Context, since uint64) (contracts.BloomSnapshot, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/bloom", nil)
	if err != nil {
		return contracts.BloomSnapshot{}, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return contracts.BloomSnapshot{}, false, fmt.Errorf("backendClient: fetch bloom: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return contracts.BloomSnapshot{}, false, fmt.Errorf("backendClient: fetch bloom: unexpected status %d", resp.StatusCode)
	}

	var wire bloomWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return contracts.BloomSnapshot{}, false, fmt.Errorf("backendClient: decode bloom: %w", err)
	}

	if wire.Version <= since {
		return contracts.BloomSnapshot{}, false, nil
	}

	bits, err := base64.StdEncoding.DecodeString(wire.BitsB64)
	if err != nil {
		return contracts.BloomSnapshot{}, false, fmt.Errorf("backendClient: decode bloom bits: %w", err)
	}

	return contracts.BloomSnapshot{
		Version: wire.Version,
		BuiltAt: wire.BuiltAt,
		M:       wire.M,
		K:       wire.K,
		Bits:    bits,
	}, true, nil
}

// MinProtocolVersion reads the backend's minimum accepted protocol version
// from the X-Min-Protocol-Version response header on the bloom endpoint.
// A deployment that never sets the header imposes no floor.
func (c *backendClient) MinProtocolVersion(ctx context.Context) (*semver.Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/bloom", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backendClient: probe min protocol version: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	raw := resp.Header.Get("X-Min-Protocol-Version")
	if raw == "" {
		return nil, nil
	}
	return semver.NewVersion(raw)
}

// fetchKeys pulls the current public key set. It is not part of
// validatorruntime.SyncClient since key refresh is a separate, less
// frequent operation than pending-queue sync in the design.
func (c *backendClient) fetchKeys(ctx context.Context) ([]contracts.IssuerKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/keys/public", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backendClient: fetch keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backendClient: fetch keys: unexpected status %d", resp.StatusCode)
	}

	var keys []contracts.IssuerKey
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("backendClient: decode keys: %w", err)
	}
	return keys, nil
}

func (c *backendClient) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
