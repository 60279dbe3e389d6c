// Package keyregistry implements the Key Registry component: IssuerKey
// lifecycle, the lead-time-aware signing-key selection rule, and rotation
// scheduling. It wraps pkg/crypto.KeyRing (pure key storage plus HSM
// signing) with the audit emission and minLeadTime cushion the selection
// rule requires.
package keyregistry

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/crypto"
)

// Registry is the Key Registry component.
type Registry struct {
	ring        *crypto.KeyRing
	hsm         crypto.HSM
	auditLog    audit.Log
	minLeadTime time.Duration
}

// New builds a Registry. minLeadTime defaults to the maximum single-ticket
// validity per the selection rule; callers pass it explicitly from
// configuration.
func New(ring *crypto.KeyRing, hsm crypto.HSM, auditLog audit.Log, minLeadTime time.Duration) *Registry {
	return &Registry{ring: ring, hsm: hsm, auditLog: auditLog, minLeadTime: minLeadTime}
}

// ScheduleKey generates a fresh RSA keypair under the HSM and registers it
// in the scheduled state: its public key is immediately visible via
// PublicKeySet so validators can cache it, but it cannot be selected to
// sign until Activate is called. activatesAt must be at least the
// registry's pre-publish lead time in the future.
func (r *Registry) ScheduleKey(ctx context.Context, keyID string, bits int, activatesAt, expiresAt time.Time) (contracts.IssuerKey, error) {
	pub, err := r.hsm.Generate(ctx, keyID, bits)
	if err != nil {
		return contracts.IssuerKey{}, fmt.Errorf("keyregistry: generate key %s: %w", keyID, err)
	}
	pem, err := crypto.EncodePublicKeyPEM(pub)
	if err != nil {
		return contracts.IssuerKey{}, fmt.Errorf("keyregistry: encode key %s: %w", keyID, err)
	}

	key := contracts.IssuerKey{
		KeyID:        keyID,
		PublicKeyPEM: pem,
		ActivatesAt:  activatesAt,
		ExpiresAt:    expiresAt,
		Status:       contracts.KeyStatusScheduled,
	}
	if err := r.ring.Add(key, false); err != nil {
		return contracts.IssuerKey{}, err
	}

	if _, err := r.auditLog.Record(ctx, "keyregistry", "key_scheduled", "", map[string]any{
		"key_id":       keyID,
		"activates_at": activatesAt,
		"expires_at":   expiresAt,
	}); err != nil {
		return contracts.IssuerKey{}, fmt.Errorf("keyregistry: record audit event: %w", err)
	}

	return key, nil
}

// Activate transitions a scheduled key to active at the given instant,
// normally called by an operator-driven rotation job once activatesAt has
// arrived (or immediately, for the very first bootstrap key added directly
// as active).
func (r *Registry) Activate(ctx context.Context, keyID string, at time.Time) error {
	if err := r.ring.Activate(keyID, at); err != nil {
		return err
	}
	_, err := r.auditLog.Record(ctx, "keyregistry", "key_activated", "", map[string]any{"key_id": keyID})
	return err
}

// BootstrapActiveKey registers a key that is immediately active, bypassing
// the scheduled/lead-time workflow. Used only to provision the very first
// signing key in a fresh deployment.
func (r *Registry) BootstrapActiveKey(ctx context.Context, keyID string, bits int, activatesAt, expiresAt time.Time) (contracts.IssuerKey, error) {
	pub, err := r.hsm.Generate(ctx, keyID, bits)
	if err != nil {
		return contracts.IssuerKey{}, fmt.Errorf("keyregistry: generate key %s: %w", keyID, err)
	}
	pem, err := crypto.EncodePublicKeyPEM(pub)
	if err != nil {
		return contracts.IssuerKey{}, fmt.Errorf("keyregistry: encode key %s: %w", keyID, err)
	}
	key := contracts.IssuerKey{
		KeyID:        keyID,
		PublicKeyPEM: pem,
		ActivatesAt:  activatesAt,
		ExpiresAt:    expiresAt,
		Status:       contracts.KeyStatusActive,
	}
	if err := r.ring.Add(key, true); err != nil {
		return contracts.IssuerKey{}, err
	}
	_, err = r.auditLog.Record(ctx, "keyregistry", "key_bootstrapped", "", map[string]any{"key_id": keyID})
	return key, err
}

// CurrentSigningKey implements the exact selection rule from the design:
// among keys whose window covers now, prefer the one with the latest
// ActivatesAt whose ExpiresAt clears now+minLeadTime. If no key clears the
// cushion but one still covers now, signing proceeds under it anyway and a
// key_lead_time_short audit event is emitted — an operational warning, not
// a failure, since Issuer must still be able to sign.
func (r *Registry) CurrentSigningKey(ctx context.Context, now time.Time) (contracts.IssuerKey, error) {
	candidates := r.ring.ActiveWindowKeys(now)
	if len(candidates) == 0 {
		return contracts.IssuerKey{}, contracts.NewError(contracts.ErrNoActiveSigningKey, "no issuer key is active at this time")
	}

	cushion := now.Add(r.minLeadTime)
	for _, k := range candidates {
		if k.ExpiresAt.After(cushion) {
			return k, nil
		}
	}

	// None clears the lead-time cushion; fall back to the most recently
	// activated covering key and flag it.
	chosen := candidates[0]
	if _, err := r.auditLog.Record(ctx, "keyregistry", "key_lead_time_short", "", map[string]any{
		"key_id":     chosen.KeyID,
		"expires_at": chosen.ExpiresAt,
		"min_lead":   r.minLeadTime.String(),
	}); err != nil {
		return contracts.IssuerKey{}, fmt.Errorf("keyregistry: record audit event: %w", err)
	}
	return chosen, nil
}

// PublicKeySet serves GET /keys/public: every non-revoked key, scheduled
// ones included so validators can pre-cache them.
func (r *Registry) PublicKeySet() []contracts.IssuerKey {
	return r.ring.PublicKeySet()
}

// Verifier resolves keyID to its metadata for signature verification,
// rejecting revoked keys but accepting retired ones.
func (r *Registry) Verifier(keyID string) (contracts.IssuerKey, error) {
	k, err := r.ring.Lookup(keyID)
	if err != nil {
		return contracts.IssuerKey{}, err
	}
	return *k, nil
}

// Sign performs the HSM-backed private-key operation for keyID, delegating
// to the underlying KeyRing; the Blind Signer is the only caller.
func (r *Registry) Sign(ctx context.Context, keyID string, blinded *big.Int) (*big.Int, error) {
	return r.ring.Sign(ctx, keyID, blinded)
}

// Retire marks a key verify-only ahead of its natural expiry, typically
// called once a rotation's replacement key has taken over signing.
func (r *Registry) Retire(ctx context.Context, keyID string) error {
	if err := r.ring.Retire(keyID); err != nil {
		return err
	}
	_, err := r.auditLog.Record(ctx, "keyregistry", "key_retired", "", map[string]any{"key_id": keyID})
	return err
}

// Revoke is the emergency mechanism: it makes keyID permanently unusable
// for both signing and verification, in response to suspected compromise.
func (r *Registry) Revoke(ctx context.Context, keyID, reason string, at time.Time) error {
	if err := r.ring.Revoke(keyID, reason, at); err != nil {
		return err
	}
	_, err := r.auditLog.Record(ctx, "keyregistry", "key_revoked", "", map[string]any{
		"key_id": keyID,
		"reason": reason,
	})
	return err
}
