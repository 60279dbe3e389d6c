// Package contracts holds the shared entity types for the ticketing engine.
// Types here are persistence-agnostic; pkg/ledger and pkg/store-style
// adapters map them onto Postgres or an in-memory backing.
package contracts

import "time"

// KeyStatus is the lifecycle state of an IssuerKey.
type KeyStatus string

const (
	// KeyStatusScheduled is a pre-published key: its public half is already
	// part of publicKeySet so validators can cache it ahead of time, but it
	// is not yet eligible to sign tickets.
	KeyStatusScheduled KeyStatus = "scheduled"
	KeyStatusActive    KeyStatus = "active"
	KeyStatusRetired   KeyStatus = "retired"
	KeyStatusRevoked   KeyStatus = "revoked"
)

// IssuerKey is one RSA keypair the issuer signs blinded tickets under. Only
// the public half and metadata are ever serialized outside the HSM boundary;
// PrivateKeyRef is an opaque handle the HSM resolves internally.
type IssuerKey struct {
	KeyID         string     `json:"key_id"`
	PublicKeyPEM  string     `json:"public_key_pem"`
	PrivateKeyRef string     `json:"-"`
	ActivatesAt   time.Time  `json:"activates_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Status        KeyStatus  `json:"status"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// Covers reports whether the key is usable for signature verification at
// instant t. Scheduled keys are not yet signature-bearing but may already
// have tickets referencing them the moment they activate, so Covers treats
// scheduled and active identically; revoked keys never cover anything.
func (k IssuerKey) Covers(t time.Time) bool {
	if k.Status == KeyStatusRevoked {
		return false
	}
	return !t.Before(k.ActivatesAt) && t.Before(k.ExpiresAt)
}

// EligibleToSign reports whether the key may be chosen as a ticket's
// signing key at instant t: it must be activated (not merely scheduled),
// its activation window must have opened, and it must not be revoked.
func (k IssuerKey) EligibleToSign(t time.Time) bool {
	return k.Status == KeyStatusActive && !t.Before(k.ActivatesAt) && t.Before(k.ExpiresAt)
}
