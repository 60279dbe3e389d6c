package crypto

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/fareline/ticketing/pkg/contracts"
)

// KeyRing tracks the full lifecycle of IssuerKeys: which are active,
// pre-published for an upcoming rotation, retired (verify-only), or
// revoked. It never holds private key material itself — that stays behind
// the HSM boundary — only the metadata needed to pick a signing key and to
// verify against the right public key.
type KeyRing struct {
	mu      sync.RWMutex
	hsm     HSM
	keys    map[string]*contracts.IssuerKey
	minLead time.Duration
}

// NewKeyRing builds an empty ring backed by hsm. minLead is the
// key_lead_time the Key Registry enforces when pre-publishing a rotation
// (spec §4.1): a key must be known to clients at least minLead before it
// starts signing.
func NewKeyRing(hsm HSM, minLead time.Duration) *KeyRing {
	return &KeyRing{
		hsm:     hsm,
		keys:    make(map[string]*contracts.IssuerKey),
		minLead: minLead,
	}
}

// Add registers an IssuerKey (typically just generated via the HSM) with
// the ring. Returns an error if activatesAt is sooner than minLead away,
// unless force is true (used for bootstrapping the first key).
func (kr *KeyRing) Add(key contracts.IssuerKey, force bool) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if !force && time.Until(key.ActivatesAt) < kr.minLead {
		return fmt.Errorf("crypto: key %s activates in less than lead time %s", key.KeyID, kr.minLead)
	}

	cp := key
	kr.keys[key.KeyID] = &cp
	return nil
}

// CurrentSigningKey picks the IssuerKey that should sign new tickets at
// instant now: the one active key whose [ActivatesAt, ExpiresAt) window
// contains now. If more than one key's window is open (mid-rotation
// overlap), the one with the latest ActivatesAt wins, so pre-published
// keys take over deterministically the moment they activate. This is the
// bare windowing rule; pkg/keyregistry layers the minLeadTime cushion and
// key_lead_time_short audit emission described in the selection rule on
// top of ActiveWindowKeys below.
func (kr *KeyRing) CurrentSigningKey(now time.Time) (*contracts.IssuerKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	var best *contracts.IssuerKey
	for _, k := range kr.keys {
		if !k.EligibleToSign(now) {
			continue
		}
		if best == nil || k.ActivatesAt.After(best.ActivatesAt) {
			best = k
		}
	}
	if best == nil {
		return nil, contracts.NewError(contracts.ErrNoActiveSigningKey, "no issuer key is active at this time")
	}
	cp := *best
	return &cp, nil
}

// ActiveWindowKeys returns every activated key whose window covers now,
// sorted by ActivatesAt descending, for callers implementing the full
// lead-time-aware selection rule.
func (kr *KeyRing) ActiveWindowKeys(now time.Time) []contracts.IssuerKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	var out []contracts.IssuerKey
	for _, k := range kr.keys {
		if k.EligibleToSign(now) {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivatesAt.After(out[j].ActivatesAt)
	})
	return out
}

// Activate transitions a scheduled key to active, the step that makes it
// eligible for CurrentSigningKey selection. Keys may also be added already
// active (bootstrapping the very first key).
func (kr *KeyRing) Activate(keyID string, at time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	k, ok := kr.keys[keyID]
	if !ok {
		return contracts.NewError(contracts.ErrUnknownKey, "no such issuer key: "+keyID)
	}
	if k.Status != contracts.KeyStatusScheduled {
		return fmt.Errorf("crypto: key %s is not scheduled (status=%s)", keyID, k.Status)
	}
	if at.Before(k.ActivatesAt) {
		return fmt.Errorf("crypto: key %s cannot activate before its activatesAt", keyID)
	}
	k.Status = contracts.KeyStatusActive
	return nil
}

// Lookup returns the IssuerKey for keyID regardless of lifecycle state, so
// verification can still succeed against a retired (but not revoked) key.
func (kr *KeyRing) Lookup(keyID string) (*contracts.IssuerKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	k, ok := kr.keys[keyID]
	if !ok {
		return nil, contracts.NewError(contracts.ErrUnknownKey, "no such issuer key: "+keyID)
	}
	if k.Status == contracts.KeyStatusRevoked {
		return nil, contracts.NewError(contracts.ErrKeyRevoked, "issuer key revoked: "+keyID)
	}
	cp := *k
	return &cp, nil
}

// PublicKeySet returns every key not yet revoked, newest first, the shape
// served by GET /keys/public so clients and validators can hold a rolling
// window of verifiable keys across a rotation.
func (kr *KeyRing) PublicKeySet() []contracts.IssuerKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	out := make([]contracts.IssuerKey, 0, len(kr.keys))
	for _, k := range kr.keys {
		if k.Status == contracts.KeyStatusRevoked {
			continue
		}
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivatesAt.After(out[j].ActivatesAt)
	})
	return out
}

// Retire marks a key verify-only: it no longer comes back from
// CurrentSigningKey but still verifies existing tickets until ExpiresAt.
func (kr *KeyRing) Retire(keyID string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	k, ok := kr.keys[keyID]
	if !ok {
		return contracts.NewError(contracts.ErrUnknownKey, "no such issuer key: "+keyID)
	}
	k.Status = contracts.KeyStatusRetired
	return nil
}

// Revoke marks a key permanently unusable for both signing and
// verification. Any ticket still outstanding under this key becomes
// unredeemable; callers use this only in response to suspected key
// compromise.
func (kr *KeyRing) Revoke(keyID, reason string, at time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	k, ok := kr.keys[keyID]
	if !ok {
		return contracts.NewError(contracts.ErrUnknownKey, "no such issuer key: "+keyID)
	}
	k.Status = contracts.KeyStatusRevoked
	k.RevokedAt = &at
	k.RevokedReason = reason
	return nil
}

// Verifier returns the IssuerKey (with its PEM-encoded public key) for
// keyID, resolving through Lookup so revoked keys are rejected up front.
func (kr *KeyRing) Verifier(keyID string) (*contracts.IssuerKey, error) {
	return kr.Lookup(keyID)
}

// Sign performs the HSM-backed private-key operation for keyID, the only
// point in the engine where a blinded value is turned into a signature.
func (kr *KeyRing) Sign(ctx context.Context, keyID string, blinded *big.Int) (*big.Int, error) {
	return kr.hsm.SignBlinded(ctx, keyID, blinded)
}
