// Package blindsigner implements the Blind Signer component: a thin,
// stateless, rate-limited, audit-logged adapter exposing
// signBlinded(keyId, blindedDigest) over the HSM capability boundary. It
// never inspects the blinded digest's contents beyond what's needed to
// route the private-key operation to the right key.
package blindsigner

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/contracts"
	"github.com/fareline/ticketing/pkg/crypto"
	"github.com/fareline/ticketing/pkg/keyregistry"
)

// Limiter abstracts the per-caller rate limit so tests can substitute a
// trivial allow-everything stub instead of standing up Redis.
type Limiter interface {
	Allow(ctx context.Context, callerID string) (bool, error)
}

// Signer is the Blind Signer component.
type Signer struct {
	registry *keyregistry.Registry
	limiter  Limiter
	auditLog audit.Log
}

func New(registry *keyregistry.Registry, limiter Limiter, auditLog audit.Log) *Signer {
	return &Signer{registry: registry, limiter: limiter, auditLog: auditLog}
}

// ErrMalformedInput signals the blinded digest could not be interpreted as
// a positive integer less than the key's modulus.
var ErrMalformedInput = errors.New("blindsigner: malformed blinded input")

// SignBlinded performs the RSA private-key operation for keyID against an
// opaque blinded value supplied by a caller (normally the Issuer).
// It never logs the digest or any hash of it, only the keyId, the caller,
// and the outcome.
func (s *Signer) SignBlinded(ctx context.Context, callerID, keyID string, blinded *big.Int) (*big.Int, error) {
	allowed, err := s.limiter.Allow(ctx, callerID)
	if err != nil {
		s.audit(ctx, callerID, keyID, "rate_limiter_unavailable", nil)
		return nil, contracts.NewError(contracts.ErrHSMUnavailable, "rate limiter unavailable: "+err.Error())
	}
	if !allowed {
		s.audit(ctx, callerID, keyID, "rate_limited", nil)
		return nil, contracts.NewError(contracts.ErrRateLimited, "signer rate limit exceeded for caller "+callerID)
	}

	key, err := s.registry.Verifier(keyID)
	if err != nil {
		s.audit(ctx, callerID, keyID, "denied", err)
		return nil, err
	}
	if key.Status != contracts.KeyStatusActive {
		s.audit(ctx, callerID, keyID, "key_not_active", nil)
		return nil, contracts.NewError(contracts.ErrKeyRevoked, "issuer key not active: "+keyID)
	}

	pub, pubErr := crypto.ParsePublicKeyPEM(key.PublicKeyPEM)
	if blinded == nil || blinded.Sign() <= 0 || (pubErr == nil && blinded.Cmp(pub.N) >= 0) {
		s.audit(ctx, callerID, keyID, "malformed_input", nil)
		return nil, fmt.Errorf("blindsigner: %w", ErrMalformedInput)
	}

	sig, err := s.registry.Sign(ctx, keyID, blinded)
	if err != nil {
		s.audit(ctx, callerID, keyID, "hsm_unavailable", err)
		return nil, contracts.NewError(contracts.ErrHSMUnavailable, "hsm signing failed: "+err.Error())
	}

	s.audit(ctx, callerID, keyID, "signed", nil)
	return sig, nil
}

func (s *Signer) audit(ctx context.Context, callerID, keyID, outcome string, cause error) {
	meta := map[string]any{
		"caller_id": callerID,
		"key_id":    keyID,
		"outcome":   outcome,
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	_, _ = s.auditLog.Record(ctx, "blindsigner", "sign_blinded", keyID, meta)
}
