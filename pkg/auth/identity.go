// Package auth authenticates validator devices and operator callers with
// JWT bearer tokens, and carries the resulting principal through request
// context.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs and verifies the bearer tokens issued to validator devices
// and operators, supporting rotation without downtime: a verifier that
// signed yesterday's tokens with key A can still check them after key B
// becomes current, as long as A has not yet been evicted.
type KeySet interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet is a process-local KeySet backed by Ed25519 keys. It
// retains a bounded number of past keys so in-flight tokens keep
// verifying across a rotation.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
	maxKeys    int
}

// NewInMemoryKeySet creates a keyset with one freshly-generated signing key.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{
		keys:    make(map[string]ed25519.PrivateKey),
		maxKeys: 10,
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a new signing key and makes it current, retiring the
// oldest retained key once maxKeys is exceeded.
func (ks *InMemoryKeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("auth: generate key: %w", err)
	}

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = priv
	ks.currentKID = kid

	if len(ks.keys) > ks.maxKeys {
		// kids embed a fixed-width UnixNano creation time, so the lexically
		// smallest kid is the oldest key.
		oldest := ""
		for k := range ks.keys {
			if k != kid && (oldest == "" || k < oldest) {
				oldest = k
			}
		}
		delete(ks.keys, oldest)
	}
	return nil
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", errors.New("auth: no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("auth: token is missing kid header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("auth: unknown signing key %s", kid)
		}
		return key.Public(), nil
	}
}

// Role is the set of capabilities a principal carries.
type Role string

const (
	RoleValidator Role = "validator"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

// Principal is the authenticated caller of one request: a validator
// device presenting its own bearer token, or a human operator.
type Principal struct {
	ValidatorID string
	Roles       []string
}

// HasRole reports whether the principal was granted the given role. A
// principal holding the admin role satisfies every role check.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == string(role) || r == string(RoleAdmin) {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the Principal attached by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
