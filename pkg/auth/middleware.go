package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set issued to validator devices and operators.
// ValidatorID is the authenticated identity the Reconciler and Redeemer
// attribute fraud findings to; it must never be taken from a request body
// field, since an unauthenticated validatorId would let one device frame
// another for double-spending.
type Claims struct {
	jwt.RegisteredClaims
	ValidatorID string   `json:"validator_id"`
	Roles       []string `json:"roles"`
}

// Validator parses and validates bearer tokens against a KeySet.
type Validator struct {
	keys KeySet
}

func NewValidator(keys KeySet) *Validator {
	return &Validator{keys: keys}
}

func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	if v.keys == nil {
		return nil, errors.New("auth: validator has no keyset configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keys.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.ValidatorID == "" {
		return nil, errors.New("auth: token is missing validator_id claim")
	}
	return claims, nil
}

var publicPaths = map[string]bool{
	"/v1/health":        true,
	"/v1/keys/public":   true,
	"/v1/bloom":         true,
	"/v1/filter/latest": true,
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/v1/filter")
}

// ErrorWriter lets the middleware report auth failures without importing
// the api package back (api already imports auth for the Principal type).
type ErrorWriter func(w http.ResponseWriter, r *http.Request, detail string)

// Middleware authenticates every non-public request, attaching a
// Principal to the request context on success. A nil Validator fails
// closed: every protected request is rejected rather than silently
// admitted.
func Middleware(validator *Validator, writeUnauthorized ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, r, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, r, "Authorization header must be a Bearer token")
				return
			}

			if validator == nil {
				writeUnauthorized(w, r, "authentication is not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				writeUnauthorized(w, r, "invalid or expired token")
				return
			}

			principal := Principal{ValidatorID: claims.ValidatorID, Roles: claims.Roles}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoleForPaths gates the listed paths behind role, leaving every
// other path untouched. It must sit behind Middleware in the chain so a
// Principal has already been attached to the request context; a request
// reaching a gated path with no Principal, or one lacking role, is
// rejected before the handler runs.
func RequireRoleForPaths(role Role, paths map[string]bool, writeForbidden ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !paths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := FromContext(r.Context())
			if !ok || !principal.HasRole(role) {
				writeForbidden(w, r, fmt.Sprintf("%s requires the %s role", r.URL.Path, role))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
