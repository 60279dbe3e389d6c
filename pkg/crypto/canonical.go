// Package crypto implements the blind-signature primitive, ticket hashing,
// and issuer key material used throughout the engine. It never imports
// pkg/ledger or pkg/api — it is pure cryptography plus key bookkeeping.
package crypto

import (
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/fareline/ticketing/pkg/contracts"
)

// CanonicalTicketPayload produces the RFC 8785 JSON canonicalization of a
// TicketMetadata struct. This is the exact byte string that gets hashed and
// blind-signed; binding every claim (not just ticketId) into the signed
// message is what stops metadata forgery against a reused signature (design
// note §9).
func CanonicalTicketPayload(meta contracts.TicketMetadata) ([]byte, error) {
	raw, err := marshalJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket metadata: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize ticket metadata: %w", err)
	}
	return canon, nil
}
