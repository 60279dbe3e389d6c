package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// marshalJSON produces compact, non-HTML-escaped JSON ahead of JCS
// canonicalization (JCS re-sorts object keys but does not fix up escaping
// on its own).
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	return out, nil
}

// TicketHash returns the SHA-256 digest of a ticketId, hex encoded. This is
// the only representation of a ticket the backend ever persists; ticketId
// itself never leaves the client.
func TicketHash(ticketID string) string {
	sum := sha256.Sum256([]byte(ticketID))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns a hex-encoded SHA-256 digest of arbitrary bytes, used
// for audit-trail content hashes (blinded request hash, audit event chain).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
