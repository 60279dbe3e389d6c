package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/fareline/ticketing/pkg/contracts"
)

// ParsePublicKeyPEM decodes a PKCS#1 or PKIX PEM-encoded RSA public key, the
// format IssuerKey.PublicKeyPEM is stored and transmitted in.
func ParsePublicKeyPEM(pemBytes string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}

	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}

	pkix, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	pub, ok := pkix.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypto: public key is not RSA")
	}
	return pub, nil
}

// EncodePublicKeyPEM renders an RSA public key as PKIX PEM, the canonical
// on-the-wire form served by GET /keys/public.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// VerifyTicket checks a base64 signature against the canonical encoding of
// the ticket's metadata, binding ticketId to its validity window, kind, and
// keyId so a signature cannot be replayed against forged bounds.
func VerifyTicket(pub *rsa.PublicKey, meta contracts.TicketMetadata, sigB64 string) (bool, error) {
	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("crypto: decode signature: %w", err)
	}
	sig := new(big.Int).SetBytes(sigBytes)

	payload, err := CanonicalTicketPayload(meta)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize ticket metadata: %w", err)
	}
	digest := DigestForBlinding(payload)

	return VerifyRaw(pub, digest, sig), nil
}

// EncodeSignature renders a raw RSA blind-signature value as the base64
// string carried over the wire.
func EncodeSignature(sig *big.Int) string {
	return base64.StdEncoding.EncodeToString(sig.Bytes())
}

// DecodeSignature parses a base64-encoded signature back into a big.Int for
// use with Unblind or VerifyRaw.
func DecodeSignature(sigB64 string) (*big.Int, error) {
	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return new(big.Int).SetBytes(sigBytes), nil
}
