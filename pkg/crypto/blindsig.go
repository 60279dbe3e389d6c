package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// Chaum RSA blind signatures. The client picks a random blinding factor r
// coprime to the key's modulus n, sends H(message)*r^e mod n to the signer,
// and divides the returned signature by r. The signer never observes the
// unblinded message. This package implements both sides so tests can
// exercise the full round trip end to end (spec §8 property 6), even though
// in production only the client ever calls Blind/Unblind.

var ErrInvalidBlindFactor = errors.New("crypto: blinding factor not invertible mod n")

// BlindRequest is what a client sends to the issuer: the blinded digest of
// the canonical ticket payload, ready for the private-key operation.
type BlindRequest struct {
	Blinded *big.Int
}

// Blind hides digest under a fresh random factor r, returning the blinded
// value to send to the signer and r (kept client-side) to unblind later.
func Blind(pub *rsa.PublicKey, digest []byte) (blinded *big.Int, r *big.Int, err error) {
	n := pub.N
	e := big.NewInt(int64(pub.E))

	m := new(big.Int).SetBytes(digest)
	m.Mod(m, n)

	for {
		r, err = rand.Int(rand.Reader, n)
		if err != nil {
			return nil, nil, fmt.Errorf("crypto: generate blinding factor: %w", err)
		}
		if r.Sign() == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, r, n).Cmp(big.NewInt(1)) == 0 {
			break
		}
	}

	rE := new(big.Int).Exp(r, e, n)
	blinded = new(big.Int).Mul(m, rE)
	blinded.Mod(blinded, n)

	return blinded, r, nil
}

// Unblind strips the blinding factor from a signature returned by the
// signer, producing a signature that verifies directly against digest.
func Unblind(pub *rsa.PublicKey, blindSig, r *big.Int) (*big.Int, error) {
	rInv := new(big.Int).ModInverse(r, pub.N)
	if rInv == nil {
		return nil, ErrInvalidBlindFactor
	}
	sig := new(big.Int).Mul(blindSig, rInv)
	sig.Mod(sig, pub.N)
	return sig, nil
}

// SignBlinded performs the RSA private-key operation on an opaque blinded
// value. It is the entire surface the Blind Signer exposes to the HSM
// capability: the signer never sees, and cannot recover, the unblinded
// message.
func SignBlinded(priv *rsa.PrivateKey, blinded *big.Int) (*big.Int, error) {
	if blinded.Cmp(priv.N) >= 0 || blinded.Sign() < 0 {
		return nil, errors.New("crypto: blinded value out of range")
	}
	return new(big.Int).Exp(blinded, priv.D, priv.N), nil
}

// VerifyRaw checks that sig^e mod n reproduces digest, the unpadded RSA
// verification used for blind signatures (the blind protocol is
// incompatible with PKCS#1v1.5/PSS padding, which randomizes or structures
// the message before the private-key operation).
func VerifyRaw(pub *rsa.PublicKey, digest []byte, sig *big.Int) bool {
	m := new(big.Int).SetBytes(digest)
	m.Mod(m, pub.N)

	e := big.NewInt(int64(pub.E))
	check := new(big.Int).Exp(sig, e, pub.N)

	return check.Cmp(m) == 0
}

// DigestForBlinding hashes a canonical ticket payload down to a fixed-width
// digest suitable for the RSA blind-signature modulus.
func DigestForBlinding(canonicalPayload []byte) []byte {
	sum := sha256.Sum256(canonicalPayload)
	return sum[:]
}

// GenerateKeyPair creates a fresh RSA keypair for an IssuerKey. Production
// deployments source this from the HSM instead; this exists for the
// SoftHSM test shim and for key-rotation tooling that pre-generates keys
// before they're imported into the HSM.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}
