//go:build property
// +build property

// Package crypto_test contains property-based tests for the blind-signature
// round trip.
package crypto_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fareline/ticketing/pkg/crypto"
)

// TestBlindSignatureRoundTripAlwaysVerifies checks that for any message,
// sign(blind(m)) unblinds to a signature that verifies directly against m,
// regardless of which random blinding factor was chosen.
func TestBlindSignatureRoundTripAlwaysVerifies(t *testing.T) {
	priv, err := crypto.GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("blind-sign-unblind round trip always verifies", prop.ForAll(
		func(message string) bool {
			digest := crypto.DigestForBlinding([]byte(message))

			blinded, r, err := crypto.Blind(&priv.PublicKey, digest)
			if err != nil {
				return false
			}

			blindSig, err := crypto.SignBlinded(priv, blinded)
			if err != nil {
				return false
			}

			sig, err := crypto.Unblind(&priv.PublicKey, blindSig, r)
			if err != nil {
				return false
			}

			return crypto.VerifyRaw(&priv.PublicKey, digest, sig)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestBlindSignatureUnlinkability checks that two blindings of the same
// message with independently drawn factors never produce the same blinded
// value, the property that lets the signer sign without being able to
// correlate a blinded request with the eventual unblinded ticket.
func TestBlindSignatureUnlinkability(t *testing.T) {
	priv, err := crypto.GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("independent blindings of the same message differ", prop.ForAll(
		func(message string) bool {
			digest := crypto.DigestForBlinding([]byte(message))

			blinded1, _, err := crypto.Blind(&priv.PublicKey, digest)
			if err != nil {
				return false
			}
			blinded2, _, err := crypto.Blind(&priv.PublicKey, digest)
			if err != nil {
				return false
			}

			return blinded1.Cmp(blinded2) != 0
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
