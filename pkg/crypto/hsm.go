package crypto

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
)

// HSM is the capability boundary the Blind Signer calls through. Production
// deployments back this with a real hardware security module; SoftHSM below
// is a software fallback acceptable only as a test shim, never in
// production (spec §4.2).
type HSM interface {
	// SignBlinded performs the RSA private-key operation for keyID against an
	// opaque blinded value, never seeing the unblinded ticket payload.
	SignBlinded(ctx context.Context, keyID string, blinded *big.Int) (*big.Int, error)

	// PublicKey returns the public half of keyID, used to populate
	// IssuerKey.PublicKeyPEM and to answer GET /keys/public.
	PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)

	// Generate provisions a fresh RSA keypair under a new keyID and returns
	// its public key, used by key-rotation tooling.
	Generate(ctx context.Context, keyID string, bits int) (*rsa.PublicKey, error)
}

var (
	ErrKeyNotFound = errors.New("crypto: key not found in HSM")
)

// SoftHSM is a file-backed RSA keystore implementing HSM for development and
// integration tests. It persists each private key as a 0600 PEM file under a
// base directory, mirroring the layout a real HSM integration would wrap
// with a vendor PKCS#11 driver instead.
type SoftHSM struct {
	mu      sync.RWMutex
	baseDir string
	keys    map[string]*rsa.PrivateKey
}

// NewSoftHSM opens (creating if absent) a directory-backed key store at
// baseDir, loading any previously generated keys.
func NewSoftHSM(baseDir string) (*SoftHSM, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create hsm directory: %w", err)
	}
	h := &SoftHSM{baseDir: baseDir, keys: make(map[string]*rsa.PrivateKey)}
	if err := h.loadExisting(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *SoftHSM) loadExisting() error {
	entries, err := os.ReadDir(h.baseDir)
	if err != nil {
		return fmt.Errorf("crypto: read hsm directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
			continue
		}
		keyID := entry.Name()[:len(entry.Name())-len(".pem")]
		raw, err := os.ReadFile(filepath.Join(h.baseDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("crypto: read key %s: %w", keyID, err)
		}
		priv, err := decodePrivateKeyPEM(raw)
		if err != nil {
			return fmt.Errorf("crypto: decode key %s: %w", keyID, err)
		}
		h.keys[keyID] = priv
	}
	return nil
}

func (h *SoftHSM) SignBlinded(ctx context.Context, keyID string, blinded *big.Int) (*big.Int, error) {
	h.mu.RLock()
	priv, ok := h.keys[keyID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return SignBlinded(priv, blinded)
}

func (h *SoftHSM) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	h.mu.RLock()
	priv, ok := h.keys[keyID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &priv.PublicKey, nil
}

func (h *SoftHSM) Generate(ctx context.Context, keyID string, bits int) (*rsa.PublicKey, error) {
	priv, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key %s: %w", keyID, err)
	}

	if err := h.persist(keyID, priv); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.keys[keyID] = priv
	h.mu.Unlock()

	return &priv.PublicKey, nil
}

func (h *SoftHSM) persist(keyID string, priv *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	path := filepath.Join(h.baseDir, keyID+".pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("crypto: persist key %s: %w", keyID, err)
	}
	return nil
}

func decodePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypto: private key is not RSA")
	}
	return priv, nil
}
