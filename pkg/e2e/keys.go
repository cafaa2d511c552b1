// Package e2e implements the client-side end-to-end encryption used for
// private messages: RSA identities, hybrid sealing, and public key exchange.
package e2e

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultKeyBits is the RSA modulus size for new identities
const DefaultKeyBits = 2048

var (
	// ErrInvalidKeyMaterial means a public key could not be parsed
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// GenerateKeyPair creates a new RSA identity. bits <= 0 selects DefaultKeyBits.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// PublicKeyPEM exports a public key as PKIX "PUBLIC KEY" PEM
func PublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM imports a PKIX PEM public key. Any failure wraps
// ErrInvalidKeyMaterial.
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKeyMaterial)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKeyMaterial)
	}
	return rsaPub, nil
}

// LoadOrCreateKeyPair reads a PKCS#1 private key from path, generating and
// saving a new one (mode 0600) if the file does not exist.
func LoadOrCreateKeyPair(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: %s has no PEM block", ErrInvalidKeyMaterial, path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKeyMaterial, path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	key, err := GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	return key, nil
}
