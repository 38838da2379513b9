package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// RSAKeyBits is the modulus size for user key pairs
const RSAKeyBits = 2048

// WrappedKeySize is the size of an RSA-OAEP wrapped symmetric key for a
// 2048-bit modulus. Hybrid payloads are split at this boundary.
const WrappedKeySize = RSAKeyBits / 8

var (
	// ErrNotRSAPublicKey is returned when imported PEM holds a non-RSA key
	ErrNotRSAPublicKey = errors.New("not an RSA public key")

	// ErrUnwrapFailed is returned when RSA-OAEP unwrap fails (wrong private
	// key or corrupted wrapped-key bytes)
	ErrUnwrapFailed = errors.New("failed to unwrap symmetric key")
)

// GenerateKeyPair generates a 2048-bit RSA key pair for encrypt/decrypt use.
// Generation failure is fatal to the caller's initialization flow and is
// never retried here.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return key, nil
}

// ExportPublicKey serializes a public key to PEM-encoded PKIX form
func ExportPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ImportPublicKey parses a PEM-encoded PKIX public key
func ImportPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("failed to decode PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAPublicKey
	}
	return rsaPub, nil
}

// ExportPrivateKey serializes a private key to PEM-encoded PKCS#8 form.
// This is the portable form fed to WrapPrivateKey; it is never stored or
// transmitted unencrypted.
func ExportPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ImportPrivateKey parses a PEM-encoded PKCS#8 private key
func ImportPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

// WrapKey encrypts a symmetric key to the recipient's public key using
// RSA-OAEP with SHA-256. The result is always WrappedKeySize bytes.
func WrapKey(symmetricKey []byte, pub *rsa.PublicKey) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, symmetricKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap symmetric key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey recovers a symmetric key wrapped with WrapKey
func UnwrapKey(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return key, nil
}
