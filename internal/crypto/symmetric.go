/*
Package crypto provides the encryption primitives for hybrid message
encryption.

ALGORITHMS:
  - AES-256-GCM: authenticated encryption of message plaintext
  - RSA-OAEP (2048-bit, SHA-256): wrapping of per-message symmetric keys
  - PBKDF2-SHA256: password-based protection of locally stored private keys

SECURITY PROPERTIES:
AES-GCM provides AEAD: decryption fails if ciphertext or IV is modified,
so a tampered message can never produce a differing plaintext. IVs are
12 bytes, generated fresh per call from crypto/rand, and must never be
reused with the same key; callers persist the exact IV alongside the
ciphertext.
*/
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// SymmetricKeySize is the size of symmetric keys (256 bits)
const SymmetricKeySize = 32

// IVSize is the AES-GCM IV size (96 bits)
const IVSize = 12

var (
	// ErrDecryptionFailed is returned when AEAD open fails: tag mismatch,
	// wrong key, or truncated input. No partial plaintext is ever returned.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeyLength is returned when a key is not exactly 32 bytes
	ErrInvalidKeyLength = errors.New("invalid key length")
)

// GenerateKey generates a random 256-bit symmetric key
func GenerateKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// GenerateIV generates a random 12-byte IV
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate random IV: %w", err)
	}
	return iv, nil
}

// Encrypt encrypts plaintext using AES-256-GCM with a fresh random IV.
// The returned IV must be persisted and supplied unmodified on decrypt.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv, err = GenerateIV()
	if err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV size: expected %d, got %d", gcm.NonceSize(), len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeyLength, SymmetricKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}
