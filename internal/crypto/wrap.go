package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// KDFIterations is the PBKDF2 iteration count. Deliberately slow to resist
// offline brute force against a stolen wrapped key.
const KDFIterations = 100000

// KDFSaltSize is the size of the random KDF salt
const KDFSaltSize = 16

// ErrInvalidPassword is returned when unwrapping with the wrong password.
// The AES-GCM authentication tag makes this distinguishable from format
// errors; a key derived from a failed decryption is never returned.
var ErrInvalidPassword = errors.New("invalid password")

// deriveWrappingKey turns a password and salt into a 256-bit AES key
func deriveWrappingKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KDFIterations, SymmetricKeySize, sha256.New)
}

// WrapPrivateKey encrypts a private key under a key derived from password.
// The returned wrapped form is base64(iv || ciphertext); the salt is not
// secret and is stored alongside it.
func WrapPrivateKey(priv *rsa.PrivateKey, password string) (wrapped string, salt []byte, err error) {
	serialized, err := ExportPrivateKey(priv)
	if err != nil {
		return "", nil, err
	}

	salt = make([]byte, KDFSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", nil, fmt.Errorf("failed to generate KDF salt: %w", err)
	}

	ciphertext, iv, err := Encrypt(serialized, deriveWrappingKey(password, salt))
	if err != nil {
		return "", nil, err
	}

	payload := make([]byte, 0, len(iv)+len(ciphertext))
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)
	return base64.StdEncoding.EncodeToString(payload), salt, nil
}

// UnwrapPrivateKey decrypts a wrapped private key. A wrong password fails
// with ErrInvalidPassword; an unparseable payload fails with a format error.
func UnwrapPrivateKey(wrapped string, salt []byte, password string) (*rsa.PrivateKey, error) {
	payload, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	if len(payload) <= IVSize {
		return nil, errors.New("wrapped key payload too short")
	}

	iv, ciphertext := payload[:IVSize], payload[IVSize:]
	serialized, err := Decrypt(ciphertext, iv, deriveWrappingKey(password, salt))
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return nil, ErrInvalidPassword
		}
		return nil, err
	}

	return ImportPrivateKey(serialized)
}
