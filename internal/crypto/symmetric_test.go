package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	for _, plaintext := range []string{"", "hello", "a longer message with spaces and \x00 bytes"} {
		ciphertext, iv, err := Encrypt([]byte(plaintext), key)
		require.NoError(t, err)
		require.Len(t, iv, IVSize)

		got, err := Decrypt(ciphertext, iv, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got))
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, iv1, err := Encrypt([]byte("same input"), key)
	require.NoError(t, err)
	_, iv2, err := Encrypt([]byte("same input"), key)
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
}

func TestDecrypt_TamperDetection(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	ciphertext, iv, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)

	// Flip one bit of the ciphertext
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0x01
	_, err = Decrypt(tampered, iv, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Flip one bit of the IV
	badIV := append([]byte(nil), iv...)
	badIV[len(badIV)-1] ^= 0x80
	_, err = Decrypt(ciphertext, badIV, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecrypt_WrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	ciphertext, iv, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, iv, other)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecrypt_Truncated(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	ciphertext, iv, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext[:4], iv, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncrypt_InvalidKeyLength(t *testing.T) {
	_, _, err := Encrypt([]byte("hello"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = Decrypt([]byte("x"), make([]byte, IVSize), make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}
