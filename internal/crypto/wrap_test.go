package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapPrivateKey_RoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	wrapped, salt, err := WrapPrivateKey(priv, "correct horse battery staple")
	require.NoError(t, err)
	require.Len(t, salt, KDFSaltSize)

	got, err := UnwrapPrivateKey(wrapped, salt, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, priv.Equal(got))
}

func TestUnwrapPrivateKey_WrongPassword(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	wrapped, salt, err := WrapPrivateKey(priv, "password one")
	require.NoError(t, err)

	_, err = UnwrapPrivateKey(wrapped, salt, "password two")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestUnwrapPrivateKey_WrongSalt(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	wrapped, _, err := WrapPrivateKey(priv, "password")
	require.NoError(t, err)

	_, err = UnwrapPrivateKey(wrapped, make([]byte, KDFSaltSize), "password")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestUnwrapPrivateKey_MalformedPayload(t *testing.T) {
	_, err := UnwrapPrivateKey("%%% not base64 %%%", make([]byte, KDFSaltSize), "pw")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPassword)

	_, err = UnwrapPrivateKey("c2hvcnQ=", make([]byte, KDFSaltSize), "pw") // "short"
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPassword)
}
