package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPair_ExportImportPublic(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	pemBytes, err := ExportPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	assert.Contains(t, string(pemBytes), "BEGIN PUBLIC KEY")

	pub, err := ImportPublicKey(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, pub.N)
	assert.Equal(t, priv.PublicKey.E, pub.E)
}

func TestKeyPair_ExportImportPrivate(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	pemBytes, err := ExportPrivateKey(priv)
	require.NoError(t, err)

	got, err := ImportPrivateKey(pemBytes)
	require.NoError(t, err)
	assert.True(t, priv.Equal(got))
}

func TestWrapUnwrapKey_RoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	symKey, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(symKey, &priv.PublicKey)
	require.NoError(t, err)
	assert.Len(t, wrapped, WrappedKeySize)

	got, err := UnwrapKey(wrapped, priv)
	require.NoError(t, err)
	assert.Equal(t, symKey, got)
}

func TestUnwrapKey_WrongPrivateKey(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	symKey, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(symKey, &priv.PublicKey)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, other)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestImportPublicKey_Garbage(t *testing.T) {
	_, err := ImportPublicKey([]byte("not pem at all"))
	assert.Error(t, err)
}
