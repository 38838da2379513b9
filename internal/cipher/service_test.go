package cipher

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/messenger/internal/crypto"
)

// fakeStore keeps session keys in memory and counts key reads so tests can
// assert authorization happens before any key material is touched.
type fakeStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID][]uuid.UUID
	keys         map[uuid.UUID]string
	keyReads     int

	// when set, the next StoreSessionKeyIfAbsent reports a lost race after
	// installing this key
	raceWinner string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: make(map[uuid.UUID][]uuid.UUID),
		keys:         make(map[uuid.UUID]string),
	}
}

func (f *fakeStore) IsParticipant(_ context.Context, userID, conversationID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.participants[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SessionKey(_ context.Context, conversationID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyReads++
	return f.keys[conversationID], nil
}

func (f *fakeStore) StoreSessionKeyIfAbsent(_ context.Context, conversationID uuid.UUID, encoded string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceWinner != "" {
		f.keys[conversationID] = f.raceWinner
		f.raceWinner = ""
		return false, nil
	}
	if f.keys[conversationID] != "" {
		return false, nil
	}
	f.keys[conversationID] = encoded
	return true, nil
}

type cipherHarness struct {
	store  *fakeStore
	svc    *Service
	caller uuid.UUID
	conv   uuid.UUID
}

func newCipherHarness(t *testing.T) *cipherHarness {
	t.Helper()
	h := &cipherHarness{
		store:  newFakeStore(),
		caller: uuid.New(),
		conv:   uuid.New(),
	}
	h.store.participants[h.conv] = []uuid.UUID{h.caller, uuid.New()}
	h.svc = &Service{store: h.store}
	return h
}

func TestEncrypt_CreatesSessionKeyOnce(t *testing.T) {
	h := newCipherHarness(t)
	ctx := context.Background()

	ct1, iv1, err := h.svc.Encrypt(ctx, h.caller, h.conv, []byte("first"))
	require.NoError(t, err)
	require.Len(t, h.store.keys, 1)
	stored := h.store.keys[h.conv]

	ct2, iv2, err := h.svc.Encrypt(ctx, h.caller, h.conv, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, stored, h.store.keys[h.conv], "second encrypt must reuse the stored key")

	// Both ciphertexts decrypt under the single stored key
	key, err := DecodeSessionKey(stored)
	require.NoError(t, err)

	pt1, err := crypto.Decrypt(ct1, iv1, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), pt1)

	pt2, err := crypto.Decrypt(ct2, iv2, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), pt2)
}

func TestEncrypt_NonParticipantNeverTouchesKeys(t *testing.T) {
	h := newCipherHarness(t)

	_, _, err := h.svc.Encrypt(context.Background(), uuid.New(), h.conv, []byte("data"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, h.store.keyReads, "authorization must precede key access")
	assert.Empty(t, h.store.keys)
}

func TestDecrypt_NonParticipantNeverTouchesKeys(t *testing.T) {
	h := newCipherHarness(t)
	h.store.keys[h.conv] = base64.StdEncoding.EncodeToString(make([]byte, crypto.SymmetricKeySize))

	_, err := h.svc.Decrypt(context.Background(), uuid.New(), h.conv, []byte("ct"), []byte("iv"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, h.store.keyReads)
}

func TestEncrypt_LostRaceAdoptsPersistedKey(t *testing.T) {
	h := newCipherHarness(t)
	winner, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.store.raceWinner = base64.StdEncoding.EncodeToString(winner)

	ct, iv, err := h.svc.Encrypt(context.Background(), h.caller, h.conv, []byte("raced"))
	require.NoError(t, err)

	// The ciphertext must be under the key that won, not the one we generated
	pt, err := crypto.Decrypt(ct, iv, winner)
	require.NoError(t, err)
	assert.Equal(t, []byte("raced"), pt)
}

func TestDecrypt_NoSessionKey(t *testing.T) {
	h := newCipherHarness(t)

	_, err := h.svc.Decrypt(context.Background(), h.caller, h.conv, []byte("ct"), []byte("iv"))
	assert.ErrorIs(t, err, ErrNoSessionKey)
}

func TestDecodeSessionKey_Hex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	got, err := DecodeSessionKey(hex.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestDecodeSessionKey_Base64(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	got, err := DecodeSessionKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestDecodeSessionKey_InvalidFormat(t *testing.T) {
	_, err := DecodeSessionKey("%%% definitely not a key %%%")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestDecodeSessionKey_WrongLength(t *testing.T) {
	_, err := DecodeSessionKey(hex.EncodeToString([]byte("too short")))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = DecodeSessionKey(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}
