package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/messenger/internal/crypto"
	"gitlab.com/secp/services/messenger/internal/directory"
	"gitlab.com/secp/services/messenger/internal/keystore"
	"gitlab.com/secp/services/messenger/internal/models"
)

// ---------- fakes ----------

type fakeKeyStore struct {
	mu       sync.Mutex
	material map[uuid.UUID]keystore.KeyMaterial
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{material: make(map[uuid.UUID]keystore.KeyMaterial)}
}

func (f *fakeKeyStore) Store(m keystore.KeyMaterial) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.material[m.UserID] = m
	return nil
}

func (f *fakeKeyStore) Retrieve(userID uuid.UUID) (*keystore.KeyMaterial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.material[userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

type fakeDirectory struct {
	mu               sync.Mutex
	keys             map[uuid.UUID][]byte
	uploads          int
	registerFailures int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{keys: make(map[uuid.UUID][]byte)}
}

func (f *fakeDirectory) Fetch(_ context.Context, userID uuid.UUID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[userID]
	if !ok {
		return nil, directory.ErrNoPublicKey
	}
	return key, nil
}

func (f *fakeDirectory) Register(_ context.Context, userID uuid.UUID, pem []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerFailures > 0 {
		f.registerFailures--
		return nil, errors.New("directory unavailable")
	}
	if existing, ok := f.keys[userID]; ok {
		return existing, nil
	}
	f.keys[userID] = pem
	f.uploads++
	return pem, nil
}

func (f *fakeDirectory) Upload(_ context.Context, userID uuid.UUID, pem []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[userID] = pem
	f.uploads++
	return nil
}

// fakeCipherRPC mimics the server-side session cipher with one in-memory
// key per conversation
type fakeCipherRPC struct {
	mu           sync.Mutex
	keys         map[uuid.UUID][]byte
	encryptCalls int
	decryptCalls int
	failAll      bool
}

func newFakeCipherRPC() *fakeCipherRPC {
	return &fakeCipherRPC{keys: make(map[uuid.UUID][]byte)}
}

func (f *fakeCipherRPC) sessionKey(conversationID uuid.UUID) ([]byte, error) {
	key, ok := f.keys[conversationID]
	if !ok {
		var err error
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		f.keys[conversationID] = key
	}
	return key, nil
}

func (f *fakeCipherRPC) Encrypt(_ context.Context, conversationID uuid.UUID, plaintext []byte) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encryptCalls++
	if f.failAll {
		return nil, nil, errors.New("cipher service unavailable")
	}
	key, err := f.sessionKey(conversationID)
	if err != nil {
		return nil, nil, err
	}
	return crypto.Encrypt(plaintext, key)
}

func (f *fakeCipherRPC) Decrypt(_ context.Context, conversationID uuid.UUID, ciphertext, iv []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decryptCalls++
	if f.failAll {
		return nil, errors.New("cipher service unavailable")
	}
	key, ok := f.keys[conversationID]
	if !ok {
		return nil, errors.New("no session key")
	}
	return crypto.Decrypt(ciphertext, iv, key)
}

type fakeStore struct {
	mu           sync.Mutex
	messages     []*models.Message
	failuresLeft int
	persistCalls int
	fetchCalls   int
}

func (f *fakeStore) Persist(_ context.Context, conversationID uuid.UUID, content []byte, iv string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("storage timeout")
	}
	msg := &models.Message{
		ID:               uuid.New(),
		ConversationID:   conversationID,
		SenderID:         uuid.New(),
		ContentEncrypted: content,
		IV:               iv,
		CreatedAt:        time.Now(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) Messages(_ context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, msg := range f.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeStore) Message(_ context.Context, messageID uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	for _, msg := range f.messages {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, nil
}

type fakeResolver struct {
	other uuid.UUID
	err   error
}

func (f *fakeResolver) OtherParticipant(context.Context, uuid.UUID, uuid.UUID) (uuid.UUID, error) {
	return f.other, f.err
}

// ---------- helpers ----------

type harness struct {
	self      uuid.UUID
	recipient uuid.UUID
	conv      uuid.UUID
	keys      *fakeKeyStore
	dir       *fakeDirectory
	rpc       *fakeCipherRPC
	store     *fakeStore
	orch      *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		self:      uuid.New(),
		recipient: uuid.New(),
		conv:      uuid.New(),
		keys:      newFakeKeyStore(),
		dir:       newFakeDirectory(),
		rpc:       newFakeCipherRPC(),
		store:     &fakeStore{},
	}
	h.orch = New(h.self, h.keys, h.dir, h.rpc, h.store, &fakeResolver{other: h.recipient})
	h.orch.sleep = func(time.Duration) {} // no real pauses in tests
	t.Cleanup(h.orch.Close)
	return h
}

// publishRecipientKey generates the recipient's key pair and publishes the
// public half, returning the private key for assertions
func (h *harness) publishRecipientKey(t *testing.T) *keystore.KeyMaterial {
	t.Helper()
	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pem, err := crypto.ExportPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, h.dir.Upload(context.Background(), h.recipient, pem))

	wrapped, salt, err := crypto.WrapPrivateKey(priv, "recipient-pw")
	require.NoError(t, err)
	return &keystore.KeyMaterial{
		UserID:            h.recipient,
		PublicKeyPEM:      pem,
		WrappedPrivateKey: wrapped,
		KDFSalt:           salt,
	}
}

// ---------- tests ----------

func TestSetup_GeneratesAndPublishesKeyOnce(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Setup(context.Background(), "pw"))

	material, err := h.keys.Retrieve(h.self)
	require.NoError(t, err)
	require.NotNil(t, material)
	assert.NotEmpty(t, material.WrappedPrivateKey)
	assert.Equal(t, 1, h.dir.uploads)

	published, err := h.dir.Fetch(context.Background(), h.self)
	require.NoError(t, err)
	assert.Equal(t, material.PublicKeyPEM, published)

	// Second setup is a no-op
	require.NoError(t, h.orch.Setup(context.Background(), "pw"))
	assert.Equal(t, 1, h.dir.uploads)
}

func TestSetup_RepublishesAfterFailedRegistration(t *testing.T) {
	h := newHarness(t)
	h.dir.registerFailures = 1

	// First setup stores local material but the publish fails
	require.Error(t, h.orch.Setup(context.Background(), "pw"))

	material, err := h.keys.Retrieve(h.self)
	require.NoError(t, err)
	require.NotNil(t, material)
	_, err = h.dir.Fetch(context.Background(), h.self)
	require.ErrorIs(t, err, directory.ErrNoPublicKey)

	// Second setup finds local material and still publishes it
	require.NoError(t, h.orch.Setup(context.Background(), "pw"))

	published, err := h.dir.Fetch(context.Background(), h.self)
	require.NoError(t, err)
	assert.Equal(t, material.PublicKeyPEM, published)
}

func TestSetup_SecondDeviceAdoptsRegisteredKey(t *testing.T) {
	h := newHarness(t)
	existing := []byte("first device key")
	require.NoError(t, h.dir.Upload(context.Background(), h.self, existing))

	require.NoError(t, h.orch.Setup(context.Background(), "pw"))

	// The published key is untouched
	published, err := h.dir.Fetch(context.Background(), h.self)
	require.NoError(t, err)
	assert.Equal(t, existing, published)
}

func TestSend_HybridPath(t *testing.T) {
	h := newHarness(t)
	recipientMaterial := h.publishRecipientKey(t)

	sent, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusDecrypted, sent.Status)
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, 0, h.rpc.encryptCalls, "server-side path must not be used")

	// Stored payload = 256-byte wrapped key || AES-GCM ciphertext
	require.Len(t, h.store.messages, 1)
	stored := h.store.messages[0]
	require.Greater(t, len(stored.ContentEncrypted), crypto.WrappedKeySize)

	// The recipient can decrypt with their private key
	priv, err := crypto.UnwrapPrivateKey(recipientMaterial.WrappedPrivateKey, recipientMaterial.KDFSalt, "recipient-pw")
	require.NoError(t, err)
	iv, err := decodeIV(stored.IV)
	require.NoError(t, err)
	plaintext, err := decryptHybrid(stored.ContentEncrypted, iv, priv)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
}

func TestSend_FallsBackWhenRecipientHasNoKey(t *testing.T) {
	h := newHarness(t)
	// No published key for the recipient

	sent, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, h.rpc.encryptCalls)

	// The stored record is decryptable via the server-side path
	require.Len(t, h.store.messages, 1)
	stored := h.store.messages[0]
	iv, err := decodeIV(stored.IV)
	require.NoError(t, err)
	plaintext, err := h.rpc.Decrypt(context.Background(), h.conv, stored.ContentEncrypted, iv)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
	assert.Equal(t, sent.ID, stored.ID)
}

func TestSend_FallsBackWhenNoSingleRecipient(t *testing.T) {
	h := newHarness(t)
	h.orch.resolver = &fakeResolver{err: ErrNoRecipient}

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, h.rpc.encryptCalls)
}

func TestSend_RetriesTransientPersistFailures(t *testing.T) {
	h := newHarness(t)
	h.publishRecipientKey(t)
	h.store.failuresLeft = 2

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)
	assert.Equal(t, 3, h.store.persistCalls)
}

func TestSend_SurfacesFailureAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.publishRecipientKey(t)
	h.store.failuresLeft = 10

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	assert.ErrorIs(t, err, ErrMessageSendFailed)
	assert.Equal(t, 3, h.store.persistCalls)
	assert.Empty(t, h.store.messages, "nothing must be stored on failure")
}

func TestSend_FailsWhenBothPathsFail(t *testing.T) {
	h := newHarness(t)
	h.rpc.failAll = true

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	assert.ErrorIs(t, err, ErrMessageSendFailed)
}

func TestLoadConversation_LockedWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.publishRecipientKey(t)

	for _, text := range []string{"one", "two", "three"} {
		_, err := h.orch.Send(context.Background(), h.conv, text)
		require.NoError(t, err)
	}

	// A fresh orchestrator for the recipient, session locked
	recipient := New(h.recipient, newFakeKeyStore(), h.dir, h.rpc, h.store, &fakeResolver{other: h.self})
	recipient.sleep = func(time.Duration) {}
	defer recipient.Close()

	messages, err := recipient.LoadConversation(context.Background(), h.conv)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for _, msg := range messages {
		assert.Equal(t, StatusLocked, msg.Status)
		assert.Empty(t, msg.Content)
	}
}

func TestUnlock_RedecryptsLockedMessages(t *testing.T) {
	h := newHarness(t)
	recipientMaterial := h.publishRecipientKey(t)

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)

	recipientKeys := newFakeKeyStore()
	require.NoError(t, recipientKeys.Store(*recipientMaterial))
	recipient := New(h.recipient, recipientKeys, h.dir, h.rpc, h.store, &fakeResolver{other: h.self})
	recipient.sleep = func(time.Duration) {}
	defer recipient.Close()

	messages, err := recipient.LoadConversation(context.Background(), h.conv)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, StatusLocked, messages[0].Status)

	require.NoError(t, recipient.Unlock(context.Background(), "recipient-pw"))

	messages = recipient.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, StatusDecrypted, messages[0].Status)
	assert.Equal(t, "hello", messages[0].Content)
}

func TestUnlock_WrongPassword(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Setup(context.Background(), "right"))

	err := h.orch.Unlock(context.Background(), "wrong")
	assert.ErrorIs(t, err, crypto.ErrInvalidPassword)
	assert.False(t, h.orch.Unlocked())
}

func TestUnlock_NoLocalMaterial(t *testing.T) {
	h := newHarness(t)
	err := h.orch.Unlock(context.Background(), "pw")
	assert.ErrorIs(t, err, ErrNoKeyMaterial)
}

func TestBatchIsolation_CorruptMessageDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	recipientMaterial := h.publishRecipientKey(t)

	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := h.orch.Send(context.Background(), h.conv, text)
		require.NoError(t, err)
	}
	// Corrupt one stored payload; the server-side fallback cannot help either
	h.store.messages[1].ContentEncrypted = []byte("garbage")

	recipientKeys := newFakeKeyStore()
	require.NoError(t, recipientKeys.Store(*recipientMaterial))
	recipient := New(h.recipient, recipientKeys, h.dir, h.rpc, h.store, &fakeResolver{other: h.self})
	recipient.sleep = func(time.Duration) {}
	defer recipient.Close()
	require.NoError(t, recipient.Unlock(context.Background(), "recipient-pw"))

	messages, err := recipient.LoadConversation(context.Background(), h.conv)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	var decrypted, failed int
	for _, msg := range messages {
		switch msg.Status {
		case StatusDecrypted:
			decrypted++
		case StatusFailed:
			failed++
		}
	}
	assert.Equal(t, 3, decrypted)
	assert.Equal(t, 1, failed)
}

func TestReceive_ServerModeMessageFallsBackToRPC(t *testing.T) {
	h := newHarness(t)
	recipientMaterial := h.publishRecipientKey(t)

	// Force a server-side encrypted message by hiding the recipient's key
	// from the sender for this send
	senderDir := newFakeDirectory()
	sender := New(h.self, newFakeKeyStore(), senderDir, h.rpc, h.store, &fakeResolver{other: h.recipient})
	sender.sleep = func(time.Duration) {}
	defer sender.Close()
	_, err := sender.Send(context.Background(), h.conv, "via server")
	require.NoError(t, err)

	recipientKeys := newFakeKeyStore()
	require.NoError(t, recipientKeys.Store(*recipientMaterial))
	recipient := New(h.recipient, recipientKeys, h.dir, h.rpc, h.store, &fakeResolver{other: h.self})
	recipient.sleep = func(time.Duration) {}
	defer recipient.Close()
	require.NoError(t, recipient.Unlock(context.Background(), "recipient-pw"))

	messages, err := recipient.LoadConversation(context.Background(), h.conv)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, StatusDecrypted, messages[0].Status)
	assert.Equal(t, "via server", messages[0].Content)
	assert.GreaterOrEqual(t, h.rpc.decryptCalls, 1)
}

func TestMessages_SortedByCreationTime(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	// Insert out of order
	for i, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
		h.store.messages = append(h.store.messages, &models.Message{
			ID:               uuid.New(),
			ConversationID:   h.conv,
			SenderID:         h.recipient,
			ContentEncrypted: []byte{byte(i)},
			IV:               encodeIV(make([]byte, crypto.IVSize)),
			CreatedAt:        base.Add(offset),
		})
	}

	messages, err := h.orch.LoadConversation(context.Background(), h.conv)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.LessOrEqual(t, messages[0].CreatedAt, messages[1].CreatedAt)
	assert.LessOrEqual(t, messages[1].CreatedAt, messages[2].CreatedAt)
}

func TestHandleEvent_DeduplicatesOwnMessage(t *testing.T) {
	h := newHarness(t)
	h.publishRecipientKey(t)

	sent, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)

	// Realtime echo of the sender's own insert must not hit the store again
	h.orch.HandleEvent(context.Background(), models.MessageEvent{
		MessageID:      sent.ID,
		ConversationID: h.conv,
		SenderID:       h.self,
	})
	assert.Equal(t, 0, h.store.fetchCalls)
	assert.Len(t, h.orch.Messages(), 1)
}

func TestHandleEvent_FetchesAndDecryptsNewMessage(t *testing.T) {
	h := newHarness(t)
	h.publishRecipientKey(t)

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)
	stored := h.store.messages[0]

	recipient := New(h.recipient, newFakeKeyStore(), h.dir, h.rpc, h.store, &fakeResolver{other: h.self})
	recipient.sleep = func(time.Duration) {}
	defer recipient.Close()

	recipient.HandleEvent(context.Background(), models.MessageEvent{
		MessageID:      stored.ID,
		ConversationID: h.conv,
		SenderID:       h.self,
	})

	messages := recipient.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, StatusLocked, messages[0].Status)
}

func TestClose_AbandonsPendingWork(t *testing.T) {
	h := newHarness(t)
	h.publishRecipientKey(t)

	_, err := h.orch.Send(context.Background(), h.conv, "hello")
	require.NoError(t, err)

	h.orch.Close()
	before := len(h.orch.Messages())

	// Work arriving after Close must not mutate the cache
	h.orch.decryptBatches(context.Background(), h.store.messages)
	assert.Len(t, h.orch.Messages(), before)
}

func TestClose_DiscardsSessionKey(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Setup(context.Background(), "pw"))
	require.NoError(t, h.orch.Unlock(context.Background(), "pw"))
	require.True(t, h.orch.Unlocked())

	h.orch.Close()
	assert.False(t, h.orch.Unlocked())
}
