// Package orchestrator coordinates hybrid message encryption on the client.
// Sending attempts the client-side path (fresh symmetric key wrapped with
// the recipient's public key) and falls back to the server-side session
// cipher on any failure; receiving attempts local decryption with the
// unlocked private key and falls back the same way. Messages whose key
// material is unavailable are marked locked, not failed.
package orchestrator

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/messenger/internal/crypto"
	"gitlab.com/secp/services/messenger/internal/directory"
	"gitlab.com/secp/services/messenger/internal/keystore"
	"gitlab.com/secp/services/messenger/internal/models"
	"gitlab.com/secp/services/messenger/internal/retry"
)

const (
	// decryptBatchSize bounds concurrent decryption operations
	decryptBatchSize = 3
	// batchPause is the pause between decryption batches
	batchPause = 100 * time.Millisecond
	// persistAttempts is the total number of persistence attempts (one
	// initial plus two retries)
	persistAttempts = 3
	// persistDelay is the fixed delay between persistence attempts
	persistDelay = 500 * time.Millisecond
)

var (
	// ErrMessageSendFailed is surfaced when a message could not be sent.
	// The caller must keep the input recoverable; the message was NOT sent.
	ErrMessageSendFailed = errors.New("message send failed")

	// ErrNoRecipient marks conversations with no single other participant;
	// the sentinel lives in models so resolver implementations need not
	// import this package
	ErrNoRecipient = models.ErrNoRecipient

	// ErrSessionLocked is returned when an operation needs the unlocked
	// private key and the session is locked
	ErrSessionLocked = errors.New("session is locked")

	// ErrNoKeyMaterial is returned when Unlock finds no local key material
	ErrNoKeyMaterial = errors.New("no local key material")
)

// Directory resolves user ids to published public keys. Register publishes
// a key only when the directory has none and returns the key actually in
// the directory.
type Directory interface {
	Fetch(ctx context.Context, userID uuid.UUID) ([]byte, error)
	Register(ctx context.Context, userID uuid.UUID, publicKeyPEM []byte) ([]byte, error)
}

// CipherRPC is the server-side session cipher fallback
type CipherRPC interface {
	Encrypt(ctx context.Context, conversationID uuid.UUID, plaintext []byte) (ciphertext, iv []byte, err error)
	Decrypt(ctx context.Context, conversationID uuid.UUID, ciphertext, iv []byte) ([]byte, error)
}

// MessageStore persists and fetches encrypted message rows
type MessageStore interface {
	Persist(ctx context.Context, conversationID uuid.UUID, content []byte, iv string) (*models.Message, error)
	Messages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error)
	Message(ctx context.Context, messageID uuid.UUID) (*models.Message, error)
}

// Participants resolves the other member of a direct conversation
type Participants interface {
	OtherParticipant(ctx context.Context, conversationID, selfID uuid.UUID) (uuid.UUID, error)
}

// KeyStore is the local durable key store
type KeyStore interface {
	Store(material keystore.KeyMaterial) error
	Retrieve(userID uuid.UUID) (*keystore.KeyMaterial, error)
}

// Orchestrator runs the hybrid send/receive logic for one user. Construct
// with New, then Setup once per login and Unlock when the user supplies
// their password. All collaborators are injected; there is no ambient
// client state.
type Orchestrator struct {
	self      uuid.UUID
	keys      KeyStore
	directory Directory
	cipher    CipherRPC
	store     MessageStore
	resolver  Participants

	cache *cache

	// Unlocked session private key. Written only by Unlock/Lock; decryption
	// batches read it concurrently and never mutate it.
	sessionMu  sync.RWMutex
	privateKey *rsa.PrivateKey

	// sleep is swapped in tests to avoid real pauses
	sleep func(time.Duration)

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an orchestrator for the given user
func New(self uuid.UUID, keys KeyStore, dir Directory, cipherRPC CipherRPC, store MessageStore, resolver Participants) *Orchestrator {
	return &Orchestrator{
		self:      self,
		keys:      keys,
		directory: dir,
		cipher:    cipherRPC,
		store:     store,
		resolver:  resolver,
		cache:     newCache(),
		sleep:     time.Sleep,
		done:      make(chan struct{}),
	}
}

// Close abandons pending work and discards the in-memory private key.
// Decryption results arriving after Close do not mutate the cache.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.sessionMu.Lock()
		o.privateKey = nil
		o.sessionMu.Unlock()
	})
}

func (o *Orchestrator) closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Setup ensures the user has key material, generating a key pair on first
// use, and ensures the public key is published. Local material is stored
// before the publish attempt, so a failed publish leaves the key pair on
// disk; the next Setup re-attempts publication instead of returning early.
// Registration is guarded server-side, so a second device never clobbers
// an existing published key.
func (o *Orchestrator) Setup(ctx context.Context, password string) error {
	material, err := o.keys.Retrieve(o.self)
	if err != nil {
		return err
	}
	if material != nil {
		return o.ensurePublished(ctx, material.PublicKeyPEM)
	}

	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	publicPEM, err := crypto.ExportPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	wrapped, salt, err := crypto.WrapPrivateKey(priv, password)
	if err != nil {
		return err
	}

	if err := o.keys.Store(keystore.KeyMaterial{
		UserID:            o.self,
		PublicKeyPEM:      publicPEM,
		WrappedPrivateKey: wrapped,
		KDFSalt:           salt,
	}); err != nil {
		return err
	}

	return o.ensurePublished(ctx, publicPEM)
}

// ensurePublished registers the public key when the directory has none
func (o *Orchestrator) ensurePublished(ctx context.Context, publicPEM []byte) error {
	_, err := o.directory.Fetch(ctx, o.self)
	if err == nil {
		return nil
	}
	if !errors.Is(err, directory.ErrNoPublicKey) {
		return err
	}

	if _, err := o.directory.Register(ctx, o.self, publicPEM); err != nil {
		return fmt.Errorf("failed to publish public key: %w", err)
	}
	return nil
}

// Unlock decrypts the locally stored private key with the user's password
// and re-attempts any messages previously marked locked.
func (o *Orchestrator) Unlock(ctx context.Context, password string) error {
	material, err := o.keys.Retrieve(o.self)
	if err != nil {
		return err
	}
	if material == nil {
		return ErrNoKeyMaterial
	}

	priv, err := crypto.UnwrapPrivateKey(material.WrappedPrivateKey, material.KDFSalt, password)
	if err != nil {
		return err
	}

	o.sessionMu.Lock()
	o.privateKey = priv
	o.sessionMu.Unlock()

	// Previously locked messages go back through the batch path
	locked := o.cache.locked()
	if len(locked) > 0 {
		raw := make([]*models.Message, 0, len(locked))
		for _, msg := range locked {
			if msg.Raw != nil {
				raw = append(raw, msg.Raw)
			}
		}
		o.decryptBatches(ctx, raw)
	}

	return nil
}

// Lock discards the in-memory private key and the decrypted local view
func (o *Orchestrator) Lock() {
	o.sessionMu.Lock()
	o.privateKey = nil
	o.sessionMu.Unlock()
	o.cache.clear()
}

// Unlocked reports whether a session private key is available
func (o *Orchestrator) Unlocked() bool {
	return o.sessionPrivateKey() != nil
}

func (o *Orchestrator) sessionPrivateKey() *rsa.PrivateKey {
	o.sessionMu.RLock()
	defer o.sessionMu.RUnlock()
	return o.privateKey
}

// Send encrypts and persists one message. The client-side hybrid path is
// attempted first; any failure there falls back to the server-side cipher.
// Persistence is retried with fixed backoff; exhausted retries surface
// ErrMessageSendFailed and the message must be treated as unsent.
func (o *Orchestrator) Send(ctx context.Context, conversationID uuid.UUID, plaintext string) (*DecryptedMessage, error) {
	content, iv, err := o.encryptClientSide(ctx, conversationID, []byte(plaintext))
	if err != nil {
		log.Printf("[Orchestrator] Client-side encryption unavailable (%v), using server-side path", err)
		content, iv, err = o.cipher.Encrypt(ctx, conversationID, []byte(plaintext))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMessageSendFailed, err)
		}
	}

	ivEncoded := encodeIV(iv)

	var persisted *models.Message
	err = retry.Do(ctx, retry.Policy{MaxAttempts: persistAttempts, Delay: persistDelay}, func(ctx context.Context) error {
		var perr error
		persisted, perr = o.store.Persist(ctx, conversationID, content, ivEncoded)
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageSendFailed, err)
	}

	msg := DecryptedMessage{
		ID:             persisted.ID,
		ConversationID: persisted.ConversationID,
		SenderID:       persisted.SenderID,
		CreatedAt:      persisted.CreatedAt.Unix(),
		Content:        plaintext,
		Status:         StatusDecrypted,
		Raw:            persisted,
	}
	if !o.closed() {
		o.cache.upsert(msg)
	}
	return &msg, nil
}

// encryptClientSide performs hybrid encryption: fresh symmetric key,
// AES-GCM over the plaintext, RSA-OAEP wrap of the key, payload =
// wrapped key || ciphertext.
func (o *Orchestrator) encryptClientSide(ctx context.Context, conversationID uuid.UUID, plaintext []byte) (content, iv []byte, err error) {
	recipient, err := o.resolver.OtherParticipant(ctx, conversationID, o.self)
	if err != nil {
		return nil, nil, err
	}

	publicPEM, err := o.directory.Fetch(ctx, recipient)
	if err != nil {
		return nil, nil, err
	}

	pub, err := crypto.ImportPublicKey(publicPEM)
	if err != nil {
		return nil, nil, err
	}

	sessionKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	ciphertext, iv, err := crypto.Encrypt(plaintext, sessionKey)
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := crypto.WrapKey(sessionKey, pub)
	if err != nil {
		return nil, nil, err
	}

	content = make([]byte, 0, len(wrapped)+len(ciphertext))
	content = append(content, wrapped...)
	content = append(content, ciphertext...)
	return content, iv, nil
}

// LoadConversation fetches a conversation's messages, decrypts them in
// batches, and returns the local view ordered by creation time.
func (o *Orchestrator) LoadConversation(ctx context.Context, conversationID uuid.UUID) ([]DecryptedMessage, error) {
	messages, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	o.decryptBatches(ctx, messages)
	return o.cache.sorted(), nil
}

// HandleEvent processes one realtime insert event: fetch the row and run it
// through decryption. Events for messages already in the cache (the
// sender's own optimistic entry included) are ignored.
func (o *Orchestrator) HandleEvent(ctx context.Context, event models.MessageEvent) {
	if o.cache.contains(event.MessageID) {
		return
	}

	msg, err := o.store.Message(ctx, event.MessageID)
	if err != nil || msg == nil {
		log.Printf("[WARN] Failed to fetch message %s for realtime event: %v", event.MessageID, err)
		return
	}

	o.decryptBatches(ctx, []*models.Message{msg})
}

// Messages returns the current local view, ordered by creation time
func (o *Orchestrator) Messages() []DecryptedMessage {
	return o.cache.sorted()
}

// decryptBatches runs messages through decryption in fixed-size batches.
// Within a batch operations run concurrently; per-message failures are
// isolated and recorded as placeholders.
func (o *Orchestrator) decryptBatches(ctx context.Context, messages []*models.Message) {
	for start := 0; start < len(messages); start += decryptBatchSize {
		if ctx.Err() != nil || o.closed() {
			return
		}

		end := start + decryptBatchSize
		if end > len(messages) {
			end = len(messages)
		}

		var wg sync.WaitGroup
		results := make([]DecryptedMessage, end-start)
		for i, msg := range messages[start:end] {
			wg.Add(1)
			go func(i int, msg *models.Message) {
				defer wg.Done()
				results[i] = o.decryptMessage(ctx, msg)
			}(i, msg)
		}
		wg.Wait()

		if o.closed() {
			return
		}
		for _, result := range results {
			o.cache.upsert(result)
		}

		if end < len(messages) {
			o.sleep(batchPause)
		}
	}
}

// decryptMessage resolves one message to its displayed form. No unlocked
// session means locked, not failed; a local decryption error falls back to
// the server-side path; only both paths failing yields the failed state.
func (o *Orchestrator) decryptMessage(ctx context.Context, msg *models.Message) DecryptedMessage {
	out := DecryptedMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		CreatedAt:      msg.CreatedAt.Unix(),
		Raw:            msg,
	}

	priv := o.sessionPrivateKey()
	if priv == nil {
		out.Status = StatusLocked
		return out
	}

	iv, err := decodeIV(msg.IV)
	if err != nil {
		log.Printf("[WARN] Message %s has unparseable IV: %v", msg.ID, err)
		out.Status = StatusFailed
		return out
	}

	if plaintext, err := decryptHybrid(msg.ContentEncrypted, iv, priv); err == nil {
		out.Content = string(plaintext)
		out.Status = StatusDecrypted
		return out
	}

	plaintext, err := o.cipher.Decrypt(ctx, msg.ConversationID, msg.ContentEncrypted, iv)
	if err != nil {
		out.Status = StatusFailed
		return out
	}

	out.Content = string(plaintext)
	out.Status = StatusDecrypted
	return out
}

// decryptHybrid splits a hybrid payload at the fixed wrapped-key boundary,
// unwraps the symmetric key, and decrypts the remainder.
func decryptHybrid(content, iv []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if len(content) <= crypto.WrappedKeySize {
		return nil, fmt.Errorf("payload too short for hybrid mode: %d bytes", len(content))
	}

	sessionKey, err := crypto.UnwrapKey(content[:crypto.WrappedKeySize], priv)
	if err != nil {
		return nil, err
	}

	return crypto.Decrypt(content[crypto.WrappedKeySize:], iv, sessionKey)
}
