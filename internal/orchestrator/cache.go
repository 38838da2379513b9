package orchestrator

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"gitlab.com/secp/services/messenger/internal/models"
)

// Status of a message's decrypted content
type Status string

const (
	// StatusDecrypted means Content holds the plaintext
	StatusDecrypted Status = "decrypted"
	// StatusLocked means no unlocked session key was available; the message
	// is retried when the session unlocks
	StatusLocked Status = "locked"
	// StatusFailed means both decryption paths failed
	StatusFailed Status = "failed"
)

// DecryptedMessage is a message as presented to the UI layer. Raw keeps the
// stored ciphertext so locked messages can be re-attempted after unlock.
type DecryptedMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	CreatedAt      int64
	Content        string
	Status         Status
	Raw            *models.Message
}

// cache is the local view of a conversation, keyed by message id. Upserts
// arrive from both the send path and realtime events; dedupe is by id, not
// insertion order.
type cache struct {
	mu       sync.Mutex
	messages map[uuid.UUID]DecryptedMessage
}

func newCache() *cache {
	return &cache{messages: make(map[uuid.UUID]DecryptedMessage)}
}

// upsert inserts or replaces the entry for msg.ID. Re-upserting the same id
// is idempotent; a decrypted entry is never downgraded to locked or failed.
func (c *cache) upsert(msg DecryptedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.messages[msg.ID]; ok {
		if existing.Status == StatusDecrypted && msg.Status != StatusDecrypted {
			return
		}
	}
	c.messages[msg.ID] = msg
}

// contains reports whether the cache holds id
func (c *cache) contains(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.messages[id]
	return ok
}

// locked returns the messages still awaiting an unlocked session
func (c *cache) locked() []DecryptedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DecryptedMessage
	for _, msg := range c.messages {
		if msg.Status == StatusLocked {
			out = append(out, msg)
		}
	}
	return out
}

// sorted returns all messages ordered by creation time. Batch decryption
// completes out of order; display order is creation order.
func (c *cache) sorted() []DecryptedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DecryptedMessage, 0, len(c.messages))
	for _, msg := range c.messages {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[uuid.UUID]DecryptedMessage)
}
