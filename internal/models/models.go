package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoRecipient is returned when a conversation has no single other
// participant (empty or group conversation); hybrid encryption assumes
// exactly one recipient.
var ErrNoRecipient = errors.New("no single recipient for hybrid encryption")

// User represents a user in the system
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        *string   `json:"email,omitempty"`
	PasswordHash *string   `json:"-"` // Never serialize
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Conversation represents a direct or group conversation.
// SessionKeyEncrypted holds the base64-encoded symmetric key backing the
// server-side cipher path; empty until the first server-side encrypt.
type Conversation struct {
	ID                  uuid.UUID  `json:"id"`
	Type                string     `json:"type"` // direct, group
	Name                *string    `json:"name,omitempty"`
	CreatedBy           *uuid.UUID `json:"created_by,omitempty"`
	SessionKeyEncrypted *string    `json:"-"` // Never leaves the server
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	IsActive            bool       `json:"is_active"`
}

// Participant represents a user's membership in a conversation
type Participant struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           string    `json:"role"` // owner, member
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// Message represents a persisted encrypted message. ContentEncrypted is
// either a hybrid payload (256-byte RSA-wrapped key || AES-GCM ciphertext)
// or a server-mode AES-GCM ciphertext under the conversation session key.
// IV is base64 encoded.
type Message struct {
	ID               uuid.UUID `json:"id"`
	ConversationID   uuid.UUID `json:"conversation_id"`
	SenderID         uuid.UUID `json:"sender_id"`
	ContentEncrypted []byte    `json:"content_encrypted"`
	IV               string    `json:"iv"`
	CreatedAt        time.Time `json:"created_at"`
}

// Profile maps a user to their published public key (PEM, PKIX).
// PublicKey is nil for users who have not set up encryption.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	PublicKey []byte    `json:"public_key,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditLog records a server-side cipher or key-directory event
type AuditLog struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	EventType string    `json:"event_type"`
	EventData []byte    `json:"event_data,omitempty"` // JSON
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Presence status
type Presence struct {
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"` // online, offline, away
	LastSeenAt time.Time `json:"last_seen_at"`
}

// MessageEvent is the realtime notification published when a message row is
// inserted. It intentionally carries no ciphertext; clients fetch the full
// row over the API.
type MessageEvent struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	CreatedAt      int64     `json:"created_at"`
}

// CipherRequest is the wire request for the server-side cipher function.
// Action selects the operation; payload fields are base64 encoded.
type CipherRequest struct {
	Action         string    `json:"action"` // encrypt, decrypt
	ConversationID uuid.UUID `json:"conversation_id"`
	Plaintext      string    `json:"plaintext,omitempty"`
	Ciphertext     string    `json:"ciphertext,omitempty"`
	IV             string    `json:"iv,omitempty"`
}

// CipherResponse is the wire response for the server-side cipher function
type CipherResponse struct {
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
	Plaintext  string `json:"plaintext,omitempty"`
}
