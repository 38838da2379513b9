// Package cipher implements the server-side session cipher: one symmetric
// key per conversation, used to encrypt and decrypt on behalf of clients
// that cannot use the client-side hybrid path.
package cipher

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gitlab.com/secp/services/messenger/internal/audit"
	"gitlab.com/secp/services/messenger/internal/crypto"
)

var (
	// ErrUnauthorized is returned when the caller is not a participant of
	// the conversation. Checked before any key material is touched.
	ErrUnauthorized = errors.New("not a participant of this conversation")

	// ErrNoSessionKey is returned on decrypt when the conversation has no
	// session key yet
	ErrNoSessionKey = errors.New("conversation has no session key")

	// ErrInvalidKeyFormat is returned when the persisted key parses as
	// neither hex nor base64
	ErrInvalidKeyFormat = errors.New("invalid session key format")

	// ErrInvalidKeyLength is returned when the persisted key is not
	// exactly 32 bytes
	ErrInvalidKeyLength = errors.New("invalid session key length")
)

// store is the persistence the session cipher needs. SessionKey returns ""
// when the conversation has no key; StoreSessionKeyIfAbsent persists the
// key only when none exists and reports whether it won.
type store interface {
	IsParticipant(ctx context.Context, userID, conversationID uuid.UUID) (bool, error)
	SessionKey(ctx context.Context, conversationID uuid.UUID) (string, error)
	StoreSessionKeyIfAbsent(ctx context.Context, conversationID uuid.UUID, encoded string) (bool, error)
}

// Service provides the session cipher operations
type Service struct {
	store store
	audit *audit.Logger
}

// NewService creates a new session cipher service
func NewService(db *sql.DB, auditLogger *audit.Logger) *Service {
	return &Service{store: &sqlStore{db: db}, audit: auditLogger}
}

// Encrypt encrypts plaintext under the conversation's session key, lazily
// creating the key on first use. The caller must be a participant.
func (s *Service) Encrypt(ctx context.Context, callerID, conversationID uuid.UUID, plaintext []byte) (ciphertext, iv []byte, err error) {
	if err := s.requireParticipant(ctx, callerID, conversationID); err != nil {
		return nil, nil, err
	}

	key, err := s.loadOrCreateSessionKey(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, iv, err = crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, nil, err
	}

	// Best-effort; never blocks or fails the cipher operation
	s.audit.Log(ctx, audit.Record{
		UserID:    callerID,
		EventType: "message_encrypted",
		EventData: map[string]interface{}{"conversation_id": conversationID.String()},
	})

	return ciphertext, iv, nil
}

// Decrypt decrypts ciphertext under the conversation's session key. The
// caller must be a participant; the authorization check precedes any key
// material access.
func (s *Service) Decrypt(ctx context.Context, callerID, conversationID uuid.UUID, ciphertext, iv []byte) ([]byte, error) {
	if err := s.requireParticipant(ctx, callerID, conversationID); err != nil {
		return nil, err
	}

	key, err := s.loadSessionKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return crypto.Decrypt(ciphertext, iv, key)
}

// requireParticipant verifies the caller belongs to the conversation
func (s *Service) requireParticipant(ctx context.Context, callerID, conversationID uuid.UUID) error {
	ok, err := s.store.IsParticipant(ctx, callerID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to check participant: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// loadSessionKey reads and decodes the conversation's persisted key
func (s *Service) loadSessionKey(ctx context.Context, conversationID uuid.UUID) ([]byte, error) {
	encoded, err := s.store.SessionKey(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session key: %w", err)
	}
	if encoded == "" {
		return nil, ErrNoSessionKey
	}
	return DecodeSessionKey(encoded)
}

// loadOrCreateSessionKey returns the conversation's key, generating and
// persisting a fresh one exactly once. Two racing first-encrypts converge
// on whichever key the guarded write persisted.
func (s *Service) loadOrCreateSessionKey(ctx context.Context, conversationID uuid.UUID) ([]byte, error) {
	key, err := s.loadSessionKey(ctx, conversationID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoSessionKey) {
		return nil, err
	}

	fresh, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	won, err := s.store.StoreSessionKeyIfAbsent(ctx, conversationID,
		base64.StdEncoding.EncodeToString(fresh))
	if err != nil {
		return nil, fmt.Errorf("failed to persist session key: %w", err)
	}
	if !won {
		// Lost the race, or unknown conversation; re-read
		return s.loadSessionKey(ctx, conversationID)
	}
	return fresh, nil
}

// sqlStore backs the cipher with Postgres
type sqlStore struct {
	db *sql.DB
}

func (s *sqlStore) IsParticipant(ctx context.Context, userID, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *sqlStore) SessionKey(ctx context.Context, conversationID uuid.UUID) (string, error) {
	var encoded sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key_encrypted FROM conversations WHERE id = $1
	`, conversationID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !encoded.Valid {
		return "", nil
	}
	return encoded.String, nil
}

func (s *sqlStore) StoreSessionKeyIfAbsent(ctx context.Context, conversationID uuid.UUID, encoded string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET session_key_encrypted = $1
		WHERE id = $2 AND (session_key_encrypted IS NULL OR session_key_encrypted = '')
	`, encoded, conversationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DecodeSessionKey parses a persisted session key. Historical records used
// hex; current records use base64. Hex is attempted first, then base64;
// anything else is ErrInvalidKeyFormat, and a decoded key of the wrong
// length is ErrInvalidKeyLength.
func DecodeSessionKey(encoded string) ([]byte, error) {
	if key, err := hex.DecodeString(encoded); err == nil {
		if len(key) != crypto.SymmetricKeySize {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
		}
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	if len(key) != crypto.SymmetricKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	return key, nil
}
