// Package directory maps user identity to published public keys. The
// server-side Service owns the profiles table; Client is the HTTP consumer
// used by the sending orchestrator.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoPublicKey is returned when the user exists but has not published a
// key. Callers must treat this as "recipient has no encryption set up",
// distinct from transport errors that should be retried.
var ErrNoPublicKey = errors.New("user has no published public key")

// Service provides public key directory operations over the profiles table
type Service struct {
	db *sql.DB
}

// NewService creates a new directory service
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Upload publishes a user's public key. Re-uploading overwrites the
// directory record; the operation is idempotent.
func (s *Service) Upload(ctx context.Context, userID uuid.UUID, publicKeyPEM []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, public_key, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			updated_at = EXCLUDED.updated_at
	`, userID, publicKeyPEM, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upload public key: %w", err)
	}
	return nil
}

// RegisterIfAbsent publishes a key only when none exists, then returns the
// key actually in the directory. A second device setting up concurrently
// never clobbers the first device's key.
func (s *Service) RegisterIfAbsent(ctx context.Context, userID uuid.UUID, publicKeyPEM []byte) ([]byte, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, public_key, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			updated_at = EXCLUDED.updated_at
		WHERE profiles.public_key IS NULL
	`, userID, publicKeyPEM, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to register public key: %w", err)
	}
	return s.Fetch(ctx, userID)
}

// Fetch returns the published public key for userID, or ErrNoPublicKey if
// the user has not published one.
func (s *Service) Fetch(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT public_key FROM profiles WHERE id = $1
	`, userID).Scan(&key)

	if err == sql.ErrNoRows {
		return nil, ErrNoPublicKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch public key: %w", err)
	}
	if len(key) == 0 {
		return nil, ErrNoPublicKey
	}
	return key, nil
}
