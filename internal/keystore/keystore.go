// Package keystore persists per-user key material on the local device.
// It is the client-side analogue of browser local storage: durable across
// restarts, lost with the device.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// KeyMaterial is the durable per-user key record. The private key is stored
// only in wrapped (password-encrypted) form; the public key is plaintext PEM.
type KeyMaterial struct {
	UserID            uuid.UUID `json:"user_id"`
	PublicKeyPEM      []byte    `json:"public_key_pem"`
	WrappedPrivateKey string    `json:"wrapped_private_key"`
	KDFSalt           []byte    `json:"kdf_salt"`
}

// Store is a file-backed key store, one JSON document per user id.
// Concurrent writes for the same user are last-write-wins.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a key store rooted at dir, creating it if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Store persists key material for material.UserID, replacing any prior entry
func (s *Store) Store(material KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(material)
	if err != nil {
		return fmt.Errorf("failed to serialize key material: %w", err)
	}

	// Write-then-rename so a concurrent open never sees a torn file
	path := s.path(material.UserID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write key material: %w", err)
	}
	return os.Rename(tmp, path)
}

// Retrieve loads key material for userID. A missing entry is a normal
// outcome (new user or new device) and returns (nil, nil).
func (s *Store) Retrieve(userID uuid.UUID) (*KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key material: %w", err)
	}

	var material KeyMaterial
	if err := json.Unmarshal(raw, &material); err != nil {
		return nil, fmt.Errorf("failed to parse key material: %w", err)
	}
	return &material, nil
}

// Delete removes the entry for userID, if any
func (s *Store) Delete(userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) path(userID uuid.UUID) string {
	return filepath.Join(s.dir, userID.String()+".json")
}
