package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// fetchTimeout bounds a single directory lookup; a recipient-key fetch on
// the send path must fail fast so the fallback can take over.
const fetchTimeout = 3 * time.Second

// Client is the HTTP consumer of the key directory API
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a directory client for the given API base URL,
// authenticating with a bearer token.
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: fetchTimeout},
	}
}

type keyRecord struct {
	PublicKey []byte `json:"public_key"`
}

// Upload publishes the caller's public key
func (c *Client) Upload(ctx context.Context, userID uuid.UUID, publicKeyPEM []byte) error {
	body, err := json.Marshal(keyRecord{PublicKey: publicKeyPEM})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/keys/"+userID.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("key upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key upload failed: %s", resp.Status)
	}
	return nil
}

// Register publishes the caller's public key only if the directory has
// none, and returns whichever key is actually in the directory. A second
// device registering concurrently adopts the first device's key.
func (c *Client) Register(ctx context.Context, userID uuid.UUID, publicKeyPEM []byte) ([]byte, error) {
	body, err := json.Marshal(keyRecord{PublicKey: publicKeyPEM})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/keys/"+userID.String()+"/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key registration failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key registration failed: %s", resp.Status)
	}

	var record keyRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	return record.PublicKey, nil
}

// Fetch retrieves a user's published public key. A 404 means the user has
// not published a key (ErrNoPublicKey); other failures are transport errors.
func (c *Client) Fetch(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/keys/"+userID.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoPublicKey
	default:
		return nil, fmt.Errorf("key fetch failed: %s", resp.Status)
	}

	var record keyRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	if len(record.PublicKey) == 0 {
		return nil, ErrNoPublicKey
	}
	return record.PublicKey, nil
}
