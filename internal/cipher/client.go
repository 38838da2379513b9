package cipher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/messenger/internal/models"
)

// rpcTimeout bounds one cipher function invocation
const rpcTimeout = 10 * time.Second

// Client invokes the session cipher function over HTTP with a bearer token
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a cipher RPC client for the given API base URL
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: rpcTimeout},
	}
}

// Encrypt asks the server to encrypt plaintext under the conversation's
// session key
func (c *Client) Encrypt(ctx context.Context, conversationID uuid.UUID, plaintext []byte) (ciphertext, iv []byte, err error) {
	resp, err := c.invoke(ctx, models.CipherRequest{
		Action:         "encrypt",
		ConversationID: conversationID,
		Plaintext:      base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err = base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	iv, err = base64.StdEncoding.DecodeString(resp.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode IV: %w", err)
	}
	return ciphertext, iv, nil
}

// Decrypt asks the server to decrypt ciphertext under the conversation's
// session key
func (c *Client) Decrypt(ctx context.Context, conversationID uuid.UUID, ciphertext, iv []byte) ([]byte, error) {
	resp, err := c.invoke(ctx, models.CipherRequest{
		Action:         "decrypt",
		ConversationID: conversationID,
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		IV:             base64.StdEncoding.EncodeToString(iv),
	})
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.Plaintext)
}

func (c *Client) invoke(ctx context.Context, reqBody models.CipherRequest) (*models.CipherResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/functions/cipher", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cipher invocation failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("cipher invocation failed: %s", resp.Status)
	}

	var out models.CipherResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode cipher response: %w", err)
	}
	return &out, nil
}
