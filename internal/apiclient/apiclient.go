// Package apiclient is the HTTP consumer of the message API. It backs the
// orchestrator's MessageStore and Participants collaborators.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/messenger/internal/models"
)

// requestTimeout bounds a single persistence or fetch call; the send path
// retries on top of this, so individual attempts must not hang.
const requestTimeout = 5 * time.Second

// Client talks to the message API with a bearer token
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a message API client for the given base URL
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

type createMessageRequest struct {
	ContentEncrypted []byte `json:"content_encrypted"`
	IV               string `json:"iv"`
}

// Persist stores one encrypted message and returns the created row
func (c *Client) Persist(ctx context.Context, conversationID uuid.UUID, content []byte, iv string) (*models.Message, error) {
	body, err := json.Marshal(createMessageRequest{ContentEncrypted: content, IV: iv})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/conversations/%s/messages", c.base, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("message persist failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message persist failed: %s", resp.Status)
	}

	var msg models.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode created message: %w", err)
	}
	return &msg, nil
}

// Messages fetches a conversation's messages, oldest first
func (c *Client) Messages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/messages", c.base, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("message fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message fetch failed: %s", resp.Status)
	}

	var messages []*models.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// Message fetches a single message row. A 404 yields (nil, nil), matching
// the store convention for absent rows.
func (c *Client) Message(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	url := fmt.Sprintf("%s/api/messages/%s", c.base, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("message fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("message fetch failed: %s", resp.Status)
	}

	var msg models.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// OtherParticipant resolves the single other member of a direct
// conversation. Group and empty conversations have no single recipient and
// report ErrNoRecipient, which pushes the sender onto the server-side path.
func (c *Client) OtherParticipant(ctx context.Context, conversationID, selfID uuid.UUID) (uuid.UUID, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/participants", c.base, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return uuid.Nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("participant fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, fmt.Errorf("participant fetch failed: %s", resp.Status)
	}

	var participants []models.Participant
	if err := json.NewDecoder(resp.Body).Decode(&participants); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode participants: %w", err)
	}

	others := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		if p.UserID != selfID {
			others = append(others, p.UserID)
		}
	}
	if len(others) != 1 {
		return uuid.Nil, models.ErrNoRecipient
	}
	return others[0], nil
}
