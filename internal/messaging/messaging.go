package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gitlab.com/secp/services/messenger/internal/models"
)

// Service owns conversations, participants and messages, and publishes
// realtime insert notifications over Redis.
type Service struct {
	db    *sql.DB
	redis *redis.Client
}

func NewService(db *sql.DB, redis *redis.Client) *Service {
	return &Service{
		db:    db,
		redis: redis,
	}
}

// CreateConversation creates a new conversation (direct or group)
func (s *Service) CreateConversation(ctx context.Context, convType, name string, createdBy uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.New(),
		Type:      convType,
		CreatedBy: &createdBy,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		IsActive:  true,
	}
	if name != "" {
		conv.Name = &name
	}

	query := `
		INSERT INTO conversations (id, type, name, created_by, created_at, updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, type, name, created_by, created_at, updated_at, is_active
	`

	err := s.db.QueryRowContext(ctx, query,
		conv.ID, conv.Type, conv.Name, conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt, conv.IsActive,
	).Scan(&conv.ID, &conv.Type, &conv.Name, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt, &conv.IsActive)

	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if err := s.AddParticipant(ctx, conv.ID, createdBy, "owner"); err != nil {
		return nil, fmt.Errorf("failed to add creator as participant: %w", err)
	}

	return conv, nil
}

// CreateDirectConversation creates a direct conversation between two users,
// returning the existing one if already present
func (s *Service) CreateDirectConversation(ctx context.Context, user1ID, user2ID uuid.UUID) (*models.Conversation, error) {
	existing, err := s.GetDirectConversation(ctx, user1ID, user2ID)
	if err == nil && existing != nil {
		return existing, nil
	}

	conv, err := s.CreateConversation(ctx, "direct", "", user1ID)
	if err != nil {
		return nil, err
	}

	if err := s.AddParticipant(ctx, conv.ID, user2ID, "member"); err != nil {
		return nil, fmt.Errorf("failed to add second participant: %w", err)
	}

	return conv, nil
}

// GetDirectConversation finds an existing direct conversation between two users
func (s *Service) GetDirectConversation(ctx context.Context, user1ID, user2ID uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT DISTINCT c.id, c.type, c.name, c.created_by, c.created_at, c.updated_at, c.last_message_at, c.is_active
		FROM conversations c
		INNER JOIN participants p1 ON c.id = p1.conversation_id AND p1.user_id = $1
		INNER JOIN participants p2 ON c.id = p2.conversation_id AND p2.user_id = $2
		WHERE c.type = 'direct'
		LIMIT 1
	`

	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, query, user1ID, user2ID).Scan(
		&conv.ID, &conv.Type, &conv.Name, &conv.CreatedBy,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessageAt, &conv.IsActive,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query direct conversation: %w", err)
	}

	return &conv, nil
}

// AddParticipant adds a user to a conversation
func (s *Service) AddParticipant(ctx context.Context, conversationID, userID uuid.UUID, role string) error {
	query := `
		INSERT INTO participants (id, conversation_id, user_id, role, joined_at, last_read_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New(), conversationID, userID, role, time.Now(), time.Now())

	return err
}

// GetParticipants lists the participants of a conversation
func (s *Service) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]*models.Participant, error) {
	query := `
		SELECT id, conversation_id, user_id, role, joined_at, last_read_at
		FROM participants
		WHERE conversation_id = $1
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, &p)
	}

	return participants, rows.Err()
}

// CreateMessage persists an encrypted message and publishes the insert event
func (s *Service) CreateMessage(ctx context.Context, conversationID, senderID uuid.UUID, contentEncrypted []byte, iv string) (*models.Message, error) {
	msg := &models.Message{
		ID:               uuid.New(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		ContentEncrypted: contentEncrypted,
		IV:               iv,
		CreatedAt:        time.Now(),
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content_encrypted, iv, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, conversation_id, sender_id, content_encrypted, iv, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ContentEncrypted, msg.IV, msg.CreatedAt,
	).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ContentEncrypted, &msg.IV, &msg.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE conversations SET last_message_at = $1 WHERE id = $2",
		msg.CreatedAt, conversationID)
	if err != nil {
		// Log but don't fail the message creation
		log.Printf("[WARN] Failed to update conversation last_message_at: %v", err)
	}

	if s.redis != nil {
		s.publishMessage(ctx, msg)
	}

	return msg, nil
}

// GetMessage retrieves a single message by id
func (s *Service) GetMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content_encrypted, iv, created_at
		FROM messages WHERE id = $1
	`, messageID).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ContentEncrypted, &msg.IV, &msg.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return &msg, nil
}

// GetMessages retrieves a conversation's messages ordered by creation time
func (s *Service) GetMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content_encrypted, iv, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ContentEncrypted, &msg.IV, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// GetUserConversations retrieves all conversations for a user
func (s *Service) GetUserConversations(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	query := `
		SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.updated_at, c.last_message_at, c.is_active
		FROM conversations c
		INNER JOIN participants p ON c.id = p.conversation_id
		WHERE p.user_id = $1 AND c.is_active = true
		ORDER BY c.last_message_at DESC NULLS LAST
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, &conv.Type, &conv.Name, &conv.CreatedBy,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessageAt, &conv.IsActive)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, &conv)
	}

	return conversations, rows.Err()
}

// UpdateLastRead updates the last read timestamp for a participant
func (s *Service) UpdateLastRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `
		UPDATE participants
		SET last_read_at = $1
		WHERE conversation_id = $2 AND user_id = $3
	`

	_, err := s.db.ExecContext(ctx, query, time.Now(), conversationID, userID)
	return err
}

// Presence Management (using Redis)

// SetPresence sets a user's presence status with a TTL so stale entries
// expire on their own
func (s *Service) SetPresence(ctx context.Context, userID uuid.UUID, status string) error {
	if s.redis == nil {
		return nil
	}

	key := fmt.Sprintf("presence:%s", userID.String())
	data := map[string]interface{}{
		"status":       status,
		"last_seen_at": time.Now().Unix(),
	}

	if err := s.redis.HSet(ctx, key, data).Err(); err != nil {
		return err
	}
	return s.redis.Expire(ctx, key, 2*time.Minute).Err()
}

// GetPresence gets a user's presence status
func (s *Service) GetPresence(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	key := fmt.Sprintf("presence:%s", userID.String())
	result, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	if len(result) == 0 {
		return &models.Presence{UserID: userID, Status: "offline"}, nil
	}

	return &models.Presence{
		UserID: userID,
		Status: result["status"],
	}, nil
}

// publishMessage publishes a message insert event for real-time delivery.
// Ciphertext is never published; clients fetch the full row over the API.
func (s *Service) publishMessage(ctx context.Context, msg *models.Message) {
	event := models.MessageEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		CreatedAt:      msg.CreatedAt.Unix(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WARN] Failed to serialize message event: %v", err)
		return
	}

	channel := fmt.Sprintf("messages:%s", msg.ConversationID.String())
	s.redis.Publish(ctx, channel, payload)
}

// SubscribeToConversation subscribes to real-time message events for a conversation
func (s *Service) SubscribeToConversation(ctx context.Context, conversationID uuid.UUID) *redis.PubSub {
	if s.redis == nil {
		return nil
	}

	channel := fmt.Sprintf("messages:%s", conversationID.String())
	return s.redis.Subscribe(ctx, channel)
}
