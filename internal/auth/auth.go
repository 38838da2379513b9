package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gitlab.com/secp/services/messenger/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid token")
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateUser creates a new user with password
func (s *Service) CreateUser(ctx context.Context, username, email, password string) (*models.User, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	hash := string(passwordHash)
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        &email,
		PasswordHash: &hash,
		DisplayName:  username,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		LastSeenAt:   time.Now(),
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, display_name, created_at, updated_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, username, email, display_name, created_at, updated_at, last_seen_at
	`

	err = s.db.QueryRowContext(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.DisplayName,
		user.CreatedAt, user.UpdatedAt, user.LastSeenAt,
	).Scan(&user.ID, &user.Username, &user.Email, &user.DisplayName,
		&user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// AuthenticateUser verifies username/password and returns the user
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*models.User, error) {
	user := &models.User{}
	var passwordHash sql.NullString

	query := `
		SELECT id, username, email, password_hash, display_name, created_at, updated_at, last_seen_at
		FROM users WHERE username = $1
	`
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.Email, &passwordHash, &user.DisplayName,
		&user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if !passwordHash.Valid {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash.String), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// GetUserByID retrieves a user by ID
func (s *Service) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user := &models.User{}
	query := `
		SELECT id, username, email, display_name, created_at, updated_at, last_seen_at
		FROM users WHERE id = $1
	`
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Username, &user.Email, &user.DisplayName,
		&user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateLastSeen updates the user's last seen timestamp
func (s *Service) UpdateLastSeen(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE users SET last_seen_at = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, time.Now(), userID)
	return err
}

// GenerateSessionToken generates an opaque bearer token for a user
func (s *Service) GenerateSessionToken(userID uuid.UUID) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}

	token := base64.URLEncoding.EncodeToString(tokenBytes)
	return fmt.Sprintf("%s:%s", userID.String(), token), nil
}

// ValidateSessionToken validates a bearer token and returns the user ID
func (s *Service) ValidateSessionToken(token string) (uuid.UUID, error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	return userID, nil
}
