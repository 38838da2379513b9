// Package audit records server-side cipher and key-directory events. All
// writes are best-effort: an audit failure is logged and never propagated
// to the operation that triggered it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Logger appends audit records to the audit_logs table
type Logger struct {
	db *sql.DB
}

// NewLogger creates a new audit logger
func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Record captures one auditable event
type Record struct {
	UserID    uuid.UUID
	EventType string
	EventData map[string]interface{}
	IPAddress string
	UserAgent string
}

// Log appends a record. Failures are logged, never returned; the cipher
// operation that produced the event must not be blocked or failed by the
// audit write.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if l == nil || l.db == nil {
		return
	}

	data, err := json.Marshal(rec.EventData)
	if err != nil {
		log.Printf("[WARN] Failed to serialize audit event data: %v", err)
		data = nil
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, event_type, event_data, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), rec.UserID, rec.EventType, data,
		sql.NullString{String: rec.IPAddress, Valid: rec.IPAddress != ""},
		sql.NullString{String: rec.UserAgent, Valid: rec.UserAgent != ""},
		time.Now())
	if err != nil {
		log.Printf("[WARN] Failed to write audit log: %v", err)
	}
}

// entry is the archived representation of an audit row
type entry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	IPAddress *string         `json:"ip_address,omitempty"`
	UserAgent *string         `json:"user_agent,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// rowsBefore loads audit rows created before the cutoff, oldest first
func (l *Logger) rowsBefore(ctx context.Context, cutoff time.Time, limit int) ([]entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, event_data, ip_address, user_agent, created_at
		FROM audit_logs
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.EventData, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// deleteRows removes audit rows by id after they have been archived
func (l *Logger) deleteRows(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM audit_logs WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete archived audit rows: %w", err)
	}
	return nil
}
