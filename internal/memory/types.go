package memory

import (
	"context"
	"time"
)

// TurnRecord is one archived conversational turn of an ended voice session.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Seq         int       `json:"seq"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	SpokenAt    time.Time `json:"spoken_at"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Store persists archived turns.
type Store interface {
	SaveTurns(ctx context.Context, records []TurnRecord) error
	SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)
	RecentTurns(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}
