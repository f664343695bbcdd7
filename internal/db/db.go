package db

import (
	"errors"
	"time"

	"github.com/supportcrm/backend/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Turn is everything one successful AI turn writes atomically.
type Turn struct {
	Conversation models.Conversation
	IsNew        bool
	Messages     []models.Message
	Log          models.AIConversationLog
	// Events are written in the same transaction, after the log row.
	Events []models.AIWebhookEvent
}

// EventFilter selects events. DueAt skips events whose next delivery attempt
// is scheduled after it.
type EventFilter struct {
	EventType      string
	ConversationID string
	Since          *time.Time
	Processed      *bool
	DueAt          *time.Time
	Ascending      bool
	Limit          int
	Offset         int
}

func (f EventFilter) normalized() EventFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
