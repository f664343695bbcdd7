// Package feedback attaches human ratings to AI turns.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/lock"
	"github.com/supportcrm/backend/internal/models"
)

type Store interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	LatestLog(ctx context.Context, conversationID string) (models.AIConversationLog, error)
	// RecordFeedback flags the message and rates the log row atomically, or
	// returns db.ErrConflict when the message was already rated.
	RecordFeedback(ctx context.Context, messageID, logID string, score int, comment string) error
}

type Emitter interface {
	Emit(ctx context.Context, ev events.Event) (models.AIWebhookEvent, error)
	EnsureStarted(ctx context.Context, p events.ConversationStartedPayload) (bool, error)
}

type Input struct {
	MessageID string `validate:"required"`
	Score     int    `validate:"required,min=1,max=5"`
	Comment   string `validate:"max=2000"`
}

type Result struct {
	MessageID string `json:"message_id"`
	LogID     string `json:"log_id,omitempty"`
	// Duplicate is set when the message already carried feedback; nothing was
	// written and no event was emitted.
	Duplicate bool `json:"duplicate"`
}

// Recorder only ever touches feedback columns. Running metrics read
// confidence and processing time, so repeated feedback cannot skew them.
type Recorder struct {
	Store     Store
	Events    Emitter
	Locker    lock.Locker
	Validator *validator.Validate
	Logger    zerolog.Logger
}

func NewRecorder(store Store, emitter Emitter, locker lock.Locker, logger zerolog.Logger) *Recorder {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Recorder{
		Store:     store,
		Events:    emitter,
		Locker:    locker,
		Validator: validator.New(),
		Logger:    logger.With().Str("component", "feedback").Logger(),
	}
}

// RecordFeedback rates the AI turn that produced messageID. The rating is
// stored on the newest log row of the message's conversation.
func (r *Recorder) RecordFeedback(ctx context.Context, messageID string, score int, comment string) (Result, error) {
	in := Input{MessageID: strings.TrimSpace(messageID), Score: score, Comment: strings.TrimSpace(comment)}
	if err := r.Validator.Struct(in); err != nil {
		return Result{}, engine.Validation(validationMessage(err))
	}

	msg, err := r.Store.GetMessage(ctx, in.MessageID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{}, fmt.Errorf("message %s: %w", in.MessageID, db.ErrNotFound)
	}
	if err != nil {
		return Result{}, engine.Persistence("get message", err)
	}
	if msg.Role != models.RoleAssistant {
		return Result{}, engine.Validation("feedback can only be recorded for assistant messages")
	}
	if msg.HasFeedback {
		return Result{MessageID: msg.ID, Duplicate: true}, nil
	}

	// Same key as the engine's turn lock: the latest log row cannot move
	// while the rating is attached to it.
	unlock, err := r.Locker.Lock(ctx, msg.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	log, err := r.Store.LatestLog(ctx, msg.ConversationID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{}, fmt.Errorf("ai log for conversation %s: %w", msg.ConversationID, db.ErrNotFound)
	}
	if err != nil {
		return Result{}, engine.Persistence("latest log", err)
	}
	err = r.Store.RecordFeedback(ctx, msg.ID, log.ID, in.Score, in.Comment)
	if errors.Is(err, db.ErrConflict) {
		return Result{MessageID: msg.ID, Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, engine.Persistence("record feedback", err)
	}

	if r.Events != nil {
		r.emit(ctx, msg, log, in)
	}
	r.Logger.Info().Str("message_id", msg.ID).Str("log_id", log.ID).Int("score", in.Score).Msg("feedback recorded")
	return Result{MessageID: msg.ID, LogID: log.ID}, nil
}

func (r *Recorder) emit(ctx context.Context, msg models.Message, log models.AIConversationLog, in Input) {
	started := events.ConversationStartedPayload{ConversationID: msg.ConversationID, AgentID: log.AgentID}
	if conv, err := r.Store.GetConversation(ctx, msg.ConversationID); err == nil {
		started.CustomerID = conv.CustomerID
	}
	if _, err := r.Events.EnsureStarted(ctx, started); err != nil {
		r.Logger.Warn().Err(err).Str("message_id", msg.ID).Msg("emit conversation started")
		return
	}
	_, err := r.Events.Emit(ctx, events.Event{
		AgentID:        log.AgentID,
		ConversationID: msg.ConversationID,
		Payload:        events.FeedbackReceivedPayload{MessageID: msg.ID, Score: in.Score, Comment: in.Comment},
	})
	if err != nil {
		r.Logger.Warn().Err(err).Str("message_id", msg.ID).Msg("emit feedback event")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	switch fe := verrs[0]; fe.Field() {
	case "MessageID":
		return "message id is required"
	case "Score":
		return "score must be between 1 and 5"
	case "Comment":
		return "comment is too long"
	default:
		return fe.Error()
	}
}
