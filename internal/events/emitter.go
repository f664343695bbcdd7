package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/models"
)

type Store interface {
	InsertEvent(ctx context.Context, e models.AIWebhookEvent) error
	GetEvent(ctx context.Context, id string) (models.AIWebhookEvent, error)
	ListEvents(ctx context.Context, f db.EventFilter) ([]models.AIWebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
}

// Notifier announces a persisted event to delivery workers. Failures never
// undo the persisted row.
type Notifier interface {
	Notify(ctx context.Context, e models.AIWebhookEvent) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, e models.AIWebhookEvent) error { return nil }

// RedisNotifier appends a pointer to each event onto a Redis stream.
type RedisNotifier struct {
	Client *redis.Client
	Stream string
	MaxLen int64
}

func (r RedisNotifier) Notify(ctx context.Context, e models.AIWebhookEvent) error {
	maxLen := r.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	values := map[string]any{
		"id":         e.ID,
		"event_type": e.EventType,
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ConversationID != nil {
		values["conversation_id"] = *e.ConversationID
	}
	return r.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.Stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

type Event struct {
	AgentID        string
	ConversationID string
	Payload        Payload
}

// Emitter persists lifecycle events. Timestamps are strictly increasing per
// conversation so that created_at ordering matches emission order.
type Emitter struct {
	store    Store
	notifier Notifier
	logger   zerolog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

const maxTrackedConversations = 10000

func NewEmitter(store Store, notifier Notifier, logger zerolog.Logger) *Emitter {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Emitter{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "events").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
		last:     map[string]time.Time{},
	}
}

func (e *Emitter) Emit(ctx context.Context, ev Event) (models.AIWebhookEvent, error) {
	row, err := e.Prepare(ev)
	if err != nil {
		return models.AIWebhookEvent{}, err
	}
	if err := e.store.InsertEvent(ctx, row); err != nil {
		return models.AIWebhookEvent{}, fmt.Errorf("persist %s: %w", row.EventType, err)
	}
	e.Announce(ctx, row)
	return row, nil
}

// Prepare builds the row for ev without writing it. Callers that insert the
// row inside their own transaction call Announce once it has committed.
func (e *Emitter) Prepare(ev Event) (models.AIWebhookEvent, error) {
	if ev.Payload == nil {
		return models.AIWebhookEvent{}, fmt.Errorf("event payload is required")
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return models.AIWebhookEvent{}, fmt.Errorf("encode %s payload: %w", ev.Payload.EventType(), err)
	}
	row := models.AIWebhookEvent{
		ID:        uuid.NewString(),
		EventType: string(ev.Payload.EventType()),
		Payload:   body,
		CreatedAt: e.stamp(ev.ConversationID),
	}
	if ev.AgentID != "" {
		agentID := ev.AgentID
		row.AgentID = &agentID
	}
	if ev.ConversationID != "" {
		convID := ev.ConversationID
		row.ConversationID = &convID
	}
	return row, nil
}

// Announce notifies delivery workers about a persisted row.
func (e *Emitter) Announce(ctx context.Context, row models.AIWebhookEvent) {
	convID := ""
	if row.ConversationID != nil {
		convID = *row.ConversationID
	}
	e.logger.Debug().
		Str("event_id", row.ID).
		Str("event_type", row.EventType).
		Str("conversation_id", convID).
		Msg("event emitted")

	if err := e.notifier.Notify(ctx, row); err != nil {
		e.logger.Warn().Err(err).Str("event_id", row.ID).Msg("event notification failed")
	}
	if Type(row.EventType) == ConversationCompleted && convID != "" {
		e.mu.Lock()
		delete(e.last, convID)
		e.mu.Unlock()
	}
}

// Latest returns the newest event of type t recorded for the conversation, or
// nil when there is none.
func (e *Emitter) Latest(ctx context.Context, conversationID string, t Type) (*models.AIWebhookEvent, error) {
	evs, err := e.store.ListEvents(ctx, db.EventFilter{ConversationID: conversationID, EventType: string(t), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}
	return &evs[0], nil
}

// EnsureStarted records ai.conversation.started unless the conversation
// already has one, and reports whether it emitted.
func (e *Emitter) EnsureStarted(ctx context.Context, p ConversationStartedPayload) (bool, error) {
	ev, err := e.Latest(ctx, p.ConversationID, ConversationStarted)
	if err != nil {
		return false, fmt.Errorf("look up %s: %w", ConversationStarted, err)
	}
	if ev != nil {
		return false, nil
	}
	if _, err := e.Emit(ctx, Event{AgentID: p.AgentID, ConversationID: p.ConversationID, Payload: p}); err != nil {
		return false, err
	}
	return true, nil
}

// stamp returns the creation time for a new event of the conversation. Postgres
// keeps microseconds, so timestamps are truncated and bumped at that resolution.
func (e *Emitter) stamp(conversationID string) time.Time {
	now := e.Now().Truncate(time.Microsecond)
	if conversationID == "" {
		return now
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.last[conversationID]; ok && !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	if len(e.last) >= maxTrackedConversations {
		e.prune(now)
	}
	e.last[conversationID] = now
	return now
}

// prune drops conversations whose last event is old enough that the wall clock
// alone keeps them ordered.
func (e *Emitter) prune(now time.Time) {
	for id, t := range e.last {
		if now.Sub(t) > time.Minute {
			delete(e.last, id)
		}
	}
}

type ListParams struct {
	Type           string
	Window         string
	ConversationID string
	Limit          int
	Offset         int
}

// List serves the operator query surface: filter by type and time window.
func (e *Emitter) List(ctx context.Context, p ListParams) ([]models.AIWebhookEvent, error) {
	f := db.EventFilter{ConversationID: p.ConversationID, Limit: p.Limit, Offset: p.Offset}
	if p.Type != "" {
		t, err := ParseType(p.Type)
		if err != nil {
			return nil, err
		}
		f.EventType = string(t)
	}
	window, err := ParseWindow(p.Window)
	if err != nil {
		return nil, err
	}
	if window > 0 {
		since := e.Now().Add(-window)
		f.Since = &since
	}
	return e.store.ListEvents(ctx, f)
}

func (e *Emitter) Get(ctx context.Context, id string) (models.AIWebhookEvent, error) {
	return e.store.GetEvent(ctx, id)
}

func (e *Emitter) MarkProcessed(ctx context.Context, id string) error {
	return e.store.MarkEventProcessed(ctx, id)
}

// ConversationEvents returns up to the first 500 events of a conversation,
// oldest first. Lifecycle checks use Latest instead.
func (e *Emitter) ConversationEvents(ctx context.Context, conversationID string) ([]models.AIWebhookEvent, error) {
	return e.store.ListEvents(ctx, db.EventFilter{ConversationID: conversationID, Ascending: true, Limit: 500})
}
