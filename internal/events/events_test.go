package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/models"
)

type recordingNotifier struct {
	got []models.AIWebhookEvent
	err error
}

func (r *recordingNotifier) Notify(ctx context.Context, e models.AIWebhookEvent) error {
	r.got = append(r.got, e)
	return r.err
}

func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEmitOrdersEventsWithinConversation(t *testing.T) {
	store := db.NewMemoryStore()
	em := NewEmitter(store, nil, zerolog.Nop())
	em.Now = frozenClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	seq := []Payload{
		ConversationStartedPayload{ConversationID: "c1", CustomerID: "cust", AgentID: "a1"},
		HandoffRequestedPayload{ConversationID: "c1", Reason: "customer asked"},
		HandoffCompletedPayload{ConversationID: "c1", Status: "new"},
	}
	for _, p := range seq {
		_, err := em.Emit(ctx, Event{AgentID: "a1", ConversationID: "c1", Payload: p})
		require.NoError(t, err)
	}

	got, err := em.ConversationEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, p := range seq {
		assert.Equal(t, string(p.EventType()), got[i].EventType)
		if i > 0 {
			assert.True(t, got[i].CreatedAt.After(got[i-1].CreatedAt), "event %d not after %d", i, i-1)
		}
	}
}

func TestEmitForgetsConversationOnCompletion(t *testing.T) {
	em := NewEmitter(db.NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()
	_, err := em.Emit(ctx, Event{ConversationID: "c1", Payload: ConversationStartedPayload{ConversationID: "c1"}})
	require.NoError(t, err)
	_, err = em.Emit(ctx, Event{ConversationID: "c1", Payload: ConversationCompletedPayload{ConversationID: "c1", Status: "resolved"}})
	require.NoError(t, err)

	em.mu.Lock()
	_, tracked := em.last["c1"]
	em.mu.Unlock()
	assert.False(t, tracked)
}

func TestEmitPersistenceFailure(t *testing.T) {
	store := db.NewMemoryStore()
	store.SetFailWrites(errors.New("db down"))
	n := &recordingNotifier{}
	em := NewEmitter(store, n, zerolog.Nop())

	_, err := em.Emit(context.Background(), Event{Payload: FeedbackReceivedPayload{MessageID: "m1", Score: 4}})
	require.Error(t, err)
	assert.Empty(t, n.got, "notifier must not see unpersisted events")
}

func TestPrepareDefersPersistenceToCaller(t *testing.T) {
	store := db.NewMemoryStore()
	n := &recordingNotifier{}
	em := NewEmitter(store, n, zerolog.Nop())
	ctx := context.Background()

	row, err := em.Prepare(Event{AgentID: "a1", ConversationID: "c1", Payload: ConversationStartedPayload{ConversationID: "c1"}})
	require.NoError(t, err)
	_, err = store.GetEvent(ctx, row.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
	assert.Empty(t, n.got)

	require.NoError(t, store.InsertEvent(ctx, row))
	em.Announce(ctx, row)
	require.Len(t, n.got, 1)
	assert.Equal(t, row.ID, n.got[0].ID)

	next, err := em.Emit(ctx, Event{ConversationID: "c1", Payload: HandoffRequestedPayload{ConversationID: "c1"}})
	require.NoError(t, err)
	assert.True(t, next.CreatedAt.After(row.CreatedAt))
}

func TestLatestAndEnsureStarted(t *testing.T) {
	store := db.NewMemoryStore()
	em := NewEmitter(store, nil, zerolog.Nop())
	ctx := context.Background()

	got, err := em.Latest(ctx, "c1", HandoffRequested)
	require.NoError(t, err)
	assert.Nil(t, got)

	emitted, err := em.EnsureStarted(ctx, ConversationStartedPayload{ConversationID: "c1", CustomerID: "cust", AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, emitted)
	emitted, err = em.EnsureStarted(ctx, ConversationStartedPayload{ConversationID: "c1", CustomerID: "cust", AgentID: "a1"})
	require.NoError(t, err)
	assert.False(t, emitted)

	var last models.AIWebhookEvent
	for i := 0; i < 3; i++ {
		last, err = em.Emit(ctx, Event{ConversationID: "c1", Payload: HandoffRequestedPayload{ConversationID: "c1"}})
		require.NoError(t, err)
	}
	got, err = em.Latest(ctx, "c1", HandoffRequested)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, last.ID, got.ID)

	started, err := em.Latest(ctx, "c1", ConversationStarted)
	require.NoError(t, err)
	require.NotNil(t, started)
	require.NotNil(t, started.AgentID)
	assert.Equal(t, "a1", *started.AgentID)
}

func TestNotifierFailureKeepsEvent(t *testing.T) {
	store := db.NewMemoryStore()
	n := &recordingNotifier{err: errors.New("redis down")}
	em := NewEmitter(store, n, zerolog.Nop())

	row, err := em.Emit(context.Background(), Event{Payload: FeedbackReceivedPayload{MessageID: "m1", Score: 4}})
	require.NoError(t, err)
	stored, err := em.Get(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, string(FeedbackReceived), stored.EventType)
	assert.Len(t, n.got, 1)
}

func TestDecodeRoundTripsFeedbackPayload(t *testing.T) {
	em := NewEmitter(db.NewMemoryStore(), nil, zerolog.Nop())
	row, err := em.Emit(context.Background(), Event{Payload: FeedbackReceivedPayload{MessageID: "m1", Score: 5, Comment: "great"}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(row.Payload, &raw))
	assert.Equal(t, "m1", raw["messageId"])

	p, err := Decode(row)
	require.NoError(t, err)
	fb, ok := p.(*FeedbackReceivedPayload)
	require.True(t, ok)
	assert.Equal(t, 5, fb.Score)
	assert.Equal(t, "great", fb.Comment)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(models.AIWebhookEvent{EventType: "ai.unknown", Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30D": 30 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseWindow(in)
		if err != nil {
			t.Fatalf("ParseWindow(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseWindow(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseWindow("1y"); err == nil {
		t.Fatalf("expected error for 1y")
	}
}

func TestListFiltersByTypeAndWindow(t *testing.T) {
	store := db.NewMemoryStore()
	em := NewEmitter(store, nil, zerolog.Nop())
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	em.Now = frozenClock(now.Add(-10 * 24 * time.Hour))
	_, err := em.Emit(ctx, Event{Payload: FeedbackReceivedPayload{MessageID: "old", Score: 1}})
	require.NoError(t, err)

	em.Now = frozenClock(now.Add(-time.Hour))
	_, err = em.Emit(ctx, Event{Payload: FeedbackReceivedPayload{MessageID: "new", Score: 5}})
	require.NoError(t, err)
	_, err = em.Emit(ctx, Event{ConversationID: "c1", Payload: ConversationStartedPayload{ConversationID: "c1"}})
	require.NoError(t, err)

	em.Now = frozenClock(now)
	got, err := em.List(ctx, ListParams{Type: string(FeedbackReceived), Window: "7d"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	p, err := Decode(got[0])
	require.NoError(t, err)
	assert.Equal(t, "new", p.(*FeedbackReceivedPayload).MessageID)

	all, err := em.List(ctx, ListParams{Window: "30d"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = em.List(ctx, ListParams{Type: "ai.bogus"})
	assert.Error(t, err)
}

func TestMarkProcessed(t *testing.T) {
	em := NewEmitter(db.NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()
	row, err := em.Emit(ctx, Event{Payload: KnowledgeUsedPayload{KnowledgeBaseID: "kb1", Action: KnowledgeActionTrained}})
	require.NoError(t, err)
	require.NoError(t, em.MarkProcessed(ctx, row.ID))
	got, err := em.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.ErrorIs(t, em.MarkProcessed(ctx, "missing"), db.ErrNotFound)
}
