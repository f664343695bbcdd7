package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/models"
)

type fixture struct {
	store *db.MemoryStore
	em    *events.Emitter
	rec   *Recorder
	base  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	em := events.NewEmitter(store, nil, zerolog.Nop())
	f := &fixture{
		store: store,
		em:    em,
		rec:   NewRecorder(store, em, nil, zerolog.Nop()),
		base:  time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	conf := 0.8
	require.NoError(t, store.SaveTurn(context.Background(), db.Turn{
		IsNew: true,
		Conversation: models.Conversation{
			ID: "c1", CustomerID: "cust", Status: models.ConversationActive,
			IsAIHandled: true, AIConfidence: &conf, CreatedAt: f.base, UpdatedAt: f.base,
		},
		Messages: []models.Message{
			{ID: "u1", ConversationID: "c1", Direction: models.DirectionInbound, Role: models.RoleUser, Content: "hi", CreatedAt: f.base},
			{ID: "a1", ConversationID: "c1", Direction: models.DirectionOutbound, Role: models.RoleAssistant, Content: "hello", Confidence: &conf, CreatedAt: f.base.Add(time.Millisecond)},
		},
		Log: models.AIConversationLog{ID: "log-old", ConversationID: "c1", MessageID: "a1", AgentID: "agent", ConfidenceScore: conf, ProcessingTime: 1.2, CreatedAt: f.base},
	}))
	return f
}

func TestRecordFeedbackTargetsNewestLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddLog(models.AIConversationLog{ID: "log-new", ConversationID: "c1", MessageID: "a2", AgentID: "agent", ConfidenceScore: 0.7, CreatedAt: f.base.Add(time.Minute)})

	res, err := f.rec.RecordFeedback(ctx, "a1", 4, "helpful")
	require.NoError(t, err)
	assert.Equal(t, "log-new", res.LogID)
	assert.False(t, res.Duplicate)

	logs, err := f.store.ListLogs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Nil(t, logs[0].FeedbackScore, "older row must stay untouched")
	require.NotNil(t, logs[1].FeedbackScore)
	assert.Equal(t, 4, *logs[1].FeedbackScore)
	assert.Equal(t, "helpful", logs[1].Metadata["feedback_comment"])

	msg, err := f.store.GetMessage(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, msg.HasFeedback)

	evs, err := f.em.List(ctx, events.ListParams{Type: string(events.FeedbackReceived)})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	p, err := events.Decode(evs[0])
	require.NoError(t, err)
	fb := p.(*events.FeedbackReceivedPayload)
	assert.Equal(t, events.FeedbackReceivedPayload{MessageID: "a1", Score: 4, Comment: "helpful"}, *fb)
}

func TestRecordFeedbackTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rec.RecordFeedback(ctx, "a1", 5, "")
	require.NoError(t, err)
	res, err := f.rec.RecordFeedback(ctx, "a1", 1, "changed my mind")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	log, err := f.store.LatestLog(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, *log.FeedbackScore)

	evs, err := f.em.List(ctx, events.ListParams{Type: string(events.FeedbackReceived)})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestRecordFeedbackValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, score := range []int{0, 6, -1} {
		_, err := f.rec.RecordFeedback(ctx, "a1", score, "")
		if !engine.IsKind(err, engine.KindValidation) {
			t.Fatalf("score %d: expected validation error, got %v", score, err)
		}
	}
	_, err := f.rec.RecordFeedback(ctx, "", 3, "")
	assert.True(t, engine.IsKind(err, engine.KindValidation))

	_, err = f.rec.RecordFeedback(ctx, "u1", 3, "")
	assert.True(t, engine.IsKind(err, engine.KindValidation), "user messages cannot be rated")

	msg, _ := f.store.GetMessage(ctx, "a1")
	assert.False(t, msg.HasFeedback)
}

func TestRecordFeedbackUnknownMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.RecordFeedback(context.Background(), "nope", 3, "")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRecordFeedbackFailedWriteCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.SetFailWrites(errors.New("db down"))
	_, err := f.rec.RecordFeedback(ctx, "a1", 2, "slow")
	require.True(t, engine.IsKind(err, engine.KindPersistence))
	f.store.SetFailWrites(nil)

	msg, err := f.store.GetMessage(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, msg.HasFeedback)
	log, err := f.store.LatestLog(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, log.FeedbackScore)

	res, err := f.rec.RecordFeedback(ctx, "a1", 2, "slow")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	log, err = f.store.LatestLog(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, *log.FeedbackScore)
}

func TestConcurrentFeedbackRatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		recorded int
	)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			res, err := f.rec.RecordFeedback(ctx, "a1", score, "")
			if err != nil {
				t.Errorf("score %d: %v", score, err)
				return
			}
			if !res.Duplicate {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, recorded)

	evs, err := f.em.List(ctx, events.ListParams{Type: string(events.FeedbackReceived)})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestFeedbackEventFollowsConversationStarted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rec.RecordFeedback(ctx, "a1", 3, "")
	require.NoError(t, err)

	evs, err := f.em.ConversationEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, string(events.ConversationStarted), evs[0].EventType)
	assert.Equal(t, string(events.FeedbackReceived), evs[1].EventType)

	p, err := events.Decode(evs[0])
	require.NoError(t, err)
	assert.Equal(t, "cust", p.(*events.ConversationStartedPayload).CustomerID)
}
