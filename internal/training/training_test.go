package training

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/models"
)

func newController(t *testing.T) (*Controller, *db.MemoryStore, *events.Emitter) {
	t.Helper()
	store := db.NewMemoryStore()
	em := events.NewEmitter(store, nil, zerolog.Nop())
	c := NewController(store, em, zerolog.Nop())
	require.NoError(t, store.UpsertKnowledgeBase(context.Background(), models.KnowledgeBase{ID: "kb1", Name: "FAQ"}))
	return c, store, em
}

func TestStartTrainingRejectsEmptyKnowledgeBase(t *testing.T) {
	c, store, _ := newController(t)
	ctx := context.Background()

	_, err := c.StartTraining(ctx, "kb1")
	require.ErrorIs(t, err, ErrNoDocuments)

	kb, err := store.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, models.TrainingUntrained, kb.State)

	st, err := c.Status(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, models.TrainingUntrained, st.State)
}

func TestStartTrainingUnknownKnowledgeBase(t *testing.T) {
	c, _, _ := newController(t)
	_, err := c.StartTraining(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTrainingRunsToCompletion(t *testing.T) {
	c, store, em := newController(t)
	ctx := context.Background()
	c.Intn = func(n int) int { return n - 1 } // always the largest step

	good, err := c.UploadDocument(ctx, "kb1", "pricing.md", "Plans start at 10 USD.")
	require.NoError(t, err)
	empty, err := c.UploadDocument(ctx, "kb1", "blank.md", "   ")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentPending, good.Status)

	updates, cancel := c.Subscribe("kb1")
	defer cancel()

	job, err := c.StartTraining(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, models.TrainingRunning, job.State)
	assert.Equal(t, 0, job.Progress)

	_, err = c.StartTraining(ctx, "kb1")
	require.ErrorIs(t, err, ErrAlreadyTraining)

	last := 0
	for i := 0; i < 10; i++ {
		c.Step(ctx)
		st, err := c.Status(ctx, "kb1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, st.Progress, last, "progress must not go backwards")
		require.LessOrEqual(t, st.Progress, 100)
		last = st.Progress
		if st.State == models.TrainingDone {
			break
		}
	}

	st, err := c.Status(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, models.TrainingDone, st.State)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.Quality)
	assert.Equal(t, MaxQuality, *st.Quality)

	kb, err := store.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, models.TrainingDone, kb.State)
	require.NotNil(t, kb.LastTrained)

	docs, err := store.ListDocuments(ctx, "kb1")
	require.NoError(t, err)
	status := map[string]models.DocumentStatus{}
	for _, d := range docs {
		status[d.ID] = d.Status
	}
	assert.Equal(t, models.DocumentProcessed, status[good.ID])
	assert.Equal(t, models.DocumentError, status[empty.ID])

	evs, err := em.List(ctx, events.ListParams{Type: string(events.KnowledgeUsed)})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	p, err := events.Decode(evs[0])
	require.NoError(t, err)
	ku := p.(*events.KnowledgeUsedPayload)
	assert.Equal(t, events.KnowledgeActionTrained, ku.Action)
	assert.Equal(t, []string{good.ID}, ku.DocumentIDs)

	var seen []models.TrainingJob
	for len(updates) > 0 {
		seen = append(seen, <-updates)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, models.TrainingRunning, seen[0].State)
	assert.Equal(t, models.TrainingDone, seen[len(seen)-1].State)
}

func TestRetrainingOverwritesQuality(t *testing.T) {
	c, store, _ := newController(t)
	ctx := context.Background()
	_, err := c.UploadDocument(ctx, "kb1", "a.md", "content")
	require.NoError(t, err)

	c.Intn = func(n int) int { return n - 1 }
	_, err = c.StartTraining(ctx, "kb1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		c.Step(ctx)
	}
	first, _ := store.GetKnowledgeBase(ctx, "kb1")
	require.Equal(t, MaxQuality, *first.Quality)

	c.Intn = func(n int) int { return 0 }
	job, err := c.StartTraining(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, models.TrainingRunning, job.State)
	for i := 0; i < 30; i++ {
		c.Step(ctx)
	}
	second, _ := store.GetKnowledgeBase(ctx, "kb1")
	assert.Equal(t, models.TrainingDone, second.State)
	assert.Equal(t, MinQuality, *second.Quality)
}

func TestIncrementStaysWithinBounds(t *testing.T) {
	c := NewController(db.NewMemoryStore(), nil, zerolog.Nop())
	c.MinStep, c.MaxStep = 5, 20
	for i := 0; i < 500; i++ {
		got := c.increment()
		if got < 5 || got > 20 {
			t.Fatalf("increment %d outside [5,20]", got)
		}
	}
}

func TestFinishRetriesAfterPersistenceFailure(t *testing.T) {
	c, store, _ := newController(t)
	ctx := context.Background()
	_, err := c.UploadDocument(ctx, "kb1", "a.md", "content")
	require.NoError(t, err)
	c.Intn = func(n int) int { return n - 1 }
	_, err = c.StartTraining(ctx, "kb1")
	require.NoError(t, err)

	store.SetFailWrites(errors.New("db down"))
	for i := 0; i < 10; i++ {
		c.Step(ctx)
	}
	st, _ := c.Status(ctx, "kb1")
	assert.Equal(t, models.TrainingRunning, st.State)
	assert.Equal(t, 100, st.Progress)

	store.SetFailWrites(nil)
	c.Step(ctx)
	st, _ = c.Status(ctx, "kb1")
	assert.Equal(t, models.TrainingDone, st.State)
}

func TestSlowSubscriberStillReceivesFinalState(t *testing.T) {
	c, _, _ := newController(t)
	ctx := context.Background()
	_, err := c.UploadDocument(ctx, "kb1", "a.md", "content")
	require.NoError(t, err)
	c.MinStep, c.MaxStep = 1, 1

	updates, cancel := c.Subscribe("kb1")
	defer cancel()
	_, err = c.StartTraining(ctx, "kb1")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		c.Step(ctx)
	}
	st, err := c.Status(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, models.TrainingDone, st.State)

	var last models.TrainingJob
	n := 0
	for drained := false; !drained; {
		select {
		case job := <-updates:
			last = job
			n++
		default:
			drained = true
		}
	}
	assert.LessOrEqual(t, n, 8)
	assert.Equal(t, models.TrainingDone, last.State)
	assert.Equal(t, 100, last.Progress)
	require.NotNil(t, last.Quality)
}

func TestUploadDocumentValidation(t *testing.T) {
	c, _, _ := newController(t)
	_, err := c.UploadDocument(context.Background(), "kb1", " ", "x")
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = c.UploadDocument(context.Background(), "nope", "a.md", "x")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := newController(t)
	c.Tick = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
