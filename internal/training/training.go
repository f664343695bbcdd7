// Package training runs knowledge-base training jobs:
// UNTRAINED -> TRAINING(0..100) -> TRAINED, with a quality score fixed per run.
package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/models"
)

var (
	ErrNoDocuments     = errors.New("knowledge base has no documents")
	ErrAlreadyTraining = errors.New("knowledge base is already training")
	ErrEmptyName       = errors.New("document name is required")
)

const (
	MinQuality = 60
	MaxQuality = 100
)

type Store interface {
	GetKnowledgeBase(ctx context.Context, id string) (models.KnowledgeBase, error)
	SetKnowledgeBaseState(ctx context.Context, id string, state models.TrainingState) error
	FinishTraining(ctx context.Context, id string, quality int, at time.Time) error
	InsertDocument(ctx context.Context, d models.Document) error
	ListDocuments(ctx context.Context, knowledgeBaseID string) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, at time.Time) error
}

type Emitter interface {
	Emit(ctx context.Context, ev events.Event) (models.AIWebhookEvent, error)
}

// Controller owns the in-flight job records. The worker advances them on each
// Step; callers observe them through Status or Subscribe.
type Controller struct {
	Store   Store
	Events  Emitter
	Logger  zerolog.Logger
	MinStep int
	MaxStep int
	Tick    time.Duration

	// Intn and Now are replaceable for tests.
	Intn func(n int) int
	Now  func() time.Time

	mu   sync.Mutex
	jobs map[string]*models.TrainingJob
	subs map[string]map[chan models.TrainingJob]struct{}
}

func NewController(store Store, emitter Emitter, logger zerolog.Logger) *Controller {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return &Controller{
		Store:   store,
		Events:  emitter,
		Logger:  logger.With().Str("component", "training").Logger(),
		MinStep: 5,
		MaxStep: 20,
		Tick:    time.Second,
		Intn: func(n int) int {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Intn(n)
		},
		Now:  func() time.Time { return time.Now().UTC() },
		jobs: map[string]*models.TrainingJob{},
		subs: map[string]map[chan models.TrainingJob]struct{}{},
	}
}

// StartTraining moves a knowledge base into TRAINING. It is rejected when the
// base has no documents or a run is already in progress.
func (c *Controller) StartTraining(ctx context.Context, knowledgeBaseID string) (models.TrainingJob, error) {
	kb, err := c.Store.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return models.TrainingJob{}, err
	}
	if kb.DocumentCount <= 0 {
		return models.TrainingJob{}, ErrNoDocuments
	}

	c.mu.Lock()
	if j, ok := c.jobs[knowledgeBaseID]; ok && j.State == models.TrainingRunning {
		c.mu.Unlock()
		return models.TrainingJob{}, ErrAlreadyTraining
	}
	job := &models.TrainingJob{
		ID:              uuid.NewString(),
		KnowledgeBaseID: knowledgeBaseID,
		State:           models.TrainingRunning,
		StartedAt:       c.Now(),
	}
	c.jobs[knowledgeBaseID] = job
	snapshot := *job
	c.mu.Unlock()

	if err := c.Store.SetKnowledgeBaseState(ctx, knowledgeBaseID, models.TrainingRunning); err != nil {
		c.mu.Lock()
		delete(c.jobs, knowledgeBaseID)
		c.mu.Unlock()
		return models.TrainingJob{}, fmt.Errorf("mark training: %w", err)
	}
	c.Logger.Info().Str("knowledge_base_id", knowledgeBaseID).Str("job_id", job.ID).Msg("training started")
	c.publish(snapshot)
	return snapshot, nil
}

// Status returns the latest job for the knowledge base, or a job derived from
// the stored state when no run has happened in this process.
func (c *Controller) Status(ctx context.Context, knowledgeBaseID string) (models.TrainingJob, error) {
	c.mu.Lock()
	if j, ok := c.jobs[knowledgeBaseID]; ok {
		snapshot := *j
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	kb, err := c.Store.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return models.TrainingJob{}, err
	}
	job := models.TrainingJob{KnowledgeBaseID: kb.ID, State: kb.State, Quality: kb.Quality, FinishedAt: kb.LastTrained}
	switch kb.State {
	case models.TrainingDone:
		job.Progress = 100
	case "":
		job.State = models.TrainingUntrained
	}
	return job, nil
}

// Subscribe returns a channel of job updates for the knowledge base and a
// function that cancels the subscription. Slow subscribers miss intermediate
// updates rather than block the worker, but always receive the final one.
func (c *Controller) Subscribe(knowledgeBaseID string) (<-chan models.TrainingJob, func()) {
	ch := make(chan models.TrainingJob, 8)
	c.mu.Lock()
	if c.subs[knowledgeBaseID] == nil {
		c.subs[knowledgeBaseID] = map[chan models.TrainingJob]struct{}{}
	}
	c.subs[knowledgeBaseID][ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[knowledgeBaseID], ch)
			if len(c.subs[knowledgeBaseID]) == 0 {
				delete(c.subs, knowledgeBaseID)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) publish(job models.TrainingJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs[job.KnowledgeBaseID] {
		select {
		case ch <- job:
			continue
		default:
		}
		if job.State == models.TrainingRunning {
			continue
		}
		// The final state always reaches the subscriber: drop the oldest
		// queued update to make room for it. publish is the only sender and
		// holds mu, so the second send cannot block.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- job:
		default:
		}
	}
}

// Run advances jobs on every tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	tick := c.Tick
	if tick <= 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Step(ctx)
		}
	}
}

// Step advances every running job by one bounded random increment and
// finishes the ones that reach 100.
func (c *Controller) Step(ctx context.Context) {
	var advanced, finished []models.TrainingJob
	c.mu.Lock()
	for _, j := range c.jobs {
		if j.State != models.TrainingRunning {
			continue
		}
		j.Progress += c.increment()
		if j.Progress >= 100 {
			j.Progress = 100
			finished = append(finished, *j)
			continue
		}
		advanced = append(advanced, *j)
	}
	c.mu.Unlock()

	for _, j := range advanced {
		c.publish(j)
	}
	for _, j := range finished {
		if err := c.finish(ctx, j); err != nil {
			c.Logger.Error().Err(err).Str("knowledge_base_id", j.KnowledgeBaseID).Msg("finish training")
		}
	}
}

func (c *Controller) increment() int {
	lo, hi := c.MinStep, c.MaxStep
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	return lo + c.Intn(hi-lo+1)
}

func (c *Controller) finish(ctx context.Context, j models.TrainingJob) error {
	now := c.Now()
	quality := MinQuality + c.Intn(MaxQuality-MinQuality+1)

	// Progress stays at 100 if persistence fails so the next Step retries.
	if err := c.Store.FinishTraining(ctx, j.KnowledgeBaseID, quality, now); err != nil {
		return fmt.Errorf("persist training result: %w", err)
	}

	docs, err := c.Store.ListDocuments(ctx, j.KnowledgeBaseID)
	if err != nil {
		c.Logger.Warn().Err(err).Str("knowledge_base_id", j.KnowledgeBaseID).Msg("list documents")
	}
	var processed []string
	for _, d := range docs {
		if d.Status != models.DocumentPending {
			continue
		}
		status := models.DocumentProcessed
		if strings.TrimSpace(d.Content) == "" {
			status = models.DocumentError
		}
		if err := c.Store.UpdateDocumentStatus(ctx, d.ID, status, now); err != nil {
			c.Logger.Warn().Err(err).Str("document_id", d.ID).Msg("update document status")
			continue
		}
		if status == models.DocumentProcessed {
			processed = append(processed, d.ID)
		}
	}

	c.mu.Lock()
	if cur, ok := c.jobs[j.KnowledgeBaseID]; ok && cur.ID == j.ID {
		cur.State = models.TrainingDone
		cur.Quality = &quality
		cur.FinishedAt = &now
		j = *cur
	}
	c.mu.Unlock()

	c.Logger.Info().Str("knowledge_base_id", j.KnowledgeBaseID).Int("quality", quality).Msg("training finished")
	c.publish(j)

	if c.Events != nil {
		q := quality
		_, err := c.Events.Emit(ctx, events.Event{Payload: events.KnowledgeUsedPayload{
			KnowledgeBaseID: j.KnowledgeBaseID,
			Action:          events.KnowledgeActionTrained,
			DocumentIDs:     processed,
			DocumentCount:   len(processed),
			Quality:         &q,
		}})
		if err != nil {
			c.Logger.Warn().Err(err).Str("knowledge_base_id", j.KnowledgeBaseID).Msg("emit knowledge event")
		}
	}
	return nil
}

// UploadDocument registers a pending document. It does not touch the
// knowledge base's training state.
func (c *Controller) UploadDocument(ctx context.Context, knowledgeBaseID, name, content string) (models.Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Document{}, ErrEmptyName
	}
	if _, err := c.Store.GetKnowledgeBase(ctx, knowledgeBaseID); err != nil {
		return models.Document{}, err
	}
	d := models.Document{
		ID:              uuid.NewString(),
		KnowledgeBaseID: knowledgeBaseID,
		Name:            name,
		Content:         content,
		Status:          models.DocumentPending,
		CreatedAt:       c.Now(),
	}
	if err := c.Store.InsertDocument(ctx, d); err != nil {
		return models.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}
