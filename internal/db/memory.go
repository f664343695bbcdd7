package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/supportcrm/backend/internal/models"
)

// MemoryStore is an in-process implementation of every persistence method of
// Store. It backs STORE=memory and the package tests.
type MemoryStore struct {
	mu sync.Mutex

	seq           int64
	conversations map[string]models.Conversation
	messages      map[string]*memRow[models.Message]
	logs          map[string]*memRow[models.AIConversationLog]
	agents        map[string]models.AIAgent
	events        map[string]*memRow[models.AIWebhookEvent]
	webhooks      map[string]models.WebhookSubscription
	deliveries    map[string]models.WebhookDelivery
	kbs           map[string]models.KnowledgeBase
	docs          map[string]*memRow[models.Document]

	// FailWrites makes every mutating call return the error. Tests use it to
	// simulate persistence outages.
	FailWrites error
}

type memRow[T any] struct {
	seq int64
	val T
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]models.Conversation{},
		messages:      map[string]*memRow[models.Message]{},
		logs:          map[string]*memRow[models.AIConversationLog]{},
		agents:        map[string]models.AIAgent{},
		events:        map[string]*memRow[models.AIWebhookEvent]{},
		webhooks:      map[string]models.WebhookSubscription{},
		deliveries:    map[string]models.WebhookDelivery{},
		kbs:           map[string]models.KnowledgeBase{},
		docs:          map[string]*memRow[models.Document]{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) next() int64 {
	s.seq++
	return s.seq
}

// SetFailWrites toggles simulated write failures.
func (s *MemoryStore) SetFailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailWrites = err
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) SaveTurn(ctx context.Context, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	c := t.Conversation
	if t.IsNew {
		if _, ok := s.conversations[c.ID]; ok {
			return ErrConflict
		}
		s.conversations[c.ID] = c
	} else {
		cur, ok := s.conversations[c.ID]
		if !ok {
			return ErrNotFound
		}
		cur.AIConfidence = c.AIConfidence
		cur.Status = c.Status
		cur.UpdatedAt = c.UpdatedAt
		s.conversations[c.ID] = cur
	}
	for _, m := range t.Messages {
		s.messages[m.ID] = &memRow[models.Message]{seq: s.next(), val: m}
	}
	l := t.Log
	l.Metadata = cloneMap(l.Metadata)
	s.logs[l.ID] = &memRow[models.AIConversationLog]{seq: s.next(), val: l}
	for _, e := range t.Events {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
		s.events[e.ID] = &memRow[models.AIWebhookEvent]{seq: s.next(), val: e}
	}
	return nil
}

func (s *MemoryStore) HandoffConversation(ctx context.Context, conversationID string, note models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.IsAIHandled = false
	c.Status = models.ConversationNew
	c.AssignedTo = nil
	c.UpdatedAt = note.CreatedAt
	s.conversations[conversationID] = c
	s.messages[note.ID] = &memRow[models.Message]{seq: s.next(), val: note}
	return nil
}

func (s *MemoryStore) SetConversationStatus(ctx context.Context, conversationID string, status models.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	s.conversations[conversationID] = c
	return nil
}

// AssignConversation sets assigned_to. Assignment belongs to the ticketing
// screens; tests use it to set up handoff scenarios.
func (s *MemoryStore) AssignConversation(conversationID, assignee string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversations[conversationID]
	c.AssignedTo = &assignee
	s.conversations[conversationID] = c
}

func (s *MemoryStore) InsertMessage(ctx context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return ErrNotFound
	}
	s.messages[m.ID] = &memRow[models.Message]{seq: s.next(), val: m}
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return r.val, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*memRow[models.Message]
	for _, r := range s.messages {
		if r.val.ConversationID == conversationID {
			rows = append(rows, r)
		}
	}
	sortRows(rows, func(m models.Message) time.Time { return m.CreatedAt })
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.val)
	}
	return out, nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, conversationID string) ([]models.AIConversationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.logsFor(conversationID)
	out := make([]models.AIConversationLog, 0, len(rows))
	for _, r := range rows {
		l := r.val
		l.Metadata = cloneMap(l.Metadata)
		out = append(out, l)
	}
	return out, nil
}

func (s *MemoryStore) LatestLog(ctx context.Context, conversationID string) (models.AIConversationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.logsFor(conversationID)
	if len(rows) == 0 {
		return models.AIConversationLog{}, ErrNotFound
	}
	l := rows[len(rows)-1].val
	l.Metadata = cloneMap(l.Metadata)
	return l, nil
}

// AddLog inserts a log row directly, bypassing SaveTurn.
func (s *MemoryStore) AddLog(l models.AIConversationLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[l.ID] = &memRow[models.AIConversationLog]{seq: s.next(), val: l}
}

func (s *MemoryStore) logsFor(conversationID string) []*memRow[models.AIConversationLog] {
	var rows []*memRow[models.AIConversationLog]
	for _, r := range s.logs {
		if r.val.ConversationID == conversationID {
			rows = append(rows, r)
		}
	}
	sortRows(rows, func(l models.AIConversationLog) time.Time { return l.CreatedAt })
	return rows
}

func (s *MemoryStore) RecordFeedback(ctx context.Context, messageID, logID string, score int, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if m.val.HasFeedback {
		return ErrConflict
	}
	r, ok := s.logs[logID]
	if !ok {
		return ErrNotFound
	}
	m.val.HasFeedback = true
	r.val.FeedbackScore = &score
	meta := cloneMap(r.val.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["feedback_comment"] = comment
	r.val.Metadata = meta
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (models.AIAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return models.AIAgent{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetActiveAgent(ctx context.Context) (models.AIAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []models.AIAgent
	for _, a := range s.agents {
		if a.Active {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return models.AIAgent{}, ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool {
		gi, gj := active[i].Scope == models.ScopeGlobal, active[j].Scope == models.ScopeGlobal
		if gi != gj {
			return gi
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active[0], nil
}

func (s *MemoryStore) UpsertAgent(ctx context.Context, a models.AIAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.agents[a.ID] = a
	return nil
}

func (s *MemoryStore) InsertEvent(ctx context.Context, e models.AIWebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	s.events[e.ID] = &memRow[models.AIWebhookEvent]{seq: s.next(), val: e}
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (models.AIWebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.events[id]
	if !ok {
		return models.AIWebhookEvent{}, ErrNotFound
	}
	return r.val, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]models.AIWebhookEvent, error) {
	f = f.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*memRow[models.AIWebhookEvent]
	for _, r := range s.events {
		e := r.val
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.ConversationID != "" && (e.ConversationID == nil || *e.ConversationID != f.ConversationID) {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Processed != nil && e.Processed != *f.Processed {
			continue
		}
		if f.DueAt != nil && e.NextAttemptAt != nil && e.NextAttemptAt.After(*f.DueAt) {
			continue
		}
		rows = append(rows, r)
	}
	sortRows(rows, func(e models.AIWebhookEvent) time.Time { return e.CreatedAt })
	if !f.Ascending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	var out []models.AIWebhookEvent
	for i := f.Offset; i < len(rows) && len(out) < f.Limit; i++ {
		out = append(out, rows[i].val)
	}
	return out, nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	r, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	r.val.Processed = true
	return nil
}

func (s *MemoryStore) DeferEvent(ctx context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	r, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	r.val.NextAttemptAt = &until
	return nil
}

func (s *MemoryStore) ListDeliveries(ctx context.Context, eventID string) ([]models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookDelivery
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebhookID < out[j].WebhookID })
	return out, nil
}

func (s *MemoryStore) SaveDelivery(ctx context.Context, d models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.deliveries[d.EventID+"/"+d.WebhookID] = d
	return nil
}

func (s *MemoryStore) ListActiveWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookSubscription
	for _, w := range s.webhooks {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertWebhook(ctx context.Context, w models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = w
	return nil
}

func (s *MemoryStore) GetKnowledgeBase(ctx context.Context, id string) (models.KnowledgeBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[id]
	if !ok {
		return models.KnowledgeBase{}, ErrNotFound
	}
	return kb, nil
}

func (s *MemoryStore) UpsertKnowledgeBase(ctx context.Context, kb models.KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kb.State == "" {
		kb.State = models.TrainingUntrained
	}
	if cur, ok := s.kbs[kb.ID]; ok {
		cur.Name = kb.Name
		s.kbs[kb.ID] = cur
		return nil
	}
	s.kbs[kb.ID] = kb
	return nil
}

func (s *MemoryStore) SetKnowledgeBaseState(ctx context.Context, id string, state models.TrainingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	kb, ok := s.kbs[id]
	if !ok {
		return ErrNotFound
	}
	kb.State = state
	s.kbs[id] = kb
	return nil
}

func (s *MemoryStore) FinishTraining(ctx context.Context, id string, quality int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	kb, ok := s.kbs[id]
	if !ok {
		return ErrNotFound
	}
	kb.State = models.TrainingDone
	kb.Quality = &quality
	kb.LastTrained = &at
	s.kbs[id] = kb
	return nil
}

func (s *MemoryStore) InsertDocument(ctx context.Context, d models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	kb, ok := s.kbs[d.KnowledgeBaseID]
	if !ok {
		return ErrNotFound
	}
	kb.DocumentCount++
	s.kbs[d.KnowledgeBaseID] = kb
	s.docs[d.ID] = &memRow[models.Document]{seq: s.next(), val: d}
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, knowledgeBaseID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*memRow[models.Document]
	for _, r := range s.docs {
		if r.val.KnowledgeBaseID == knowledgeBaseID {
			rows = append(rows, r)
		}
	}
	sortRows(rows, func(d models.Document) time.Time { return d.CreatedAt })
	out := make([]models.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.val)
	}
	return out, nil
}

func (s *MemoryStore) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	r, ok := s.docs[id]
	if !ok || r.val.Status != models.DocumentPending {
		return ErrNotFound
	}
	r.val.Status = status
	r.val.ProcessedAt = &at
	return nil
}

func sortRows[T any](rows []*memRow[T], at func(T) time.Time) {
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := at(rows[i].val), at(rows[j].val)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].seq < rows[j].seq
	})
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
