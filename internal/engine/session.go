package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supportcrm/backend/internal/metrics"
	"github.com/supportcrm/backend/internal/models"
)

// ErrAbandoned is returned to a Send whose session was abandoned or switched
// to another conversation while the turn was in flight. The turn itself may
// still have been persisted.
var ErrAbandoned = errors.New("session abandoned")

// Conversations is the part of Service a Session drives.
type Conversations interface {
	SendMessage(ctx context.Context, req SendRequest) (TurnResult, error)
	History(ctx context.Context, conversationID string) (History, error)
}

type LocalMessage struct {
	models.Message
	// Pending marks an optimistic entry whose durable write has not been
	// confirmed. Failed marks one whose turn failed; it is kept so the user
	// does not lose the text.
	Pending bool `json:"pending"`
	Failed  bool `json:"failed"`
}

type ErrorMarker struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Session is one client's view of one conversation at a time: the ordered
// local messages, the running metrics and any inline error markers.
type Session struct {
	svc        Conversations
	customerID string
	agentID    string
	agg        *metrics.Aggregator

	mu             sync.Mutex
	conversationID string
	messages       []LocalMessage
	markers        []ErrorMarker
	generation     int
	abandoned      bool
}

func NewSession(svc Conversations, customerID, agentID string) *Session {
	return &Session{
		svc:        svc,
		customerID: customerID,
		agentID:    agentID,
		agg:        metrics.NewAggregator(),
	}
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Send appends the user's text locally, runs the turn, then reconciles the
// local entry with the result. A failed turn keeps the entry and adds an
// error marker.
func (s *Session) Send(ctx context.Context, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, Validation("message must not be empty")
	}

	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return TurnResult{}, ErrAbandoned
	}
	gen := s.generation
	convID := s.conversationID
	localID := "local-" + uuid.NewString()
	s.messages = append(s.messages, LocalMessage{
		Message: models.Message{
			ID:             localID,
			ConversationID: convID,
			Direction:      models.DirectionInbound,
			Role:           models.RoleUser,
			Content:        text,
			CreatedAt:      time.Now().UTC(),
		},
		Pending: true,
	})
	s.mu.Unlock()

	res, err := s.svc.SendMessage(ctx, SendRequest{
		ConversationID: convID,
		CustomerID:     s.customerID,
		AgentID:        s.agentID,
		Text:           text,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned || s.generation != gen {
		return res, ErrAbandoned
	}
	idx := s.indexOf(localID)
	if err != nil {
		if idx >= 0 {
			s.messages[idx].Pending = false
			s.messages[idx].Failed = true
		}
		s.markers = append(s.markers, ErrorMarker{
			ID:      uuid.NewString(),
			Kind:    KindOf(err),
			Message: err.Error(),
			At:      time.Now().UTC(),
		})
		return TurnResult{}, err
	}

	if s.conversationID == "" {
		s.conversationID = res.Conversation.ID
	}
	for i, m := range res.Messages {
		lm := LocalMessage{Message: m}
		if i == 0 && m.Role == models.RoleUser && idx >= 0 {
			s.messages[idx] = lm
			continue
		}
		s.messages = append(s.messages, lm)
	}
	s.agg.Record(res.Conversation.ID, res.Confidence, res.ProcessingTime)
	return res, nil
}

func (s *Session) indexOf(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Open switches the session to another conversation and loads its history.
// In-flight turns for the previous conversation are discarded when they land.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.generation++
	s.conversationID = conversationID
	s.messages = nil
	s.markers = nil
	s.abandoned = false
	s.mu.Unlock()
	return s.Reload(ctx)
}

// Reload replaces local state with durable history and recomputes the
// metrics. On failure the current state is kept.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	convID := s.conversationID
	gen := s.generation
	s.mu.Unlock()
	if convID == "" {
		return nil
	}

	h, err := s.svc.History(ctx, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return ErrAbandoned
	}
	msgs := make([]LocalMessage, 0, len(h.Messages))
	for _, m := range h.Messages {
		msgs = append(msgs, LocalMessage{Message: m})
	}
	s.messages = msgs
	s.agg.Reset(convID, h.Metrics)
	return nil
}

// Abandon detaches the session. Turns that complete afterwards are still
// persisted server-side but never touch local state.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.generation++
}

// Dismiss removes an error marker. Markers are never removed otherwise.
func (s *Session) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.markers {
		if m.ID == id {
			s.markers = append(s.markers[:i], s.markers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) Messages() []LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LocalMessage(nil), s.messages...)
}

func (s *Session) Markers() []ErrorMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorMarker(nil), s.markers...)
}

// Metrics returns the running metrics of the current conversation.
func (s *Session) Metrics() metrics.Snapshot {
	s.mu.Lock()
	id := s.conversationID
	s.mu.Unlock()
	return s.agg.Conversation(id)
}

// SessionMetrics aggregates every conversation this session has touched.
func (s *Session) SessionMetrics() metrics.Snapshot {
	return s.agg.Session()
}
