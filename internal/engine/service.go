// Package engine runs AI-assisted conversation turns: it calls the responder,
// persists the turn, keeps lifetime metrics, and drives escalation and handoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/ai"
	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/escalation"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/lock"
	"github.com/supportcrm/backend/internal/metrics"
	"github.com/supportcrm/backend/internal/models"
)

// ErrHumanHandled rejects AI turns on a conversation that was handed off.
var ErrHumanHandled = errors.New("conversation is handled by a human agent")

type Store interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	SaveTurn(ctx context.Context, t db.Turn) error
	HandoffConversation(ctx context.Context, conversationID string, note models.Message) error
	SetConversationStatus(ctx context.Context, conversationID string, status models.ConversationStatus) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListLogs(ctx context.Context, conversationID string) ([]models.AIConversationLog, error)
	GetAgent(ctx context.Context, id string) (models.AIAgent, error)
	GetActiveAgent(ctx context.Context) (models.AIAgent, error)
}

type Emitter interface {
	Emit(ctx context.Context, ev events.Event) (models.AIWebhookEvent, error)
	Prepare(ev events.Event) (models.AIWebhookEvent, error)
	Announce(ctx context.Context, row models.AIWebhookEvent)
	Latest(ctx context.Context, conversationID string, t events.Type) (*models.AIWebhookEvent, error)
	EnsureStarted(ctx context.Context, p events.ConversationStartedPayload) (bool, error)
}

// Service is stateless between calls. Conversation state lives in Store and
// turns on one conversation are serialized through Locker.
type Service struct {
	Store               Store
	Responder           ai.Responder
	Events              Emitter
	Locker              lock.Locker
	Logger              zerolog.Logger
	SuggestionThreshold float64
	RequestTimeout      time.Duration

	Now func() time.Time
}

func NewService(store Store, responder ai.Responder, emitter Emitter, locker lock.Locker, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		Store:               store,
		Responder:           responder,
		Events:              emitter,
		Locker:              locker,
		Logger:              logger.With().Str("component", "engine").Logger(),
		SuggestionThreshold: escalation.DefaultSuggestionThreshold,
		RequestTimeout:      30 * time.Second,
		Now:                 func() time.Time { return time.Now().UTC() },
	}
}

type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	AgentID        string `json:"agent_id"`
	Text           string `json:"message"`
}

type TurnResult struct {
	Conversation models.Conversation `json:"conversation"`
	// Messages holds the persisted user and assistant messages, followed by
	// the escalation offer when one was made.
	Messages         []models.Message     `json:"messages"`
	Confidence       float64              `json:"confidence"`
	ProcessingTime   float64              `json:"processing_time"`
	TokensUsed       int                  `json:"tokens_used"`
	KnowledgeSources []ai.KnowledgeSource `json:"knowledge_sources,omitempty"`
	Metrics          metrics.Snapshot     `json:"metrics"`
	Decision         escalation.Decision  `json:"decision"`
	Created          bool                 `json:"created"`
}

// Assistant returns the AI reply of the turn.
func (r TurnResult) Assistant() models.Message {
	for _, m := range r.Messages {
		if m.Role == models.RoleAssistant {
			return m
		}
	}
	return models.Message{}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// SendMessage runs one AI turn. Validation and configuration are checked
// before the responder is called; nothing is written unless the responder
// answered.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (TurnResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return TurnResult{}, Validation("message must not be empty")
	}

	var (
		conv   models.Conversation
		exists bool
	)
	if req.ConversationID != "" {
		unlock, err := s.Locker.Lock(ctx, req.ConversationID)
		if err != nil {
			return TurnResult{}, Persistence("lock conversation", err)
		}
		defer unlock()

		conv, err = s.Store.GetConversation(ctx, req.ConversationID)
		if errors.Is(err, db.ErrNotFound) {
			return TurnResult{}, fmt.Errorf("conversation %s: %w", req.ConversationID, db.ErrNotFound)
		}
		if err != nil {
			return TurnResult{}, Persistence("get conversation", err)
		}
		if !conv.IsAIHandled {
			return TurnResult{}, ErrHumanHandled
		}
		exists = true
	} else if strings.TrimSpace(req.CustomerID) == "" {
		return TurnResult{}, Validation("customer id is required to start a conversation")
	}

	agentID := req.AgentID
	if agentID == "" && exists && conv.AgentID != nil {
		agentID = *conv.AgentID
	}
	agent, err := s.resolveAgent(ctx, agentID)
	if err != nil {
		return TurnResult{}, err
	}

	customerID := req.CustomerID
	if exists {
		customerID = conv.CustomerID
	}
	userAt := s.now().Truncate(time.Microsecond)
	if exists {
		userAt = after(userAt, conv.UpdatedAt)
	}

	callCtx := ctx
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}
	reply, err := s.Responder.Respond(callCtx, ai.Request{
		Message:        text,
		ConversationID: req.ConversationID,
		CustomerID:     customerID,
		AgentID:        agent.ID,
	})
	if err != nil {
		return TurnResult{}, Transport("ai chat", err)
	}

	if !exists {
		id := reply.ConversationID
		if id == "" {
			id = uuid.NewString()
		}
		unlock, err := s.Locker.Lock(ctx, id)
		if err != nil {
			return TurnResult{}, Persistence("lock conversation", err)
		}
		defer unlock()
		agentRef := agent.ID
		conv = models.Conversation{
			ID:          id,
			CustomerID:  customerID,
			AgentID:     &agentRef,
			Status:      models.ConversationActive,
			IsAIHandled: true,
			CreatedAt:   userAt,
		}
	}

	var prior []models.AIConversationLog
	if exists {
		prior, err = s.Store.ListLogs(ctx, conv.ID)
		if err != nil {
			return TurnResult{}, Persistence("list logs", err)
		}
	}
	snapshot := metrics.FromLogs(prior).Apply(reply.Confidence, reply.ProcessingTime)
	decision := escalation.Evaluate(escalation.PolicyFor(agent, s.SuggestionThreshold), escalation.AIHandling, reply.Confidence, snapshot.Turns)

	assistantAt := after(s.now(), userAt)
	confidence := reply.Confidence
	user := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      userAt,
	}
	assistant := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		Role:           models.RoleAssistant,
		Content:        reply.Text,
		Confidence:     &confidence,
		CreatedAt:      assistantAt,
	}
	msgs := []models.Message{user, assistant}
	if decision.Suggest {
		msgs = append(msgs, models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Direction:      models.DirectionOutbound,
			Role:           models.RoleSystem,
			Content:        decision.Message,
			CreatedAt:      after(assistantAt, assistantAt),
		})
	}

	conv.AIConfidence = &confidence
	conv.Status = models.ConversationActive
	conv.UpdatedAt = msgs[len(msgs)-1].CreatedAt

	turn := db.Turn{
		Conversation: conv,
		IsNew:        !exists,
		Messages:     msgs,
		Log: models.AIConversationLog{
			ID:              uuid.NewString(),
			ConversationID:  conv.ID,
			MessageID:       assistant.ID,
			AgentID:         agent.ID,
			ConfidenceScore: confidence,
			ProcessingTime:  reply.ProcessingTime,
			TokensUsed:      reply.TokensUsed,
			Metadata:        turnMetadata(reply, decision),
			CreatedAt:       assistantAt,
		},
	}
	// A new conversation's started event commits with its first turn, so it
	// precedes every later event of the conversation.
	if !exists {
		started := startedPayload(conv, agent.ID)
		row, err := s.Events.Prepare(events.Event{AgentID: agent.ID, ConversationID: conv.ID, Payload: started})
		if err != nil {
			return TurnResult{}, Persistence("prepare conversation started", err)
		}
		turn.Events = append(turn.Events, row)
	}
	if err := s.Store.SaveTurn(ctx, turn); err != nil {
		return TurnResult{}, Persistence("save turn", err)
	}
	for _, row := range turn.Events {
		s.Events.Announce(ctx, row)
	}

	if len(reply.KnowledgeSources) > 0 {
		// Conversations stored before started was written with the turn may
		// lack it.
		if _, err := s.Events.EnsureStarted(ctx, startedPayload(conv, agent.ID)); err != nil {
			s.Logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("emit conversation started")
		} else {
			s.emitKnowledge(ctx, conv.ID, agent.ID, reply.KnowledgeSources)
		}
	}

	s.Logger.Info().
		Str("conversation_id", conv.ID).
		Float64("confidence", confidence).
		Float64("processing_time", reply.ProcessingTime).
		Bool("suggest_handoff", decision.Suggest).
		Msg("ai turn completed")

	return TurnResult{
		Conversation:     conv,
		Messages:         msgs,
		Confidence:       confidence,
		ProcessingTime:   reply.ProcessingTime,
		TokensUsed:       reply.TokensUsed,
		KnowledgeSources: reply.KnowledgeSources,
		Metrics:          snapshot,
		Decision:         decision,
		Created:          !exists,
	}, nil
}

func (s *Service) resolveAgent(ctx context.Context, id string) (models.AIAgent, error) {
	if id != "" {
		a, err := s.Store.GetAgent(ctx, id)
		if errors.Is(err, db.ErrNotFound) || (err == nil && !a.Active) {
			return models.AIAgent{}, Configuration(fmt.Sprintf("AI agent %s is not available", id))
		}
		if err != nil {
			return models.AIAgent{}, Persistence("get agent", err)
		}
		return a, nil
	}
	a, err := s.Store.GetActiveAgent(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return models.AIAgent{}, Configuration("no active AI agent is configured")
	}
	if err != nil {
		return models.AIAgent{}, Persistence("get active agent", err)
	}
	return a, nil
}

func turnMetadata(r ai.Reply, d escalation.Decision) map[string]any {
	meta := map[string]any{}
	if len(r.KnowledgeSources) > 0 {
		ids := make([]string, 0, len(r.KnowledgeSources))
		for _, k := range r.KnowledgeSources {
			ids = append(ids, k.KnowledgeBaseID)
		}
		meta["knowledge_base_ids"] = ids
	}
	if d.Suggest {
		meta["handoff_suggested"] = true
	}
	if d.AutoHandoffEligible {
		meta["auto_handoff_eligible"] = true
	}
	return meta
}

// after returns t, moved just past floor when it does not already follow it.
func after(t, floor time.Time) time.Time {
	t = t.Truncate(time.Microsecond)
	if !t.After(floor) {
		return floor.Add(time.Microsecond)
	}
	return t
}

func startedPayload(conv models.Conversation, agentID string) events.ConversationStartedPayload {
	if agentID == "" && conv.AgentID != nil {
		agentID = *conv.AgentID
	}
	return events.ConversationStartedPayload{
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		AgentID:        agentID,
	}
}

func (s *Service) emitKnowledge(ctx context.Context, conversationID, agentID string, sources []ai.KnowledgeSource) {
	byKB := map[string][]string{}
	var order []string
	for _, src := range sources {
		if src.KnowledgeBaseID == "" {
			continue
		}
		if _, ok := byKB[src.KnowledgeBaseID]; !ok {
			order = append(order, src.KnowledgeBaseID)
		}
		if src.DocumentID != "" {
			byKB[src.KnowledgeBaseID] = append(byKB[src.KnowledgeBaseID], src.DocumentID)
		} else if byKB[src.KnowledgeBaseID] == nil {
			byKB[src.KnowledgeBaseID] = []string{}
		}
	}
	for _, kb := range order {
		docs := byKB[kb]
		_, err := s.Events.Emit(ctx, events.Event{
			AgentID:        agentID,
			ConversationID: conversationID,
			Payload: events.KnowledgeUsedPayload{
				KnowledgeBaseID: kb,
				ConversationID:  conversationID,
				Action:          events.KnowledgeActionRetrieved,
				DocumentIDs:     docs,
				DocumentCount:   len(docs),
			},
		})
		if err != nil {
			s.Logger.Warn().Err(err).Str("knowledge_base_id", kb).Msg("emit knowledge used")
		}
	}
}

type History struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []models.Message    `json:"messages"`
	Metrics      metrics.Snapshot    `json:"metrics"`
}

// History loads a conversation's messages in creation order and recomputes
// its metrics from the stored turn logs.
func (s *Service) History(ctx context.Context, conversationID string) (History, error) {
	conv, err := s.Store.GetConversation(ctx, conversationID)
	if errors.Is(err, db.ErrNotFound) {
		return History{}, fmt.Errorf("conversation %s: %w", conversationID, db.ErrNotFound)
	}
	if err != nil {
		return History{}, Persistence("get conversation", err)
	}
	msgs, err := s.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return History{}, Persistence("list messages", err)
	}
	snap, err := s.Metrics(ctx, conversationID)
	if err != nil {
		return History{}, err
	}
	return History{Conversation: conv, Messages: msgs, Metrics: snap}, nil
}

func (s *Service) Metrics(ctx context.Context, conversationID string) (metrics.Snapshot, error) {
	logs, err := s.Store.ListLogs(ctx, conversationID)
	if err != nil {
		return metrics.Snapshot{}, Persistence("list logs", err)
	}
	return metrics.FromLogs(logs), nil
}

// SessionMetrics aggregates the lifetime metrics of several conversations.
func (s *Service) SessionMetrics(ctx context.Context, conversationIDs []string) (metrics.Snapshot, error) {
	var out metrics.Snapshot
	for _, id := range conversationIDs {
		snap, err := s.Metrics(ctx, id)
		if err != nil {
			return metrics.Snapshot{}, err
		}
		out = out.Merge(snap)
	}
	return out, nil
}
