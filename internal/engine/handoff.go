package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/escalation"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/models"
)

type HandoffRequest struct {
	ConversationID string `json:"conversation_id"`
	RequestedBy    string `json:"requested_by"`
	Reason         string `json:"reason"`
}

type HandoffResult struct {
	Conversation models.Conversation `json:"conversation"`
	Note         *models.Message     `json:"note,omitempty"`
	// AlreadyHandedOff is set when the call was a no-op.
	AlreadyHandedOff bool `json:"already_handed_off"`
}

// eventLog summarizes what a conversation's events say about its lifecycle.
type eventLog struct {
	completed      bool
	pendingHandoff bool
}

// readEventLog looks up the newest lifecycle events by type, so the answer
// does not depend on how many other events the conversation has.
func (s *Service) readEventLog(ctx context.Context, conversationID string) (eventLog, error) {
	var l eventLog
	completed, err := s.Events.Latest(ctx, conversationID, events.ConversationCompleted)
	if err != nil {
		return l, err
	}
	requested, err := s.Events.Latest(ctx, conversationID, events.HandoffRequested)
	if err != nil {
		return l, err
	}
	handedOff, err := s.Events.Latest(ctx, conversationID, events.HandoffCompleted)
	if err != nil {
		return l, err
	}
	l.completed = completed != nil
	l.pendingHandoff = requested != nil && (handedOff == nil || requested.CreatedAt.After(handedOff.CreatedAt))
	return l, nil
}

// Handoff transfers a conversation to the human queue. Calling it on a
// conversation that is already human handled does nothing. If an earlier call
// emitted ai.handoff.requested but failed before completing, the pending
// request is resumed instead of emitted again.
func (s *Service) Handoff(ctx context.Context, req HandoffRequest) (HandoffResult, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return HandoffResult{}, Validation("conversation id is required")
	}
	unlock, err := s.Locker.Lock(ctx, req.ConversationID)
	if err != nil {
		return HandoffResult{}, Persistence("lock conversation", err)
	}
	defer unlock()

	conv, err := s.Store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, db.ErrNotFound) {
		return HandoffResult{}, fmt.Errorf("conversation %s: %w", req.ConversationID, db.ErrNotFound)
	}
	if err != nil {
		return HandoffResult{}, Persistence("get conversation", err)
	}
	elog, err := s.readEventLog(ctx, conv.ID)
	if err != nil {
		return HandoffResult{}, Persistence("read events", err)
	}

	state := escalation.StateOf(conv, elog.pendingHandoff)
	if _, ok := escalation.RequestHandoff(state); !ok {
		return HandoffResult{Conversation: conv, AlreadyHandedOff: true}, nil
	}
	if _, err := s.Events.EnsureStarted(ctx, startedPayload(conv, "")); err != nil {
		return HandoffResult{}, Persistence("emit conversation started", err)
	}

	agentID := ""
	if conv.AgentID != nil {
		agentID = *conv.AgentID
	}
	if state != escalation.HandoffRequested {
		_, err := s.Events.Emit(ctx, events.Event{
			AgentID:        agentID,
			ConversationID: conv.ID,
			Payload: events.HandoffRequestedPayload{
				ConversationID: conv.ID,
				RequestedBy:    req.RequestedBy,
				Reason:         req.Reason,
				Confidence:     conv.AIConfidence,
			},
		})
		if err != nil {
			return HandoffResult{}, Persistence("emit handoff requested", err)
		}
		state = escalation.HandoffRequested
	}

	var note *models.Message
	if conv.IsAIHandled {
		m := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Direction:      models.DirectionOutbound,
			Role:           models.RoleSystem,
			Content:        escalation.TransferMessage(req.Reason),
			CreatedAt:      after(s.now(), conv.UpdatedAt),
		}
		if err := s.Store.HandoffConversation(ctx, conv.ID, m); err != nil {
			return HandoffResult{}, Persistence("handoff conversation", err)
		}
		conv.IsAIHandled = false
		conv.Status = models.ConversationNew
		conv.AssignedTo = nil
		conv.UpdatedAt = m.CreatedAt
		note = &m
	}

	if _, err := escalation.CompleteHandoff(state); err != nil {
		return HandoffResult{}, err
	}
	_, err = s.Events.Emit(ctx, events.Event{
		AgentID:        agentID,
		ConversationID: conv.ID,
		Payload: events.HandoffCompletedPayload{
			ConversationID: conv.ID,
			Status:         string(conv.Status),
			IsAIHandled:    conv.IsAIHandled,
		},
	})
	if err != nil {
		return HandoffResult{}, Persistence("emit handoff completed", err)
	}

	s.Logger.Info().Str("conversation_id", conv.ID).Str("requested_by", req.RequestedBy).Msg("conversation handed off")
	return HandoffResult{Conversation: conv, Note: note}, nil
}

// Complete closes a conversation as resolved or closed and reports its final
// metrics. Completing an already completed conversation does nothing.
func (s *Service) Complete(ctx context.Context, conversationID string, status models.ConversationStatus) (models.Conversation, error) {
	if status == "" {
		status = models.ConversationResolved
	}
	if status != models.ConversationResolved && status != models.ConversationClosed {
		return models.Conversation{}, Validation("status must be resolved or closed")
	}
	unlock, err := s.Locker.Lock(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, Persistence("lock conversation", err)
	}
	defer unlock()

	conv, err := s.Store.GetConversation(ctx, conversationID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, db.ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, Persistence("get conversation", err)
	}
	elog, err := s.readEventLog(ctx, conv.ID)
	if err != nil {
		return models.Conversation{}, Persistence("read events", err)
	}
	terminal := conv.Status == models.ConversationResolved || conv.Status == models.ConversationClosed
	if terminal && elog.completed {
		return conv, nil
	}
	if _, err := s.Events.EnsureStarted(ctx, startedPayload(conv, "")); err != nil {
		return models.Conversation{}, Persistence("emit conversation started", err)
	}
	// A terminal status without the completed event means an earlier call
	// failed after the status write; only the event is missing.
	if !terminal {
		if err := s.Store.SetConversationStatus(ctx, conv.ID, status); err != nil {
			return models.Conversation{}, Persistence("set status", err)
		}
		conv.Status = status
	}
	status = conv.Status

	snap, err := s.Metrics(ctx, conv.ID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("final metrics unavailable")
	}
	agentID := ""
	if conv.AgentID != nil {
		agentID = *conv.AgentID
	}
	_, err = s.Events.Emit(ctx, events.Event{
		AgentID:        agentID,
		ConversationID: conv.ID,
		Payload: events.ConversationCompletedPayload{
			ConversationID:  conv.ID,
			Status:          string(status),
			TotalMessages:   snap.TotalMessages,
			AvgConfidence:   snap.AvgConfidence,
			AvgResponseTime: snap.AvgResponseTime,
		},
	})
	if err != nil {
		return conv, Persistence("emit conversation completed", err)
	}
	return conv, nil
}
