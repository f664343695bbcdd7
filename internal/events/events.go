// Package events produces the durable, ordered log of AI lifecycle events that
// webhook delivery drains.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/supportcrm/backend/internal/models"
)

type Type string

const (
	ConversationStarted   Type = "ai.conversation.started"
	ConversationCompleted Type = "ai.conversation.completed"
	HandoffRequested      Type = "ai.handoff.requested"
	HandoffCompleted      Type = "ai.handoff.completed"
	FeedbackReceived      Type = "ai.feedback.received"
	KnowledgeUsed         Type = "ai.knowledge.used"
)

var AllTypes = []Type{
	ConversationStarted,
	ConversationCompleted,
	HandoffRequested,
	HandoffCompleted,
	FeedbackReceived,
	KnowledgeUsed,
}

func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Payload is the body of one event type. Each enumerated type has exactly one
// concrete payload.
type Payload interface {
	EventType() Type
}

type ConversationStartedPayload struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	AgentID        string `json:"agentId"`
}

type ConversationCompletedPayload struct {
	ConversationID  string  `json:"conversationId"`
	Status          string  `json:"status"`
	TotalMessages   int     `json:"totalMessages"`
	AvgConfidence   float64 `json:"avgConfidence"`
	AvgResponseTime float64 `json:"avgResponseTime"`
}

type HandoffRequestedPayload struct {
	ConversationID string   `json:"conversationId"`
	RequestedBy    string   `json:"requestedBy,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

type HandoffCompletedPayload struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	IsAIHandled    bool   `json:"isAiHandled"`
}

type FeedbackReceivedPayload struct {
	MessageID string `json:"messageId"`
	Score     int    `json:"score"`
	Comment   string `json:"comment,omitempty"`
}

type KnowledgeUsedPayload struct {
	KnowledgeBaseID string   `json:"knowledgeBaseId"`
	ConversationID  string   `json:"conversationId,omitempty"`
	Action          string   `json:"action"`
	DocumentIDs     []string `json:"documentIds,omitempty"`
	DocumentCount   int      `json:"documentCount,omitempty"`
	Quality         *int     `json:"quality,omitempty"`
}

const (
	KnowledgeActionRetrieved = "retrieved"
	KnowledgeActionTrained   = "trained"
)

func (ConversationStartedPayload) EventType() Type   { return ConversationStarted }
func (ConversationCompletedPayload) EventType() Type { return ConversationCompleted }
func (HandoffRequestedPayload) EventType() Type      { return HandoffRequested }
func (HandoffCompletedPayload) EventType() Type      { return HandoffCompleted }
func (FeedbackReceivedPayload) EventType() Type      { return FeedbackReceived }
func (KnowledgeUsedPayload) EventType() Type         { return KnowledgeUsed }

// Decode returns the typed payload of a stored event.
func Decode(e models.AIWebhookEvent) (Payload, error) {
	t, err := ParseType(e.EventType)
	if err != nil {
		return nil, err
	}
	var p Payload
	switch t {
	case ConversationStarted:
		var v ConversationStartedPayload
		err, p = json.Unmarshal(e.Payload, &v), &v
	case ConversationCompleted:
		var v ConversationCompletedPayload
		err, p = json.Unmarshal(e.Payload, &v), &v
	case HandoffRequested:
		var v HandoffRequestedPayload
		err, p = json.Unmarshal(e.Payload, &v), &v
	case HandoffCompleted:
		var v HandoffCompletedPayload
		err, p = json.Unmarshal(e.Payload, &v), &v
	case FeedbackReceived:
		var v FeedbackReceivedPayload
		err, p = json.Unmarshal(e.Payload, &v), &v
	case KnowledgeUsed:
		var v KnowledgeUsedPayload
		err, p = json.Unmarshal(e.Payload, &v), &v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// ParseWindow maps the operator time windows to durations. An empty window
// means no time filter.
func ParseWindow(w string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(w)) {
	case "":
		return 0, nil
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported window %q, expected 24h, 7d or 30d", w)
	}
}
