package ai

import (
	"context"
)

// Request is one user utterance plus the conversation, customer and agent context.
// An empty ConversationID asks the responder to open a new conversation.
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	CustomerID     string `json:"customer_id"`
	AgentID        string `json:"agent_id"`
}

type KnowledgeSource struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	DocumentID      string `json:"document_id,omitempty"`
}

// Reply is the structured answer of the AI turn endpoint. ProcessingTime is in seconds.
type Reply struct {
	Text             string            `json:"response"`
	ConversationID   string            `json:"conversation_id"`
	Confidence       float64           `json:"confidence"`
	ProcessingTime   float64           `json:"processing_time"`
	TokensUsed       int               `json:"tokens_used"`
	KnowledgeSources []KnowledgeSource `json:"knowledge_sources,omitempty"`
}

type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

type ResponderFunc func(ctx context.Context, req Request) (Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
