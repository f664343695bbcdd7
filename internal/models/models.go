package models

import (
	"encoding/json"
	"time"
)

type ConversationStatus string

const (
	ConversationNew      ConversationStatus = "new"
	ConversationActive   ConversationStatus = "active"
	ConversationWaiting  ConversationStatus = "waiting"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Conversation struct {
	ID           string             `json:"id"`
	CustomerID   string             `json:"customer_id"`
	AgentID      *string            `json:"agent_id"`
	Status       ConversationStatus `json:"status"`
	IsAIHandled  bool               `json:"is_ai_handled"`
	AIConfidence *float64           `json:"ai_confidence"`
	AssignedTo   *string            `json:"assigned_to"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Confidence     *float64  `json:"confidence,omitempty"`
	HasFeedback    bool      `json:"has_feedback"`
	CreatedAt      time.Time `json:"created_at"`
}

// AIConversationLog is one row per AI turn. ProcessingTime is in seconds.
type AIConversationLog struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	MessageID       string         `json:"message_id"`
	AgentID         string         `json:"agent_id"`
	ConfidenceScore float64        `json:"confidence_score"`
	ProcessingTime  float64        `json:"processing_time"`
	TokensUsed      int            `json:"tokens_used"`
	FeedbackScore   *int           `json:"feedback_score"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
}

type AgentScope string

const (
	ScopeGlobal     AgentScope = "global"
	ScopeDepartment AgentScope = "department"
	ScopeTeam       AgentScope = "team"
)

type AgentSettings struct {
	ConfidenceThreshold   float64  `json:"confidence_threshold"`
	MaxTurns              int      `json:"max_turns"`
	AutoHandoffEnabled    bool     `json:"auto_handoff_enabled"`
	AutoHandoffThreshold  float64  `json:"auto_handoff_threshold"`
	AutoHandoffAfterTurns int      `json:"auto_handoff_after_turns"`
	KnowledgeBaseWeight   float64  `json:"knowledge_base_weight"`
	KnowledgeBaseIDs      []string `json:"knowledge_base_ids"`
}

type AIAgent struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Scope     AgentScope    `json:"scope"`
	ScopeRef  *string       `json:"scope_ref"`
	Active    bool          `json:"active"`
	Settings  AgentSettings `json:"settings"`
	CreatedAt time.Time     `json:"created_at"`
}

type AIWebhookEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	AgentID        *string         `json:"agent_id"`
	ConversationID *string         `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	Processed      bool            `json:"processed"`
	// NextAttemptAt holds back redelivery after a failed webhook pass.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// WebhookDelivery tracks one event's delivery to one subscription.
type WebhookDelivery struct {
	EventID       string     `json:"event_id"`
	WebhookID     string     `json:"webhook_id"`
	Attempts      int        `json:"attempts"`
	Delivered     bool       `json:"delivered"`
	DeadLettered  bool       `json:"dead_lettered"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type WebhookSubscription struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	SecretKey string   `json:"-"`
	Events    []string `json:"events"`
	Active    bool     `json:"active"`
}

type TrainingState string

const (
	TrainingUntrained TrainingState = "UNTRAINED"
	TrainingRunning   TrainingState = "TRAINING"
	TrainingDone      TrainingState = "TRAINED"
)

type KnowledgeBase struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	DocumentCount int           `json:"document_count"`
	State         TrainingState `json:"state"`
	Quality       *int          `json:"quality"`
	LastTrained   *time.Time    `json:"last_trained"`
}

type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentProcessed DocumentStatus = "processed"
	DocumentError     DocumentStatus = "error"
)

type Document struct {
	ID              string         `json:"id"`
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	Name            string         `json:"name"`
	Content         string         `json:"-"`
	Status          DocumentStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

type TrainingJob struct {
	ID              string        `json:"id"`
	KnowledgeBaseID string        `json:"knowledge_base_id"`
	State           TrainingState `json:"state"`
	Progress        int           `json:"progress"`
	Quality         *int          `json:"quality"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at"`
}
