package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/escalation"
	"github.com/supportcrm/backend/internal/metrics"
	"github.com/supportcrm/backend/internal/models"
)

type ChatRequest struct {
	Message        string `json:"message" validate:"required,max=8000"`
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	AgentID        string `json:"agent_id"`
}

type ChatResponse struct {
	Response       string              `json:"response"`
	ConversationID string              `json:"conversation_id"`
	Confidence     float64             `json:"confidence"`
	ProcessingTime float64             `json:"processing_time"`
	TokensUsed     int                 `json:"tokens_used"`
	Created        bool                `json:"created"`
	Messages       []models.Message    `json:"messages"`
	Metrics        metrics.Snapshot    `json:"metrics"`
	Decision       escalation.Decision `json:"decision"`
}

// @Summary Send a message to the AI assistant
// @Tags ai
// @Accept json
// @Produce json
// @Param body body ChatRequest true "Message"
// @Success 200 {object} ChatResponse
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Failure 502 {object} map[string]any
// @Router /api/ai/chat [post]
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	res, err := h.Engine.SendMessage(c.Request.Context(), engine.SendRequest{
		ConversationID: req.ConversationID,
		CustomerID:     req.CustomerID,
		AgentID:        req.AgentID,
		Text:           req.Message,
	})
	if err != nil {
		h.writeServiceError(c, err, "Conversation not found")
		return
	}
	c.JSON(http.StatusOK, ChatResponse{
		Response:       res.Assistant().Content,
		ConversationID: res.Conversation.ID,
		Confidence:     res.Confidence,
		ProcessingTime: res.ProcessingTime,
		TokensUsed:     res.TokensUsed,
		Created:        res.Created,
		Messages:       res.Messages,
		Metrics:        res.Metrics,
		Decision:       res.Decision,
	})
}

// @Summary Conversation history with recomputed metrics
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} engine.History
// @Router /api/conversations/{id}/history [get]
func (h *Handler) History(c *gin.Context) {
	hist, err := h.Engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err, "Conversation not found")
		return
	}
	c.JSON(http.StatusOK, hist)
}

type HandoffRequest struct {
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason" validate:"max=500"`
}

// @Summary Hand a conversation off to a human agent
// @Tags conversations
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param body body HandoffRequest false "Handoff details"
// @Success 200 {object} engine.HandoffResult
// @Router /api/conversations/{id}/handoff [post]
func (h *Handler) Handoff(c *gin.Context) {
	var req HandoffRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
			return
		}
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	res, err := h.Engine.Handoff(c.Request.Context(), engine.HandoffRequest{
		ConversationID: c.Param("id"),
		RequestedBy:    req.RequestedBy,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeServiceError(c, err, "Conversation not found")
		return
	}
	c.JSON(http.StatusOK, res)
}

type CompleteRequest struct {
	Status string `json:"status" validate:"omitempty,oneof=resolved closed"`
}

// @Summary Complete a conversation
// @Tags conversations
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param body body CompleteRequest false "Final status"
// @Success 200 {object} models.Conversation
// @Router /api/conversations/{id}/complete [post]
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
			return
		}
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	conv, err := h.Engine.Complete(c.Request.Context(), c.Param("id"), models.ConversationStatus(req.Status))
	if err != nil {
		h.writeServiceError(c, err, "Conversation not found")
		return
	}
	c.JSON(http.StatusOK, conv)
}

type FeedbackRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

// @Summary Rate an AI reply
// @Tags ai
// @Accept json
// @Produce json
// @Param id path string true "Message ID"
// @Param body body FeedbackRequest true "Rating 1-5"
// @Success 200 {object} feedback.Result
// @Router /api/messages/{id}/feedback [post]
func (h *Handler) RecordFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	res, err := h.Feedback.RecordFeedback(c.Request.Context(), c.Param("id"), req.Score, req.Comment)
	if err != nil {
		h.writeServiceError(c, err, "Message not found")
		return
	}
	c.JSON(http.StatusOK, res)
}
