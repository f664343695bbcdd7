package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/ai"
	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/feedback"
	"github.com/supportcrm/backend/internal/training"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store     Pinger
	Engine    *engine.Service
	Feedback  *feedback.Recorder
	Events    *events.Emitter
	Training  *training.Controller
	Validator *validator.Validate
	Logger    zerolog.Logger
	Upgrader  websocket.Upgrader
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// log prefers the request-scoped logger installed by the logging middleware.
func (h *Handler) log(c *gin.Context) *zerolog.Logger {
	if l := zerolog.Ctx(c.Request.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &h.Logger
}

// writeServiceError maps domain errors onto the error envelope.
func (h *Handler) writeServiceError(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", notFound, nil)
		return
	case errors.Is(err, engine.ErrHumanHandled):
		writeError(c, http.StatusConflict, "CONVERSATION_HANDED_OFF", "Conversation is handled by a human agent", nil)
		return
	case errors.Is(err, training.ErrNoDocuments):
		writeError(c, http.StatusConflict, "NO_DOCUMENTS", "Knowledge base has no documents", nil)
		return
	case errors.Is(err, training.ErrAlreadyTraining):
		writeError(c, http.StatusConflict, "ALREADY_TRAINING", "Knowledge base is already training", nil)
		return
	case errors.Is(err, training.ErrEmptyName):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Document name is required", nil)
		return
	}

	switch engine.KindOf(err) {
	case engine.KindValidation:
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case engine.KindConfiguration:
		writeError(c, http.StatusConflict, "NO_ACTIVE_AGENT", "No AI agent is available to answer", err.Error())
	case engine.KindTransport:
		var te *ai.TransportError
		if errors.As(err, &te) && te.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())))
		}
		h.log(c).Warn().Err(err).Msg("ai responder failed")
		writeError(c, http.StatusBadGateway, "AI_UNAVAILABLE", "AI responder unavailable", err.Error())
	case engine.KindPersistence:
		h.log(c).Error().Err(err).Msg("persistence failure")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Database error", err.Error())
	default:
		h.log(c).Error().Err(err).Msg("unhandled error")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", err.Error())
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
