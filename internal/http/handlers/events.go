package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/models"
)

type EventList struct {
	Items  []models.AIWebhookEvent `json:"items"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// @Summary List AI lifecycle events
// @Tags events
// @Produce json
// @Param type query string false "Event type, e.g. ai.handoff.requested"
// @Param window query string false "24h, 7d or 30d"
// @Param conversation_id query string false "Conversation ID"
// @Param limit query int false "Page size (max 500)"
// @Param offset query int false "Offset"
// @Success 200 {object} EventList
// @Router /api/ai/events [get]
func (h *Handler) EventsList(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit < 1 {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer", nil)
		return
	}
	if limit > 500 {
		limit = 500
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be a non-negative integer", nil)
		return
	}
	if t := c.Query("type"); t != "" {
		if _, err := events.ParseType(t); err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
	}
	if _, err := events.ParseWindow(c.Query("window")); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	items, err := h.Events.List(c.Request.Context(), events.ListParams{
		Type:           c.Query("type"),
		Window:         c.Query("window"),
		ConversationID: c.Query("conversation_id"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load events", err.Error())
		return
	}
	if items == nil {
		items = []models.AIWebhookEvent{}
	}
	c.JSON(http.StatusOK, EventList{Items: items, Limit: limit, Offset: offset})
}

// @Summary AI lifecycle event detail including the raw payload
// @Tags events
// @Produce json
// @Param id path string true "Event ID"
// @Success 200 {object} models.AIWebhookEvent
// @Router /api/ai/events/{id} [get]
func (h *Handler) EventDetail(c *gin.Context) {
	ev, err := h.Events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err, "Event not found")
		return
	}
	c.JSON(http.StatusOK, ev)
}

// @Summary Mark an event as processed by an external consumer
// @Tags events
// @Produce json
// @Param id path string true "Event ID"
// @Success 200 {object} map[string]any
// @Router /api/ai/events/{id}/processed [post]
func (h *Handler) EventProcessed(c *gin.Context) {
	if err := h.Events.MarkProcessed(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, err, "Event not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
