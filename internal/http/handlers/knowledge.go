package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/supportcrm/backend/internal/models"
)

type DocumentRequest struct {
	Name    string `json:"name" validate:"required,max=255"`
	Content string `json:"content"`
}

// @Summary Upload a document to a knowledge base
// @Tags knowledge
// @Accept json
// @Produce json
// @Param id path string true "Knowledge base ID"
// @Param body body DocumentRequest true "Document"
// @Success 201 {object} models.Document
// @Router /api/knowledge-bases/{id}/documents [post]
func (h *Handler) UploadDocument(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	doc, err := h.Training.UploadDocument(c.Request.Context(), c.Param("id"), req.Name, req.Content)
	if err != nil {
		h.writeServiceError(c, err, "Knowledge base not found")
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// @Summary Start training a knowledge base
// @Tags knowledge
// @Produce json
// @Param id path string true "Knowledge base ID"
// @Success 202 {object} models.TrainingJob
// @Failure 409 {object} map[string]any
// @Router /api/knowledge-bases/{id}/train [post]
func (h *Handler) Train(c *gin.Context) {
	job, err := h.Training.StartTraining(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err, "Knowledge base not found")
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// @Summary Training progress
// @Tags knowledge
// @Produce json
// @Param id path string true "Knowledge base ID"
// @Success 200 {object} models.TrainingJob
// @Router /api/knowledge-bases/{id}/training [get]
func (h *Handler) TrainingStatus(c *gin.Context) {
	job, err := h.Training.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err, "Knowledge base not found")
		return
	}
	c.JSON(http.StatusOK, job)
}

// TrainingWS pushes job updates until the run finishes or the client leaves.
func (h *Handler) TrainingWS(c *gin.Context) {
	id := c.Param("id")
	current, err := h.Training.Status(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, err, "Knowledge base not found")
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.Training.Subscribe(id)
	defer unsubscribe()
	// Re-read after subscribing so no transition falls between the two.
	if latest, err := h.Training.Status(c.Request.Context(), id); err == nil {
		current = latest
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.Logger.Debug().Err(err).Msg("training websocket closed")
				}
				return
			}
		}
	}()

	send := func(job models.TrainingJob) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(job) == nil
	}
	if !send(current) || current.State != models.TrainingRunning {
		closeNormally(conn)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-updates:
			if !ok {
				return
			}
			if !send(job) {
				return
			}
			if job.State != models.TrainingRunning {
				closeNormally(conn)
				return
			}
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
