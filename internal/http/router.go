package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/supportcrm/backend/internal/config"
	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/feedback"
	"github.com/supportcrm/backend/internal/http/handlers"
	"github.com/supportcrm/backend/internal/http/middleware"
	"github.com/supportcrm/backend/internal/training"

	_ "github.com/supportcrm/backend/docs"
)

type Deps struct {
	Store    handlers.Pinger
	Engine   *engine.Service
	Feedback *feedback.Recorder
	Events   *events.Emitter
	Training *training.Controller
}

func Router(cfg config.Config, deps Deps, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	origins := allowedOrigins(cfg.CORSAllowed)
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins == nil {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:     deps.Store,
		Engine:    deps.Engine,
		Feedback:  deps.Feedback,
		Events:    deps.Events,
		Training:  deps.Training,
		Validator: validator.New(),
		Logger:    logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.GET("/conversations/:id/history", h.History)
		api.GET("/ai/events", h.EventsList)
		api.GET("/ai/events/:id", h.EventDetail)
		api.GET("/knowledge-bases/:id/training", h.TrainingStatus)
		api.GET("/knowledge-bases/:id/training/ws", h.TrainingWS)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/ai/chat", h.Chat)
		admin.POST("/conversations/:id/handoff", h.Handoff)
		admin.POST("/conversations/:id/complete", h.Complete)
		admin.POST("/messages/:id/feedback", h.RecordFeedback)
		admin.POST("/ai/events/:id/processed", h.EventProcessed)
		admin.POST("/knowledge-bases/:id/documents", h.UploadDocument)
		admin.POST("/knowledge-bases/:id/train", h.Train)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

// allowedOrigins splits CORS_ALLOWED_ORIGINS. nil means any origin.
func allowedOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origins == nil || origin == "" {
			return true
		}
		for _, o := range origins {
			if o == origin {
				return true
			}
		}
		return false
	}
}
