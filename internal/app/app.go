// Package app wires configuration into the running components shared by the
// HTTP server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/ai"
	"github.com/supportcrm/backend/internal/config"
	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/engine"
	"github.com/supportcrm/backend/internal/events"
	"github.com/supportcrm/backend/internal/feedback"
	"github.com/supportcrm/backend/internal/lock"
	"github.com/supportcrm/backend/internal/models"
	"github.com/supportcrm/backend/internal/training"
	"github.com/supportcrm/backend/internal/webhook"
)

// Store is every persistence method the components need. Both db.Store and
// db.MemoryStore satisfy it.
type Store interface {
	engine.Store
	events.Store
	feedback.Store
	training.Store
	webhook.Store
	Ping(ctx context.Context) error
	UpsertAgent(ctx context.Context, a models.AIAgent) error
	UpsertKnowledgeBase(ctx context.Context, kb models.KnowledgeBase) error
	InsertWebhook(ctx context.Context, w models.WebhookSubscription) error
}

var (
	_ Store = (*db.Store)(nil)
	_ Store = (*db.MemoryStore)(nil)
)

type App struct {
	Config     config.Config
	Store      Store
	Redis      *redis.Client
	Events     *events.Emitter
	Engine     *engine.Service
	Feedback   *feedback.Recorder
	Training   *training.Controller
	Dispatcher *webhook.Dispatcher
	Logger     zerolog.Logger

	closers []func()
}

// New builds the component graph. With STORE=postgres the schema is migrated
// on startup.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.Store {
	case "memory":
		a.Store = db.NewMemoryStore()
		logger.Warn().Msg("using in-memory store; data is lost on exit")
	case "postgres", "":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store = pg
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	var (
		locker   lock.Locker = lock.NewLocalLocker()
		notifier events.Notifier
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = lock.RedisLocker{Client: a.Redis, TTL: cfg.LockTTL}
		notifier = events.RedisNotifier{Client: a.Redis, Stream: cfg.EventsStream}
		logger.Info().Str("stream", cfg.EventsStream).Msg("redis locking and event stream enabled")
	}

	var responder ai.Responder
	if cfg.AIURL == "" {
		responder = ai.MockResponder{ModelVersion: "mock-v1"}
		logger.Info().Msg("using mock AI responder")
	} else {
		responder = ai.HTTPResponder{BaseURL: cfg.AIURL, APIKey: cfg.AIAPIKey, Timeout: cfg.AITimeout}
	}

	a.Events = events.NewEmitter(a.Store, notifier, logger)

	a.Engine = engine.NewService(a.Store, responder, a.Events, locker, logger)
	if cfg.SuggestionThreshold > 0 {
		a.Engine.SuggestionThreshold = cfg.SuggestionThreshold
	}
	a.Engine.RequestTimeout = cfg.RequestTimeout

	a.Feedback = feedback.NewRecorder(a.Store, a.Events, locker, logger)

	a.Training = training.NewController(a.Store, a.Events, logger)
	if cfg.TrainingTick > 0 {
		a.Training.Tick = cfg.TrainingTick
	}
	if cfg.TrainingMinStep > 0 {
		a.Training.MinStep = cfg.TrainingMinStep
	}
	if cfg.TrainingMaxStep > 0 {
		a.Training.MaxStep = cfg.TrainingMaxStep
	}

	a.Dispatcher = webhook.NewDispatcher(a.Store, cfg.WebhookDispatchInterval, logger)
	if cfg.WebhookSignatureHeader != "" {
		a.Dispatcher.SignatureHeader = cfg.WebhookSignatureHeader
	}
	if cfg.WebhookMaxAttempts > 0 {
		a.Dispatcher.MaxAttempts = cfg.WebhookMaxAttempts
	}
	if cfg.WebhookRetryBase > 0 {
		a.Dispatcher.RetryBase = cfg.WebhookRetryBase
	}
	return a, nil
}

// RunWorkers starts the training worker and the webhook dispatcher. They stop
// when ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) {
	go a.Training.Run(ctx)
	go a.Dispatcher.Run(ctx)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
