package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	Store          string        `mapstructure:"STORE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`

	AIURL     string        `mapstructure:"AI_URL"`
	AIAPIKey  string        `mapstructure:"AI_API_KEY"`
	AITimeout time.Duration `mapstructure:"AI_TIMEOUT"`

	RedisURL     string        `mapstructure:"REDIS_URL"`
	EventsStream string        `mapstructure:"EVENTS_STREAM"`
	LockTTL      time.Duration `mapstructure:"LOCK_TTL"`

	SuggestionThreshold float64 `mapstructure:"SUGGESTION_THRESHOLD"`

	TrainingTick    time.Duration `mapstructure:"TRAINING_TICK"`
	TrainingMinStep int           `mapstructure:"TRAINING_MIN_STEP"`
	TrainingMaxStep int           `mapstructure:"TRAINING_MAX_STEP"`

	WebhookDispatchInterval time.Duration `mapstructure:"WEBHOOK_DISPATCH_INTERVAL"`
	WebhookSignatureHeader  string        `mapstructure:"WEBHOOK_SIGNATURE_HEADER"`
	WebhookMaxAttempts      int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookRetryBase        time.Duration `mapstructure:"WEBHOOK_RETRY_BASE"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("AI_TIMEOUT", "30s")
	v.SetDefault("EVENTS_STREAM", "ai:webhook:events")
	v.SetDefault("LOCK_TTL", "45s")
	v.SetDefault("SUGGESTION_THRESHOLD", 0.6)
	v.SetDefault("TRAINING_TICK", "1s")
	v.SetDefault("TRAINING_MIN_STEP", 5)
	v.SetDefault("TRAINING_MAX_STEP", 20)
	v.SetDefault("WEBHOOK_DISPATCH_INTERVAL", "5s")
	v.SetDefault("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature")
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 8)
	v.SetDefault("WEBHOOK_RETRY_BASE", "30s")

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"DATABASE_URL", "ADMIN_KEY", "AI_URL", "AI_API_KEY", "REDIS_URL"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
