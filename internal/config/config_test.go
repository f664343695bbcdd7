package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "postgres" {
		t.Fatalf("expected postgres store by default, got %q", cfg.Store)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("expected 30s request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.SuggestionThreshold != 0.6 {
		t.Fatalf("expected suggestion threshold 0.6, got %v", cfg.SuggestionThreshold)
	}
	if cfg.WebhookSignatureHeader != "X-Webhook-Signature" {
		t.Fatalf("unexpected signature header %q", cfg.WebhookSignatureHeader)
	}
	if cfg.TrainingMinStep != 5 || cfg.TrainingMaxStep != 20 {
		t.Fatalf("unexpected training steps %d..%d", cfg.TrainingMinStep, cfg.TrainingMaxStep)
	}
	if cfg.WebhookMaxAttempts != 8 || cfg.WebhookRetryBase != 30*time.Second {
		t.Fatalf("unexpected webhook retry policy %d/%s", cfg.WebhookMaxAttempts, cfg.WebhookRetryBase)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE", "memory")
	t.Setenv("AI_URL", "http://ai.internal:9000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOCK_TTL", "10s")
	t.Setenv("SUGGESTION_THRESHOLD", "0.45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("expected memory store, got %q", cfg.Store)
	}
	if cfg.AIURL != "http://ai.internal:9000" {
		t.Fatalf("AI_URL not bound, got %q", cfg.AIURL)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("REDIS_URL not bound, got %q", cfg.RedisURL)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Fatalf("expected 10s lock ttl, got %s", cfg.LockTTL)
	}
	if cfg.SuggestionThreshold != 0.45 {
		t.Fatalf("expected 0.45, got %v", cfg.SuggestionThreshold)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	body := "PORT=9090\nADMIN_KEY=secret\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(body), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("expected port from .env, got %q", cfg.Port)
	}
	if cfg.AdminKey != "secret" {
		t.Fatalf("expected admin key from .env, got %q", cfg.AdminKey)
	}
}
