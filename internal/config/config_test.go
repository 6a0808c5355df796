package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: \"9090\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port 9090, got %q", cfg.Server.Port)
	}
	if cfg.Game.QuestionInterval != DefaultQuestionInterval || cfg.Game.CardCount != DefaultCardCount || cfg.Game.CardPrefix != DefaultCardPrefix {
		t.Fatalf("game defaults not applied: %+v", cfg.Game)
	}
	if cfg.Questions.Set != DefaultQuestionSet || cfg.Log.Level != "info" || cfg.Log.Encoding != "json" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Questions, cfg.Log)
	}
}

func TestLoadReadsSections(t *testing.T) {
	body := `
redis:
  addr: localhost:6379
  ttl: 5m
questions:
  set: trivia
  ttl: 30s
game:
  questionInterval: 5
  cardCount: 40
  cardPrefix: "EVT-"
log:
  level: debug
  encoding: console
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Questions.Set != "trivia" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Game.QuestionInterval != 5 || cfg.Game.CardCount != 40 || cfg.Game.CardPrefix != "EVT-" {
		t.Fatalf("unexpected game config: %+v", cfg.Game)
	}
	if got := TTLDuration(cfg.Questions.TTL, time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %s", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	cfg, err := Load(writeConfig(t, "redis:\n  addr: localhost:6379\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("expected env override, got %q", cfg.Redis.Addr)
	}
}

func TestTTLDurationFallback(t *testing.T) {
	if got := TTLDuration("", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for empty, got %s", got)
	}
	if got := TTLDuration("soon", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for invalid, got %s", got)
	}
}
