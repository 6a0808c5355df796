package cli

import (
	"context"
	"testing"

	"bingo-event-service/internal/config"
	infraredis "bingo-event-service/internal/infra/redis"
	miniredis "github.com/alicebob/miniredis/v2"
)

func seedConfig() config.Config {
	cfg := config.Config{}
	cfg.Game.CardPrefix = "SEED-"
	cfg.Game.CardCount = 5
	cfg.Game.QuestionInterval = 10
	cfg.Questions.Set = "default"
	cfg.Log.Level = "error"
	cfg.Log.Encoding = "console"
	return cfg
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, err := buildServices(ctx, seedConfig())
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	defer svc.Close()

	for i := 0; i < 2; i++ {
		if err := seed(ctx, svc); err != nil {
			t.Fatalf("seed run %d: %v", i+1, err)
		}
	}

	cards, err := svc.game.Cards().Cards(ctx)
	if err != nil {
		t.Fatalf("cards: %v", err)
	}
	if len(cards) != 5 || cards[0].Code != "SEED-001" {
		t.Fatalf("expected 5 SEED- cards, got %d", len(cards))
	}
	questions, err := svc.game.Draws().ActiveQuestions(ctx)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != len(sampleQuestionSet("default").Questions) {
		t.Fatalf("expected sample questions imported once, got %d", len(questions))
	}
}

func TestBuildServicesUsesRedisWhenConfigured(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	cfg := seedConfig()
	cfg.Redis.Addr = mr.Addr()
	svc, err := buildServices(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	defer svc.Close()

	if _, ok := svc.store.(*infraredis.Store); !ok {
		t.Fatalf("expected redis store, got %T", svc.store)
	}
	if err := seed(context.Background(), svc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !mr.Exists("bingo:{cards}:data") {
		t.Fatalf("expected cards written to redis")
	}
}
