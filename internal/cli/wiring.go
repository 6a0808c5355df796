package cli

import (
	"context"
	"fmt"
	"time"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/bingo"
	"bingo-event-service/internal/config"
	"bingo-event-service/internal/domain"
	"bingo-event-service/internal/infra/memory"
	pgloader "bingo-event-service/internal/infra/postgres"
	infraredis "bingo-event-service/internal/infra/redis"
	"bingo-event-service/internal/logger"
	"bingo-event-service/internal/metrics"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// services is everything a command needs once config is loaded. Redis backs the
// store and the question cache when configured; Postgres backs the question bank.
type services struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	store   app.Store
	bank    app.QuestionBank
	loader  *pgloader.QuestionLoader
	game    *app.GameCoordinator
	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	_ = s.log.Sync()
}

func buildServices(ctx context.Context, cfg config.Config) (*services, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, err
	}
	s := &services{cfg: cfg, log: log, metrics: metrics.New("bingo")}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		s.closers = append(s.closers, func() { _ = redisClient.Close() })
	}

	var loader memory.QuestionLoader = memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{
		cfg.Questions.Set: sampleQuestionSet(cfg.Questions.Set),
	})
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		s.loader = pgloader.NewQuestionLoader(pool)
		loader = s.loader
	}

	cacheTTL := config.TTLDuration(cfg.Questions.TTL, 10*time.Minute)
	if redisClient != nil {
		s.store = infraredis.NewStore(redisClient)
		s.bank = infraredis.NewQuestionBank(redisClient, loader, cacheTTL)
		log.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		s.store = memory.NewStore(app.DefaultReferences()...)
		s.bank = memory.NewQuestionBank(loader, cacheTTL)
		log.Info("using in-memory store")
	}

	cards := app.NewCardRegistry(s.store, bingo.NewTimeSeededRand(), log, s.metrics)
	draws := app.NewDrawScheduler(s.store, bingo.NewTimeSeededRand(), log, s.metrics)
	s.game = app.NewGameCoordinator(s.store, cards, draws, cfg.Game.QuestionInterval, log, s.metrics)
	return s, nil
}

// sampleQuestionSet is served when no Postgres question bank is configured.
func sampleQuestionSet(id string) domain.QuestionSet {
	return domain.QuestionSet{
		ID: id,
		Questions: []domain.Question{
			{
				Text:               "How many numbers are in a bingo drum?",
				Choices:            []string{"75", "90", "99"},
				CorrectChoiceIndex: 2,
				Weight:             1,
				Active:             true,
			},
			{
				Text:               "Which cell is free on every card?",
				Choices:            []string{"Top left", "Centre", "Bottom right"},
				CorrectChoiceIndex: 1,
				Weight:             1,
				Active:             true,
			},
			{
				Text:               "How many lines can complete a 5x5 card?",
				Choices:            []string{"10", "12", "25"},
				CorrectChoiceIndex: 1,
				Weight:             2,
				Active:             true,
			},
		},
	}
}
