package cli

import (
	"context"
	"errors"
	"fmt"

	"bingo-event-service/internal/config"
	"bingo-event-service/internal/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSeedCmd prepares a fresh game: the game record, a card batch and the
// configured question set. Steps whose data already exists are skipped.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create cards and import questions for a new game",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			svc, err := buildServices(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer svc.Close()
			return seed(cmd.Context(), svc)
		},
	}
}

func seed(ctx context.Context, svc *services) error {
	cfg, log := svc.cfg, svc.log

	if svc.loader != nil {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
		_, err := svc.loader.LoadQuestionSet(ctx, cfg.Questions.Set)
		if errors.Is(err, domain.ErrQuestionSetNotFound) {
			if err := svc.loader.SaveQuestionSet(ctx, sampleQuestionSet(cfg.Questions.Set)); err != nil {
				return err
			}
			log.Info("sample question set stored", zap.String("set", cfg.Questions.Set))
		} else if err != nil {
			return err
		}
	}

	game, err := svc.game.Game(ctx)
	if err != nil {
		return fmt.Errorf("ensure game: %w", err)
	}

	cards, err := svc.game.Cards().Cards(ctx)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		created, err := svc.game.Cards().GenerateCards(ctx, cfg.Game.CardPrefix, cfg.Game.CardCount)
		if err != nil {
			return err
		}
		log.Info("cards generated", zap.Int("count", len(created)))
	}

	questions, err := svc.game.Draws().ActiveQuestions(ctx)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		imported, err := svc.game.Draws().ImportQuestions(ctx, svc.bank, cfg.Questions.Set)
		if err != nil {
			return err
		}
		log.Info("questions imported", zap.Int("count", len(imported)))
	}

	log.Info("seed complete", zap.String("status", string(game.Status)))
	return nil
}
