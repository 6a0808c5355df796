package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bingo-event-service/internal/domain"
	"bingo-event-service/internal/logger"
	"bingo-event-service/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GameID is the id of the singleton game record.
const GameID = "game"

// DefaultQuestionInterval asks a question every 10 draws.
const DefaultQuestionInterval = 10

// GameCoordinator drives the idle -> running -> ended state machine and sequences
// the draw scheduler and card registry. Every transition is a compare-and-swap on
// the game record, so the stored status is the only gate.
type GameCoordinator struct {
	store            Store
	cards            *CardRegistry
	draws            *DrawScheduler
	questionInterval int
	log              *zap.Logger
	metrics          *metrics.Metrics
	now              func() time.Time
}

func NewGameCoordinator(store Store, cards *CardRegistry, draws *DrawScheduler, questionInterval int, log *zap.Logger, m *metrics.Metrics) *GameCoordinator {
	if questionInterval <= 0 {
		questionInterval = DefaultQuestionInterval
	}
	return &GameCoordinator{
		store:            store,
		cards:            cards,
		draws:            draws,
		questionInterval: questionInterval,
		log:              logger.OrNop(log),
		metrics:          m,
		now:              time.Now,
	}
}

// WithClock is test-only for deterministic timestamps.
func (g *GameCoordinator) WithClock(now func() time.Time) *GameCoordinator {
	g.now = now
	return g
}

func (g *GameCoordinator) Cards() *CardRegistry { return g.cards }

func (g *GameCoordinator) Draws() *DrawScheduler { return g.draws }

// Game returns the singleton game, creating an idle one on first use.
func (g *GameCoordinator) Game(ctx context.Context) (domain.Game, error) {
	game, err := getAs[domain.Game](ctx, g.store, CollectionGame, GameID)
	if !errors.Is(err, domain.ErrRecordNotFound) {
		return game, err
	}
	game = domain.Game{
		ID:               GameID,
		Status:           domain.GameIdle,
		QuestionInterval: g.questionInterval,
	}
	created, err := createAs(ctx, g.store, CollectionGame, GameID, game)
	if errors.Is(err, domain.ErrRecordExists) {
		return getAs[domain.Game](ctx, g.store, CollectionGame, GameID)
	}
	if err == nil {
		g.log.Info("game record created", zap.Int("questionInterval", g.questionInterval))
	}
	return created, err
}

func (g *GameCoordinator) mutateGame(ctx context.Context, fn func(*domain.Game) error) (domain.Game, error) {
	if _, err := g.Game(ctx); err != nil {
		return domain.Game{}, err
	}
	return mutate(ctx, g.store, CollectionGame, GameID, fn)
}

// Start moves an idle game to running.
func (g *GameCoordinator) Start(ctx context.Context) (domain.Game, error) {
	now := g.now()
	game, err := g.mutateGame(ctx, func(game *domain.Game) error {
		if game.Status != domain.GameIdle {
			return domain.ErrGameNotIdle
		}
		game.Status = domain.GameRunning
		game.StartedAt = timePtr(now)
		game.EndedAt = nil
		return nil
	})
	logOutcome(g.log, "start game", err)
	if err == nil {
		g.log.Info("game started")
	}
	return game, err
}

// End moves a running game to ended.
func (g *GameCoordinator) End(ctx context.Context) (domain.Game, error) {
	game, err := g.end(ctx)
	logOutcome(g.log, "end game", err)
	return game, err
}

func (g *GameCoordinator) end(ctx context.Context) (domain.Game, error) {
	now := g.now()
	return g.mutateGame(ctx, func(game *domain.Game) error {
		if game.Status != domain.GameRunning {
			return domain.ErrGameNotRunning
		}
		game.Status = domain.GameEnded
		game.EndedAt = timePtr(now)
		game.ActiveQuestionEventID = ""
		return nil
	})
}

// AdvanceDraw runs one draw round: draw a number, then, when the round is due,
// select and record a question. The game record is updated last with the new draw
// index and active question. A round whose draw is stored but was never applied to
// the game is completed instead of drawing again. When all numbers are drawn the
// game ends and ErrNumbersExhausted is returned without a draw.
func (g *GameCoordinator) AdvanceDraw(ctx context.Context) (domain.DrawResult, error) {
	res, err := g.advanceDraw(ctx)
	logOutcome(g.log, "advance draw", err)
	return res, err
}

func (g *GameCoordinator) advanceDraw(ctx context.Context) (domain.DrawResult, error) {
	game, err := g.Game(ctx)
	if err != nil {
		return domain.DrawResult{}, err
	}
	if game.Status != domain.GameRunning {
		return domain.DrawResult{}, domain.ErrGameNotRunning
	}
	history, err := g.draws.Draws(ctx)
	if err != nil {
		return domain.DrawResult{}, err
	}

	var draw domain.Draw
	switch n := len(history); {
	case n > game.CurrentDrawIndex:
		draw = history[n-1]
		g.log.Warn("completing unapplied draw round",
			zap.Int("drawIndex", draw.DrawIndex), zap.Int("gameDrawIndex", game.CurrentDrawIndex))
	case n >= domain.NumberCount:
		return domain.DrawResult{}, g.exhaust(ctx)
	default:
		draw, err = g.draws.DrawNext(ctx, history)
		if errors.Is(err, domain.ErrExhausted) {
			return domain.DrawResult{}, g.exhaust(ctx)
		}
		if err != nil {
			return domain.DrawResult{}, err
		}
	}

	// The draw is stored; the round is finished even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	res := domain.DrawResult{Draw: draw}

	activeEventID := ""
	if DueForQuestion(draw.DrawIndex, game.QuestionInterval) {
		event, q, ok, err := g.draws.AskQuestion(ctx, draw)
		if err != nil {
			return res, err
		}
		if ok {
			activeEventID = event.ID
			res.QuestionEvent = &event
			res.Question = &q
		} else {
			g.metrics.IncQuestionRound("skipped")
			g.log.Info("question round skipped, no unasked questions", zap.Int("drawIndex", draw.DrawIndex))
		}
	}

	_, err = mutate(ctx, g.store, CollectionGame, GameID, func(game *domain.Game) error {
		if game.Status != domain.GameRunning {
			return domain.ErrGameNotRunning
		}
		if game.CurrentDrawIndex >= draw.DrawIndex {
			// A concurrent call already applied this round.
			return errNoChange
		}
		if game.CurrentDrawIndex != draw.DrawIndex-1 {
			return fmt.Errorf("draw %d applied to game at index %d: %w", draw.DrawIndex, game.CurrentDrawIndex, domain.ErrVersionConflict)
		}
		game.CurrentDrawIndex = draw.DrawIndex
		game.ActiveQuestionEventID = activeEventID
		return nil
	})
	return res, err
}

func (g *GameCoordinator) exhaust(ctx context.Context) error {
	if _, err := g.end(ctx); err != nil && !errors.Is(err, domain.ErrGameNotRunning) {
		return err
	}
	return domain.ErrNumbersExhausted
}

// MarkCell marks a cell on the player's card against the stored draw history.
func (g *GameCoordinator) MarkCell(ctx context.Context, playerID string, cellIndex int) (domain.MarkResult, error) {
	game, err := g.Game(ctx)
	if err != nil {
		return domain.MarkResult{}, err
	}
	if game.Status != domain.GameRunning {
		return domain.MarkResult{}, domain.ErrGameNotRunning
	}
	player, err := g.cards.Player(ctx, playerID)
	if err != nil {
		return domain.MarkResult{}, err
	}
	if player.CardCode == "" {
		return domain.MarkResult{}, domain.ErrNoCard
	}
	draws, err := g.draws.Draws(ctx)
	if err != nil {
		return domain.MarkResult{}, err
	}
	latest := 0
	if len(draws) > 0 {
		latest = draws[len(draws)-1].Number
	}
	return g.cards.MarkCell(ctx, player.CardCode, playerID, cellIndex, DrawnNumbers(draws), latest)
}

// ActiveQuestion returns the current round's question, or ok=false between rounds.
func (g *GameCoordinator) ActiveQuestion(ctx context.Context) (domain.QuestionEvent, domain.Question, bool, error) {
	game, err := g.Game(ctx)
	if err != nil || game.ActiveQuestionEventID == "" {
		return domain.QuestionEvent{}, domain.Question{}, false, err
	}
	event, q, err := g.draws.QuestionEvent(ctx, game.ActiveQuestionEventID)
	if err != nil {
		return event, q, false, err
	}
	return event, q, true, nil
}

func answerID(eventID, playerID string) string {
	return eventID + "-" + playerID
}

// SubmitAnswer records the player's answer to the active question; the first
// submission wins. A correct answer then increments the player's counter and grants
// a free cell. Reward failures are logged and never undo the recorded answer.
func (g *GameCoordinator) SubmitAnswer(ctx context.Context, playerID string, choiceIndex int) (domain.AnswerResult, error) {
	res, err := g.submitAnswer(ctx, playerID, choiceIndex)
	logOutcome(g.log, "submit answer", err, zap.String("player", playerID), zap.Int("choice", choiceIndex))
	return res, err
}

func (g *GameCoordinator) submitAnswer(ctx context.Context, playerID string, choiceIndex int) (domain.AnswerResult, error) {
	game, err := g.Game(ctx)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if game.Status != domain.GameRunning {
		return domain.AnswerResult{}, domain.ErrGameNotRunning
	}
	if game.ActiveQuestionEventID == "" {
		return domain.AnswerResult{}, domain.ErrNoActiveQuestion
	}
	event, q, err := g.draws.QuestionEvent(ctx, game.ActiveQuestionEventID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if choiceIndex < 0 || choiceIndex >= len(q.Choices) {
		return domain.AnswerResult{}, domain.ErrInvalidChoice
	}
	player, err := g.cards.Player(ctx, playerID)
	if err != nil {
		return domain.AnswerResult{}, err
	}

	answer := domain.QuestionAnswer{
		ID:              answerID(event.ID, player.ID),
		PlayerID:        player.ID,
		QuestionEventID: event.ID,
		ChoiceIndex:     choiceIndex,
		Correct:         choiceIndex == q.CorrectChoiceIndex,
		AnsweredAt:      g.now(),
	}
	created, err := createAs(ctx, g.store, CollectionAnswers, answer.ID, answer)
	if errors.Is(err, domain.ErrRecordExists) {
		return domain.AnswerResult{}, domain.ErrAlreadyAnswered
	}
	if err != nil {
		return domain.AnswerResult{}, err
	}
	g.metrics.IncAnswer(created.Correct)

	res := domain.AnswerResult{Answer: created, Correct: created.Correct}
	if !created.Correct {
		return res, nil
	}

	if _, err := mutate(ctx, g.store, CollectionPlayers, player.ID, func(p *domain.Player) error {
		p.CorrectAnswers++
		return nil
	}); err != nil {
		g.log.Warn("count correct answer", zap.String("player", player.ID), zap.Error(err))
	}

	if player.CardCode == "" {
		return res, nil
	}
	mark, ok, err := g.cards.GrantFreeCell(ctx, player.CardCode, game.CurrentDrawIndex)
	if err != nil {
		g.log.Warn("grant free cell", zap.String("player", player.ID), zap.String("card", player.CardCode), zap.Error(err))
		return res, nil
	}
	if ok {
		idx := mark.CellIndex
		res.GrantedCell = &idx
		res.Winner = mark.Winner
	}
	return res, nil
}

// teardownOrder lists collections child-first. The game's active question
// reference is cleared before any of these are deleted.
var teardownOrder = []string{
	CollectionAnswers,
	CollectionWinners,
	CollectionPlayers,
	CollectionQuestionEvents,
	CollectionCards,
	CollectionQuestions,
	CollectionDraws,
}

// Reset returns the game to a fresh idle state and deletes every child record.
// The sequence is fixed: clear the game's back-reference, then delete children
// before parents. Each collection is deleted atomically; empty collections count
// as success.
func (g *GameCoordinator) Reset(ctx context.Context) (map[string]int, error) {
	_, err := g.mutateGame(ctx, func(game *domain.Game) error {
		game.Status = domain.GameIdle
		game.CurrentDrawIndex = 0
		game.ActiveQuestionEventID = ""
		game.StartedAt = nil
		game.EndedAt = nil
		return nil
	})
	if err != nil {
		g.log.Error("reset game record", zap.Error(err))
		return nil, fmt.Errorf("reset game record: %w", err)
	}

	deleted := make(map[string]int, len(teardownOrder))
	for _, collection := range teardownOrder {
		n, err := g.store.Truncate(ctx, collection)
		if err != nil {
			g.log.Error("reset collection", zap.String("collection", collection), zap.Error(err))
			return deleted, fmt.Errorf("reset %s: %w", collection, err)
		}
		deleted[collection] = n
		g.log.Info("collection cleared", zap.String("collection", collection), zap.Int("deleted", n))
	}
	g.metrics.IncResets()
	return deleted, nil
}

func (g *GameCoordinator) requireNotRunning(ctx context.Context) error {
	game, err := g.Game(ctx)
	if err != nil {
		return err
	}
	if game.Status == domain.GameRunning {
		return domain.ErrGameInProgress
	}
	return nil
}

// DeleteAllCards removes the card batch outside a running game. A player's card
// assignment is immutable, so each owner goes with their card: answers and winner
// first, then the player, then the cards.
func (g *GameCoordinator) DeleteAllCards(ctx context.Context) (map[string]int, error) {
	deleted, err := g.deleteAllCards(ctx)
	logOutcome(g.log, "delete all cards", err, zap.Any("deleted", deleted))
	return deleted, err
}

func (g *GameCoordinator) deleteAllCards(ctx context.Context) (map[string]int, error) {
	if err := g.requireNotRunning(ctx); err != nil {
		return nil, err
	}
	cards, err := g.cards.Cards(ctx)
	if err != nil {
		return nil, err
	}

	deleted := map[string]int{}
	for _, c := range cards {
		if !c.Claimed() {
			continue
		}
		answers, err := listAs[domain.QuestionAnswer](ctx, g.store, CollectionAnswers, ListOptions{
			Filters: []FieldFilter{{Field: "playerId", Value: c.OwnerID}},
		})
		if err != nil {
			return deleted, err
		}
		for _, a := range answers {
			if err := g.deleteRecord(ctx, CollectionAnswers, a.ID, deleted); err != nil {
				return deleted, err
			}
		}
		for _, collection := range []string{CollectionWinners, CollectionPlayers} {
			if err := g.deleteRecord(ctx, collection, c.OwnerID, deleted); err != nil {
				return deleted, err
			}
		}
	}

	n, err := g.store.Truncate(ctx, CollectionCards)
	if err != nil {
		return deleted, fmt.Errorf("delete cards: %w", err)
	}
	deleted[CollectionCards] = n
	return deleted, nil
}

// deleteRecord deletes one record and counts it; a record already gone counts as done.
func (g *GameCoordinator) deleteRecord(ctx context.Context, collection, id string, deleted map[string]int) error {
	err := g.store.Delete(ctx, collection, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	deleted[collection]++
	return nil
}

// RegenerateCards replaces the card batch with count fresh cards.
func (g *GameCoordinator) RegenerateCards(ctx context.Context, prefix string, count int) ([]domain.Card, error) {
	if _, err := g.DeleteAllCards(ctx); err != nil {
		return nil, err
	}
	return g.cards.GenerateCards(ctx, prefix, count)
}

// DeleteAllQuestions removes every question outside a running game, together with
// the question events and answers that point at them. The game's active question
// reference is cleared first.
func (g *GameCoordinator) DeleteAllQuestions(ctx context.Context) (map[string]int, error) {
	deleted, err := g.deleteAllQuestions(ctx)
	logOutcome(g.log, "delete all questions", err, zap.Any("deleted", deleted))
	return deleted, err
}

func (g *GameCoordinator) deleteAllQuestions(ctx context.Context) (map[string]int, error) {
	if err := g.requireNotRunning(ctx); err != nil {
		return nil, err
	}
	if _, err := mutate(ctx, g.store, CollectionGame, GameID, func(game *domain.Game) error {
		if game.Status == domain.GameRunning {
			return domain.ErrGameInProgress
		}
		if game.ActiveQuestionEventID == "" {
			return errNoChange
		}
		game.ActiveQuestionEventID = ""
		return nil
	}); err != nil {
		return nil, err
	}

	deleted := make(map[string]int, 3)
	for _, collection := range []string{CollectionAnswers, CollectionQuestionEvents, CollectionQuestions} {
		n, err := g.store.Truncate(ctx, collection)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", collection, err)
		}
		deleted[collection] = n
	}
	return deleted, nil
}

// Stats summarizes the game for the operator dashboard.
func (g *GameCoordinator) Stats(ctx context.Context) (domain.Stats, error) {
	game, err := g.Game(ctx)
	if err != nil {
		return domain.Stats{}, err
	}

	var (
		stats     domain.Stats
		players   []domain.Player
		cards     []domain.Card
		draws     []domain.Draw
		winners   []domain.Winner
		answers   []domain.QuestionAnswer
		available int
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		players, err = listAs[domain.Player](ctx, g.store, CollectionPlayers, ListOptions{})
		return err
	})
	eg.Go(func() (err error) {
		cards, err = g.cards.Cards(ctx)
		return err
	})
	eg.Go(func() (err error) {
		draws, err = g.draws.Draws(ctx)
		return err
	})
	eg.Go(func() (err error) {
		winners, err = listAs[domain.Winner](ctx, g.store, CollectionWinners, ListOptions{})
		return err
	})
	eg.Go(func() (err error) {
		available, err = g.draws.AvailableQuestionsCount(ctx)
		return err
	})
	if game.ActiveQuestionEventID != "" {
		eg.Go(func() (err error) {
			answers, err = listAs[domain.QuestionAnswer](ctx, g.store, CollectionAnswers, ListOptions{
				Filters: []FieldFilter{{Field: "questionEventId", Value: game.ActiveQuestionEventID}},
			})
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return domain.Stats{}, err
	}

	stats.Players = len(players)
	for _, c := range cards {
		if c.Claimed() {
			stats.ClaimedCards++
		}
	}
	stats.Draws = len(draws)
	stats.Winners = len(winners)
	stats.AvailableQuestions = available
	for _, a := range answers {
		stats.ActiveQuestion.Total++
		if a.Correct {
			stats.ActiveQuestion.Correct++
		}
	}
	stats.NextQuestionAt = NextQuestionAt(game.CurrentDrawIndex, game.QuestionInterval)
	if available > 0 {
		stats.DrawsUntilQuestion = stats.NextQuestionAt - game.CurrentDrawIndex
	}
	return stats, nil
}

// Leaderboard ranks claimed cards by completed lines, then lines one away, then
// best line progress.
func (g *GameCoordinator) Leaderboard(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	cards, err := g.cards.Cards(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.LeaderboardEntry, 0, len(cards))
	for _, c := range cards {
		if !c.Claimed() {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			CardCode:        c.Code,
			OwnerID:         c.OwnerID,
			LinesComplete:   c.LinesComplete,
			LinesOneAway:    c.Progress.LinesOneAway,
			MaxLineProgress: c.Progress.MaxLineProgress,
			CellsMarked:     c.CellsMarked,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.LinesComplete != b.LinesComplete {
			return a.LinesComplete > b.LinesComplete
		}
		if a.LinesOneAway != b.LinesOneAway {
			return a.LinesOneAway > b.LinesOneAway
		}
		if a.MaxLineProgress != b.MaxLineProgress {
			return a.MaxLineProgress > b.MaxLineProgress
		}
		return a.CardCode < b.CardCode
	})
	return entries, nil
}

// Winners lists winner records in creation order.
func (g *GameCoordinator) Winners(ctx context.Context) ([]domain.Winner, error) {
	return listAs[domain.Winner](ctx, g.store, CollectionWinners, ListOptions{})
}

// Subscribe streams store changes for a collection or a single record.
func (g *GameCoordinator) Subscribe(ctx context.Context, collection, id string) (<-chan ChangeEvent, func(), error) {
	return g.store.Subscribe(ctx, collection, id)
}
