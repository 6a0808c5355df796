package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bingo-event-service/internal/bingo"
	"bingo-event-service/internal/domain"
	"bingo-event-service/internal/logger"
	"bingo-event-service/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CardRegistry owns cards and the player-to-card assignment. Cards are stored under
// their code, so the code is also the record id.
type CardRegistry struct {
	store   Store
	rnd     bingo.Rand
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCardRegistry(store Store, rnd bingo.Rand, log *zap.Logger, m *metrics.Metrics) *CardRegistry {
	if rnd == nil {
		rnd = bingo.NewTimeSeededRand()
	}
	return &CardRegistry{store: store, rnd: rnd, log: logger.OrNop(log), metrics: m, now: time.Now}
}

// WithClock is test-only for deterministic timestamps.
func (r *CardRegistry) WithClock(now func() time.Time) *CardRegistry {
	r.now = now
	return r
}

// CardCode formats the n-th card code of a batch, e.g. STEL-GoodLuck-007.
func CardCode(prefix string, n int) string {
	return fmt.Sprintf("%s%03d", prefix, n)
}

// GenerateCards creates count fresh cards numbered from 1.
func (r *CardRegistry) GenerateCards(ctx context.Context, prefix string, count int) ([]domain.Card, error) {
	out := make([]domain.Card, 0, count)
	for i := 1; i <= count; i++ {
		card := bingo.GenerateCard(CardCode(prefix, i), r.rnd)
		created, err := createAs(ctx, r.store, CollectionCards, card.Code, card)
		if err != nil {
			return out, fmt.Errorf("create card %s: %w", card.Code, err)
		}
		out = append(out, created)
	}
	r.log.Info("cards generated", zap.Int("count", len(out)), zap.String("prefix", prefix))
	return out, nil
}

// Card returns a card by code.
func (r *CardRegistry) Card(ctx context.Context, code string) (domain.Card, error) {
	card, err := getAs[domain.Card](ctx, r.store, CollectionCards, code)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return card, domain.ErrCardNotFound
	}
	return card, err
}

// Cards lists all cards ordered by code.
func (r *CardRegistry) Cards(ctx context.Context) ([]domain.Card, error) {
	return listAs[domain.Card](ctx, r.store, CollectionCards, ListOptions{Sort: "code"})
}

// AvailableCards lists unclaimed cards ordered by code.
func (r *CardRegistry) AvailableCards(ctx context.Context) ([]domain.Card, error) {
	return listAs[domain.Card](ctx, r.store, CollectionCards, ListOptions{
		Filters: []FieldFilter{{Field: "ownerId", Value: ""}},
		Sort:    "code",
	})
}

// RegisterPlayer creates a player without a card.
func (r *CardRegistry) RegisterPlayer(ctx context.Context, name string) (domain.Player, error) {
	player := domain.Player{
		ID:       uuid.NewString(),
		Name:     name,
		JoinedAt: r.now(),
	}
	return createAs(ctx, r.store, CollectionPlayers, player.ID, player)
}

// Player returns a player by id.
func (r *CardRegistry) Player(ctx context.Context, id string) (domain.Player, error) {
	player, err := getAs[domain.Player](ctx, r.store, CollectionPlayers, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return player, domain.ErrPlayerNotFound
	}
	return player, err
}

// Claim gives playerID exclusive ownership of the card. The owner check and the
// write are one compare-and-swap against the stored card, so of N concurrent
// claimants exactly one succeeds and the rest get ErrAlreadyClaimed without
// having written anything. Claiming a card the player already owns is a no-op.
func (r *CardRegistry) Claim(ctx context.Context, code, playerID string) (domain.Card, error) {
	card, err := r.claim(ctx, code, playerID)
	switch {
	case err == nil:
		r.metrics.IncClaim("claimed")
	case errors.Is(err, domain.ErrAlreadyClaimed):
		r.metrics.IncClaim("already_claimed")
	default:
		r.metrics.IncClaim("failed")
	}
	logOutcome(r.log, "claim card", err, zap.String("card", code), zap.String("player", playerID))
	return card, err
}

func (r *CardRegistry) claim(ctx context.Context, code, playerID string) (domain.Card, error) {
	player, err := r.Player(ctx, playerID)
	if err != nil {
		return domain.Card{}, err
	}
	if player.CardCode == code {
		return r.Card(ctx, code)
	}
	if player.CardCode != "" {
		return domain.Card{}, domain.ErrPlayerHasCard
	}

	now := r.now()
	card, err := mutate(ctx, r.store, CollectionCards, code, func(c *domain.Card) error {
		if c.OwnerID == playerID {
			return errNoChange
		}
		if c.OwnerID != "" {
			return domain.ErrAlreadyClaimed
		}
		c.OwnerID = playerID
		c.ClaimedAt = timePtr(now)
		return nil
	})
	if errors.Is(err, domain.ErrRecordNotFound) {
		return card, domain.ErrCardNotFound
	}
	if err != nil {
		return card, err
	}

	_, err = mutate(ctx, r.store, CollectionPlayers, playerID, func(p *domain.Player) error {
		if p.CardCode == code {
			return errNoChange
		}
		if p.CardCode != "" {
			return domain.ErrPlayerHasCard
		}
		p.CardCode = code
		return nil
	})
	if err != nil {
		r.release(ctx, code, playerID)
		return domain.Card{}, err
	}
	return card, nil
}

// release undoes a card claim whose player assignment failed.
func (r *CardRegistry) release(ctx context.Context, code, playerID string) {
	_, err := mutate(ctx, r.store, CollectionCards, code, func(c *domain.Card) error {
		if c.OwnerID != playerID {
			return errNoChange
		}
		c.OwnerID = ""
		c.ClaimedAt = nil
		return nil
	})
	if err != nil {
		r.log.Error("release card after failed claim", zap.String("card", code), zap.String("player", playerID), zap.Error(err))
	}
}

// MarkCell marks cellIndex on the player's card. drawnNumbers is the draw history in
// draw order and latestDrawNumber the number of the current round; only that number
// may be freshly marked. A mark that completes the first line records the player's
// single Winner at the current draw index.
func (r *CardRegistry) MarkCell(ctx context.Context, code, playerID string, cellIndex int, drawnNumbers []int, latestDrawNumber int) (domain.MarkResult, error) {
	res, err := r.markCell(ctx, code, playerID, cellIndex, drawnNumbers, latestDrawNumber)
	switch {
	case err == nil:
		r.metrics.IncMark("marked")
	case domain.IsUserFacing(err):
		r.metrics.IncMark("rejected")
	default:
		r.metrics.IncMark("failed")
	}
	logOutcome(r.log, "mark cell", err, zap.String("card", code), zap.String("player", playerID), zap.Int("cell", cellIndex))
	return res, err
}

func (r *CardRegistry) markCell(ctx context.Context, code, playerID string, cellIndex int, drawnNumbers []int, latestDrawNumber int) (domain.MarkResult, error) {
	drawn := make(map[int]struct{}, len(drawnNumbers))
	for _, n := range drawnNumbers {
		drawn[n] = struct{}{}
	}

	now := r.now()
	card, err := mutate(ctx, r.store, CollectionCards, code, func(c *domain.Card) error {
		if err := bingo.Validate(c.Grid, c.Marks); err != nil {
			return err
		}
		if c.OwnerID != playerID {
			return domain.ErrNotCardOwner
		}
		if cellIndex < 0 || cellIndex >= domain.GridCells {
			return domain.ErrInvalidCell
		}
		if c.Marks[cellIndex] {
			return domain.ErrAlreadyMarked
		}
		cell := c.Grid[cellIndex]
		if cell.IsFree() {
			return domain.ErrInvalidCell
		}
		if _, ok := drawn[int(cell)]; !ok {
			return domain.ErrNumberNotDrawn
		}
		if int(cell) != latestDrawNumber {
			return domain.ErrStaleNumber
		}
		c.Marks[cellIndex] = true
		c.LastMarkedAt = timePtr(now)
		return bingo.Recompute(c)
	})
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.MarkResult{}, domain.ErrCardNotFound
	}
	if err != nil {
		return domain.MarkResult{}, err
	}

	res := domain.MarkResult{Card: card, CellIndex: cellIndex}
	if card.LinesComplete > 0 {
		res.Winner = r.settleWin(ctx, card, len(drawnNumbers))
		res.Won = res.Winner != nil
	}
	return res, nil
}

// settleWin records the win of a committed mark. The mark stands whatever happens
// here; a failed record is logged and retried by the owner's next winning mark.
func (r *CardRegistry) settleWin(ctx context.Context, card domain.Card, drawIndex int) *domain.Winner {
	winner, err := r.recordWin(context.WithoutCancel(ctx), card, drawIndex)
	if err != nil {
		r.log.Error("record win", zap.String("card", card.Code), zap.String("player", card.OwnerID),
			zap.Int("drawIndex", drawIndex), zap.Error(err))
		return nil
	}
	return winner
}

// GrantFreeCell rewards the card with one random unmarked cell, converting it to
// FREE. ok is false when no grantable cell remains; the card is then unchanged.
// The reward runs the same win check as MarkCell, using drawIndex for the record.
func (r *CardRegistry) GrantFreeCell(ctx context.Context, code string, drawIndex int) (res domain.MarkResult, ok bool, err error) {
	res, ok, err = r.grantFreeCell(ctx, code, drawIndex)
	switch {
	case err != nil:
		r.metrics.IncGrant("failed")
	case ok:
		r.metrics.IncGrant("granted")
	default:
		r.metrics.IncGrant("none")
	}
	logOutcome(r.log, "grant free cell", err, zap.String("card", code), zap.Bool("granted", ok))
	return res, ok, err
}

func (r *CardRegistry) grantFreeCell(ctx context.Context, code string, drawIndex int) (domain.MarkResult, bool, error) {
	now := r.now()
	granted := -1
	card, err := mutate(ctx, r.store, CollectionCards, code, func(c *domain.Card) error {
		if err := bingo.Validate(c.Grid, c.Marks); err != nil {
			return err
		}
		idx, ok, err := bingo.PickGrantableCell(c.Grid, c.Marks, r.rnd)
		if err != nil {
			return err
		}
		if !ok {
			granted = -1
			return errNoChange
		}
		granted = idx
		c.Marks[idx] = true
		c.Grid[idx] = domain.Free
		c.LastMarkedAt = timePtr(now)
		return bingo.Recompute(c)
	})
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.MarkResult{}, false, domain.ErrCardNotFound
	}
	if err != nil {
		return domain.MarkResult{}, false, err
	}
	if granted < 0 {
		return domain.MarkResult{Card: card, CellIndex: -1}, false, nil
	}

	res := domain.MarkResult{Card: card, CellIndex: granted}
	if card.LinesComplete > 0 && card.OwnerID != "" {
		res.Winner = r.settleWin(ctx, card, drawIndex)
		res.Won = res.Winner != nil
	}
	return res, true, nil
}

// recordWin creates the owner's Winner and then mirrors its draw index onto the
// player. The Winner id is the player id, so the create is the exactly-once gate:
// concurrent wins for one player store a single record and only the call that
// created it gets a non-nil Winner back. A player marked as won without a stored
// Winner gets the record created at their recorded draw index.
func (r *CardRegistry) recordWin(ctx context.Context, card domain.Card, drawIndex int) (*domain.Winner, error) {
	player, err := r.Player(ctx, card.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("record win for %s: %w", card.OwnerID, err)
	}
	if player.HasWon() {
		_, err := getAs[domain.Winner](ctx, r.store, CollectionWinners, player.ID)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, domain.ErrRecordNotFound) {
			return nil, fmt.Errorf("load winner %s: %w", player.ID, err)
		}
		drawIndex = *player.WinningDrawIndex
	}

	lines, err := bingo.CompletedLines(card.Marks)
	if err != nil {
		return nil, err
	}
	winner := domain.Winner{
		ID:         player.ID,
		PlayerID:   player.ID,
		PlayerName: player.Name,
		CardCode:   card.Code,
		DrawIndex:  drawIndex,
		Lines:      lines,
		CreatedAt:  r.now(),
	}
	created, err := createWithRetry(ctx, r.store, CollectionWinners, winner.ID, winner)
	if errors.Is(err, domain.ErrRecordExists) {
		existing, err := getAs[domain.Winner](ctx, r.store, CollectionWinners, player.ID)
		if err != nil {
			return nil, fmt.Errorf("load winner %s: %w", player.ID, err)
		}
		return nil, r.setWinningDrawIndex(ctx, player.ID, existing.DrawIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("create winner for %s: %w", player.ID, err)
	}
	r.metrics.IncWinners()
	r.log.Info("bingo", zap.String("player", player.ID), zap.String("name", player.Name),
		zap.Int("drawIndex", created.DrawIndex), zap.Strings("lines", lines))

	if err := r.setWinningDrawIndex(ctx, player.ID, created.DrawIndex); err != nil {
		r.log.Warn("mirror winning draw index", zap.String("player", player.ID), zap.Error(err))
	}
	return &created, nil
}

// setWinningDrawIndex writes the player's winning draw index once.
func (r *CardRegistry) setWinningDrawIndex(ctx context.Context, playerID string, drawIndex int) error {
	_, err := mutate(ctx, r.store, CollectionPlayers, playerID, func(p *domain.Player) error {
		if p.HasWon() {
			return errNoChange
		}
		idx := drawIndex
		p.WinningDrawIndex = &idx
		return nil
	})
	if err != nil {
		return fmt.Errorf("set winning draw index for %s: %w", playerID, err)
	}
	return nil
}
