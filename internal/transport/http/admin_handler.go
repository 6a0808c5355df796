package http

import (
	"encoding/json"
	"net/http"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/domain"
	"bingo-event-service/internal/logger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminHandler serves the operator API: game lifecycle, card batches, question
// imports and dashboards.
type AdminHandler struct {
	game        *app.GameCoordinator
	bank        app.QuestionBank
	log         *zap.Logger
	cardPrefix  string
	cardCount   int
	questionSet string
}

type AdminOptions struct {
	CardPrefix  string
	CardCount   int
	QuestionSet string
}

func NewAdminHandler(game *app.GameCoordinator, bank app.QuestionBank, log *zap.Logger, opts AdminOptions) *AdminHandler {
	return &AdminHandler{
		game:        game,
		bank:        bank,
		log:         logger.OrNop(log),
		cardPrefix:  opts.CardPrefix,
		cardCount:   opts.CardCount,
		questionSet: opts.QuestionSet,
	}
}

// Routes mounts the operator endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/game", h.getGame)
	r.Post("/game/start", h.start)
	r.Post("/game/draw", h.draw)
	r.Post("/game/end", h.end)
	r.Post("/game/reset", h.reset)
	r.Post("/cards", h.generateCards)
	r.Delete("/cards", h.deleteCards)
	r.Get("/questions", h.questions)
	r.Delete("/questions", h.deleteQuestions)
	r.Post("/questions/import", h.importQuestions)
	r.Patch("/questions/{id}", h.setQuestionActive)
	r.Get("/stats", h.stats)
	r.Get("/leaderboard", h.leaderboard)
	r.Get("/winners", h.winners)
}

func (h *AdminHandler) getGame(w http.ResponseWriter, r *http.Request) {
	game, err := h.game.Game(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (h *AdminHandler) start(w http.ResponseWriter, r *http.Request) {
	game, err := h.game.Start(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (h *AdminHandler) draw(w http.ResponseWriter, r *http.Request) {
	res, err := h.game.AdvanceDraw(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) end(w http.ResponseWriter, r *http.Request) {
	game, err := h.game.End(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (h *AdminHandler) reset(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.game.Reset(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type generateCardsRequest struct {
	Count  int    `json:"count"`
	Prefix string `json:"prefix"`
	// Replace deletes the current batch and its owners first.
	Replace bool `json:"replace"`
}

func (h *AdminHandler) generateCards(w http.ResponseWriter, r *http.Request) {
	req := generateCardsRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Count <= 0 {
		req.Count = h.cardCount
	}
	if req.Prefix == "" {
		req.Prefix = h.cardPrefix
	}
	var (
		cards []domain.Card
		err   error
	)
	if req.Replace {
		cards, err = h.game.RegenerateCards(r.Context(), req.Prefix, req.Count)
	} else {
		cards, err = h.game.Cards().GenerateCards(r.Context(), req.Prefix, req.Count)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cards)
}

func (h *AdminHandler) deleteCards(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.game.DeleteAllCards(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *AdminHandler) questions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.game.Draws().Questions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *AdminHandler) deleteQuestions(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.game.DeleteAllQuestions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type setQuestionActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *AdminHandler) setQuestionActive(w http.ResponseWriter, r *http.Request) {
	var req setQuestionActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := h.game.Draws().SetQuestionActive(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type importQuestionsRequest struct {
	Set string `json:"set"`
}

func (h *AdminHandler) importQuestions(w http.ResponseWriter, r *http.Request) {
	req := importQuestionsRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Set == "" {
		req.Set = h.questionSet
	}
	if h.bank == nil {
		http.Error(w, "question bank not configured", http.StatusServiceUnavailable)
		return
	}
	questions, err := h.game.Draws().ImportQuestions(r.Context(), h.bank, req.Set)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, questions)
}

func (h *AdminHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.game.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.game.Leaderboard(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *AdminHandler) winners(w http.ResponseWriter, r *http.Request) {
	winners, err := h.game.Winners(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, winners)
}

type availableCard struct {
	Code string        `json:"code"`
	Grid []domain.Cell `json:"grid"`
}

// AvailableCards lists unclaimed cards for the player lobby.
func (h *AdminHandler) AvailableCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.game.Cards().AvailableCards(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]availableCard, len(cards))
	for i, c := range cards {
		out[i] = availableCard{Code: c.Code, Grid: c.Grid}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.log.Error("admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, err)
}
