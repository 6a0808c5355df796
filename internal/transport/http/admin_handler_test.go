package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/bingo"
	"bingo-event-service/internal/domain"
	"bingo-event-service/internal/infra/memory"
	"bingo-event-service/internal/metrics"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, questionInterval int) (*httptest.Server, *app.GameCoordinator) {
	t.Helper()
	store := memory.NewStore(app.DefaultReferences()...)
	m := metrics.New("bingo_test")
	log := zap.NewNop()
	cards := app.NewCardRegistry(store, bingo.NewRand(7), log, m)
	draws := app.NewDrawScheduler(store, bingo.NewRand(8), log, m)
	game := app.NewGameCoordinator(store, cards, draws, questionInterval, log, m)

	bank := memory.NewQuestionBank(memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{
		"default": sampleSet(),
	}), time.Minute)
	admin := NewAdminHandler(game, bank, log, AdminOptions{
		CardPrefix:  "TEST-",
		CardCount:   4,
		QuestionSet: "default",
	})
	server := httptest.NewServer(NewRouter(admin, NewWSHandler(game, log), m))
	t.Cleanup(server.Close)
	return server, game
}

func sampleSet() domain.QuestionSet {
	return domain.QuestionSet{
		ID: "default",
		Questions: []domain.Question{
			{
				ID:                 "q1",
				Text:               "What is 2 + 2?",
				Choices:            []string{"3", "4", "5"},
				CorrectChoiceIndex: 1,
				Weight:             1,
				Active:             true,
			},
		},
	}
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestAdminGameLifecycle(t *testing.T) {
	server, _ := newTestServer(t, 10)

	status, body := doJSON(t, http.MethodGet, server.URL+"/healthz", nil)
	if status != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %s", status, body)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/game/draw", nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 drawing while idle, got %d %s", status, body)
	}
	if payload := decodeBody[errorPayload](t, body); payload.Status != http.StatusConflict || payload.Message == "" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/cards", nil)
	if status != http.StatusCreated {
		t.Fatalf("generate cards: %d %s", status, body)
	}
	cards := decodeBody[[]domain.Card](t, body)
	if len(cards) != 4 || !strings.HasPrefix(cards[0].Code, "TEST-") {
		t.Fatalf("expected 4 TEST- cards, got %d (%s)", len(cards), cards[0].Code)
	}

	status, body = doJSON(t, http.MethodGet, server.URL+"/cards/available", nil)
	if status != http.StatusOK {
		t.Fatalf("available cards: %d %s", status, body)
	}
	if available := decodeBody[[]availableCard](t, body); len(available) != 4 || len(available[0].Grid) != 25 {
		t.Fatalf("unexpected available cards: %+v", available)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/questions/import", nil)
	if status != http.StatusCreated {
		t.Fatalf("import questions: %d %s", status, body)
	}
	if questions := decodeBody[[]domain.Question](t, body); len(questions) != 1 || questions[0].ID == "q1" {
		t.Fatalf("expected one question with a fresh id, got %+v", questions)
	}
	status, _ = doJSON(t, http.MethodPost, server.URL+"/admin/questions/import", map[string]string{"set": "missing"})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown set, got %d", status)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/game/start", nil)
	if game := decodeBody[domain.Game](t, body); status != http.StatusOK || game.Status != domain.GameRunning {
		t.Fatalf("start: %d %s", status, body)
	}
	status, _ = doJSON(t, http.MethodPost, server.URL+"/admin/game/start", nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 starting twice, got %d", status)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/game/draw", nil)
	if status != http.StatusOK {
		t.Fatalf("draw: %d %s", status, body)
	}
	if res := decodeBody[domain.DrawResult](t, body); res.Draw.DrawIndex != 1 || res.Draw.Number < 1 || res.Draw.Number > 99 {
		t.Fatalf("unexpected draw: %+v", res.Draw)
	}

	status, body = doJSON(t, http.MethodGet, server.URL+"/admin/stats", nil)
	stats := decodeBody[domain.Stats](t, body)
	if status != http.StatusOK || stats.Draws != 1 || stats.AvailableQuestions != 1 || stats.NextQuestionAt != 10 {
		t.Fatalf("unexpected stats: %d %+v", status, stats)
	}

	_, body = doJSON(t, http.MethodGet, server.URL+"/metrics", nil)
	if !strings.Contains(string(body), "bingo_test_draws_total 1") {
		t.Fatalf("expected draw counter in metrics output:\n%s", body)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/game/end", nil)
	if game := decodeBody[domain.Game](t, body); status != http.StatusOK || game.Status != domain.GameEnded {
		t.Fatalf("end: %d %s", status, body)
	}

	status, body = doJSON(t, http.MethodPost, server.URL+"/admin/game/reset", nil)
	if status != http.StatusOK {
		t.Fatalf("reset: %d %s", status, body)
	}
	deleted := decodeBody[map[string]map[string]int](t, body)["deleted"]
	if deleted[app.CollectionCards] != 4 || deleted[app.CollectionDraws] != 1 || deleted[app.CollectionQuestions] != 1 {
		t.Fatalf("unexpected reset counts: %+v", deleted)
	}

	status, body = doJSON(t, http.MethodGet, server.URL+"/admin/game", nil)
	if game := decodeBody[domain.Game](t, body); status != http.StatusOK || game.Status != domain.GameIdle || game.CurrentDrawIndex != 0 {
		t.Fatalf("expected idle game after reset: %d %s", status, body)
	}
}

func TestAdminRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t, 10)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/admin/cards", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLeaderboardAndWinnersEmpty(t *testing.T) {
	server, _ := newTestServer(t, 10)

	for _, path := range []string{"/admin/leaderboard", "/admin/winners"} {
		status, body := doJSON(t, http.MethodGet, server.URL+path, nil)
		if status != http.StatusOK {
			t.Fatalf("%s: %d %s", path, status, body)
		}
		if items := decodeBody[[]json.RawMessage](t, body); len(items) != 0 {
			t.Fatalf("%s: expected empty list, got %s", path, body)
		}
	}
}

func TestStatusForDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrCardNotFound, http.StatusNotFound},
		{domain.ErrAlreadyClaimed, http.StatusConflict},
		{domain.ErrStaleNumber, http.StatusUnprocessableEntity},
		{domain.ErrInvalidCardState, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	if payload := newErrorPayload(domain.ErrInvalidCardState); payload.Message != http.StatusText(http.StatusInternalServerError) {
		t.Fatalf("internal errors must not leak details: %+v", payload)
	}
}

func TestAdminManagesCardsAndQuestions(t *testing.T) {
	server, game := newTestServer(t, 10)
	ctx := context.Background()

	if status, body := doJSON(t, http.MethodPost, server.URL+"/admin/cards", nil); status != http.StatusCreated {
		t.Fatalf("generate cards: %d %s", status, body)
	}
	if status, _ := doJSON(t, http.MethodPost, server.URL+"/admin/cards", nil); status != http.StatusConflict {
		t.Fatalf("expected 409 generating over an existing batch, got %d", status)
	}

	alice, err := game.Cards().RegisterPlayer(ctx, "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := game.Cards().Claim(ctx, "TEST-001", alice.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	status, body := doJSON(t, http.MethodPost, server.URL+"/admin/cards", map[string]any{"count": 2, "replace": true})
	if status != http.StatusCreated {
		t.Fatalf("regenerate cards: %d %s", status, body)
	}
	if cards := decodeBody[[]domain.Card](t, body); len(cards) != 2 || cards[0].Claimed() {
		t.Fatalf("expected 2 fresh cards, got %+v", cards)
	}
	if _, err := game.Cards().Player(ctx, alice.ID); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("expected the card owner to be removed, got %v", err)
	}

	if status, body := doJSON(t, http.MethodPost, server.URL+"/admin/questions/import", nil); status != http.StatusCreated {
		t.Fatalf("import questions: %d %s", status, body)
	}
	status, body = doJSON(t, http.MethodGet, server.URL+"/admin/questions", nil)
	questions := decodeBody[[]domain.Question](t, body)
	if status != http.StatusOK || len(questions) != 1 {
		t.Fatalf("list questions: %d %s", status, body)
	}

	status, body = doJSON(t, http.MethodPatch, server.URL+"/admin/questions/"+questions[0].ID, map[string]bool{"active": false})
	if q := decodeBody[domain.Question](t, body); status != http.StatusOK || q.Active {
		t.Fatalf("deactivate question: %d %s", status, body)
	}
	if n, _ := game.Draws().AvailableQuestionsCount(ctx); n != 0 {
		t.Fatalf("expected no selectable questions, got %d", n)
	}
	if status, _ := doJSON(t, http.MethodPatch, server.URL+"/admin/questions/nope", map[string]bool{"active": true}); status != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown question, got %d", status)
	}
	if status, _ := doJSON(t, http.MethodPatch, server.URL+"/admin/questions/"+questions[0].ID, map[string]any{}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without an active flag, got %d", status)
	}

	if status, _ := doJSON(t, http.MethodPost, server.URL+"/admin/game/start", nil); status != http.StatusOK {
		t.Fatalf("start: %d", status)
	}
	for _, path := range []string{"/admin/cards", "/admin/questions"} {
		if status, _ := doJSON(t, http.MethodDelete, server.URL+path, nil); status != http.StatusConflict {
			t.Fatalf("expected 409 deleting %s mid-game, got %d", path, status)
		}
	}
	if status, _ := doJSON(t, http.MethodPost, server.URL+"/admin/game/end", nil); status != http.StatusOK {
		t.Fatalf("end: %d", status)
	}

	status, body = doJSON(t, http.MethodDelete, server.URL+"/admin/questions", nil)
	if deleted := decodeBody[map[string]map[string]int](t, body)["deleted"]; status != http.StatusOK || deleted[app.CollectionQuestions] != 1 {
		t.Fatalf("delete questions: %d %s", status, body)
	}
	status, body = doJSON(t, http.MethodDelete, server.URL+"/admin/cards", nil)
	if deleted := decodeBody[map[string]map[string]int](t, body)["deleted"]; status != http.StatusOK || deleted[app.CollectionCards] != 2 {
		t.Fatalf("delete cards: %d %s", status, body)
	}
}
