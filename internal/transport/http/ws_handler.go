package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/domain"
	"bingo-event-service/internal/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSHandler struct {
	game     *app.GameCoordinator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(game *app.GameCoordinator, log *zap.Logger) *WSHandler {
	return &WSHandler{
		game: game,
		log:  logger.OrNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type claimPayload struct {
	CardCode string `json:"cardCode"`
}

type markPayload struct {
	CellIndex int `json:"cellIndex"`
}

type answerPayload struct {
	ChoiceIndex int `json:"choiceIndex"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// questionPayload is what players see of a question: never the correct index.
type questionPayload struct {
	EventID   string   `json:"eventId"`
	DrawIndex int      `json:"drawIndex"`
	Text      string   `json:"text"`
	Choices   []string `json:"choices"`
}

type cardPayload struct {
	Card  domain.Card `json:"card"`
	Marks []bool      `json:"marks"`
}

type markResultPayload struct {
	CellIndex int            `json:"cellIndex"`
	Won       bool           `json:"won"`
	Winner    *domain.Winner `json:"winner,omitempty"`
	Card      domain.Card    `json:"card"`
}

type answerResultPayload struct {
	Correct     bool           `json:"correct"`
	GrantedCell *int           `json:"grantedCell,omitempty"`
	Winner      *domain.Winner `json:"winner,omitempty"`
}

// ServeWS upgrades a player connection. A new player registers with ?name=, a
// returning one resumes with ?playerId=. The socket then carries claim, mark and
// answer requests and pushes game, draw, question, card and winner updates.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("playerId")
	displayName := r.URL.Query().Get("name")
	if playerID == "" && displayName == "" {
		http.Error(w, "missing playerId or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	var player domain.Player
	if playerID != "" {
		player, err = h.game.Cards().Player(ctx, playerID)
	} else {
		player, err = h.game.Cards().RegisterPlayer(ctx, displayName)
	}
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: newErrorPayload(err)})
		return
	}

	s := &wsSession{
		h:       h,
		ctx:     ctx,
		player:  player,
		view:    app.NewCardView(),
		send:    make(chan outboundMessage[any], 32),
		closing: make(chan struct{}),
	}
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range s.send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write failed", zap.String("player", player.ID), zap.Error(err))
				// Unblock the reader and keep draining so producers never stall.
				_ = conn.Close()
				for range s.send {
				}
				return
			}
		}
	}()

	s.push("joined", player)
	if err := s.subscribeAll(); err != nil {
		s.pushError(err)
	} else {
		s.readLoop(conn)
	}
	s.shutdown()
	<-writerDone
}

// wsSession is one player's connection state. Subscription forwarders and the read
// loop all write through push; the writer goroutine owns the socket.
type wsSession struct {
	h      *WSHandler
	ctx    context.Context
	player domain.Player
	view   *app.CardView

	send    chan outboundMessage[any]
	closing chan struct{}
	wg      sync.WaitGroup
	cancels []func()

	cardCode string
	// touched only by the game forwarder
	lastQuestion string
	// touched only by the draw and winner forwarders; a store may redeliver creates
	lastDrawIndex int
	winnersSeen   map[string]struct{}
}

func (s *wsSession) push(typ string, payload any) {
	select {
	case s.send <- outboundMessage[any]{Type: typ, Payload: payload}:
	case <-s.closing:
	}
}

func (s *wsSession) pushError(err error) {
	s.push("error", newErrorPayload(err))
}

func (s *wsSession) shutdown() {
	close(s.closing)
	for _, cancel := range s.cancels {
		cancel()
	}
	s.wg.Wait()
	close(s.send)
}

// subscribe starts a forwarder for one feed. initial runs on the forwarder before
// the first event so snapshots and updates share one goroutine.
func (s *wsSession) subscribe(collection, id string, initial func(), handle func(app.ChangeEvent)) error {
	events, cancel, err := s.h.game.Subscribe(s.ctx, collection, id)
	if err != nil {
		return err
	}
	s.cancels = append(s.cancels, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if initial != nil {
			initial()
		}
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				handle(ev)
			case <-s.closing:
				return
			}
		}
	}()
	return nil
}

func (s *wsSession) subscribeAll() error {
	if err := s.subscribe(app.CollectionGame, app.GameID, s.sendGameSnapshot, s.onGame); err != nil {
		return err
	}
	// Seed the dedupe state so a replay of older draws and winners stays silent.
	if game, err := s.h.game.Game(s.ctx); err == nil {
		s.lastDrawIndex = game.CurrentDrawIndex
	}
	s.winnersSeen = make(map[string]struct{})
	if winners, err := s.h.game.Winners(s.ctx); err == nil {
		for _, w := range winners {
			s.winnersSeen[w.ID] = struct{}{}
		}
	}
	if err := s.subscribe(app.CollectionDraws, "", nil, s.onDraw); err != nil {
		return err
	}
	if err := s.subscribe(app.CollectionWinners, "", nil, s.onWinner); err != nil {
		return err
	}
	if s.player.CardCode != "" {
		return s.watchCard(s.player.CardCode)
	}
	return nil
}

func (s *wsSession) watchCard(code string) error {
	if s.cardCode == code {
		return nil
	}
	s.cardCode = code
	initial := func() {
		card, err := s.h.game.Cards().Card(s.ctx, code)
		if err != nil {
			s.pushError(err)
			return
		}
		s.confirmCard(card)
	}
	return s.subscribe(app.CollectionCards, code, initial, s.onCard)
}

func (s *wsSession) sendGameSnapshot() {
	game, err := s.h.game.Game(s.ctx)
	if err != nil {
		s.pushError(err)
		return
	}
	s.sendGame(game)
}

func (s *wsSession) onGame(ev app.ChangeEvent) {
	if ev.Action == app.ActionDelete {
		return
	}
	game, err := app.DecodeRecord[domain.Game](ev.Record)
	if err != nil {
		s.h.log.Warn("decode game event", zap.Error(err))
		return
	}
	s.sendGame(game)
}

func (s *wsSession) sendGame(game domain.Game) {
	s.push("game", game)
	if game.ActiveQuestionEventID == "" || game.ActiveQuestionEventID == s.lastQuestion {
		return
	}
	s.lastQuestion = game.ActiveQuestionEventID
	event, q, ok, err := s.h.game.ActiveQuestion(s.ctx)
	if err != nil || !ok {
		return
	}
	s.push("question", questionPayload{
		EventID:   event.ID,
		DrawIndex: event.DrawIndex,
		Text:      q.Text,
		Choices:   q.Choices,
	})
}

func (s *wsSession) onDraw(ev app.ChangeEvent) {
	if ev.Action == app.ActionDelete {
		// The history is being cleared; indexes restart from 1.
		s.lastDrawIndex = 0
		return
	}
	if ev.Action != app.ActionCreate {
		return
	}
	draw, err := app.DecodeRecord[domain.Draw](ev.Record)
	if err != nil {
		s.h.log.Warn("decode draw event", zap.Error(err))
		return
	}
	if draw.DrawIndex <= s.lastDrawIndex {
		return
	}
	s.lastDrawIndex = draw.DrawIndex
	s.push("draw", draw)
}

func (s *wsSession) onWinner(ev app.ChangeEvent) {
	if ev.Action == app.ActionDelete {
		delete(s.winnersSeen, ev.Record.ID)
		return
	}
	if ev.Action != app.ActionCreate {
		return
	}
	if _, seen := s.winnersSeen[ev.Record.ID]; seen {
		return
	}
	winner, err := app.DecodeRecord[domain.Winner](ev.Record)
	if err != nil {
		s.h.log.Warn("decode winner event", zap.Error(err))
		return
	}
	s.winnersSeen[ev.Record.ID] = struct{}{}
	s.push("winner", winner)
}

func (s *wsSession) onCard(ev app.ChangeEvent) {
	if ev.Action == app.ActionDelete {
		return
	}
	card, err := app.DecodeRecord[domain.Card](ev.Record)
	if err != nil {
		s.h.log.Warn("decode card event", zap.Error(err))
		return
	}
	s.confirmCard(card)
}

func (s *wsSession) confirmCard(card domain.Card) {
	if !s.view.Confirm(card) {
		return
	}
	confirmed, _ := s.view.Card()
	s.push("card", cardPayload{Card: confirmed, Marks: s.view.Marks()})
}

func (s *wsSession) readLoop(conn *websocket.Conn) {
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		switch inbound.Type {
		case "claim":
			var payload claimPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.CardCode == "" {
				s.push("error", errorPayload{Message: "invalid claim payload", Status: http.StatusBadRequest})
				continue
			}
			s.claim(payload.CardCode)
		case "mark":
			var payload markPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				s.push("error", errorPayload{Message: "invalid mark payload", Status: http.StatusBadRequest})
				continue
			}
			s.mark(payload.CellIndex)
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				s.push("error", errorPayload{Message: "invalid answer payload", Status: http.StatusBadRequest})
				continue
			}
			s.answer(payload.ChoiceIndex)
		default:
			s.push("error", errorPayload{Message: "unsupported message type", Status: http.StatusBadRequest})
		}
	}
}

func (s *wsSession) claim(code string) {
	card, err := s.h.game.Cards().Claim(s.ctx, code, s.player.ID)
	if err != nil {
		s.pushError(err)
		return
	}
	s.player.CardCode = code
	if err := s.watchCard(code); err != nil {
		s.pushError(err)
		return
	}
	s.confirmCard(card)
}

func (s *wsSession) mark(cellIndex int) {
	// The provisional mark is shown at once and reverted if the store refuses it.
	s.view.MarkProvisional(cellIndex)
	res, err := s.h.game.MarkCell(s.ctx, s.player.ID, cellIndex)
	if err != nil {
		s.view.Reject(cellIndex)
		s.pushError(err)
		return
	}
	s.confirmCard(res.Card)
	s.push("markResult", markResultPayload{
		CellIndex: res.CellIndex,
		Won:       res.Won,
		Winner:    res.Winner,
		Card:      res.Card,
	})
}

func (s *wsSession) answer(choiceIndex int) {
	res, err := s.h.game.SubmitAnswer(s.ctx, s.player.ID, choiceIndex)
	if err != nil {
		s.pushError(err)
		return
	}
	s.push("answerResult", answerResultPayload{
		Correct:     res.Correct,
		GrantedCell: res.GrantedCell,
		Winner:      res.Winner,
	})
}
