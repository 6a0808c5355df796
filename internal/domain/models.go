package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Card geometry and number domain.
const (
	GridSide    = 5
	GridCells   = GridSide * GridSide
	CenterIndex = 12
	MinNumber   = 1
	MaxNumber   = 99
	NumberCount = MaxNumber - MinNumber + 1
)

// Cell is one grid entry: a playable number, or Free.
type Cell int

// Free is the sentinel for the pre-marked center and for cells granted as a reward.
const Free Cell = 0

var freeLiteral = []byte(`"FREE"`)

// IsFree reports whether the cell holds the FREE sentinel.
func (c Cell) IsFree() bool { return c == Free }

func (c Cell) MarshalJSON() ([]byte, error) {
	if c == Free {
		return freeLiteral, nil
	}
	return []byte(strconv.Itoa(int(c))), nil
}

func (c *Cell) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, freeLiteral) {
		*c = Free
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cell: %w", err)
	}
	*c = Cell(n)
	return nil
}

// Progress is derived from a card's marks and is never mutated independently.
type Progress struct {
	Row             [GridSide]int `json:"row"`
	Col             [GridSide]int `json:"col"`
	Diag            [2]int        `json:"diag"`
	LinesComplete   int           `json:"linesComplete"`
	LinesOneAway    int           `json:"linesOneAway"`
	MaxLineProgress int           `json:"maxLineProgress"`
}

// Card is a 5x5 bingo card, row-major.
type Card struct {
	Code          string     `json:"code"`
	Version       int64      `json:"version"`
	Grid          []Cell     `json:"grid"`
	Marks         []bool     `json:"marks"`
	OwnerID       string     `json:"ownerId"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`
	CellsMarked   int        `json:"cellsMarked"`
	LinesComplete int        `json:"linesComplete"`
	Progress      Progress   `json:"progress"`
	LastMarkedAt  *time.Time `json:"lastMarkedAt,omitempty"`
}

// Claimed reports whether a player owns the card.
func (c Card) Claimed() bool { return c.OwnerID != "" }

// Player is a participant. CardCode and WinningDrawIndex are write-once.
type Player struct {
	ID               string    `json:"id"`
	Version          int64     `json:"version"`
	Name             string    `json:"name"`
	JoinedAt         time.Time `json:"joinedAt"`
	CardCode         string    `json:"cardCode"`
	CorrectAnswers   int       `json:"correctAnswers"`
	WinningDrawIndex *int      `json:"winningDrawIndex,omitempty"`
}

// HasWon reports whether the player is a permanent winner.
func (p Player) HasWon() bool { return p.WinningDrawIndex != nil }

// Draw is one drawn number. DrawIndex is 1-based and gapless.
type Draw struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	DrawIndex int    `json:"drawIndex"`
	Number    int    `json:"number"`
	// QuestionID pins the question chosen for a due round before its event is recorded.
	QuestionID string    `json:"questionId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Question is a trivia question. Weight <= 0 is treated as 1.
type Question struct {
	ID                 string    `json:"id"`
	Version            int64     `json:"version"`
	Text               string    `json:"text"`
	Choices            []string  `json:"choices"`
	CorrectChoiceIndex int       `json:"correctChoiceIndex"`
	Weight             float64   `json:"weight"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"createdAt"`
}

// SelectionWeight returns the weight used by weighted selection.
func (q Question) SelectionWeight() float64 {
	if q.Weight <= 0 {
		return 1
	}
	return q.Weight
}

// QuestionSet is a named batch of questions held by the question bank.
type QuestionSet struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// QuestionEvent records that a question was asked at a draw index.
type QuestionEvent struct {
	ID         string    `json:"id"`
	Version    int64     `json:"version"`
	DrawIndex  int       `json:"drawIndex"`
	QuestionID string    `json:"questionId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QuestionAnswer is a player's single submission for a question event.
type QuestionAnswer struct {
	ID              string    `json:"id"`
	Version         int64     `json:"version"`
	PlayerID        string    `json:"playerId"`
	QuestionEventID string    `json:"questionEventId"`
	ChoiceIndex     int       `json:"choiceIndex"`
	Correct         bool      `json:"correct"`
	AnsweredAt      time.Time `json:"answeredAt"`
}

// Winner is created exactly once per player.
type Winner struct {
	ID         string    `json:"id"`
	Version    int64     `json:"version"`
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	CardCode   string    `json:"cardCode"`
	DrawIndex  int       `json:"drawIndex"`
	Lines      []string  `json:"lines"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GameStatus is the coordinator state.
type GameStatus string

const (
	GameIdle    GameStatus = "idle"
	GameRunning GameStatus = "running"
	GameEnded   GameStatus = "ended"
)

// Game is the singleton aggregate driven by the operator.
type Game struct {
	ID                    string     `json:"id"`
	Version               int64      `json:"version"`
	Status                GameStatus `json:"status"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	EndedAt               *time.Time `json:"endedAt,omitempty"`
	CurrentDrawIndex      int        `json:"currentDrawIndex"`
	QuestionInterval      int        `json:"questionInterval"`
	ActiveQuestionEventID string     `json:"activeQuestionEventId"`
}

// MarkResult is the outcome of a successful mark or reward.
type MarkResult struct {
	Card      Card    `json:"card"`
	CellIndex int     `json:"cellIndex"`
	Won       bool    `json:"won"`
	Winner    *Winner `json:"winner,omitempty"`
}

// DrawResult is the outcome of one draw round.
type DrawResult struct {
	Draw          Draw           `json:"draw"`
	QuestionEvent *QuestionEvent `json:"questionEvent,omitempty"`
	Question      *Question      `json:"question,omitempty"`
}

// AnswerResult is the outcome of an answer submission. GrantedCell is nil when the
// answer was wrong or no cell could be granted.
type AnswerResult struct {
	Answer      QuestionAnswer `json:"answer"`
	Correct     bool           `json:"correct"`
	GrantedCell *int           `json:"grantedCell,omitempty"`
	Winner      *Winner        `json:"winner,omitempty"`
}

// Accuracy counts answers for one question event.
type Accuracy struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// Stats is the operator dashboard summary.
type Stats struct {
	Players            int      `json:"players"`
	ClaimedCards       int      `json:"claimedCards"`
	Draws              int      `json:"draws"`
	Winners            int      `json:"winners"`
	AvailableQuestions int      `json:"availableQuestions"`
	ActiveQuestion     Accuracy `json:"activeQuestion"`
	NextQuestionAt     int      `json:"nextQuestionAt"`
	DrawsUntilQuestion int      `json:"drawsUntilQuestion"`
}

// LeaderboardEntry is a claimed card ranked by progress.
type LeaderboardEntry struct {
	CardCode        string `json:"cardCode"`
	OwnerID         string `json:"ownerId"`
	LinesComplete   int    `json:"linesComplete"`
	LinesOneAway    int    `json:"linesOneAway"`
	MaxLineProgress int    `json:"maxLineProgress"`
	CellsMarked     int    `json:"cellsMarked"`
}
