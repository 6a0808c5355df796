package domain

import "errors"

var (
	// ErrInvalidCardState indicates a malformed grid or mark vector. It points at a
	// data-integrity bug and is never recovered silently.
	ErrInvalidCardState = errors.New("invalid card state")

	// ErrAlreadyClaimed is returned when the card is owned by another player.
	ErrAlreadyClaimed = errors.New("card already claimed")
	// ErrAlreadyMarked is returned when the target cell is already marked.
	ErrAlreadyMarked = errors.New("cell already marked")
	// ErrAlreadyAnswered is returned for a second submission to the same question event.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrInvalidCell is returned for the FREE cell or an index outside the grid.
	ErrInvalidCell = errors.New("invalid cell")
	// ErrNumberNotDrawn is returned when the cell's number has not been drawn yet.
	ErrNumberNotDrawn = errors.New("number not drawn")
	// ErrStaleNumber is returned when the cell's number was drawn in an earlier round.
	ErrStaleNumber = errors.New("number drawn in an earlier round")
	// ErrInvalidChoice is returned when an answer index is outside the question's choices.
	ErrInvalidChoice = errors.New("invalid choice")

	// ErrGameNotRunning is returned when an operation requires a running game.
	ErrGameNotRunning = errors.New("game not running")
	// ErrGameNotIdle is returned when start is attempted outside the idle state.
	ErrGameNotIdle = errors.New("game not idle")
	// ErrGameInProgress is returned when cards or questions are removed mid-game.
	ErrGameInProgress = errors.New("game in progress")
	// ErrNumbersExhausted is returned by the coordinator once all numbers are drawn.
	ErrNumbersExhausted = errors.New("all numbers have been drawn")
	// ErrExhausted is returned by the draw scheduler when no numbers remain.
	ErrExhausted = errors.New("no numbers left to draw")
	// ErrNoActiveQuestion is returned when answering outside a question round.
	ErrNoActiveQuestion = errors.New("no active question")

	ErrPlayerNotFound = errors.New("player not found")
	ErrCardNotFound   = errors.New("card not found")
	// ErrPlayerHasCard is returned when a player who already owns a card claims another.
	ErrPlayerHasCard = errors.New("player already has a card")
	// ErrNoCard is returned when a player without a card tries to mark.
	ErrNoCard = errors.New("player has no card")
	// ErrNotCardOwner is returned when a player marks a card they do not own.
	ErrNotCardOwner = errors.New("card owned by another player")
	// ErrQuestionSetNotFound indicates the question bank has no such set.
	ErrQuestionSetNotFound = errors.New("question set not found")

	// Gateway errors.
	ErrRecordNotFound  = errors.New("record not found")
	ErrRecordExists    = errors.New("record already exists")
	ErrVersionConflict = errors.New("record version conflict")
	// ErrReferenced is returned when deleting a record another record still points at.
	ErrReferenced = errors.New("record is still referenced")
)

var userFacing = []error{
	ErrAlreadyClaimed,
	ErrAlreadyMarked,
	ErrAlreadyAnswered,
	ErrInvalidCell,
	ErrNumberNotDrawn,
	ErrStaleNumber,
	ErrInvalidChoice,
	ErrPlayerHasCard,
	ErrNoCard,
	ErrNotCardOwner,
	ErrNoActiveQuestion,
}

var stateViolations = []error{
	ErrGameNotRunning,
	ErrGameNotIdle,
	ErrGameInProgress,
	ErrNumbersExhausted,
	ErrExhausted,
}

// IsUserFacing reports whether err is an expected player condition that should be
// surfaced as a friendly message rather than logged as a failure.
func IsUserFacing(err error) bool {
	return matchesAny(err, userFacing)
}

// IsStateViolation reports whether err is a game state-machine precondition failure.
func IsStateViolation(err error) bool {
	return matchesAny(err, stateViolations)
}

func matchesAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
