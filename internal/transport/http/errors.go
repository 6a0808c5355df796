package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"bingo-event-service/internal/domain"
)

var (
	notFoundErrors = []error{
		domain.ErrPlayerNotFound,
		domain.ErrCardNotFound,
		domain.ErrQuestionSetNotFound,
		domain.ErrRecordNotFound,
	}
	conflictErrors = []error{
		domain.ErrAlreadyClaimed,
		domain.ErrAlreadyMarked,
		domain.ErrAlreadyAnswered,
		domain.ErrPlayerHasCard,
		domain.ErrGameNotIdle,
		domain.ErrGameNotRunning,
		domain.ErrGameInProgress,
		domain.ErrNumbersExhausted,
		domain.ErrExhausted,
		domain.ErrRecordExists,
		domain.ErrVersionConflict,
		domain.ErrReferenced,
	}
	ruleErrors = []error{
		domain.ErrInvalidCell,
		domain.ErrNumberNotDrawn,
		domain.ErrStaleNumber,
		domain.ErrInvalidChoice,
		domain.ErrNoActiveQuestion,
		domain.ErrNoCard,
		domain.ErrNotCardOwner,
	}
)

// statusFor maps domain errors onto HTTP status codes. Malformed card state and
// store failures fall through to 500.
func statusFor(err error) int {
	switch {
	case matchesAny(err, notFoundErrors):
		return http.StatusNotFound
	case matchesAny(err, conflictErrors):
		return http.StatusConflict
	case matchesAny(err, ruleErrors):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type errorPayload struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func newErrorPayload(err error) errorPayload {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	return errorPayload{Message: msg, Status: status}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	payload := newErrorPayload(err)
	writeJSON(w, payload.Status, payload)
}
