package app

import (
	"sync"

	"bingo-event-service/internal/domain"
)

// CardView is a client-side mirror of one card. Marks requested by the player are
// provisional until an authoritative card snapshot confirms them or the store
// rejects the request.
type CardView struct {
	mu          sync.RWMutex
	confirmed   domain.Card
	hasCard     bool
	provisional map[int]struct{}
}

func NewCardView() *CardView {
	return &CardView{provisional: make(map[int]struct{})}
}

// Confirm installs an authoritative snapshot. Snapshots older than the current one
// are ignored; provisional marks the snapshot now carries are dropped.
func (v *CardView) Confirm(card domain.Card) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hasCard && v.confirmed.Code == card.Code && card.Version < v.confirmed.Version {
		return false
	}
	if v.hasCard && v.confirmed.Code != card.Code {
		v.provisional = make(map[int]struct{})
	}
	v.confirmed = card
	v.hasCard = true
	for idx := range v.provisional {
		if idx >= 0 && idx < len(card.Marks) && card.Marks[idx] {
			delete(v.provisional, idx)
		}
	}
	return true
}

// MarkProvisional records an optimistic mark. It returns false when the cell is
// already marked in either state.
func (v *CardView) MarkProvisional(idx int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasCard || idx < 0 || idx >= len(v.confirmed.Marks) || v.confirmed.Marks[idx] {
		return false
	}
	if _, ok := v.provisional[idx]; ok {
		return false
	}
	v.provisional[idx] = struct{}{}
	return true
}

// Reject reverts a provisional mark after the store refused it.
func (v *CardView) Reject(idx int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.provisional, idx)
}

// Card returns the last confirmed snapshot.
func (v *CardView) Card() (domain.Card, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.confirmed, v.hasCard
}

// Marks returns confirmed marks overlaid with provisional ones.
func (v *CardView) Marks() []bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]bool, len(v.confirmed.Marks))
	copy(out, v.confirmed.Marks)
	for idx := range v.provisional {
		if idx < len(out) {
			out[idx] = true
		}
	}
	return out
}

// Pending reports whether idx has an unconfirmed mark.
func (v *CardView) Pending(idx int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.provisional[idx]
	return ok
}
