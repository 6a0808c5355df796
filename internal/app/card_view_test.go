package app_test

import (
	"testing"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/domain"
)

func viewCard(version int64, marked ...int) domain.Card {
	marks := make([]bool, domain.GridCells)
	marks[domain.CenterIndex] = true
	for _, idx := range marked {
		marks[idx] = true
	}
	return domain.Card{Code: "CARD-001", Version: version, Grid: sequentialGrid(), Marks: marks}
}

func TestCardViewProvisionalMarks(t *testing.T) {
	view := app.NewCardView()
	if view.MarkProvisional(0) {
		t.Fatalf("marking without a card should fail")
	}

	view.Confirm(viewCard(1))
	if !view.MarkProvisional(3) {
		t.Fatalf("expected provisional mark")
	}
	if view.MarkProvisional(3) || view.MarkProvisional(domain.CenterIndex) {
		t.Fatalf("duplicate or confirmed cell accepted")
	}
	if !view.Marks()[3] || !view.Pending(3) {
		t.Fatalf("provisional mark not visible")
	}

	view.Confirm(viewCard(2, 3))
	if view.Pending(3) {
		t.Fatalf("confirmed mark still pending")
	}
	if !view.Marks()[3] {
		t.Fatalf("confirmed mark lost")
	}
}

func TestCardViewRejectAndStaleSnapshots(t *testing.T) {
	view := app.NewCardView()
	view.Confirm(viewCard(5))
	view.MarkProvisional(7)
	view.Reject(7)
	if view.Marks()[7] || view.Pending(7) {
		t.Fatalf("rejected mark still visible")
	}

	view.Confirm(viewCard(6, 1))
	if view.Confirm(viewCard(4)) {
		t.Fatalf("older snapshot accepted")
	}
	card, ok := view.Card()
	if !ok || card.Version != 6 || !card.Marks[1] {
		t.Fatalf("unexpected confirmed card: %+v", card)
	}
}
