// Package bingo holds the pure card logic: line enumeration, progress scoring,
// win detection, card generation and reward cell selection.
//
// All functions operate on a 25-cell row-major grid and a mark vector of the same
// length. Malformed input is reported as domain.ErrInvalidCardState.
package bingo

import (
	"fmt"
	"strconv"

	"bingo-event-service/internal/domain"
)

// LineKind identifies the family a line belongs to.
type LineKind string

const (
	Row  LineKind = "row"
	Col  LineKind = "col"
	Diag LineKind = "diag"
)

// Line is a fixed 5-cell index set.
type Line struct {
	Kind  LineKind
	Index int
	Cells [domain.GridSide]int
}

// ID returns the line identifier, e.g. "row0" or "diag1".
func (l Line) ID() string {
	return string(l.Kind) + strconv.Itoa(l.Index)
}

var lines = buildLines()

func buildLines() []Line {
	out := make([]Line, 0, 2*domain.GridSide+2)
	for i := 0; i < domain.GridSide; i++ {
		l := Line{Kind: Row, Index: i}
		for j := 0; j < domain.GridSide; j++ {
			l.Cells[j] = i*domain.GridSide + j
		}
		out = append(out, l)
	}
	for i := 0; i < domain.GridSide; i++ {
		l := Line{Kind: Col, Index: i}
		for j := 0; j < domain.GridSide; j++ {
			l.Cells[j] = i + j*domain.GridSide
		}
		out = append(out, l)
	}
	out = append(out,
		Line{Kind: Diag, Index: 0, Cells: [domain.GridSide]int{0, 6, 12, 18, 24}},
		Line{Kind: Diag, Index: 1, Cells: [domain.GridSide]int{4, 8, 12, 16, 20}},
	)
	return out
}

// Lines returns the 12 winning lines: 5 rows, 5 columns, 2 diagonals.
func Lines() []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}

func checkMarks(marks []bool) error {
	if len(marks) != domain.GridCells {
		return fmt.Errorf("%w: %d marks, want %d", domain.ErrInvalidCardState, len(marks), domain.GridCells)
	}
	return nil
}

// Validate checks the grid/mark pair shape and the center invariant.
func Validate(grid []domain.Cell, marks []bool) error {
	if len(grid) != domain.GridCells {
		return fmt.Errorf("%w: %d cells, want %d", domain.ErrInvalidCardState, len(grid), domain.GridCells)
	}
	if err := checkMarks(marks); err != nil {
		return err
	}
	if !grid[domain.CenterIndex].IsFree() || !marks[domain.CenterIndex] {
		return fmt.Errorf("%w: center cell must be a marked FREE cell", domain.ErrInvalidCardState)
	}
	return nil
}

func countLine(marks []bool, l Line) int {
	n := 0
	for _, idx := range l.Cells {
		if marks[idx] {
			n++
		}
	}
	return n
}

// ComputeProgress scores every line of the mark vector.
func ComputeProgress(marks []bool) (domain.Progress, error) {
	var p domain.Progress
	if err := checkMarks(marks); err != nil {
		return p, err
	}
	for _, l := range lines {
		n := countLine(marks, l)
		switch l.Kind {
		case Row:
			p.Row[l.Index] = n
		case Col:
			p.Col[l.Index] = n
		case Diag:
			p.Diag[l.Index] = n
		}
		switch n {
		case domain.GridSide:
			p.LinesComplete++
		case domain.GridSide - 1:
			p.LinesOneAway++
		}
		if n > p.MaxLineProgress {
			p.MaxLineProgress = n
		}
	}
	return p, nil
}

// HasWon reports whether any line is fully marked.
func HasWon(marks []bool) (bool, error) {
	if err := checkMarks(marks); err != nil {
		return false, err
	}
	for _, l := range lines {
		if countLine(marks, l) == domain.GridSide {
			return true, nil
		}
	}
	return false, nil
}

// CompletedLines lists the ids of all fully marked lines in enumeration order.
func CompletedLines(marks []bool) ([]string, error) {
	if err := checkMarks(marks); err != nil {
		return nil, err
	}
	var out []string
	for _, l := range lines {
		if countLine(marks, l) == domain.GridSide {
			out = append(out, l.ID())
		}
	}
	return out, nil
}

// CountMarked returns the number of marked cells.
func CountMarked(marks []bool) int {
	n := 0
	for _, m := range marks {
		if m {
			n++
		}
	}
	return n
}

// Recompute refreshes every derived field of the card from its marks.
func Recompute(card *domain.Card) error {
	if err := Validate(card.Grid, card.Marks); err != nil {
		return err
	}
	p, err := ComputeProgress(card.Marks)
	if err != nil {
		return err
	}
	card.Progress = p
	card.LinesComplete = p.LinesComplete
	card.CellsMarked = CountMarked(card.Marks)
	return nil
}

// GenerateCard builds an unclaimed card with 24 distinct numbers in
// [MinNumber, MaxNumber] filled row-major around the FREE center.
func GenerateCard(code string, rnd Rand) domain.Card {
	grid := make([]domain.Cell, domain.GridCells)
	used := make(map[int]struct{}, domain.GridCells-1)
	for i := range grid {
		if i == domain.CenterIndex {
			grid[i] = domain.Free
			continue
		}
		n := domain.MinNumber + rnd.Intn(domain.NumberCount)
		for {
			if _, taken := used[n]; !taken {
				break
			}
			n = domain.MinNumber + rnd.Intn(domain.NumberCount)
		}
		used[n] = struct{}{}
		grid[i] = domain.Cell(n)
	}

	marks := make([]bool, domain.GridCells)
	marks[domain.CenterIndex] = true

	card := domain.Card{Code: code, Grid: grid, Marks: marks}
	// A fresh grid always satisfies Validate.
	_ = Recompute(&card)
	return card
}

// PickGrantableCell picks uniformly among unmarked, non-FREE cells. ok is false when
// no such cell exists.
func PickGrantableCell(grid []domain.Cell, marks []bool, rnd Rand) (index int, ok bool, err error) {
	if len(grid) != domain.GridCells {
		return 0, false, fmt.Errorf("%w: %d cells, want %d", domain.ErrInvalidCardState, len(grid), domain.GridCells)
	}
	if err := checkMarks(marks); err != nil {
		return 0, false, err
	}
	candidates := make([]int, 0, domain.GridCells)
	for i := range grid {
		if !marks[i] && !grid[i].IsFree() {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false, nil
	}
	return candidates[rnd.Intn(len(candidates))], true, nil
}
