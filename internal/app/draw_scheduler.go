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

// QuestionBank loads question sets from a backing store (Postgres or static).
type QuestionBank interface {
	QuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error)
}

// DrawScheduler owns the draw history, the question event log and question selection.
// The set of asked questions is always derived from the event log.
type DrawScheduler struct {
	store   Store
	rnd     bingo.Rand
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDrawScheduler(store Store, rnd bingo.Rand, log *zap.Logger, m *metrics.Metrics) *DrawScheduler {
	if rnd == nil {
		rnd = bingo.NewTimeSeededRand()
	}
	return &DrawScheduler{store: store, rnd: rnd, log: logger.OrNop(log), metrics: m, now: time.Now}
}

// WithClock is test-only for deterministic timestamps.
func (s *DrawScheduler) WithClock(now func() time.Time) *DrawScheduler {
	s.now = now
	return s
}

func drawID(index int) string {
	return fmt.Sprintf("draw-%03d", index)
}

// Draws returns the draw history ordered by draw index.
func (s *DrawScheduler) Draws(ctx context.Context) ([]domain.Draw, error) {
	return listAs[domain.Draw](ctx, s.store, CollectionDraws, ListOptions{Sort: "drawIndex"})
}

// DrawnNumbers returns the drawn numbers in draw order.
func DrawnNumbers(draws []domain.Draw) []int {
	out := make([]int, len(draws))
	for i, d := range draws {
		out[i] = d.Number
	}
	return out
}

// DrawNext appends a draw after history with a number chosen uniformly among those
// not yet drawn. history is the stored draw history in draw order; both the next
// index and the remaining set are derived from it. Draw ids are derived from the
// index, so two draws for the same round cannot both be stored.
func (s *DrawScheduler) DrawNext(ctx context.Context, history []domain.Draw) (domain.Draw, error) {
	if len(history) >= domain.NumberCount {
		return domain.Draw{}, domain.ErrExhausted
	}

	used := make(map[int]struct{}, len(history))
	for _, d := range history {
		used[d.Number] = struct{}{}
	}
	remaining := make([]int, 0, domain.NumberCount-len(used))
	for n := domain.MinNumber; n <= domain.MaxNumber; n++ {
		if _, ok := used[n]; !ok {
			remaining = append(remaining, n)
		}
	}
	if len(remaining) == 0 {
		return domain.Draw{}, domain.ErrExhausted
	}

	index := len(history) + 1
	draw := domain.Draw{
		ID:        drawID(index),
		DrawIndex: index,
		Number:    remaining[s.rnd.Intn(len(remaining))],
		CreatedAt: s.now(),
	}
	created, err := createAs(ctx, s.store, CollectionDraws, draw.ID, draw)
	if err != nil {
		return domain.Draw{}, fmt.Errorf("create draw %d: %w", index, err)
	}
	s.metrics.IncDraws()
	s.log.Info("number drawn", zap.Int("drawIndex", created.DrawIndex), zap.Int("number", created.Number))
	return created, nil
}

// DueForQuestion reports whether the round at drawIndex asks a question.
func DueForQuestion(drawIndex, questionInterval int) bool {
	if questionInterval <= 0 {
		return false
	}
	return drawIndex%questionInterval == 0
}

// NextQuestionAt returns the draw index of the next question round after current.
func NextQuestionAt(currentDrawIndex, questionInterval int) int {
	if questionInterval <= 0 {
		return 0
	}
	return ((currentDrawIndex + questionInterval) / questionInterval) * questionInterval
}

// SelectQuestion picks among active questions whose id is not in asked, with
// probability proportional to weight. Candidates are walked in the given order,
// which callers keep as creation order. ok is false when no candidate remains.
func SelectQuestion(questions []domain.Question, asked map[string]struct{}, rnd bingo.Rand) (q domain.Question, ok bool) {
	candidates := make([]domain.Question, 0, len(questions))
	total := 0.0
	for _, q := range questions {
		if !q.Active {
			continue
		}
		if _, done := asked[q.ID]; done {
			continue
		}
		candidates = append(candidates, q)
		total += q.SelectionWeight()
	}
	if len(candidates) == 0 || total <= 0 {
		return domain.Question{}, false
	}

	remainder := rnd.Float64() * total
	for _, c := range candidates {
		remainder -= c.SelectionWeight()
		if remainder <= 0 {
			return c, true
		}
	}
	// Float rounding can leave a tiny positive remainder.
	return candidates[len(candidates)-1], true
}

// QuestionEvents returns the question event log in creation order.
func (s *DrawScheduler) QuestionEvents(ctx context.Context) ([]domain.QuestionEvent, error) {
	return listAs[domain.QuestionEvent](ctx, s.store, CollectionQuestionEvents, ListOptions{})
}

// AskedQuestionIDs derives the asked set from the event log.
func (s *DrawScheduler) AskedQuestionIDs(ctx context.Context) (map[string]struct{}, error) {
	events, err := s.QuestionEvents(ctx)
	if err != nil {
		return nil, err
	}
	asked := make(map[string]struct{}, len(events))
	for _, e := range events {
		asked[e.QuestionID] = struct{}{}
	}
	return asked, nil
}

// Questions lists every question in creation order.
func (s *DrawScheduler) Questions(ctx context.Context) ([]domain.Question, error) {
	return listAs[domain.Question](ctx, s.store, CollectionQuestions, ListOptions{})
}

// ActiveQuestions lists active questions in creation order.
func (s *DrawScheduler) ActiveQuestions(ctx context.Context) ([]domain.Question, error) {
	return listAs[domain.Question](ctx, s.store, CollectionQuestions, ListOptions{
		Filters: []FieldFilter{{Field: "active", Value: true}},
	})
}

// AvailableQuestionsCount counts active questions that were never asked.
func (s *DrawScheduler) AvailableQuestionsCount(ctx context.Context) (int, error) {
	questions, err := s.ActiveQuestions(ctx)
	if err != nil {
		return 0, err
	}
	asked, err := s.AskedQuestionIDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, q := range questions {
		if _, ok := asked[q.ID]; !ok {
			n++
		}
	}
	return n, nil
}

// NextQuestion selects the question for a due round, or ok=false to skip the round.
func (s *DrawScheduler) NextQuestion(ctx context.Context) (domain.Question, bool, error) {
	questions, err := s.ActiveQuestions(ctx)
	if err != nil {
		return domain.Question{}, false, err
	}
	asked, err := s.AskedQuestionIDs(ctx)
	if err != nil {
		return domain.Question{}, false, err
	}
	q, ok := SelectQuestion(questions, asked, s.rnd)
	return q, ok, nil
}

func questionEventID(questionID string) string {
	return "qe-" + questionID
}

// AskQuestion runs the question round of draw. The selected question is pinned on
// the draw before its event is recorded, so repeating the round for the same draw
// asks the same question and records one event. ok is false when no unasked
// active question remains.
func (s *DrawScheduler) AskQuestion(ctx context.Context, draw domain.Draw) (domain.QuestionEvent, domain.Question, bool, error) {
	if draw.QuestionID == "" {
		q, ok, err := s.NextQuestion(ctx)
		if err != nil || !ok {
			return domain.QuestionEvent{}, domain.Question{}, false, err
		}
		pinned, err := mutate(ctx, s.store, CollectionDraws, draw.ID, func(d *domain.Draw) error {
			if d.QuestionID != "" {
				return errNoChange
			}
			d.QuestionID = q.ID
			return nil
		})
		if err != nil {
			return domain.QuestionEvent{}, domain.Question{}, false, fmt.Errorf("pin question on draw %d: %w", draw.DrawIndex, err)
		}
		draw = pinned
	}

	event, q, err := s.QuestionEvent(ctx, questionEventID(draw.QuestionID))
	if err == nil {
		return event, q, true, nil
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		return event, q, false, err
	}
	event, err = s.RecordQuestionEvent(ctx, draw.DrawIndex, draw.QuestionID)
	if errors.Is(err, domain.ErrRecordExists) {
		event, q, err = s.QuestionEvent(ctx, questionEventID(draw.QuestionID))
		return event, q, err == nil, err
	}
	if err != nil {
		return event, domain.Question{}, false, err
	}
	q, err = getAs[domain.Question](ctx, s.store, CollectionQuestions, draw.QuestionID)
	if err != nil {
		return event, q, false, err
	}
	return event, q, true, nil
}

// QuestionEvent returns a recorded event and the question it asked.
func (s *DrawScheduler) QuestionEvent(ctx context.Context, eventID string) (domain.QuestionEvent, domain.Question, error) {
	event, err := getAs[domain.QuestionEvent](ctx, s.store, CollectionQuestionEvents, eventID)
	if err != nil {
		return domain.QuestionEvent{}, domain.Question{}, err
	}
	q, err := getAs[domain.Question](ctx, s.store, CollectionQuestions, event.QuestionID)
	if err != nil {
		return event, domain.Question{}, err
	}
	return event, q, nil
}

// AddQuestions stores questions in the given order, assigning ids where missing.
func (s *DrawScheduler) AddQuestions(ctx context.Context, questions []domain.Question) ([]domain.Question, error) {
	out := make([]domain.Question, 0, len(questions))
	for _, q := range questions {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = s.now()
		}
		created, err := createAs(ctx, s.store, CollectionQuestions, q.ID, q)
		if err != nil {
			return out, fmt.Errorf("create question %s: %w", q.ID, err)
		}
		out = append(out, created)
	}
	return out, nil
}

// ImportQuestions copies a question set from the bank into the game's questions.
func (s *DrawScheduler) ImportQuestions(ctx context.Context, bank QuestionBank, setID string) ([]domain.Question, error) {
	set, err := bank.QuestionSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	questions := make([]domain.Question, len(set.Questions))
	for i, q := range set.Questions {
		// Question ids are per game; the bank's ids may repeat across imports.
		q.ID = ""
		q.Version = 0
		questions[i] = q
	}
	created, err := s.AddQuestions(ctx, questions)
	if err != nil {
		return created, err
	}
	s.log.Info("questions imported", zap.String("set", setID), zap.Int("count", len(created)))
	return created, nil
}

// SetQuestionActive toggles whether a question can be selected. Past events for an
// inactive question still count as asked.
func (s *DrawScheduler) SetQuestionActive(ctx context.Context, questionID string, active bool) (domain.Question, error) {
	q, err := mutate(ctx, s.store, CollectionQuestions, questionID, func(q *domain.Question) error {
		if q.Active == active {
			return errNoChange
		}
		q.Active = active
		return nil
	})
	if errors.Is(err, domain.ErrRecordNotFound) {
		return q, fmt.Errorf("question %s: %w", questionID, err)
	}
	return q, err
}
