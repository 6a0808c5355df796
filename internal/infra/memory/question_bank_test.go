package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bingo-event-service/internal/domain"
)

func TestQuestionBankCaches(t *testing.T) {
	loader := &countingLoader{
		QuestionLoader: NewStaticQuestionLoader(map[string]domain.QuestionSet{
			"general": sampleSet(),
		}),
	}
	bank := NewQuestionBank(loader, time.Minute)

	if _, err := bank.QuestionSet(context.Background(), "general"); err != nil {
		t.Fatalf("get set: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader once, got %d", loader.count())
	}

	if _, err := bank.QuestionSet(context.Background(), "general"); err != nil {
		t.Fatalf("get set 2: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.count())
	}
}

func TestQuestionBankReloadsAfterExpiry(t *testing.T) {
	loader := &countingLoader{
		QuestionLoader: NewStaticQuestionLoader(map[string]domain.QuestionSet{
			"general": sampleSet(),
		}),
	}
	bank := NewQuestionBank(loader, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bank.clock = func() time.Time { return now }

	_, _ = bank.QuestionSet(context.Background(), "general")
	now = now.Add(2 * time.Minute)
	_, _ = bank.QuestionSet(context.Background(), "general")
	if loader.count() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.count())
	}
}

func TestQuestionBankReturnsCopies(t *testing.T) {
	bank := NewQuestionBank(NewStaticQuestionLoader(map[string]domain.QuestionSet{
		"general": sampleSet(),
	}), time.Minute)

	first, err := bank.QuestionSet(context.Background(), "general")
	if err != nil {
		t.Fatalf("get set: %v", err)
	}
	first.Questions[0].ID = ""
	first.Questions[0].Choices[0] = "changed"

	second, _ := bank.QuestionSet(context.Background(), "general")
	if second.Questions[0].ID != "q1" || second.Questions[0].Choices[0] != "3" {
		t.Fatalf("cached set was mutated: %+v", second.Questions[0])
	}
}

func TestQuestionBankCollapsesConcurrentLoads(t *testing.T) {
	loader := &countingLoader{
		QuestionLoader: NewStaticQuestionLoader(map[string]domain.QuestionSet{
			"general": sampleSet(),
		}),
		delay: 20 * time.Millisecond,
	}
	bank := NewQuestionBank(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = bank.QuestionSet(context.Background(), "general")
		}()
	}
	wg.Wait()
	if loader.count() != 1 {
		t.Fatalf("expected a single load, got %d", loader.count())
	}
}

func TestQuestionBankMissingSet(t *testing.T) {
	bank := NewQuestionBank(NewStaticQuestionLoader(nil), time.Minute)
	if _, err := bank.QuestionSet(context.Background(), "nope"); !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected ErrQuestionSetNotFound, got %v", err)
	}
}

type countingLoader struct {
	QuestionLoader
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.QuestionLoader.LoadQuestionSet(ctx, setID)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleSet() domain.QuestionSet {
	return domain.QuestionSet{
		ID: "general",
		Questions: []domain.Question{
			{
				ID:                 "q1",
				Text:               "What is 2 + 2?",
				Choices:            []string{"3", "4"},
				CorrectChoiceIndex: 1,
				Weight:             1,
				Active:             true,
			},
		},
	}
}
