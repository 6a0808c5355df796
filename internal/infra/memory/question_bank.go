package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"bingo-event-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// QuestionLoader fetches question sets from a backing store (e.g. Postgres).
type QuestionLoader interface {
	LoadQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error)
}

// QuestionBank caches question sets with a TTL to avoid repeated DB hits.
type QuestionBank struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedSet
}

type cachedSet struct {
	set       domain.QuestionSet
	expiresAt time.Time
}

func NewQuestionBank(loader QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSet),
	}
}

// QuestionSet returns a copy of the set so callers can rewrite ids freely.
func (b *QuestionBank) QuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error) {
	if set, ok := b.cached(setID); ok {
		return cloneSet(set), nil
	}

	result, err, _ := b.sf.Do(setID, func() (interface{}, error) {
		if set, ok := b.cached(setID); ok {
			return set, nil
		}
		set, err := b.loader.LoadQuestionSet(ctx, setID)
		if err != nil {
			return domain.QuestionSet{}, err
		}

		b.mu.Lock()
		b.cache[setID] = cachedSet{
			set:       set,
			expiresAt: b.clock().Add(b.ttlWithJitterLocked()),
		}
		b.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return domain.QuestionSet{}, err
	}
	return cloneSet(result.(domain.QuestionSet)), nil
}

func (b *QuestionBank) cached(setID string) (domain.QuestionSet, bool) {
	now := b.clock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[setID]
	if !ok || !entry.expiresAt.After(now) {
		return domain.QuestionSet{}, false
	}
	return entry.set, true
}

func (b *QuestionBank) ttlWithJitterLocked() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(b.ttl) / 10
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}

func cloneSet(set domain.QuestionSet) domain.QuestionSet {
	out := domain.QuestionSet{ID: set.ID, Questions: make([]domain.Question, len(set.Questions))}
	for i, q := range set.Questions {
		q.Choices = append([]string(nil), q.Choices...)
		out.Questions[i] = q
	}
	return out
}

// StaticQuestionLoader serves sets from a map (tests, demos and the seed command).
type StaticQuestionLoader struct {
	sets map[string]domain.QuestionSet
}

func NewStaticQuestionLoader(sets map[string]domain.QuestionSet) *StaticQuestionLoader {
	return &StaticQuestionLoader{sets: sets}
}

func (l *StaticQuestionLoader) LoadQuestionSet(_ context.Context, setID string) (domain.QuestionSet, error) {
	if set, ok := l.sets[setID]; ok {
		return set, nil
	}
	return domain.QuestionSet{}, domain.ErrQuestionSetNotFound
}
