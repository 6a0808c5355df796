package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/domain"
	"github.com/google/uuid"
)

// Store is an in-process implementation of app.Store. Every mutation runs under
// one lock, so conditional updates are evaluated against the state at apply time
// and change events are queued in apply order.
type Store struct {
	mu          sync.RWMutex
	seq         int64
	collections map[string]map[string]app.Record
	refs        []app.Reference
	subscribers map[*subscriber]struct{}
}

// NewStore returns an empty store enforcing the given references on delete.
func NewStore(refs ...app.Reference) *Store {
	return &Store{
		collections: make(map[string]map[string]app.Record),
		refs:        refs,
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (s *Store) collectionLocked(name string) map[string]app.Record {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]app.Record)
		s.collections[name] = c
	}
	return c
}

func (s *Store) Create(ctx context.Context, collection, id string, data any) (app.Record, error) {
	if err := ctx.Err(); err != nil {
		return app.Record{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return app.Record{}, fmt.Errorf("encode %s: %w", collection, err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collectionLocked(collection)
	if _, ok := c[id]; ok {
		return app.Record{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordExists)
	}
	s.seq++
	rec := app.Record{Collection: collection, ID: id, Version: 1, Seq: s.seq, Data: raw}
	c[id] = rec
	s.publishLocked(app.ChangeEvent{Action: app.ActionCreate, Record: rec})
	return rec, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (app.Record, error) {
	if err := ctx.Err(); err != nil {
		return app.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[collection][id]
	if !ok {
		return app.Record{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (app.Record, error) {
	if err := ctx.Err(); err != nil {
		return app.Record{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return app.Record{}, fmt.Errorf("encode %s: %w", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collectionLocked(collection)
	cur, ok := c[id]
	if !ok {
		return app.Record{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if expectedVersion != app.AnyVersion && cur.Version != expectedVersion {
		return app.Record{}, fmt.Errorf("%s/%s at version %d, expected %d: %w", collection, id, cur.Version, expectedVersion, domain.ErrVersionConflict)
	}
	rec := app.Record{Collection: collection, ID: id, Version: cur.Version + 1, Seq: cur.Seq, Data: raw}
	c[id] = rec
	s.publishLocked(app.ChangeEvent{Action: app.ActionUpdate, Record: rec})
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collectionLocked(collection)
	rec, ok := c[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if err := s.checkReferencesLocked(collection, map[string]struct{}{id: {}}); err != nil {
		return err
	}
	delete(c, id)
	s.publishLocked(app.ChangeEvent{Action: app.ActionDelete, Record: rec})
	return nil
}

// Truncate deletes the whole collection or nothing: references are checked for
// every record before the first delete.
func (s *Store) Truncate(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collectionLocked(collection)
	if len(c) == 0 {
		return 0, nil
	}
	ids := make(map[string]struct{}, len(c))
	for id := range c {
		ids[id] = struct{}{}
	}
	if err := s.checkReferencesLocked(collection, ids); err != nil {
		return 0, err
	}
	for _, rec := range sortedBySeq(c) {
		delete(c, rec.ID)
		s.publishLocked(app.ChangeEvent{Action: app.ActionDelete, Record: rec})
	}
	return len(ids), nil
}

func (s *Store) checkReferencesLocked(collection string, ids map[string]struct{}) error {
	for _, ref := range s.refs {
		if ref.To != collection || ref.From == collection {
			continue
		}
		for _, rec := range s.collections[ref.From] {
			target := app.FieldString(rec, ref.Field)
			if target == "" {
				continue
			}
			if _, hit := ids[target]; hit {
				return fmt.Errorf("%s/%s referenced by %s/%s.%s: %w", collection, target, ref.From, rec.ID, ref.Field, domain.ErrReferenced)
			}
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string, opts app.ListOptions) ([]app.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := sortedBySeq(s.collections[collection])
	s.mu.RUnlock()
	return app.ApplyListOptions(records, opts)
}

func sortedBySeq(c map[string]app.Record) []app.Record {
	out := make([]app.Record, 0, len(c))
	for _, rec := range c {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Store) Subscribe(ctx context.Context, collection, id string) (<-chan app.ChangeEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := newSubscriber(collection, id)

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.out, cancel, nil
}

func (s *Store) publishLocked(event app.ChangeEvent) {
	for sub := range s.subscribers {
		if sub.wants(event) {
			sub.enqueue(event)
		}
	}
}

// subscriber buffers events without bound so publishers never block and nothing is
// dropped; a pump goroutine forwards them in order.
type subscriber struct {
	collection string
	id         string
	out        chan app.ChangeEvent
	notify     chan struct{}
	done       chan struct{}

	mu    sync.Mutex
	queue []app.ChangeEvent
}

func newSubscriber(collection, id string) *subscriber {
	return &subscriber{
		collection: collection,
		id:         id,
		out:        make(chan app.ChangeEvent, 16),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *subscriber) wants(event app.ChangeEvent) bool {
	if event.Record.Collection != s.collection {
		return false
	}
	return s.id == "" || s.id == event.Record.ID
}

func (s *subscriber) enqueue(event app.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, event := range batch {
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}
