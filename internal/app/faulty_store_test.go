package app_test

import (
	"context"
	"errors"
	"sync"

	"bingo-event-service/internal/app"
)

var errTransient = errors.New("transient store failure")

// faultyStore fails selected writes of a wrapped store.
type faultyStore struct {
	app.Store

	mu       sync.Mutex
	failures map[string]int
	// afterCreate runs after each successful create.
	afterCreate func(collection string)
}

func newFaultyStore(inner app.Store) *faultyStore {
	return &faultyStore{Store: inner, failures: map[string]int{}}
}

// failNext makes the next n calls of op ("create" or "update") on collection
// fail with errTransient. n == 0 clears the fault.
func (s *faultyStore) failNext(op, collection string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+":"+collection] = n
}

func (s *faultyStore) fail(op, collection string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + ":" + collection
	if s.failures[key] == 0 {
		return false
	}
	s.failures[key]--
	return true
}

func (s *faultyStore) Create(ctx context.Context, collection, id string, data any) (app.Record, error) {
	if s.fail("create", collection) {
		return app.Record{}, errTransient
	}
	rec, err := s.Store.Create(ctx, collection, id, data)
	if err == nil && s.afterCreate != nil {
		s.afterCreate(collection)
	}
	return rec, err
}

func (s *faultyStore) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (app.Record, error) {
	if s.fail("update", collection) {
		return app.Record{}, errTransient
	}
	return s.Store.Update(ctx, collection, id, expectedVersion, data)
}
