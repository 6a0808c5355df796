package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bingo-event-service/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

const (
	maxCASAttempts = 5
	maxReadRetries = 3
)

// errNoChange lets a mutate callback accept the current state without writing.
var errNoChange = errors.New("no change")

// readWithRetry retries idempotent calls on transient store failures. Domain
// outcomes such as a missing or existing record are returned immediately.
func readWithRetry[T any](ctx context.Context, read func() (T, error)) (T, error) {
	var out T
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second

	op := func() error {
		v, err := read()
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxReadRetries), ctx))
	return out, err
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrRecordNotFound) ||
		errors.Is(err, domain.ErrRecordExists) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrInvalidCardState)
}

// createWithRetry creates a record whose id is deterministic, so a retry after a
// lost reply surfaces as ErrRecordExists rather than a duplicate.
func createWithRetry[T any](ctx context.Context, store Store, collection, id string, v T) (T, error) {
	return readWithRetry(ctx, func() (T, error) {
		return createAs(ctx, store, collection, id, v)
	})
}

// mutate applies fn to the latest stored version of a record and writes it back
// with a compare-and-swap. On a version conflict the record is re-read and fn is
// re-evaluated, so business rules are always checked against authoritative state.
// Returned values are the state after the write (or the unchanged state when fn
// returns errNoChange).
func mutate[T any](ctx context.Context, store Store, collection, id string, fn func(*T) error) (T, error) {
	var zero T
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := readWithRetry(ctx, func() (Record, error) {
			return store.Get(ctx, collection, id)
		})
		if err != nil {
			return zero, err
		}
		current, err := decode[T](rec)
		if err != nil {
			return zero, err
		}
		if err := fn(&current); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return zero, err
		}
		updated, err := store.Update(ctx, collection, id, rec.Version, current)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return zero, err
		}
		return decode[T](updated)
	}
	return zero, fmt.Errorf("%s/%s: %w after %d attempts", collection, id, domain.ErrVersionConflict, maxCASAttempts)
}
