package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Collections persisted through the gateway.
const (
	CollectionGame           = "game"
	CollectionCards          = "cards"
	CollectionPlayers        = "players"
	CollectionDraws          = "draws"
	CollectionQuestions      = "questions"
	CollectionQuestionEvents = "questionEvents"
	CollectionAnswers        = "questionAnswers"
	CollectionWinners        = "winners"
)

// AnyVersion disables the compare-and-swap check on Update (last write wins).
const AnyVersion int64 = -1

// Action is the kind of change carried by a ChangeEvent.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Record is a stored document. Version starts at 1 and increments on each update;
// Seq is the creation order within the store.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	Seq        int64           `json:"seq"`
	Data       json.RawMessage `json:"data"`
}

// ChangeEvent is pushed to subscribers after a mutation is applied.
type ChangeEvent struct {
	Action Action `json:"action"`
	Record Record `json:"record"`
}

// FieldFilter matches records whose top-level JSON field equals Value.
type FieldFilter struct {
	Field string
	Value any
}

// ListOptions narrows and orders a full-list fetch. Sort names a top-level field,
// prefixed with "-" for descending; the default order is creation order.
type ListOptions struct {
	Filters []FieldFilter
	Sort    string
}

// Store is the persistence and change-notification collaborator. Update with an
// expected version other than AnyVersion is a conditional write evaluated against
// the store's state at apply time.
type Store interface {
	Create(ctx context.Context, collection, id string, data any) (Record, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (Record, error)
	Delete(ctx context.Context, collection, id string) error
	// Truncate deletes every record of a collection atomically and returns the count.
	Truncate(ctx context.Context, collection string) (int, error)
	List(ctx context.Context, collection string, opts ListOptions) ([]Record, error)
	// Subscribe streams changes for a whole collection (id == "") or one record.
	// Per-record delivery order matches apply order. The caller must invoke cancel.
	Subscribe(ctx context.Context, collection, id string) (<-chan ChangeEvent, func(), error)
}

// Reference declares that From.Field holds the id of a record in To. Stores that
// enforce referential integrity refuse to delete a referenced record.
type Reference struct {
	From  string
	Field string
	To    string
}

// DefaultReferences are the links between the bingo collections.
func DefaultReferences() []Reference {
	return []Reference{
		{From: CollectionGame, Field: "activeQuestionEventId", To: CollectionQuestionEvents},
		{From: CollectionAnswers, Field: "playerId", To: CollectionPlayers},
		{From: CollectionAnswers, Field: "questionEventId", To: CollectionQuestionEvents},
		{From: CollectionWinners, Field: "playerId", To: CollectionPlayers},
		{From: CollectionPlayers, Field: "cardCode", To: CollectionCards},
		{From: CollectionQuestionEvents, Field: "questionId", To: CollectionQuestions},
	}
}

// FieldString returns a top-level string field of a record, or "" when absent.
func FieldString(rec Record, field string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return ""
	}
	var s string
	if raw, ok := fields[field]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// ApplyListOptions filters and sorts records in place of a store query engine.
// Input is expected in creation order.
func ApplyListOptions(records []Record, opts ListOptions) ([]Record, error) {
	wanted := make([][]byte, len(opts.Filters))
	for i, f := range opts.Filters {
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		wanted[i] = raw
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if len(opts.Filters) > 0 {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(rec.Data, &fields); err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
			}
			if !matches(fields, opts.Filters, wanted) {
				continue
			}
		}
		out = append(out, rec)
	}

	if opts.Sort == "" {
		return out, nil
	}
	field, desc := strings.TrimPrefix(opts.Sort, "-"), strings.HasPrefix(opts.Sort, "-")
	keys := make(map[string]any, len(out))
	for _, rec := range out {
		var fields map[string]any
		_ = json.Unmarshal(rec.Data, &fields)
		keys[rec.ID] = fields[field]
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(keys[out[i].ID], keys[out[j].ID])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

func matches(fields map[string]json.RawMessage, filters []FieldFilter, wanted [][]byte) bool {
	for i, f := range filters {
		raw, ok := fields[f.Field]
		if !ok || !bytes.Equal(bytes.TrimSpace(raw), wanted[i]) {
			return false
		}
	}
	return true
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return 0
}

// decode turns a record into an entity. The record's id and version win over
// whatever the stored document carries.
func decode[T any](rec Record) (T, error) {
	var out T
	if err := json.Unmarshal(rec.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	meta, _ := json.Marshal(struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}{rec.ID, rec.Version})
	if err := json.Unmarshal(meta, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s meta: %w", rec.Collection, rec.ID, err)
	}
	return out, nil
}

// DecodeRecord decodes a change event or listed record into an entity.
func DecodeRecord[T any](rec Record) (T, error) {
	return decode[T](rec)
}

func getAs[T any](ctx context.Context, store Store, collection, id string) (T, error) {
	var zero T
	rec, err := readWithRetry(ctx, func() (Record, error) {
		return store.Get(ctx, collection, id)
	})
	if err != nil {
		return zero, err
	}
	return decode[T](rec)
}

func listAs[T any](ctx context.Context, store Store, collection string, opts ListOptions) ([]T, error) {
	recs, err := readWithRetry(ctx, func() ([]Record, error) {
		return store.List(ctx, collection, opts)
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func createAs[T any](ctx context.Context, store Store, collection, id string, v T) (T, error) {
	rec, err := store.Create(ctx, collection, id, v)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](rec)
}

func timePtr(t time.Time) *time.Time { return &t }
