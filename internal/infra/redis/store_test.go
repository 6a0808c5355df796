package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/domain"
	miniredis "github.com/alicebob/miniredis/v2"
)

type doc struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewStore(newClient(mr)), mr
}

func TestStoreCreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	rec, err := s.Create(ctx, "docs", "a", doc{Name: "alpha"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Version != 1 || rec.Seq != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if mr.HGet("bingo:{docs}:data", "a") == "" {
		t.Fatalf("expected document in the collection hash")
	}
	if _, err := s.Create(ctx, "docs", "a", doc{}); !errors.Is(err, domain.ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}

	got, err := s.Get(ctx, "docs", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || app.FieldString(got, "name") != "alpha" {
		t.Fatalf("unexpected get: %+v", got)
	}

	updated, err := s.Update(ctx, "docs", "a", 1, doc{Name: "beta"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Seq != 1 {
		t.Fatalf("unexpected update: %+v", updated)
	}
	if _, err := s.Update(ctx, "docs", "a", 1, doc{Name: "stale"}); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := s.Update(ctx, "docs", "a", app.AnyVersion, doc{Name: "lww"}); err != nil {
		t.Fatalf("unconditional update: %v", err)
	}
	if _, err := s.Update(ctx, "docs", "zzz", app.AnyVersion, doc{}); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound on update, got %v", err)
	}

	if err := s.Delete(ctx, "docs", "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "docs", "a"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "docs", "a"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound deleting twice, got %v", err)
	}
}

func TestStoreListAndTruncate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, _ = s.Create(ctx, "docs", "c", doc{Name: "c", Score: 2})
	_, _ = s.Create(ctx, "docs", "a", doc{Name: "a", Score: 3})
	_, _ = s.Create(ctx, "docs", "b", doc{Name: "b", Score: 1})

	recs, err := s.List(ctx, "docs", app.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := ids(recs); got != "cab" {
		t.Fatalf("expected creation order cab, got %s", got)
	}
	recs, _ = s.List(ctx, "docs", app.ListOptions{Sort: "-score"})
	if got := ids(recs); got != "acb" {
		t.Fatalf("expected score desc acb, got %s", got)
	}
	recs, _ = s.List(ctx, "docs", app.ListOptions{Filters: []app.FieldFilter{{Field: "name", Value: "b"}}})
	if got := ids(recs); got != "b" {
		t.Fatalf("expected filter to match b, got %s", got)
	}

	n, err := s.Truncate(ctx, "docs")
	if err != nil || n != 3 {
		t.Fatalf("truncate: n=%d err=%v", n, err)
	}
	recs, _ = s.List(ctx, "docs", app.ListOptions{})
	if len(recs) != 0 {
		t.Fatalf("expected empty collection, got %d", len(recs))
	}
	if n, err := s.Truncate(ctx, "docs"); err != nil || n != 0 {
		t.Fatalf("truncate empty: n=%d err=%v", n, err)
	}
}

func TestStoreSubscribeRecordInOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, _ = s.Create(ctx, "docs", "a", doc{})

	events, cancel, err := s.Subscribe(ctx, "docs", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := 1; i <= 20; i++ {
		if _, err := s.Update(ctx, "docs", "a", app.AnyVersion, doc{Score: i}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		_, _ = s.Create(ctx, "docs", "", doc{})
	}
	_ = s.Delete(ctx, "docs", "a")

	for want := int64(2); want <= 21; want++ {
		select {
		case ev := <-events:
			if ev.Action != app.ActionUpdate || ev.Record.ID != "a" || ev.Record.Version != want {
				t.Fatalf("expected update a@%d, got %s %s@%d", want, ev.Action, ev.Record.ID, ev.Record.Version)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for version %d", want)
		}
	}
	select {
	case ev := <-events:
		if ev.Action != app.ActionDelete || ev.Record.ID != "a" {
			t.Fatalf("expected delete of a, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delete")
	}
}

func TestStoreSubscribeTruncate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, _ = s.Create(ctx, "docs", "a", doc{Name: "a"})
	_, _ = s.Create(ctx, "docs", "b", doc{Name: "b"})

	events, cancel, err := s.Subscribe(ctx, "docs", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if _, err := s.Truncate(ctx, "docs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Action != app.ActionDelete || app.FieldString(ev.Record, "name") != ev.Record.ID {
				t.Fatalf("unexpected event: %+v", ev)
			}
			seen[ev.Record.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for truncate events, saw %v", seen)
		}
	}
}

func TestStoreSubscribeReplaysStateAfterReconnect(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	_, _ = s.Create(ctx, "docs", "a", doc{Name: "a"})

	events, cancel, err := s.Subscribe(ctx, "docs", "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// A write that skips the publishing scripts is never announced; the
	// subscriber only learns about it from the replay after reconnecting.
	mr.HSet(dataKey("docs"), "a", `{"name":"a","score":7}`)
	mr.Close()
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("subscription closed on reconnect")
			}
			var d doc
			if err := json.Unmarshal(ev.Record.Data, &d); err != nil {
				t.Fatalf("decode replay: %v", err)
			}
			if ev.Action == app.ActionUpdate && ev.Record.ID == "a" && d.Score == 7 {
				return
			}
		case <-deadline:
			t.Fatalf("no replay after reconnect")
		}
	}
}

func ids(recs []app.Record) string {
	out := ""
	for _, r := range recs {
		out += r.ID
	}
	return out
}
