package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bingo-event-service/internal/app"
	"bingo-event-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed app.Store. Each collection lives in three hashes sharing
// a hash tag (document, version, creation sequence), so every mutation is a single
// Lua script on one slot. Scripts publish their change before returning, which
// keeps notification order equal to apply order.
//
// Keys:
//
//	bingo:{<collection>}:data  id -> JSON document
//	bingo:{<collection>}:ver   id -> version
//	bingo:{<collection>}:seq   id -> creation sequence
//	bingo:{<collection>}:next  sequence counter
//
// Changes go to channel bingo:changes:<collection> as
// "<action>\n<id>\n<version>\n<seq>\n<json>".
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

const (
	replyNotFound = "NOTFOUND"
	replyExists   = "EXISTS"
	replyConflict = "CONFLICT"
)

var createScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return redis.error_reply('EXISTS')
end
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], 1)
redis.call('HSET', KEYS[3], ARGV[1], seq)
redis.call('PUBLISH', ARGV[3], 'create\n' .. ARGV[1] .. '\n1\n' .. seq .. '\n' .. ARGV[2])
return {1, seq}
`)

var updateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if not cur then
  return redis.error_reply('NOTFOUND')
end
cur = tonumber(cur)
local expected = tonumber(ARGV[2])
if expected >= 0 and cur ~= expected then
  return redis.error_reply('CONFLICT')
end
local ver = cur + 1
local seq = tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or 0)
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ver)
redis.call('PUBLISH', ARGV[4], 'update\n' .. ARGV[1] .. '\n' .. ver .. '\n' .. seq .. '\n' .. ARGV[3])
return {ver, seq}
`)

var deleteScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], ARGV[1])
if not data then
  return redis.error_reply('NOTFOUND')
end
local ver = redis.call('HGET', KEYS[2], ARGV[1]) or '0'
local seq = redis.call('HGET', KEYS[3], ARGV[1]) or '0'
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('PUBLISH', ARGV[2], 'delete\n' .. ARGV[1] .. '\n' .. ver .. '\n' .. seq .. '\n' .. data)
return 1
`)

var truncateScript = redis.NewScript(`
local ids = redis.call('HKEYS', KEYS[1])
for _, id in ipairs(ids) do
  local data = redis.call('HGET', KEYS[1], id)
  local ver = redis.call('HGET', KEYS[2], id) or '0'
  local seq = redis.call('HGET', KEYS[3], id) or '0'
  redis.call('PUBLISH', ARGV[1], 'delete\n' .. id .. '\n' .. ver .. '\n' .. seq .. '\n' .. data)
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return #ids
`)

func keyPrefix(collection string) string { return "bingo:{" + collection + "}:" }

func dataKey(collection string) string { return keyPrefix(collection) + "data" }
func versionKey(collection string) string { return keyPrefix(collection) + "ver" }
func seqKey(collection string) string { return keyPrefix(collection) + "seq" }
func counterKey(collection string) string { return keyPrefix(collection) + "next" }

func channel(collection string) string { return "bingo:changes:" + collection }

// scriptError maps the scripts' error replies onto the store sentinels.
func scriptError(collection, id string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, replyNotFound):
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	case strings.Contains(msg, replyExists):
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordExists)
	case strings.Contains(msg, replyConflict):
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrVersionConflict)
	}
	return fmt.Errorf("%s/%s: %w", collection, id, err)
}

func versionAndSeq(res interface{}) (int64, int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	ver, _ := vals[0].(int64)
	seq, _ := vals[1].(int64)
	return ver, seq, nil
}

func (s *Store) Create(ctx context.Context, collection, id string, data any) (app.Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return app.Record{}, fmt.Errorf("encode %s: %w", collection, err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	keys := []string{dataKey(collection), versionKey(collection), seqKey(collection), counterKey(collection)}
	res, err := createScript.Run(ctx, s.client, keys, id, string(raw), channel(collection)).Result()
	if err != nil {
		return app.Record{}, scriptError(collection, id, err)
	}
	ver, seq, err := versionAndSeq(res)
	if err != nil {
		return app.Record{}, err
	}
	return app.Record{Collection: collection, ID: id, Version: ver, Seq: seq, Data: raw}, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (app.Record, error) {
	var data, ver, seq *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.HGet(ctx, dataKey(collection), id)
		ver = pipe.HGet(ctx, versionKey(collection), id)
		seq = pipe.HGet(ctx, seqKey(collection), id)
		return nil
	})
	if errors.Is(err, redis.Nil) || errors.Is(data.Err(), redis.Nil) {
		return app.Record{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return app.Record{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	version, _ := ver.Int64()
	sequence, _ := seq.Int64()
	return app.Record{
		Collection: collection,
		ID:         id,
		Version:    version,
		Seq:        sequence,
		Data:       json.RawMessage(data.Val()),
	}, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (app.Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return app.Record{}, fmt.Errorf("encode %s: %w", collection, err)
	}
	keys := []string{dataKey(collection), versionKey(collection), seqKey(collection)}
	res, err := updateScript.Run(ctx, s.client, keys, id, expectedVersion, string(raw), channel(collection)).Result()
	if err != nil {
		return app.Record{}, scriptError(collection, id, err)
	}
	ver, seq, err := versionAndSeq(res)
	if err != nil {
		return app.Record{}, err
	}
	return app.Record{Collection: collection, ID: id, Version: ver, Seq: seq, Data: raw}, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	keys := []string{dataKey(collection), versionKey(collection), seqKey(collection)}
	if err := deleteScript.Run(ctx, s.client, keys, id, channel(collection)).Err(); err != nil {
		return scriptError(collection, id, err)
	}
	return nil
}

func (s *Store) Truncate(ctx context.Context, collection string) (int, error) {
	keys := []string{dataKey(collection), versionKey(collection), seqKey(collection)}
	n, err := truncateScript.Run(ctx, s.client, keys, channel(collection)).Int()
	if err != nil {
		return 0, fmt.Errorf("truncate %s: %w", collection, err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, collection string, opts app.ListOptions) ([]app.Record, error) {
	var data, ver, seq *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.HGetAll(ctx, dataKey(collection))
		ver = pipe.HGetAll(ctx, versionKey(collection))
		seq = pipe.HGetAll(ctx, seqKey(collection))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	versions, seqs := ver.Val(), seq.Val()
	records := make([]app.Record, 0, len(data.Val()))
	for id, doc := range data.Val() {
		version, _ := strconv.ParseInt(versions[id], 10, 64)
		sequence, _ := strconv.ParseInt(seqs[id], 10, 64)
		records = append(records, app.Record{
			Collection: collection,
			ID:         id,
			Version:    version,
			Seq:        sequence,
			Data:       json.RawMessage(doc),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return app.ApplyListOptions(records, opts)
}

// Subscribe listens on the collection channel and filters by id locally. Redis
// pub/sub drops messages published while the connection is down, so after every
// reconnect the current state of the subscribed scope is replayed.
func (s *Store) Subscribe(ctx context.Context, collection, id string) (<-chan app.ChangeEvent, func(), error) {
	ps := s.client.Subscribe(ctx, channel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	out := make(chan app.ChangeEvent, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	emit := func(event app.ChangeEvent) bool {
		select {
		case out <- event:
			return true
		case <-done:
			return false
		case <-ctx.Done():
			cancel()
			return false
		}
	}

	msgs := ps.ChannelWithSubscriptions(redis.WithChannelSize(1024))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind != "subscribe" {
						continue
					}
					for _, event := range s.snapshot(ctx, collection, id) {
						if !emit(event) {
							return
						}
					}
				case *redis.Message:
					event, err := parseChange(collection, m.Payload)
					if err != nil || (id != "" && event.Record.ID != id) {
						continue
					}
					if !emit(event) {
						return
					}
				}
			}
		}
	}()
	return out, cancel, nil
}

// snapshot renders the current state of a subscription scope as change events.
// A subscribed record replays as an update, or a delete when it is gone; a
// collection replays every record as a create, so consumers dedupe creates by id.
func (s *Store) snapshot(ctx context.Context, collection, id string) []app.ChangeEvent {
	if id != "" {
		rec, err := s.Get(ctx, collection, id)
		switch {
		case err == nil:
			return []app.ChangeEvent{{Action: app.ActionUpdate, Record: rec}}
		case errors.Is(err, domain.ErrRecordNotFound):
			return []app.ChangeEvent{{Action: app.ActionDelete, Record: app.Record{Collection: collection, ID: id}}}
		}
		return nil
	}
	recs, err := s.List(ctx, collection, app.ListOptions{})
	if err != nil {
		return nil
	}
	events := make([]app.ChangeEvent, len(recs))
	for i, rec := range recs {
		events[i] = app.ChangeEvent{Action: app.ActionCreate, Record: rec}
	}
	return events
}

func parseChange(collection, payload string) (app.ChangeEvent, error) {
	parts := strings.SplitN(payload, "\n", 5)
	if len(parts) != 5 {
		return app.ChangeEvent{}, fmt.Errorf("malformed change on %s", collection)
	}
	version, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return app.ChangeEvent{}, fmt.Errorf("change version: %w", err)
	}
	seq, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return app.ChangeEvent{}, fmt.Errorf("change seq: %w", err)
	}
	return app.ChangeEvent{
		Action: app.Action(parts[0]),
		Record: app.Record{
			Collection: collection,
			ID:         parts[1],
			Version:    version,
			Seq:        seq,
			Data:       json.RawMessage(parts[4]),
		},
	}, nil
}
