package donneur

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisTxRetries = 10

// RedisStore keeps documents in Redis: one hash per document, a sorted set
// per collection ordered by creation time, and a Pub/Sub channel per
// collection carrying change notifications.
//
// Field values are stored JSON-encoded. Counters are plain integers so
// increments run as HINCRBY on the server.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key. The default is "donneur:".
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "donneur:", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *RedisStore) docKey(ref DocRef) string { return s.prefix + "doc:" + ref.Path() }

func (s *RedisStore) indexKey(collection string) string { return s.prefix + "idx:" + collection }

func (s *RedisStore) channel(collection string) string { return s.prefix + "changes:" + collection }

// ── reads ──

func (s *RedisStore) Get(ctx context.Context, ref DocRef) (*Document, error) {
	raw, err := s.rdb.HGetAll(ctx, s.docKey(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref.Path(), err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return &Document{ID: ref.ID, Fields: decodeHash(raw)}, nil
}

func (s *RedisStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	stop := int64(-1)
	if q.Limit > 0 {
		stop = int64(q.Limit - 1)
	}
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(collection), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.docKey(Ref(collection, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(ids))
	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		docs = append(docs, Document{ID: ids[i], Fields: decodeHash(raw)})
	}
	return docs, nil
}

// ── writes ──

func (s *RedisStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	ref := Ref(collection, id)
	doc := copyFields(fields)
	resolveServerTimestamps(doc, s.now())
	hash, err := encodeHash(doc)
	if err != nil {
		return "", err
	}
	created := timeOr(doc, FieldCreatedAt)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.docKey(ref), hash)
		pipe.ZAdd(ctx, s.indexKey(collection), redis.Z{Score: float64(created.UnixMicro()), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	s.publish(ctx, collection, Change{Kind: ChangeAdded, Doc: Document{ID: id, Fields: decodeHash(stringHash(hash))}})
	return id, nil
}

// Update applies every update atomically. Array operations read the current
// value under WATCH and retry when another writer got there first.
func (s *RedisStore) Update(ctx context.Context, ref DocRef, updates ...FieldUpdate) error {
	key := s.docKey(ref)
	now := s.now()

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		arrays := Fields{}
		for _, u := range updates {
			if u.Op != OpArrayUnion && u.Op != OpArrayRemove {
				continue
			}
			if _, seen := arrays[u.Field]; seen {
				continue
			}
			raw, err := tx.HGet(ctx, key, u.Field).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			arrays[u.Field] = decodeValue(raw)
		}

		sets := map[string]any{}
		incrs := map[string]int64{}
		for _, u := range updates {
			switch u.Op {
			case OpSet:
				v := u.Value
				if _, ok := v.(serverTimestamp); ok {
					v = now
				}
				sets[u.Field] = v
			case OpIncrement:
				incrs[u.Field] += u.Delta
			case OpArrayUnion, OpArrayRemove:
				applyUpdate(arrays, u, now)
				sets[u.Field] = arrays[u.Field]
			}
		}
		hash, err := encodeHash(sets)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(hash) > 0 {
				pipe.HSet(ctx, key, hash)
			}
			for field, delta := range incrs {
				pipe.HIncrBy(ctx, key, field, delta)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < redisTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.logger.Debug("redis_update_conflict", zap.String("doc", ref.Path()), zap.Int("attempt", i+1))
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update %s: %w", ref.Path(), err)
	}

	if doc, err := s.Get(ctx, ref); err == nil {
		s.publish(ctx, ref.Collection, Change{Kind: ChangeModified, Doc: *doc})
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ref DocRef) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.docKey(ref))
		pipe.ZRem(ctx, s.indexKey(ref.Collection), ref.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref.Path(), err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	s.publish(ctx, ref.Collection, Change{Kind: ChangeRemoved, Doc: Document{ID: ref.ID}})
	return nil
}

// publish is best effort: a lost notification only delays what subscribers
// see until their next refresh.
func (s *RedisStore) publish(ctx context.Context, collection string, ch Change) {
	payload, err := json.Marshal(ch)
	if err != nil {
		s.logger.Error("redis_change_encode_failed", zap.String("collection", collection), zap.Error(err))
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(collection), payload).Err(); err != nil {
		s.logger.Warn("redis_publish_failed", zap.String("collection", collection), zap.Error(err))
	}
}

// ── subscriptions ──

// Subscribe listens on the collection channel and then delivers the current
// contents as the initial batch. A change landing between the two may be
// delivered twice, which the reconciler treats as a no-op.
func (s *RedisStore) Subscribe(ctx context.Context, collection string, h ChangeHandler) (Unsubscribe, error) {
	ps := s.rdb.Subscribe(ctx, s.channel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	docs, err := s.Query(ctx, collection, Query{})
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	var (
		mu      sync.Mutex
		stopped bool
	)
	isStopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	}

	initial := ChangeBatch{Collection: collection, Initial: true}
	for _, d := range docs {
		initial.Changes = append(initial.Changes, Change{Kind: ChangeAdded, Doc: d})
	}

	msgs := ps.Channel()
	go func() {
		if h.OnChanges != nil {
			h.OnChanges(initial)
		}
		for msg := range msgs {
			var ch Change
			if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
				s.logger.Warn("redis_change_decode_failed", zap.String("collection", collection), zap.Error(err))
				continue
			}
			if isStopped() {
				return
			}
			if h.OnChanges != nil {
				h.OnChanges(ChangeBatch{Collection: collection, Changes: []Change{ch}})
			}
		}
		if !isStopped() && h.OnError != nil {
			h.OnError(fmt.Errorf("subscription to %s closed", collection))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

// ── encoding ──

func encodeHash(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch n := v.(type) {
		case int:
			out[k] = n
			continue
		case int64:
			out[k] = n
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

func decodeHash(raw map[string]string) Fields {
	out := make(Fields, len(raw))
	for k, v := range raw {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// stringHash renders an encoded hash the way Redis returns it, so notified
// documents have the same shapes a fresh read yields.
func stringHash(hash map[string]any) map[string]string {
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = fmt.Sprint(v)
	}
	return out
}
