package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/LingByte/LingMeet/pkg/errors"
)

const (
	redisDocPrefix = "lingmeet:doc:"
	redisIdxPrefix = "lingmeet:idx:"
	redisChPrefix  = "lingmeet:ch:"
)

// redisEvent is the change fan-out payload published per collection.
type redisEvent struct {
	Kind string                 `json:"kind"`
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// RedisStore implements Store on a shared Redis instance: one JSON value
// per document, a sorted set per collection for ordered snapshots, and a
// pub/sub channel per collection as the change feed.
type RedisStore struct {
	client *redis.Client

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opt RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

func docKey(path Path, id string) string { return redisDocPrefix + path.String() + "/" + id }

func idxKey(path Path) string { return redisIdxPrefix + path.String() }

func chKey(path Path) string { return redisChPrefix + path.String() }

func (r *RedisStore) publish(ctx context.Context, path Path, ev redisEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Error("redis store: failed to marshal change event")
		return
	}
	if err := r.client.Publish(ctx, chKey(path), payload).Err(); err != nil {
		logrus.WithError(err).WithField("path", path.String()).Warn("redis store: publish change failed")
	}
}

// Add creates a document with a generated id.
func (r *RedisStore) Add(ctx context.Context, path Path, data map[string]interface{}) (string, error) {
	id, err := gonanoid.Nanoid()
	if err != nil {
		return "", err
	}
	if err := r.Set(ctx, path, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Set creates or replaces a document.
func (r *RedisStore) Set(ctx context.Context, path Path, id string, data map[string]interface{}) error {
	resolved := resolveTimestamps(data, time.Now().UTC())
	payload, err := json.Marshal(resolved)
	if err != nil {
		return errors.WrapError(errors.ErrCodeInvalidInput, err)
	}

	existed, err := r.client.Exists(ctx, docKey(path, id)).Result()
	if err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, docKey(path, id), payload, 0)
	pipe.ZAddNX(ctx, idxKey(path), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}

	kind := "added"
	if existed > 0 {
		kind = "modified"
	}
	r.publish(ctx, path, redisEvent{Kind: kind, ID: id, Data: resolved})
	return nil
}

// Update merges fields into an existing document.
func (r *RedisStore) Update(ctx context.Context, path Path, id string, fields map[string]interface{}) error {
	doc, err := r.Get(ctx, path, id)
	if err != nil {
		return err
	}
	for k, v := range resolveTimestamps(fields, time.Now().UTC()) {
		doc.Data[k] = v
	}
	payload, err := json.Marshal(doc.Data)
	if err != nil {
		return errors.WrapError(errors.ErrCodeInvalidInput, err)
	}
	if err := r.client.Set(ctx, docKey(path, id), payload, 0).Err(); err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	r.publish(ctx, path, redisEvent{Kind: "modified", ID: id, Data: doc.Data})
	return nil
}

// Delete removes a document; missing ids are a no-op.
func (r *RedisStore) Delete(ctx context.Context, path Path, id string) error {
	removed, err := r.client.Del(ctx, docKey(path, id)).Result()
	if err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	if removed == 0 {
		return nil
	}
	if err := r.client.ZRem(ctx, idxKey(path), id).Err(); err != nil {
		logrus.WithError(err).WithField("id", id).Warn("redis store: index cleanup failed")
	}
	r.publish(ctx, path, redisEvent{Kind: "removed", ID: id})
	return nil
}

// Get reads one document.
func (r *RedisStore) Get(ctx context.Context, path Path, id string) (Document, error) {
	payload, err := r.client.Get(ctx, docKey(path, id)).Result()
	if err == redis.Nil {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return Document{}, errors.WrapError(errors.ErrCodeInternal, err)
	}
	return Document{ID: id, Data: data}, nil
}

// Subscribe opens the change feed for a collection. The Redis pub/sub
// channel preserves publish order, which is the ordering guarantee the
// session core relies on.
func (r *RedisStore) Subscribe(ctx context.Context, path Path, handler func(Snapshot)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(subCtx, chKey(path))
	// Force the subscription onto the wire before the initial read so no
	// change published after the read can be missed.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, errors.WrapError(errors.ErrCodeSubscribeFailed, err)
	}

	docs, order, err := r.loadCollection(ctx, path)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	r.mu.Lock()
	r.cancel = append(r.cancel, cancel)
	r.mu.Unlock()

	go r.consume(subCtx, pubsub, docs, order, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}, nil
}

func (r *RedisStore) loadCollection(ctx context.Context, path Path) (map[string]map[string]interface{}, []string, error) {
	ids, err := r.client.ZRange(ctx, idxKey(path), 0, -1).Result()
	if err != nil {
		return nil, nil, errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	docs := make(map[string]map[string]interface{}, len(ids))
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		doc, err := r.Get(ctx, path, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		docs[id] = doc.Data
		order = append(order, id)
	}
	return docs, order, nil
}

// consume replays the initial snapshot, then folds each published event
// into its local view and hands the rebuilt snapshot to the handler.
func (r *RedisStore) consume(ctx context.Context, pubsub *redis.PubSub, docs map[string]map[string]interface{}, order []string, handler func(Snapshot)) {
	initial := buildSnapshot(docs, order, nil)
	for _, doc := range initial.Docs {
		initial.Changes = append(initial.Changes, Change{Kind: ChangeAdded, Doc: doc})
	}
	handler(initial)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logrus.WithError(err).Warn("redis store: dropping malformed change event")
				continue
			}
			var change Change
			switch ev.Kind {
			case "added":
				if _, exists := docs[ev.ID]; !exists {
					order = append(order, ev.ID)
				}
				docs[ev.ID] = ev.Data
				change = Change{Kind: ChangeAdded, Doc: Document{ID: ev.ID, Data: cloneData(ev.Data)}}
			case "modified":
				if _, exists := docs[ev.ID]; !exists {
					order = append(order, ev.ID)
				}
				docs[ev.ID] = ev.Data
				change = Change{Kind: ChangeModified, Doc: Document{ID: ev.ID, Data: cloneData(ev.Data)}}
			case "removed":
				prev := docs[ev.ID]
				delete(docs, ev.ID)
				for i, id := range order {
					if id == ev.ID {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
				change = Change{Kind: ChangeRemoved, Doc: Document{ID: ev.ID, Data: prev}}
			default:
				continue
			}
			handler(buildSnapshot(docs, order, []Change{change}))
		}
	}
}

func buildSnapshot(docs map[string]map[string]interface{}, order []string, changes []Change) Snapshot {
	out := Snapshot{Changes: changes}
	for _, id := range order {
		data, ok := docs[id]
		if !ok {
			continue
		}
		out.Docs = append(out.Docs, Document{ID: id, Data: cloneData(data)})
	}
	return out
}

// Close cancels every open subscription and closes the client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, cancel := range r.cancel {
		cancel()
	}
	r.cancel = nil
	return r.client.Close()
}
