package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "rdpmitm:session:"
	indexKey  = "rdpmitm:sessions"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL bounds how long a closed session stays listed.
	TTL time.Duration
}

// RedisStore keeps each entry as a JSON string under its own key and the ids
// in an index set.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("catalog: redis connection failed: %w", err)
	}

	return &RedisStore{client: rdb, ttl: opts.TTL}, nil
}

var _ Store = (*RedisStore)(nil)

func sessionKey(id string) string {
	return keyPrefix + id
}

// expiration is the key lifetime: open sessions never expire.
func (r *RedisStore) expiration(e Entry) time.Duration {
	if e.Closed() {
		return r.ttl
	}
	return 0
}

func (r *RedisStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", e.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(e.ID), data, r.expiration(e))
	pipe.SAdd(ctx, indexKey, e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("catalog: redis put %s: %w", e.ID, err)
	}

	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Entry, error) {
	val, err := r.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: redis get %s: %w", id, err)
	}

	return decodeEntry(val)
}

// List reads every indexed entry. Ids whose key expired are removed from the
// index.
func (r *RedisStore) List(ctx context.Context) ([]Entry, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: redis index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: redis mget: %w", err)
	}

	out := make([]Entry, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		e, err := decodeEntry(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	if len(stale) > 0 {
		_ = r.client.SRem(ctx, indexKey, stale...).Err()
	}

	sortEntries(out)
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeEntry(s string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Entry{}, fmt.Errorf("catalog: decode entry: %w", err)
	}
	return e, nil
}
