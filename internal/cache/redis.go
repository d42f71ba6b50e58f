package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tkhongsap/line-bot-connect/internal/clock"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const DefaultRedisPrefix = "surface-cache:"

// RedisStore keeps one key per entry. Redis expiry follows ExpiresAt so stale entries
// clean themselves up; validity is still judged by the cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Clock    clock.Clock
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: rdb, prefix: opts.Prefix, clock: opts.Clock}
}

// Ping checks connectivity, used at startup to decide between durable and memory-only mode
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Load(ctx context.Context, key string) (types.CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.CacheEntry{}, false, nil
	}
	if err != nil {
		return types.CacheEntry{}, false, err
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// unreadable values are absent; the next Save overwrites them
		return types.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, entry types.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	var ttl time.Duration
	if !entry.Unbounded() {
		ttl = entry.ExpiresAt.Sub(r.clock.Now())
		if ttl <= 0 {
			return r.client.Del(ctx, r.prefix+key).Err()
		}
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.prefix + key
	}
	return r.client.Del(ctx, prefixed...).Err()
}

func (r *RedisStore) List(ctx context.Context) (map[string]types.CacheEntry, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]types.CacheEntry, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		var entry types.CacheEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		entries[keys[i][len(r.prefix):]] = entry
	}
	return entries, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}
	return keys, nil
}
