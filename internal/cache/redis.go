package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend shares decisions between instances through Redis.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to url (redis://host:port/db) and pings it.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBackend{rdb: rdb, prefix: "decision:"}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cached decision: %w", err)
	}
	return &e, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.prefix+key, data, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}
	return b.rdb.Del(ctx, prefixed...).Err()
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
