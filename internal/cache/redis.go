package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisBackend stores entries in redis.
type RedisBackend struct {
	rdb *redis.Client
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	return b.rdb.Del(ctx, keys...).Err()
}

func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := b.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (b *RedisBackend) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, 0, err
		}
		return count, ttl, nil
	}
	left, err := b.rdb.TTL(ctx, key).Result()
	if err != nil {
		return count, 0, err
	}
	if left < 0 {
		// A key without expiry would never reset its window.
		if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, 0, err
		}
		left = ttl
	}
	return count, left, nil
}

func (b *RedisBackend) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	count, err := b.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	left, err := b.rdb.TTL(ctx, key).Result()
	if err != nil {
		return count, 0, err
	}
	if left < 0 {
		left = 0
	}
	return count, left, nil
}

func (b *RedisBackend) Size(ctx context.Context) (int64, error) {
	return b.rdb.DBSize(ctx).Result()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
