package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"history_server/core/port/out"
)

// RedisStore implements out.KeyValueStore on Redis. Blobs carry their own
// expiry envelope, so entries are written with a safety TTL only to keep
// abandoned keys from accumulating.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// DefaultSafetyTTL bounds how long an untouched key survives in Redis.
const DefaultSafetyTTL = 30 * 24 * time.Hour

func NewRedisStore(client *redis.Client, ttl time.Duration) out.KeyValueStore {
	if ttl <= 0 {
		ttl = DefaultSafetyTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) SetItem(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

func (s *RedisStore) RemoveItem(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
