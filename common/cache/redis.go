package cache

import (
	"context"
	"errors"
	"time"

	rediscommon "github.com/estatehub/portal/common/redis"
)

// RedisCache stores entries in Redis so every API replica shares them
type RedisCache struct {
	client *rediscommon.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache; keys are namespaced by prefix
func NewRedisCache(client *rediscommon.Client, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key)
	if errors.Is(err, rediscommon.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, string(value), ttl)
}

// SetIfAbsent stores a value only if the key does not exist
func (c *RedisCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, string(value), ttl)
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Delete(ctx, c.prefix+key)
}

// Close is a no-op; the Redis client is owned by bootstrap
func (c *RedisCache) Close() error {
	return nil
}
