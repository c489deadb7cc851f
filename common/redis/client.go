package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get when the key does not exist
var ErrKeyNotFound = errors.New("redis: key not found")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// Dial builds a go-redis client for addr and verifies the connection
func Dial(ctx context.Context, addr, password string, db int, logger Logger) (*Client, error) {
	raw := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	logger.Info("redis connected", "addr", addr, "db", db)
	return NewClient(raw, logger), nil
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", ErrKeyNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	if expiry > 0 {
		c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	} else {
		c.logger.Debug("redis SET", "key", key)
	}
	return nil
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// PublishEvent publishes an event to a Redis channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	err := c.redis.Publish(ctx, channel, message).Err()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// Subscribe opens a subscription on channel; callers close the returned PubSub
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	c.logger.Debug("redis SUBSCRIBE", "channel", channel)
	return c.redis.Subscribe(ctx, channel)
}

// Health pings the server
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return c.redis.Ping(ctx).Err()
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.redis.Close()
}
