package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// RateLimiter provides per-user fixed-window limits using Redis + Lua
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	tiers  Tiers
	logger Logger
}

// NewRateLimiter creates a new rate limiter with embedded Lua script
func NewRateLimiter(redisClient *redis.Client, tiers Tiers, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		tiers:  tiers,
		logger: logger,
	}
}

// CheckGlobalLimit checks the global service-wide rate limit
func (r *RateLimiter) CheckGlobalLimit(ctx context.Context, limit int64) (*RateLimitResult, error) {
	return r.checkLimit(ctx, "rate_limit:global", limit, 60)
}

// CheckUserLimit checks the budget of one user in the tier of their role
func (r *RateLimiter) CheckUserLimit(ctx context.Context, userID, role string) (*RateLimitResult, error) {
	tier := r.tiers.For(TierForRole(role))
	key := fmt.Sprintf("rate_limit:user:%s:tier:%s", userID, tier.Tier)
	return r.checkLimit(ctx, key, tier.Limit, tier.WindowSeconds)
}

// checkLimit executes the rate limit Lua script
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*RateLimitResult, error) {
	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	rateLimitResult, err := parseScriptResult(result)
	if err != nil {
		return nil, err
	}

	if !rateLimitResult.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", rateLimitResult.CurrentCount,
			"limit", limit,
			"retry_after", rateLimitResult.RetryAfterSeconds)
	} else {
		r.logger.Debug("rate limit check passed",
			"key", key,
			"current", rateLimitResult.CurrentCount,
			"limit", limit)
	}

	return rateLimitResult, nil
}

// parseScriptResult decodes {allowed, current_count, limit, retry_after}
func parseScriptResult(result interface{}) (*RateLimitResult, error) {
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	values := make([]int64, 4)
	for i, v := range resultArray {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		values[i] = n
	}

	return &RateLimitResult{
		Allowed:           values[0] == 1,
		CurrentCount:      values[1],
		Limit:             values[2],
		RetryAfterSeconds: values[3],
	}, nil
}

// ResetLimit clears a rate limit counter (for testing/admin)
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
