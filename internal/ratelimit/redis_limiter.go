package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for alert coordination.
const (
	KeyPrefixWindow   = "alerts:window:"
	KeyPrefixCooldown = "alerts:cooldown:"
)

// slidingWindowScript trims expired members, checks the budget and records
// the new hit in one atomic step so concurrent submitters in different
// processes cannot overshoot the limit.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)
	if count >= limit then
		return {0, count}
	end

	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, count + 1}
`)

// RedisWindowLimiter is a sliding-window limiter shared through Redis.
type RedisWindowLimiter struct {
	redis  redis.Cmdable
	limit  int
	window time.Duration
	clock  func() time.Time
}

// RedisWindowLimiterConfig holds configuration for the Redis limiter.
type RedisWindowLimiterConfig struct {
	// Redis is the client used for cross-process coordination. Required.
	Redis redis.Cmdable
	// Limit is the number of accepted units per window. Default: 3.
	Limit int
	// Window is the rolling window length. Default: 60s.
	Window time.Duration
	// Clock overrides the time source.
	Clock func() time.Time
}

// NewRedisWindowLimiter creates a limiter backed by Redis sorted sets
func NewRedisWindowLimiter(cfg *RedisWindowLimiterConfig) (*RedisWindowLimiter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Limit < 0 {
		return nil, errors.New("limit cannot be negative")
	}

	l := &RedisWindowLimiter{
		redis:  cfg.Redis,
		limit:  cfg.Limit,
		window: cfg.Window,
		clock:  cfg.Clock,
	}
	if l.limit == 0 {
		l.limit = DefaultWindowLimit
	}
	if l.window <= 0 {
		l.window = DefaultWindowSize
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	return l, nil
}

// Allow implements WindowLimiter.
func (l *RedisWindowLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	now := l.clock().UnixMilli()
	result, err := slidingWindowScript.Run(ctx, l.redis, []string{KeyPrefixWindow + bucket},
		now, l.window.Milliseconds(), l.limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("sliding window check failed: %w", err)
	}
	return result[0] == 1, nil
}

// Count implements WindowLimiter.
func (l *RedisWindowLimiter) Count(ctx context.Context, bucket string) (int, error) {
	now := l.clock().UnixMilli()
	minScore := fmt.Sprintf("(%d", now-l.window.Milliseconds())
	n, err := l.redis.ZCount(ctx, KeyPrefixWindow+bucket, minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("window count failed: %w", err)
	}
	return int(n), nil
}

// RedisCooldown claims entity references with SET NX PX.
type RedisCooldown struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewRedisCooldown creates a cool-down shared through Redis
func NewRedisCooldown(client redis.Cmdable, ttl time.Duration) (*RedisCooldown, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultCooldown
	}
	return &RedisCooldown{redis: client, ttl: ttl}, nil
}

// Acquire implements Cooldown.
func (c *RedisCooldown) Acquire(ctx context.Context, ref string) (bool, error) {
	ok, err := c.redis.SetNX(ctx, KeyPrefixCooldown+ref, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown claim failed: %w", err)
	}
	return ok, nil
}
