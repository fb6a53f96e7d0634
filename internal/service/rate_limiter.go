package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window + 10000)

return {1, now + window}
`)

// Limiter decides whether another action under key fits in the window.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// RateLimiter is a redis sliding-window limiter shared by every instance.
type RateLimiter struct {
	client   *redis.Client
	failOpen bool
	seq      func() int64
}

// NewRateLimiter creates a limiter that denies when redis is unavailable.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, seq: unixNanoSeq}
}

// NewFailOpenRateLimiter creates a limiter that allows when redis is
// unavailable.
func NewFailOpenRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, failOpen: true, seq: unixNanoSeq}
}

func unixNanoSeq() int64 {
	return time.Now().UnixNano()
}

// CheckLimit records an attempt under key and reports whether it is allowed.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now().UnixMilli()
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{fullKey},
		now,
		window.Milliseconds(),
		limit,
		fmt.Sprintf("%d-%d", now, rl.seq()),
	).Int64Slice()

	if err == nil && len(result) != 2 {
		err = fmt.Errorf("unexpected rate limit result length %d", len(result))
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Bool("failOpen", rl.failOpen).
			Msg("rate limit check failed")
		return rl.failOpen, time.Now().Add(window)
	}

	return result[0] == 1, time.UnixMilli(result[1])
}
