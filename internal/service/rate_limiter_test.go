package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newMiniredisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRateLimiter(t *testing.T) {
	client, _ := newMiniredisClient(t)
	limiter := NewRateLimiter(client)
	ctx := context.Background()

	t.Run("allows requests within limit", func(t *testing.T) {
		key := "test:user1"
		limit := 3
		window := 10 * time.Second

		for i := 0; i < limit; i++ {
			allowed, _ := limiter.CheckLimit(ctx, key, limit, window)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, key, limit, window)
		assert.False(t, allowed, "Request should be rate limited")
		assert.True(t, resetAt.After(time.Now()), "Reset time should be in future")
	})

	t.Run("different keys are independent", func(t *testing.T) {
		window := 10 * time.Second

		allowed, _ := limiter.CheckLimit(ctx, "test:independent1", 1, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "test:independent1", 1, window)
		assert.False(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "test:independent2", 1, window)
		assert.True(t, allowed)
	})
}

func TestRateLimiter_RedisDown(t *testing.T) {
	client, mr := newMiniredisClient(t)
	mr.Close()
	ctx := context.Background()

	t.Run("denies by default", func(t *testing.T) {
		allowed, _ := NewRateLimiter(client).CheckLimit(ctx, "k", 5, time.Minute)
		assert.False(t, allowed)
	})

	t.Run("allows when fail-open", func(t *testing.T) {
		allowed, _ := NewFailOpenRateLimiter(client).CheckLimit(ctx, "k", 5, time.Minute)
		assert.True(t, allowed)
	})
}
