package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed one-minute window counter per user. It throttles
// bursts and is separate from the billing quota.
type RateLimiter struct {
	client redis.Cmdable
	prefix string
	clock  quartz.Clock
}

func NewRateLimiter(client redis.Cmdable, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{client: client, prefix: prefix, clock: quartz.NewReal()}
}

func (rl *RateLimiter) WithClock(clock quartz.Clock) *RateLimiter {
	rl.clock = clock
	return rl
}

// Allow counts one request for userID and reports whether it is within
// limit, along with the time the current window ends.
func (rl *RateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, time.Time, error) {
	now := rl.clock.Now().UTC()
	window := now.Truncate(time.Minute)
	key := fmt.Sprintf("%s:user:%s:%s", rl.prefix, userID, window.Format("200601021504"))

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, time.Time{}, err
	}
	return incr.Val() <= int64(limit), window.Add(time.Minute), nil
}
