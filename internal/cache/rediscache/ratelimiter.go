package rediscache

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// запас TTL сверх окна на рассинхрон часов между экземплярами
const windowSlack = 10 * time.Second

// RateLimiter counts events per subject in fixed windows, e.g. pings per
// device per minute. Each window has its own redis key.
type RateLimiter struct {
	c   *redis.Client
	now func() time.Time
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c:   redis.NewClient(&redis.Options{Addr: addr}),
		now: time.Now,
	}
}

// windowKey returns bts:ratelimit:<subject>:<window start, unix seconds>.
func windowKey(subject string, at time.Time, window time.Duration) string {
	start := at.UTC().Truncate(window).Unix()
	return keyPrefix + "ratelimit:" + subject + ":" + strconv.FormatInt(start, 10)
}

// Allow counts one event for subject in the current window and reports
// whether the count is still within limit. Returns (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, subject string, limit int64, window time.Duration) (bool, int64, error) {
	if window <= 0 {
		return false, 0, errors.New("ratelimit window must be positive")
	}
	key := windowKey(subject, rl.now(), window)

	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window+windowSlack)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrapf(err, "redis ratelimit %s", subject)
	}
	n := incr.Val()
	return n <= limit, n, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
