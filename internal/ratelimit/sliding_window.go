package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements a distributed per-tenant sliding-window rate
// limiter using Redis. Send timestamps live in a ZSET trimmed to the window;
// admission requires the window to still have room for the requested count.
type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewSlidingWindow constructs a limiter allowing limit sends per window.
func NewSlidingWindow(client *redis.Client, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Limit returns the configured maximum sends per window.
func (l *SlidingWindow) Limit() int {
	return l.limit
}

func (l *SlidingWindow) key(tenantID string) string {
	return fmt.Sprintf("ratelimit:sends:%s", tenantID)
}

// Allow consumes n slots for the tenant if the rolling window permits it.
// Returns the admission flag and, when denied, how long until a slot frees up.
func (l *SlidingWindow) Allow(ctx context.Context, tenantID string, n int) (bool, time.Duration, error) {
	if n <= 0 {
		return true, 0, nil
	}
	now := time.Now().UnixMilli()
	res, err := windowScript.Run(ctx, l.client, []string{l.key(tenantID)},
		l.limit, l.window.Milliseconds(), now, n).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply from window script: %T", res)
	}
	allowed := arr[0].(int64) == 1
	retryAfterMs, _ := arr[1].(int64)
	return allowed, time.Duration(retryAfterMs) * time.Millisecond, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + n > limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = (tonumber(oldest[2]) + window) - now
    if retry < 0 then retry = 0 end
  end
  return {0, retry}
end

for i = 1, n do
  redis.call('ZADD', key, now, now .. '-' .. i .. '-' .. math.random(1000000))
end
redis.call('PEXPIRE', key, window)
return {1, 0}
`)
