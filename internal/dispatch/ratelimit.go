package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic check-and-increment on the per-minute send
// counter. A plain GET then INCR would race between concurrent workers.
const sendLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local updated = redis.call("INCR", key)
if updated == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, updated}
`

// RateLimiter throttles outbound sends using an atomic Redis counter so
// the limit holds across every worker and every process sharing the
// Redis instance.
type RateLimiter struct {
	redis          *redis.Client
	sendsPerMinute int
	script         *redis.Script
}

// NewRateLimiter creates a send rate limiter. sendsPerMinute <= 0 means
// unlimited.
func NewRateLimiter(client *redis.Client, sendsPerMinute int) *RateLimiter {
	return &RateLimiter{
		redis:          client,
		sendsPerMinute: sendsPerMinute,
		script:         redis.NewScript(sendLimitLuaScript),
	}
}

// Allow reports whether one more send fits within the per-minute budget,
// incrementing the counter when it does. Redis errors allow the send:
// the limiter protects the mail provider, it is not a correctness gate.
func (rl *RateLimiter) Allow(ctx context.Context) bool {
	if rl == nil || rl.redis == nil || rl.sendsPerMinute <= 0 {
		return true
	}

	key := fmt.Sprintf("dispatch:sends:%s", time.Now().UTC().Format("2006-01-02T15:04"))
	result, err := rl.script.Run(ctx, rl.redis, []string{key}, rl.sendsPerMinute, 120).Result()
	if err != nil {
		return true
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 1 {
		return true
	}
	allowed, ok := values[0].(int64)
	return !ok || allowed == 1
}
