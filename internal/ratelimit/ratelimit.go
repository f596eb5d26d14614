// Package ratelimit is a Redis-backed sliding-window limiter keyed by user, route and window start.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "inkledger:ratelimit:"

// ErrInvalidConfig reports a bad limiter configuration.
var ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (decision Decision) RetryAfterSeconds() int {
	seconds := int((decision.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// slidingWindowScript counts a request against the current window, weighting the previous one.
// KEYS[1] = current window key
// KEYS[2] = previous window key
// ARGV[1] = limit
// ARGV[2] = window length in milliseconds
// ARGV[3] = milliseconds elapsed in the current window
//
// Returns {allowed (1|0), weighted count after the call}.
var slidingWindowScript = goredis.NewScript(`
local current_key = KEYS[1]
local previous_key = KEYS[2]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local elapsed_ms = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", current_key) or "0")
local previous = tonumber(redis.call("GET", previous_key) or "0")
local weighted = math.floor(previous * (window_ms - elapsed_ms) / window_ms) + current

if weighted >= limit then
    return {0, weighted}
end

current = redis.call("INCR", current_key)
if current == 1 then
    redis.call("PEXPIRE", current_key, window_ms * 2)
end
return {1, weighted + 1}
`)

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(limiter *Limiter) { limiter.keyPrefix = prefix }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(limiter *Limiter) {
		if now != nil {
			limiter.nowFn = now
		}
	}
}

// Limiter allows at most limit requests per window for each (user, route).
type Limiter struct {
	scripter  goredis.Scripter
	limit     int
	window    time.Duration
	keyPrefix string
	nowFn     func() time.Time
}

// New builds a Limiter over a connected client.
func New(scripter goredis.Scripter, limit int, window time.Duration, options ...Option) (*Limiter, error) {
	if scripter == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidConfig)
	}
	if window < time.Second {
		return nil, fmt.Errorf("%w: window must be at least one second", ErrInvalidConfig)
	}
	limiter := &Limiter{
		scripter:  scripter,
		limit:     limit,
		window:    window,
		keyPrefix: defaultKeyPrefix,
		nowFn:     time.Now,
	}
	for _, option := range options {
		option(limiter)
	}
	return limiter, nil
}

// Allow counts one request for userID on route.
func (limiter *Limiter) Allow(ctx context.Context, userID string, route string) (Decision, error) {
	now := limiter.nowFn().UTC()
	windowMillis := limiter.window.Milliseconds()
	nowMillis := now.UnixMilli()
	windowStart := nowMillis - nowMillis%windowMillis
	elapsed := nowMillis - windowStart

	keys := []string{
		limiter.key(userID, route, windowStart),
		limiter.key(userID, route, windowStart-windowMillis),
	}
	values, err := slidingWindowScript.Run(ctx, limiter.scripter, keys, limiter.limit, windowMillis, elapsed).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: evaluate window: %w", err)
	}
	if len(values) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", values)
	}
	remaining := limiter.limit - int(values[1])
	if remaining < 0 {
		remaining = 0
	}
	if values[0] == 1 {
		return Decision{Allowed: true, Remaining: remaining}, nil
	}
	return Decision{
		Allowed:    false,
		RetryAfter: time.Duration(windowMillis-elapsed) * time.Millisecond,
	}, nil
}

func (limiter *Limiter) key(userID string, route string, windowStartMillis int64) string {
	return limiter.keyPrefix + sanitize(route) + ":" + sanitize(userID) + ":" + strconv.FormatInt(windowStartMillis, 10)
}

func sanitize(part string) string {
	return strings.ReplaceAll(strings.TrimSpace(part), ":", "_")
}
