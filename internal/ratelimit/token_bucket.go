// Package ratelimit throttles lead intake per client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reports whether one more intake request from clientID may
// proceed, along with the tokens left in its bucket.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, float64, error)
}

// TokenBucket is a Limiter shared by every API replica through Redis.
// Each client gets its own hash at IntakeBucketKey.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	perSec   float64
	idle     time.Duration
	now      func() time.Time
}

// NewTokenBucket starts every client at capacity and refills perSec tokens
// each second. A bucket untouched for idle is dropped; zero keeps it.
func NewTokenBucket(client redis.Scripter, capacity int, perSec float64, idle time.Duration) *TokenBucket {
	return &TokenBucket{client: client, capacity: capacity, perSec: perSec, idle: idle, now: time.Now}
}

// SetClock overrides time.Now.
func (b *TokenBucket) SetClock(now func() time.Time) { b.now = now }

func (b *TokenBucket) Allow(ctx context.Context, clientID string) (bool, float64, error) {
	if clientID == "" {
		return false, 0, errors.New("ratelimit: empty client id")
	}
	keys := []string{IntakeBucketKey(clientID)}
	vals, err := takeScript.Run(ctx, b.client, keys, b.capacity, b.perSec, b.now().UnixMilli(), b.idle.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit %s: %w", clientID, err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("ratelimit %s: unexpected reply %v", clientID, vals)
	}
	granted, _ := vals[0].(int64)
	// Lua numbers come back truncated to integers; the remainder is
	// returned as a string to keep the fraction.
	left, err := strconv.ParseFloat(fmt.Sprint(vals[1]), 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit %s: tokens %v: %w", clientID, vals[1], err)
	}
	return granted == 1, left, nil
}

var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local idle_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local level = tonumber(state[1]) or cap
local since = tonumber(state[2]) or now_ms
if now_ms > since then
  level = math.min(cap, level + (now_ms - since) * per_sec / 1000)
end

local granted = 0
if level >= 1 then
  level = level - 1
  granted = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(level), 'last_ms', now_ms)
if idle_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], idle_ms)
end
return {granted, tostring(level)}
`)

// LocalBucket is the single-process limiter used with the memory backend.
type LocalBucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64
	buckets  map[string]*localState
	now      func() time.Time
}

type localState struct {
	tokens float64
	last   time.Time
}

func NewLocalBucket(capacity int, refillPerSecond float64) *LocalBucket {
	return &LocalBucket{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		buckets:  make(map[string]*localState),
		now:      time.Now,
	}
}

// SetClock overrides time.Now.
func (b *LocalBucket) SetClock(now func() time.Time) { b.now = now }

func (b *LocalBucket) Allow(_ context.Context, clientID string) (bool, float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	st, ok := b.buckets[clientID]
	if !ok {
		st = &localState{tokens: b.capacity, last: now}
		b.buckets[clientID] = st
	}
	if elapsed := now.Sub(st.last).Seconds(); elapsed > 0 {
		st.tokens += elapsed * b.refill
		if st.tokens > b.capacity {
			st.tokens = b.capacity
		}
	}
	st.last = now
	if st.tokens < 1 {
		return false, st.tokens, nil
	}
	st.tokens--
	return true, st.tokens, nil
}
