package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps in-flight provider dispatches across every replica using a Redis counter.
type Limiter struct {
	client *redis.Client
	key    string
	limit  int
	ttl    time.Duration
	poll   time.Duration
}

// NewLimiter constructs a limiter allowing at most limit concurrent slots under prefix.
func NewLimiter(client *redis.Client, prefix string, limit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{
		client: client,
		key:    fmt.Sprintf("%s:dispatch:inflight", prefix),
		limit:  limit,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
	}
}

// Acquire attempts to reserve a slot without waiting.
func (l *Limiter) Acquire(ctx context.Context) (bool, error) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// Wait blocks until a slot is free and returns its release function.
func (l *Limiter) Wait(ctx context.Context) (func(context.Context) error, error) {
	for {
		acquired, err := l.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if acquired {
			return l.Release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
