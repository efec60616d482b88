package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// MinuteLock lets exactly one replica claim each wall-clock minute.
type MinuteLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMinuteLock creates a lock keyed by minute under prefix.
func NewMinuteLock(client *redis.Client, prefix string, ttl time.Duration) *MinuteLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &MinuteLock{client: client, prefix: prefix, ttl: ttl}
}

// Claim reports whether the caller won the minute containing at.
// The key is left to expire so a late replica cannot re-run the same minute.
func (l *MinuteLock) Claim(ctx context.Context, at time.Time, owner string) (bool, error) {
	key := fmt.Sprintf("%s:scheduler:tick:%s", l.prefix, at.UTC().Format("200601021504"))
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("minute lock: claim: %w", err)
	}
	return ok, nil
}
