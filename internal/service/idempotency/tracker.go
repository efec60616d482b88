package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tracker remembers webhook bodies that were already processed.
type Tracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTracker builds a tracker. A nil client disables deduplication.
func NewTracker(client *redis.Client, prefix string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tracker{client: client, prefix: prefix, ttl: ttl}
}

// Seen marks body as processed for scope and reports whether it had been seen before.
func (t *Tracker) Seen(ctx context.Context, scope string, body []byte) (bool, error) {
	if t == nil || t.client == nil {
		return false, nil
	}
	sum := sha256.Sum256(body)
	key := fmt.Sprintf("%s:webhook:%s:%s", t.prefix, scope, hex.EncodeToString(sum[:]))

	fresh, err := t.client.SetNX(ctx, key, time.Now().UTC().Unix(), t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: setnx: %w", err)
	}
	return !fresh, nil
}

// Forget removes the marker so a failed delivery can be processed again.
func (t *Tracker) Forget(ctx context.Context, scope string, body []byte) error {
	if t == nil || t.client == nil {
		return nil
	}
	sum := sha256.Sum256(body)
	key := fmt.Sprintf("%s:webhook:%s:%s", t.prefix, scope, hex.EncodeToString(sum[:]))
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("idempotency: del: %w", err)
	}
	return nil
}
