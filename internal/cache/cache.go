// Package cache remembers recently processed webhook event ids so replays
// can be answered without a database round trip. It is only a fast path:
// the webhook_events table stays authoritative.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Deduper records keys for a bounded time.
type Deduper interface {
	// Seen reports whether key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records key.
	Mark(ctx context.Context, key string) error
}

// =============================================================================
// In-process LRU
// =============================================================================

// LRU is a size-bounded, expiring in-process set.
type LRU struct {
	entries *expirable.LRU[string, struct{}]
}

// NewLRU creates a set holding at most size keys for ttl each.
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{entries: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (c *LRU) Seen(ctx context.Context, key string) (bool, error) {
	_, ok := c.entries.Get(key)
	return ok, nil
}

func (c *LRU) Mark(ctx context.Context, key string) error {
	c.entries.Add(key, struct{}{})
	return nil
}

// =============================================================================
// Redis
// =============================================================================

// Redis shares the set between instances.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps a client. Keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (c *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Redis) Mark(ctx context.Context, key string) error {
	return c.client.SetNX(ctx, c.prefix+key, 1, c.ttl).Err()
}

// =============================================================================
// Tiered
// =============================================================================

// Tiered checks the local set before the shared one. A key found in the
// shared set is copied into the local one.
type Tiered struct {
	local  Deduper
	shared Deduper
}

// NewTiered combines a local and a shared deduper.
func NewTiered(local, shared Deduper) *Tiered {
	return &Tiered{local: local, shared: shared}
}

func (c *Tiered) Seen(ctx context.Context, key string) (bool, error) {
	if ok, _ := c.local.Seen(ctx, key); ok {
		return true, nil
	}
	ok, err := c.shared.Seen(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	_ = c.local.Mark(ctx, key)
	return true, nil
}

func (c *Tiered) Mark(ctx context.Context, key string) error {
	_ = c.local.Mark(ctx, key)
	return c.shared.Mark(ctx, key)
}

var (
	_ Deduper = (*LRU)(nil)
	_ Deduper = (*Redis)(nil)
	_ Deduper = (*Tiered)(nil)
)
