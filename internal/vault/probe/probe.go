// Package probe counts lookups of unknown grant secrets per client source and
// refuses sources that cross a threshold inside a fixed window.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "probe:"

// Counter is a windowed counter keyed by client source.
type Counter interface {
	// Incr adds one miss and returns the count in the current window. The
	// window starts at the first miss.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
}

// Guard decides whether a source may keep guessing.
type Guard struct {
	counter   Counter
	threshold int64
	window    time.Duration
}

func NewGuard(counter Counter, threshold int, window time.Duration) (*Guard, error) {
	if counter == nil {
		return nil, fmt.Errorf("probe counter is required")
	}
	if threshold < 1 || window <= 0 {
		return nil, fmt.Errorf("probe threshold and window must be positive")
	}
	return &Guard{counter: counter, threshold: int64(threshold), window: window}, nil
}

// Blocked reports whether source has reached the threshold. An empty source
// is never blocked.
func (g *Guard) Blocked(ctx context.Context, source string) (bool, error) {
	if source == "" {
		return false, nil
	}
	n, err := g.counter.Count(ctx, keyPrefix+source)
	if err != nil {
		return false, err
	}
	return n >= g.threshold, nil
}

// RecordMiss counts one unknown-secret lookup. tripped is true exactly once
// per window, on the miss that reaches the threshold.
func (g *Guard) RecordMiss(ctx context.Context, source string) (tripped bool, err error) {
	if source == "" {
		return false, nil
	}
	n, err := g.counter.Incr(ctx, keyPrefix+source, g.window)
	if err != nil {
		return false, err
	}
	return n == g.threshold, nil
}

// RedisCounter keeps counts in Redis with INCR and a TTL set on the first miss.
type RedisCounter struct {
	client redis.UniversalClient
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr probe counter: %w", err)
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("expire probe counter: %w", err)
		}
	}
	return n, nil
}

func (c *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get probe counter: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse probe counter: %w", err)
	}
	return n, nil
}

// MemoryCounter is the single-process Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{entries: make(map[string]memoryEntry), now: now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = memoryEntry{expiresAt: now.Add(window)}
	}
	e.count++
	c.entries[key] = e
	return e.count, nil
}

func (c *MemoryCounter) Count(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return 0, nil
	}
	return e.count, nil
}
