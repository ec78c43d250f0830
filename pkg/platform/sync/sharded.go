package sync

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 64

// ShardedMutex provides per-key mutual exclusion without a map of locks.
// Keys are hashed onto a fixed set of shards, so two keys may share a shard
// (and briefly wait on each other) but one key never maps to two shards.
type ShardedMutex struct {
	shards []sync.Mutex
	onWait func(time.Duration)
}

// Option configures a ShardedMutex.
type Option func(*ShardedMutex)

// WithShards overrides the shard count when n is positive.
func WithShards(n int) Option {
	return func(m *ShardedMutex) {
		if n > 0 {
			m.shards = make([]sync.Mutex, n)
		}
	}
}

// WithWaitObserver registers a callback receiving the time spent acquiring a shard.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(m *ShardedMutex) {
		m.onWait = fn
	}
}

// NewShardedMutex creates a ShardedMutex with 64 shards unless overridden.
func NewShardedMutex(opts ...Option) *ShardedMutex {
	m := &ShardedMutex{shards: make([]sync.Mutex, defaultShards)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock acquires the lock for the given key's shard.
// Empty keys default to shard 0.
func (m *ShardedMutex) Lock(key string) {
	start := time.Now()
	m.shards[m.shardFor(key)].Lock()
	if m.onWait != nil {
		m.onWait(time.Since(start))
	}
}

// Unlock releases the lock for the given key's shard.
func (m *ShardedMutex) Unlock(key string) {
	m.shards[m.shardFor(key)].Unlock()
}

// WithLock runs fn while holding the key's shard.
func (m *ShardedMutex) WithLock(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

func (m *ShardedMutex) shardFor(key string) int {
	if key == "" {
		return 0
	}
	return int(hashString(key) % uint32(len(m.shards)))
}

// hashString is FNV-1a; empty input hashes to 0 so it lands on shard 0.
func hashString(s string) uint32 {
	if s == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
