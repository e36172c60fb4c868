package alert

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter keeps consecutive-failure counts per key.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// MemoryCounter is a process-local Counter. Counts are lost on restart.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// RedisCounter survives restarts, so a crash-looping syncer still escalates.
type RedisCounter struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCounter(rdb *redis.Client, ttl time.Duration) *RedisCounter {
	return &RedisCounter{rdb: rdb, ttl: ttl, prefix: "sync:failures:"}
}

// Incr increments the failure count and returns the new value.
func (r *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	count, err := r.rdb.Incr(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, err
	}

	// Set expiration on first increment
	if count == 1 && r.ttl > 0 {
		r.rdb.Expire(ctx, r.prefix+key, r.ttl)
	}

	return count, nil
}

func (r *RedisCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}
