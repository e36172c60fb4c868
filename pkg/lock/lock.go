// Package lock provides a Redis-backed mutual exclusion lease used to keep a
// single sync in flight per account across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when another holder owns the lease.
var ErrNotAcquired = errors.New("lock held by another owner")

// ErrLeaseLost is the cancel cause of a lease context whose renewal failed.
var ErrLeaseLost = errors.New("sync lease lost")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only if the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker hands out SET NX leases with a TTL, renewed while held.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "lock:sync:",
		logger: logger,
	}
}

// Acquire takes the lease for name and renews it every ttl/3 until the
// returned func releases it. The returned context is cancelled with
// ErrLeaseLost once the lease can no longer be guaranteed; work done under
// the lease must use it.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (context.Context, func(), error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		l.logger.Info("Sync lease busy, skipping",
			zap.String("lock_key", key),
		)
		return nil, nil, ErrNotAcquired
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(leaseCtx, l.ttl, l.ttl/3, stop,
			func(rctx context.Context) (bool, error) {
				n, err := renewScript.Run(rctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int64()
				return n == 1, err
			},
			func(err error) {
				l.logger.Error("Sync lease lost, cancelling sync",
					zap.String("lock_key", key),
					zap.Error(err),
				)
				cancel(fmt.Errorf("%w: %v", ErrLeaseLost, err))
			},
		)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-stopped
			cancel(nil)

			// Release must run even when the sync context was cancelled.
			relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer relCancel()
			if err := releaseScript.Run(relCtx, l.rdb, []string{key}, token).Err(); err != nil {
				l.logger.Warn("Failed to release sync lease",
					zap.String("lock_key", key),
					zap.Error(err),
				)
			}
		})
	}
	return leaseCtx, release, nil
}

var errLeaseGone = errors.New("lease key expired or taken over")

// keepAlive calls renew every interval until stop is closed or ctx ends. A
// renewal that finds the key gone calls lost at once; transient errors are
// retried while the last successful renewal is still within ttl.
func keepAlive(ctx context.Context, ttl, interval time.Duration, stop <-chan struct{}, renew func(context.Context) (bool, error), lost func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastOK := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			held, err := renew(rctx)
			cancel()
			switch {
			case err == nil && held:
				lastOK = time.Now()
			case err == nil:
				lost(errLeaseGone)
				return
			case time.Since(lastOK)+interval >= ttl:
				// the key may expire before the next attempt
				lost(err)
				return
			}
		}
	}
}
