package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeepAliveRenewsUntilStopped(t *testing.T) {
	var renewals atomic.Int32
	var lostCalls atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		keepAlive(context.Background(), 30*time.Millisecond, 5*time.Millisecond, stop,
			func(context.Context) (bool, error) { renewals.Add(1); return true, nil },
			func(error) { lostCalls.Add(1) },
		)
	}()

	require.Eventually(t, func() bool { return renewals.Load() >= 3 }, time.Second, time.Millisecond)
	close(stop)
	<-done
	assert.Zero(t, lostCalls.Load())
}

func TestKeepAliveReportsTakenOverLease(t *testing.T) {
	lost := make(chan error, 1)
	keepAlive(context.Background(), time.Second, 5*time.Millisecond, make(chan struct{}),
		func(context.Context) (bool, error) { return false, nil },
		func(err error) { lost <- err },
	)
	assert.ErrorIs(t, <-lost, errLeaseGone)
}

func TestKeepAliveToleratesBriefRedisErrors(t *testing.T) {
	var calls atomic.Int32
	var lostCalls atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(context.Background(), 100*time.Millisecond, 5*time.Millisecond, stop,
			func(context.Context) (bool, error) {
				if calls.Add(1) == 1 {
					return false, errors.New("i/o timeout")
				}
				return true, nil
			},
			func(error) { lostCalls.Add(1) },
		)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	close(stop)
	<-done
	assert.Zero(t, lostCalls.Load())
}

func TestKeepAliveGivesUpBeforeTTLRunsOut(t *testing.T) {
	boom := errors.New("connection refused")
	lost := make(chan error, 1)
	keepAlive(context.Background(), 30*time.Millisecond, 5*time.Millisecond, make(chan struct{}),
		func(context.Context) (bool, error) { return false, boom },
		func(err error) { lost <- err },
	)
	assert.ErrorIs(t, <-lost, boom)
}

func TestAcquireFailsWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	l := NewRedisLocker(rdb, time.Minute, zap.NewNop())

	_, _, err := l.Acquire(context.Background(), "acct")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcquired)
}
