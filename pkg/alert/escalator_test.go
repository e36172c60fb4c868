package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEscalatorRaisesOnceAtThreshold(t *testing.T) {
	var raised []Alert
	notifier := NotifierFunc(func(ctx context.Context, a Alert) error {
		raised = append(raised, a)
		return nil
	})
	esc := NewEscalator(NewMemoryCounter(), 3, zap.NewNop(), notifier)
	ctx := context.Background()
	cause := errors.New("401 unauthorized")

	for i := 1; i <= 5; i++ {
		count, alerted := esc.RecordFailure(ctx, "acct-1", cause)
		assert.Equal(t, int64(i), count)
		assert.Equal(t, i == 3, alerted, "cycle %d", i)
	}

	if assert.Len(t, raised, 1) {
		assert.Equal(t, "acct-1", raised[0].AccountID)
		assert.Equal(t, int64(3), raised[0].Failures)
		assert.Equal(t, "401 unauthorized", raised[0].LastError)
	}
}

func TestEscalatorSuccessResetsStreak(t *testing.T) {
	calls := 0
	notifier := NotifierFunc(func(ctx context.Context, a Alert) error {
		calls++
		return nil
	})
	esc := NewEscalator(nil, 2, zap.NewNop(), notifier)
	ctx := context.Background()

	esc.RecordFailure(ctx, "acct-1", nil)
	esc.RecordSuccess(ctx, "acct-1")
	count, alerted := esc.RecordFailure(ctx, "acct-1", nil)

	assert.Equal(t, int64(1), count)
	assert.False(t, alerted)
	assert.Equal(t, 0, calls)

	_, alerted = esc.RecordFailure(ctx, "acct-1", nil)
	assert.True(t, alerted)
	assert.Equal(t, 1, calls)
}

func TestEscalatorAccountsAreIndependent(t *testing.T) {
	esc := NewEscalator(NewMemoryCounter(), 2, zap.NewNop())
	ctx := context.Background()

	esc.RecordFailure(ctx, "a", nil)
	count, alerted := esc.RecordFailure(ctx, "b", nil)

	assert.Equal(t, int64(1), count)
	assert.False(t, alerted)
}

func TestEscalatorDisabledThreshold(t *testing.T) {
	esc := NewEscalator(NewMemoryCounter(), 0, zap.NewNop(), NotifierFunc(func(ctx context.Context, a Alert) error {
		t.Fatal("notifier must not be called when alerting is disabled")
		return nil
	}))

	for i := 0; i < 10; i++ {
		_, alerted := esc.RecordFailure(context.Background(), "acct", nil)
		assert.False(t, alerted)
	}
}
