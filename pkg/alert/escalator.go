package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/srvo/dewey/pkg/metrics"
)

// Alert describes an account whose sync has failed Threshold times in a row.
type Alert struct {
	AccountID   string    `json:"account_id"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"last_error"`
	RaisedAt    time.Time `json:"raised_at"`
	Description string    `json:"description"`
}

// Notifier delivers an Alert to operators.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Escalator counts consecutive failed cycles per account and raises one
// alert when the count reaches the threshold. A success resets the count.
type Escalator struct {
	counter   Counter
	threshold int64
	notifiers []Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewEscalator returns an Escalator; threshold <= 0 disables alerting but
// still tracks the failure gauge.
func NewEscalator(counter Counter, threshold int, logger *zap.Logger, notifiers ...Notifier) *Escalator {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &Escalator{
		counter:   counter,
		threshold: int64(threshold),
		notifiers: notifiers,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFailure bumps the account's failure count and reports whether this
// call raised the alert.
func (e *Escalator) RecordFailure(ctx context.Context, accountID string, cause error) (int64, bool) {
	count, err := e.counter.Incr(ctx, accountID)
	if err != nil {
		e.logger.Warn("Failure counter unavailable",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return 0, false
	}
	metrics.SetConsecutiveFailures(accountID, count)

	if e.threshold <= 0 || count != e.threshold {
		return count, false
	}

	a := Alert{
		AccountID:   accountID,
		Failures:    count,
		RaisedAt:    e.now(),
		Description: "sync has failed on consecutive cycles; check provider credentials and connectivity",
	}
	if cause != nil {
		a.LastError = cause.Error()
	}

	e.logger.Error("Sync failing persistently, escalating",
		zap.String("account_id", accountID),
		zap.Int64("consecutive_failures", count),
		zap.Error(cause),
	)
	metrics.IncrementSyncAlert(accountID)

	for _, n := range e.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			e.logger.Warn("Alert notifier failed",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
	}
	return count, true
}

// RecordSuccess clears the account's failure streak.
func (e *Escalator) RecordSuccess(ctx context.Context, accountID string) {
	if err := e.counter.Reset(ctx, accountID); err != nil {
		e.logger.Warn("Failed to reset failure counter",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return
	}
	metrics.SetConsecutiveFailures(accountID, 0)
}
