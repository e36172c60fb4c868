package mqhandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/pkg/alert"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/metrics"
	"github.com/srvo/dewey/pkg/mq"
)

// Deduper guards against at-least-once redelivery.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
	Release(ctx context.Context, handler, key string)
}

// MatchSink receives each distinct rule match, e.g. to feed analytics.
type MatchSink interface {
	RecordMatch(ctx context.Context, ev *model.RuleMatchEvent) error
}

type RuleMatchedHandler struct {
	dedup  Deduper
	sink   MatchSink
	logger *zap.Logger
}

// NewRuleMatchedHandler; dedup and sink may be nil.
func NewRuleMatchedHandler(dedup Deduper, sink MatchSink, logger *zap.Logger) *RuleMatchedHandler {
	return &RuleMatchedHandler{dedup: dedup, sink: sink, logger: logger}
}

// Handle consumes rule.matched. Undecodable payloads are acked and dropped;
// a sink error is returned so the delivery is requeued.
func (h *RuleMatchedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var ev model.RuleMatchEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.MessageID == "" {
		// JSON decode 错误 - 不可重试
		log.Error("Invalid rule.matched payload (non-retryable)", zap.Error(err))
		metrics.IncrementEventsConsumed(mq.RoutingKeyRuleMatched, "invalid")
		return nil
	}

	// 每封邮件最多一个 match，按 message_id 去重
	if h.dedup != nil && !h.dedup.AcquireOnce(ctx, "rule_matched", ev.MessageID) {
		metrics.IncrementEventsConsumed(mq.RoutingKeyRuleMatched, "duplicate")
		return nil
	}

	if h.sink != nil {
		if err := h.sink.RecordMatch(ctx, &ev); err != nil {
			log.Warn("Match sink failed, requeueing",
				zap.String("message_id", ev.MessageID),
				zap.Error(err),
			)
			if h.dedup != nil {
				h.dedup.Release(ctx, "rule_matched", ev.MessageID)
			}
			return err
		}
	}

	log.Info("Rule matched",
		zap.String("message_id", ev.MessageID),
		zap.String("rule_id", ev.RuleID),
		zap.String("action", ev.Action),
		zap.Duration("lag", time.Since(ev.MatchedAt)),
	)
	metrics.IncrementEventsConsumed(mq.RoutingKeyRuleMatched, "handled")
	return nil
}

type SyncAlertHandler struct {
	logger *zap.Logger
}

func NewSyncAlertHandler(logger *zap.Logger) *SyncAlertHandler {
	return &SyncAlertHandler{logger: logger}
}

// Handle consumes sync.alert and surfaces it at error level.
func (h *SyncAlertHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var a alert.Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		h.logger.Error("Invalid sync.alert payload (non-retryable)", zap.Error(err))
		metrics.IncrementEventsConsumed(mq.RoutingKeySyncAlert, "invalid")
		return nil
	}
	logger.WithTrace(ctx, h.logger).Error("Account sync alert",
		zap.String("account_id", a.AccountID),
		zap.Int64("consecutive_failures", a.Failures),
		zap.String("last_error", a.LastError),
		zap.Time("raised_at", a.RaisedAt),
	)
	metrics.IncrementEventsConsumed(mq.RoutingKeySyncAlert, "handled")
	return nil
}
