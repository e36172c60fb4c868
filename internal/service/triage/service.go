// Package triage runs the rule engine over messages that have not been
// processed yet.
package triage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/metrics"
)

// Evaluator applies rules to one message.
type Evaluator interface {
	ApplyRules(ctx context.Context, msg *model.Message) (*model.RuleMatchEvent, error)
}

// Report summarizes one ProcessPending pass.
type Report struct {
	Examined  int `json:"examined"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Failed    int `json:"failed"`
	// Parked counts failed messages that hit the attempt limit in this pass.
	Parked int `json:"parked"`
}

// DefaultMaxAttempts is how many failed evaluations park a message.
const DefaultMaxAttempts = 5

type Service struct {
	store       repository.MessageStore
	evaluator   Evaluator
	maxAttempts int
	logger      *zap.Logger
}

func NewService(store repository.MessageStore, evaluator Evaluator, logger *zap.Logger) *Service {
	return &Service{store: store, evaluator: evaluator, maxAttempts: DefaultMaxAttempts, logger: logger}
}

// WithMaxAttempts sets how many failed evaluations park a message; 0 keeps
// retrying forever.
func (s *Service) WithMaxAttempts(n int) *Service {
	if n >= 0 {
		s.maxAttempts = n
	}
	return s
}

// ProcessPending drains the unprocessed queue oldest first, pageSize
// messages at a time. A message is marked processed once evaluation
// succeeds, matched or not. A failed message is skipped for the rest of the
// pass and retried in later passes until it is parked.
func (s *Service) ProcessPending(ctx context.Context, pageSize int) (Report, error) {
	var report Report
	log := logger.WithTrace(ctx, s.logger)
	if pageSize <= 0 {
		pageSize = 100
	}

	var failed []string
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.store.UnprocessedMessages(ctx, pageSize, failed...)
		if err != nil {
			return report, fmt.Errorf("listing unprocessed messages: %w", err)
		}

		for _, msg := range page {
			report.Examined++
			ev, err := s.evaluate(ctx, msg)
			switch {
			case err != nil:
				report.Failed++
				failed = append(failed, msg.ID)
				metrics.IncrementTriage("error")
				if s.recordFailure(ctx, log, msg, err) {
					report.Parked++
				}
			case ev != nil:
				report.Matched++
				metrics.IncrementTriage("matched")
			default:
				report.Unmatched++
				metrics.IncrementTriage("unmatched")
			}
		}

		if len(page) < pageSize {
			break
		}
	}

	if report.Examined > 0 {
		log.Info("Triage pass finished",
			zap.Int("examined", report.Examined),
			zap.Int("matched", report.Matched),
			zap.Int("unmatched", report.Unmatched),
			zap.Int("failed", report.Failed),
			zap.Int("parked", report.Parked),
		)
	}
	return report, nil
}

// recordFailure bumps the attempt count and reports whether the message is
// now parked.
func (s *Service) recordFailure(ctx context.Context, log *zap.Logger, msg *model.Message, cause error) bool {
	parked, err := s.store.RecordTriageFailure(ctx, msg.ID, s.maxAttempts)
	if err != nil {
		log.Error("Failed to record triage failure",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	if parked {
		metrics.IncrementTriage("parked")
		log.Error("Triage failed too often, message parked",
			zap.String("message_id", msg.ID),
			zap.String("account_id", msg.AccountID),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(cause),
		)
		return true
	}
	log.Error("Triage failed, will retry",
		zap.String("message_id", msg.ID),
		zap.String("account_id", msg.AccountID),
		zap.Error(cause),
	)
	return false
}

func (s *Service) evaluate(ctx context.Context, msg *model.Message) (*model.RuleMatchEvent, error) {
	ev, err := s.evaluator.ApplyRules(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkProcessed(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("marking processed: %w", err)
	}
	return ev, nil
}

// Reevaluate runs the rules for one stored message regardless of its
// processed or parked flag. A message that already has a match event keeps it.
func (s *Service) Reevaluate(ctx context.Context, messageID string) (*model.RuleMatchEvent, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, msg)
}
