// Package rules evaluates triage rules against stored messages.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/metrics"
)

// Engine applies the highest priority matching rule to a message and
// records the match. At most one action ever fires per message.
type Engine struct {
	store    repository.RuleStore
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	invalid  map[string]error
}

func NewEngine(store repository.RuleStore, registry *Registry, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		compiled: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]error),
	}
}

// WithClock sets the clock used for MatchedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ApplyRules returns the match event for msg, or nil when no active rule
// matches. A message that already has an event is returned as is without
// running any action. A handler error aborts without recording so the
// message can be retried.
func (e *Engine) ApplyRules(ctx context.Context, msg *model.Message) (*model.RuleMatchEvent, error) {
	log := logger.WithTrace(ctx, e.logger).With(zap.String("message_id", msg.ID))

	existing, err := e.store.GetMatchEvent(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("loading match event: %w", err)
	}
	if existing != nil {
		log.Debug("Message already triaged", zap.String("rule_id", existing.RuleID))
		return existing, nil
	}

	active, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}
	SortRules(active)

	content := msg.Content()
	for _, rule := range active {
		re, ok := e.pattern(rule, log)
		if !ok || !re.MatchString(content) {
			continue
		}
		return e.fire(ctx, log, msg, rule)
	}
	return nil, nil
}

func (e *Engine) fire(ctx context.Context, log *zap.Logger, msg *model.Message, rule *model.Rule) (*model.RuleMatchEvent, error) {
	log = log.With(
		zap.String("rule_id", rule.ID),
		zap.String("rule", rule.Name),
		zap.String("action", rule.Action),
	)

	if err := e.registry.Dispatch(ctx, msg, rule); err != nil {
		if !errors.Is(err, ErrActionUnimplemented) {
			return nil, fmt.Errorf("rule %s action %s: %w", rule.Name, rule.Action, err)
		}
		log.Warn("Rule action not implemented, recording match anyway")
	}

	ev := model.NewRuleMatchEvent(msg.ID, rule, e.now())
	stored, err := e.store.RecordMatch(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("recording match: %w", err)
	}
	if !stored {
		// A concurrent evaluation won the insert; report its event.
		winner, err := e.store.GetMatchEvent(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("loading match event: %w", err)
		}
		if winner != nil {
			return winner, nil
		}
	}

	metrics.IncrementRuleMatch(rule.Action)
	log.Info("Rule matched")
	return ev, nil
}

// pattern returns the compiled regexp for rule, caching both successes and
// failures by pattern text.
func (e *Engine) pattern(rule *model.Rule, log *zap.Logger) (*regexp.Regexp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.compiled[rule.Pattern]; ok {
		return re, true
	}
	if _, bad := e.invalid[rule.Pattern]; bad {
		return nil, false
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		e.invalid[rule.Pattern] = err
		log.Warn("Skipping rule with invalid pattern",
			zap.String("rule_id", rule.ID),
			zap.String("pattern", rule.Pattern),
			zap.Error(err),
		)
		return nil, false
	}
	e.compiled[rule.Pattern] = re
	return re, true
}

// SortRules orders rules by priority descending, then creation order.
func SortRules(rules []*model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Validate checks a rule before it is stored.
func Validate(rule *model.Rule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if !model.IsKnownAction(rule.Action) {
		return fmt.Errorf("rule %s: unknown action %q", rule.Name, rule.Action)
	}
	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return fmt.Errorf("rule %s: invalid pattern: %w", rule.Name, err)
	}
	if (rule.Action == model.ActionMoveToFolder || rule.Action == model.ActionAddLabel) && rule.ActionArg == "" {
		return fmt.Errorf("rule %s: action %s requires action_arg", rule.Name, rule.Action)
	}
	return nil
}
