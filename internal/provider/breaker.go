package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/srvo/dewey/pkg/circuitbreaker"
)

// Guarded puts a per-account circuit breaker in front of a Provider, so an
// account whose provider keeps failing is skipped quickly until the breaker
// half-opens. Expired change tokens and cancellations do not trip it.
// Label mirroring has its own breakers, so failing rule actions never block
// sync.
type Guarded struct {
	next     Provider
	breakers *circuitbreaker.Group
	mirror   *circuitbreaker.Group
	logger   *zap.Logger
}

var (
	_ Provider      = (*Guarded)(nil)
	_ LabelModifier = (*Guarded)(nil)
)

func NewGuarded(next Provider, cfg circuitbreaker.Config, logger *zap.Logger) *Guarded {
	syncCfg, mirrorCfg := cfg, cfg
	syncCfg.IsFailure = countsAgainstBreaker
	mirrorCfg.IsFailure = mirrorCountsAgainstBreaker
	return &Guarded{
		next:     next,
		breakers: circuitbreaker.NewGroup(syncCfg),
		mirror:   circuitbreaker.NewGroup(mirrorCfg),
		logger:   logger,
	}
}

func countsAgainstBreaker(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// mirrorCountsAgainstBreaker ignores client errors such as a 404 for a
// message deleted at the provider; only the request itself is wrong.
func mirrorCountsAgainstBreaker(err error) bool {
	if !countsAgainstBreaker(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 && pe.StatusCode != 429 {
		return false
	}
	return true
}

// State reports the sync breaker state for accountID.
func (g *Guarded) State(accountID string) circuitbreaker.State {
	return g.breakers.Get(accountID).State()
}

// MirrorState reports the label mirroring breaker state for accountID.
func (g *Guarded) MirrorState(accountID string) circuitbreaker.State {
	return g.mirror.Get(accountID).State()
}

func (g *Guarded) call(op, accountID string, fn func() error) error {
	return g.callWith(g.breakers, op, accountID, fn)
}

func (g *Guarded) callWith(group *circuitbreaker.Group, op, accountID string, fn func() error) error {
	err := group.Get(accountID).Execute(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		g.logger.Debug("Provider circuit open, skipping call",
			zap.String("account_id", accountID),
			zap.String("op", op),
		)
		return &ProviderError{Op: op, AccountID: accountID, Err: err}
	}
	return err
}

func (g *Guarded) FetchPage(ctx context.Context, accountID, token string) (*Page, error) {
	var page *Page
	err := g.call("list", accountID, func() error {
		var err error
		page, err = g.next.FetchPage(ctx, accountID, token)
		return err
	})
	return page, err
}

func (g *Guarded) FetchChanges(ctx context.Context, accountID, since string) (*ChangeSet, error) {
	var set *ChangeSet
	err := g.call("history", accountID, func() error {
		var err error
		set, err = g.next.FetchChanges(ctx, accountID, since)
		return err
	})
	return set, err
}

func (g *Guarded) ModifyLabels(ctx context.Context, accountID, messageID string, add, remove []string) error {
	lm, ok := g.next.(LabelModifier)
	if !ok {
		return fmt.Errorf("provider %T cannot modify labels", g.next)
	}
	return g.callWith(g.mirror, "modify", accountID, func() error {
		return lm.ModifyLabels(ctx, accountID, messageID, add, remove)
	})
}
