// Package ingest pulls messages from a provider into the message store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/provider"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/pkg/lock"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/metrics"
)

// ErrSyncInProgress is returned when the account is already being synced,
// in this process or, with a Locker, in another one.
var ErrSyncInProgress = errors.New("sync already in progress")

// Locker hands out cross-process leases keyed by account.
type Locker interface {
	// Acquire returns a context that is cancelled if the lease is lost
	// before release is called.
	Acquire(ctx context.Context, name string) (leaseCtx context.Context, release func(), err error)
}

// Mode is the kind of sync that ran.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// SyncReport summarizes one Sync call.
type SyncReport struct {
	AccountID string `json:"account_id"`
	Mode      Mode   `json:"mode"`
	// Fallback is set when an expired change token forced a full sync.
	Fallback      bool          `json:"fallback"`
	Pages         int           `json:"pages"`
	Inserted      int           `json:"inserted"`
	Duplicates    int           `json:"duplicates"`
	LabelUpdates  int           `json:"label_updates"`
	Deletions     int           `json:"deletions"`
	NewMessageIDs []string      `json:"new_message_ids"`
	Duration      time.Duration `json:"duration"`
}

func (r *SyncReport) add(res *repository.BatchResult) {
	r.Pages++
	r.Inserted += len(res.Inserted)
	r.Duplicates += res.Duplicates
	r.LabelUpdates += res.LabelsUpdated
	r.NewMessageIDs = append(r.NewMessageIDs, res.Inserted...)
}

// Coordinator runs full and incremental syncs. Each committed page moves the
// checkpoint forward in the same transaction as its messages, so a failed
// attempt resumes from the last committed page.
type Coordinator struct {
	store    repository.MessageStore
	provider provider.Provider
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func NewCoordinator(store repository.MessageStore, p provider.Provider, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		provider: p,
		logger:   logger,
		now:      time.Now,
		running:  make(map[string]struct{}),
	}
}

// WithLocker adds a cross-process lease around each sync.
func (c *Coordinator) WithLocker(l Locker) *Coordinator {
	c.locker = l
	return c
}

func (c *Coordinator) tryStart(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[accountID]; busy {
		return false
	}
	c.running[accountID] = struct{}{}
	return true
}

func (c *Coordinator) finish(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, accountID)
}

// Sync brings the account up to date. With no checkpoint it runs a full
// sync; a checkpoint left in the full phase resumes that sync; otherwise it
// applies changes since the stored cursor.
func (c *Coordinator) Sync(ctx context.Context, accountID string) (*SyncReport, error) {
	if !c.tryStart(accountID) {
		return nil, ErrSyncInProgress
	}
	defer c.finish(accountID)

	if c.locker != nil {
		leaseCtx, release, err := c.locker.Acquire(ctx, accountID)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %v", ErrSyncInProgress, err)
		}
		if err != nil {
			return nil, fmt.Errorf("acquiring sync lease: %w", err)
		}
		defer release()
		ctx = leaseCtx
	}

	log := logger.WithTrace(ctx, c.logger).With(zap.String("account_id", accountID))
	start := c.now()
	report := &SyncReport{AccountID: accountID}

	cp, err := c.store.GetCheckpoint(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	switch {
	case cp == nil:
		log.Info("No checkpoint, starting full sync")
		err = c.full(ctx, log, accountID, "", report)
	case cp.Phase == model.PhaseFull:
		log.Info("Resuming interrupted full sync", zap.String("token", cp.Token))
		err = c.full(ctx, log, accountID, cp.Token, report)
	default:
		err = c.incremental(ctx, log, accountID, cp.Token, report)
		if errors.Is(err, provider.ErrTokenExpired) {
			log.Warn("Change token expired, falling back to full sync",
				zap.String("reason", "token_expired"),
				zap.String("token", cp.Token),
				zap.Error(err),
			)
			metrics.IncrementTokenExpiredFallback(accountID)
			report.Fallback = true
			err = c.full(ctx, log, accountID, "", report)
		}
	}

	report.Duration = c.now().Sub(start)
	if cause := context.Cause(ctx); err != nil && errors.Is(cause, lock.ErrLeaseLost) {
		err = fmt.Errorf("%w: %w", cause, err)
	}
	if err != nil {
		metrics.RecordSync(accountID, string(report.Mode), "error", report.Duration)
		var pe *provider.ProviderError
		if errors.As(err, &pe) {
			log.Warn("Provider error, sync aborted",
				zap.String("reason", "provider_error"),
				zap.String("mode", string(report.Mode)),
				zap.Int("pages_committed", report.Pages),
				zap.Error(err),
			)
		} else {
			log.Error("Sync failed",
				zap.String("reason", "storage_error"),
				zap.String("mode", string(report.Mode)),
				zap.Int("pages_committed", report.Pages),
				zap.Error(err),
			)
		}
		return report, err
	}

	metrics.RecordSync(accountID, string(report.Mode), "success", report.Duration)
	log.Info("Sync completed",
		zap.String("mode", string(report.Mode)),
		zap.Bool("fallback", report.Fallback),
		zap.Int("pages", report.Pages),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("label_updates", report.LabelUpdates),
		zap.Int("deletions", report.Deletions),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (c *Coordinator) full(ctx context.Context, log *zap.Logger, accountID, token string, report *SyncReport) error {
	report.Mode = ModeFull
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := c.provider.FetchPage(ctx, accountID, token)
		if err != nil {
			return provider.Wrap("list", accountID, err)
		}

		batch := repository.Batch{AccountID: accountID, Messages: page.Messages}
		if page.HasMore {
			if page.NextToken == "" {
				return provider.Wrap("list", accountID, errors.New("page has more results but no continuation token"))
			}
			batch.Token, batch.Phase = page.NextToken, model.PhaseFull
		} else {
			if page.SyncToken == "" {
				log.Warn("Provider returned no sync token; next sync will start over")
			}
			batch.Token, batch.Phase = page.SyncToken, model.PhaseIncremental
		}

		if err := c.commit(ctx, batch, report); err != nil {
			return err
		}
		log.Debug("Committed page",
			zap.Int("page", report.Pages),
			zap.Int("messages", len(page.Messages)),
			zap.String("phase", string(batch.Phase)),
		)
		if !page.HasMore {
			return nil
		}
		token = page.NextToken
	}
}

func (c *Coordinator) incremental(ctx context.Context, log *zap.Logger, accountID, cursor string, report *SyncReport) error {
	report.Mode = ModeIncremental
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		set, err := c.provider.FetchChanges(ctx, accountID, cursor)
		if err != nil {
			return provider.Wrap("history", accountID, err)
		}

		batch := repository.Batch{AccountID: accountID, Token: set.NextToken, Phase: model.PhaseIncremental}
		if batch.Token == "" {
			batch.Token = cursor
		}
		for _, ch := range set.Changes {
			switch ch.Kind {
			case provider.ChangeAdded, provider.ChangeUpdated:
				if ch.Message == nil {
					log.Warn("Change without message body, skipping", zap.String("message_id", ch.MessageID))
					continue
				}
				if ch.Message.AccountID == "" {
					ch.Message.AccountID = accountID
				}
				batch.Messages = append(batch.Messages, ch.Message)
				if ch.Kind == provider.ChangeUpdated {
					batch.LabelUpdates = append(batch.LabelUpdates, repository.LabelUpdate{
						MessageID: ch.Message.ID, Replace: true, Set: ch.Message.Labels,
					})
				}
			case provider.ChangeLabels:
				batch.LabelUpdates = append(batch.LabelUpdates, repository.LabelUpdate{
					MessageID: ch.MessageID, Replace: true, Set: ch.Labels,
				})
			case provider.ChangeDeleted:
				batch.LabelUpdates = append(batch.LabelUpdates, repository.LabelUpdate{
					MessageID: ch.MessageID, Add: []string{model.LabelDeleted},
				})
				report.Deletions++
			default:
				log.Warn("Unknown change kind, skipping",
					zap.String("kind", string(ch.Kind)),
					zap.String("message_id", ch.MessageID),
				)
			}
		}

		if err := c.commit(ctx, batch, report); err != nil {
			return err
		}
		if !set.HasMore {
			return nil
		}
		if set.NextToken == "" || set.NextToken == cursor {
			return provider.Wrap("history", accountID, errors.New("change feed reported more results without advancing"))
		}
		cursor = set.NextToken
	}
}

func (c *Coordinator) commit(ctx context.Context, batch repository.Batch, report *SyncReport) error {
	// a lost lease must not advance the checkpoint
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := c.store.CommitBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("committing page %d: %w", report.Pages+1, err)
	}
	report.add(res)
	metrics.AddIngested(batch.AccountID, len(res.Inserted), res.Duplicates)
	metrics.IncrementCheckpointAdvance(batch.AccountID, string(batch.Phase))
	return nil
}
