// Package scheduler drives periodic sync and triage cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srvo/dewey/internal/service/ingest"
	"github.com/srvo/dewey/internal/service/triage"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/trace"
	"github.com/srvo/dewey/pkg/util"
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("scheduler already running")

type Syncer interface {
	Sync(ctx context.Context, accountID string) (*ingest.SyncReport, error)
}

type Triager interface {
	ProcessPending(ctx context.Context, limit int) (triage.Report, error)
}

// Escalator tracks consecutive failures per account.
type Escalator interface {
	RecordFailure(ctx context.Context, accountID string, cause error) (int64, bool)
	RecordSuccess(ctx context.Context, accountID string)
}

type Config struct {
	FetchInterval time.Duration
	CheckInterval time.Duration
	TriageBatch   int
}

// AccountResult is the outcome of one account's sync within a cycle.
type AccountResult struct {
	AccountID string             `json:"account_id"`
	Report    *ingest.SyncReport `json:"report,omitempty"`
	Skipped   bool               `json:"skipped"`
	Error     string             `json:"error,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
}

// CycleReport summarizes one sync + triage cycle.
type CycleReport struct {
	TraceID   string          `json:"trace_id"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Accounts  []AccountResult `json:"accounts"`
	Triage    triage.Report   `json:"triage"`
	TriageErr string          `json:"triage_error,omitempty"`
}

// FetchScheduler runs a cycle whenever fetchInterval has elapsed since the
// last one, checking every checkInterval. Cancelling the Run context stops
// the loop between cycles; an in-flight cycle always runs to completion.
type FetchScheduler struct {
	syncer    Syncer
	triager   Triager
	escalator Escalator
	accounts  []string
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	lastRun time.Time

	// cycleMu keeps cycles from overlapping when RunCycle is also called
	// from outside the loop.
	cycleMu sync.Mutex
}

func NewFetchScheduler(syncer Syncer, triager Triager, accounts []string, cfg Config, logger *zap.Logger) *FetchScheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 15 * time.Minute
	}
	if cfg.TriageBatch <= 0 {
		cfg.TriageBatch = 100
	}
	return &FetchScheduler{
		syncer:   syncer,
		triager:  triager,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *FetchScheduler) WithEscalator(e Escalator) *FetchScheduler {
	s.escalator = e
	return s
}

func (s *FetchScheduler) WithClock(now func() time.Time) *FetchScheduler {
	s.now = now
	return s
}

// Running reports whether Run is active.
func (s *FetchScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns when the last cycle finished; zero if none has.
func (s *FetchScheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// SetLastRun seeds the last-run time, e.g. from a previous process.
func (s *FetchScheduler) SetLastRun(t time.Time) {
	s.mu.Lock()
	s.lastRun = t
	s.mu.Unlock()
}

// Due reports whether a cycle should start now.
func (s *FetchScheduler) Due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun.IsZero() || s.now().Sub(s.lastRun) >= s.cfg.FetchInterval
}

// Run blocks until ctx is cancelled.
func (s *FetchScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Fetch scheduler started",
		zap.Duration("fetch_interval", s.cfg.FetchInterval),
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Strings("accounts", s.accounts),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Fetch scheduler stopped")
			return nil
		case <-timer.C:
		}
		s.Tick(ctx)
		timer.Reset(s.cfg.CheckInterval)
	}
}

// Tick runs one cycle if one is due and reports whether it did.
func (s *FetchScheduler) Tick(ctx context.Context) bool {
	if !s.Due() {
		return false
	}
	s.RunCycle(ctx)
	return true
}

// RunCycle syncs every account concurrently, then triages pending messages.
// The cycle ignores cancellation of ctx but keeps its values.
func (s *FetchScheduler) RunCycle(ctx context.Context) *CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	ctx, traceID := trace.Ensure(context.WithoutCancel(ctx))
	log := logger.WithTrace(ctx, s.logger)
	report := &CycleReport{
		TraceID:   traceID,
		StartedAt: s.now(),
		Accounts:  make([]AccountResult, len(s.accounts)),
	}
	log.Info("Sync cycle started", zap.Int("accounts", len(s.accounts)))

	var g errgroup.Group
	for i, acct := range s.accounts {
		i, acct := i, acct // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			report.Accounts[i] = s.syncAccount(ctx, log, acct)
			return nil
		})
	}
	_ = g.Wait()

	tr, err := s.triage(ctx)
	report.Triage = tr
	if err != nil {
		report.TriageErr = err.Error()
		log.Error("Triage pass failed", zap.Error(err))
	}

	finished := s.now()
	report.Duration = finished.Sub(report.StartedAt)
	s.mu.Lock()
	s.lastRun = finished
	s.mu.Unlock()

	log.Info("Sync cycle finished",
		zap.Duration("duration", report.Duration),
		zap.Int("triaged", tr.Examined),
		zap.Int("matched", tr.Matched),
	)
	return report
}

func (s *FetchScheduler) syncAccount(ctx context.Context, log *zap.Logger, accountID string) (res AccountResult) {
	res.AccountID = accountID
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during sync: %v", r)
			log.Error("Panic in account sync",
				zap.String("account_id", accountID),
				zap.Any("panic", r),
			)
			res.Error = err.Error()
			s.recordFailure(ctx, accountID, err)
		}
	}()

	rep, err := s.syncer.Sync(ctx, accountID)
	res.Report = rep
	switch {
	case errors.Is(err, ingest.ErrSyncInProgress):
		log.Info("Account sync already in progress, skipping", zap.String("account_id", accountID))
		res.Skipped = true
	case err != nil:
		retryable, kind := util.IsRetryableError(err)
		log.Warn("Account sync failed",
			zap.String("account_id", accountID),
			zap.String("error_kind", kind),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		res.Error = err.Error()
		res.ErrorKind = kind
		s.recordFailure(ctx, accountID, err)
	default:
		if s.escalator != nil {
			s.escalator.RecordSuccess(ctx, accountID)
		}
	}
	return res
}

func (s *FetchScheduler) recordFailure(ctx context.Context, accountID string, err error) {
	if s.escalator != nil {
		s.escalator.RecordFailure(ctx, accountID, err)
	}
}

func (s *FetchScheduler) triage(ctx context.Context) (rep triage.Report, err error) {
	if s.triager == nil {
		return rep, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during triage: %v", r)
		}
	}()
	return s.triager.ProcessPending(ctx, s.cfg.TriageBatch)
}
