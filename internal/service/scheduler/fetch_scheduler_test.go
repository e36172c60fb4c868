package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/service/ingest"
	"github.com/srvo/dewey/internal/service/triage"
	"github.com/srvo/dewey/pkg/alert"
	"github.com/srvo/dewey/pkg/trace"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeSyncer struct {
	mu     sync.Mutex
	calls  map[string]int
	traces []string
	fn     func(ctx context.Context, accountID string) (*ingest.SyncReport, error)
}

func (f *fakeSyncer) Sync(ctx context.Context, accountID string) (*ingest.SyncReport, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[accountID]++
	f.traces = append(f.traces, trace.FromContext(ctx))
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, accountID)
	}
	return &ingest.SyncReport{AccountID: accountID}, nil
}

func (f *fakeSyncer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeTriager struct {
	mu    sync.Mutex
	calls int
	limit int
	err   error
}

func (f *fakeTriager) ProcessPending(_ context.Context, limit int) (triage.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limit = limit
	return triage.Report{Examined: 1}, f.err
}

type fakeEscalator struct {
	mu        sync.Mutex
	failures  map[string]int
	successes map[string]int
}

func newFakeEscalator() *fakeEscalator {
	return &fakeEscalator{failures: map[string]int{}, successes: map[string]int{}}
}

func (f *fakeEscalator) RecordFailure(_ context.Context, accountID string, _ error) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[accountID]++
	return int64(f.failures[accountID]), false
}

func (f *fakeEscalator) RecordSuccess(_ context.Context, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[accountID]++
}

func newScheduler(s Syncer, t Triager, accounts ...string) (*FetchScheduler, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	fs := NewFetchScheduler(s, t, accounts, Config{
		FetchInterval: 900 * time.Second,
		CheckInterval: 10 * time.Millisecond,
		TriageBatch:   25,
	}, zap.NewNop()).WithClock(c.Now)
	return fs, c
}

func TestTickHonoursFetchInterval(t *testing.T) {
	syncer := &fakeSyncer{}
	fs, c := newScheduler(syncer, nil, "acct")
	now := c.Now()

	fs.SetLastRun(now.Add(-899 * time.Second))
	assert.False(t, fs.Tick(context.Background()))
	assert.Equal(t, 0, syncer.total())

	fs.SetLastRun(now.Add(-901 * time.Second))
	assert.True(t, fs.Tick(context.Background()))
	assert.Equal(t, 1, syncer.total())
	assert.Equal(t, now, fs.LastRun())

	// Just ran; not due again until the interval passes.
	assert.False(t, fs.Tick(context.Background()))
	c.Set(now.Add(900 * time.Second))
	assert.True(t, fs.Tick(context.Background()))
	assert.Equal(t, 2, syncer.total())
}

func TestFirstTickAlwaysRuns(t *testing.T) {
	syncer := &fakeSyncer{}
	fs, _ := newScheduler(syncer, nil, "acct")
	assert.True(t, fs.Due())
	assert.True(t, fs.Tick(context.Background()))
}

func TestCycleSyncsEveryAccountThenTriages(t *testing.T) {
	syncer := &fakeSyncer{}
	triager := &fakeTriager{}
	fs, _ := newScheduler(syncer, triager, "a", "b", "c")

	rep := fs.RunCycle(context.Background())
	require.Len(t, rep.Accounts, 3)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, syncer.calls)
	assert.Equal(t, 1, triager.calls)
	assert.Equal(t, 25, triager.limit)
	assert.Equal(t, 1, rep.Triage.Examined)
	assert.NotEmpty(t, rep.TraceID)

	for _, tr := range syncer.traces {
		assert.Equal(t, rep.TraceID, tr)
	}
}

func TestCycleIsolatesFailuresAndPanics(t *testing.T) {
	esc := newFakeEscalator()
	syncer := &fakeSyncer{fn: func(_ context.Context, acct string) (*ingest.SyncReport, error) {
		switch acct {
		case "broken":
			return nil, errors.New("provider down")
		case "panicky":
			panic("boom")
		case "busy":
			return nil, ingest.ErrSyncInProgress
		}
		return &ingest.SyncReport{AccountID: acct}, nil
	}}
	triager := &fakeTriager{}
	fs, _ := newScheduler(syncer, triager, "ok", "broken", "panicky", "busy")
	fs.WithEscalator(esc)

	rep := fs.RunCycle(context.Background())

	byID := map[string]AccountResult{}
	for _, r := range rep.Accounts {
		byID[r.AccountID] = r
	}
	assert.Empty(t, byID["ok"].Error)
	assert.Equal(t, "provider down", byID["broken"].Error)
	assert.Contains(t, byID["panicky"].Error, "boom")
	assert.True(t, byID["busy"].Skipped)

	assert.Equal(t, map[string]int{"broken": 1, "panicky": 1}, esc.failures)
	assert.Equal(t, map[string]int{"ok": 1}, esc.successes)
	assert.Equal(t, 1, triager.calls, "triage still runs after sync failures")
	assert.False(t, fs.LastRun().IsZero())
}

func TestCycleSurvivesTriagePanic(t *testing.T) {
	fs, _ := newScheduler(&fakeSyncer{}, panicTriager{}, "acct")
	rep := fs.RunCycle(context.Background())
	assert.Contains(t, rep.TriageErr, "panic")
}

type panicTriager struct{}

func (panicTriager) ProcessPending(context.Context, int) (triage.Report, error) {
	panic("triage exploded")
}

func TestEscalatorAlertsAfterConsecutiveFailedCycles(t *testing.T) {
	var mu sync.Mutex
	var alerts []alert.Alert
	esc := alert.NewEscalator(alert.NewMemoryCounter(), 3, zap.NewNop(),
		alert.NotifierFunc(func(_ context.Context, a alert.Alert) error {
			mu.Lock()
			alerts = append(alerts, a)
			mu.Unlock()
			return nil
		}))

	syncer := &fakeSyncer{fn: func(context.Context, string) (*ingest.SyncReport, error) {
		return nil, errors.New("invalid_grant")
	}}
	fs, _ := newScheduler(syncer, nil, "acct")
	fs.WithEscalator(esc)

	for i := 0; i < 5; i++ {
		fs.RunCycle(context.Background())
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(3), alerts[0].Failures)
	assert.Equal(t, "invalid_grant", alerts[0].LastError)
}

func TestCycleIgnoresCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel bool
	syncer := &fakeSyncer{fn: func(ctx context.Context, acct string) (*ingest.SyncReport, error) {
		close(started)
		<-release
		sawCancel = ctx.Err() != nil
		return &ingest.SyncReport{AccountID: acct}, nil
	}}
	fs, _ := newScheduler(syncer, nil, "acct")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *CycleReport)
	go func() { done <- fs.RunCycle(ctx) }()

	<-started
	cancel()
	close(release)
	rep := <-done
	assert.False(t, sawCancel)
	assert.Empty(t, rep.Accounts[0].Error)
}

func TestRunStopsAfterInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	syncer := &fakeSyncer{fn: func(_ context.Context, acct string) (*ingest.SyncReport, error) {
		once.Do(func() { close(started) })
		<-release
		return &ingest.SyncReport{AccountID: acct}, nil
	}}
	fs, _ := newScheduler(syncer, nil, "acct")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fs.Run(ctx) }()

	<-started
	assert.True(t, fs.Running())
	assert.ErrorIs(t, fs.Run(context.Background()), ErrAlreadyRunning)

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight cycle finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, fs.Running())
	assert.Equal(t, 1, syncer.total())
	assert.False(t, fs.LastRun().IsZero())
}
