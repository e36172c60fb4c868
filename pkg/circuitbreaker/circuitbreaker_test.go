package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(cfg)
	b.now = clk.now
	return b, clk
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	_ = b.Execute(fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})

	_ = b.Execute(fail)
	assert.Equal(t, StateOpen, b.State())

	clk.t = clk.t.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.NoError(t, b.Execute(succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Execute(succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Minute})

	_ = b.Execute(fail)
	clk.t = clk.t.Add(2 * time.Minute)
	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	benign := errors.New("benign")
	b, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, benign) },
	})

	assert.ErrorIs(t, b.Execute(func() error { return benign }), benign)
	assert.Equal(t, StateClosed, b.State())
}

func TestGroupKeepsBreakersApart(t *testing.T) {
	g := NewGroup(Config{FailureThreshold: 1, Timeout: time.Hour})

	_ = g.Get("a").Execute(fail)
	assert.Equal(t, StateOpen, g.Get("a").State())
	assert.Equal(t, StateClosed, g.Get("b").State())
	assert.Same(t, g.Get("a"), g.Get("a"))

	g.Get("a").Reset()
	assert.Equal(t, StateClosed, g.Get("a").State())
}
