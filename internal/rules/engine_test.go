package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository/memory"
)

type recorder struct {
	fired []string
	err   error
}

func (r *recorder) registry() *Registry {
	reg := NewRegistry()
	for _, a := range []string{model.ActionMarkAsRead, model.ActionArchive, model.ActionStar, model.ActionTrash, model.ActionAddLabel, model.ActionMoveToFolder} {
		reg.Register(a, HandlerFunc(func(_ context.Context, _ *model.Message, rule *model.Rule) error {
			if r.err != nil {
				return r.err
			}
			r.fired = append(r.fired, rule.Name)
			return nil
		}))
	}
	return reg
}

type fixture struct {
	store  *memory.Store
	rec    *recorder
	engine *Engine
	msg    *model.Message
}

func newFixture(t *testing.T, rules ...*model.Rule) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	for _, r := range rules {
		require.NoError(t, store.UpsertRule(ctx, r))
	}
	msg := &model.Message{
		ID:         "m1",
		AccountID:  "acct",
		Subject:    "Your invoice #42",
		BodyText:   "Payment due Friday",
		ReceivedAt: time.Now(),
		Labels:     []string{model.LabelInbox, model.LabelUnread},
	}
	_, err := store.Upsert(ctx, msg)
	require.NoError(t, err)

	rec := &recorder{}
	return &fixture{
		store:  store,
		rec:    rec,
		engine: NewEngine(store, rec.registry(), zap.NewNop()),
		msg:    msg,
	}
}

func TestApplyRulesHighestPriorityWins(t *testing.T) {
	f := newFixture(t,
		model.NewRule("low", "invoice", model.ActionStar, 1),
		model.NewRule("high", "Payment", model.ActionArchive, 10),
	)

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ActionArchive, ev.Action)
	assert.Equal(t, []string{"high"}, f.rec.fired)
}

func TestApplyRulesFirstMatchOnly(t *testing.T) {
	f := newFixture(t,
		model.NewRule("nomatch", "newsletter", model.ActionTrash, 100),
		model.NewRule("second", "invoice", model.ActionStar, 50),
		model.NewRule("third", ".*", model.ActionArchive, 10),
	)

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, []string{"second"}, f.rec.fired)
}

func TestApplyRulesTieBreaksOnCreationOrder(t *testing.T) {
	first := model.NewRule("first", "invoice", model.ActionStar, 5)
	second := model.NewRule("second", "invoice", model.ActionArchive, 5)
	f := newFixture(t, first, second)

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, first.ID, ev.RuleID)
}

func TestApplyRulesIsIdempotent(t *testing.T) {
	f := newFixture(t, model.NewRule("star", "invoice", model.ActionStar, 1))
	ctx := context.Background()

	first, err := f.engine.ApplyRules(ctx, f.msg)
	require.NoError(t, err)
	second, err := f.engine.ApplyRules(ctx, f.msg)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.rec.fired, 1, "action must not run twice")
}

func TestApplyRulesNoRules(t *testing.T) {
	f := newFixture(t)
	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestApplyRulesNoMatchRecordsNothing(t *testing.T) {
	f := newFixture(t, model.NewRule("r", "^zzz$", model.ActionStar, 1))
	ctx := context.Background()

	ev, err := f.engine.ApplyRules(ctx, f.msg)
	require.NoError(t, err)
	assert.Nil(t, ev)

	stored, err := f.store.GetMatchEvent(ctx, f.msg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestApplyRulesInactiveRulesIgnored(t *testing.T) {
	off := model.NewRule("off", "invoice", model.ActionTrash, 10)
	off.Active = false
	f := newFixture(t, off, model.NewRule("on", "invoice", model.ActionStar, 1))

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ActionStar, ev.Action)
}

func TestApplyRulesUnimplementedActionStillRecords(t *testing.T) {
	f := newFixture(t, model.NewRule("fwd", "invoice", model.ActionForward, 1))
	ctx := context.Background()

	ev, err := f.engine.ApplyRules(ctx, f.msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ActionForward, ev.Action)

	stored, err := f.store.GetMatchEvent(ctx, f.msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, ev.ID, stored.ID)
}

func TestApplyRulesHandlerErrorLeavesMessageRetryable(t *testing.T) {
	f := newFixture(t, model.NewRule("star", "invoice", model.ActionStar, 1))
	ctx := context.Background()
	f.rec.err = errors.New("provider unavailable")

	_, err := f.engine.ApplyRules(ctx, f.msg)
	require.Error(t, err)
	stored, err := f.store.GetMatchEvent(ctx, f.msg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	f.rec.err = nil
	ev, err := f.engine.ApplyRules(ctx, f.msg)
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

func TestApplyRulesSkipsInvalidPattern(t *testing.T) {
	f := newFixture(t,
		model.NewRule("broken", "([", model.ActionTrash, 10),
		model.NewRule("valid", "invoice", model.ActionStar, 1),
	)

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ActionStar, ev.Action)
	assert.Contains(t, f.engine.invalid, "([")
}

func TestApplyRulesFallsBackToHTMLBody(t *testing.T) {
	f := newFixture(t, model.NewRule("html", "<b>urgent</b>", model.ActionStar, 1))
	f.msg.BodyText = ""
	f.msg.BodyHTML = "<p><b>urgent</b></p>"

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

func TestApplyRulesMatchedAtUsesClock(t *testing.T) {
	f := newFixture(t, model.NewRule("r", "invoice", model.ActionStar, 1))
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.engine.WithClock(func() time.Time { return at })

	ev, err := f.engine.ApplyRules(context.Background(), f.msg)
	require.NoError(t, err)
	assert.Equal(t, at, ev.MatchedAt)
}

func TestSortRulesIsDeterministic(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rules := []*model.Rule{
		{Name: "c", Priority: 1, Seq: 1, CreatedAt: t0},
		{Name: "b", Priority: 5, Seq: 3, CreatedAt: t0},
		{Name: "a", Priority: 5, Seq: 2, CreatedAt: t0.Add(time.Hour)},
		{Name: "d", Priority: 5, Seq: 3, CreatedAt: t0.Add(-time.Hour)},
	}
	SortRules(rules)

	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"a", "d", "b", "c"}, names)
}

func TestValidate(t *testing.T) {
	ok := model.NewRule("ok", "x", model.ActionStar, 1)
	assert.NoError(t, Validate(ok))

	unknown := model.NewRule("u", "x", "explode", 1)
	assert.Error(t, Validate(unknown))

	badPattern := model.NewRule("p", "(", model.ActionStar, 1)
	assert.Error(t, Validate(badPattern))

	noArg := model.NewRule("m", "x", model.ActionMoveToFolder, 1)
	assert.Error(t, Validate(noArg))
	noArg.ActionArg = "Receipts"
	assert.NoError(t, Validate(noArg))
}
