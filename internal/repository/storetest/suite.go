// Package storetest holds behaviour tests every repository.Store backend
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) repository.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewMessage builds a message with deterministic content.
func NewMessage(id string, received time.Time) *model.Message {
	return &model.Message{
		ID:           id,
		AccountID:    "acct-1",
		ThreadID:     "thread-" + id,
		Subject:      "Subject " + id,
		FromName:     "Alice",
		FromAddress:  "alice@example.com",
		To:           []string{"bob@example.com", "carol@example.com"},
		Cc:           []string{},
		BodyText:     "body of " + id,
		ReceivedAt:   received,
		Labels:       []string{model.LabelUnread, model.LabelInbox},
		SizeEstimate: 1234,
		RawPayload:   []byte("raw-" + id),
	}
}

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newStore(t)) })
	t.Run("GetMessageRoundTrip", func(t *testing.T) { testGetMessage(t, newStore(t)) })
	t.Run("MarkProcessed", func(t *testing.T) { testMarkProcessed(t, newStore(t)) })
	t.Run("UnprocessedOrdering", func(t *testing.T) { testUnprocessedOrdering(t, newStore(t)) })
	t.Run("UnprocessedExclude", func(t *testing.T) { testUnprocessedExclude(t, newStore(t)) })
	t.Run("TriageFailureParks", func(t *testing.T) { testTriageFailureParks(t, newStore(t)) })
	t.Run("UpdateLabels", func(t *testing.T) { testUpdateLabels(t, newStore(t)) })
	t.Run("Checkpoint", func(t *testing.T) { testCheckpoint(t, newStore(t)) })
	t.Run("CommitBatch", func(t *testing.T) { testCommitBatch(t, newStore(t)) })
	t.Run("Rules", func(t *testing.T) { testRules(t, newStore(t)) })
	t.Run("MatchEvents", func(t *testing.T) { testMatchEvents(t, newStore(t)) })
}

func testUpsertIdempotent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	msg := NewMessage("m1", base)

	res, err := s.Upsert(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, repository.Inserted, res)

	changed := NewMessage("m1", base.Add(time.Hour))
	changed.Subject = "different"
	res, err = s.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, repository.Duplicate, res)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Subject m1", got.Subject, "duplicate upsert must not overwrite")

	pending, err := s.UnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testGetMessage(t *testing.T, s repository.Store) {
	ctx := context.Background()
	msg := NewMessage("m1", base)
	msg.Labels = []string{"b", "a", "b"}
	_, err := s.Upsert(ctx, msg)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, got.Subject)
	assert.Equal(t, msg.FromAddress, got.FromAddress)
	assert.Equal(t, msg.To, got.To)
	assert.Empty(t, got.Cc)
	assert.Equal(t, []string{"a", "b"}, got.Labels)
	assert.Equal(t, msg.RawPayload, got.RawPayload)
	assert.True(t, msg.ReceivedAt.Equal(got.ReceivedAt))
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testMarkProcessed(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.Upsert(ctx, NewMessage("m1", base))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessed(ctx, "m1"))
	require.NoError(t, s.MarkProcessed(ctx, "m1"))

	pending, err := s.UnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "nope"), repository.ErrNotFound)
}

func testUnprocessedOrdering(t *testing.T, s repository.Store) {
	ctx := context.Background()
	// m3 and m2 share a timestamp; insertion order breaks the tie.
	for _, m := range []*model.Message{
		NewMessage("m3", base),
		NewMessage("m2", base),
		NewMessage("m1", base.Add(-time.Minute)),
		NewMessage("m4", base.Add(time.Minute)),
	} {
		_, err := s.Upsert(ctx, m)
		require.NoError(t, err)
	}

	pending, err := s.UnprocessedMessages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(pending))
}

func testUnprocessedExclude(t *testing.T, s repository.Store) {
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := s.Upsert(ctx, NewMessage(id, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	pending, err := s.UnprocessedMessages(ctx, 2, "m1", "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, ids(pending))
}

func testTriageFailureParks(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.Upsert(ctx, NewMessage("m1", base))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, NewMessage("m2", base.Add(time.Minute)))
	require.NoError(t, err)

	parked, err := s.RecordTriageFailure(ctx, "m1", 2)
	require.NoError(t, err)
	assert.False(t, parked)

	pending, err := s.UnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(pending))

	parked, err = s.RecordTriageFailure(ctx, "m1", 2)
	require.NoError(t, err)
	assert.True(t, parked)

	pending, err = s.UnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(pending))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TriageAttempts)
	assert.True(t, got.TriageParked)
	assert.False(t, got.IsProcessed)

	// 0 never parks
	parked, err = s.RecordTriageFailure(ctx, "m2", 0)
	require.NoError(t, err)
	assert.False(t, parked)

	_, err = s.RecordTriageFailure(ctx, "nope", 2)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testUpdateLabels(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.Upsert(ctx, NewMessage("m1", base))
	require.NoError(t, err)

	got, err := s.UpdateLabels(ctx, "m1", []string{model.LabelStarred}, []string{model.LabelUnread})
	require.NoError(t, err)
	assert.Equal(t, []string{model.LabelInbox, model.LabelStarred}, got.Labels)

	_, err = s.UpdateLabels(ctx, "nope", nil, nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testCheckpoint(t *testing.T, s repository.Store) {
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.AdvanceCheckpoint(ctx, "acct-1", "page-2", model.PhaseFull, 5))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "acct-1", "h-100", model.PhaseIncremental, 3))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "acct-1", "h-101", model.PhaseIncremental, -4))

	cp, err = s.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "h-101", cp.Token)
	assert.Equal(t, model.PhaseIncremental, cp.Phase)
	assert.Equal(t, int64(8), cp.MessagesSynced)
	assert.False(t, cp.LastSyncAt.IsZero())

	other, err := s.GetCheckpoint(ctx, "acct-2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testCommitBatch(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.Upsert(ctx, NewMessage("old", base.Add(-time.Hour)))
	require.NoError(t, err)

	res, err := s.CommitBatch(ctx, repository.Batch{
		AccountID: "acct-1",
		Messages:  []*model.Message{NewMessage("old", base), NewMessage("new", base)},
		LabelUpdates: []repository.LabelUpdate{
			{MessageID: "old", Add: []string{model.LabelDeleted}},
			{MessageID: "new", Replace: true, Set: []string{"Label_7"}},
			{MessageID: "ghost", Add: []string{model.LabelDeleted}},
		},
		Token: "cursor-9",
		Phase: model.PhaseIncremental,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.LabelsUpdated)
	assert.Equal(t, 1, res.Missing)

	old, err := s.GetMessage(ctx, "old")
	require.NoError(t, err)
	assert.True(t, old.HasLabel(model.LabelDeleted))
	assert.True(t, old.HasLabel(model.LabelInbox))

	fresh, err := s.GetMessage(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []string{"Label_7"}, fresh.Labels)

	cp, err := s.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "cursor-9", cp.Token)
	assert.Equal(t, int64(1), cp.MessagesSynced)
}

func testRules(t *testing.T, s repository.Store) {
	ctx := context.Background()

	low := model.NewRule("low", "x", model.ActionStar, 1)
	first := model.NewRule("first", "x", model.ActionArchive, 5)
	second := model.NewRule("second", "x", model.ActionTrash, 5)
	off := model.NewRule("off", "x", model.ActionStar, 9)
	off.Active = false
	for _, r := range []*model.Rule{low, first, second, off} {
		require.NoError(t, s.UpsertRule(ctx, r))
	}
	assert.Less(t, first.Seq, second.Seq)

	active, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "low"}, ruleNames(active))

	seq := first.Seq
	first.Pattern = "changed"
	first.Priority = 0
	require.NoError(t, s.UpsertRule(ctx, first))
	assert.Equal(t, seq, first.Seq)

	require.NoError(t, s.SetRuleActive(ctx, off.ID, true))
	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"off", "second", "low", "first"}, ruleNames(all))
	assert.Equal(t, "changed", all[3].Pattern)

	assert.ErrorIs(t, s.SetRuleActive(ctx, "missing", false), repository.ErrNotFound)
}

func testMatchEvents(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.Upsert(ctx, NewMessage("m1", base))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, NewMessage("m2", base))
	require.NoError(t, err)
	rule := model.NewRule("r", "x", model.ActionStar, 1)
	require.NoError(t, s.UpsertRule(ctx, rule))

	ev, err := s.GetMatchEvent(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, ev)

	first := model.NewRuleMatchEvent("m1", rule, base)
	stored, err := s.RecordMatch(ctx, first)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.RecordMatch(ctx, model.NewRuleMatchEvent("m1", rule, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, stored)

	ev, err = s.GetMatchEvent(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, first.ID, ev.ID)
	assert.Equal(t, rule.ID, ev.RuleID)
	assert.Equal(t, model.ActionStar, ev.Action)

	_, err = s.RecordMatch(ctx, model.NewRuleMatchEvent("m2", rule, base.Add(time.Hour)))
	require.NoError(t, err)

	events, err := s.ListMatchEvents(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m2", events[0].MessageID)

	events, err = s.ListMatchEvents(ctx, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].MessageID)
}

func ids(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func ruleNames(rules []*model.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Name
	}
	return out
}
