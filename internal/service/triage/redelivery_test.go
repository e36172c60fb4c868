package triage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/provider"
	"github.com/srvo/dewey/internal/repository/memory"
	"github.com/srvo/dewey/internal/rules"
	"github.com/srvo/dewey/internal/service/ingest"
)

func TestRedeliveredMessageTriagedOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	received := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	invoice := func() *model.Message {
		return &model.Message{
			ID:         "m1",
			AccountID:  "acct",
			Subject:    "Invoice 42",
			ReceivedAt: received,
			Labels:     []string{model.LabelInbox, model.LabelUnread},
		}
	}

	// The provider hands out m1 in the full listing and again as an
	// "added" change after the cursor.
	prov := &provider.MockProvider{
		FetchPageFunc: func(context.Context, string, string) (*provider.Page, error) {
			return &provider.Page{Messages: []*model.Message{invoice()}, SyncToken: "h1"}, nil
		},
		FetchChangesFunc: func(_ context.Context, _, since string) (*provider.ChangeSet, error) {
			return &provider.ChangeSet{
				Changes:   []provider.Change{{Kind: provider.ChangeAdded, MessageID: "m1", Message: invoice()}},
				NextToken: since + "+1",
			}, nil
		},
	}
	coord := ingest.NewCoordinator(store, prov, zap.NewNop())

	fired := 0
	registry := rules.NewRegistry()
	registry.Register(model.ActionStar, rules.HandlerFunc(func(context.Context, *model.Message, *model.Rule) error {
		fired++
		return nil
	}))
	require.NoError(t, store.UpsertRule(ctx, model.NewRule("star invoices", "(?i)invoice", model.ActionStar, 1)))
	svc := NewService(store, rules.NewEngine(store, registry, zap.NewNop()), zap.NewNop())

	first, err := coord.Sync(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, ingest.ModeFull, first.Mode)
	assert.Equal(t, 1, first.Inserted)

	report, err := svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Examined: 1, Matched: 1}, report)

	for i := 0; i < 2; i++ {
		again, err := coord.Sync(ctx, "acct")
		require.NoError(t, err)
		assert.Equal(t, ingest.ModeIncremental, again.Mode)
		assert.Zero(t, again.Inserted)
		assert.Equal(t, 1, again.Duplicates)

		report, err = svc.ProcessPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, Report{}, report, "redelivered copy is not triaged again")
	}

	assert.Equal(t, 1, fired)
	events, err := store.ListMatchEvents(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].MessageID)

	m1, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m1.IsProcessed)
}
