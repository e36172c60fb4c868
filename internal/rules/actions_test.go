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
	"github.com/srvo/dewey/internal/provider"
	"github.com/srvo/dewey/internal/repository/memory"
)

func TestDefaultRegistryLabelActions(t *testing.T) {
	cases := []struct {
		action string
		arg    string
		want   []string
	}{
		{model.ActionMarkAsRead, "", []string{model.LabelInbox}},
		{model.ActionArchive, "", []string{model.LabelUnread}},
		{model.ActionStar, "", []string{model.LabelInbox, model.LabelStarred, model.LabelUnread}},
		{model.ActionTrash, "", []string{model.LabelTrash, model.LabelUnread}},
		{model.ActionAddLabel, "Label_9", []string{model.LabelInbox, "Label_9", model.LabelUnread}},
		{model.ActionMoveToFolder, "Receipts", []string{"Receipts", model.LabelUnread}},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore()
			msg := &model.Message{ID: "m1", AccountID: "acct", ReceivedAt: time.Now(), Labels: []string{model.LabelInbox, model.LabelUnread}}
			_, err := store.Upsert(ctx, msg)
			require.NoError(t, err)

			remote := &provider.MockProvider{}
			reg := NewDefaultRegistry(store, remote, zap.NewNop())
			rule := model.NewRule("r", "x", tc.action, 1)
			rule.ActionArg = tc.arg

			require.NoError(t, reg.Dispatch(ctx, msg, rule))

			got, err := store.GetMessage(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Labels)
			assert.Equal(t, []string{"ModifyLabels:m1"}, remote.Calls())
		})
	}
}

func TestDefaultRegistryUnimplemented(t *testing.T) {
	reg := NewDefaultRegistry(memory.NewStore(), nil, zap.NewNop())
	for _, action := range []string{model.ActionForward, model.ActionNotify} {
		err := reg.Dispatch(context.Background(), &model.Message{ID: "m"}, model.NewRule("r", "x", action, 1))
		assert.ErrorIs(t, err, ErrActionUnimplemented, action)
	}
}

func TestLabelHandlerRemoteFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	msg := &model.Message{ID: "m1", AccountID: "acct", ReceivedAt: time.Now()}
	_, err := store.Upsert(ctx, msg)
	require.NoError(t, err)

	remote := &provider.MockProvider{
		ModifyLabelsFunc: func(context.Context, string, string, []string, []string) error {
			return errors.New("quota exceeded")
		},
	}
	reg := NewDefaultRegistry(store, remote, zap.NewNop())
	err = reg.Dispatch(ctx, msg, model.NewRule("r", "x", model.ActionStar, 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrActionUnimplemented)
}

func TestLabelHandlerMissingMessage(t *testing.T) {
	reg := NewDefaultRegistry(memory.NewStore(), nil, zap.NewNop())
	err := reg.Dispatch(context.Background(), &model.Message{ID: "ghost"}, model.NewRule("r", "x", model.ActionStar, 1))
	assert.Error(t, err)
}
