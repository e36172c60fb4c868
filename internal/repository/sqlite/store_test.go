package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/internal/repository/storetest"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return openMemory(t)
	})
}

func TestCommitBatchRollsBackOnCheckpointFailure(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	_, err := s.db.ExecContext(ctx, `
		CREATE TRIGGER fail_checkpoint BEFORE INSERT ON sync_checkpoints
		WHEN NEW.account_id = 'boom'
		BEGIN SELECT RAISE(ABORT, 'injected'); END;`)
	require.NoError(t, err)

	_, err = s.CommitBatch(ctx, repository.Batch{
		AccountID: "boom",
		Messages:  []*model.Message{storetest.NewMessage("m1", time.Now())},
		Token:     "next",
		Phase:     model.PhaseFull,
	})
	require.Error(t, err)
	var se *repository.StorageError
	assert.ErrorAs(t, err, &se)

	_, err = s.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, repository.ErrNotFound, "message must not outlive a failed batch")

	cp, err := s.GetCheckpoint(ctx, "boom")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dewey.db")

	s, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	_, err = s.Upsert(ctx, storetest.NewMessage("m1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.AdvanceCheckpoint(ctx, "acct-1", "h-1", model.PhaseIncremental, 1))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, len(migrations), version)

	_, err = s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	cp, err := s.GetCheckpoint(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "h-1", cp.Token)
}
