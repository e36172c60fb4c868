package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/repository/memory"
	"github.com/srvo/dewey/internal/repository/sqlite"
	"github.com/srvo/dewey/pkg/config"
)

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), config.DBConfig{Driver: "memory"}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &memory.Store{}, b.Store)
	assert.Nil(t, b.Pool)
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dewey.db")
	b, err := Open(context.Background(), config.DBConfig{Driver: "sqlite", Path: path}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &sqlite.Store{}, b.Store)
	assert.NoError(t, b.Store.Ping(context.Background()))
	assert.Nil(t, b.Outbox)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DBConfig{Driver: "mongo"}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown db driver")
}
