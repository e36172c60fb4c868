// Package db opens the configured storage backend.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/internal/repository/memory"
	"github.com/srvo/dewey/internal/repository/postgres"
	"github.com/srvo/dewey/internal/repository/sqlite"
	"github.com/srvo/dewey/pkg/config"
	pgdb "github.com/srvo/dewey/pkg/db"
	"github.com/srvo/dewey/pkg/outbox"
)

// Backend is an opened store plus the resources behind it. Pool and Outbox
// are set only for postgres.
type Backend struct {
	Store  repository.Store
	Pool   *pgxpool.Pool
	Outbox *outbox.Repository
}

func (b *Backend) Close() {
	_ = b.Store.Close()
	if b.Pool != nil {
		b.Pool.Close()
	}
}

// Open connects to cfg.Driver and applies migrations.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*Backend, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory store; nothing survives a restart")
		return &Backend{Store: memory.NewStore()}, nil

	case "sqlite", "":
		store, err := sqlite.Open(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store}, nil

	case "postgres":
		pool, err := pgdb.NewConnection(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("DB initialization failed: %w", err)
		}
		ob := outbox.NewRepository(pool)
		store := postgres.NewStore(pool, logger).WithOutbox(ob)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating postgres: %w", err)
		}
		return &Backend{Store: store, Pool: pool, Outbox: ob}, nil
	}
	return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
}
