package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/srvo/dewey/pkg/outbox"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	seq           BIGSERIAL,
	account_id    TEXT NOT NULL,
	thread_id     TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	from_name     TEXT NOT NULL DEFAULT '',
	from_address  TEXT NOT NULL DEFAULT '',
	to_addrs      TEXT[] NOT NULL DEFAULT '{}',
	cc_addrs      TEXT[] NOT NULL DEFAULT '{}',
	bcc_addrs     TEXT[] NOT NULL DEFAULT '{}',
	body_text     TEXT NOT NULL DEFAULT '',
	body_html     TEXT NOT NULL DEFAULT '',
	received_at   TIMESTAMPTZ NOT NULL,
	labels        TEXT[] NOT NULL DEFAULT '{}',
	size_estimate BIGINT NOT NULL DEFAULT 0,
	is_processed  BOOLEAN NOT NULL DEFAULT FALSE,
	raw_payload   BYTEA,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(is_processed, received_at, seq);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
	account_id      TEXT PRIMARY KEY,
	token           TEXT NOT NULL,
	phase           TEXT NOT NULL,
	last_sync_at    TIMESTAMPTZ NOT NULL,
	messages_synced BIGINT NOT NULL DEFAULT 0
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS rules (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	name       TEXT NOT NULL,
	pattern    TEXT NOT NULL,
	action     TEXT NOT NULL,
	action_arg TEXT NOT NULL DEFAULT '',
	priority   INT NOT NULL DEFAULT 0,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority DESC, seq);

CREATE TABLE IF NOT EXISTS rule_match_events (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE,
	rule_id    TEXT NOT NULL,
	action     TEXT NOT NULL,
	matched_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_match_events_matched ON rule_match_events(matched_at);
`,
	},
	{
		version: 3,
		sql:     outbox.Schema,
	},
	{
		version: 4,
		sql: `
ALTER TABLE messages ADD COLUMN IF NOT EXISTS triage_attempts INT NOT NULL DEFAULT 0;
ALTER TABLE messages ADD COLUMN IF NOT EXISTS triage_parked BOOLEAN NOT NULL DEFAULT FALSE;
`,
	},
}

// Migrate applies pending migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INT NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.logger.Info("Applied postgres migration", zap.Int("version", m.version))
	}
	return nil
}
