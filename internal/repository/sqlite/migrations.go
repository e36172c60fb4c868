package sqlite

type migration struct {
	version int
	sql     string
}

// Timestamps are stored as INTEGER unix nanoseconds; string slices as JSON
// arrays.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	thread_id     TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	from_name     TEXT NOT NULL DEFAULT '',
	from_address  TEXT NOT NULL DEFAULT '',
	to_addrs      TEXT NOT NULL DEFAULT '[]',
	cc_addrs      TEXT NOT NULL DEFAULT '[]',
	bcc_addrs     TEXT NOT NULL DEFAULT '[]',
	body_text     TEXT NOT NULL DEFAULT '',
	body_html     TEXT NOT NULL DEFAULT '',
	received_at   INTEGER NOT NULL,
	labels        TEXT NOT NULL DEFAULT '[]',
	size_estimate INTEGER NOT NULL DEFAULT 0,
	is_processed  INTEGER NOT NULL DEFAULT 0,
	raw_payload   BLOB,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
	account_id      TEXT PRIMARY KEY,
	token           TEXT NOT NULL,
	phase           TEXT NOT NULL,
	last_sync_at    INTEGER NOT NULL,
	messages_synced INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(is_processed, received_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS rules (
	id         TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	pattern    TEXT NOT NULL,
	action     TEXT NOT NULL,
	action_arg TEXT NOT NULL DEFAULT '',
	priority   INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_match_events (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE,
	rule_id    TEXT NOT NULL,
	action     TEXT NOT NULL,
	matched_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority DESC, seq);
CREATE INDEX IF NOT EXISTS idx_rule_match_events_matched ON rule_match_events(matched_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE messages ADD COLUMN triage_attempts INTEGER NOT NULL DEFAULT 0;
ALTER TABLE messages ADD COLUMN triage_parked INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
