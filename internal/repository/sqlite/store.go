// Package sqlite implements repository.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
)

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ repository.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite serializes writers anyway; one connection also keeps a
	// :memory: database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// WithClock replaces the clock used for CreatedAt and LastSyncAt.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return repository.Wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) runMigrations(ctx context.Context) error {
	current := 0

	var tables int
	err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.logger.Info("Applied sqlite migration", zap.Int("version", m.version))
	}
	return nil
}

type messageRow struct {
	ID           string `db:"id"`
	AccountID    string `db:"account_id"`
	ThreadID     string `db:"thread_id"`
	Subject      string `db:"subject"`
	FromName     string `db:"from_name"`
	FromAddress  string `db:"from_address"`
	To           string `db:"to_addrs"`
	Cc           string `db:"cc_addrs"`
	Bcc          string `db:"bcc_addrs"`
	BodyText     string `db:"body_text"`
	BodyHTML     string `db:"body_html"`
	ReceivedAt   int64  `db:"received_at"`
	Labels       string `db:"labels"`
	SizeEstimate int64  `db:"size_estimate"`
	IsProcessed  bool   `db:"is_processed"`
	RawPayload   []byte `db:"raw_payload"`
	CreatedAt    int64  `db:"created_at"`

	TriageAttempts int  `db:"triage_attempts"`
	TriageParked   bool `db:"triage_parked"`
}

const messageColumns = `id, account_id, thread_id, subject, from_name, from_address,
	to_addrs, cc_addrs, bcc_addrs, body_text, body_html, received_at, labels,
	size_estimate, is_processed, raw_payload, created_at`

// selectColumns adds the triage bookkeeping columns, which inserts leave at
// their defaults.
const selectColumns = messageColumns + `, triage_attempts, triage_parked`

func (r *messageRow) toModel() (*model.Message, error) {
	m := &model.Message{
		ID:           r.ID,
		AccountID:    r.AccountID,
		ThreadID:     r.ThreadID,
		Subject:      r.Subject,
		FromName:     r.FromName,
		FromAddress:  r.FromAddress,
		BodyText:     r.BodyText,
		BodyHTML:     r.BodyHTML,
		ReceivedAt:   fromNanos(r.ReceivedAt),
		SizeEstimate: r.SizeEstimate,
		IsProcessed:  r.IsProcessed,
		RawPayload:   r.RawPayload,
		CreatedAt:    fromNanos(r.CreatedAt),

		TriageAttempts: r.TriageAttempts,
		TriageParked:   r.TriageParked,
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{r.To, &m.To}, {r.Cc, &m.Cc}, {r.Bcc, &m.Bcc}, {r.Labels, &m.Labels},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Store) Upsert(ctx context.Context, msg *model.Message) (repository.UpsertResult, error) {
	res, err := s.upsert(ctx, s.db, msg)
	return res, repository.Wrap("upsert message", err)
}

func (s *Store) upsert(ctx context.Context, ex sqlx.ExecerContext, msg *model.Message) (repository.UpsertResult, error) {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	out, err := ex.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.AccountID, msg.ThreadID, msg.Subject, msg.FromName, msg.FromAddress,
		encodeList(msg.To), encodeList(msg.Cc), encodeList(msg.Bcc),
		msg.BodyText, msg.BodyHTML, toNanos(msg.ReceivedAt),
		encodeList(model.NormalizeLabels(msg.Labels)),
		msg.SizeEstimate, msg.IsProcessed, msg.RawPayload, toNanos(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return repository.Duplicate, nil
	}
	return repository.Inserted, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := s.getMessage(ctx, s.db, id)
	return m, repository.Wrap("get message", err)
}

func (s *Store) getMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+selectColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	out, err := s.db.ExecContext(ctx, "UPDATE messages SET is_processed = 1 WHERE id = ?", id)
	if err != nil {
		return repository.Wrap("mark processed", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return repository.Wrap("mark processed", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateLabels(ctx context.Context, id string, add, remove []string) (*model.Message, error) {
	var updated *model.Message
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		m, err := s.getMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		m.Labels = model.ApplyLabelDelta(m.Labels, add, remove)
		if err := setLabels(ctx, tx, id, m.Labels); err != nil {
			return err
		}
		updated = m
		return nil
	})
	return updated, repository.Wrap("update labels", err)
}

func setLabels(ctx context.Context, ex sqlx.ExecerContext, id string, labels []string) error {
	_, err := ex.ExecContext(ctx, "UPDATE messages SET labels = ? WHERE id = ?", encodeList(labels), id)
	return err
}

func (s *Store) UnprocessedMessages(ctx context.Context, limit int, exclude ...string) ([]*model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+selectColumns+` FROM messages
		WHERE is_processed = 0 AND triage_parked = 0
		  AND id NOT IN (SELECT value FROM json_each(?))
		ORDER BY received_at ASC, created_at ASC, rowid ASC
		LIMIT ?`, encodeList(exclude), repository.ClampLimit(limit))
	if err != nil {
		return nil, repository.Wrap("unprocessed messages", err)
	}
	out := make([]*model.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, repository.Wrap("unprocessed messages", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) RecordTriageFailure(ctx context.Context, id string, maxAttempts int) (bool, error) {
	var parked bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		out, err := tx.ExecContext(ctx, `
			UPDATE messages SET
				triage_attempts = triage_attempts + 1,
				triage_parked = CASE WHEN ? > 0 AND triage_attempts + 1 >= ? THEN 1 ELSE triage_parked END
			WHERE id = ?`, maxAttempts, maxAttempts, id)
		if err != nil {
			return err
		}
		n, err := out.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		return tx.GetContext(ctx, &parked, "SELECT triage_parked FROM messages WHERE id = ?", id)
	})
	return parked, repository.Wrap("record triage failure", err)
}

type checkpointRow struct {
	AccountID      string `db:"account_id"`
	Token          string `db:"token"`
	Phase          string `db:"phase"`
	LastSyncAt     int64  `db:"last_sync_at"`
	MessagesSynced int64  `db:"messages_synced"`
}

func (s *Store) GetCheckpoint(ctx context.Context, accountID string) (*model.SyncCheckpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, token, phase, last_sync_at, messages_synced
		FROM sync_checkpoints WHERE account_id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repository.Wrap("get checkpoint", err)
	}
	return &model.SyncCheckpoint{
		AccountID:      row.AccountID,
		Token:          row.Token,
		Phase:          model.SyncPhase(row.Phase),
		LastSyncAt:     fromNanos(row.LastSyncAt),
		MessagesSynced: row.MessagesSynced,
	}, nil
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, accountID, token string, phase model.SyncPhase, count int64) error {
	return repository.Wrap("advance checkpoint", s.advance(ctx, s.db, accountID, token, phase, count))
}

func (s *Store) advance(ctx context.Context, ex sqlx.ExecerContext, accountID, token string, phase model.SyncPhase, count int64) error {
	if count < 0 {
		count = 0
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (account_id, token, phase, last_sync_at, messages_synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			token = excluded.token,
			phase = excluded.phase,
			last_sync_at = excluded.last_sync_at,
			messages_synced = sync_checkpoints.messages_synced + excluded.messages_synced`,
		accountID, token, string(phase), toNanos(s.now()), count)
	if err != nil {
		return fmt.Errorf("advancing checkpoint for %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) CommitBatch(ctx context.Context, b repository.Batch) (*repository.BatchResult, error) {
	res := &repository.BatchResult{}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range b.Messages {
			if m.AccountID == "" {
				m.AccountID = b.AccountID
			}
			r, err := s.upsert(ctx, tx, m)
			if err != nil {
				return err
			}
			if r == repository.Inserted {
				res.Inserted = append(res.Inserted, m.ID)
			} else {
				res.Duplicates++
			}
		}
		for _, u := range b.LabelUpdates {
			m, err := s.getMessage(ctx, tx, u.MessageID)
			if errors.Is(err, repository.ErrNotFound) {
				res.Missing++
				continue
			}
			if err != nil {
				return err
			}
			if err := setLabels(ctx, tx, u.MessageID, u.Apply(m.Labels)); err != nil {
				return err
			}
			res.LabelsUpdated++
		}
		return s.advance(ctx, tx, b.AccountID, b.Token, b.Phase, int64(len(res.Inserted)))
	})
	if err != nil {
		return nil, repository.Wrap("commit batch", err)
	}
	return res, nil
}

// inTx runs fn in a transaction. With a single pooled connection fn must
// only use tx, never s.db.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
