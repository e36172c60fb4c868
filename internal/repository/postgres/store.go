// Package postgres implements repository.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/pkg/outbox"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

var _ repository.Store = (*Store)(nil)

func NewStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// WithOutbox makes RecordMatch also enqueue a rule.matched event in the
// same transaction.
func (s *Store) WithOutbox(repo *outbox.Repository) *Store {
	s.outbox = repo
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return repository.Wrap("ping", s.db.Ping(ctx))
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }

const messageColumns = `id, account_id, thread_id, subject, from_name, from_address,
	to_addrs, cc_addrs, bcc_addrs, body_text, body_html, received_at, labels,
	size_estimate, is_processed, raw_payload, created_at`

// selectColumns adds the triage bookkeeping columns, which inserts leave at
// their defaults.
const selectColumns = messageColumns + `, triage_attempts, triage_parked`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID,
		&m.AccountID,
		&m.ThreadID,
		&m.Subject,
		&m.FromName,
		&m.FromAddress,
		&m.To,
		&m.Cc,
		&m.Bcc,
		&m.BodyText,
		&m.BodyHTML,
		&m.ReceivedAt,
		&m.Labels,
		&m.SizeEstimate,
		&m.IsProcessed,
		&m.RawPayload,
		&m.CreatedAt,
		&m.TriageAttempts,
		&m.TriageParked,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) Upsert(ctx context.Context, msg *model.Message) (repository.UpsertResult, error) {
	res, err := upsert(ctx, s.db, msg)
	return res, repository.Wrap("upsert message", err)
}

func upsert(ctx context.Context, q querier, msg *model.Message) (repository.UpsertResult, error) {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, COALESCE($17, NOW()))
		ON CONFLICT (id) DO NOTHING
	`
	var createdAt *time.Time
	if !msg.CreatedAt.IsZero() {
		createdAt = &msg.CreatedAt
	}
	tag, err := q.Exec(ctx, query,
		msg.ID, msg.AccountID, msg.ThreadID, msg.Subject, msg.FromName, msg.FromAddress,
		nonNil(msg.To), nonNil(msg.Cc), nonNil(msg.Bcc),
		msg.BodyText, msg.BodyHTML, msg.ReceivedAt,
		model.NormalizeLabels(msg.Labels),
		msg.SizeEstimate, msg.IsProcessed, msg.RawPayload, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.Duplicate, nil
	}
	return repository.Inserted, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := getMessage(ctx, s.db, id, false)
	return m, repository.Wrap("get message", err)
}

func getMessage(ctx context.Context, q querier, id string, forUpdate bool) (*model.Message, error) {
	query := `SELECT ` + selectColumns + ` FROM messages WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	m, err := scanMessage(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return m, err
}

func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE messages SET is_processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return repository.Wrap("mark processed", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) RecordTriageFailure(ctx context.Context, id string, maxAttempts int) (bool, error) {
	var parked bool
	err := s.db.QueryRow(ctx, `
		UPDATE messages SET
			triage_attempts = triage_attempts + 1,
			triage_parked = triage_parked OR ($2 > 0 AND triage_attempts + 1 >= $2)
		WHERE id = $1
		RETURNING triage_parked
	`, id, maxAttempts).Scan(&parked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, repository.ErrNotFound
	}
	return parked, repository.Wrap("record triage failure", err)
}

func (s *Store) UpdateLabels(ctx context.Context, id string, add, remove []string) (*model.Message, error) {
	var updated *model.Message
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		m, err := getMessage(ctx, tx, id, true)
		if err != nil {
			return err
		}
		m.Labels = model.ApplyLabelDelta(m.Labels, add, remove)
		if _, err := tx.Exec(ctx, `UPDATE messages SET labels = $2 WHERE id = $1`, id, m.Labels); err != nil {
			return err
		}
		updated = m
		return nil
	})
	return updated, repository.Wrap("update labels", err)
}

func (s *Store) UnprocessedMessages(ctx context.Context, limit int, exclude ...string) ([]*model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+` FROM messages
		WHERE is_processed = FALSE AND triage_parked = FALSE
		  AND NOT (id = ANY($2))
		ORDER BY received_at ASC, seq ASC
		LIMIT $1
	`, repository.ClampLimit(limit), nonNil(exclude))
	if err != nil {
		return nil, repository.Wrap("unprocessed messages", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, repository.Wrap("unprocessed messages", err)
		}
		out = append(out, m)
	}
	return out, repository.Wrap("unprocessed messages", rows.Err())
}

func (s *Store) GetCheckpoint(ctx context.Context, accountID string) (*model.SyncCheckpoint, error) {
	var cp model.SyncCheckpoint
	var phase string
	err := s.db.QueryRow(ctx, `
		SELECT account_id, token, phase, last_sync_at, messages_synced
		FROM sync_checkpoints WHERE account_id = $1
	`, accountID).Scan(&cp.AccountID, &cp.Token, &phase, &cp.LastSyncAt, &cp.MessagesSynced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repository.Wrap("get checkpoint", err)
	}
	cp.Phase = model.SyncPhase(phase)
	return &cp, nil
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, accountID, token string, phase model.SyncPhase, count int64) error {
	return repository.Wrap("advance checkpoint", advance(ctx, s.db, accountID, token, phase, count))
}

func advance(ctx context.Context, q querier, accountID, token string, phase model.SyncPhase, count int64) error {
	if count < 0 {
		count = 0
	}
	_, err := q.Exec(ctx, `
		INSERT INTO sync_checkpoints (account_id, token, phase, last_sync_at, messages_synced)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (account_id) DO UPDATE SET
			token = EXCLUDED.token,
			phase = EXCLUDED.phase,
			last_sync_at = EXCLUDED.last_sync_at,
			messages_synced = sync_checkpoints.messages_synced + EXCLUDED.messages_synced
	`, accountID, token, string(phase), count)
	if err != nil {
		return fmt.Errorf("advancing checkpoint for %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) CommitBatch(ctx context.Context, b repository.Batch) (*repository.BatchResult, error) {
	res := &repository.BatchResult{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, m := range b.Messages {
			if m.AccountID == "" {
				m.AccountID = b.AccountID
			}
			r, err := upsert(ctx, tx, m)
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
			m, err := getMessage(ctx, tx, u.MessageID, true)
			if errors.Is(err, repository.ErrNotFound) {
				res.Missing++
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE messages SET labels = $2 WHERE id = $1`, u.MessageID, u.Apply(m.Labels)); err != nil {
				return err
			}
			res.LabelsUpdated++
		}
		return advance(ctx, tx, b.AccountID, b.Token, b.Phase, int64(len(res.Inserted)))
	})
	if err != nil {
		return nil, repository.Wrap("commit batch", err)
	}
	return res, nil
}
