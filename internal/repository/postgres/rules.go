package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/pkg/mq"
	"github.com/srvo/dewey/pkg/outbox"
)

const ruleColumns = `id, seq, name, pattern, action, action_arg, priority, active, created_at`

func scanRule(row pgx.Row) (*model.Rule, error) {
	var r model.Rule
	err := row.Scan(&r.ID, &r.Seq, &r.Name, &r.Pattern, &r.Action, &r.ActionArg, &r.Priority, &r.Active, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpsertRule(ctx context.Context, r *model.Rule) error {
	var createdAt *time.Time
	if !r.CreatedAt.IsZero() {
		createdAt = &r.CreatedAt
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO rules (id, name, pattern, action, action_arg, priority, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			pattern = EXCLUDED.pattern,
			action = EXCLUDED.action,
			action_arg = EXCLUDED.action_arg,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active
		RETURNING seq, created_at
	`, r.ID, r.Name, r.Pattern, r.Action, r.ActionArg, r.Priority, r.Active, createdAt).Scan(&r.Seq, &r.CreatedAt)
	return repository.Wrap("upsert rule", err)
}

func (s *Store) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC, seq ASC`)
}

func (s *Store) ListActiveRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE active ORDER BY priority DESC, seq ASC`)
}

func (s *Store) listRules(ctx context.Context, query string) ([]*model.Rule, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, repository.Wrap("list rules", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, repository.Wrap("list rules", err)
		}
		out = append(out, r)
	}
	return out, repository.Wrap("list rules", rows.Err())
}

func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE rules SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return repository.Wrap("set rule active", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const matchColumns = `id, message_id, rule_id, action, matched_at`

func scanMatch(row pgx.Row) (*model.RuleMatchEvent, error) {
	var ev model.RuleMatchEvent
	if err := row.Scan(&ev.ID, &ev.MessageID, &ev.RuleID, &ev.Action, &ev.MatchedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) GetMatchEvent(ctx context.Context, messageID string) (*model.RuleMatchEvent, error) {
	ev, err := scanMatch(s.db.QueryRow(ctx, `SELECT `+matchColumns+` FROM rule_match_events WHERE message_id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repository.Wrap("get match event", err)
	}
	return ev, nil
}

// RecordMatch stores ev and, when an outbox is attached, the matching
// rule.matched event in one transaction.
func (s *Store) RecordMatch(ctx context.Context, ev *model.RuleMatchEvent) (bool, error) {
	stored := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO rule_match_events (`+matchColumns+`)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id) DO NOTHING
		`, ev.ID, ev.MessageID, ev.RuleID, ev.Action, ev.MatchedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		stored = true
		if s.outbox == nil {
			return nil
		}
		return outbox.InsertEventInTx(ctx, tx, s.outbox, "message", ev.MessageID, mq.RoutingKeyRuleMatched, ev)
	})
	if err != nil {
		return false, repository.Wrap("record match", err)
	}
	if stored && s.outbox != nil {
		s.logger.Debug("Queued rule.matched event",
			zap.String("message_id", ev.MessageID),
			zap.String("rule_id", ev.RuleID),
		)
	}
	return stored, nil
}

func (s *Store) ListMatchEvents(ctx context.Context, since time.Time, limit int) ([]*model.RuleMatchEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+matchColumns+` FROM rule_match_events
		WHERE matched_at >= $1
		ORDER BY matched_at ASC, id ASC
		LIMIT $2
	`, since, repository.ClampLimit(limit))
	if err != nil {
		return nil, repository.Wrap("list match events", err)
	}
	defer rows.Close()

	var out []*model.RuleMatchEvent
	for rows.Next() {
		ev, err := scanMatch(rows)
		if err != nil {
			return nil, repository.Wrap("list match events", err)
		}
		out = append(out, ev)
	}
	return out, repository.Wrap("list match events", rows.Err())
}
