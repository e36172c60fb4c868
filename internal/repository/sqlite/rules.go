package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
)

type ruleRow struct {
	ID        string `db:"id"`
	Seq       int64  `db:"seq"`
	Name      string `db:"name"`
	Pattern   string `db:"pattern"`
	Action    string `db:"action"`
	ActionArg string `db:"action_arg"`
	Priority  int    `db:"priority"`
	Active    bool   `db:"active"`
	CreatedAt int64  `db:"created_at"`
}

func (r *ruleRow) toModel() *model.Rule {
	return &model.Rule{
		ID:        r.ID,
		Seq:       r.Seq,
		Name:      r.Name,
		Pattern:   r.Pattern,
		Action:    r.Action,
		ActionArg: r.ActionArg,
		Priority:  r.Priority,
		Active:    r.Active,
		CreatedAt: fromNanos(r.CreatedAt),
	}
}

const ruleColumns = "id, seq, name, pattern, action, action_arg, priority, active, created_at"

func (s *Store) UpsertRule(ctx context.Context, r *model.Rule) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing ruleRow
		err := tx.GetContext(ctx, &existing, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", r.ID)
		switch {
		case err == nil:
			r.Seq = existing.Seq
			r.CreatedAt = fromNanos(existing.CreatedAt)
			_, err = tx.ExecContext(ctx, `
				UPDATE rules SET name = ?, pattern = ?, action = ?, action_arg = ?,
					priority = ?, active = ?
				WHERE id = ?`,
				r.Name, r.Pattern, r.Action, r.ActionArg, r.Priority, r.Active, r.ID)
			return err
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		if err := tx.GetContext(ctx, &r.Seq, "SELECT COALESCE(MAX(seq), 0) + 1 FROM rules"); err != nil {
			return err
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Seq, r.Name, r.Pattern, r.Action, r.ActionArg, r.Priority, r.Active, toNanos(r.CreatedAt))
		return err
	})
	return repository.Wrap("upsert rule", err)
}

func (s *Store) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(ctx, "SELECT "+ruleColumns+" FROM rules ORDER BY priority DESC, seq ASC")
}

func (s *Store) ListActiveRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(ctx, "SELECT "+ruleColumns+" FROM rules WHERE active = 1 ORDER BY priority DESC, seq ASC")
}

func (s *Store) listRules(ctx context.Context, query string) ([]*model.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, repository.Wrap("list rules", err)
	}
	out := make([]*model.Rule, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	out, err := s.db.ExecContext(ctx, "UPDATE rules SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return repository.Wrap("set rule active", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type matchRow struct {
	ID        string `db:"id"`
	MessageID string `db:"message_id"`
	RuleID    string `db:"rule_id"`
	Action    string `db:"action"`
	MatchedAt int64  `db:"matched_at"`
}

func (r *matchRow) toModel() *model.RuleMatchEvent {
	return &model.RuleMatchEvent{
		ID:        r.ID,
		MessageID: r.MessageID,
		RuleID:    r.RuleID,
		Action:    r.Action,
		MatchedAt: fromNanos(r.MatchedAt),
	}
}

func (s *Store) GetMatchEvent(ctx context.Context, messageID string) (*model.RuleMatchEvent, error) {
	var row matchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, message_id, rule_id, action, matched_at
		FROM rule_match_events WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repository.Wrap("get match event", err)
	}
	return row.toModel(), nil
}

func (s *Store) RecordMatch(ctx context.Context, ev *model.RuleMatchEvent) (bool, error) {
	out, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_match_events (id, message_id, rule_id, action, matched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`,
		ev.ID, ev.MessageID, ev.RuleID, ev.Action, toNanos(ev.MatchedAt))
	if err != nil {
		return false, repository.Wrap("record match", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, repository.Wrap("record match", err)
	}
	return n == 1, nil
}

func (s *Store) ListMatchEvents(ctx context.Context, since time.Time, limit int) ([]*model.RuleMatchEvent, error) {
	var rows []matchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, message_id, rule_id, action, matched_at
		FROM rule_match_events
		WHERE matched_at >= ?
		ORDER BY matched_at ASC, id ASC
		LIMIT ?`, toNanos(since), repository.ClampLimit(limit))
	if err != nil {
		return nil, repository.Wrap("list match events", err)
	}
	out := make([]*model.RuleMatchEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}
