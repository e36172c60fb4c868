// Package memory is an in-process Store used by tests and by the "memory"
// driver for local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
)

type storedMessage struct {
	msg *model.Message
	seq int64
}

type Store struct {
	mu          sync.RWMutex
	messages    map[string]*storedMessage
	checkpoints map[string]*model.SyncCheckpoint
	rules       map[string]*model.Rule
	matches     map[string]*model.RuleMatchEvent
	msgSeq      int64
	ruleSeq     int64
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		messages:    make(map[string]*storedMessage),
		checkpoints: make(map[string]*model.SyncCheckpoint),
		rules:       make(map[string]*model.Rule),
		matches:     make(map[string]*model.RuleMatchEvent),
		now:         time.Now,
	}
}

// WithClock replaces the clock used for CreatedAt and LastSyncAt.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) Upsert(ctx context.Context, msg *model.Message) (repository.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(msg), nil
}

func (s *Store) upsertLocked(msg *model.Message) repository.UpsertResult {
	if _, exists := s.messages[msg.ID]; exists {
		return repository.Duplicate
	}
	c := msg.Clone()
	c.Labels = model.NormalizeLabels(c.Labels)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.msgSeq++
	s.messages[c.ID] = &storedMessage{msg: c, seq: s.msgSeq}
	return repository.Inserted
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sm, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sm.msg.Clone(), nil
}

func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	sm.msg.IsProcessed = true
	return nil
}

func (s *Store) UpdateLabels(ctx context.Context, id string, add, remove []string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	sm.msg.Labels = model.ApplyLabelDelta(sm.msg.Labels, add, remove)
	return sm.msg.Clone(), nil
}

func (s *Store) RecordTriageFailure(ctx context.Context, id string, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	sm.msg.TriageAttempts++
	if maxAttempts > 0 && sm.msg.TriageAttempts >= maxAttempts {
		sm.msg.TriageParked = true
	}
	return sm.msg.TriageParked, nil
}

func (s *Store) UnprocessedMessages(ctx context.Context, limit int, exclude ...string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	pending := make([]*storedMessage, 0)
	for _, sm := range s.messages {
		if sm.msg.IsProcessed || sm.msg.TriageParked {
			continue
		}
		if _, ok := skip[sm.msg.ID]; ok {
			continue
		}
		pending = append(pending, sm)
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.msg.ReceivedAt.Equal(b.msg.ReceivedAt) {
			return a.msg.ReceivedAt.Before(b.msg.ReceivedAt)
		}
		return a.seq < b.seq
	})

	limit = repository.ClampLimit(limit)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*model.Message, len(pending))
	for i, sm := range pending {
		out[i] = sm.msg.Clone()
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, accountID string) (*model.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[accountID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (s *Store) AdvanceCheckpoint(ctx context.Context, accountID, token string, phase model.SyncPhase, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(accountID, token, phase, count)
	return nil
}

func (s *Store) advanceLocked(accountID, token string, phase model.SyncPhase, count int64) {
	if count < 0 {
		count = 0
	}
	cp, ok := s.checkpoints[accountID]
	if !ok {
		cp = &model.SyncCheckpoint{AccountID: accountID}
		s.checkpoints[accountID] = cp
	}
	cp.Token = token
	cp.Phase = phase
	cp.LastSyncAt = s.now()
	cp.MessagesSynced += count
}

func (s *Store) CommitBatch(ctx context.Context, b repository.Batch) (*repository.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &repository.BatchResult{}
	for _, m := range b.Messages {
		if m.AccountID == "" {
			m.AccountID = b.AccountID
		}
		if s.upsertLocked(m) == repository.Inserted {
			res.Inserted = append(res.Inserted, m.ID)
		} else {
			res.Duplicates++
		}
	}
	for _, u := range b.LabelUpdates {
		sm, ok := s.messages[u.MessageID]
		if !ok {
			res.Missing++
			continue
		}
		sm.msg.Labels = u.Apply(sm.msg.Labels)
		res.LabelsUpdated++
	}
	s.advanceLocked(b.AccountID, b.Token, b.Phase, int64(len(res.Inserted)))
	return res, nil
}

func (s *Store) UpsertRule(ctx context.Context, r *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rules[r.ID]; ok {
		r.Seq = existing.Seq
		r.CreatedAt = existing.CreatedAt
	} else {
		s.ruleSeq++
		r.Seq = s.ruleSeq
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
	}
	c := *r
	s.rules[r.ID] = &c
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(false), nil
}

func (s *Store) ListActiveRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(true), nil
}

func (s *Store) listRules(activeOnly bool) []*model.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.Active = active
	return nil
}

func (s *Store) GetMatchEvent(ctx context.Context, messageID string) (*model.RuleMatchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.matches[messageID]
	if !ok {
		return nil, nil
	}
	c := *ev
	return &c, nil
}

func (s *Store) RecordMatch(ctx context.Context, ev *model.RuleMatchEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[ev.MessageID]; ok {
		return false, nil
	}
	c := *ev
	s.matches[ev.MessageID] = &c
	return true, nil
}

func (s *Store) ListMatchEvents(ctx context.Context, since time.Time, limit int) ([]*model.RuleMatchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.RuleMatchEvent, 0)
	for _, ev := range s.matches {
		if ev.MatchedAt.Before(since) {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MatchedAt.Equal(out[j].MatchedAt) {
			return out[i].MatchedAt.Before(out[j].MatchedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit = repository.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
