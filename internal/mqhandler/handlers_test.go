package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/pkg/alert"
)

type memDeduper struct{ seen map[string]bool }

func (d *memDeduper) AcquireOnce(_ context.Context, handler, key string) bool {
	k := handler + ":" + key
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, handler, key string) {
	delete(d.seen, handler+":"+key)
}

type recordingSink struct {
	events []*model.RuleMatchEvent
	err    error
}

func (s *recordingSink) RecordMatch(_ context.Context, ev *model.RuleMatchEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func matchPayload(t *testing.T, messageID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":         "ev-1",
		"message_id": messageID,
		"rule_id":    "r1",
		"action":     model.ActionStar,
		"matched_at": time.Now().UTC(),
		"trace_id":   "abc",
	})
	require.NoError(t, err)
	return raw
}

func TestRuleMatchedHandlerDropsRedeliveries(t *testing.T) {
	sink := &recordingSink{}
	h := NewRuleMatchedHandler(&memDeduper{seen: map[string]bool{}}, sink, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), matchPayload(t, "m1")))
	require.NoError(t, h.Handle(context.Background(), matchPayload(t, "m1")))
	require.NoError(t, h.Handle(context.Background(), matchPayload(t, "m2")))

	require.Len(t, sink.events, 2)
	assert.Equal(t, "m1", sink.events[0].MessageID)
	assert.Equal(t, "r1", sink.events[0].RuleID)
}

func TestRuleMatchedHandlerAcksInvalidPayload(t *testing.T) {
	sink := &recordingSink{}
	h := NewRuleMatchedHandler(nil, sink, zap.NewNop())

	assert.NoError(t, h.Handle(context.Background(), json.RawMessage(`{not json`)))
	assert.NoError(t, h.Handle(context.Background(), json.RawMessage(`{"rule_id":"r1"}`)))
	assert.Empty(t, sink.events)
}

func TestRuleMatchedHandlerRequeuesOnSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("down")}
	h := NewRuleMatchedHandler(&memDeduper{seen: map[string]bool{}}, sink, zap.NewNop())
	assert.Error(t, h.Handle(context.Background(), matchPayload(t, "m1")))

	// The redelivery after recovery is not mistaken for a duplicate.
	sink.err = nil
	require.NoError(t, h.Handle(context.Background(), matchPayload(t, "m1")))
	assert.Len(t, sink.events, 1)
}

func TestSyncAlertHandler(t *testing.T) {
	h := NewSyncAlertHandler(zap.NewNop())
	raw, err := json.Marshal(alert.Alert{AccountID: "acct", Failures: 5, LastError: "invalid_grant"})
	require.NoError(t, err)

	assert.NoError(t, h.Handle(context.Background(), raw))
	assert.NoError(t, h.Handle(context.Background(), json.RawMessage(`[`)))
}
