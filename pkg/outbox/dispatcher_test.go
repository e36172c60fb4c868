package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srvo/dewey/pkg/trace"
)

type fakeStore struct {
	mu      sync.Mutex
	events  map[int64]*Event
	sent    []int64
	failed  []int64
	listErr error
}

func newFakeStore(events ...*Event) *fakeStore {
	s := &fakeStore{events: make(map[int64]*Event)}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *fakeStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Status == StatusFailed && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type published struct {
	routingKey string
	body       []byte
	traceID    string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{routingKey, body, trace.FromContext(ctx)})
	return nil
}

func event(id int64, payload string) *Event {
	return &Event{
		ID:         id,
		RoutingKey: "rule.matched",
		Payload:    json.RawMessage(payload),
		Status:     StatusPending,
	}
}

func TestDispatchOncePublishesAndMarksSent(t *testing.T) {
	store := newFakeStore(
		event(1, `{"message_id":"m1","trace_id":"abc"}`),
		event(2, `{"message_id":"m2"}`),
	)
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, zap.NewNop())

	sent := d.DispatchOnce(context.Background())
	assert.Equal(t, 2, sent)
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "rule.matched", pub.msgs[0].routingKey)
	assert.Equal(t, "abc", pub.msgs[0].traceID)
	assert.Empty(t, pub.msgs[1].traceID)
	assert.ElementsMatch(t, []int64{1, 2}, store.sent)

	assert.Zero(t, d.DispatchOnce(context.Background()))
}

func TestDispatchOnceRetriesThenFails(t *testing.T) {
	store := newFakeStore(event(1, `{"message_id":"m1"}`))
	pub := &fakePublisher{err: errors.New("broker down")}
	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)

	d.DispatchOnce(context.Background())
	assert.Equal(t, StatusPending, store.events[1].Status)
	d.DispatchOnce(context.Background())
	assert.Equal(t, StatusFailed, store.events[1].Status)
	assert.Empty(t, store.sent)
}

func TestDispatchOnceRejectsInvalidPayload(t *testing.T) {
	store := newFakeStore(event(1, `not json`))
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, zap.NewNop())

	assert.Zero(t, d.DispatchOnce(context.Background()))
	assert.Empty(t, pub.msgs)
	assert.Equal(t, []int64{1}, store.failed)
}

func TestDispatchOnceSurvivesStoreError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")
	d := NewDispatcher(store, &fakePublisher{}, zap.NewNop())
	assert.Zero(t, d.DispatchOnce(context.Background()))
}

func TestReplayFailedEvents(t *testing.T) {
	failed := event(1, `{"message_id":"m1"}`)
	failed.Status = StatusFailed
	failed.RetryCount = 5
	store := newFakeStore(failed, event(2, `{"message_id":"m2"}`))
	pub := &fakePublisher{}
	svc := NewReplayService(store, pub, zap.NewNop())

	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, store.events[1].Status)
	assert.Equal(t, StatusPending, store.events[2].Status)

	assert.ErrorIs(t, svc.ReplayEvent(context.Background(), 42), ErrEventNotFound)
}

func TestWithTraceIDKeepsExistingField(t *testing.T) {
	out := withTraceID(json.RawMessage(`{"trace_id":"keep"}`), "other")
	assert.JSONEq(t, `{"trace_id":"keep"}`, string(out))

	out = withTraceID(json.RawMessage(`{"a":1}`), "t1")
	assert.JSONEq(t, `{"a":1,"trace_id":"t1"}`, string(out))

	out = withTraceID(json.RawMessage(`[1]`), "t1")
	assert.Equal(t, `[1]`, string(out))
}
