package outbox

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/srvo/dewey/pkg/trace"
)

// InsertEventInTx marshals payload and writes it to the outbox inside tx.
// The trace ID from ctx is stored alongside the payload so the dispatcher can
// restore it when publishing.
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID string,
	routingKey string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	payloadJSON = withTraceID(payloadJSON, trace.FromContext(ctx))

	return repo.InsertEvent(ctx, tx, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	})
}

func withTraceID(payload json.RawMessage, traceID string) json.RawMessage {
	if traceID == "" {
		return payload
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}
	if _, ok := m["trace_id"]; ok {
		return payload
	}
	m["trace_id"] = traceID
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}

// contextFromPayload restores the trace ID saved by InsertEventInTx.
func contextFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ctx
	}
	if traceID, ok := m["trace_id"].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	return ctx
}
