package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srvo/dewey/internal/model"
)

// ErrNotFound is returned when a message or rule does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a backend failure. Storage errors are retryable: the
// write either happened completely or not at all.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns err as a *StorageError unless it is nil, ErrNotFound or
// already a StorageError.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// UpsertResult tells whether Upsert stored a new row.
type UpsertResult int

const (
	Inserted UpsertResult = iota + 1
	Duplicate
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// LabelUpdate changes the labels of a stored message. When Replace is set
// the message's labels become Set; Add and Remove are applied afterwards.
type LabelUpdate struct {
	MessageID string
	Replace   bool
	Set       []string
	Add       []string
	Remove    []string
}

// Apply returns the labels after the update.
func (u LabelUpdate) Apply(current []string) []string {
	base := current
	if u.Replace {
		base = u.Set
	}
	return model.ApplyLabelDelta(base, u.Add, u.Remove)
}

// Batch is one page of sync work committed atomically together with the
// checkpoint that follows it.
type Batch struct {
	AccountID    string
	Messages     []*model.Message
	LabelUpdates []LabelUpdate
	Token        string
	Phase        model.SyncPhase
}

// BatchResult summarizes a committed Batch.
type BatchResult struct {
	Inserted      []string
	Duplicates    int
	LabelsUpdated int
	// Missing counts label updates for messages not in the store.
	Missing int
}

// MessageStore persists ingested messages and per-account sync checkpoints.
// Writes are idempotent on the provider message ID.
type MessageStore interface {
	Upsert(ctx context.Context, msg *model.Message) (UpsertResult, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	MarkProcessed(ctx context.Context, id string) error
	UpdateLabels(ctx context.Context, id string, add, remove []string) (*model.Message, error)
	// UnprocessedMessages lists unprocessed, unparked messages oldest first,
	// skipping the IDs in exclude.
	UnprocessedMessages(ctx context.Context, limit int, exclude ...string) ([]*model.Message, error)
	// RecordTriageFailure adds one failed attempt and parks the message once
	// attempts reach maxAttempts (0 never parks). It reports whether the
	// message is now parked.
	RecordTriageFailure(ctx context.Context, id string, maxAttempts int) (bool, error)
	// GetCheckpoint returns nil, nil when the account has never synced.
	GetCheckpoint(ctx context.Context, accountID string) (*model.SyncCheckpoint, error)
	// AdvanceCheckpoint replaces the token and phase and adds count to
	// MessagesSynced.
	AdvanceCheckpoint(ctx context.Context, accountID, token string, phase model.SyncPhase, count int64) error
	// CommitBatch stores messages and label updates, then advances the
	// checkpoint, in one transaction.
	CommitBatch(ctx context.Context, b Batch) (*BatchResult, error)
}

// RuleStore persists triage rules and the events recording which rule fired
// for which message.
type RuleStore interface {
	// UpsertRule inserts a rule or updates an existing one in place. Seq and
	// CreatedAt are assigned on insert and never change.
	UpsertRule(ctx context.Context, r *model.Rule) error
	ListRules(ctx context.Context) ([]*model.Rule, error)
	ListActiveRules(ctx context.Context) ([]*model.Rule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
	// GetMatchEvent returns nil, nil when no rule has fired for the message.
	GetMatchEvent(ctx context.Context, messageID string) (*model.RuleMatchEvent, error)
	// RecordMatch inserts ev unless an event for the same message exists. It
	// reports whether ev was stored.
	RecordMatch(ctx context.Context, ev *model.RuleMatchEvent) (bool, error)
	ListMatchEvents(ctx context.Context, since time.Time, limit int) ([]*model.RuleMatchEvent, error)
}

// Store is a complete storage backend.
type Store interface {
	MessageStore
	RuleStore
	Ping(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps list queries when the caller passes limit <= 0.
const DefaultListLimit = 100

// ClampLimit normalizes a caller supplied list limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
