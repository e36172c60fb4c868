// Package provider defines the boundary between the sync engine and a
// remote mail provider.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/srvo/dewey/internal/model"
)

// ErrTokenExpired is returned by FetchChanges when the change cursor is too
// old for the provider to answer. The caller must fall back to a full sync.
var ErrTokenExpired = errors.New("change token expired")

// ProviderError wraps a failed provider call. Errors other than
// ErrTokenExpired are transient.
type ProviderError struct {
	Op        string
	AccountID string
	// StatusCode is the HTTP status when the provider reported one.
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s for %s: status %d: %v", e.Op, e.AccountID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s for %s: %v", e.Op, e.AccountID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Page is one page of a full listing.
type Page struct {
	Messages []*model.Message
	// NextToken continues the listing; empty on the last page.
	NextToken string
	HasMore   bool
	// SyncToken is the change cursor to start incremental sync from. Only
	// meaningful on the last page.
	SyncToken string
}

// ChangeKind classifies a change reported by FetchChanges.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeLabels  ChangeKind = "labels"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is a single remote modification.
type Change struct {
	Kind      ChangeKind
	MessageID string
	// Message is set for added and updated changes.
	Message *model.Message
	// Labels is the complete label set for labels changes.
	Labels []string
}

// ChangeSet is one page of changes since a cursor.
type ChangeSet struct {
	Changes   []Change
	NextToken string
	HasMore   bool
}

// Provider fetches messages for an account.
type Provider interface {
	// FetchPage lists messages starting at token; "" starts from the
	// beginning.
	FetchPage(ctx context.Context, accountID, token string) (*Page, error)
	// FetchChanges lists changes after the since cursor.
	FetchChanges(ctx context.Context, accountID, since string) (*ChangeSet, error)
}

// LabelModifier is implemented by providers that can change labels remotely.
type LabelModifier interface {
	ModifyLabels(ctx context.Context, accountID, messageID string, add, remove []string) error
}

// Wrap returns err as a *ProviderError, keeping ErrTokenExpired matchable.
func Wrap(op, accountID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, AccountID: accountID, Err: err}
}
