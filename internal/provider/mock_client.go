package provider

import (
	"context"
	"errors"
	"sync"
)

// MockProvider is a scriptable Provider for tests. Unset funcs return an
// empty result.
type MockProvider struct {
	FetchPageFunc    func(ctx context.Context, accountID, token string) (*Page, error)
	FetchChangesFunc func(ctx context.Context, accountID, since string) (*ChangeSet, error)
	ModifyLabelsFunc func(ctx context.Context, accountID, messageID string, add, remove []string) error

	mu    sync.Mutex
	calls []string
}

var (
	_ Provider      = (*MockProvider)(nil)
	_ LabelModifier = (*MockProvider)(nil)
)

func (m *MockProvider) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns the recorded calls as "method:arg".
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockProvider) FetchPage(ctx context.Context, accountID, token string) (*Page, error) {
	m.record("FetchPage:" + token)
	if m.FetchPageFunc != nil {
		return m.FetchPageFunc(ctx, accountID, token)
	}
	return &Page{}, nil
}

func (m *MockProvider) FetchChanges(ctx context.Context, accountID, since string) (*ChangeSet, error) {
	m.record("FetchChanges:" + since)
	if m.FetchChangesFunc != nil {
		return m.FetchChangesFunc(ctx, accountID, since)
	}
	return &ChangeSet{NextToken: since}, nil
}

func (m *MockProvider) ModifyLabels(ctx context.Context, accountID, messageID string, add, remove []string) error {
	m.record("ModifyLabels:" + messageID)
	if m.ModifyLabelsFunc != nil {
		return m.ModifyLabelsFunc(ctx, accountID, messageID, add, remove)
	}
	return nil
}

// Pages scripts FetchPage from a map of token to page.
func Pages(pages map[string]*Page) func(ctx context.Context, accountID, token string) (*Page, error) {
	return func(_ context.Context, accountID, token string) (*Page, error) {
		p, ok := pages[token]
		if !ok {
			return nil, Wrap("list", accountID, errors.New("unknown page token "+token))
		}
		return p, nil
	}
}
