package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srvo/dewey/internal/provider"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/internal/rules"
	"github.com/srvo/dewey/internal/service/ingest"
)

func TestIsRetryableError(t *testing.T) {
	syntaxErr := json.Unmarshal([]byte("{"), &struct{}{})

	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"token expired inside provider error", provider.Wrap("history", "a", provider.ErrTokenExpired), false, KindTokenExpired},
		{"sync in progress", fmt.Errorf("%w: lease held", ingest.ErrSyncInProgress), false, KindSyncInProgress},
		{"unimplemented action", fmt.Errorf("forward: %w", rules.ErrActionUnimplemented), false, KindActionUnimplemented},
		{"not found", repository.Wrap("get message", repository.ErrNotFound), false, KindNotFound},
		{"provider 503", &provider.ProviderError{Op: "list", StatusCode: 503, Err: errors.New("unavailable")}, true, KindProviderError},
		{"provider 401", &provider.ProviderError{Op: "list", StatusCode: 401, Err: errors.New("invalid_grant")}, false, KindProviderAuth},
		{"storage", repository.Wrap("commit batch", errors.New("disk full")), true, KindStorageError},
		{"deadline", fmt.Errorf("sync: %w", context.DeadlineExceeded), true, KindTimeout},
		{"canceled", context.Canceled, false, KindCanceled},
		{"network timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true, KindNetworkTimeout},
		{"json", syntaxErr, false, KindJSONDecode},
		{"other", errors.New("mystery"), false, KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
