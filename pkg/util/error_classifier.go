package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/srvo/dewey/internal/provider"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/internal/rules"
	"github.com/srvo/dewey/internal/service/ingest"
)

// Error kinds reported by IsRetryableError.
const (
	KindTokenExpired        = "token_expired"
	KindSyncInProgress      = "sync_in_progress"
	KindActionUnimplemented = "action_unimplemented"
	KindNotFound            = "not_found"
	KindProviderAuth        = "provider_auth"
	KindProviderError       = "provider_error"
	KindDBConnection        = "db_connection_error"
	KindStorageError        = "storage_error"
	KindNetworkTimeout      = "network_timeout"
	KindNetworkError        = "network_error"
	KindTimeout             = "timeout"
	KindCanceled            = "context_canceled"
	KindJSONDecode          = "json_decode_error"
	KindUnknown             = "unknown_error"
)

// IsRetryableError classifies err.
// Returns: (isRetryable, errorKind)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// Outcomes the engine handles itself come first: they are wrapped in
	// retryable carriers.
	switch {
	case errors.Is(err, provider.ErrTokenExpired):
		return false, KindTokenExpired
	case errors.Is(err, ingest.ErrSyncInProgress):
		return false, KindSyncInProgress
	case errors.Is(err, rules.ErrActionUnimplemented):
		return false, KindActionUnimplemented
	case errors.Is(err, repository.ErrNotFound):
		return false, KindNotFound
	}

	if errors.Is(err, context.Canceled) {
		return false, KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, KindTimeout
	}

	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden {
			// Credentials need an operator.
			return false, KindProviderAuth
		}
		return true, KindProviderError
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true, KindDBConnection
	}

	var se *repository.StorageError
	if errors.As(err, &se) {
		return true, KindStorageError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, KindNetworkTimeout
		}
		return true, KindNetworkError
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, KindJSONDecode
	}

	return false, KindUnknown
}
