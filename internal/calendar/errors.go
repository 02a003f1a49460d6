package calendar

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

var (
	// ErrUnknownProvider is returned for provider values outside the supported set.
	ErrUnknownProvider = errors.New("unknown calendar provider")

	// ErrStaleToken signals a continuation token rejected by the provider.
	// Adapters recover from it with a full fetch and never return it.
	ErrStaleToken = errors.New("continuation token rejected by provider")
)

// AuthError is a permanent credential failure. The connection needs to be
// reconnected by the user; retrying will not help.
type AuthError struct {
	Code     int
	Provider Provider
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s authentication failed (%d): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s authentication failed (%d)", e.Provider, e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ProviderError is a transient provider failure (network, 5xx, timeouts,
// unexpected responses). It is left to the job queue's retry policy.
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DiscoveryError is returned by the connect flow when no usable calendars are
// found or the discovery responses are malformed.
type DiscoveryError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s discovery failed: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s discovery failed: %s", e.Provider, e.Reason)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// PartialCalendarError wraps a failure confined to a single calendar.
type PartialCalendarError struct {
	CalendarID uuid.UUID
	Err        error
}

func (e *PartialCalendarError) Error() string {
	return fmt.Sprintf("calendar %s: %v", e.CalendarID, e.Err)
}

func (e *PartialCalendarError) Unwrap() error { return e.Err }

// HTTPStatusError classifies a non-success HTTP status. 401 and 403 are
// authentication failures; everything else is transient.
func HTTPStatusError(p Provider, op string, status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Code: status, Provider: p, Err: fmt.Errorf("%s: HTTP %d", op, status)}
	}
	return &ProviderError{Provider: p, Op: op, StatusCode: status}
}
