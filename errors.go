package tokenkeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken matches any *MalformedTokenError
	ErrMalformedToken = errors.New("malformed token")

	// ErrRefreshFailed matches any *RefreshNetworkError
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRetryExhausted matches any *RetryExhaustedError
	ErrRetryExhausted = errors.New("request still unauthorized after refresh")
)

// MalformedTokenError reports a token whose expiry claim cannot be decoded.
// Such a token is treated as already expired.
type MalformedTokenError struct {
	Reason string
	Err    error
}

func (e *MalformedTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed token: %s: %v", e.Reason, e.Err)
	}
	return "malformed token: " + e.Reason
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

func (e *MalformedTokenError) Is(target error) bool { return target == ErrMalformedToken }

// RefreshNetworkError reports a failed call to the refresh endpoint: a
// transport error, a non-2xx status, or a 2xx without a usable token.
// StatusCode is 0 when no response was received.
type RefreshNetworkError struct {
	StatusCode int
	Err        error
}

func (e *RefreshNetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token refresh failed: HTTP %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token refresh failed: HTTP %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	}
	return "token refresh failed"
}

func (e *RefreshNetworkError) Unwrap() error { return e.Err }

func (e *RefreshNetworkError) Is(target error) bool { return target == ErrRefreshFailed }

// RetryExhaustedError is returned when a request that was already retried
// with a refreshed token is rejected again.
type RetryExhaustedError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d after token refresh", e.Method, e.URL, e.StatusCode)
}

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
