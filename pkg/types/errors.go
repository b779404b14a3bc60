package types

import (
	"errors"
	"net/http"
)

// Sentinel errors forming the error taxonomy. Components wrap these with
// fmt.Errorf("...: %w", Err...) so callers classify with errors.Is.
var (
	// ErrInvalidRequest marks missing/blank partner ids and malformed input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks a partner unknown to the config store.
	ErrNotFound = errors.New("not found")

	// ErrBreakerOpen marks a call refused by an open circuit breaker.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrShuttingDown marks a submission to a draining pool.
	ErrShuttingDown = errors.New("pool shutting down")

	// ErrTransient marks retryable failures: connect errors, 5xx, 408, 429.
	ErrTransient = errors.New("transient failure")

	// ErrAuth marks 401/403 responses; triggers credential invalidation.
	ErrAuth = errors.New("authentication failure")

	// ErrInternal marks unexpected failures.
	ErrInternal = errors.New("internal error")
)

// ErrorKind returns the taxonomy name for err, used in outcome records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrBreakerOpen):
		return "BREAKER_OPEN"
	case errors.Is(err, ErrShuttingDown):
		return "SHUTTING_DOWN"
	case errors.Is(err, ErrAuth):
		return "AUTH"
	case errors.Is(err, ErrTransient):
		return "TRANSIENT"
	default:
		return "INTERNAL"
	}
}

// ClassifyStatus maps an outbound HTTP status code onto the taxonomy.
// A nil return means the call succeeded.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrTransient
	case status >= 500:
		return ErrTransient
	default:
		return ErrInternal
	}
}

// IsRetryable reports whether a forward attempt should be retried under the
// partner's retry policy. Auth errors are handled separately (credential
// invalidation plus one uncounted retry).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// HTTPStatus maps a taxonomy error onto the control API response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
