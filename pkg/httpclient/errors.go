package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RetryableError is returned when a request kept failing after every retry.
// RetryAfter carries the upstream Retry-After value when the final response
// included one, so callers can report how long the backend asked to wait.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// parseRetryAfter reads a seconds-valued Retry-After header. Returns zero
// when the header is absent, negative, or not an integer.
func parseRetryAfter(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
