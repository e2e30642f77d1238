package transport

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is returned by adapters when the platform rejected a call
// with a flood-control (HTTP 429) response.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// APIError is any other structured platform rejection.
type APIError struct {
	Code        int
	Description string
	Err         error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

func (e *APIError) Unwrap() error { return e.Err }

// RetryAfter extracts the retry hint from a rate-limit rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
