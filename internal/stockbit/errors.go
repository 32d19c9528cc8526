package stockbit

import (
	"errors"
	"fmt"
)

// Failure kinds callers branch on with errors.Is. Anything not wrapping one
// of these is fatal for the operation that produced it.
var (
	// ErrAuthExpired means the broker rejected the credential. Never retried
	// silently; the caller pauses and surfaces a credential-required state.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrRetryable covers transient network failures, 429 and 5xx. Recovered
	// locally with bounded backoff.
	ErrRetryable = errors.New("retryable upstream failure")

	// ErrMalformed means the response body did not match the expected schema.
	ErrMalformed = errors.New("malformed response")
)

// APIError carries the HTTP detail behind a classified failure.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stockbit: %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.kind }

// newAPIError classifies a non-2xx status per the recovery policy:
// 401/403 expire the credential, 429 and 5xx are retryable, any other 4xx
// is terminal.
func newAPIError(endpoint string, status int, body string) *APIError {
	e := &APIError{StatusCode: status, Endpoint: endpoint, Body: truncate(body, 500)}
	switch {
	case status == 401 || status == 403:
		e.kind = ErrAuthExpired
	case status == 429 || status >= 500:
		e.kind = ErrRetryable
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
