package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Client errors.
var (
	// ErrNoToken indicates the token provider could not supply a token.
	ErrNoToken = errors.New("client: no access token available")

	// ErrAuthFailed indicates the token endpoint rejected our
	// credentials. Retrying with the same key cannot succeed.
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrAttemptsExhausted indicates a request kept failing after the
	// full retry budget.
	ErrAttemptsExhausted = errors.New("client: retry attempts exhausted")
)

// ResponseError represents a FHIR server error response.
type ResponseError struct {
	StatusCode  int
	URL         string
	Diagnostics string // flattened OperationOutcome issues, when present
}

func (e *ResponseError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("client: server returned %d for %s: %s", e.StatusCode, e.URL, e.Diagnostics)
	}
	return fmt.Sprintf("client: server returned %d for %s", e.StatusCode, e.URL)
}

// StatusOf returns the HTTP status carried by err, or 0 when err is
// not a ResponseError.
func StatusOf(err error) int {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// IsNotFound checks if the error is a 404 response.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// IsUnauthorized checks if the error is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// IsGone checks if the error is a 410 response.
func IsGone(err error) bool {
	return StatusOf(err) == http.StatusGone
}

// retriableStatus reports whether a status code is worth another
// attempt. Everything else in the 4xx range is a caller problem and
// retrying would only repeat it.
func retriableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
