// Package apierrors defines the error kinds the HTTP layer maps to status
// codes and response bodies.
package apierrors

import (
	"fmt"
	"net/http"
	"time"
)

// APIError is a classified request failure with its HTTP status.
type APIError struct {
	Status  int
	Kind    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// WithCause attaches the underlying error and returns the receiver.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

func BadRequest(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Kind: "input", Message: message}
}

func Unauthorized(message string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Kind: "auth", Message: message}
}

func Forbidden(message string) *APIError {
	return &APIError{Status: http.StatusForbidden, Kind: "auth", Message: message}
}

func NotFound(message string) *APIError {
	return &APIError{Status: http.StatusNotFound, Kind: "not_found", Message: message}
}

func Internal(message string, err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Kind: "internal", Message: message, Err: err}
}

// RateLimitError carries the 429 metadata exposed in headers and body.
type RateLimitError struct {
	Limit   int64
	Window  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d per %s", e.Limit, e.Window)
}

// Body is the JSON shape served alongside a 429.
func (e *RateLimitError) Body() map[string]interface{} {
	return map[string]interface{}{
		"error":   "rate_limit_exceeded",
		"message": "too many requests, slow down",
		"limit":   e.Limit,
		"window":  e.Window,
		"resetAt": e.ResetAt.UTC().Format(time.RFC3339),
	}
}
