// Package errors defines the structured error type shared by the gateway's
// HTTP surface and its upstream plumbing. Every failure that can reach a
// client is represented as an *AppError carrying the HTTP status to emit,
// a stable machine-readable code, and an optional wrapped cause.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Stable error codes surfaced in error envelopes and logs.
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNoTokenAvailable  = "NO_TOKEN_AVAILABLE"
	CodeAuthRejected      = "AUTH_REJECTED"
	CodeUpstreamTransient = "UPSTREAM_TRANSIENT"
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeCredentialMissing = "CREDENTIAL_MISSING"
	CodeInternal          = "INTERNAL"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// BadRequest reports a malformed downstream request (empty messages,
// invalid JSON, missing required fields).
func BadRequest(message string, err error) *AppError {
	return New(400, CodeBadRequest, message, err)
}

// Unauthorized reports a missing or invalid API key.
func Unauthorized(message string) *AppError {
	return New(401, CodeUnauthorized, message, nil)
}

// Forbidden reports a banned or otherwise rejected user.
func Forbidden(message string) *AppError {
	return New(403, CodeForbidden, message, nil)
}

// NoTokenAvailable reports that neither the user's own tokens nor the
// public pool had an active entry.
func NoTokenAvailable(message string) *AppError {
	return New(503, CodeNoTokenAvailable, message, nil)
}

// AuthRejected reports a terminal 4xx from a refresh endpoint. The donated
// token backing the manager should be marked invalid by the caller.
func AuthRejected(refreshStatus int, body string) *AppError {
	e := New(502, CodeAuthRejected, "upstream rejected credentials", nil)
	e.Details = map[string]interface{}{
		"refresh_status": refreshStatus,
		"refresh_body":   truncate(body, 512),
	}
	return e
}

// UpstreamTransient reports a retryable upstream failure after the retry
// budget is exhausted. statusCode is 504 for streaming, 502 otherwise.
func UpstreamTransient(statusCode int, message string, err error) *AppError {
	return New(statusCode, CodeUpstreamTransient, message, err)
}

// ProtocolViolation reports an upstream response the gateway cannot
// interpret: a refresh response without accessToken, an event-stream frame
// that never closes, unparseable JSON.
func ProtocolViolation(message string, err error) *AppError {
	return New(502, CodeProtocolViolation, message, err)
}

// CredentialMissing reports that no refresh token is configured for the
// resolved tenant.
func CredentialMissing(message string) *AppError {
	return New(500, CodeCredentialMissing, message, nil)
}

// AsAppError extracts an *AppError from err's chain, or wraps err as an
// internal 500 if none is present.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return New(500, CodeInternal, "internal server error", err)
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
