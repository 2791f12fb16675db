package apperr

import (
	"fmt"
	"net/http"
)

// ValidationError is a malformed request the caller can fix. Details is
// rendered as-is in the response body.
type ValidationError struct {
	Message string
	Details any
}

func (e *ValidationError) Error() string {
	return e.Message
}

func Validation(message string, details any) error {
	return &ValidationError{Message: message, Details: details}
}

// AuthorizationError is a tenant/credential mismatch. It answers 400 rather
// than 403 so foreign ids are indistinguishable from unknown ones.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string {
	return e.Message
}

func Authorization(message string) error {
	return &AuthorizationError{Message: message}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// UpstreamError is a gateway failure. StatusCode is 0 for transport errors.
type UpstreamError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// Retryable reports whether another attempt may succeed: transport errors,
// throttling and 5xx.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AuthenticationError is a failed login or a missing/invalid bearer token.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

func Authentication(message string) error {
	return &AuthenticationError{Message: message}
}
