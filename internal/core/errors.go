package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string

	// Value is the invalid value (optional).
	Value interface{}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error in %s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a new validation error with the invalid value.
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ConfigurationError reports a missing secret or an unusable provider setup.
// It is never retried.
type ConfigurationError struct {
	Provider ProviderName
	Setting  string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("configuration error for %s (%s): %s", e.Provider, e.Setting, e.Message)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Setting, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error from an email provider.
type ProviderError struct {
	// Provider is the name of the provider that generated the error.
	Provider ProviderName

	// Code is a short machine-readable reason (e.g. "rate_limited").
	Code string

	// Message is the error message from the provider.
	Message string

	// StatusCode is the HTTP status code (for HTTP-based providers).
	StatusCode int

	// IsRetryable indicates whether the same request may succeed later.
	IsRetryable bool

	// RetryAfterDuration is the provider-requested wait, if any.
	RetryAfterDuration time.Duration

	// Cause is the underlying error that caused this provider error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error [%s] (status: %d): %s",
			e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *ProviderError) Is(target error) bool {
	pe, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return e.Provider == pe.Provider && e.Code == pe.Code
}

// Retryable implements RetryableError for ProviderError.
func (e *ProviderError) Retryable() bool {
	return e.IsRetryable
}

// RetryAfter returns the provider-requested delay before the next attempt.
func (e *ProviderError) RetryAfter() time.Duration {
	return e.RetryAfterDuration
}

// RetryableError interface indicates whether an error can be retried.
type RetryableError interface {
	Retryable() bool
}

// Provider error codes shared by all adapters.
const (
	CodeRateLimited     = "rate_limited"
	CodeServerError     = "server_error"
	CodeTimeout         = "timeout"
	CodeNetwork         = "network_error"
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodePayloadTooLarge = "payload_too_large"
	CodeUnprocessable   = "unprocessable"
	CodeRejected        = "rejected"
	CodeInvalidResponse = "invalid_response"
)

// NewProviderError creates a new permanent provider error.
func NewProviderError(provider ProviderName, code, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  message,
	}
}

// NewRetryableProviderError creates a new retryable provider error.
func NewRetryableProviderError(provider ProviderName, code, message string) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     message,
		IsRetryable: true,
	}
}

// ClassifyStatus maps an HTTP status returned by a provider to a provider
// error. 429 and 5xx are retryable; every other non-2xx status is
// permanent. 422 is permanent by policy: it signals a caller bug.
func ClassifyStatus(provider ProviderName, status int, message string) *ProviderError {
	pe := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
	}

	switch {
	case status == http.StatusTooManyRequests:
		pe.Code = CodeRateLimited
		pe.IsRetryable = true
	case status >= 500:
		pe.Code = CodeServerError
		pe.IsRetryable = true
	case status == http.StatusBadRequest:
		pe.Code = CodeBadRequest
	case status == http.StatusUnauthorized:
		pe.Code = CodeUnauthorized
	case status == http.StatusForbidden:
		pe.Code = CodeForbidden
	case status == http.StatusNotFound:
		pe.Code = CodeNotFound
	case status == http.StatusRequestEntityTooLarge:
		pe.Code = CodePayloadTooLarge
	case status == http.StatusUnprocessableEntity:
		pe.Code = CodeUnprocessable
	default:
		pe.Code = CodeRejected
	}

	return pe
}

// ClassifyTransportError wraps an error raised before any HTTP status was
// received. Timeouts and network failures are retryable; cancellation by
// the caller is not.
func ClassifyTransportError(provider ProviderName, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.Canceled) {
		return &ProviderError{
			Provider: provider,
			Code:     "canceled",
			Message:  err.Error(),
			Cause:    err,
		}
	}

	code := CodeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = CodeTimeout
	}

	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     err.Error(),
		IsRetryable: true,
		Cause:       err,
	}
}

// ParseRetryAfter parses a Retry-After header value given either as delay
// seconds or as an HTTP date. It returns zero when the value is absent or
// unparsable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	return false
}

// GetRetryAfter extracts retry delay from an error if available.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}

	return 0
}
