package mailer

import (
	"errors"
	"fmt"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

// Predefined sentinel errors for common cases.
var (
	// ErrRateLimited indicates the local rate limiter denied an attempt.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitBreakerOpen indicates the provider's circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrUnknownProvider indicates a provider that is not configured.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMalformedWebhook indicates a verified webhook body that could not
	// be decoded into delivery events.
	ErrMalformedWebhook = errors.New("malformed webhook payload")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")
)

// ErrorCode is the stable, provider-independent reason a send failed.
type ErrorCode string

const (
	CodeInvalidMessage      ErrorCode = "invalid_message"
	CodeProviderRejected    ErrorCode = "provider_rejected"
	CodeProviderAuth        ErrorCode = "provider_auth"
	CodePayloadTooLarge     ErrorCode = "payload_too_large"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeRetriesExhausted    ErrorCode = "retries_exhausted"
	CodeRetryAfterTooLong   ErrorCode = "retry_after_too_long"
	CodeDeadlineExceeded    ErrorCode = "deadline_exceeded"
	CodeCanceled            ErrorCode = "canceled"
	CodeInProgress          ErrorCode = "in_progress"
	CodeRecipientSuppressed ErrorCode = "recipient_suppressed"
	CodeConfiguration       ErrorCode = "configuration"
	CodeClientClosed        ErrorCode = "client_closed"
	CodeStoreFailure        ErrorCode = "store_failure"
)

// Permanent reports whether the failure is terminal for the message: either
// sending it again cannot succeed without a change, or the sequence used up
// its attempts or its Retry-After ceiling.
func (c ErrorCode) Permanent() bool {
	switch c {
	case CodeInvalidMessage, CodeProviderRejected, CodeProviderAuth, CodePayloadTooLarge,
		CodeRecipientSuppressed, CodeConfiguration, CodeRetriesExhausted, CodeRetryAfterTooLong:
		return true
	default:
		return false
	}
}

// SendError is the only error type Client.Send returns.
type SendError struct {
	// Code is the stable failure reason.
	Code ErrorCode

	// Permanent is set when retrying the same message later will not help.
	Permanent bool

	// Provider is the provider of the last attempt, if any.
	Provider ProviderType

	// Attempts is the number of attempts made.
	Attempts int

	// Cause is the last underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	msg := "send failed [" + string(e.Code) + "]"
	if e.Provider != "" {
		msg += fmt.Sprintf(" via %s after %d attempt(s)", e.Provider, e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// Is matches another *SendError with the same code.
func (e *SendError) Is(target error) bool {
	se, ok := target.(*SendError)
	return ok && se.Code == e.Code
}

func newSendError(code ErrorCode, attempts int, cause error) *SendError {
	se := &SendError{
		Code:      code,
		Permanent: code.Permanent(),
		Attempts:  attempts,
		Cause:     cause,
	}
	var pe *ProviderError
	if errors.As(cause, &pe) {
		se.Provider = pe.Provider
	}
	var rle *RateLimitError
	if se.Provider == "" && errors.As(cause, &rle) {
		se.Provider = rle.Provider
	}
	return se
}

// codeFor maps a non-retryable attempt error onto a stable code.
func codeFor(err error) ErrorCode {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeInvalidMessage
	}

	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return CodeConfiguration
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case core.CodeUnauthorized, core.CodeForbidden:
			return CodeProviderAuth
		case core.CodePayloadTooLarge:
			return CodePayloadTooLarge
		case core.CodeRateLimited:
			return CodeRateLimited
		}
	}

	return CodeProviderRejected
}

// ErrorCodeOf returns the code of a *SendError in err's chain.
func ErrorCodeOf(err error) (ErrorCode, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// RateLimitError is returned for an attempt the local rate limiter denied.
// It is retryable.
type RateLimitError struct {
	// Provider is the provider whose budget was exhausted.
	Provider ProviderType

	// RetryAfterDuration indicates when the operation can be retried.
	// Zero leaves the delay to the backoff schedule.
	RetryAfterDuration time.Duration

	// Limit is the rate limit that was exceeded.
	Limit int

	// Window is the time window for the rate limit.
	Window time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s allows %d per %v", e.Provider, e.Limit, e.Window)
}

// Is matches ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Retryable implements the retryable error contract.
func (e *RateLimitError) Retryable() bool {
	return true
}

// RetryAfter returns the suggested wait.
func (e *RateLimitError) RetryAfter() time.Duration {
	return e.RetryAfterDuration
}

// NewRateLimitError creates a rate limit error from a limiter snapshot.
func NewRateLimitError(w RateLimitWindow) *RateLimitError {
	return &RateLimitError{
		Provider: w.Provider,
		Limit:    w.Limit,
		Window:   w.Window,
	}
}
