package core

import (
	"context"
	"mime"
	"net/http"
	"net/mail"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Provider defines the interface for email service providers.
// Implementations translate between the gateway's message model and one
// provider's wire format. They never retry; retry policy lives in the
// dispatcher.
type Provider interface {
	// Send performs exactly one outbound call to the provider's API.
	// Failures are returned as *ProviderError so the caller can decide
	// whether the attempt may be retried.
	Send(ctx context.Context, email *Email) (*SendResult, error)

	// ParseWebhook decodes an already-verified webhook body into one or
	// more normalized delivery events.
	ParseWebhook(ctx context.Context, body []byte, headers http.Header) ([]*DeliveryEvent, error)

	// ValidateConfig validates the provider configuration.
	// Returns an error if the configuration is invalid or incomplete.
	ValidateConfig() error

	// Name returns the provider's name for identification and logging.
	Name() ProviderName
}

// ProviderName identifies one of the supported email providers.
type ProviderName string

const (
	// ProviderSES represents Amazon Simple Email Service (v2 API).
	ProviderSES ProviderName = "ses"

	// ProviderSendGrid represents the SendGrid email service.
	ProviderSendGrid ProviderName = "sendgrid"

	// ProviderMailgun represents the Mailgun email service.
	ProviderMailgun ProviderName = "mailgun"

	// ProviderPostmark represents the Postmark email service.
	ProviderPostmark ProviderName = "postmark"
)

// String returns the string representation of the provider name.
func (p ProviderName) String() string {
	return string(p)
}

// Valid checks if the provider is supported.
func (p ProviderName) Valid() bool {
	switch p {
	case ProviderSES, ProviderSendGrid, ProviderMailgun, ProviderPostmark:
		return true
	default:
		return false
	}
}

// ProviderSettings represents configuration settings for email providers.
type ProviderSettings map[string]string

// Get retrieves a configuration value by key.
func (ps ProviderSettings) Get(key string) string {
	return ps[key]
}

// Set sets a configuration value.
func (ps ProviderSettings) Set(key, value string) {
	ps[key] = value
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string `json:"name"`  // Display name (optional)
	Email string `json:"email"` // Email address (required)
}

// String returns the formatted email address.
// If Name is provided, returns "Name <email@domain.com>"
// Otherwise returns just "email@domain.com"
func (a Address) String() string {
	if a.Name != "" {
		return mime.QEncoding.Encode("UTF-8", a.Name) + " <" + a.Email + ">"
	}
	return a.Email
}

// Valid checks if the address has a valid email format.
func (a Address) Valid() bool {
	if a.Email == "" {
		return false
	}
	_, err := mail.ParseAddress(a.String())
	return err == nil
}

// Attachment represents a file attachment to be included with the email.
// Content is held in memory so the same message can be replayed on every
// send attempt.
type Attachment struct {
	// Filename is the name of the file as it will appear in the email.
	Filename string `json:"filename"`

	// ContentType is the MIME content type of the file.
	// If empty, it will be detected from the filename extension.
	ContentType string `json:"content_type,omitempty"`

	// Content is the raw file payload.
	Content []byte `json:"content"`
}

// DetectContentType attempts to detect the content type from the filename.
func (a *Attachment) DetectContentType() string {
	if a.ContentType != "" {
		return a.ContentType
	}

	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(a.Filename))); ct != "" {
		return ct
	}

	return "application/octet-stream"
}

// Email represents an outbound email message. An Email is treated as an
// immutable value once handed to the gateway.
type Email struct {
	From        Address           `json:"from"`
	To          []Address         `json:"to"`
	CC          []Address         `json:"cc,omitempty"`
	BCC         []Address         `json:"bcc,omitempty"`
	ReplyTo     *Address          `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body,omitempty"`
	TextBody    string            `json:"text_body,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the email has valid structure and required fields.
// maxAttachmentBytes bounds the combined attachment size; zero disables the
// check.
func (e *Email) Validate(maxAttachmentBytes int64) error {
	if !e.From.Valid() {
		return &ValidationError{Field: "from", Message: "invalid or missing sender address"}
	}

	if len(e.To) == 0 {
		return &ValidationError{Field: "to", Message: "at least one recipient required"}
	}

	for i, to := range e.To {
		if !to.Valid() {
			return &ValidationError{
				Field:   "to",
				Message: "invalid recipient address at index " + strconv.Itoa(i),
			}
		}
	}

	for i, cc := range e.CC {
		if !cc.Valid() {
			return &ValidationError{
				Field:   "cc",
				Message: "invalid CC address at index " + strconv.Itoa(i),
			}
		}
	}

	for i, bcc := range e.BCC {
		if !bcc.Valid() {
			return &ValidationError{
				Field:   "bcc",
				Message: "invalid BCC address at index " + strconv.Itoa(i),
			}
		}
	}

	if e.ReplyTo != nil && !e.ReplyTo.Valid() {
		return &ValidationError{Field: "reply_to", Message: "invalid reply-to address"}
	}

	if strings.TrimSpace(e.Subject) == "" {
		return &ValidationError{Field: "subject", Message: "subject is required"}
	}

	if strings.TrimSpace(e.TextBody) == "" && strings.TrimSpace(e.HTMLBody) == "" {
		return &ValidationError{Field: "body", Message: "either text or HTML body is required"}
	}

	var total int64
	for i, att := range e.Attachments {
		if strings.TrimSpace(att.Filename) == "" {
			return &ValidationError{
				Field:   "attachments",
				Message: "missing filename at index " + strconv.Itoa(i),
			}
		}
		total += int64(len(att.Content))
	}
	if maxAttachmentBytes > 0 && total > maxAttachmentBytes {
		return &ValidationError{
			Field:   "attachments",
			Message: "combined attachment size exceeds limit",
			Value:   total,
		}
	}

	return nil
}

// HasAttachments returns true if the email has any attachments.
func (e *Email) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// TotalRecipients returns the total number of recipients (To + CC + BCC).
func (e *Email) TotalRecipients() int {
	return len(e.To) + len(e.CC) + len(e.BCC)
}

// AllRecipients returns all recipients combined into a single slice.
func (e *Email) AllRecipients() []Address {
	all := make([]Address, 0, e.TotalRecipients())
	all = append(all, e.To...)
	all = append(all, e.CC...)
	all = append(all, e.BCC...)
	return all
}

// SendResult contains the result of sending a single email.
type SendResult struct {
	// MessageID is the unique identifier assigned by the provider.
	MessageID string `json:"message_id"`

	// Provider is the provider that accepted the email.
	Provider ProviderName `json:"provider"`

	// Timestamp when the email was accepted by the provider.
	Timestamp time.Time `json:"timestamp"`

	// Attempts is the number of provider calls the dispatch needed.
	Attempts int `json:"attempts,omitempty"`

	// Cached is set when the result was served from an earlier dispatch
	// with the same idempotency key.
	Cached bool `json:"cached,omitempty"`

	// Metadata contains provider-specific information.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outcome is the classification of a single send attempt.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Terminal reports whether no further attempt follows this outcome.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomePermanentFailure
}

// SendAttempt records one provider call made on behalf of an idempotency key.
type SendAttempt struct {
	ID                string
	IdempotencyKey    string
	Provider          ProviderName
	AttemptNumber     int
	StartedAt         time.Time
	FinishedAt        time.Time
	Outcome           Outcome
	ProviderMessageID string
	StatusCode        int
	ErrorCode         string
}
