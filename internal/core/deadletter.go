package core

import (
	"context"
	"time"
)

// DeadLetter is the record published for a message that could not be
// delivered by any provider.
type DeadLetter struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Email          *Email       `json:"email"`
	Attempts       int          `json:"attempts"`
	ErrorCode      string       `json:"error_code"`
	LastError      string       `json:"last_error,omitempty"`
	LastProvider   ProviderName `json:"last_provider,omitempty"`
	Permanent      bool         `json:"permanent"`
	FailedAt       time.Time    `json:"failed_at"`
}

// DeadLetterSink receives undeliverable messages.
type DeadLetterSink interface {
	Publish(ctx context.Context, dl *DeadLetter) error
}
