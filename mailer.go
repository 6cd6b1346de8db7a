package mailer

import (
	"context"
	"net/http"
	"time"

	"github.com/lattiq/mailgate/internal/core"
	"github.com/lattiq/mailgate/internal/store"
)

// Type aliases re-export the core types so callers write mailer.Email
// rather than reaching into internal packages.
type (
	Provider           = core.Provider
	ProviderSettings   = core.ProviderSettings
	Email              = core.Email
	Address            = core.Address
	Attachment         = core.Attachment
	SendResult         = core.SendResult
	SendAttempt        = core.SendAttempt
	DeliveryEvent      = core.DeliveryEvent
	EventType          = core.EventType
	ValidationError    = core.ValidationError
	ConfigurationError = core.ConfigurationError
	ProviderError      = core.ProviderError
	SecretStore        = core.SecretStore
	DeadLetterSink     = core.DeadLetterSink
	DeadLetter         = core.DeadLetter
)

// Event types.
const (
	EventDelivered        = core.EventDelivered
	EventBouncedPermanent = core.EventBouncedPermanent
	EventBouncedTemporary = core.EventBouncedTemporary
	EventComplained       = core.EventComplained
	EventOpened           = core.EventOpened
	EventClicked          = core.EventClicked
	EventOther            = core.EventOther
)

// Error helpers.
var (
	NewValidationError = core.NewValidationError
	IsRetryable        = core.IsRetryable
	GetRetryAfter      = core.GetRetryAfter
)

// Public interfaces for the gateway.
type (
	// Mailer sends messages exactly once per idempotency key and ingests
	// provider webhooks. All methods are safe for concurrent use.
	Mailer interface {
		// Send dispatches email under idempotencyKey. A key that already
		// completed returns the cached result without calling a provider.
		Send(ctx context.Context, email *Email, idempotencyKey string) (*SendResult, error)

		// HandleWebhook verifies and applies one provider callback.
		HandleWebhook(ctx context.Context, provider ProviderType, body []byte, headers http.Header) (*WebhookResult, error)

		// Close releases the client's resources.
		Close() error
	}

	// DispatchStore persists dispatch claims, attempts and webhook effects.
	DispatchStore interface {
		ClaimDispatch(ctx context.Context, key string, lease time.Duration) (store.ClaimResult, *store.Dispatch, error)
		MarkSent(ctx context.Context, key string, res *SendResult) error
		MarkFailed(ctx context.Context, key string, provider ProviderType, attempts int, code string) error
		RecordAttempt(ctx context.Context, a *SendAttempt) error
		FirstSuppressed(ctx context.Context, emails []string) (string, error)
		ApplyOnce(ctx context.Context, ev *DeliveryEvent, effect func(ctx context.Context, tx store.EventTx) error) (bool, error)
	}
)
