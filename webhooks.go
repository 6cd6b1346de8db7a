package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattiq/mailgate/internal/events"
	"github.com/lattiq/mailgate/internal/webhook"
)

// VerificationError is returned by HandleWebhook for a body whose signature
// did not verify. Nothing from such a body is applied.
type VerificationError = webhook.VerificationError

// WebhookResult summarizes one handled webhook delivery.
type WebhookResult struct {
	Provider   ProviderType `json:"provider"`
	Events     int          `json:"events"`
	Applied    int          `json:"applied"`
	Duplicates int          `json:"duplicates"`
}

// VerifyWebhook authenticates body against provider's signing key and
// decodes it into delivery events without applying them.
func (c *Client) VerifyWebhook(ctx context.Context, provider ProviderType, body []byte, headers http.Header) ([]*DeliveryEvent, error) {
	if !c.enter() {
		return nil, ErrClientClosed
	}
	defer c.inflight.Done()

	return c.verifyWebhook(ctx, provider, body, headers)
}

func (c *Client) verifyWebhook(ctx context.Context, provider ProviderType, body []byte, headers http.Header) ([]*DeliveryEvent, error) {
	ps, ok := c.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if err := ps.verifier.Verify(body, headers); err != nil {
		return nil, err
	}

	evs, err := ps.adapter.ParseWebhook(ctx, body, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
	}
	return evs, nil
}

// HandleWebhook verifies body against provider's signing key, decodes it
// and applies each event at most once. Redelivered events are counted as
// duplicates and are not an error.
//
// Errors: ErrUnknownProvider, *VerificationError, ErrMalformedWebhook, or a
// store failure.
func (c *Client) HandleWebhook(ctx context.Context, provider ProviderType, body []byte, headers http.Header) (*WebhookResult, error) {
	ctx, span := c.tracer.Start(ctx, "mailer.Client.HandleWebhook",
		trace.WithAttributes(attribute.String("mailgate.provider", string(provider))))
	defer span.End()

	if !c.enter() {
		span.SetStatus(codes.Error, ErrClientClosed.Error())
		return nil, ErrClientClosed
	}
	defer c.inflight.Done()

	log := c.log.With().Str("provider", string(provider)).Logger()

	evs, err := c.verifyWebhook(ctx, provider, body, headers)
	if err != nil {
		log.Warn().Err(err).Msg("rejected webhook")
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}

	res := &WebhookResult{Provider: provider, Events: len(evs)}
	for _, ev := range evs {
		outcome, err := c.processor.Apply(ctx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")

			var ve *ValidationError
			if errors.As(err, &ve) {
				return res, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
			}
			return res, fmt.Errorf("applying event %s: %w", ev.Key(), err)
		}

		if outcome == events.AlreadyProcessed {
			res.Duplicates++
		} else {
			res.Applied++
		}
	}

	span.SetAttributes(
		attribute.Int("mailgate.events", res.Events),
		attribute.Int("mailgate.applied", res.Applied),
		attribute.Int("mailgate.duplicates", res.Duplicates),
	)
	span.SetStatus(codes.Ok, "handled")
	log.Debug().Int("events", res.Events).Int("applied", res.Applied).Int("duplicates", res.Duplicates).
		Msg("webhook handled")

	return res, nil
}
