// Package events applies verified delivery events to gateway state exactly
// once per provider event id.
package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattiq/mailgate/internal/core"
	"github.com/lattiq/mailgate/internal/store"
)

// ApplyResult reports what Apply did with an event.
type ApplyResult string

const (
	// Applied means the event's effects were committed by this call.
	Applied ApplyResult = "applied"
	// AlreadyProcessed means an earlier delivery of the event was applied.
	AlreadyProcessed ApplyResult = "already_processed"
)

// Store is the persistence the processor needs.
type Store interface {
	ApplyOnce(ctx context.Context, ev *core.DeliveryEvent, effect func(ctx context.Context, tx store.EventTx) error) (bool, error)
}

// Processor applies delivery events.
type Processor struct {
	store  Store
	log    zerolog.Logger
	tracer trace.Tracer
}

// NewProcessor creates a processor over st.
func NewProcessor(st Store, log zerolog.Logger) *Processor {
	return &Processor{
		store:  st,
		log:    log,
		tracer: otel.Tracer("github.com/lattiq/mailgate/internal/events"),
	}
}

// Apply records ev and runs its effects unless the same provider event was
// already applied. Concurrent deliveries of one event apply it once.
func (p *Processor) Apply(ctx context.Context, ev *core.DeliveryEvent) (ApplyResult, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	ctx, span := p.tracer.Start(ctx, "events.Apply",
		trace.WithAttributes(
			attribute.String("mailgate.provider", string(ev.Provider)),
			attribute.String("mailgate.event_id", ev.ProviderEventID),
			attribute.String("mailgate.event_type", string(ev.Type)),
		),
	)
	defer span.End()

	applied, err := p.store.ApplyOnce(ctx, ev, func(ctx context.Context, tx store.EventTx) error {
		return applyEffects(ctx, tx, ev)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("apply %s: %w", ev.Key(), err)
	}

	result := Applied
	if !applied {
		result = AlreadyProcessed
	}
	span.SetAttributes(attribute.String("mailgate.apply_result", string(result)))

	p.log.Debug().
		Str("provider", string(ev.Provider)).
		Str("event_id", ev.ProviderEventID).
		Str("type", string(ev.Type)).
		Str("result", string(result)).
		Msg("delivery event processed")

	return result, nil
}

// applyEffects maps an event type onto state changes. Each effect is
// idempotent on its own.
func applyEffects(ctx context.Context, tx store.EventTx, ev *core.DeliveryEvent) error {
	switch ev.Type {
	case core.EventBouncedPermanent:
		if ev.Recipient != "" {
			if err := tx.InvalidateRecipient(ctx, ev.Recipient, ev.Reason); err != nil {
				return err
			}
		}
	case core.EventComplained:
		if ev.Recipient != "" {
			if err := tx.UnsubscribeRecipient(ctx, ev.Recipient); err != nil {
				return err
			}
		}
	case core.EventOpened, core.EventClicked:
		if err := tx.RecordEngagement(ctx, ev); err != nil {
			return err
		}
	}

	if ev.ProviderMessageID != "" {
		return tx.SetDeliveryStatus(ctx, ev.Provider, ev.ProviderMessageID, ev.Type, ev.OccurredAt)
	}
	return nil
}
