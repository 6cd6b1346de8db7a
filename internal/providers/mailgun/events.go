package mailgun

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

type webhookPayload struct {
	EventData json.RawMessage `json:"event-data"`
}

type eventData struct {
	ID        string  `json:"id"`
	Event     string  `json:"event"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"`
	Recipient string  `json:"recipient"`
	Reason    string  `json:"reason"`

	DeliveryStatus struct {
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"delivery-status"`

	Message struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
}

// ParseWebhook decodes a Mailgun webhook. Each request carries one event.
func (p *Provider) ParseWebhook(_ context.Context, body []byte, _ http.Header) ([]*core.DeliveryEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, core.NewValidationError("body", "malformed Mailgun webhook: "+err.Error())
	}
	if len(payload.EventData) == 0 {
		return nil, core.NewValidationError("event-data", "event-data is required")
	}

	var data eventData
	if err := json.Unmarshal(payload.EventData, &data); err != nil {
		return nil, core.NewValidationError("event-data", "malformed event-data: "+err.Error())
	}
	if data.ID == "" {
		return nil, core.NewValidationError("event-data.id", "event id is required")
	}

	secs, frac := math.Modf(data.Timestamp)

	reason := data.Reason
	if data.DeliveryStatus.Description != "" {
		reason = data.DeliveryStatus.Description
	} else if data.DeliveryStatus.Message != "" {
		reason = data.DeliveryStatus.Message
	}

	return []*core.DeliveryEvent{{
		Provider:          core.ProviderMailgun,
		ProviderEventID:   data.ID,
		Type:              classify(data.Event, data.Severity),
		Recipient:         core.NormalizeRecipient(data.Recipient),
		OccurredAt:        time.Unix(int64(secs), int64(frac*1e9)).UTC(),
		ProviderMessageID: normalizeID(data.Message.Headers.MessageID),
		Reason:            reason,
		Raw:               payload.EventData,
	}}, nil
}

func classify(event, severity string) core.EventType {
	switch event {
	case "delivered":
		return core.EventDelivered
	case "failed":
		if severity == "temporary" {
			return core.EventBouncedTemporary
		}
		return core.EventBouncedPermanent
	case "complained":
		return core.EventComplained
	case "opened":
		return core.EventOpened
	case "clicked":
		return core.EventClicked
	default:
		return core.EventOther
	}
}
