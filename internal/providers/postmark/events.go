package postmark

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

type webhookEvent struct {
	RecordType  string          `json:"RecordType"`
	ID          json.RawMessage `json:"ID"`
	Type        string          `json:"Type"`
	MessageID   string          `json:"MessageID"`
	Recipient   string          `json:"Recipient"`
	Email       string          `json:"Email"`
	DeliveredAt string          `json:"DeliveredAt"`
	BouncedAt   string          `json:"BouncedAt"`
	ReceivedAt  string          `json:"ReceivedAt"`
	Description string          `json:"Description"`
	Details     string          `json:"Details"`
}

// permanentBounces are the bounce types after which the address must not be
// mailed again. Every other bounce type is treated as transient.
var permanentBounces = map[string]bool{
	"HardBounce":          true,
	"BadEmailAddress":     true,
	"ManuallyDeactivated": true,
}

// ParseWebhook decodes a Postmark webhook. Each request carries one record.
func (p *Provider) ParseWebhook(_ context.Context, body []byte, _ http.Header) ([]*core.DeliveryEvent, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, core.NewValidationError("body", "malformed Postmark webhook: "+err.Error())
	}
	if ev.RecordType == "" {
		return nil, core.NewValidationError("RecordType", "record type is required")
	}

	stamp := firstNonEmpty(ev.DeliveredAt, ev.BouncedAt, ev.ReceivedAt)
	occurred, _ := time.Parse(time.RFC3339, stamp)

	id := strings.Trim(string(ev.ID), `"`)
	if id == "" || id == "null" || id == "0" {
		if ev.MessageID == "" {
			return nil, core.NewValidationError("MessageID", "MessageID is required when ID is absent")
		}
		id = ev.MessageID + ":" + ev.RecordType + ":" + stamp
	}

	return []*core.DeliveryEvent{{
		Provider:          core.ProviderPostmark,
		ProviderEventID:   id,
		Type:              classify(ev),
		Recipient:         core.NormalizeRecipient(firstNonEmpty(ev.Recipient, ev.Email)),
		OccurredAt:        occurred.UTC(),
		ProviderMessageID: ev.MessageID,
		Reason:            firstNonEmpty(ev.Description, ev.Details),
		Raw:               json.RawMessage(body),
	}}, nil
}

func classify(ev webhookEvent) core.EventType {
	switch ev.RecordType {
	case "Delivery":
		return core.EventDelivered
	case "Bounce":
		if permanentBounces[ev.Type] {
			return core.EventBouncedPermanent
		}
		return core.EventBouncedTemporary
	case "SpamComplaint":
		return core.EventComplained
	case "Open":
		return core.EventOpened
	case "Click":
		return core.EventClicked
	default:
		return core.EventOther
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
