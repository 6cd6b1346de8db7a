package sendgrid

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

// event is one element of a SendGrid event webhook batch.
type event struct {
	Email       string `json:"email"`
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	EventID     string `json:"sg_event_id"`
	MessageID   string `json:"sg_message_id"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Response    string `json:"response"`
	BounceClass string `json:"bounce_classification"`
}

// ParseWebhook decodes a SendGrid event batch (a JSON array).
func (p *Provider) ParseWebhook(_ context.Context, body []byte, _ http.Header) ([]*core.DeliveryEvent, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, core.NewValidationError("body", "expected a JSON array of events: "+err.Error())
	}

	events := make([]*core.DeliveryEvent, 0, len(raws))
	for i, raw := range raws {
		var ev event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, core.NewValidationErrorWithValue("body", "malformed event", i)
		}
		if ev.EventID == "" {
			return nil, core.NewValidationErrorWithValue("sg_event_id", "event id is required", i)
		}

		events = append(events, &core.DeliveryEvent{
			Provider:          core.ProviderSendGrid,
			ProviderEventID:   ev.EventID,
			Type:              classify(ev),
			Recipient:         core.NormalizeRecipient(ev.Email),
			OccurredAt:        time.Unix(ev.Timestamp, 0).UTC(),
			ProviderMessageID: messageID(ev.MessageID),
			Reason:            firstNonEmpty(ev.Reason, ev.Response),
			Raw:               raw,
		})
	}

	return events, nil
}

func classify(ev event) core.EventType {
	switch ev.Event {
	case "delivered":
		return core.EventDelivered
	case "bounce":
		// "blocked" is a transient rejection by the receiving server
		if ev.Type == "blocked" {
			return core.EventBouncedTemporary
		}
		return core.EventBouncedPermanent
	case "deferred":
		return core.EventBouncedTemporary
	case "spamreport":
		return core.EventComplained
	case "open":
		return core.EventOpened
	case "click":
		return core.EventClicked
	default:
		return core.EventOther
	}
}

// messageID strips the filter suffix SendGrid appends to sg_message_id so
// that it matches the X-Message-Id returned at send time.
func messageID(sgMessageID string) string {
	if i := strings.IndexByte(sgMessageID, '.'); i > 0 {
		return sgMessageID[:i]
	}
	return sgMessageID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
