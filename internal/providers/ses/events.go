package ses

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

// snsEnvelope is the SNS HTTP notification wrapping an SES event.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type recipient struct {
	EmailAddress   string `json:"emailAddress"`
	DiagnosticCode string `json:"diagnosticCode"`
}

type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`

	Mail struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`

	Bounce *struct {
		BounceType        string      `json:"bounceType"`
		BounceSubType     string      `json:"bounceSubType"`
		BouncedRecipients []recipient `json:"bouncedRecipients"`
		Timestamp         string      `json:"timestamp"`
	} `json:"bounce"`

	Complaint *struct {
		ComplainedRecipients  []recipient `json:"complainedRecipients"`
		ComplaintFeedbackType string      `json:"complaintFeedbackType"`
		Timestamp             string      `json:"timestamp"`
	} `json:"complaint"`

	Delivery *struct {
		Recipients []string `json:"recipients"`
		Timestamp  string   `json:"timestamp"`
	} `json:"delivery"`

	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`

	Click *struct {
		Timestamp string `json:"timestamp"`
		Link      string `json:"link"`
	} `json:"click"`
}

// ParseWebhook decodes an SES notification, either wrapped in an SNS
// envelope or posted bare. A subscription handshake is confirmed through
// its SubscribeURL and carries no events.
func (p *Provider) ParseWebhook(ctx context.Context, body []byte, _ http.Header) ([]*core.DeliveryEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, core.NewValidationError("body", "malformed SES webhook: "+err.Error())
	}

	payload := body
	switch env.Type {
	case "":
	case "Notification":
		payload = []byte(env.Message)
	case "SubscriptionConfirmation":
		return nil, p.confirmSubscription(ctx, env.SubscribeURL)
	case "UnsubscribeConfirmation":
		return nil, nil
	default:
		return nil, core.NewValidationError("Type", "unsupported SNS message type "+env.Type)
	}

	var ev sesEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, core.NewValidationError("Message", "malformed SES event: "+err.Error())
	}

	kind := ev.EventType
	if kind == "" {
		kind = ev.NotificationType
	}
	if kind == "" {
		return nil, core.NewValidationError("eventType", "event type is required")
	}

	typ, stamp, recipients, reason := extract(kind, &ev)
	occurred, _ := time.Parse(time.RFC3339Nano, stamp)

	baseID := env.MessageID
	if baseID == "" {
		if ev.Mail.MessageID == "" {
			return nil, core.NewValidationError("mail.messageId", "message id is required")
		}
		baseID = ev.Mail.MessageID + ":" + kind + ":" + stamp
	}

	if len(recipients) == 0 {
		recipients = []string{""}
	}

	events := make([]*core.DeliveryEvent, 0, len(recipients))
	for _, rcpt := range recipients {
		id := baseID
		if len(recipients) > 1 {
			id = baseID + ":" + core.NormalizeRecipient(rcpt)
		}
		events = append(events, &core.DeliveryEvent{
			Provider:          core.ProviderSES,
			ProviderEventID:   id,
			Type:              typ,
			Recipient:         core.NormalizeRecipient(rcpt),
			OccurredAt:        occurred.UTC(),
			ProviderMessageID: ev.Mail.MessageID,
			Reason:            reason,
			Raw:               json.RawMessage(payload),
		})
	}
	return events, nil
}

// extract pulls the type, timestamp, recipients and reason for one SES event.
func extract(kind string, ev *sesEvent) (core.EventType, string, []string, string) {
	stamp := ev.Mail.Timestamp

	switch kind {
	case "Bounce":
		if ev.Bounce == nil {
			return core.EventBouncedTemporary, stamp, ev.Mail.Destination, ""
		}
		typ := core.EventBouncedTemporary
		if ev.Bounce.BounceType == "Permanent" {
			typ = core.EventBouncedPermanent
		}
		rcpts, reason := recipientList(ev.Bounce.BouncedRecipients)
		if reason == "" {
			reason = ev.Bounce.BounceType + "/" + ev.Bounce.BounceSubType
		}
		return typ, orDefault(ev.Bounce.Timestamp, stamp), rcpts, reason

	case "Complaint":
		if ev.Complaint == nil {
			return core.EventComplained, stamp, ev.Mail.Destination, ""
		}
		rcpts, _ := recipientList(ev.Complaint.ComplainedRecipients)
		return core.EventComplained, orDefault(ev.Complaint.Timestamp, stamp), rcpts, ev.Complaint.ComplaintFeedbackType

	case "Delivery":
		if ev.Delivery == nil {
			return core.EventDelivered, stamp, ev.Mail.Destination, ""
		}
		return core.EventDelivered, orDefault(ev.Delivery.Timestamp, stamp), ev.Delivery.Recipients, ""

	case "Open":
		if ev.Open != nil {
			stamp = orDefault(ev.Open.Timestamp, stamp)
		}
		return core.EventOpened, stamp, ev.Mail.Destination, ""

	case "Click":
		reason := ""
		if ev.Click != nil {
			stamp = orDefault(ev.Click.Timestamp, stamp)
			reason = ev.Click.Link
		}
		return core.EventClicked, stamp, ev.Mail.Destination, reason

	default:
		return core.EventOther, stamp, ev.Mail.Destination, ""
	}
}

func recipientList(rs []recipient) ([]string, string) {
	out := make([]string, 0, len(rs))
	reason := ""
	for _, r := range rs {
		out = append(out, r.EmailAddress)
		if reason == "" {
			reason = r.DiagnosticCode
		}
	}
	return out, reason
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
