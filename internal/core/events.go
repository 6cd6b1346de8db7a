package core

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is the normalized kind of a delivery event.
type EventType string

const (
	EventDelivered        EventType = "delivered"
	EventBouncedPermanent EventType = "bounced_permanent"
	EventBouncedTemporary EventType = "bounced_temporary"
	EventComplained       EventType = "complained"
	EventOpened           EventType = "opened"
	EventClicked          EventType = "clicked"
	EventOther            EventType = "other"
)

// Engagement reports whether the event records recipient engagement.
func (t EventType) Engagement() bool {
	return t == EventOpened || t == EventClicked
}

// DeliveryEvent is a provider webhook payload normalized into the gateway's
// model. It is built only after the payload's signature has been verified.
type DeliveryEvent struct {
	Provider          ProviderName    `json:"provider"`
	ProviderEventID   string          `json:"provider_event_id"`
	Type              EventType       `json:"type"`
	Recipient         string          `json:"recipient"`
	OccurredAt        time.Time       `json:"occurred_at"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Key returns the dedupe key of the event.
func (e *DeliveryEvent) Key() EventKey {
	return EventKey{Provider: e.Provider, ProviderEventID: e.ProviderEventID}
}

// Validate checks the fields required to apply the event.
func (e *DeliveryEvent) Validate() error {
	if !e.Provider.Valid() {
		return &ValidationError{Field: "provider", Message: "unknown provider", Value: string(e.Provider)}
	}
	if strings.TrimSpace(e.ProviderEventID) == "" {
		return &ValidationError{Field: "provider_event_id", Message: "event id is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "event type is required"}
	}
	return nil
}

// EventKey identifies a delivery event across redeliveries.
type EventKey struct {
	Provider        ProviderName
	ProviderEventID string
}

// String returns "provider/event-id".
func (k EventKey) String() string {
	return string(k.Provider) + "/" + k.ProviderEventID
}

// NormalizeRecipient lower-cases and trims an address for storage lookups.
func NormalizeRecipient(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
