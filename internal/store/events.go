package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lattiq/mailgate/internal/core"
)

// EventTx exposes the event side effects that run inside ApplyOnce's
// transaction.
type EventTx interface {
	InvalidateRecipient(ctx context.Context, email, reason string) error
	UnsubscribeRecipient(ctx context.Context, email string) error
	RecordEngagement(ctx context.Context, ev *core.DeliveryEvent) error
	SetDeliveryStatus(ctx context.Context, provider core.ProviderName, messageID string, status core.EventType, occurredAt time.Time) error
}

// eventTx runs effects on the transaction that claimed the event.
type eventTx struct {
	tx  *sqlx.Tx
	now time.Time
}

// ApplyOnce records ev as processed and runs effect in the same transaction.
// It returns false without calling effect when the event was already
// recorded. A failing effect rolls back the record, so a redelivery retries.
func (s *SQLiteStore) ApplyOnce(ctx context.Context, ev *core.DeliveryEvent, effect func(ctx context.Context, tx EventTx) error) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (
			provider, provider_event_id, event_type, recipient,
			provider_message_id, occurred_at, processed_at, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		string(ev.Provider), ev.ProviderEventID, string(ev.Type), ev.Recipient,
		ev.ProviderMessageID, toMillis(ev.OccurredAt), toMillis(now), string(ev.Raw),
	)
	if err != nil {
		return false, fmt.Errorf("recording event %s: %w", ev.Key(), err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	if effect != nil {
		if err := effect(ctx, &eventTx{tx: tx, now: now}); err != nil {
			return false, fmt.Errorf("applying event %s: %w", ev.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing event %s: %w", ev.Key(), err)
	}
	return true, nil
}

func (t *eventTx) InvalidateRecipient(ctx context.Context, email, reason string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO recipients (email, invalid, invalid_reason, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			invalid = 1, invalid_reason = excluded.invalid_reason, updated_at = excluded.updated_at`,
		core.NormalizeRecipient(email), reason, toMillis(t.now),
	)
	if err != nil {
		return fmt.Errorf("invalidating recipient: %w", err)
	}
	return nil
}

func (t *eventTx) UnsubscribeRecipient(ctx context.Context, email string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO recipients (email, unsubscribed, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT (email) DO UPDATE SET
			unsubscribed = 1, updated_at = excluded.updated_at`,
		core.NormalizeRecipient(email), toMillis(t.now),
	)
	if err != nil {
		return fmt.Errorf("unsubscribing recipient: %w", err)
	}
	return nil
}

func (t *eventTx) RecordEngagement(ctx context.Context, ev *core.DeliveryEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO engagements (provider, provider_event_id, email, kind, occurred_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		string(ev.Provider), ev.ProviderEventID, core.NormalizeRecipient(ev.Recipient),
		string(ev.Type), toMillis(ev.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("recording engagement: %w", err)
	}
	return nil
}

// SetDeliveryStatus moves the dispatch to status unless it already holds a
// status that occurred later. An event without a time counts as occurring
// on arrival.
func (t *eventTx) SetDeliveryStatus(ctx context.Context, provider core.ProviderName, messageID string, status core.EventType, occurredAt time.Time) error {
	if occurredAt.IsZero() {
		occurredAt = t.now
	}
	at := toMillis(occurredAt)
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dispatches SET delivery_status = ?, delivery_status_at = ?, updated_at = ?
		WHERE provider = ? AND provider_message_id = ? AND delivery_status_at <= ?`,
		string(status), at, toMillis(t.now), string(provider), messageID, at,
	)
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	return nil
}

// Recipient is the suppression state of one address.
type Recipient struct {
	Email         string `db:"email"`
	Invalid       bool   `db:"invalid"`
	InvalidReason string `db:"invalid_reason"`
	Unsubscribed  bool   `db:"unsubscribed"`
	UpdatedAt     int64  `db:"updated_at"`
}

// Suppressed reports whether mail to the recipient must not be sent.
func (r *Recipient) Suppressed() bool {
	return r.Invalid || r.Unsubscribed
}

// GetRecipient loads the state of one address.
func (s *SQLiteStore) GetRecipient(ctx context.Context, email string) (*Recipient, error) {
	var r Recipient
	err := s.db.GetContext(ctx, &r, `
		SELECT email, invalid, invalid_reason, unsubscribed, updated_at
		FROM recipients WHERE email = ?`, core.NormalizeRecipient(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading recipient: %w", err)
	}
	return &r, nil
}

// FirstSuppressed returns the first of emails that is invalid or unsubscribed,
// or "" when none is.
func (s *SQLiteStore) FirstSuppressed(ctx context.Context, emails []string) (string, error) {
	if len(emails) == 0 {
		return "", nil
	}

	normalized := make([]string, len(emails))
	for i, e := range emails {
		normalized[i] = core.NormalizeRecipient(e)
	}

	query, args, err := sqlx.In(`
		SELECT email FROM recipients
		WHERE email IN (?) AND (invalid = 1 OR unsubscribed = 1)`, normalized)
	if err != nil {
		return "", fmt.Errorf("building suppression query: %w", err)
	}

	var hits []string
	if err := s.db.SelectContext(ctx, &hits, s.db.Rebind(query), args...); err != nil {
		return "", fmt.Errorf("checking suppression: %w", err)
	}
	if len(hits) == 0 {
		return "", nil
	}

	suppressed := make(map[string]bool, len(hits))
	for _, h := range hits {
		suppressed[h] = true
	}
	for _, e := range normalized {
		if suppressed[e] {
			return e, nil
		}
	}
	return hits[0], nil
}

// ProcessedEvent is a stored webhook event.
type ProcessedEvent struct {
	Provider          string `db:"provider"`
	ProviderEventID   string `db:"provider_event_id"`
	EventType         string `db:"event_type"`
	Recipient         string `db:"recipient"`
	ProviderMessageID string `db:"provider_message_id"`
	OccurredAt        int64  `db:"occurred_at"`
	ProcessedAt       int64  `db:"processed_at"`
	Raw               string `db:"raw"`
}

// CountProcessedEvents returns how many events were recorded for a provider.
func (s *SQLiteStore) CountProcessedEvents(ctx context.Context, provider core.ProviderName) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM processed_events WHERE provider = ?`, string(provider)); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// GetProcessedEvent loads one recorded event.
func (s *SQLiteStore) GetProcessedEvent(ctx context.Context, key core.EventKey) (*ProcessedEvent, error) {
	var ev ProcessedEvent
	err := s.db.GetContext(ctx, &ev, `
		SELECT provider, provider_event_id, event_type, recipient, provider_message_id,
		       occurred_at, processed_at, raw
		FROM processed_events WHERE provider = ? AND provider_event_id = ?`,
		string(key.Provider), key.ProviderEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading event %s: %w", key, err)
	}
	return &ev, nil
}

// CountEngagements returns how many engagement rows exist for an address.
func (s *SQLiteStore) CountEngagements(ctx context.Context, email string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM engagements WHERE email = ?`, core.NormalizeRecipient(email)); err != nil {
		return 0, fmt.Errorf("counting engagements: %w", err)
	}
	return n, nil
}
