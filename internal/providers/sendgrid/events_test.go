package sendgrid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattiq/mailgate/internal/core"
)

func TestParseWebhook(t *testing.T) {
	p, err := NewProvider(core.ProviderSettings{"api_key": "k"}, nil)
	require.NoError(t, err)

	body := []byte(`[
		{"email":"A@Example.com","timestamp":1700000000,"event":"delivered","sg_event_id":"e1","sg_message_id":"msg1.filter0001.1234.0"},
		{"email":"b@example.com","timestamp":1700000001,"event":"bounce","type":"bounce","reason":"550 no such user","sg_event_id":"e2"},
		{"email":"c@example.com","timestamp":1700000002,"event":"bounce","type":"blocked","reason":"421 try later","sg_event_id":"e3"},
		{"email":"d@example.com","timestamp":1700000003,"event":"deferred","response":"451 busy","sg_event_id":"e4"},
		{"email":"e@example.com","timestamp":1700000004,"event":"spamreport","sg_event_id":"e5"},
		{"email":"f@example.com","timestamp":1700000005,"event":"open","sg_event_id":"e6"},
		{"email":"g@example.com","timestamp":1700000006,"event":"click","url":"https://x","sg_event_id":"e7"},
		{"email":"h@example.com","timestamp":1700000007,"event":"processed","sg_event_id":"e8"}
	]`)

	events, err := p.ParseWebhook(context.Background(), body, nil)
	require.NoError(t, err)
	require.Len(t, events, 8)

	want := []core.EventType{
		core.EventDelivered,
		core.EventBouncedPermanent,
		core.EventBouncedTemporary,
		core.EventBouncedTemporary,
		core.EventComplained,
		core.EventOpened,
		core.EventClicked,
		core.EventOther,
	}
	for i, ev := range events {
		require.Equal(t, want[i], ev.Type, "event %d", i)
		require.Equal(t, core.ProviderSendGrid, ev.Provider)
		require.NotEmpty(t, ev.Raw)
	}

	require.Equal(t, "a@example.com", events[0].Recipient)
	require.Equal(t, "msg1", events[0].ProviderMessageID)
	require.Equal(t, int64(1700000000), events[0].OccurredAt.Unix())
	require.Equal(t, "550 no such user", events[1].Reason)
	require.Equal(t, "451 busy", events[3].Reason)
}

func TestParseWebhookRejectsMalformed(t *testing.T) {
	p, err := NewProvider(core.ProviderSettings{"api_key": "k"}, nil)
	require.NoError(t, err)

	_, err = p.ParseWebhook(context.Background(), []byte(`{"event":"delivered"}`), nil)
	require.Error(t, err)

	_, err = p.ParseWebhook(context.Background(), []byte(`[{"event":"delivered","email":"a@b.c"}]`), nil)
	require.Error(t, err)
}
