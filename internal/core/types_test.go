package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func validEmail() *Email {
	return &Email{
		From:     Address{Name: "Sender", Email: "sender@example.com"},
		To:       []Address{{Email: "to@example.com"}},
		Subject:  "Hello",
		TextBody: "Hi there",
	}
}

func TestEmailValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Email)
		field  string
	}{
		{"valid", func(e *Email) {}, ""},
		{"missing from", func(e *Email) { e.From = Address{} }, "from"},
		{"no recipients", func(e *Email) { e.To = nil }, "to"},
		{"bad recipient", func(e *Email) { e.To = []Address{{Email: "not-an-address"}} }, "to"},
		{"bad cc", func(e *Email) { e.CC = []Address{{Email: "@"}} }, "cc"},
		{"bad reply-to", func(e *Email) { e.ReplyTo = &Address{Email: "x"} }, "reply_to"},
		{"empty subject", func(e *Email) { e.Subject = "  " }, "subject"},
		{"no body", func(e *Email) { e.TextBody = "" }, "body"},
		{"html only", func(e *Email) { e.TextBody = ""; e.HTMLBody = "<p>hi</p>" }, ""},
		{"unnamed attachment", func(e *Email) {
			e.Attachments = []Attachment{{Content: []byte("x")}}
		}, "attachments"},
		{"attachments too large", func(e *Email) {
			e.Attachments = []Attachment{
				{Filename: "a.bin", Content: make([]byte, 600)},
				{Filename: "b.bin", Content: make([]byte, 600)},
			}
		}, "attachments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEmail()
			tt.mutate(e)

			err := e.Validate(1024)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestEmailValidateNoAttachmentLimit(t *testing.T) {
	e := validEmail()
	e.Attachments = []Attachment{{Filename: "big.bin", Content: make([]byte, 4096)}}
	require.NoError(t, e.Validate(0))
}

func TestAllRecipients(t *testing.T) {
	e := validEmail()
	e.CC = []Address{{Email: "cc@example.com"}}
	e.BCC = []Address{{Email: "bcc@example.com"}}

	all := e.AllRecipients()
	require.Len(t, all, 3)
	require.Equal(t, 3, e.TotalRecipients())
	require.Equal(t, "bcc@example.com", all[2].Email)
}

func TestAttachmentDetectContentType(t *testing.T) {
	a := Attachment{Filename: "report.PDF"}
	require.Equal(t, "application/pdf", a.DetectContentType())

	a = Attachment{Filename: "blob"}
	require.Equal(t, "application/octet-stream", a.DetectContentType())

	a = Attachment{Filename: "x.pdf", ContentType: "text/plain"}
	require.Equal(t, "text/plain", a.DetectContentType())
}

func TestDeliveryEventValidate(t *testing.T) {
	ev := &DeliveryEvent{Provider: ProviderMailgun, ProviderEventID: "evt-1", Type: EventDelivered}
	require.NoError(t, ev.Validate())
	require.Equal(t, "mailgun/evt-1", ev.Key().String())

	ev.ProviderEventID = ""
	require.Error(t, ev.Validate())

	ev = &DeliveryEvent{Provider: "smtp", ProviderEventID: "x", Type: EventOther}
	require.Error(t, ev.Validate())
}
