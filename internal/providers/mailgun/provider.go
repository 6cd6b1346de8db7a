package mailgun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/mailgate/internal/core"
)

// Provider implements the core.Provider interface for Mailgun.
type Provider struct {
	client mailgun.Mailgun
	config core.ProviderSettings
	now    func() time.Time
}

// NewProvider creates a new Mailgun provider.
// A nil httpClient keeps the library default.
func NewProvider(settings core.ProviderSettings, httpClient *http.Client) (*Provider, error) {
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "Mailgun API key is required")
	}

	domain := settings.Get("domain")
	if domain == "" {
		return nil, core.NewValidationError("domain", "Mailgun domain is required")
	}

	// Create Mailgun client
	client := mailgun.NewMailgun(domain, apiKey)

	// Set base URL if provided (for EU customers)
	if baseURL := settings.Get("base_url"); baseURL != "" {
		client.SetAPIBase(baseURL)
	}

	if httpClient != nil {
		client.SetClient(httpClient)
	}

	provider := &Provider{
		client: client,
		config: settings,
		now:    time.Now,
	}

	return provider, nil
}

// Send sends a single email using Mailgun.
func (p *Provider) Send(ctx context.Context, email *core.Email) (*core.SendResult, error) {
	// NewMessage is a standalone function in v4
	message := mailgun.NewMessage(email.From.String(), email.Subject, email.TextBody, email.To[0].String())

	// Add additional recipients
	for i := 1; i < len(email.To); i++ {
		if err := message.AddRecipient(email.To[i].String()); err != nil {
			return nil, core.NewProviderError(core.ProviderMailgun, core.CodeBadRequest,
				fmt.Sprintf("failed to add recipient %s: %v", email.To[i].String(), err))
		}
	}

	for _, cc := range email.CC {
		message.AddCC(cc.String())
	}

	for _, bcc := range email.BCC {
		message.AddBCC(bcc.String())
	}

	if email.ReplyTo != nil {
		message.SetReplyTo(email.ReplyTo.String())
	}

	if email.HTMLBody != "" {
		message.SetHTML(email.HTMLBody)
	}

	for key, value := range email.Headers {
		message.AddHeader(key, value)
	}

	for _, attachment := range email.Attachments {
		message.AddBufferAttachment(attachment.Filename, attachment.Content)
	}

	if len(email.Tags) > 0 {
		if err := message.AddTag(email.Tags...); err != nil {
			return nil, core.NewProviderError(core.ProviderMailgun, core.CodeBadRequest, "invalid tags: "+err.Error())
		}
	}

	for key, value := range email.Metadata {
		if err := message.AddVariable(key, value); err != nil {
			return nil, core.NewProviderError(core.ProviderMailgun, core.CodeBadRequest, "invalid metadata: "+err.Error())
		}
	}

	// v4 returns the queue message, the message id and the error
	mes, id, err := p.client.Send(ctx, message)
	if err != nil {
		return nil, classifyError(err)
	}

	if id == "" {
		return nil, core.NewProviderError(core.ProviderMailgun, core.CodeInvalidResponse, "accepted response without id")
	}

	return &core.SendResult{
		MessageID: normalizeID(id),
		Provider:  p.Name(),
		Timestamp: p.now(),
		Metadata: map[string]string{
			"message": mes,
		},
	}, nil
}

// classifyError maps a Mailgun client error onto the shared status policy.
func classifyError(err error) error {
	var ure *mailgun.UnexpectedResponseError
	if errors.As(err, &ure) {
		pe := core.ClassifyStatus(core.ProviderMailgun, ure.Actual, strings.TrimSpace(string(ure.Data)))
		pe.Cause = err
		return pe
	}
	return core.ClassifyTransportError(core.ProviderMailgun, err)
}

// normalizeID strips the angle brackets Mailgun wraps around message ids so
// they match the ids reported by webhooks.
func normalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// ValidateConfig validates the Mailgun provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "Mailgun API key is required")
	}
	if p.config.Get("domain") == "" {
		return core.NewValidationError("domain", "Mailgun domain is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() core.ProviderName {
	return core.ProviderMailgun
}
