package sendgrid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/mailgate/internal/core"
)

const (
	defaultBaseURL = "https://api.sendgrid.com"
	sendEndpoint   = "/v3/mail/send"
)

// Provider implements the core.Provider interface for SendGrid.
type Provider struct {
	client  *rest.Client
	apiKey  string
	baseURL string
	config  core.ProviderSettings
	now     func() time.Time
}

// NewProvider creates a new SendGrid provider.
// A nil httpClient selects http.DefaultClient.
func NewProvider(settings core.ProviderSettings, httpClient *http.Client) (*Provider, error) {
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "SendGrid API key is required")
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	baseURL := settings.Get("base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	// sendgrid.Client keeps one mutable request; build a fresh one per call
	// and share only the transport.
	provider := &Provider{
		client:  &rest.Client{HTTPClient: httpClient},
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  settings,
		now:     time.Now,
	}

	return provider, nil
}

// Send sends a single email using SendGrid.
func (p *Provider) Send(ctx context.Context, email *core.Email) (*core.SendResult, error) {
	message := buildMessage(email)

	request := sendgrid.GetRequest(p.apiKey, sendEndpoint, p.baseURL)
	request.Method = rest.Post
	request.Body = mail.GetRequestBody(message)

	response, err := p.client.SendWithContext(ctx, request)
	if err != nil {
		return nil, core.ClassifyTransportError(core.ProviderSendGrid, err)
	}

	headers := http.Header(response.Headers)

	// SendGrid accepts with 202 and an empty body
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		pe := core.ClassifyStatus(core.ProviderSendGrid, response.StatusCode, errorMessage(response.Body))
		pe.RetryAfterDuration = core.ParseRetryAfter(headers.Get("Retry-After"), p.now())
		return nil, pe
	}

	messageID := headers.Get("X-Message-Id")
	if messageID == "" {
		return nil, core.NewProviderError(core.ProviderSendGrid, core.CodeInvalidResponse, "accepted response without X-Message-Id")
	}

	return &core.SendResult{
		MessageID: messageID,
		Provider:  p.Name(),
		Timestamp: p.now(),
	}, nil
}

// buildMessage converts the email into a v3 mail send payload.
func buildMessage(email *core.Email) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(email.From.Name, email.From.Email))
	message.Subject = email.Subject

	personalization := mail.NewPersonalization()
	for _, recipient := range email.To {
		personalization.AddTos(mail.NewEmail(recipient.Name, recipient.Email))
	}
	for _, recipient := range email.CC {
		personalization.AddCCs(mail.NewEmail(recipient.Name, recipient.Email))
	}
	for _, recipient := range email.BCC {
		personalization.AddBCCs(mail.NewEmail(recipient.Name, recipient.Email))
	}
	message.AddPersonalizations(personalization)

	if email.ReplyTo != nil {
		message.SetReplyTo(mail.NewEmail(email.ReplyTo.Name, email.ReplyTo.Email))
	}

	// text/plain must precede text/html
	if email.TextBody != "" {
		message.AddContent(mail.NewContent("text/plain", email.TextBody))
	}
	if email.HTMLBody != "" {
		message.AddContent(mail.NewContent("text/html", email.HTMLBody))
	}

	for _, att := range email.Attachments {
		a := mail.NewAttachment()
		a.SetFilename(att.Filename)
		a.SetType(att.DetectContentType())
		a.SetDisposition("attachment")
		a.SetContent(base64.StdEncoding.EncodeToString(att.Content))
		message.AddAttachment(a)
	}

	for key, value := range email.Headers {
		message.SetHeader(key, value)
	}

	if len(email.Tags) > 0 {
		message.AddCategories(email.Tags...)
	}

	for key, value := range email.Metadata {
		message.SetCustomArg(key, value)
	}

	return message
}

// errorMessage extracts the first error message from a SendGrid error body.
func errorMessage(body string) string {
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && len(payload.Errors) > 0 {
		return payload.Errors[0].Message
	}
	if body == "" {
		return "empty response body"
	}
	return body
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "SendGrid API key is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() core.ProviderName {
	return core.ProviderSendGrid
}
