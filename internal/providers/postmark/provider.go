// Package postmark sends mail through the Postmark HTTP API.
package postmark

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

const (
	defaultBaseURL       = "https://api.postmarkapp.com"
	defaultMessageStream = "outbound"

	// maxErrorBody bounds how much of a failed response is read.
	maxErrorBody = 64 << 10
)

// Provider implements the core.Provider interface for Postmark.
type Provider struct {
	httpClient *http.Client
	token      string
	baseURL    string
	stream     string
	config     core.ProviderSettings
	now        func() time.Time
}

// NewProvider creates a new Postmark provider. The api_key setting holds the
// server token. A nil httpClient selects http.DefaultClient.
func NewProvider(settings core.ProviderSettings, httpClient *http.Client) (*Provider, error) {
	token := settings.Get("api_key")
	if token == "" {
		return nil, core.NewValidationError("api_key", "Postmark server token is required")
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	baseURL := settings.Get("base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	stream := settings.Get("message_stream")
	if stream == "" {
		stream = defaultMessageStream
	}

	return &Provider{
		httpClient: httpClient,
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		stream:     stream,
		config:     settings,
		now:        time.Now,
	}, nil
}

type header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type attachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type sendRequest struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Cc            string            `json:"Cc,omitempty"`
	Bcc           string            `json:"Bcc,omitempty"`
	ReplyTo       string            `json:"ReplyTo,omitempty"`
	Subject       string            `json:"Subject"`
	HTMLBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Tag           string            `json:"Tag,omitempty"`
	Headers       []header          `json:"Headers,omitempty"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
	Attachments   []attachment      `json:"Attachments,omitempty"`
	MessageStream string            `json:"MessageStream"`
}

type sendResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send sends a single email using Postmark.
func (p *Provider) Send(ctx context.Context, email *core.Email) (*core.SendResult, error) {
	payload, err := json.Marshal(p.buildRequest(email))
	if err != nil {
		return nil, core.NewProviderError(core.ProviderPostmark, core.CodeBadRequest, "failed to encode request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewProviderError(core.ProviderPostmark, core.CodeBadRequest, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, core.ClassifyTransportError(core.ProviderPostmark, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, core.ClassifyTransportError(core.ProviderPostmark, err)
	}

	var out sendResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && out.Message != "" {
			msg = fmt.Sprintf("%s (ErrorCode %d)", out.Message, out.ErrorCode)
		}
		pe := core.ClassifyStatus(core.ProviderPostmark, resp.StatusCode, msg)
		pe.RetryAfterDuration = core.ParseRetryAfter(resp.Header.Get("Retry-After"), p.now())
		return nil, pe
	}

	if decodeErr != nil {
		return nil, core.NewProviderError(core.ProviderPostmark, core.CodeInvalidResponse, "undecodable response: "+decodeErr.Error())
	}

	// A 200 with a non-zero ErrorCode is still a rejection
	if out.ErrorCode != 0 {
		pe := core.ClassifyStatus(core.ProviderPostmark, http.StatusUnprocessableEntity,
			fmt.Sprintf("%s (ErrorCode %d)", out.Message, out.ErrorCode))
		return nil, pe
	}

	if out.MessageID == "" {
		return nil, core.NewProviderError(core.ProviderPostmark, core.CodeInvalidResponse, "accepted response without MessageID")
	}

	return &core.SendResult{
		MessageID: out.MessageID,
		Provider:  p.Name(),
		Timestamp: p.now(),
	}, nil
}

func (p *Provider) buildRequest(email *core.Email) *sendRequest {
	req := &sendRequest{
		From:          email.From.String(),
		To:            joinAddresses(email.To),
		Cc:            joinAddresses(email.CC),
		Bcc:           joinAddresses(email.BCC),
		Subject:       email.Subject,
		HTMLBody:      email.HTMLBody,
		TextBody:      email.TextBody,
		Metadata:      email.Metadata,
		MessageStream: p.stream,
	}

	if email.ReplyTo != nil {
		req.ReplyTo = email.ReplyTo.String()
	}

	// Postmark accepts a single tag
	if len(email.Tags) > 0 {
		req.Tag = email.Tags[0]
	}

	for name, value := range email.Headers {
		req.Headers = append(req.Headers, header{Name: name, Value: value})
	}

	for _, att := range email.Attachments {
		req.Attachments = append(req.Attachments, attachment{
			Name:        att.Filename,
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			ContentType: att.DetectContentType(),
		})
	}

	return req
}

func joinAddresses(addrs []core.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "Postmark server token is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() core.ProviderName {
	return core.ProviderPostmark
}
