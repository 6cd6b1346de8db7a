// Package ses sends mail through the Amazon SES v2 API.
package ses

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/mail"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	gomail "github.com/emersion/go-message/mail"

	"github.com/lattiq/mailgate/internal/core"
)

// SendEmailAPI is the subset of the SES v2 client the provider calls.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider implements the core.Provider interface for AWS SES.
type Provider struct {
	client SendEmailAPI
	config core.ProviderSettings
	now    func() time.Time

	// httpClient confirms SNS subscriptions.
	httpClient       *http.Client
	trustSubscribeAt func(*url.URL) bool
}

// NewProvider creates a new AWS SES provider. Credentials come from the
// access_key and secret_key settings when present, otherwise from the
// default AWS chain.
func NewProvider(ctx context.Context, settings core.ProviderSettings, httpClient *http.Client) (*Provider, error) {
	region := settings.Get("region")
	if region == "" {
		return nil, core.NewValidationError("region", "AWS region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	if accessKey := settings.Get("access_key"); accessKey != "" {
		secretKey := settings.Get("secret_key")
		if secretKey == "" {
			return nil, core.NewValidationError("secret_key", "secret key is required when access key is provided")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, settings.Get("session_token")),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &core.ConfigurationError{
			Provider: core.ProviderSES,
			Message:  "failed to load AWS config",
			Cause:    err,
		}
	}

	endpoint := settings.Get("endpoint")
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		// Retries belong to the dispatcher
		o.Retryer = aws.NopRetryer{}
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if httpClient != nil {
			o.HTTPClient = httpClient
		}
	})

	p := NewWithClient(settings, client)
	if httpClient != nil {
		p.httpClient = httpClient
	}
	return p, nil
}

// NewWithClient creates a provider around an existing SES client.
func NewWithClient(settings core.ProviderSettings, client SendEmailAPI) *Provider {
	return &Provider{
		client:           client,
		config:           settings,
		now:              time.Now,
		httpClient:       http.DefaultClient,
		trustSubscribeAt: isSNSEndpoint,
	}
}

// Send sends a single email using AWS SES. Messages with attachments or custom
// headers are sent as raw MIME.
func (p *Provider) Send(ctx context.Context, email *core.Email) (*core.SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(email.From.String()),
		Destination: &types.Destination{
			ToAddresses:  addressStrings(email.To),
			CcAddresses:  addressStrings(email.CC),
			BccAddresses: addressStrings(email.BCC),
		},
	}

	if email.ReplyTo != nil {
		input.ReplyToAddresses = []string{email.ReplyTo.String()}
	}

	if configSet := p.config.Get("configuration_set"); configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}

	for name, value := range email.Metadata {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	if email.HasAttachments() || len(email.Headers) > 0 {
		raw, err := buildRawMessage(email, p.now())
		if err != nil {
			return nil, core.NewProviderError(core.ProviderSES, core.CodeBadRequest, "failed to build MIME message: "+err.Error())
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		input.Content = &types.EmailContent{Simple: buildSimpleMessage(email)}
	}

	output, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}

	id := aws.ToString(output.MessageId)
	if id == "" {
		return nil, core.NewProviderError(core.ProviderSES, core.CodeInvalidResponse, "accepted response without MessageId")
	}

	return &core.SendResult{
		MessageID: id,
		Provider:  p.Name(),
		Timestamp: p.now(),
	}, nil
}

func buildSimpleMessage(email *core.Email) *types.Message {
	body := &types.Body{}
	if email.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(email.TextBody), Charset: aws.String("UTF-8")}
	}
	if email.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(email.HTMLBody), Charset: aws.String("UTF-8")}
	}

	return &types.Message{
		Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
		Body:    body,
	}
}

// buildRawMessage renders the email as multipart/mixed. Bcc recipients stay in
// the envelope only.
func buildRawMessage(email *core.Email, now time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(email.Subject)
	h.SetAddressList("From", []*gomail.Address{toMailAddress(email.From)})
	h.SetAddressList("To", toMailAddresses(email.To))
	if len(email.CC) > 0 {
		h.SetAddressList("Cc", toMailAddresses(email.CC))
	}
	if email.ReplyTo != nil {
		h.SetAddressList("Reply-To", []*gomail.Address{toMailAddress(*email.ReplyTo)})
	}
	for name, value := range email.Headers {
		h.Set(name, value)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeInline(iw, "text/plain", email.TextBody); err != nil {
		return nil, err
	}
	if err := writeInline(iw, "text/html", email.HTMLBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for i := range email.Attachments {
		att := &email.Attachments[i]

		var ah gomail.AttachmentHeader
		ah.Set("Content-Type", att.DetectContentType())
		ah.SetFilename(att.Filename)

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInline(iw *gomail.InlineWriter, contentType, body string) error {
	if body == "" {
		return nil
	}

	var h gomail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	w, err := iw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

// classifyError maps SES API errors onto provider error codes.
func classifyError(err error) *core.ProviderError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		status := 0
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException", "Throttling":
			status = http.StatusTooManyRequests
		case "MessageRejected", "MailFromDomainNotVerifiedException", "BadRequestException":
			status = http.StatusBadRequest
		case "AccountSuspendedException", "SendingPausedException", "AccessDeniedException", "LimitExceededException":
			status = http.StatusForbidden
		case "NotFoundException":
			status = http.StatusNotFound
		}
		if status != 0 {
			pe := core.ClassifyStatus(core.ProviderSES, status, apiErr.ErrorCode()+": "+apiErr.ErrorMessage())
			pe.Cause = err
			return pe
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		pe := core.ClassifyStatus(core.ProviderSES, respErr.HTTPStatusCode(), err.Error())
		pe.Cause = err
		return pe
	}

	return core.ClassifyTransportError(core.ProviderSES, err)
}

func toMailAddress(a core.Address) *gomail.Address {
	return &mail.Address{Name: a.Name, Address: a.Email}
}

func toMailAddresses(addrs []core.Address) []*gomail.Address {
	out := make([]*gomail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = toMailAddress(a)
	}
	return out
}

func addressStrings(addrs []core.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("region") == "" {
		return core.NewValidationError("region", "AWS region is required")
	}
	if p.config.Get("access_key") != "" && p.config.Get("secret_key") == "" {
		return core.NewValidationError("secret_key", "secret key is required when access key is provided")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() core.ProviderName {
	return core.ProviderSES
}
