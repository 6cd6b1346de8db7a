// Package providers builds provider adapters from configuration.
package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/lattiq/mailgate/internal/core"
	"github.com/lattiq/mailgate/internal/providers/mailgun"
	"github.com/lattiq/mailgate/internal/providers/postmark"
	"github.com/lattiq/mailgate/internal/providers/sendgrid"
	"github.com/lattiq/mailgate/internal/providers/ses"
)

// New creates the adapter for name. Credentials found in secrets take
// precedence over values present in settings. A nil httpClient selects each
// SDK's default client.
func New(ctx context.Context, name core.ProviderName, settings core.ProviderSettings, secrets core.SecretStore, httpClient *http.Client) (core.Provider, error) {
	resolved, err := resolveSettings(ctx, name, settings, secrets)
	if err != nil {
		return nil, err
	}

	var p core.Provider
	switch name {
	case core.ProviderSES:
		p, err = ses.NewProvider(ctx, resolved, httpClient)
	case core.ProviderSendGrid:
		p, err = sendgrid.NewProvider(resolved, httpClient)
	case core.ProviderMailgun:
		p, err = mailgun.NewProvider(resolved, httpClient)
	case core.ProviderPostmark:
		p, err = postmark.NewProvider(resolved, httpClient)
	default:
		return nil, &core.ConfigurationError{Provider: name, Setting: "name", Message: "unsupported provider"}
	}
	if err != nil {
		return nil, &core.ConfigurationError{Provider: name, Message: "invalid provider settings", Cause: err}
	}

	return p, nil
}

// resolveSettings copies settings and fills credentials from the secret store.
func resolveSettings(ctx context.Context, name core.ProviderName, settings core.ProviderSettings, secrets core.SecretStore) (core.ProviderSettings, error) {
	out := make(core.ProviderSettings, len(settings)+2)
	for k, v := range settings {
		out[k] = v
	}
	if secrets == nil {
		return out, nil
	}

	lookups := map[string]string{"api_key": core.APIKeySecret(name)}
	if name == core.ProviderSES {
		lookups = map[string]string{
			"access_key": core.SESAccessKeySecret,
			"secret_key": core.SESSecretKeySecret,
		}
	}

	for setting, secretName := range lookups {
		value, err := secrets.GetSecret(ctx, secretName)
		switch {
		case errors.Is(err, core.ErrSecretNotFound):
			continue
		case err != nil:
			return nil, &core.ConfigurationError{
				Provider: name,
				Setting:  setting,
				Message:  "failed to read secret " + secretName,
				Cause:    err,
			}
		}
		out.Set(setting, value)
	}

	return out, nil
}
