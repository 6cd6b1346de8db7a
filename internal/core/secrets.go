package core

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned by a SecretStore that has no value for a name.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves credentials by name. Provider API keys and webhook
// signing keys are never read from plain configuration.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// APIKeySecret returns the secret name holding a provider's API key.
func APIKeySecret(p ProviderName) string {
	return string(p) + "_api_key"
}

// WebhookKeySecret returns the secret name holding a provider's webhook
// signing key (or public key for asymmetric schemes).
func WebhookKeySecret(p ProviderName) string {
	return string(p) + "_webhook_key"
}

// SES uses an access key pair rather than a single API key.
const (
	SESAccessKeySecret = "ses_access_key"
	SESSecretKeySecret = "ses_secret_key"
)
