package webhook

import (
	"net/http"

	"github.com/lattiq/mailgate/internal/core"
)

// Verifier binds a scheme to one provider and its signing secret.
type Verifier struct {
	provider core.ProviderName
	scheme   Scheme
	secret   string
}

// NewVerifier creates a verifier for provider.
func NewVerifier(provider core.ProviderName, scheme Scheme, secret string) *Verifier {
	return &Verifier{
		provider: provider,
		scheme:   scheme,
		secret:   secret,
	}
}

// Provider returns the provider this verifier authenticates.
func (v *Verifier) Provider() core.ProviderName {
	return v.provider
}

// Kind returns the scheme in use.
func (v *Verifier) Kind() Kind {
	return v.scheme.Kind()
}

// Verify authenticates body. Every failure is a *VerificationError.
func (v *Verifier) Verify(body []byte, headers http.Header) error {
	if v.secret == "" {
		return &VerificationError{
			Provider: v.provider,
			Scheme:   v.scheme.Kind(),
			Err:      ErrInvalidSignature,
			Detail:   "no signing secret configured",
		}
	}

	if headers == nil {
		headers = http.Header{}
	}

	if err := v.scheme.Verify(body, headers, v.secret); err != nil {
		return &VerificationError{
			Provider: v.provider,
			Scheme:   v.scheme.Kind(),
			Err:      err,
		}
	}
	return nil
}
