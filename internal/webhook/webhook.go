// Package webhook authenticates inbound provider callbacks before any of
// their content is trusted.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lattiq/mailgate/internal/core"
)

// DefaultTolerance is the accepted clock skew between a signed timestamp and
// the local clock, in either direction.
const DefaultTolerance = 5 * time.Minute

// Sentinel verification failures.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	ErrMissingSignature = errors.New("missing webhook signature")
)

// VerificationError wraps a verification failure with the provider and
// scheme that rejected it.
type VerificationError struct {
	Provider core.ProviderName
	Scheme   Kind
	Err      error
	Detail   string
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("webhook verification failed for %s (%s): %v: %s", e.Provider, e.Scheme, e.Err, e.Detail)
	}
	return fmt.Sprintf("webhook verification failed for %s (%s): %v", e.Provider, e.Scheme, e.Err)
}

// Unwrap returns the sentinel cause.
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Kind names one of the supported signature schemes.
type Kind string

const (
	// KindHMACHeader signs "{timestamp}.{body}" and sends a base64 digest in a header.
	KindHMACHeader Kind = "hmac_header"

	// KindECDSAPublicKey verifies an ECDSA signature over timestamp+body with
	// the provider's public key.
	KindECDSAPublicKey Kind = "ecdsa_public_key"

	// KindHMACBodyField signs "{timestamp}{token}" and embeds the hex digest
	// in the JSON body.
	KindHMACBodyField Kind = "hmac_body_field"

	// KindHMACHexHeader signs "{timestamp}.{body}" and sends a hex digest in a header.
	KindHMACHexHeader Kind = "hmac_hex_header"
)

// Valid checks if the scheme kind is supported.
func (k Kind) Valid() bool {
	switch k {
	case KindHMACHeader, KindECDSAPublicKey, KindHMACBodyField, KindHMACHexHeader:
		return true
	default:
		return false
	}
}

// DefaultKind returns the scheme each provider signs with unless configured
// otherwise.
func DefaultKind(p core.ProviderName) Kind {
	switch p {
	case core.ProviderSendGrid:
		return KindECDSAPublicKey
	case core.ProviderMailgun:
		return KindHMACBodyField
	case core.ProviderSES:
		return KindHMACHexHeader
	default:
		return KindHMACHeader
	}
}

// Scheme verifies the authenticity of a raw webhook body.
// Implementations must compare digests in constant time and must not
// inspect the body beyond what the signature covers.
type Scheme interface {
	Kind() Kind
	Verify(body []byte, headers http.Header, secret string) error
}

// Options tune a scheme. Zero values select the scheme's defaults.
type Options struct {
	SignatureHeader string
	TimestampHeader string
	Tolerance       time.Duration
	Now             func() time.Time
}

func (o Options) withDefaults(sigHeader, tsHeader string) Options {
	if o.SignatureHeader == "" {
		o.SignatureHeader = sigHeader
	}
	if o.TimestampHeader == "" {
		o.TimestampHeader = tsHeader
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewScheme builds the scheme of the given kind.
func NewScheme(kind Kind, opts Options) (Scheme, error) {
	switch kind {
	case KindHMACHeader:
		return NewHMACHeader(opts), nil
	case KindECDSAPublicKey:
		return NewECDSAPublicKey(opts), nil
	case KindHMACBodyField:
		return NewHMACBodyField(opts), nil
	case KindHMACHexHeader:
		return NewHMACHexHeader(opts), nil
	default:
		return nil, fmt.Errorf("unsupported webhook scheme: %q", kind)
	}
}

// checkTimestamp parses a unix-seconds timestamp and rejects it when it is
// further than tolerance from now.
func checkTimestamp(raw string, now time.Time, tolerance time.Duration) error {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}

	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrStaleTimestamp
	}
	return nil
}

func computeHMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}
