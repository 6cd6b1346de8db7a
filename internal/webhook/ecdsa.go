package webhook

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go/helpers/eventwebhook"
)

// ECDSAPublicKey verifies SendGrid-style signed event webhooks. The secret
// is the provider's base64 DER (PKIX) public key.
type ECDSAPublicKey struct {
	opts Options
}

// NewECDSAPublicKey creates an ECDSAPublicKey scheme.
func NewECDSAPublicKey(opts Options) *ECDSAPublicKey {
	return &ECDSAPublicKey{
		opts: opts.withDefaults(eventwebhook.VerificationHTTPHeader, eventwebhook.TimestampHTTPHeader),
	}
}

// Kind returns KindECDSAPublicKey.
func (s *ECDSAPublicKey) Kind() Kind { return KindECDSAPublicKey }

// Verify implements Scheme.
func (s *ECDSAPublicKey) Verify(body []byte, headers http.Header, secret string) error {
	sig := strings.TrimSpace(headers.Get(s.opts.SignatureHeader))
	ts := strings.TrimSpace(headers.Get(s.opts.TimestampHeader))
	if sig == "" || ts == "" {
		return ErrMissingSignature
	}

	if err := checkTimestamp(ts, s.opts.Now(), s.opts.Tolerance); err != nil {
		return err
	}

	pub, err := parsePublicKey(secret)
	if err != nil {
		return ErrInvalidSignature
	}

	ok, err := eventwebhook.VerifySignature(pub, body, sig, ts)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

// parsePublicKey decodes a base64 PKIX key and insists on ECDSA; the
// eventwebhook helper type-asserts without checking.
func parsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}

	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidSignature
	}
	return pub, nil
}
