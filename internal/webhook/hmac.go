package webhook

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// HMACHeader verifies a base64 HMAC-SHA256 of "{timestamp}.{body}" carried
// in a header, with the timestamp in a second header.
type HMACHeader struct {
	opts Options
}

// NewHMACHeader creates an HMACHeader scheme.
func NewHMACHeader(opts Options) *HMACHeader {
	return &HMACHeader{opts: opts.withDefaults("X-Webhook-Signature", "X-Webhook-Timestamp")}
}

// Kind returns KindHMACHeader.
func (s *HMACHeader) Kind() Kind { return KindHMACHeader }

// Verify implements Scheme.
func (s *HMACHeader) Verify(body []byte, headers http.Header, secret string) error {
	sig := headers.Get(s.opts.SignatureHeader)
	ts := headers.Get(s.opts.TimestampHeader)
	if sig == "" || ts == "" {
		return ErrMissingSignature
	}

	if err := checkTimestamp(ts, s.opts.Now(), s.opts.Tolerance); err != nil {
		return err
	}

	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return ErrInvalidSignature
	}

	want := computeHMAC(secret, []byte(ts), []byte("."), body)
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// HMACHexHeader verifies a hex HMAC-SHA256 of "{timestamp}.{body}" carried
// in a header, with the timestamp in a second header. The digest may carry
// a "sha256=" prefix.
type HMACHexHeader struct {
	opts Options
}

// NewHMACHexHeader creates an HMACHexHeader scheme.
func NewHMACHexHeader(opts Options) *HMACHexHeader {
	return &HMACHexHeader{opts: opts.withDefaults("X-Signature", "X-Timestamp")}
}

// Kind returns KindHMACHexHeader.
func (s *HMACHexHeader) Kind() Kind { return KindHMACHexHeader }

// Verify implements Scheme.
func (s *HMACHexHeader) Verify(body []byte, headers http.Header, secret string) error {
	sig := strings.TrimPrefix(strings.TrimSpace(headers.Get(s.opts.SignatureHeader)), "sha256=")
	ts := headers.Get(s.opts.TimestampHeader)
	if sig == "" || ts == "" {
		return ErrMissingSignature
	}

	if err := checkTimestamp(ts, s.opts.Now(), s.opts.Tolerance); err != nil {
		return err
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}

	if !hmac.Equal(got, computeHMAC(secret, []byte(ts), []byte("."), body)) {
		return ErrInvalidSignature
	}
	return nil
}

// HMACBodyField verifies the signature object embedded in the JSON body:
// {"signature": {"timestamp": "...", "token": "...", "signature": "<hex>"}}.
// The digest is HMAC-SHA256 of timestamp concatenated with token.
type HMACBodyField struct {
	opts Options
}

// NewHMACBodyField creates an HMACBodyField scheme.
func NewHMACBodyField(opts Options) *HMACBodyField {
	return &HMACBodyField{opts: opts.withDefaults("", "")}
}

// Kind returns KindHMACBodyField.
func (s *HMACBodyField) Kind() Kind { return KindHMACBodyField }

type signatureField struct {
	Signature struct {
		Timestamp json.RawMessage `json:"timestamp"`
		Token     string          `json:"token"`
		Signature string          `json:"signature"`
	} `json:"signature"`
}

// Verify implements Scheme.
func (s *HMACBodyField) Verify(body []byte, _ http.Header, secret string) error {
	var field signatureField
	if err := json.Unmarshal(body, &field); err != nil {
		return ErrMissingSignature
	}

	// Timestamps arrive either as a JSON string or a bare number.
	ts := strings.Trim(string(field.Signature.Timestamp), `"`)
	if ts == "" || field.Signature.Token == "" || field.Signature.Signature == "" {
		return ErrMissingSignature
	}

	if err := checkTimestamp(ts, s.opts.Now(), s.opts.Tolerance); err != nil {
		return err
	}

	got, err := hex.DecodeString(field.Signature.Signature)
	if err != nil {
		return ErrInvalidSignature
	}

	want := computeHMAC(secret, []byte(ts), []byte(field.Signature.Token))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}
