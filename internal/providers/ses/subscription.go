package ses

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lattiq/mailgate/internal/core"
)

// isSNSEndpoint accepts only https URLs on an SNS regional endpoint.
func isSNSEndpoint(u *url.URL) bool {
	host := u.Hostname()
	return u.Scheme == "https" &&
		strings.HasPrefix(host, "sns.") &&
		(strings.HasSuffix(host, ".amazonaws.com") || strings.HasSuffix(host, ".amazonaws.com.cn"))
}

// confirmSubscription activates an SNS subscription by visiting its
// SubscribeURL. SNS repeats the handshake until it succeeds.
func (p *Provider) confirmSubscription(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return core.NewValidationError("SubscribeURL", "subscription confirmation without SubscribeURL")
	}
	u, err := url.Parse(rawURL)
	if err != nil || !p.trustSubscribeAt(u) {
		return core.NewValidationError("SubscribeURL", "untrusted SNS subscribe URL "+rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building SNS confirmation request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return core.ClassifyTransportError(core.ProviderSES, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return core.ClassifyStatus(core.ProviderSES, resp.StatusCode, "SNS subscription confirmation failed")
	}
	return nil
}
