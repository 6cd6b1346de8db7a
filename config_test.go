package mailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattiq/mailgate/internal/webhook"
)

const sampleConfig = `
providers:
  - name: postmark
    settings:
      base_url: https://api.postmarkapp.com
    rate_limit:
      limit: 50
      window: 1s
  - name: ses
    settings:
      region: eu-west-1
    timeout: 3s
    webhook:
      scheme: hmac_header
      tolerance: 2m
retry:
  max_attempts: 5
  initial_delay: 200ms
  failover_after: 2
dead_letter:
  sink: none
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, []ProviderType{ProviderPostmark, ProviderSES}, cfg.ProviderNames())

	pm, ok := cfg.Provider(ProviderPostmark)
	require.True(t, ok)
	require.Equal(t, "https://api.postmarkapp.com", pm.Settings.Get("base_url"))
	require.Equal(t, RateLimitConfig{Limit: 50, Window: time.Second}, pm.RateLimit)
	require.Equal(t, 10*time.Second, pm.Timeout)

	ses, ok := cfg.Provider(ProviderSES)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, ses.Timeout)
	require.Equal(t, webhook.KindHMACHeader, ses.Webhook.Scheme)
	require.Equal(t, 2*time.Minute, ses.Webhook.Tolerance)
	require.Equal(t, 10, ses.MaxConnsPerHost)

	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay)
	require.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	require.Equal(t, 2, cfg.Retry.FailoverAfter)
	require.Equal(t, DeadLetterNone, cfg.DeadLetter.Sink)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILGATE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("MAILGATE_STORE_PATH", "/var/lib/mailgate/db.sqlite")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Retry.MaxAttempts)
	require.Equal(t, "/var/lib/mailgate/db.sqlite", cfg.Store.Path)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Retry, cfg.Retry)
	require.Empty(t, cfg.Providers)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		c := DefaultConfig()
		c.Providers = []ProviderConfig{DefaultProviderConfig(ProviderSendGrid, nil)}
		return c
	}
	base := valid()
	require.NoError(t, base.Validate())

	tests := map[string]struct {
		mutate func(*Config)
		field  string
	}{
		"duplicate provider": {func(c *Config) {
			c.Providers = append(c.Providers, DefaultProviderConfig(ProviderSendGrid, nil))
		}, "providers[1].name"},
		"zero timeout":    {func(c *Config) { c.Providers[0].Timeout = 0 }, "providers[0].timeout"},
		"limit no window": {func(c *Config) { c.Providers[0].RateLimit.Limit = 3 }, "providers[0].rate_limit.window"},
		"bad scheme":      {func(c *Config) { c.Providers[0].Webhook.Scheme = "md5" }, "providers[0].webhook.scheme"},
		"bad strategy":    {func(c *Config) { c.Retry.Strategy = "random" }, "retry.strategy"},
		"no attempts":     {func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		"cap below base":  {func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		"shrinking":       {func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		"kafka no topic": {func(c *Config) {
			c.DeadLetter.Sink = DeadLetterKafka
			c.DeadLetter.Topic = ""
		}, "dead_letter.brokers"},
		"bad backend": {func(c *Config) { c.Secrets.Backend = "vault" }, "secrets.backend"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)

			var ve *ValidationError
			require.ErrorAs(t, c.Validate(), &ve)
			require.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestClaimLeaseCoversRetries(t *testing.T) {
	c := DefaultConfig()
	c.Providers = []ProviderConfig{DefaultProviderConfig(ProviderSES, nil)}

	require.Greater(t, c.claimLease(), c.maxElapsed())

	c.Dispatch.ClaimLease = time.Hour
	require.Equal(t, time.Hour, c.claimLease())
}

func TestHTTPServerFitsDispatchLimits(t *testing.T) {
	c := DefaultConfig()
	c.Providers = []ProviderConfig{DefaultProviderConfig(ProviderSES, nil)}

	s := c.HTTPServer()
	require.Greater(t, s.MaxBodyBytes, c.Dispatch.MaxAttachmentBytes*4/3)
	require.Greater(t, s.WriteTimeout, c.maxElapsed())
	require.Equal(t, c.Server.ReadTimeout, s.ReadTimeout)

	// Settings already above the derived minimums are kept.
	c.Server.MaxBodyBytes = 1 << 30
	c.Server.WriteTimeout = time.Hour
	s = c.HTTPServer()
	require.Equal(t, int64(1<<30), s.MaxBodyBytes)
	require.Equal(t, time.Hour, s.WriteTimeout)

	c.Server.MaxBodyBytes = 0
	c.Server.WriteTimeout = 0
	s = c.HTTPServer()
	require.Zero(t, s.MaxBodyBytes)
	require.Zero(t, s.WriteTimeout)
}
