package mailer

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithProvider adds a provider with default transport settings, or
// replaces the settings of one already configured.
func WithProvider(name ProviderType, settings ProviderSettings) Option {
	return func(c *Client) {
		for i := range c.config.Providers {
			if c.config.Providers[i].Name == name {
				c.config.Providers[i].Settings = settings
				return
			}
		}
		c.config.Providers = append(c.config.Providers, DefaultProviderConfig(name, settings))
	}
}

// WithProviderAdapter uses p instead of building an adapter from settings.
func WithProviderAdapter(p Provider) Option {
	return func(c *Client) {
		c.adapters[p.Name()] = p
		if _, ok := c.config.Provider(p.Name()); !ok {
			c.config.Providers = append(c.config.Providers, DefaultProviderConfig(p.Name(), ProviderSettings{}))
		}
	}
}

// WithRateLimit allows at most limit calls to provider in any window. It
// applies once all options have run, so it may precede WithProvider; New
// fails when provider is never configured.
func WithRateLimit(provider ProviderType, limit int, window time.Duration) Option {
	return func(c *Client) {
		c.overrides = append(c.overrides, func(cfg *Config) error {
			for i := range cfg.Providers {
				if cfg.Providers[i].Name == provider {
					cfg.Providers[i].RateLimit = RateLimitConfig{Limit: limit, Window: window}
					return nil
				}
			}
			return &ConfigurationError{
				Provider: provider,
				Setting:  "rate_limit",
				Message:  "rate limit set for a provider that is not configured",
			}
		})
	}
}

// WithTimeout sets the per-call timeout of every configured provider,
// including those added by later options.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.overrides = append(c.overrides, func(cfg *Config) error {
			for i := range cfg.Providers {
				cfg.Providers[i].Timeout = timeout
			}
			return nil
		})
	}
}

// WithRetry configures retry behavior.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) Option {
	return func(c *Client) {
		c.config.Retry.MaxAttempts = maxAttempts
		c.config.Retry.InitialDelay = initialDelay
		c.config.Retry.MaxDelay = maxDelay
		c.config.Retry.Multiplier = multiplier
	}
}

// WithJitter enables or disables jitter in retry delays.
func WithJitter(enabled bool) Option {
	return func(c *Client) {
		c.config.Retry.Jitter = enabled
	}
}

// WithoutRetry makes every dispatch a single attempt.
func WithoutRetry() Option {
	return func(c *Client) {
		c.config.Retry.MaxAttempts = 1
	}
}

// WithRetryAfterCeiling sets the longest provider Retry-After honored.
func WithRetryAfterCeiling(d time.Duration) Option {
	return func(c *Client) {
		c.config.Retry.RetryAfterCeiling = d
	}
}

// WithMaxElapsed bounds the total time of one dispatch's attempts.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) {
		c.config.Retry.MaxElapsed = d
	}
}

// WithFailover moves to the next provider after `after` consecutive failures.
func WithFailover(after int) Option {
	return func(c *Client) {
		c.config.Retry.Strategy = StrategyFailover
		c.config.Retry.FailoverAfter = after
	}
}

// WithPrimaryOnly sends every attempt through the first provider.
func WithPrimaryOnly() Option {
	return func(c *Client) {
		c.config.Retry.Strategy = StrategyPrimaryOnly
	}
}

// WithSelector replaces the configured selection strategy.
func WithSelector(s ProviderSelector) Option {
	return func(c *Client) {
		c.selector = s
	}
}

// WithCircuitBreaker configures circuit breaker behavior.
func WithCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) Option {
	return func(c *Client) {
		c.config.CircuitBreaker.Enabled = true
		c.config.CircuitBreaker.FailureThreshold = failureThreshold
		c.config.CircuitBreaker.SuccessThreshold = successThreshold
		c.config.CircuitBreaker.Timeout = timeout
	}
}

// WithoutCircuitBreaker disables circuit breaker functionality.
func WithoutCircuitBreaker() Option {
	return func(c *Client) {
		c.config.CircuitBreaker.Enabled = false
	}
}

// WithSuppressionCheck refuses sends to invalid or unsubscribed recipients.
func WithSuppressionCheck(enabled bool) Option {
	return func(c *Client) {
		c.config.Dispatch.CheckSuppression = enabled
	}
}

// WithMaxAttachmentBytes bounds the combined attachment size.
func WithMaxAttachmentBytes(n int64) Option {
	return func(c *Client) {
		c.config.Dispatch.MaxAttachmentBytes = n
	}
}

// WithClaimLease sets how long a dispatch claim is held.
func WithClaimLease(d time.Duration) Option {
	return func(c *Client) {
		c.config.Dispatch.ClaimLease = d
	}
}

// WithStore uses st instead of opening the configured SQLite database.
// The caller keeps ownership of st.
func WithStore(st DispatchStore) Option {
	return func(c *Client) {
		c.store = st
	}
}

// WithStorePath sets the SQLite database path.
func WithStorePath(path string) Option {
	return func(c *Client) {
		c.config.Store.Path = path
	}
}

// WithSecretStore uses s instead of the configured secret backend.
func WithSecretStore(s SecretStore) Option {
	return func(c *Client) {
		c.secrets = s
	}
}

// WithDeadLetterSink uses s instead of the configured sink.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(c *Client) {
		c.deadLetter = s
	}
}

// WithHTTPClient shares one HTTP client across all provider adapters.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

// WithScheduler replaces the timer used between attempts.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) {
		c.scheduler = s
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithoutTracing disables span recording.
func WithoutTracing() Option {
	return func(c *Client) {
		c.config.Monitoring.Tracing.Enabled = false
	}
}
