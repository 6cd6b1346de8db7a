package mailer

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/lattiq/mailgate/internal/core"
	"github.com/lattiq/mailgate/internal/secrets"
	"github.com/lattiq/mailgate/internal/webhook"
)

// Config holds the complete gateway configuration.
type Config struct {
	// Providers lists the configured providers in preference order. The
	// first entry is the primary.
	Providers []ProviderConfig `mapstructure:"providers"`

	// Retry contains retry policy configuration.
	Retry RetryConfig `mapstructure:"retry"`

	// CircuitBreaker contains per-provider circuit breaker configuration.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Dispatch contains idempotency and message limits.
	Dispatch DispatchConfig `mapstructure:"dispatch"`

	// Store contains durable store configuration.
	Store StoreConfig `mapstructure:"store"`

	// Secrets selects where API keys and webhook signing keys are read from.
	Secrets SecretsConfig `mapstructure:"secrets"`

	// DeadLetter configures where undeliverable messages are published.
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`

	// Server contains HTTP ingress configuration.
	Server ServerConfig `mapstructure:"server"`

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ProviderType identifies one of the supported email providers.
type ProviderType = core.ProviderName

const (
	// ProviderSES represents Amazon Simple Email Service (v2 API).
	ProviderSES = core.ProviderSES

	// ProviderSendGrid represents the SendGrid email service.
	ProviderSendGrid = core.ProviderSendGrid

	// ProviderMailgun represents the Mailgun email service.
	ProviderMailgun = core.ProviderMailgun

	// ProviderPostmark represents the Postmark email service.
	ProviderPostmark = core.ProviderPostmark
)

// ProviderConfig contains one provider's settings.
type ProviderConfig struct {
	// Name selects the provider.
	Name ProviderType `mapstructure:"name"`

	// Settings holds non-secret adapter settings such as region, domain or
	// base_url. Credentials are resolved from the secret store.
	Settings ProviderSettings `mapstructure:"settings"`

	// RateLimit bounds outbound calls to this provider. A zero limit means
	// unlimited.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Webhook configures how this provider's callbacks are authenticated.
	Webhook WebhookConfig `mapstructure:"webhook"`

	// Timeout bounds a single outbound call.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxConnsPerHost limits the number of connections per host.
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`

	// IdleConnTimeout is the maximum time an idle connection will remain open.
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
}

// RateLimitConfig allows at most Limit calls in any Window.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// WebhookConfig selects the signature scheme for a provider. Empty fields
// fall back to the provider's documented defaults.
type WebhookConfig struct {
	Scheme          webhook.Kind  `mapstructure:"scheme"`
	SignatureHeader string        `mapstructure:"signature_header"`
	TimestampHeader string        `mapstructure:"timestamp_header"`
	Tolerance       time.Duration `mapstructure:"tolerance"`
}

// Provider selection strategies.
const (
	StrategyPrimaryOnly = "primary_only"
	StrategyFailover    = "failover"
)

// RetryConfig contains retry policy configuration.
type RetryConfig struct {
	// Strategy picks the provider for each attempt: primary_only or failover.
	Strategy string `mapstructure:"strategy"`

	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Multiplier is the backoff multiplier.
	Multiplier float64 `mapstructure:"multiplier"`

	// Jitter adds a random fraction to each delay before it is capped.
	Jitter bool `mapstructure:"jitter"`

	// RetryAfterCeiling is the longest provider Retry-After the gateway will
	// wait. Longer requests end the dispatch.
	RetryAfterCeiling time.Duration `mapstructure:"retry_after_ceiling"`

	// MaxElapsed bounds the whole attempt sequence. Zero derives it from
	// MaxAttempts, the provider timeout and MaxDelay.
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`

	// FailoverAfter is the number of consecutive failures against one
	// provider before the failover strategy moves to the next.
	FailoverAfter int `mapstructure:"failover_after"`
}

// CircuitBreakerConfig contains circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Enabled indicates whether the circuit breaker is enabled.
	Enabled bool `mapstructure:"enabled"`

	// FailureThreshold is the number of failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`

	// SuccessThreshold is the number of successes needed to close the circuit.
	SuccessThreshold int `mapstructure:"success_threshold"`

	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration `mapstructure:"timeout"`

	// ResetTimeout is how long to wait before resetting failure counts.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// DispatchConfig contains per-message limits and idempotency settings.
type DispatchConfig struct {
	// MaxAttachmentBytes bounds the combined attachment size.
	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes"`

	// ClaimLease is how long a dispatch stays claimed by one caller before
	// another may take it over. Zero derives it from the retry ceiling.
	ClaimLease time.Duration `mapstructure:"claim_lease"`

	// CheckSuppression refuses sends to recipients marked invalid or
	// unsubscribed by earlier webhooks.
	CheckSuppression bool `mapstructure:"check_suppression"`
}

// StoreConfig contains durable store configuration.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `mapstructure:"path"`
}

// Secret store backends.
const (
	SecretsEnv     = "env"
	SecretsKeyring = "keyring"
	SecretsChain   = "chain"
)

// SecretsConfig selects the secret store backend.
type SecretsConfig struct {
	// Backend is env, keyring or chain (env first, then keyring).
	Backend string `mapstructure:"backend"`

	// EnvPrefix prefixes secret names looked up in the environment.
	EnvPrefix string `mapstructure:"env_prefix"`

	// Keyring configures the OS keyring backend.
	Keyring secrets.KeyringConfig `mapstructure:"keyring"`
}

// Dead-letter sinks.
const (
	DeadLetterLog   = "log"
	DeadLetterKafka = "kafka"
	DeadLetterNone  = "none"
)

// DeadLetterConfig configures the dead-letter sink.
type DeadLetterConfig struct {
	// Sink is log, kafka or none.
	Sink string `mapstructure:"sink"`

	// Brokers lists the Kafka bootstrap brokers.
	Brokers []string `mapstructure:"brokers"`

	// Topic is the Kafka topic dead letters are published to.
	Topic string `mapstructure:"topic"`
}

// ServerConfig contains HTTP ingress configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Logging contains logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are recorded.
	Enabled bool `mapstructure:"enabled"`

	// ServiceName is the instrumentation scope used for spans.
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a configuration with sensible defaults. Providers
// must still be added.
func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryConfig(),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			ResetTimeout:     5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxAttachmentBytes: 10 << 20,
		},
		Store: StoreConfig{
			Path: "mailgate.db",
		},
		Secrets: SecretsConfig{
			Backend:   SecretsEnv,
			EnvPrefix: secrets.DefaultEnvPrefix,
			Keyring: secrets.KeyringConfig{
				ServiceName: secrets.DefaultServiceName,
			},
		},
		DeadLetter: DeadLetterConfig{
			Sink:  DeadLetterLog,
			Topic: "mailgate.dead-letter",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     true,
				ServiceName: "mailgate",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
			},
		},
	}
}

// DefaultProviderConfig returns a provider entry with default transport
// settings.
func DefaultProviderConfig(name ProviderType, settings ProviderSettings) ProviderConfig {
	return ProviderConfig{
		Name:            name,
		Settings:        settings,
		Timeout:         10 * time.Second,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:          StrategyFailover,
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		RetryAfterCeiling: time.Minute,
		FailoverAfter:     1,
	}
}

// Provider returns the configuration of the named provider.
func (c *Config) Provider(name ProviderType) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// ProviderNames returns the configured providers in preference order.
func (c *Config) ProviderNames() []ProviderType {
	names := make([]ProviderType, len(c.Providers))
	for i, p := range c.Providers {
		names[i] = p.Name
	}
	return names
}

// maxElapsed is the ceiling on one dispatch's attempt sequence.
func (c *Config) maxElapsed() time.Duration {
	if c.Retry.MaxElapsed > 0 {
		return c.Retry.MaxElapsed
	}
	var timeout time.Duration
	for _, p := range c.Providers {
		timeout = max(timeout, p.Timeout)
	}
	return time.Duration(c.Retry.MaxAttempts) * (timeout + c.Retry.MaxDelay)
}

// claimLease outlives maxElapsed so a live dispatch is never taken over.
func (c *Config) claimLease() time.Duration {
	if c.Dispatch.ClaimLease > 0 {
		return c.Dispatch.ClaimLease
	}
	return c.maxElapsed() + time.Minute
}

const (
	// requestOverhead covers the JSON fields around encoded attachments.
	requestOverhead = 256 << 10
	// responseMargin covers the store writes after the last attempt.
	responseMargin = 15 * time.Second
)

// HTTPServer returns the server settings with the body limit raised to fit
// the largest accepted message and the write timeout raised to outlast the
// longest attempt sequence. Zero limits stay unlimited.
func (c *Config) HTTPServer() ServerConfig {
	s := c.Server
	if s.MaxBodyBytes > 0 && c.Dispatch.MaxAttachmentBytes > 0 {
		// Attachment content travels base64-encoded in the JSON body.
		need := int64(base64.StdEncoding.EncodedLen(int(c.Dispatch.MaxAttachmentBytes))) + requestOverhead
		s.MaxBodyBytes = max(s.MaxBodyBytes, need)
	}
	if s.WriteTimeout > 0 {
		s.WriteTimeout = max(s.WriteTimeout, c.maxElapsed()+responseMargin)
	}
	return s
}

// Validate checks if the configuration is valid and complete.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return &ValidationError{
			Field:   "providers",
			Message: "at least one provider must be configured",
		}
	}

	seen := make(map[ProviderType]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := "providers[" + strconv.Itoa(i) + "]"
		if !p.Name.Valid() {
			return &ValidationError{
				Field:   field + ".name",
				Message: "invalid or unsupported provider: " + string(p.Name),
			}
		}
		if seen[p.Name] {
			return &ValidationError{
				Field:   field + ".name",
				Message: "provider configured twice: " + string(p.Name),
			}
		}
		seen[p.Name] = true

		if p.Timeout <= 0 {
			return &ValidationError{
				Field:   field + ".timeout",
				Message: "timeout must be greater than 0",
			}
		}
		if p.RateLimit.Limit < 0 {
			return &ValidationError{
				Field:   field + ".rate_limit.limit",
				Message: "limit must not be negative",
			}
		}
		if p.RateLimit.Limit > 0 && p.RateLimit.Window <= 0 {
			return &ValidationError{
				Field:   field + ".rate_limit.window",
				Message: "window must be greater than 0 when a limit is set",
			}
		}
		if p.Webhook.Scheme != "" && !p.Webhook.Scheme.Valid() {
			return &ValidationError{
				Field:   field + ".webhook.scheme",
				Message: "unsupported webhook scheme: " + string(p.Webhook.Scheme),
			}
		}
	}

	switch c.Retry.Strategy {
	case StrategyPrimaryOnly, StrategyFailover:
	default:
		return &ValidationError{
			Field:   "retry.strategy",
			Message: "strategy must be primary_only or failover",
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return &ValidationError{
			Field:   "retry.max_attempts",
			Message: "max attempts must be at least 1",
		}
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return &ValidationError{
			Field:   "retry.max_delay",
			Message: "max delay must not be less than initial delay",
		}
	}
	if c.Retry.Multiplier < 1.0 {
		return &ValidationError{
			Field:   "retry.multiplier",
			Message: "multiplier must be at least 1.0",
		}
	}
	if c.Retry.FailoverAfter < 1 {
		return &ValidationError{
			Field:   "retry.failover_after",
			Message: "failover_after must be at least 1",
		}
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold < 1 {
		return &ValidationError{
			Field:   "circuit_breaker.failure_threshold",
			Message: "failure threshold must be at least 1",
		}
	}

	if c.Dispatch.MaxAttachmentBytes < 0 {
		return &ValidationError{
			Field:   "dispatch.max_attachment_bytes",
			Message: "max attachment bytes must not be negative",
		}
	}

	switch c.Secrets.Backend {
	case SecretsEnv, SecretsKeyring, SecretsChain:
	default:
		return &ValidationError{
			Field:   "secrets.backend",
			Message: "backend must be env, keyring or chain",
		}
	}

	switch c.DeadLetter.Sink {
	case DeadLetterLog, DeadLetterNone:
	case DeadLetterKafka:
		if len(c.DeadLetter.Brokers) == 0 || c.DeadLetter.Topic == "" {
			return &ValidationError{
				Field:   "dead_letter.brokers",
				Message: "kafka sink needs brokers and a topic",
			}
		}
	default:
		return &ValidationError{
			Field:   "dead_letter.sink",
			Message: "sink must be log, kafka or none",
		}
	}

	return nil
}
