package mailer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables that override file settings,
// e.g. MAILGATE_STORE_PATH or MAILGATE_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "MAILGATE"

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
// A missing file yields the defaults. Environment variables override
// scalar settings.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Missing per-provider transport settings take the defaults.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		def := DefaultProviderConfig(p.Name, p.Settings)
		if p.Timeout == 0 {
			p.Timeout = def.Timeout
		}
		if p.MaxConnsPerHost == 0 {
			p.MaxConnsPerHost = def.MaxConnsPerHost
		}
		if p.IdleConnTimeout == 0 {
			p.IdleConnTimeout = def.IdleConnTimeout
		}
		if p.Settings == nil {
			p.Settings = ProviderSettings{}
		}
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("retry.strategy", d.Retry.Strategy)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.retry_after_ceiling", d.Retry.RetryAfterCeiling)
	v.SetDefault("retry.max_elapsed", d.Retry.MaxElapsed)
	v.SetDefault("retry.failover_after", d.Retry.FailoverAfter)

	v.SetDefault("circuit_breaker.enabled", d.CircuitBreaker.Enabled)
	v.SetDefault("circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", d.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", d.CircuitBreaker.Timeout)
	v.SetDefault("circuit_breaker.reset_timeout", d.CircuitBreaker.ResetTimeout)

	v.SetDefault("dispatch.max_attachment_bytes", d.Dispatch.MaxAttachmentBytes)
	v.SetDefault("dispatch.claim_lease", d.Dispatch.ClaimLease)
	v.SetDefault("dispatch.check_suppression", d.Dispatch.CheckSuppression)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("secrets.backend", d.Secrets.Backend)
	v.SetDefault("secrets.env_prefix", d.Secrets.EnvPrefix)
	v.SetDefault("secrets.keyring.service_name", d.Secrets.Keyring.ServiceName)
	v.SetDefault("secrets.keyring.file_dir", d.Secrets.Keyring.FileDir)
	v.SetDefault("secrets.keyring.file_password", d.Secrets.Keyring.FilePassword)

	v.SetDefault("dead_letter.sink", d.DeadLetter.Sink)
	v.SetDefault("dead_letter.brokers", d.DeadLetter.Brokers)
	v.SetDefault("dead_letter.topic", d.DeadLetter.Topic)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("monitoring.tracing.enabled", d.Monitoring.Tracing.Enabled)
	v.SetDefault("monitoring.tracing.service_name", d.Monitoring.Tracing.ServiceName)
	v.SetDefault("monitoring.logging.level", d.Monitoring.Logging.Level)
	v.SetDefault("monitoring.logging.format", d.Monitoring.Logging.Format)
}
