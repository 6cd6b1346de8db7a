package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lattiq/mailgate/internal/core"
	"github.com/lattiq/mailgate/internal/deadletter"
	"github.com/lattiq/mailgate/internal/events"
	"github.com/lattiq/mailgate/internal/providers"
	"github.com/lattiq/mailgate/internal/secrets"
	"github.com/lattiq/mailgate/internal/store"
	"github.com/lattiq/mailgate/internal/webhook"
)

const instrumentationName = "github.com/lattiq/mailgate"

// codeCircuitOpen is the attempt error code while a provider's breaker is open.
const codeCircuitOpen = "circuit_open"

const (
	markSentAttempts = 3
	markSentBackoff  = 50 * time.Millisecond
)

// providerState is everything the client holds for one configured provider.
type providerState struct {
	adapter  Provider
	breaker  *CircuitBreaker
	verifier *webhook.Verifier
	timeout  time.Duration
}

// Client implements the Mailer interface.
// All methods are safe for concurrent use.
type Client struct {
	config     Config
	adapters   map[ProviderType]Provider
	providers  map[ProviderType]*providerState
	store      DispatchStore
	secrets    SecretStore
	deadLetter DeadLetterSink
	closers    []io.Closer
	selector   ProviderSelector
	limiter    *RateLimiter
	retry      *RetryController
	processor  *events.Processor
	scheduler  Scheduler
	httpClient *http.Client
	now        func() time.Time
	log        zerolog.Logger
	tracer     trace.Tracer
	overrides  []func(*Config) error

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a client from config. Missing dependencies (store, secret
// store, dead-letter sink, adapters) are built from the configuration.
// The client must be closed when no longer needed to release resources.
func New(config Config, opts ...Option) (*Client, error) {
	c := &Client{
		config:    config,
		adapters:  make(map[ProviderType]Provider),
		providers: make(map[ProviderType]*providerState),
		scheduler: TimerScheduler{},
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}
	for _, override := range c.overrides {
		if err := override(&c.config); err != nil {
			return nil, err
		}
	}

	if reflect.ValueOf(c.log).IsZero() {
		c.log = zerolog.Nop()
	}

	if err := c.config.Validate(); err != nil {
		return nil, err
	}

	tracerName := c.config.Monitoring.Tracing.ServiceName
	if tracerName == "" {
		tracerName = instrumentationName
	}
	if c.config.Monitoring.Tracing.Enabled {
		c.tracer = otel.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
	} else {
		c.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	if err := c.init(context.Background()); err != nil {
		c.closeResources()
		return nil, err
	}

	return c, nil
}

func (c *Client) init(ctx context.Context) error {
	if c.secrets == nil {
		s, err := openSecretStore(c.config.Secrets)
		if err != nil {
			return err
		}
		c.secrets = s
	}

	if c.store == nil {
		st, err := store.NewSQLiteStore(c.config.Store.Path, store.WithLogger(c.log), store.WithClock(c.now))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		c.store = st
		c.closers = append(c.closers, st)
	}

	if c.deadLetter == nil {
		switch c.config.DeadLetter.Sink {
		case DeadLetterKafka:
			sink, err := deadletter.NewKafkaSink(c.config.DeadLetter.Brokers, c.config.DeadLetter.Topic, c.log)
			if err != nil {
				return fmt.Errorf("connecting dead-letter sink: %w", err)
			}
			c.deadLetter = sink
			c.closers = append(c.closers, sink)
		case DeadLetterLog:
			c.deadLetter = deadletter.NewLogSink(c.log)
		}
	}

	limits := make(map[ProviderType]RateLimitConfig, len(c.config.Providers))
	for _, pc := range c.config.Providers {
		ps, err := c.buildProvider(ctx, pc)
		if err != nil {
			return err
		}
		c.providers[pc.Name] = ps
		limits[pc.Name] = pc.RateLimit
	}

	c.limiter = NewRateLimiter(limits, c.now)
	c.retry = NewRetryController(c.config.Retry, c.config.maxElapsed(), c.scheduler)
	c.processor = events.NewProcessor(c.store, c.log)

	if c.selector == nil {
		names := c.config.ProviderNames()
		if c.config.Retry.Strategy == StrategyPrimaryOnly {
			c.selector = PrimaryOnly{Provider: names[0]}
		} else {
			c.selector = Failover{
				Providers: names,
				After:     c.config.Retry.FailoverAfter,
				Available: c.available,
			}
		}
	}

	return nil
}

func (c *Client) buildProvider(ctx context.Context, pc ProviderConfig) (*providerState, error) {
	adapter, ok := c.adapters[pc.Name]
	if !ok {
		hc := c.httpClient
		if hc == nil {
			hc = newHTTPClient(pc)
		}
		var err error
		adapter, err = providers.New(ctx, pc.Name, pc.Settings, c.secrets, hc)
		if err != nil {
			return nil, err
		}
	}

	verifier, err := c.buildVerifier(ctx, pc)
	if err != nil {
		return nil, err
	}

	return &providerState{
		adapter:  adapter,
		breaker:  NewCircuitBreaker(c.config.CircuitBreaker, c.now),
		verifier: verifier,
		timeout:  pc.Timeout,
	}, nil
}

// buildVerifier binds the provider's webhook scheme to its signing key. A
// provider without a key rejects every webhook.
func (c *Client) buildVerifier(ctx context.Context, pc ProviderConfig) (*webhook.Verifier, error) {
	kind := pc.Webhook.Scheme
	if kind == "" {
		kind = webhook.DefaultKind(pc.Name)
	}

	scheme, err := webhook.NewScheme(kind, webhook.Options{
		SignatureHeader: pc.Webhook.SignatureHeader,
		TimestampHeader: pc.Webhook.TimestampHeader,
		Tolerance:       pc.Webhook.Tolerance,
		Now:             c.now,
	})
	if err != nil {
		return nil, &ConfigurationError{Provider: pc.Name, Setting: "webhook.scheme", Message: err.Error()}
	}

	name := core.WebhookKeySecret(pc.Name)
	secret, err := c.secrets.GetSecret(ctx, name)
	switch {
	case errors.Is(err, core.ErrSecretNotFound):
		c.log.Warn().Str("provider", string(pc.Name)).Str("secret", name).
			Msg("no webhook signing key configured, webhooks will be rejected")
	case err != nil:
		return nil, &ConfigurationError{Provider: pc.Name, Setting: name, Message: "reading secret", Cause: err}
	}

	return webhook.NewVerifier(pc.Name, scheme, secret), nil
}

func openSecretStore(cfg SecretsConfig) (SecretStore, error) {
	env := secrets.NewEnvStore(cfg.EnvPrefix)
	if cfg.Backend == SecretsEnv {
		return env, nil
	}

	ring, err := secrets.OpenKeyring(cfg.Keyring)
	if err != nil {
		return nil, &ConfigurationError{Setting: "secrets.keyring", Message: "opening keyring", Cause: err}
	}
	if cfg.Backend == SecretsKeyring {
		return ring, nil
	}
	return secrets.Chain{env, ring}, nil
}

func newHTTPClient(pc ProviderConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = pc.MaxConnsPerHost
	transport.IdleConnTimeout = pc.IdleConnTimeout
	return &http.Client{Transport: &userAgentTransport{
		base:      transport,
		userAgent: GetVersionInfo().UserAgent(),
	}}
}

// userAgentTransport stamps outbound requests that carry no User-Agent.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// available reports whether provider's breaker would admit a call.
func (c *Client) available(provider ProviderType) bool {
	ps, ok := c.providers[provider]
	return ok && ps.breaker.Available()
}

// enter registers an in-flight call, failing once the client is closed.
func (c *Client) enter() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

// Send dispatches email under idempotencyKey. At most one provider accepts
// the message per key; a key that already completed returns the cached
// result with Cached set. Failures are returned as *SendError.
func (c *Client) Send(ctx context.Context, email *Email, idempotencyKey string) (*SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "mailer.Client.Send",
		trace.WithAttributes(attribute.String("mailgate.idempotency_key", idempotencyKey)))
	defer span.End()

	if !c.enter() {
		return nil, failSpan(span, newSendError(CodeClientClosed, 0, ErrClientClosed))
	}
	defer c.inflight.Done()

	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, failSpan(span, newSendError(CodeInvalidMessage, 0,
			NewValidationError("idempotency_key", "idempotency key is required")))
	}

	if email == nil {
		return nil, failSpan(span, newSendError(CodeInvalidMessage, 0,
			NewValidationError("email", "message is required")))
	}

	if err := email.Validate(c.config.Dispatch.MaxAttachmentBytes); err != nil {
		code := CodeInvalidMessage
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Field == "attachments" && ve.Value != nil {
			code = CodePayloadTooLarge
		}
		return nil, failSpan(span, newSendError(code, 0, err))
	}

	span.SetAttributes(attribute.Int("mailgate.recipients", email.TotalRecipients()))
	log := c.log.With().Str("key", idempotencyKey).Logger()

	claim, dispatch, err := c.store.ClaimDispatch(ctx, idempotencyKey, c.config.claimLease())
	if err != nil {
		return nil, failSpan(span, newSendError(CodeStoreFailure, 0, err))
	}

	switch claim {
	case store.ClaimCompleted:
		res := dispatch.Result()
		log.Debug().Str("provider", string(res.Provider)).Msg("returning cached result")
		span.SetAttributes(attribute.Bool("mailgate.cached", true))
		return res, nil
	case store.ClaimInProgress:
		return nil, failSpan(span, newSendError(CodeInProgress, 0,
			fmt.Errorf("dispatch %q is held by another caller", idempotencyKey)))
	}

	if c.config.Dispatch.CheckSuppression {
		addr, err := c.store.FirstSuppressed(ctx, recipientEmails(email))
		if err != nil {
			return nil, failSpan(span, newSendError(CodeStoreFailure, 0, err))
		}
		if addr != "" {
			se := newSendError(CodeRecipientSuppressed, 0,
				NewValidationError("to", "recipient "+addr+" is suppressed"))
			c.markFailed(ctx, idempotencyKey, se)
			return nil, failSpan(span, se)
		}
	}

	var result *SendResult
	var failures []ProviderType
	attempts, err := c.retry.Run(ctx, func(ctx context.Context, attempt int) error {
		name := c.selector.Select(failures)
		res, err := c.attempt(ctx, idempotencyKey, name, attempt, email)
		if err != nil {
			failures = append(failures, name)
			return err
		}
		result = res
		return nil
	})

	if err != nil {
		var se *SendError
		if !errors.As(err, &se) {
			se = newSendError(CodeProviderRejected, attempts, err)
		}
		if se.Provider == "" && len(failures) > 0 {
			se.Provider = failures[len(failures)-1]
		}

		log.Warn().Err(se.Cause).Str("code", string(se.Code)).Int("attempts", attempts).Msg("dispatch failed")
		c.markFailed(ctx, idempotencyKey, se)
		c.publishDeadLetter(ctx, idempotencyKey, email, se)
		return nil, failSpan(span, se)
	}

	result.Attempts = attempts
	if err := c.persistSent(context.WithoutCancel(ctx), idempotencyKey, result); err != nil {
		// The provider accepted the message; the caller still gets its id and
		// the attempt log completes the dispatch on its next claim.
		log.Error().Err(err).Str("message_id", result.MessageID).Msg("failed to persist sent dispatch")
	}

	span.SetAttributes(
		attribute.String("mailgate.provider", string(result.Provider)),
		attribute.String("mailgate.message_id", result.MessageID),
		attribute.Int("mailgate.attempts", attempts),
	)
	span.SetStatus(codes.Ok, "sent")
	log.Info().Str("provider", string(result.Provider)).Str("message_id", result.MessageID).
		Int("attempts", attempts).Msg("message sent")

	return result, nil
}

// persistSent writes the sent result, retrying transient store failures.
func (c *Client) persistSent(ctx context.Context, key string, result *SendResult) error {
	var err error
	for i := 0; i < markSentAttempts; i++ {
		if i > 0 {
			if werr := c.scheduler.Wait(ctx, time.Duration(i)*markSentBackoff); werr != nil {
				return err
			}
		}
		if err = c.store.MarkSent(ctx, key, result); err == nil {
			return nil
		}
		c.log.Warn().Err(err).Str("key", key).Int("try", i+1).Msg("marking dispatch sent")
	}
	return err
}

// attempt makes one provider call and records it. Breaker and rate limiter
// denials count as retryable attempts without a call.
func (c *Client) attempt(ctx context.Context, key string, name ProviderType, n int, email *Email) (*SendResult, error) {
	rec := &SendAttempt{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Provider:       name,
		AttemptNumber:  n,
		StartedAt:      c.now(),
		Outcome:        core.OutcomePending,
	}

	var res *SendResult
	var err error

	ps, ok := c.providers[name]
	switch {
	case !ok:
		err = &ConfigurationError{Provider: name, Setting: "providers", Message: "provider is not configured"}
	case !ps.breaker.Allow():
		err = &ProviderError{
			Provider:    name,
			Code:        codeCircuitOpen,
			Message:     "provider temporarily disabled",
			IsRetryable: true,
			Cause:       ErrCircuitBreakerOpen,
		}
	case !c.limiter.TryAcquire(name):
		err = NewRateLimitError(c.limiter.Window(name))
	default:
		callCtx, cancel := context.WithTimeout(ctx, ps.timeout)
		res, err = ps.adapter.Send(callCtx, email)
		cancel()

		if err == nil && (res == nil || res.MessageID == "") {
			err = core.NewProviderError(name, core.CodeInvalidResponse, "provider returned no message id")
		}
		if err != nil {
			var pe *ProviderError
			if !errors.As(err, &pe) {
				err = core.ClassifyTransportError(name, err)
			}
		}
		ps.breaker.Record(err != nil && IsRetryable(err))
	}

	rec.FinishedAt = c.now()
	switch {
	case err == nil:
		rec.Outcome = core.OutcomeSuccess
		rec.ProviderMessageID = res.MessageID
		res.Provider = name
		if res.Timestamp.IsZero() {
			res.Timestamp = rec.FinishedAt
		}
	case IsRetryable(err):
		rec.Outcome = core.OutcomeRetryableFailure
	default:
		rec.Outcome = core.OutcomePermanentFailure
	}
	rec.ErrorCode, rec.StatusCode = attemptErrorCode(err)

	if rerr := c.store.RecordAttempt(context.WithoutCancel(ctx), rec); rerr != nil {
		c.log.Error().Err(rerr).Str("key", key).Int("attempt", n).Msg("failed to record attempt")
	}

	c.log.Debug().
		Str("key", key).
		Str("provider", string(name)).
		Int("attempt", n).
		Str("outcome", string(rec.Outcome)).
		Str("error_code", rec.ErrorCode).
		Msg("send attempt finished")

	return res, err
}

func attemptErrorCode(err error) (string, int) {
	if err == nil {
		return "", 0
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, pe.StatusCode
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return "rate_limited_locally", 0
	}
	return string(codeFor(err)), 0
}

func (c *Client) markFailed(ctx context.Context, key string, se *SendError) {
	err := c.store.MarkFailed(context.WithoutCancel(ctx), key, se.Provider, se.Attempts, string(se.Code))
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("failed to persist failed dispatch")
	}
}

// publishDeadLetter hands a message that reached a provider-side dead end to
// the dead-letter sink. Caller cancellations are not dead-lettered.
func (c *Client) publishDeadLetter(ctx context.Context, key string, email *Email, se *SendError) {
	if c.deadLetter == nil || se.Code == CodeCanceled {
		return
	}

	dl := &DeadLetter{
		IdempotencyKey: key,
		Email:          email,
		Attempts:       se.Attempts,
		ErrorCode:      string(se.Code),
		LastProvider:   se.Provider,
		Permanent:      se.Permanent,
		FailedAt:       c.now().UTC(),
	}
	if se.Cause != nil {
		dl.LastError = se.Cause.Error()
	}

	if err := c.deadLetter.Publish(context.WithoutCancel(ctx), dl); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("failed to publish dead letter")
	}
}

func recipientEmails(email *Email) []string {
	all := email.AllRecipients()
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = core.NormalizeRecipient(a.Email)
	}
	return out
}

func failSpan(span trace.Span, se *SendError) *SendError {
	span.RecordError(se)
	span.SetStatus(codes.Error, string(se.Code))
	return se
}

// Dispatch returns the stored record of an idempotency key. It needs a store
// that can read dispatches back.
func (c *Client) Dispatch(ctx context.Context, key string) (*store.Dispatch, error) {
	r, ok := c.store.(interface {
		GetDispatch(ctx context.Context, key string) (*store.Dispatch, error)
	})
	if !ok {
		return nil, errors.New("store does not support dispatch lookup")
	}
	return r.GetDispatch(ctx, key)
}

// Ping checks that the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.store.(interface{ Ping() error }); ok {
		return p.Ping()
	}
	return nil
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// Breaker returns provider's circuit breaker.
func (c *Client) Breaker(provider ProviderType) (*CircuitBreaker, bool) {
	ps, ok := c.providers[provider]
	if !ok {
		return nil, false
	}
	return ps.breaker, true
}

// Providers returns the configured providers in preference order.
func (c *Client) Providers() []ProviderType {
	return c.config.ProviderNames()
}

// Close waits for in-flight calls and releases the client's resources.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.inflight.Wait()
	return c.closeResources()
}

func (c *Client) closeResources() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
