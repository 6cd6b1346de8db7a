package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lattiq/mailgate/internal/core"
	"github.com/lattiq/mailgate/internal/secrets"
	"github.com/lattiq/mailgate/internal/store"
)

// scriptedProvider fails its calls with the scripted errors in order, then
// succeeds.
type scriptedProvider struct {
	name     ProviderType
	mu       sync.Mutex
	script   []error
	calls    int
	events   []*DeliveryEvent
	parseErr error
}

func (p *scriptedProvider) Send(_ context.Context, _ *Email) (*SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if i := p.calls - 1; i < len(p.script) && p.script[i] != nil {
		return nil, p.script[i]
	}
	return &SendResult{MessageID: fmt.Sprintf("%s-msg-%d", p.name, p.calls)}, nil
}

func (p *scriptedProvider) ParseWebhook(context.Context, []byte, http.Header) ([]*DeliveryEvent, error) {
	return p.events, p.parseErr
}

func (p *scriptedProvider) ValidateConfig() error { return nil }

func (p *scriptedProvider) Name() ProviderType { return p.name }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type captureSink struct {
	mu      sync.Mutex
	letters []*DeadLetter
}

func (s *captureSink) Publish(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *captureSink) Letters() []*DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DeadLetter(nil), s.letters...)
}

type testEnv struct {
	client *Client
	store  *store.SQLiteStore
	sched  *recordingScheduler
	dlq    *captureSink
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{store: st, sched: &recordingScheduler{}, dlq: &captureSink{}}

	base := []Option{
		WithStore(st),
		WithScheduler(env.sched),
		WithDeadLetterSink(env.dlq),
		WithSecretStore(secrets.StaticStore{}),
		WithRetry(3, 100*time.Millisecond, time.Second, 2),
		WithoutTracing(),
	}
	client, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	env.client = client
	return env
}

func receipt() *Email {
	return &Email{
		From:     Address{Name: "Shop", Email: "shop@example.com"},
		To:       []Address{{Email: "a@example.com"}},
		Subject:  "Your receipt",
		TextBody: "Thanks for your order.",
	}
}

func serverError(p ProviderType) error {
	return core.ClassifyStatus(p, http.StatusServiceUnavailable, "unavailable")
}

func TestSendIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t, WithProviderAdapter(p))

	first, err := env.client.Send(ctx, receipt(), "order-1")
	require.NoError(t, err)
	require.Equal(t, "postmark-msg-1", first.MessageID)
	require.Equal(t, ProviderPostmark, first.Provider)
	require.Equal(t, 1, first.Attempts)
	require.False(t, first.Cached)

	second, err := env.client.Send(ctx, receipt(), "order-1")
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.MessageID, second.MessageID)
	require.Equal(t, 1, p.Calls())

	attempts, err := env.store.ListAttempts(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, core.OutcomeSuccess, attempts[0].Outcome)
	require.Equal(t, "postmark-msg-1", attempts[0].ProviderMessageID)
}

func TestSendConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t, WithProviderAdapter(p))

	var wg sync.WaitGroup
	var sent, inProgress atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.client.Send(ctx, receipt(), "order-7")
			switch {
			case err == nil && !res.Cached:
				sent.Add(1)
			case errors.Is(err, &SendError{Code: CodeInProgress}):
				inProgress.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), sent.Load())
	require.Equal(t, 1, p.Calls())
}

func TestSendRetriesThroughPostmark(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Postmark-Server-Token"))
		assert.True(t, strings.HasPrefix(r.UserAgent(), "mailgate/"), r.UserAgent())
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ErrorCode":429,"Message":"Rate limit exceeded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ErrorCode":0,"Message":"OK","MessageID":"pm-123"}`))
	}))
	defer srv.Close()

	base := 100 * time.Millisecond
	env := newTestEnv(t,
		WithProvider(ProviderPostmark, ProviderSettings{"base_url": srv.URL}),
		WithSecretStore(secrets.StaticStore{"postmark_api_key": "tok"}),
		WithRetry(3, base, 10*base, 2),
	)

	res, err := env.client.Send(context.Background(), receipt(), "order-2")
	require.NoError(t, err)
	require.Equal(t, "pm-123", res.MessageID)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, int32(3), calls.Load())

	var total time.Duration
	for _, d := range env.sched.Delays() {
		total += d
	}
	require.GreaterOrEqual(t, total, 3*base)

	attempts, err := env.store.ListAttempts(context.Background(), "order-2")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, core.OutcomeRetryableFailure, attempts[0].Outcome)
	require.Equal(t, http.StatusTooManyRequests, attempts[0].StatusCode)
	require.Equal(t, core.OutcomeSuccess, attempts[2].Outcome)
}

func TestSendPermanentFailure(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{
		name:   ProviderSendGrid,
		script: []error{core.ClassifyStatus(ProviderSendGrid, http.StatusUnauthorized, "bad key")},
	}
	env := newTestEnv(t, WithProviderAdapter(p))

	_, err := env.client.Send(ctx, receipt(), "order-3")
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, CodeProviderAuth, se.Code)
	require.True(t, se.Permanent)
	require.Equal(t, ProviderSendGrid, se.Provider)
	require.Equal(t, 1, se.Attempts)
	require.Equal(t, 1, p.Calls())
	require.Empty(t, env.sched.Delays())

	d, err := env.store.GetDispatch(ctx, "order-3")
	require.NoError(t, err)
	require.Equal(t, store.DispatchFailed, d.State)
	require.Equal(t, string(CodeProviderAuth), d.ErrorCode)

	letters := env.dlq.Letters()
	require.Len(t, letters, 1)
	require.Equal(t, "order-3", letters[0].IdempotencyKey)
	require.True(t, letters[0].Permanent)
	require.Equal(t, "Your receipt", letters[0].Email.Subject)
}

func TestSendAllProvidersDown(t *testing.T) {
	ctx := context.Background()
	primary := &scriptedProvider{name: ProviderPostmark, script: []error{serverError(ProviderPostmark), serverError(ProviderPostmark)}}
	secondary := &scriptedProvider{name: ProviderSES, script: []error{serverError(ProviderSES)}}
	env := newTestEnv(t, WithProviderAdapter(primary), WithProviderAdapter(secondary), WithFailover(1))

	_, err := env.client.Send(ctx, receipt(), "order-4")
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, CodeRetriesExhausted, se.Code)
	require.True(t, se.Permanent)
	require.Equal(t, 3, se.Attempts)
	require.Equal(t, ProviderPostmark, se.Provider)
	require.Equal(t, 2, primary.Calls())
	require.Equal(t, 1, secondary.Calls())
	require.Len(t, env.dlq.Letters(), 1)

	// A failed dispatch can be sent again under the same key.
	res, err := env.client.Send(ctx, receipt(), "order-4")
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, ProviderPostmark, res.Provider)
}

func TestSendFailsOver(t *testing.T) {
	primary := &scriptedProvider{name: ProviderMailgun, script: []error{serverError(ProviderMailgun)}}
	secondary := &scriptedProvider{name: ProviderSendGrid}
	env := newTestEnv(t, WithProviderAdapter(primary), WithProviderAdapter(secondary))

	res, err := env.client.Send(context.Background(), receipt(), "order-5")
	require.NoError(t, err)
	require.Equal(t, ProviderSendGrid, res.Provider)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []time.Duration{100 * time.Millisecond}, env.sched.Delays())
}

func TestSendPrimaryOnly(t *testing.T) {
	primary := &scriptedProvider{name: ProviderMailgun, script: []error{serverError(ProviderMailgun)}}
	secondary := &scriptedProvider{name: ProviderSendGrid}
	env := newTestEnv(t, WithProviderAdapter(primary), WithProviderAdapter(secondary), WithPrimaryOnly())

	res, err := env.client.Send(context.Background(), receipt(), "order-6")
	require.NoError(t, err)
	require.Equal(t, ProviderMailgun, res.Provider)
	require.Zero(t, secondary.Calls())
}

func TestSendSkipsOpenBreaker(t *testing.T) {
	ctx := context.Background()
	primary := &scriptedProvider{name: ProviderMailgun, script: []error{serverError(ProviderMailgun)}}
	secondary := &scriptedProvider{name: ProviderSendGrid}
	env := newTestEnv(t,
		WithProviderAdapter(primary),
		WithProviderAdapter(secondary),
		WithCircuitBreaker(1, 1, time.Hour),
	)

	_, err := env.client.Send(ctx, receipt(), "order-8")
	require.NoError(t, err)

	cb, ok := env.client.Breaker(ProviderMailgun)
	require.True(t, ok)
	require.Equal(t, CircuitBreakerOpen, cb.State())

	res, err := env.client.Send(ctx, receipt(), "order-9")
	require.NoError(t, err)
	require.Equal(t, ProviderSendGrid, res.Provider)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, primary.Calls())
}

func TestSendRateLimitedLocally(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t,
		WithProviderAdapter(p),
		WithRateLimit(ProviderPostmark, 1, time.Hour),
		WithRetry(2, 10*time.Millisecond, 100*time.Millisecond, 2),
	)

	_, err := env.client.Send(ctx, receipt(), "order-10")
	require.NoError(t, err)

	_, err = env.client.Send(ctx, receipt(), "order-11")
	require.ErrorIs(t, err, &SendError{Code: CodeRetriesExhausted})
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 1, p.Calls())

	attempts, err := env.store.ListAttempts(ctx, "order-11")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, "rate_limited_locally", attempts[0].ErrorCode)
}

func TestSendSuppressedRecipient(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t, WithProviderAdapter(p), WithSuppressionCheck(true))

	bounce := &DeliveryEvent{
		Provider:        ProviderPostmark,
		ProviderEventID: "evt-1",
		Type:            EventBouncedPermanent,
		Recipient:       "a@example.com",
	}
	_, err := env.store.ApplyOnce(ctx, bounce, func(ctx context.Context, tx store.EventTx) error {
		return tx.InvalidateRecipient(ctx, "a@example.com", "hard bounce")
	})
	require.NoError(t, err)

	_, err = env.client.Send(ctx, receipt(), "order-12")
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, CodeRecipientSuppressed, se.Code)
	require.True(t, se.Permanent)
	require.Zero(t, p.Calls())
	require.Empty(t, env.dlq.Letters())
}

func TestSendInvalidMessage(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t, WithProviderAdapter(p), WithMaxAttachmentBytes(4))

	_, err := env.client.Send(ctx, receipt(), " ")
	require.ErrorIs(t, err, &SendError{Code: CodeInvalidMessage})

	noSubject := receipt()
	noSubject.Subject = ""
	_, err = env.client.Send(ctx, noSubject, "order-13")
	require.ErrorIs(t, err, &SendError{Code: CodeInvalidMessage})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "subject", ve.Field)

	big := receipt()
	big.Attachments = []Attachment{{Filename: "a.txt", Content: []byte("too large")}}
	_, err = env.client.Send(ctx, big, "order-14")
	require.ErrorIs(t, err, &SendError{Code: CodePayloadTooLarge})

	require.Zero(t, p.Calls())
}

func TestSendInProgress(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t, WithProviderAdapter(p))

	claim, _, err := env.store.ClaimDispatch(ctx, "order-15", time.Hour)
	require.NoError(t, err)
	require.Equal(t, store.ClaimAcquired, claim)

	_, err = env.client.Send(ctx, receipt(), "order-15")
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, CodeInProgress, se.Code)
	require.False(t, se.Permanent)
	require.Zero(t, p.Calls())
}

func TestSendAfterClose(t *testing.T) {
	p := &scriptedProvider{name: ProviderPostmark}
	env := newTestEnv(t, WithProviderAdapter(p))
	require.NoError(t, env.client.Close())
	require.NoError(t, env.client.Close())

	_, err := env.client.Send(context.Background(), receipt(), "order-16")
	require.ErrorIs(t, err, &SendError{Code: CodeClientClosed})
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(DefaultConfig(), WithSecretStore(secrets.StaticStore{}), WithStorePath(store.MemoryPath))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "providers", ve.Field)

	_, err = New(DefaultConfig(),
		WithProvider("smtp", nil),
		WithSecretStore(secrets.StaticStore{}),
		WithStorePath(store.MemoryPath),
	)
	require.ErrorAs(t, err, &ve)

	// Postmark without a server token.
	_, err = New(DefaultConfig(),
		WithProvider(ProviderPostmark, ProviderSettings{}),
		WithSecretStore(secrets.StaticStore{}),
		WithStorePath(store.MemoryPath),
	)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ProviderPostmark, ce.Provider)
}

func TestNewOwnsStore(t *testing.T) {
	client, err := New(DefaultConfig(),
		WithProvider(ProviderPostmark, ProviderSettings{}),
		WithSecretStore(secrets.StaticStore{"postmark_api_key": "tok"}),
		WithStorePath(store.MemoryPath),
		WithoutTracing(),
	)
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))
	require.Equal(t, []ProviderType{ProviderPostmark}, client.Providers())
	require.NoError(t, client.Close())
}

// flakySentStore fails the first failures MarkSent writes.
type flakySentStore struct {
	DispatchStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakySentStore) MarkSent(ctx context.Context, key string, res *SendResult) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return errors.New("database is locked")
	}
	return s.DispatchStore.MarkSent(ctx, key, res)
}

func TestSendRetriesMarkSent(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	flaky := &flakySentStore{DispatchStore: st, failures: markSentAttempts - 1}
	env := newTestEnv(t, WithProviderAdapter(p), WithStore(flaky))

	res, err := env.client.Send(ctx, receipt(), "order-17")
	require.NoError(t, err)
	require.Equal(t, "postmark-msg-1", res.MessageID)
	require.Equal(t, markSentAttempts, flaky.calls)
	require.Equal(t, []time.Duration{markSentBackoff, 2 * markSentBackoff}, env.sched.Delays())

	d, err := st.GetDispatch(ctx, "order-17")
	require.NoError(t, err)
	require.Equal(t, store.DispatchSent, d.State)

	again, err := env.client.Send(ctx, receipt(), "order-17")
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, 1, p.Calls())
}

func TestSendNeverResendsUnpersistedSuccess(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{name: ProviderPostmark}
	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broken := &flakySentStore{DispatchStore: st, failures: 1 << 30}
	env := newTestEnv(t, WithProviderAdapter(p), WithStore(broken), WithClaimLease(time.Millisecond))

	first, err := env.client.Send(ctx, receipt(), "order-18")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// The lease has lapsed; the attempt log still holds the accepted send.
	second, err := env.client.Send(ctx, receipt(), "order-18")
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.MessageID, second.MessageID)
	require.Equal(t, 1, p.Calls())
}

func TestSendTimeoutFailsOver(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	secondary := &scriptedProvider{name: ProviderSES}
	env := newTestEnv(t,
		WithTimeout(50*time.Millisecond),
		WithProvider(ProviderPostmark, ProviderSettings{"base_url": srv.URL}),
		WithProviderAdapter(secondary),
		WithSecretStore(secrets.StaticStore{"postmark_api_key": "tok"}),
		WithFailover(1),
	)

	start := time.Now()
	res, err := env.client.Send(context.Background(), receipt(), "order-19")
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, ProviderSES, res.Provider)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, secondary.Calls())

	attempts, err := env.store.ListAttempts(context.Background(), "order-19")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, ProviderPostmark, attempts[0].Provider)
	require.Equal(t, core.OutcomeRetryableFailure, attempts[0].Outcome)
	require.Equal(t, core.CodeTimeout, attempts[0].ErrorCode)
	require.Equal(t, core.OutcomeSuccess, attempts[1].Outcome)
}

func TestProviderOptionsApplyInAnyOrder(t *testing.T) {
	env := newTestEnv(t,
		WithTimeout(3*time.Second),
		WithRateLimit(ProviderMailgun, 5, time.Second),
		WithProviderAdapter(&scriptedProvider{name: ProviderMailgun}),
		WithProviderAdapter(&scriptedProvider{name: ProviderSES}),
	)

	mg, ok := env.client.config.Provider(ProviderMailgun)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, mg.Timeout)
	require.Equal(t, RateLimitConfig{Limit: 5, Window: time.Second}, mg.RateLimit)

	ses, ok := env.client.config.Provider(ProviderSES)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, ses.Timeout)

	_, err := New(DefaultConfig(),
		WithRateLimit(ProviderSendGrid, 5, time.Second),
		WithProviderAdapter(&scriptedProvider{name: ProviderMailgun}),
		WithSecretStore(secrets.StaticStore{}),
		WithStorePath(store.MemoryPath),
	)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ProviderSendGrid, ce.Provider)
}

// scopeRecorder records the instrumentation scopes tracers are requested for.
type scopeRecorder struct {
	noop.TracerProvider
	mu     sync.Mutex
	scopes []string
}

func (p *scopeRecorder) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	p.mu.Lock()
	p.scopes = append(p.scopes, name)
	p.mu.Unlock()
	return p.TracerProvider.Tracer(name, opts...)
}

func TestTracerUsesServiceName(t *testing.T) {
	prev := otel.GetTracerProvider()
	rec := &scopeRecorder{}
	otel.SetTracerProvider(rec)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	config := DefaultConfig()
	config.Monitoring.Tracing.ServiceName = "billing-mailer"
	client, err := New(config,
		WithProviderAdapter(&scriptedProvider{name: ProviderPostmark}),
		WithSecretStore(secrets.StaticStore{}),
		WithStorePath(store.MemoryPath),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Contains(t, rec.scopes, "billing-mailer")
}
