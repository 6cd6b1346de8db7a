package mailer

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"
)

// errMaxElapsed is the cancellation cause once a sequence runs out of time.
var errMaxElapsed = errors.New("attempt sequence exceeded its time ceiling")

// Scheduler delays the next attempt. Wait returns early with the context's
// error when ctx is done.
type Scheduler interface {
	Wait(ctx context.Context, d time.Duration) error
}

// TimerScheduler waits on a runtime timer.
type TimerScheduler struct{}

// Wait implements Scheduler.
func (TimerScheduler) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AttemptFunc performs attempt number attempt (1-based).
type AttemptFunc func(ctx context.Context, attempt int) error

// RetryController runs an attempt sequence: each attempt either succeeds,
// fails permanently or is scheduled again after a backoff delay.
type RetryController struct {
	config     RetryConfig
	maxElapsed time.Duration
	scheduler  Scheduler
}

// NewRetryController creates a controller. maxElapsed bounds the whole
// sequence; zero disables the bound. A nil scheduler uses TimerScheduler.
func NewRetryController(config RetryConfig, maxElapsed time.Duration, scheduler Scheduler) *RetryController {
	if scheduler == nil {
		scheduler = TimerScheduler{}
	}
	return &RetryController{
		config:     config,
		maxElapsed: maxElapsed,
		scheduler:  scheduler,
	}
}

// Run executes fn until it succeeds or the sequence ends. It returns the
// number of attempts made and, on failure, a *SendError.
func (r *RetryController) Run(ctx context.Context, fn AttemptFunc) (int, error) {
	if r.maxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.maxElapsed, errMaxElapsed)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		if ctx.Err() != nil {
			return attempt, contextFailure(ctx, attempt, err)
		}

		if !IsRetryable(err) {
			return attempt, newSendError(codeFor(err), attempt, err)
		}

		if attempt >= r.config.MaxAttempts {
			return attempt, newSendError(CodeRetriesExhausted, attempt, err)
		}

		delay := r.Delay(attempt - 1)
		if ra := GetRetryAfter(err); ra > 0 {
			if r.config.RetryAfterCeiling > 0 && ra > r.config.RetryAfterCeiling {
				return attempt, newSendError(CodeRetryAfterTooLong, attempt, err)
			}
			delay = ra
		}

		if werr := r.scheduler.Wait(ctx, delay); werr != nil {
			return attempt, contextFailure(ctx, attempt, err)
		}
	}
}

// contextFailure classifies a sequence stopped by its context. last is the
// error of the final attempt. Running past the sequence's own time ceiling
// is terminal; a caller deadline is not.
func contextFailure(ctx context.Context, attempt int, last error) *SendError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return newSendError(CodeCanceled, attempt, last)
	}
	se := newSendError(CodeDeadlineExceeded, attempt, last)
	se.Permanent = errors.Is(context.Cause(ctx), errMaxElapsed)
	return se
}

// Delay returns the backoff before retry n (0-based):
// min(InitialDelay * Multiplier^n + jitter, MaxDelay).
// Jitter stays below the gap to the next step, so delays never decrease.
func (r *RetryController) Delay(n int) time.Duration {
	base := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(n))

	if r.config.Jitter {
		spread := base * math.Min(0.1, r.config.Multiplier-1)
		if maxJitter := int64(spread); maxJitter > 0 {
			if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
				base += float64(j.Int64())
			}
		}
	}

	if base >= float64(r.config.MaxDelay) || math.IsInf(base, 0) || math.IsNaN(base) {
		return r.config.MaxDelay
	}
	return time.Duration(base)
}

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// CircuitBreakerClosed indicates the circuit breaker is closed (normal operation).
	CircuitBreakerClosed CircuitBreakerState = iota

	// CircuitBreakerOpen indicates the circuit breaker is open (blocking requests).
	CircuitBreakerOpen

	// CircuitBreakerHalfOpen indicates the circuit breaker is half-open (testing recovery).
	CircuitBreakerHalfOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks the health of one provider. Only retryable failures
// count against it.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	successCount int
	lastFailTime time.Time
	openedAt     time.Time
	now          func() time.Time
	mutex        sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker. A nil clock uses time.Now.
func NewCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitBreakerClosed,
		now:    now,
	}
}

// Allow reports whether a call may proceed, moving an open breaker to
// half-open once its timeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false
		}
		cb.state = CircuitBreakerHalfOpen
		cb.successCount = 0
		return true
	default:
		return true
	}
}

// Available reports whether Allow would admit a call, without changing state.
func (cb *CircuitBreaker) Available() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state != CircuitBreakerOpen || cb.now().Sub(cb.openedAt) >= cb.config.Timeout
}

// Record records the outcome of a call that Allow admitted.
func (cb *CircuitBreaker) Record(failed bool) {
	if !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	if failed {
		if cb.state == CircuitBreakerClosed && cb.config.ResetTimeout > 0 && now.Sub(cb.lastFailTime) >= cb.config.ResetTimeout {
			cb.failureCount = 0
		}
		cb.failureCount++
		cb.lastFailTime = now

		if cb.state == CircuitBreakerHalfOpen ||
			(cb.state == CircuitBreakerClosed && cb.failureCount >= cb.config.FailureThreshold) {
			cb.state = CircuitBreakerOpen
			cb.openedAt = now
		}
		return
	}

	cb.successCount++
	switch cb.state {
	case CircuitBreakerHalfOpen:
		if cb.successCount >= max(cb.config.SuccessThreshold, 1) {
			cb.state = CircuitBreakerClosed
			cb.failureCount = 0
		}
	case CircuitBreakerClosed:
		cb.failureCount = 0
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// FailureCount returns the current failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failureCount
}
