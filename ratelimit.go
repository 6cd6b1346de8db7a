package mailer

import (
	"sync"
	"time"
)

// RateLimitWindow is a snapshot of one provider's limiter state.
type RateLimitWindow struct {
	Provider    ProviderType
	WindowStart time.Time
	Count       int
	Limit       int
	Window      time.Duration
}

// admissionLog remembers the last limit admission times in a ring.
type admissionLog struct {
	limit  int
	window time.Duration
	times  []time.Time
	head   int // oldest entry once the ring is full
	n      int
}

// RateLimiter enforces a per-provider call budget. An admission at t is
// allowed only if fewer than limit admissions happened in (t-window, t], so
// no window-sized interval ever holds more than limit admissions.
// TryAcquire never blocks or queues.
type RateLimiter struct {
	mu   sync.Mutex
	logs map[ProviderType]*admissionLog
	now  func() time.Time
}

// NewRateLimiter creates a limiter for the given budgets. Providers without
// a positive limit are unlimited. A nil clock uses time.Now.
func NewRateLimiter(limits map[ProviderType]RateLimitConfig, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}

	rl := &RateLimiter{
		logs: make(map[ProviderType]*admissionLog, len(limits)),
		now:  now,
	}
	for name, cfg := range limits {
		if cfg.Limit <= 0 || cfg.Window <= 0 {
			continue
		}
		rl.logs[name] = &admissionLog{
			limit:  cfg.Limit,
			window: cfg.Window,
			times:  make([]time.Time, cfg.Limit),
		}
	}
	return rl
}

// TryAcquire admits one call to provider if its budget allows.
func (rl *RateLimiter) TryAcquire(provider ProviderType) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.logs[provider]
	if !ok {
		return true
	}

	now := rl.now()
	if l.n < l.limit {
		l.times[(l.head+l.n)%l.limit] = now
		l.n++
		return true
	}

	if now.Sub(l.times[l.head]) < l.window {
		return false
	}
	l.times[l.head] = now
	l.head = (l.head + 1) % l.limit
	return true
}

// Window returns the current state of provider's budget. Unlimited
// providers report a zero Limit.
func (rl *RateLimiter) Window(provider ProviderType) RateLimitWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := RateLimitWindow{Provider: provider}
	l, ok := rl.logs[provider]
	if !ok {
		return w
	}

	now := rl.now()
	w.Limit = l.limit
	w.Window = l.window
	w.WindowStart = now.Add(-l.window)
	for i := 0; i < l.n; i++ {
		if now.Sub(l.times[(l.head+i)%l.limit]) < l.window {
			w.Count++
		}
	}
	return w
}
