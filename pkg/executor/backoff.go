package executor

import (
	"sync"
	"time"
)

// Backoff defaults for globally rate-limited providers.
const (
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 60 * time.Second
	defaultBackoffFactor = 2.0
)

// Backoff tracks a shared exponential hold-off per provider. When a provider
// is rate limited at the provider side, every worker targeting it observes
// the same hold-off window instead of retrying in a herd. The delay doubles
// per consecutive rate limit, caps at Max, and resets on the next success.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	mu       sync.Mutex
	attempts map[string]int
	until    map[string]time.Time
}

// NewBackoff returns a backoff with the default 2s base and 60s cap.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:     DefaultBackoffBase,
		Max:      DefaultBackoffMax,
		Factor:   defaultBackoffFactor,
		attempts: make(map[string]int),
		until:    make(map[string]time.Time),
	}
}

// Ready reports whether the provider's hold-off window has passed.
func (b *Backoff) Ready(provider string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.until[provider])
}

// Fail registers a provider-side rate limit at time now and returns the
// hold-off applied before the next attempt.
func (b *Backoff) Fail(provider string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := float64(b.Base)
	for i := 0; i < b.attempts[provider]; i++ {
		delay *= b.Factor
		if delay >= float64(b.Max) {
			delay = float64(b.Max)
			break
		}
	}
	b.attempts[provider]++
	d := time.Duration(delay)
	b.until[provider] = now.Add(d)
	return d
}

// Remaining returns how much of the provider's hold-off is left at time now.
func (b *Backoff) Remaining(provider string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	left := b.until[provider].Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Reset clears the provider's hold-off after a success.
func (b *Backoff) Reset(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, provider)
	delete(b.until, provider)
}
