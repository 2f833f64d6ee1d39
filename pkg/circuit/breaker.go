// Package circuit implements a per-provider circuit breaker. A provider that
// fails repeatedly is cut off for a cooldown period, then probed with a
// limited number of calls before traffic is fully restored.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tickwise/quotagate/pkg/model"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// trips a closed circuit.
	DefaultFailureThreshold = 5

	// DefaultRecoveryTimeout is how long an open circuit rejects calls
	// before allowing a half-open probe.
	DefaultRecoveryTimeout = 60 * time.Second

	// successesToClose is the number of consecutive half-open successes
	// required before the circuit closes again.
	successesToClose = 3
)

// AlertSink receives an alert when a circuit trips open.
type AlertSink interface {
	Raise(provider string, alertType model.AlertType, message string, threshold, current float64)
}

// Options tune breaker behavior. Zero values fall back to defaults.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker tracks circuit state for any number of providers. Each provider
// has its own lock; state for one provider never blocks another.
type Breaker struct {
	clock            clockwork.Clock
	logger           *slog.Logger
	sink             AlertSink
	failureThreshold int
	recoveryTimeout  time.Duration

	mu        sync.RWMutex
	providers map[string]*state
}

type state struct {
	mu                   sync.Mutex
	kind                 model.CircuitStateKind
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	openUntil            time.Time

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	avgLatencyMS   float64
}

// New creates a breaker. The sink may be nil.
func New(opts Options, clock clockwork.Clock, sink AlertSink, logger *slog.Logger) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		clock:            clock,
		logger:           logger,
		sink:             sink,
		failureThreshold: opts.FailureThreshold,
		recoveryTimeout:  opts.RecoveryTimeout,
		providers:        make(map[string]*state),
	}
}

// Call invokes fn under the provider's circuit. While the circuit is open
// and the recovery timeout has not elapsed, fn is never invoked and a
// *model.CircuitOpenError is returned. Rate-limit rejections returned by fn
// pass through without moving the state machine; they are expected behavior,
// not provider faults.
func (b *Breaker) Call(provider string, fn func() (any, error)) (any, error) {
	st := b.state(provider)

	st.mu.Lock()
	now := b.clock.Now()
	if st.kind == model.CircuitOpen {
		if now.Before(st.openUntil) {
			openUntil := st.openUntil
			st.mu.Unlock()
			return nil, &model.CircuitOpenError{Provider: provider, OpenUntil: openUntil}
		}
		st.kind = model.CircuitHalfOpen
		st.consecutiveSuccesses = 0
		b.logger.Info("circuit half-open, probing provider", "provider", provider)
	}
	st.mu.Unlock()

	start := b.clock.Now()
	result, err := fn()
	latency := b.clock.Now().Sub(start)

	// Rate-limit rejections are expected behavior and caller-side
	// cancellations are not provider faults; neither moves the state machine.
	if err != nil {
		if model.Categorize(err) == model.ErrRateLimited ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}
	}

	if err != nil {
		b.recordFailure(provider, st, latency)
		return result, err
	}
	b.recordSuccess(provider, st, latency)
	return result, nil
}

// RecordOutcome feeds an externally observed call result into the state
// machine, for callers that cannot route the call through Call itself.
func (b *Breaker) RecordOutcome(provider string, success bool, latency time.Duration) {
	st := b.state(provider)
	if success {
		b.recordSuccess(provider, st, latency)
		return
	}
	b.recordFailure(provider, st, latency)
}

// Reset forces a provider's circuit back to CLOSED. Manual operator override.
func (b *Breaker) Reset(provider string) {
	st := b.state(provider)
	st.mu.Lock()
	st.kind = model.CircuitClosed
	st.consecutiveFailures = 0
	st.consecutiveSuccesses = 0
	st.openUntil = time.Time{}
	st.mu.Unlock()
	b.logger.Info("circuit manually reset", "provider", provider)
}

// GetState returns a read-only snapshot of a provider's circuit.
func (b *Breaker) GetState(provider string) model.CircuitState {
	st := b.state(provider)
	st.mu.Lock()
	defer st.mu.Unlock()
	return model.CircuitState{
		Provider:             provider,
		State:                st.kind,
		ConsecutiveFailures:  st.consecutiveFailures,
		ConsecutiveSuccesses: st.consecutiveSuccesses,
		LastFailureTime:      st.lastFailureTime,
		OpenUntil:            st.openUntil,
		TotalCalls:           st.totalCalls,
		TotalSuccesses:       st.totalSuccesses,
		TotalFailures:        st.totalFailures,
		AvgLatencyMS:         st.avgLatencyMS,
	}
}

// States returns snapshots for every provider the breaker has seen.
func (b *Breaker) States() map[string]model.CircuitState {
	b.mu.RLock()
	ids := make([]string, 0, len(b.providers))
	for id := range b.providers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	states := make(map[string]model.CircuitState, len(ids))
	for _, id := range ids {
		states[id] = b.GetState(id)
	}
	return states
}

// IsOpen reports whether the provider's circuit currently rejects calls.
func (b *Breaker) IsOpen(provider string) bool {
	st := b.state(provider)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.kind == model.CircuitOpen && b.clock.Now().Before(st.openUntil)
}

func (b *Breaker) state(provider string) *state {
	b.mu.RLock()
	st, ok := b.providers[provider]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.providers[provider]; ok {
		return st
	}
	st = &state{kind: model.CircuitClosed}
	b.providers[provider] = st
	return st
}

func (b *Breaker) recordSuccess(provider string, st *state, latency time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.totalCalls++
	st.totalSuccesses++
	st.observeLatency(latency)
	st.consecutiveFailures = 0
	st.consecutiveSuccesses++
	if st.kind == model.CircuitHalfOpen && st.consecutiveSuccesses >= successesToClose {
		st.kind = model.CircuitClosed
		st.openUntil = time.Time{}
		b.logger.Info("circuit closed after successful probes", "provider", provider)
	}
}

func (b *Breaker) recordFailure(provider string, st *state, latency time.Duration) {
	var opened bool
	var failures int

	st.mu.Lock()
	now := b.clock.Now()
	st.totalCalls++
	st.totalFailures++
	st.observeLatency(latency)
	st.consecutiveSuccesses = 0
	st.consecutiveFailures++
	st.lastFailureTime = now
	failures = st.consecutiveFailures

	switch st.kind {
	case model.CircuitHalfOpen:
		// A single failed probe re-opens the circuit.
		st.kind = model.CircuitOpen
		st.openUntil = now.Add(b.recoveryTimeout)
		opened = true
	case model.CircuitClosed:
		if st.consecutiveFailures >= b.failureThreshold {
			st.kind = model.CircuitOpen
			st.openUntil = now.Add(b.recoveryTimeout)
			opened = true
		}
	}
	st.mu.Unlock()

	if opened {
		b.logger.Warn("circuit opened",
			"provider", provider,
			"consecutive_failures", failures,
			"recovery_timeout", b.recoveryTimeout,
		)
		if b.sink != nil {
			b.sink.Raise(provider, model.AlertCircuitOpened,
				fmt.Sprintf("circuit opened for provider %s after %d consecutive failures", provider, failures),
				float64(b.failureThreshold), float64(failures))
		}
	}
}

// observeLatency updates the rolling average. Called under the state lock.
func (s *state) observeLatency(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	s.avgLatencyMS += (ms - s.avgLatencyMS) / float64(s.totalCalls)
}
