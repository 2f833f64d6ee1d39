// Package ratelimit enforces per-provider call budgets across rolling
// second, minute, and day windows with lazy rollover and cost accounting.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tickwise/quotagate/pkg/model"
)

// AlertSink receives alerts raised when usage thresholds are crossed.
// Implementations must be safe for concurrent use.
type AlertSink interface {
	Raise(provider string, alertType model.AlertType, message string, threshold, current float64)
}

// UsageWarningPct is the daily usage fraction at which a usage_warning
// alert is raised.
const UsageWarningPct = 0.8

// Limiter tracks call budgets for a set of providers. Each provider has its
// own lock, so admission for one provider is never serialized behind another.
type Limiter struct {
	clock  clockwork.Clock
	logger *slog.Logger
	sink   AlertSink

	mu        sync.RWMutex
	providers map[string]*providerState
}

type windowCounter struct {
	count int
	start time.Time
}

type providerState struct {
	mu       sync.Mutex
	cfg      model.ProviderConfig
	second   windowCounter
	minute   windowCounter
	day      windowCounter
	lastCall time.Time
	costUSD  float64

	// one alert of each kind per day
	warned       bool
	limitAlerted bool
}

// New creates a limiter for the given provider configurations. The sink may
// be nil, in which case threshold alerts are only logged.
func New(configs []model.ProviderConfig, clock clockwork.Clock, sink AlertSink, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	providers := make(map[string]*providerState, len(configs))
	for _, cfg := range configs {
		providers[cfg.ID] = &providerState{cfg: cfg}
	}
	return &Limiter{
		clock:     clock,
		logger:    logger,
		sink:      sink,
		providers: providers,
	}
}

// CanProceed reports whether a call to the provider is currently within all
// three window budgets. Counters whose window has elapsed are treated as
// zero; they are not physically reset until the next RecordCall.
func (l *Limiter) CanProceed(provider string) bool {
	st := l.state(provider)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock.Now()
	return st.effectiveCount(model.WindowSecond, now) < st.cfg.CallsPerSecond &&
		st.effectiveCount(model.WindowMinute, now) < st.cfg.CallsPerMinute &&
		st.effectiveCount(model.WindowDay, now) < st.cfg.CallsPerDay
}

// RecordCall counts a completed call against all windows, accrues cost, and
// returns the updated usage. batchItemCount is the number of quota units the
// call consumed (1 for a single lookup, N for a batch of N items).
func (l *Limiter) RecordCall(provider string, batchItemCount int) (model.UsageSnapshot, error) {
	st := l.state(provider)
	if st == nil {
		return model.UsageSnapshot{}, fmt.Errorf("unknown provider %q", provider)
	}
	if batchItemCount < 1 {
		batchItemCount = 1
	}

	st.mu.Lock()
	now := l.clock.Now()
	st.rollover(now)
	st.second.count += batchItemCount
	st.minute.count += batchItemCount
	st.day.count += batchItemCount
	st.lastCall = now
	st.costUSD += st.cfg.CostPerCall * float64(batchItemCount)

	snap := st.snapshotLocked(provider, now)

	var warn, exceeded bool
	if st.cfg.CallsPerDay > 0 {
		if snap.DailyUsed >= st.cfg.CallsPerDay && !st.limitAlerted {
			st.limitAlerted = true
			exceeded = true
		} else if snap.DailyPct >= UsageWarningPct && !st.warned {
			st.warned = true
			warn = true
		}
	}
	st.mu.Unlock()

	if warn {
		l.raise(provider, model.AlertUsageWarning,
			fmt.Sprintf("provider %s at %.0f%% of daily quota (%d/%d)", provider, snap.DailyPct*100, snap.DailyUsed, snap.DailyLimit),
			UsageWarningPct, snap.DailyPct)
	}
	if exceeded {
		l.raise(provider, model.AlertDailyLimitExceeded,
			fmt.Sprintf("provider %s daily quota exhausted (%d/%d)", provider, snap.DailyUsed, snap.DailyLimit),
			1.0, snap.DailyPct)
	}
	return snap, nil
}

// OptimalBatchSize returns how many items the next batch call should carry:
// the provider's configured batch size clamped to the remaining quota. A
// result of 0 means no capacity.
func (l *Limiter) OptimalBatchSize(provider string, remainingQuota int) int {
	st := l.state(provider)
	if st == nil || remainingQuota <= 0 {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	size := st.cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	if remainingQuota < size {
		size = remainingQuota
	}
	return size
}

// SeedDaily primes a provider's daily counter and accrued cost from
// persisted state, so a restart mid-day does not forget consumed quota.
func (l *Limiter) SeedDaily(provider string, used int, costUSD float64) {
	st := l.state(provider)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := l.clock.Now()
	st.rollover(now)
	st.day.count = used
	st.day.start = model.DayStart(now)
	st.costUSD = costUSD
}

// RemainingDailyQuota returns how many quota units the provider has left in
// the current UTC day.
func (l *Limiter) RemainingDailyQuota(provider string) int {
	st := l.state(provider)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	remaining := st.cfg.CallsPerDay - st.effectiveCount(model.WindowDay, l.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BindingWindow returns the narrowest window currently at or over its
// budget, walking second, minute, day, and whether any window binds.
func (l *Limiter) BindingWindow(provider string) (model.Window, bool) {
	st := l.state(provider)
	if st == nil {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := l.clock.Now()
	for _, w := range []model.Window{model.WindowSecond, model.WindowMinute, model.WindowDay} {
		if limit := st.cfg.Limit(w); limit > 0 && st.effectiveCount(w, now) >= limit {
			return w, true
		}
	}
	return "", false
}

// WaitDuration returns how long the caller must wait before the next call is
// permitted under the second-level limit. Whether to actually sleep is the
// caller's policy decision.
func (l *Limiter) WaitDuration(provider string) time.Duration {
	st := l.state(provider)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cfg.CallsPerSecond <= 0 || st.lastCall.IsZero() {
		return 0
	}
	interval := time.Second / time.Duration(st.cfg.CallsPerSecond)
	wait := interval - l.clock.Now().Sub(st.lastCall)
	if wait < 0 {
		return 0
	}
	return wait
}

// Snapshot returns current window usage and accrued cost for the provider.
func (l *Limiter) Snapshot(provider string) (model.UsageSnapshot, bool) {
	st := l.state(provider)
	if st == nil {
		return model.UsageSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked(provider, l.clock.Now()), true
}

// Providers returns the IDs of all configured providers.
func (l *Limiter) Providers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.providers))
	for id := range l.providers {
		ids = append(ids, id)
	}
	return ids
}

// Config returns the configuration for a provider.
func (l *Limiter) Config(provider string) (model.ProviderConfig, bool) {
	st := l.state(provider)
	if st == nil {
		return model.ProviderConfig{}, false
	}
	return st.cfg, true
}

func (l *Limiter) state(provider string) *providerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.providers[provider]
}

func (l *Limiter) raise(provider string, alertType model.AlertType, msg string, threshold, current float64) {
	l.logger.Warn("usage threshold crossed",
		"provider", provider,
		"alert_type", alertType,
		"threshold", threshold,
		"current", current,
	)
	if l.sink != nil {
		l.sink.Raise(provider, alertType, msg, threshold, current)
	}
}

// effectiveCount returns the window's count, treating an elapsed window as 0
// without mutating it.
func (s *providerState) effectiveCount(w model.Window, now time.Time) int {
	c := s.counter(w)
	if c.start.IsZero() || elapsed(w, c.start, now) {
		return 0
	}
	return c.count
}

// rollover physically resets any counter whose window boundary has passed.
// Called only under the provider lock, on the write path.
func (s *providerState) rollover(now time.Time) {
	for _, w := range []model.Window{model.WindowSecond, model.WindowMinute, model.WindowDay} {
		c := s.counter(w)
		if c.start.IsZero() || elapsed(w, c.start, now) {
			c.count = 0
			c.start = windowStart(w, now)
			if w == model.WindowDay {
				s.warned = false
				s.limitAlerted = false
			}
		}
	}
}

func (s *providerState) counter(w model.Window) *windowCounter {
	switch w {
	case model.WindowSecond:
		return &s.second
	case model.WindowMinute:
		return &s.minute
	default:
		return &s.day
	}
}

func (s *providerState) snapshotLocked(provider string, now time.Time) model.UsageSnapshot {
	snap := model.UsageSnapshot{
		Provider:   provider,
		SecondUsed: s.effectiveCount(model.WindowSecond, now),
		MinuteUsed: s.effectiveCount(model.WindowMinute, now),
		DailyUsed:  s.effectiveCount(model.WindowDay, now),
		DailyLimit: s.cfg.CallsPerDay,
		CostUSD:    s.costUSD,
		Timestamp:  now.UTC(),
	}
	if s.cfg.CallsPerDay > 0 {
		snap.DailyPct = float64(snap.DailyUsed) / float64(s.cfg.CallsPerDay)
	}
	return snap
}

// elapsed reports whether now has crossed the boundary of the window that
// started at start. Day windows roll over at UTC midnight, not 24h after
// the first call.
func elapsed(w model.Window, start, now time.Time) bool {
	if w == model.WindowDay {
		return !model.DayStart(now).Equal(model.DayStart(start))
	}
	return now.Sub(start) >= w.Duration()
}

func windowStart(w model.Window, now time.Time) time.Time {
	if w == model.WindowDay {
		return model.DayStart(now)
	}
	return now
}
