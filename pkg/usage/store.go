// Package usage aggregates per-provider call outcomes and quota consumption
// into queryable running totals, and raises advisory alerts when health
// thresholds are crossed.
package usage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tickwise/quotagate/pkg/model"
)

// Thresholds configure the advisory health alerts. Zero values disable the
// corresponding check.
type Thresholds struct {
	// SuccessRateFloor raises low_success_rate when a provider's success
	// rate drops below this fraction (after minSampleCalls calls).
	SuccessRateFloor float64

	// LatencyCeiling raises high_latency when the rolling average latency
	// exceeds this duration.
	LatencyCeiling time.Duration
}

// minSampleCalls is how many calls a provider must have before the success
// rate floor is evaluated, so a single early failure does not alert.
const minSampleCalls = 20

// AlertHandler receives every newly raised alert, e.g. for dispatch to
// external notifiers. Handlers must not block.
type AlertHandler func(model.Alert)

// MetricsStore keeps per-provider running totals, the latest quota snapshot,
// and the alert log. All methods are safe for concurrent use.
type MetricsStore struct {
	clock      clockwork.Clock
	logger     *slog.Logger
	thresholds Thresholds
	handler    AlertHandler

	mu        sync.RWMutex
	providers map[string]*providerTotals
	alerts    []model.Alert
}

type providerTotals struct {
	totalCalls     int64
	successes      int64
	failures       int64
	rateLimited    int64
	latencySamples int64
	avgLatencyMS   float64
	lastSnapshot   model.UsageSnapshot

	// suppression flags so each health alert fires once until recovery
	lowSuccessAlerted  bool
	highLatencyAlerted bool
}

// NewMetricsStore creates an empty store.
func NewMetricsStore(thresholds Thresholds, clock clockwork.Clock, logger *slog.Logger) *MetricsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsStore{
		clock:      clock,
		logger:     logger,
		thresholds: thresholds,
		providers:  make(map[string]*providerTotals),
	}
}

// SetHandler installs the handler invoked for every newly raised alert.
func (s *MetricsStore) SetHandler(h AlertHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// RecordUsage stores the latest quota snapshot for a provider, typically the
// return value of the rate limiter's RecordCall.
func (s *MetricsStore) RecordUsage(snap model.UsageSnapshot) {
	s.mu.Lock()
	t := s.totals(snap.Provider)
	t.lastSnapshot = snap
	s.mu.Unlock()

	providerUsage.WithLabelValues(snap.Provider, string(model.WindowSecond)).Set(float64(snap.SecondUsed))
	providerUsage.WithLabelValues(snap.Provider, string(model.WindowMinute)).Set(float64(snap.MinuteUsed))
	providerUsage.WithLabelValues(snap.Provider, string(model.WindowDay)).Set(float64(snap.DailyUsed))
	providerDailyPct.WithLabelValues(snap.Provider).Set(snap.DailyPct)
}

// RecordOutcome folds one call outcome into the provider's running totals
// and evaluates the health thresholds.
func (s *MetricsStore) RecordOutcome(o model.RequestOutcome) {
	s.mu.Lock()
	t := s.totals(o.Provider)
	t.totalCalls++
	switch {
	case o.Success:
		t.successes++
	case o.Category == model.ErrRateLimited:
		t.rateLimited++
	default:
		t.failures++
	}
	// Outcomes with no latency made no network call (quota or circuit
	// rejections); they must not dilute the rolling average.
	if o.Latency > 0 {
		t.latencySamples++
		ms := float64(o.Latency.Milliseconds())
		t.avgLatencyMS += (ms - t.avgLatencyMS) / float64(t.latencySamples)
	}
	avg := t.avgLatencyMS

	pending := s.checkThresholdsLocked(o.Provider, t)
	s.mu.Unlock()

	callsTotal.WithLabelValues(o.Provider, string(o.Category)).Inc()
	avgLatency.WithLabelValues(o.Provider).Set(avg)

	for _, a := range pending {
		s.append(a)
	}
}

// Raise records an alert originating outside the store (rate limiter
// thresholds, circuit trips, exhausted fallback chains).
func (s *MetricsStore) Raise(provider string, alertType model.AlertType, message string, threshold, current float64) {
	s.append(model.Alert{
		ID:        uuid.New().String(),
		Provider:  provider,
		Type:      alertType,
		Message:   message,
		Threshold: threshold,
		Current:   current,
		CreatedAt: s.clock.Now().UTC(),
	})
}

// Snapshot returns the merged usage view for one provider. Calling it twice
// with no intervening writes returns identical values.
func (s *MetricsStore) Snapshot(provider string) (model.UsageSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.providers[provider]
	if !ok {
		return model.UsageSnapshot{}, false
	}
	return t.merged(provider), true
}

// Snapshots returns the merged usage view for every known provider, keyed by
// provider ID.
func (s *MetricsStore) Snapshots() map[string]model.UsageSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.UsageSnapshot, len(s.providers))
	for id, t := range s.providers {
		out[id] = t.merged(id)
	}
	return out
}

// SuccessRate returns the provider's lifetime success rate and whether any
// calls have been recorded.
func (s *MetricsStore) SuccessRate(provider string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.providers[provider]
	if !ok || t.totalCalls == 0 {
		return 0, false
	}
	return float64(t.successes) / float64(t.totalCalls), true
}

// Alerts returns alerts filtered by provider (empty for all) and resolution
// state, newest first.
func (s *MetricsStore) Alerts(provider string, resolved bool) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.Resolved != resolved {
			continue
		}
		if provider != "" && a.Provider != provider {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Resolve marks the alert with the given ID resolved. It reports whether the
// alert was found.
func (s *MetricsStore) Resolve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Resolved = true
			return true
		}
	}
	return false
}

// ImportAlerts seeds the alert log, used when restoring persisted state.
func (s *MetricsStore) ImportAlerts(alerts []model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts...)
}

func (s *MetricsStore) append(a model.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	handler := s.handler
	s.mu.Unlock()

	alertsTotal.WithLabelValues(a.Provider, string(a.Type)).Inc()
	s.logger.Warn("alert raised",
		"provider", a.Provider,
		"type", a.Type,
		"message", a.Message,
	)
	if handler != nil {
		handler(a)
	}
}

// checkThresholdsLocked evaluates health floors for one provider and returns
// alerts to append after the lock is released.
func (s *MetricsStore) checkThresholdsLocked(provider string, t *providerTotals) []model.Alert {
	var pending []model.Alert
	now := s.clock.Now().UTC()

	if floor := s.thresholds.SuccessRateFloor; floor > 0 && t.totalCalls >= minSampleCalls {
		rate := float64(t.successes) / float64(t.totalCalls)
		if rate < floor && !t.lowSuccessAlerted {
			t.lowSuccessAlerted = true
			pending = append(pending, model.Alert{
				ID:        uuid.New().String(),
				Provider:  provider,
				Type:      model.AlertLowSuccessRate,
				Message:   fmt.Sprintf("provider %s success rate %.1f%% below floor %.1f%%", provider, rate*100, floor*100),
				Threshold: floor,
				Current:   rate,
				CreatedAt: now,
			})
		} else if rate >= floor {
			t.lowSuccessAlerted = false
		}
	}

	if ceiling := s.thresholds.LatencyCeiling; ceiling > 0 {
		ceilingMS := float64(ceiling.Milliseconds())
		if t.avgLatencyMS > ceilingMS && !t.highLatencyAlerted {
			t.highLatencyAlerted = true
			pending = append(pending, model.Alert{
				ID:        uuid.New().String(),
				Provider:  provider,
				Type:      model.AlertHighLatency,
				Message:   fmt.Sprintf("provider %s average latency %.0fms above ceiling %.0fms", provider, t.avgLatencyMS, ceilingMS),
				Threshold: ceilingMS,
				Current:   t.avgLatencyMS,
				CreatedAt: now,
			})
		} else if t.avgLatencyMS <= ceilingMS {
			t.highLatencyAlerted = false
		}
	}

	return pending
}

// totals returns the provider's bucket, creating it if needed. Called under
// the write lock.
func (s *MetricsStore) totals(provider string) *providerTotals {
	t, ok := s.providers[provider]
	if !ok {
		t = &providerTotals{}
		s.providers[provider] = t
	}
	return t
}

func (t *providerTotals) merged(provider string) model.UsageSnapshot {
	snap := t.lastSnapshot
	snap.Provider = provider
	snap.TotalCalls = t.totalCalls
	snap.Successes = t.successes
	snap.Failures = t.failures
	snap.RateLimited = t.rateLimited
	snap.AvgLatencyMS = t.avgLatencyMS
	return snap
}
