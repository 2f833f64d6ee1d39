// Package router ranks candidate providers per operation type and selects
// the best one eligible under current circuit and quota state.
package router

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/model"
	"github.com/tickwise/quotagate/pkg/ratelimit"
	"github.com/tickwise/quotagate/pkg/usage"
)

// ErrNoProviderAvailable is returned by SelectProvider when no candidate is
// currently eligible for the operation.
var ErrNoProviderAvailable = errors.New("no provider available")

// Rule binds a provider to an operation type with its routing parameters.
type Rule struct {
	Provider  string
	Priority  int
	BatchSize int
	Cost      float64
}

// Weights of the reprioritization score.
const (
	weightSuccess = 0.5
	weightSpeed   = 0.3
	weightCost    = 0.2
)

// Router holds ordered rule sets per operation type. Rule order starts at
// the configured priorities and drifts as Reprioritize folds in observed
// health, so consistently failing or slow providers sink without being
// removed.
type Router struct {
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
	metrics *usage.MetricsStore
	logger  *slog.Logger

	mu       sync.RWMutex
	rules    map[model.OpType][]Rule
	statuses map[string]model.ServiceStatus
	disabled map[string]bool
}

// New creates a router. Rules for each operation are sorted by ascending
// priority number (lower number = tried first).
func New(rules map[model.OpType][]Rule, limiter *ratelimit.Limiter, breaker *circuit.Breaker, metrics *usage.MetricsStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	ordered := make(map[model.OpType][]Rule, len(rules))
	for op, rs := range rules {
		rs = append([]Rule(nil), rs...)
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
		ordered[op] = rs
	}
	return &Router{
		limiter:  limiter,
		breaker:  breaker,
		metrics:  metrics,
		logger:   logger,
		rules:    ordered,
		statuses: make(map[string]model.ServiceStatus),
		disabled: make(map[string]bool),
	}
}

// RulesFromConfigs builds per-operation rule sets from provider configs and
// a map of which operations each provider supports.
func RulesFromConfigs(configs []model.ProviderConfig, ops map[string][]model.OpType) map[model.OpType][]Rule {
	rules := make(map[model.OpType][]Rule)
	for _, cfg := range configs {
		for _, op := range ops[cfg.ID] {
			rules[op] = append(rules[op], Rule{
				Provider:  cfg.ID,
				Priority:  cfg.Priority,
				BatchSize: cfg.BatchSize,
				Cost:      cfg.CostPerCall,
			})
		}
	}
	return rules
}

// ReplaceRules swaps in a new rule set, sorted by ascending priority.
// Observed statuses are kept.
func (r *Router) ReplaceRules(rules map[model.OpType][]Rule) {
	ordered := make(map[model.OpType][]Rule, len(rules))
	for op, rs := range rules {
		rs = append([]Rule(nil), rs...)
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
		ordered[op] = rs
	}
	r.mu.Lock()
	r.rules = ordered
	r.mu.Unlock()
}

// SelectProvider returns the first eligible rule for the operation, walking
// the current order. A provider is skipped when it is disabled, its circuit
// is open, its quota is exhausted, or the item count exceeds its batch size.
func (r *Router) SelectProvider(op model.OpType, itemCount int) (Rule, error) {
	if itemCount < 1 {
		itemCount = 1
	}

	r.mu.RLock()
	rules := r.rules[op]
	r.mu.RUnlock()

	for _, rule := range rules {
		if r.isDisabled(rule.Provider) {
			continue
		}
		if r.breaker.IsOpen(rule.Provider) {
			continue
		}
		if !r.limiter.CanProceed(rule.Provider) {
			r.setStatus(rule.Provider, model.StatusRateLimited)
			continue
		}
		if itemCount > 1 && itemCount > rule.BatchSize {
			continue
		}
		return rule, nil
	}
	return Rule{}, ErrNoProviderAvailable
}

// Candidates returns every rule for the operation in current order,
// regardless of eligibility. The fallback executor uses this to build its
// try-in-order list.
func (r *Router) Candidates(op model.OpType) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules[op]...)
}

// RecordOutcome feeds one observed call result into the circuit breaker and
// metrics store and refreshes the provider's derived status. Callers that
// already route calls through the breaker should use ObserveStatus instead,
// so the breaker is not fed twice.
func (r *Router) RecordOutcome(provider string, success bool, latency time.Duration, category model.ErrorCategory) {
	r.breaker.RecordOutcome(provider, success, latency)
	r.metrics.RecordOutcome(model.RequestOutcome{
		Provider: provider,
		Success:  success,
		Latency:  latency,
		Category: category,
	})
	r.ObserveStatus(provider, success, category)
}

// ObserveStatus refreshes the derived ServiceStatus from a call outcome.
func (r *Router) ObserveStatus(provider string, success bool, category model.ErrorCategory) {
	switch {
	case success:
		r.setStatus(provider, model.StatusActive)
	case category == model.ErrRateLimited:
		r.setStatus(provider, model.StatusRateLimited)
	default:
		r.setStatus(provider, model.StatusError)
	}
}

// Status returns the provider's current derived status.
func (r *Router) Status(provider string) model.ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disabled[provider] {
		return model.StatusDisabled
	}
	if s, ok := r.statuses[provider]; ok {
		return s
	}
	return model.StatusActive
}

// SetEnabled manually enables or disables a provider in routing decisions.
func (r *Router) SetEnabled(provider string, enabled bool) {
	r.mu.Lock()
	r.disabled[provider] = !enabled
	r.mu.Unlock()
	r.logger.Info("provider routing toggled", "provider", provider, "enabled", enabled)
}

// Reprioritize recomputes rule order per operation from observed health:
// success_rate*0.5 + normalized_speed*0.3 + normalized_cost*0.2, descending.
// Meant to run on a schedule, not per call.
func (r *Router) Reprioritize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for op, rules := range r.rules {
		if len(rules) < 2 {
			continue
		}

		maxLatency, maxCost := 0.0, 0.0
		for _, rule := range rules {
			if snap, ok := r.metrics.Snapshot(rule.Provider); ok && snap.AvgLatencyMS > maxLatency {
				maxLatency = snap.AvgLatencyMS
			}
			if rule.Cost > maxCost {
				maxCost = rule.Cost
			}
		}

		scores := make(map[string]float64, len(rules))
		for _, rule := range rules {
			scores[rule.Provider] = r.score(rule, maxLatency, maxCost)
		}

		reordered := append([]Rule(nil), rules...)
		sort.SliceStable(reordered, func(i, j int) bool {
			return scores[reordered[i].Provider] > scores[reordered[j].Provider]
		})
		r.rules[op] = reordered

		r.logger.Debug("reprioritized providers", "op", op, "order", orderOf(reordered))
	}
}

// score computes the weighted health score for one rule. Providers without
// history score as fully healthy so new providers start at their configured
// position.
func (r *Router) score(rule Rule, maxLatency, maxCost float64) float64 {
	successRate := 1.0
	speed := 1.0
	cost := 1.0

	if rate, ok := r.metrics.SuccessRate(rule.Provider); ok {
		successRate = rate
	}
	if snap, ok := r.metrics.Snapshot(rule.Provider); ok && maxLatency > 0 {
		speed = 1.0 - snap.AvgLatencyMS/maxLatency
	}
	if maxCost > 0 {
		cost = 1.0 - rule.Cost/maxCost
	}
	return successRate*weightSuccess + speed*weightSpeed + cost*weightCost
}

func (r *Router) isDisabled(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[provider]
}

func (r *Router) setStatus(provider string, s model.ServiceStatus) {
	r.mu.Lock()
	r.statuses[provider] = s
	r.mu.Unlock()
}

func orderOf(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, rule := range rules {
		out[i] = rule.Provider
	}
	return out
}
