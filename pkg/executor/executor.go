// Package executor runs one unit of work against an ordered provider
// fallback chain, absorbing per-provider failures so that a batch of items
// never aborts because one item exhausted its candidates.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/model"
	"github.com/tickwise/quotagate/pkg/ratelimit"
	"github.com/tickwise/quotagate/pkg/router"
	"github.com/tickwise/quotagate/pkg/usage"
)

// ProviderFn performs the operation against one provider.
type ProviderFn func(ctx context.Context) (any, error)

// Options tune fallback behavior.
type Options struct {
	// WaitForQuota selects the blocking policy when a provider's
	// second-level budget is momentarily exhausted: wait out the gap
	// (bounded by the caller's context) instead of skipping the provider.
	WaitForQuota bool
}

// Executor coordinates the router, breaker, limiter, and metrics store for
// each item's fallback chain.
type Executor struct {
	router  *router.Router
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	metrics *usage.MetricsStore
	backoff *Backoff
	clock   clockwork.Clock
	logger  *slog.Logger
	opts    Options
}

// New creates an executor.
func New(rt *router.Router, br *circuit.Breaker, lim *ratelimit.Limiter, ms *usage.MetricsStore, clock clockwork.Clock, logger *slog.Logger, opts Options) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		router:  rt,
		breaker: br,
		limiter: lim,
		metrics: ms,
		backoff: NewBackoff(),
		clock:   clock,
		logger:  logger,
		opts:    opts,
	}
}

// Execute performs the operation for a single item against the best
// available provider, falling back through the candidate list. It returns
// the first successful result and the provider that produced it. When every
// candidate fails, the returned error is a *model.ExhaustedError carrying
// the per-provider detail; it is a value for the caller to branch on, and
// sibling items are unaffected.
func (e *Executor) Execute(ctx context.Context, op model.OpType, itemID string, fns map[string]ProviderFn) (any, string, error) {
	return e.run(ctx, op, itemID, 1, fns)
}

// ExecuteBatch is Execute for a chunk of items fetched in one provider
// call. Providers whose batch size cannot cover the chunk are skipped, and
// quota accounting charges one unit per item.
func (e *Executor) ExecuteBatch(ctx context.Context, op model.OpType, itemIDs []string, fns map[string]ProviderFn) (any, string, error) {
	if len(itemIDs) == 0 {
		return nil, "", fmt.Errorf("empty batch for %s", op)
	}
	return e.run(ctx, op, fmt.Sprintf("batch[%s..+%d]", itemIDs[0], len(itemIDs)-1), len(itemIDs), fns)
}

func (e *Executor) run(ctx context.Context, op model.OpType, itemID string, itemCount int, fns map[string]ProviderFn) (any, string, error) {
	attempts := make(map[string]error)

	for _, provider := range e.candidates(op, itemCount, fns) {
		if err := ctx.Err(); err != nil {
			// Caller-side timeout, reported distinctly from provider faults.
			return nil, "", fmt.Errorf("%s %q timed out: %w", op, itemID, err)
		}

		fn := fns[provider]

		if !e.backoff.Ready(provider, e.clock.Now()) {
			// Upstream hold-off, not a local window.
			attempts[provider] = &model.RateLimitError{
				Provider:   provider,
				RetryAfter: e.backoff.Remaining(provider, e.clock.Now()),
			}
			continue
		}

		if err := e.admit(ctx, provider); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, "", fmt.Errorf("%s %q timed out: %w", op, itemID, ctxErr)
			}
			attempts[provider] = err
			e.metrics.RecordOutcome(model.RequestOutcome{
				Provider: provider,
				ItemID:   itemID,
				Category: model.ErrRateLimited,
			})
			e.router.ObserveStatus(provider, false, model.ErrRateLimited)
			continue
		}

		start := e.clock.Now()
		result, err := e.breaker.Call(provider, func() (any, error) { return fn(ctx) })
		latency := e.clock.Now().Sub(start)

		if model.IsCircuitOpen(err) {
			// Rejected without a call; no quota consumed, nothing to record.
			attempts[provider] = err
			continue
		}

		// The provider was actually invoked, so the call counts against its
		// budget whether or not it succeeded.
		if snap, recErr := e.limiter.RecordCall(provider, itemCount); recErr == nil {
			e.metrics.RecordUsage(snap)
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, "", fmt.Errorf("%s %q timed out: %w", op, itemID, ctxErr)
			}
			category := model.Categorize(err)
			attempts[provider] = err
			e.metrics.RecordOutcome(model.RequestOutcome{
				Provider: provider,
				ItemID:   itemID,
				Latency:  latency,
				Category: category,
			})
			e.router.ObserveStatus(provider, false, category)
			if category == model.ErrRateLimited {
				hold := e.backoff.Fail(provider, e.clock.Now())
				e.logger.Debug("provider rate limited upstream, backing off",
					"provider", provider, "hold", hold)
			}
			e.logger.Debug("provider attempt failed, falling back",
				"provider", provider, "op", op, "item", itemID, "error", err)
			continue
		}

		e.metrics.RecordOutcome(model.RequestOutcome{
			Provider: provider,
			ItemID:   itemID,
			Success:  true,
			Latency:  latency,
			Category: model.ErrNone,
		})
		e.router.ObserveStatus(provider, true, model.ErrNone)
		e.backoff.Reset(provider)
		return result, provider, nil
	}

	e.metrics.Raise("", model.AlertAllProvidersExhausted,
		fmt.Sprintf("all providers exhausted for %s %q", op, itemID), 0, float64(len(attempts)))
	return nil, "", &model.ExhaustedError{Op: op, ItemID: itemID, Attempts: attempts}
}

// admit enforces the local quota. Under the blocking policy it waits out a
// second-window gap (cancellable); otherwise, or when waiting cannot help,
// it returns a *model.RateLimitError.
func (e *Executor) admit(ctx context.Context, provider string) error {
	if e.limiter.CanProceed(provider) {
		return nil
	}

	wait := e.limiter.WaitDuration(provider)
	if e.opts.WaitForQuota && wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(wait):
		}
		if e.limiter.CanProceed(provider) {
			return nil
		}
	}
	window, _ := e.limiter.BindingWindow(provider)
	return &model.RateLimitError{Provider: provider, Window: window, RetryAfter: wait}
}

// candidates merges the router's priority order with current health:
// providers with closed circuits first in priority order, open circuits
// last, restricted to providers the caller supplied a fn for. Providers
// with a fn but no routing rule are appended after ruled candidates.
func (e *Executor) candidates(op model.OpType, itemCount int, fns map[string]ProviderFn) []string {
	var healthy, unhealthy []string
	seen := make(map[string]bool, len(fns))

	for _, rule := range e.router.Candidates(op) {
		if _, ok := fns[rule.Provider]; !ok {
			continue
		}
		seen[rule.Provider] = true
		if itemCount > 1 && itemCount > rule.BatchSize {
			// Known but ineligible for a chunk this large; must not
			// reappear through the unruled bucket.
			continue
		}
		if e.breaker.IsOpen(rule.Provider) {
			unhealthy = append(unhealthy, rule.Provider)
		} else {
			healthy = append(healthy, rule.Provider)
		}
	}

	var unruled []string
	for provider := range fns {
		if !seen[provider] {
			unruled = append(unruled, provider)
		}
	}
	sort.Strings(unruled)

	out := append(healthy, unruled...)
	return append(out, unhealthy...)
}

// OptimalBatchSize returns the rate limiter's chunking advice for the
// provider given its remaining daily quota.
func (e *Executor) OptimalBatchSize(provider string) int {
	return e.limiter.OptimalBatchSize(provider, e.limiter.RemainingDailyQuota(provider))
}
