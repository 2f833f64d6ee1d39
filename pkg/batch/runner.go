// Package batch runs a recurring workload of many items through the
// fallback executor with bounded concurrency. One item exhausting its
// providers never aborts its siblings; the run completes with a per-item
// report.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/tickwise/quotagate/pkg/executor"
	"github.com/tickwise/quotagate/pkg/model"
	"github.com/tickwise/quotagate/pkg/provider"
	"github.com/tickwise/quotagate/pkg/usage"
)

// DefaultWorkers bounds concurrent items so the aggregate call rate stays
// within shared provider limits.
const DefaultWorkers = 4

// ItemResult is the outcome for one item in a run.
type ItemResult struct {
	ItemID   string        `json:"item_id"`
	Provider string        `json:"provider,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Report summarizes a completed run.
type Report struct {
	RunID     string                         `json:"run_id"`
	Op        model.OpType                   `json:"op"`
	Started   time.Time                      `json:"started"`
	Finished  time.Time                      `json:"finished"`
	Succeeded int                            `json:"succeeded"`
	Failed    int                            `json:"failed"`
	Results   []ItemResult                   `json:"results"`
	Usage     map[string]model.UsageSnapshot `json:"usage"`
}

// Options configure a Runner.
type Options struct {
	// Workers bounds concurrent items. Defaults to DefaultWorkers.
	Workers int

	// ItemTimeout bounds each item's fallback chain. Zero means inherit
	// only the run context's deadline.
	ItemTimeout time.Duration
}

// Runner drives batch acquisition runs.
type Runner struct {
	exec     *executor.Executor
	registry *provider.Registry
	metrics  *usage.MetricsStore
	clock    clockwork.Clock
	logger   *slog.Logger
	opts     Options
}

// NewRunner creates a runner.
func NewRunner(exec *executor.Executor, registry *provider.Registry, metrics *usage.MetricsStore, clock clockwork.Clock, logger *slog.Logger, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		exec:     exec,
		registry: registry,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
		opts:     opts,
	}
}

// Run processes every item through the fallback executor and returns the
// per-item report together with the per-provider usage summary. Worker
// goroutines never propagate item failures to the group; the only way the
// run stops early is cancellation of ctx.
func (r *Runner) Run(ctx context.Context, op model.OpType, items []string) *Report {
	report := &Report{
		RunID:   uuid.New().String(),
		Op:      op,
		Started: r.clock.Now().UTC(),
		Results: make([]ItemResult, len(items)),
	}

	providers := r.registry.ProvidersFor(op)
	r.logger.Info("batch run started",
		"run_id", report.RunID,
		"op", op,
		"items", len(items),
		"providers", len(providers),
		"workers", r.opts.Workers,
	)

	var mu sync.Mutex
	g, runCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for i, item := range items {
		g.Go(func() error {
			res := r.runItem(runCtx, op, item, providers)
			mu.Lock()
			report.Results[i] = res
			if res.Err == nil {
				report.Succeeded++
			} else {
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = r.clock.Now().UTC()
	report.Usage = r.metrics.Snapshots()

	r.logger.Info("batch run finished",
		"run_id", report.RunID,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration", report.Finished.Sub(report.Started),
	)
	return report
}

func (r *Runner) runItem(ctx context.Context, op model.OpType, item string, providers []provider.DataProvider) ItemResult {
	itemCtx := ctx
	if r.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, r.opts.ItemTimeout)
		defer cancel()
	}

	fns := make(map[string]executor.ProviderFn, len(providers))
	for _, p := range providers {
		fns[p.Name()] = func(c context.Context) (any, error) {
			return p.Fetch(c, provider.Request{Op: op, Symbols: []string{item}})
		}
	}

	start := r.clock.Now()
	_, used, err := r.exec.Execute(itemCtx, op, item, fns)
	res := ItemResult{
		ItemID:   item,
		Provider: used,
		Duration: r.clock.Now().Sub(start),
		Err:      err,
	}
	if err != nil {
		res.Error = err.Error()
		res.TimedOut = errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	}
	return res
}
