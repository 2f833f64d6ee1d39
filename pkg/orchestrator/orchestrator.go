// Package orchestrator wires the rate limiter, circuit breaker, credential
// rotation, router, and fallback executor into one value constructed at
// process start and passed explicitly to every consumer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tickwise/quotagate/pkg/alerts"
	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/credential"
	"github.com/tickwise/quotagate/pkg/executor"
	"github.com/tickwise/quotagate/pkg/model"
	"github.com/tickwise/quotagate/pkg/provider"
	"github.com/tickwise/quotagate/pkg/ratelimit"
	"github.com/tickwise/quotagate/pkg/router"
	"github.com/tickwise/quotagate/pkg/storage"
	"github.com/tickwise/quotagate/pkg/usage"
)

// Config assembles everything the orchestrator needs at construction.
type Config struct {
	Providers  []model.ProviderConfig
	Operations map[string][]model.OpType
	Keys       map[string][]string

	Circuit    circuit.Options
	Thresholds usage.Thresholds

	// WaitForQuota selects the executor's blocking policy for momentary
	// second-window exhaustion.
	WaitForQuota bool

	RequestTimeout time.Duration
	KeyParam       string
	AcquireRetries int
}

// Orchestrator is the top-level acquisition coordinator.
type Orchestrator struct {
	limiter  *ratelimit.Limiter
	breaker  *circuit.Breaker
	metrics  *usage.MetricsStore
	creds    *credential.Manager
	router   *router.Router
	exec     *executor.Executor
	registry *provider.Registry

	store      storage.Store
	dispatcher *alerts.Dispatcher
	clock      clockwork.Clock
	logger     *slog.Logger
	alertWG    sync.WaitGroup
}

// New builds and wires all components. The store may be nil, in which case
// state is in-memory only. notifiers may be empty.
func New(cfg Config, doer credential.HTTPDoer, store storage.Store, notifiers []alerts.Notifier, clock clockwork.Clock, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	metrics := usage.NewMetricsStore(cfg.Thresholds, clock, logger)
	limiter := ratelimit.New(cfg.Providers, clock, metrics, logger)
	breaker := circuit.New(cfg.Circuit, clock, metrics, logger)
	creds := credential.NewManager(cfg.Providers, cfg.Keys, doer, clock, nil, logger, credential.Options{
		KeyParam:       cfg.KeyParam,
		RequestTimeout: cfg.RequestTimeout,
		AcquireRetries: cfg.AcquireRetries,
	})
	rt := router.New(router.RulesFromConfigs(cfg.Providers, cfg.Operations), limiter, breaker, metrics, logger)
	exec := executor.New(rt, breaker, limiter, metrics, clock, logger, executor.Options{
		WaitForQuota: cfg.WaitForQuota,
	})

	o := &Orchestrator{
		limiter:    limiter,
		breaker:    breaker,
		metrics:    metrics,
		creds:      creds,
		router:     rt,
		exec:       exec,
		registry:   provider.NewRegistry(),
		store:      store,
		dispatcher: alerts.NewDispatcher(notifiers, logger),
		clock:      clock,
		logger:     logger,
	}

	if store == nil {
		logger.Warn("persistence unavailable, usage history and alerts are in-memory only")
	} else {
		o.restore()
	}

	metrics.SetHandler(o.onAlert)
	return o
}

// Execute runs one item through the fallback chain. See executor.Execute.
func (o *Orchestrator) Execute(ctx context.Context, op model.OpType, itemID string, fns map[string]executor.ProviderFn) (any, string, error) {
	return o.exec.Execute(ctx, op, itemID, fns)
}

// ExecuteBatch runs a chunk of items through one batch-capable provider
// call. See executor.ExecuteBatch.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, op model.OpType, itemIDs []string, fns map[string]executor.ProviderFn) (any, string, error) {
	return o.exec.ExecuteBatch(ctx, op, itemIDs, fns)
}

// RegisterProvider adds a data provider adapter.
func (o *Orchestrator) RegisterProvider(p provider.DataProvider) error {
	return o.registry.Register(p)
}

// GetUsageSummary returns one provider's merged usage, or every provider's
// when provider is empty.
func (o *Orchestrator) GetUsageSummary(provider string) map[string]model.UsageSnapshot {
	if provider == "" {
		return o.metrics.Snapshots()
	}
	out := make(map[string]model.UsageSnapshot, 1)
	if snap, ok := o.metrics.Snapshot(provider); ok {
		out[provider] = snap
	}
	return out
}

// GetAlerts returns alerts filtered by provider (empty for all) and
// resolution state.
func (o *Orchestrator) GetAlerts(provider string, resolved bool) []model.Alert {
	return o.metrics.Alerts(provider, resolved)
}

// GetCircuitStates returns a snapshot of every provider's breaker.
func (o *Orchestrator) GetCircuitStates() map[string]model.CircuitState {
	return o.breaker.States()
}

// Reprioritize recomputes routing order from observed health. Intended to
// be called on a schedule by an external scheduler.
func (o *Orchestrator) Reprioritize() {
	o.router.Reprioritize()
}

// ResetCircuit forces a provider's circuit closed. Operator override.
func (o *Orchestrator) ResetCircuit(provider string) {
	o.breaker.Reset(provider)
}

// ResolveAlert marks an alert resolved in memory and, when configured, in
// the persistent store.
func (o *Orchestrator) ResolveAlert(ctx context.Context, id string) error {
	if !o.metrics.Resolve(id) {
		return fmt.Errorf("alert %q not found", id)
	}
	if o.store != nil {
		if err := o.store.ResolveAlert(ctx, id); err != nil {
			o.logger.Warn("persist alert resolution failed", "alert_id", id, "error", err)
		}
	}
	return nil
}

// Credentials exposes the credential manager for provider adapters.
func (o *Orchestrator) Credentials() *credential.Manager { return o.creds }

// Executor exposes the fallback executor for batch consumers.
func (o *Orchestrator) Executor() *executor.Executor { return o.exec }

// Registry exposes the provider registry.
func (o *Orchestrator) Registry() *provider.Registry { return o.registry }

// Metrics exposes the usage metrics store.
func (o *Orchestrator) Metrics() *usage.MetricsStore { return o.metrics }

// Router exposes the provider router.
func (o *Orchestrator) Router() *router.Router { return o.router }

// RebuildRules refreshes routing rules from the registry's current
// operation support; call after registering providers.
func (o *Orchestrator) RebuildRules() {
	rules := router.RulesFromConfigs(o.providerConfigs(), o.registry.Operations())
	o.router.ReplaceRules(rules)
}

// Close waits out in-flight alert deliveries, then flushes usage to the
// store when configured.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.alertWG.Wait()
	if o.store == nil {
		return nil
	}
	for _, snap := range o.metrics.Snapshots() {
		if err := o.store.SaveUsage(ctx, snap); err != nil {
			o.logger.Warn("flush usage failed", "provider", snap.Provider, "error", err)
		}
	}
	return o.store.Close()
}

// onAlert persists and dispatches every newly raised alert off the raising
// goroutine. Alerts are advisory; the record path never waits on a storage
// write or a notifier round-trip. Close drains in-flight deliveries.
func (o *Orchestrator) onAlert(a model.Alert) {
	o.alertWG.Add(1)
	go func() {
		defer o.alertWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if o.store != nil {
			if err := o.store.SaveAlert(ctx, a); err != nil {
				o.logger.Warn("persist alert failed", "alert_id", a.ID, "error", err)
			}
		}
		o.dispatcher.Dispatch(ctx, a)
	}()
}

// restore seeds limiter counters and the alert log from the store so a
// restart mid-day does not forget consumed quota.
func (o *Orchestrator) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	day := model.DayStart(o.clock.Now()).Format("2006-01-02")
	snaps, err := o.store.LoadUsage(ctx, day)
	if err != nil {
		o.logger.Warn("load persisted usage failed", "error", err)
	}
	for _, snap := range snaps {
		o.limiter.SeedDaily(snap.Provider, snap.DailyUsed, snap.CostUSD)
		o.metrics.RecordUsage(snap)
	}

	open, err := o.store.ListAlerts(ctx, "", false)
	if err != nil {
		o.logger.Warn("load persisted alerts failed", "error", err)
		return
	}
	o.metrics.ImportAlerts(open)
	if len(snaps) > 0 || len(open) > 0 {
		o.logger.Info("restored persisted state", "usage_rows", len(snaps), "open_alerts", len(open))
	}
}

func (o *Orchestrator) providerConfigs() []model.ProviderConfig {
	ids := o.limiter.Providers()
	configs := make([]model.ProviderConfig, 0, len(ids))
	for _, id := range ids {
		if cfg, ok := o.limiter.Config(id); ok {
			configs = append(configs, cfg)
		}
	}
	return configs
}
