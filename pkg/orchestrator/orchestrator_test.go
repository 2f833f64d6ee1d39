package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwise/quotagate/pkg/alerts"
	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/executor"
	"github.com/tickwise/quotagate/pkg/model"
	"github.com/tickwise/quotagate/pkg/orchestrator"
	"github.com/tickwise/quotagate/pkg/provider"
	"github.com/tickwise/quotagate/pkg/storage"
	"github.com/tickwise/quotagate/pkg/usage"
)

type noopDoer struct{}

func (noopDoer) Do(context.Context, string, string, map[string]string, time.Duration) (int, []byte, error) {
	return 200, []byte(`{"ok":true}`), nil
}

func orchConfig() orchestrator.Config {
	providers := []model.ProviderConfig{
		{ID: "alpha", Priority: 1, CallsPerSecond: 10, CallsPerMinute: 100, CallsPerDay: 1000, BatchSize: 50, CostPerCall: 0.001},
		{ID: "bravo", Priority: 2, CallsPerSecond: 10, CallsPerMinute: 100, CallsPerDay: 1000, BatchSize: 50, CostPerCall: 0.002},
	}
	return orchestrator.Config{
		Providers: providers,
		Operations: map[string][]model.OpType{
			"alpha": {model.OpPriceLookup},
			"bravo": {model.OpPriceLookup},
		},
		Keys:       map[string][]string{"alpha": {"k1"}, "bravo": {"k2"}},
		Circuit:    circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute},
		Thresholds: usage.Thresholds{},
	}
}

func newOrchestrator(t *testing.T, store storage.Store) *orchestrator.Orchestrator {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return orchestrator.New(orchConfig(), noopDoer{}, store, nil, clock, logger)
}

func TestOrchestrator_ExecuteFallsBack(t *testing.T) {
	o := newOrchestrator(t, nil)

	fns := map[string]executor.ProviderFn{
		"alpha": func(context.Context) (any, error) { return nil, errors.New("down") },
		"bravo": func(context.Context) (any, error) { return "payload", nil },
	}

	result, used, err := o.Execute(context.Background(), model.OpPriceLookup, "AAPL", fns)
	require.NoError(t, err)
	assert.Equal(t, "payload", result)
	assert.Equal(t, "bravo", used)

	summary := o.GetUsageSummary("")
	assert.Equal(t, int64(1), summary["bravo"].Successes)
	assert.Equal(t, int64(1), summary["alpha"].Failures)
}

func TestOrchestrator_CircuitStateVisible(t *testing.T) {
	o := newOrchestrator(t, nil)

	fns := map[string]executor.ProviderFn{
		"alpha": func(context.Context) (any, error) { return nil, errors.New("down") },
	}
	for i := 0; i < 3; i++ {
		_, _, _ = o.Execute(context.Background(), model.OpPriceLookup, "AAPL", fns)
	}

	states := o.GetCircuitStates()
	require.Contains(t, states, "alpha")
	assert.Equal(t, model.CircuitOpen, states["alpha"].State)

	// circuit_opened alert raised through the metrics store.
	var found bool
	for _, a := range o.GetAlerts("alpha", false) {
		if a.Type == model.AlertCircuitOpened {
			found = true
		}
	}
	assert.True(t, found)

	o.ResetCircuit("alpha")
	assert.Equal(t, model.CircuitClosed, o.GetCircuitStates()["alpha"].State)
}

func TestOrchestrator_RegisterProviderAndRebuildRules(t *testing.T) {
	o := newOrchestrator(t, nil)

	rest := provider.NewREST(provider.RESTConfig{
		Name: "alpha",
		Endpoints: map[model.OpType]string{
			model.OpPriceLookup:  "https://api.example.com/quote",
			model.OpFundamentals: "https://api.example.com/overview",
		},
	}, o.Credentials(), clockwork.NewFakeClock())
	require.NoError(t, o.RegisterProvider(rest))

	o.RebuildRules()

	// Fundamentals routes exist now that the registry declared support.
	candidates := o.Router().Candidates(model.OpFundamentals)
	require.Len(t, candidates, 1)
	assert.Equal(t, "alpha", candidates[0].Provider)
}

func TestOrchestrator_PersistsAndRestoresState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)

	o := newOrchestrator(t, store)
	fns := map[string]executor.ProviderFn{
		"alpha": func(context.Context) (any, error) { return "ok", nil },
	}
	for i := 0; i < 5; i++ {
		_, _, err := o.Execute(context.Background(), model.OpPriceLookup, "AAPL", fns)
		require.NoError(t, err)
	}
	require.NoError(t, o.Close(context.Background()))

	// A fresh orchestrator over the same store resumes mid-day counters.
	store, err = storage.NewSQLite(dbPath)
	require.NoError(t, err)
	o2 := newOrchestrator(t, store)
	defer o2.Close(context.Background())

	summary := o2.GetUsageSummary("alpha")
	require.Contains(t, summary, "alpha")
	assert.Equal(t, 5, summary["alpha"].DailyUsed)
}

type blockingNotifier struct {
	release chan struct{}
	got     chan model.Alert
}

func (n *blockingNotifier) Name() string { return "blocking" }

func (n *blockingNotifier) Send(_ context.Context, a model.Alert) error {
	<-n.release
	n.got <- a
	return nil
}

func TestOrchestrator_AlertDispatchDoesNotBlockRaise(t *testing.T) {
	n := &blockingNotifier{release: make(chan struct{}), got: make(chan model.Alert, 1)}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	o := orchestrator.New(orchConfig(), noopDoer{}, nil, []alerts.Notifier{n}, clock, logger)

	done := make(chan struct{})
	go func() {
		o.Metrics().Raise("alpha", model.AlertUsageWarning, "80% of daily quota", 0.8, 0.81)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("raising an alert blocked on the notifier")
	}

	close(n.release)
	select {
	case a := <-n.got:
		assert.Equal(t, model.AlertUsageWarning, a.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was never dispatched")
	}

	// Close drains any in-flight deliveries before returning.
	require.NoError(t, o.Close(context.Background()))
}

func TestOrchestrator_ResolveAlert(t *testing.T) {
	o := newOrchestrator(t, nil)

	o.Metrics().Raise("alpha", model.AlertUsageWarning, "80% of quota", 0.8, 0.81)
	active := o.GetAlerts("alpha", false)
	require.Len(t, active, 1)

	require.NoError(t, o.ResolveAlert(context.Background(), active[0].ID))
	assert.Empty(t, o.GetAlerts("alpha", false))

	assert.Error(t, o.ResolveAlert(context.Background(), "no-such-id"))
}
