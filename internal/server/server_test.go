package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwise/quotagate/internal/server"
	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/executor"
	"github.com/tickwise/quotagate/pkg/model"
	"github.com/tickwise/quotagate/pkg/orchestrator"
	"github.com/tickwise/quotagate/pkg/usage"
)

type stubDoer struct{}

func (stubDoer) Do(context.Context, string, string, map[string]string, time.Duration) (int, []byte, error) {
	return 200, []byte(`{}`), nil
}

func newTestServer(t *testing.T) (*server.Server, *orchestrator.Orchestrator) {
	t.Helper()
	cfg := orchestrator.Config{
		Providers: []model.ProviderConfig{
			{ID: "alpha", Priority: 1, CallsPerSecond: 10, CallsPerMinute: 100, CallsPerDay: 1000, BatchSize: 25, CostPerCall: 0.001},
		},
		Operations: map[string][]model.OpType{"alpha": {model.OpPriceLookup}},
		Keys:       map[string][]string{"alpha": {"key"}},
		Circuit:    circuit.Options{FailureThreshold: 2, RecoveryTimeout: time.Minute},
		Thresholds: usage.Thresholds{},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	o := orchestrator.New(cfg, stubDoer{}, nil, nil, clock, logger)
	return server.New(o, logger), o
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Usage(t *testing.T) {
	srv, o := newTestServer(t)

	fns := map[string]executor.ProviderFn{
		"alpha": func(context.Context) (any, error) { return "ok", nil },
	}
	_, _, err := o.Execute(context.Background(), model.OpPriceLookup, "AAPL", fns)
	require.NoError(t, err)

	rec := get(t, srv.Handler(), "/api/v1/usage?provider=alpha")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]model.UsageSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "alpha")
	assert.Equal(t, 1, body["alpha"].DailyUsed)
	assert.Equal(t, int64(1), body["alpha"].Successes)
}

func TestServer_AlertsListAndResolve(t *testing.T) {
	srv, o := newTestServer(t)

	o.Metrics().Raise("alpha", model.AlertUsageWarning, "80% of daily quota", 0.8, 0.82)

	rec := get(t, srv.Handler(), "/api/v1/alerts?provider=alpha")
	require.Equal(t, http.StatusOK, rec.Code)

	var active []model.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)

	rec = post(t, srv.Handler(), "/api/v1/alerts/"+active[0].ID+"/resolve")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv.Handler(), "/api/v1/alerts?provider=alpha&resolved=true")
	var resolved []model.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Len(t, resolved, 1)
}

func TestServer_ResolveUnknownAlert(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := post(t, srv.Handler(), "/api/v1/alerts/nonexistent/resolve")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CircuitsAndReset(t *testing.T) {
	srv, o := newTestServer(t)

	fns := map[string]executor.ProviderFn{
		"alpha": func(context.Context) (any, error) { return nil, errors.New("down") },
	}
	for i := 0; i < 2; i++ {
		_, _, _ = o.Execute(context.Background(), model.OpPriceLookup, "AAPL", fns)
	}

	rec := get(t, srv.Handler(), "/api/v1/circuits")
	require.Equal(t, http.StatusOK, rec.Code)

	var states map[string]model.CircuitState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Contains(t, states, "alpha")
	assert.Equal(t, model.CircuitOpen, states["alpha"].State)

	rec = post(t, srv.Handler(), "/api/v1/circuits/alpha/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.CircuitClosed, o.GetCircuitStates()["alpha"].State)
}

func TestServer_Reprioritize(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := post(t, srv.Handler(), "/api/v1/reprioritize")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"reprioritized"}`, rec.Body.String())
}
