package credential_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwise/quotagate/pkg/credential"
	"github.com/tickwise/quotagate/pkg/model"
)

type fakeDoer struct {
	status int
	body   []byte
	err    error

	calls  int
	params []map[string]string
}

func (d *fakeDoer) Do(_ context.Context, _, _ string, params map[string]string, _ time.Duration) (int, []byte, error) {
	d.calls++
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	d.params = append(d.params, copied)
	return d.status, d.body, d.err
}

func poolConfig(id string) model.ProviderConfig {
	return model.ProviderConfig{
		ID:             id,
		Priority:       1,
		CallsPerSecond: 10,
		CallsPerMinute: 2,
		CallsPerDay:    100,
	}
}

func newTestManager(t *testing.T, doer *fakeDoer, keys map[string][]string) (*credential.Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := credential.NewManager([]model.ProviderConfig{poolConfig("alpha")}, keys, doer, clock, nil, logger, credential.Options{})
	return mgr, clock
}

func TestManager_AcquirePrefersMostHeadroom(t *testing.T) {
	doer := &fakeDoer{status: 200, body: []byte(`{"ok":true}`)}
	mgr, _ := newTestManager(t, doer, map[string][]string{"alpha": {"key-a", "key-b"}})

	// Consume one call on whichever key is picked first; the next call must
	// rotate to the other key, which now has more daily headroom.
	_, err := mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
	require.NoError(t, err)
	_, err = mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
	require.NoError(t, err)

	require.Len(t, doer.params, 2)
	assert.NotEqual(t, doer.params[0]["apikey"], doer.params[1]["apikey"])
}

func TestManager_SkipsKeyAtMinuteLimit(t *testing.T) {
	doer := &fakeDoer{status: 200, body: []byte(`{"ok":true}`)}
	mgr, _ := newTestManager(t, doer, map[string][]string{"alpha": {"key-a", "key-b"}})

	// Four calls at 2/min per key spread evenly across both keys.
	keys := make(map[string]int)
	for i := 0; i < 4; i++ {
		_, err := mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
		require.NoError(t, err)
		keys[doer.params[i]["apikey"]]++
	}
	assert.Equal(t, 2, keys["key-a"])
	assert.Equal(t, 2, keys["key-b"])
}

func TestManager_AcquireWaitsForMinuteRollover(t *testing.T) {
	doer := &fakeDoer{status: 200, body: []byte(`{"ok":true}`)}
	mgr, clock := newTestManager(t, doer, map[string][]string{"alpha": {"key-a"}})

	_, err := mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
	require.NoError(t, err)
	_, err = mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Acquire(context.Background(), "alpha")
		done <- err
	}()

	// The acquire blocks until the minute window rolls over.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.NoError(t, <-done)
}

func TestManager_AcquireCancellable(t *testing.T) {
	doer := &fakeDoer{status: 200, body: []byte(`{"ok":true}`)}
	mgr, clock := newTestManager(t, doer, map[string][]string{"alpha": {"key-a"}})

	_, _ = mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
	_, _ = mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := mgr.Acquire(ctx, "alpha")
		done <- err
	}()

	clock.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestManager_AcquireUnknownProvider(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDoer{}, nil)
	_, err := mgr.Acquire(context.Background(), "nope")
	assert.Error(t, err)
}

func TestManager_ExecuteClassification(t *testing.T) {
	tests := []struct {
		name     string
		doer     *fakeDoer
		category model.ErrorCategory
	}{
		{"transport error", &fakeDoer{err: errors.New("dial tcp: refused")}, model.ErrTransient},
		{"429", &fakeDoer{status: 429}, model.ErrRateLimited},
		{"500", &fakeDoer{status: 503}, model.ErrTransient},
		{"401", &fakeDoer{status: 401}, model.ErrPermanent},
		{"empty body", &fakeDoer{status: 200}, model.ErrTransient},
		{"garbage body", &fakeDoer{status: 200, body: []byte("<html>maintenance</html>")}, model.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, _ := newTestManager(t, tt.doer, map[string][]string{"alpha": {"key-a"}})
			_, err := mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
			require.Error(t, err)
			assert.Equal(t, tt.category, model.Categorize(err))
		})
	}
}

func TestManager_ExecuteInjectsKeyParam(t *testing.T) {
	doer := &fakeDoer{status: 200, body: []byte(`{"price":123.4}`)}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	mgr := credential.NewManager([]model.ProviderConfig{poolConfig("alpha")},
		map[string][]string{"alpha": {"secret"}}, doer, clock, nil, nil,
		credential.Options{KeyParam: "token"})

	body, err := mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", map[string]string{"symbol": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"price":123.4}`), body)

	require.Len(t, doer.params, 1)
	assert.Equal(t, "secret", doer.params[0]["token"])
	assert.Equal(t, "AAPL", doer.params[0]["symbol"])
}

func TestManager_RemainingDailySumsPool(t *testing.T) {
	doer := &fakeDoer{status: 200, body: []byte(`{"ok":true}`)}
	mgr, _ := newTestManager(t, doer, map[string][]string{"alpha": {"key-a", "key-b"}})

	assert.Equal(t, 200, mgr.RemainingDaily("alpha"))
	assert.Equal(t, 2, mgr.PoolSize("alpha"))

	_, err := mgr.Execute(context.Background(), "alpha", "https://api.example.com/q", nil)
	require.NoError(t, err)
	assert.Equal(t, 199, mgr.RemainingDaily("alpha"))
}
