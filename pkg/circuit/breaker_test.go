package circuit_test

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

	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/model"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, opts circuit.Options) (*circuit.Breaker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return circuit.New(opts, clock, nil, logger), clock
}

func failCalls(t *testing.T, b *circuit.Breaker, provider string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := b.Call(provider, func() (any, error) { return nil, errBoom })
		require.Error(t, err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	failCalls(t, b, "alpha", 2)
	assert.Equal(t, model.CircuitClosed, b.GetState("alpha").State)

	failCalls(t, b, "alpha", 1)
	st := b.GetState("alpha")
	assert.Equal(t, model.CircuitOpen, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.True(t, b.IsOpen("alpha"))
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	failCalls(t, b, "alpha", 3)

	invoked := false
	_, err := b.Call("alpha", func() (any, error) {
		invoked = true
		return "ok", nil
	})

	assert.False(t, invoked)
	var openErr *model.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "alpha", openErr.Provider)
}

func TestBreaker_HalfOpenProbeAndClose(t *testing.T) {
	b, clock := newTestBreaker(t, circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	failCalls(t, b, "alpha", 3)

	clock.Advance(61 * time.Second)

	// Three consecutive probe successes close the circuit.
	for i := 0; i < 2; i++ {
		_, err := b.Call("alpha", func() (any, error) { return "ok", nil })
		require.NoError(t, err)
		assert.Equal(t, model.CircuitHalfOpen, b.GetState("alpha").State)
	}
	_, err := b.Call("alpha", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, model.CircuitClosed, b.GetState("alpha").State)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	failCalls(t, b, "alpha", 3)

	clock.Advance(61 * time.Second)

	_, err := b.Call("alpha", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, model.CircuitHalfOpen, b.GetState("alpha").State)

	failCalls(t, b, "alpha", 1)
	assert.Equal(t, model.CircuitOpen, b.GetState("alpha").State)
	assert.True(t, b.IsOpen("alpha"))
}

func TestBreaker_RateLimitErrorsAreNeutral(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 10; i++ {
		_, err := b.Call("alpha", func() (any, error) {
			return nil, &model.RateLimitError{Provider: "alpha", Window: model.WindowSecond}
		})
		require.Error(t, err)
	}

	st := b.GetState("alpha")
	assert.Equal(t, model.CircuitClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, int64(0), st.TotalCalls)
}

func TestBreaker_ContextCancellationIsNeutral(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := b.Call("alpha", func() (any, error) { return nil, context.DeadlineExceeded })
		require.Error(t, err)
	}

	assert.Equal(t, model.CircuitClosed, b.GetState("alpha").State)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	failCalls(t, b, "alpha", 2)
	_, err := b.Call("alpha", func() (any, error) { return "ok", nil })
	require.NoError(t, err)

	failCalls(t, b, "alpha", 2)
	assert.Equal(t, model.CircuitClosed, b.GetState("alpha").State)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	failCalls(t, b, "alpha", 3)
	require.True(t, b.IsOpen("alpha"))

	b.Reset("alpha")
	assert.False(t, b.IsOpen("alpha"))
	assert.Equal(t, model.CircuitClosed, b.GetState("alpha").State)

	_, err := b.Call("alpha", func() (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestBreaker_StatesCoversAllProviders(t *testing.T) {
	b, _ := newTestBreaker(t, circuit.Options{})

	_, _ = b.Call("alpha", func() (any, error) { return "ok", nil })
	failCalls(t, b, "beta", 1)

	states := b.States()
	require.Len(t, states, 2)
	assert.Equal(t, int64(1), states["alpha"].TotalSuccesses)
	assert.Equal(t, int64(1), states["beta"].TotalFailures)
}
