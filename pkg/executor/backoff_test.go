package executor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tickwise/quotagate/pkg/executor"
)

func TestBackoff_ExponentialGrowthWithCap(t *testing.T) {
	b := executor.NewBackoff()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 2*time.Second, b.Fail("alpha", now))
	assert.Equal(t, 4*time.Second, b.Fail("alpha", now))
	assert.Equal(t, 8*time.Second, b.Fail("alpha", now))
	assert.Equal(t, 16*time.Second, b.Fail("alpha", now))
	assert.Equal(t, 32*time.Second, b.Fail("alpha", now))
	assert.Equal(t, 60*time.Second, b.Fail("alpha", now))
	assert.Equal(t, 60*time.Second, b.Fail("alpha", now))
}

func TestBackoff_ReadyAfterHoldOff(t *testing.T) {
	b := executor.NewBackoff()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	hold := b.Fail("alpha", now)
	assert.False(t, b.Ready("alpha", now))
	assert.False(t, b.Ready("alpha", now.Add(hold-time.Millisecond)))
	assert.True(t, b.Ready("alpha", now.Add(hold)))
}

func TestBackoff_ResetClearsState(t *testing.T) {
	b := executor.NewBackoff()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	b.Fail("alpha", now)
	b.Fail("alpha", now)
	b.Reset("alpha")

	assert.True(t, b.Ready("alpha", now))
	// Delay restarts from the base after a reset.
	assert.Equal(t, 2*time.Second, b.Fail("alpha", now))
}

func TestBackoff_ProvidersAreIndependent(t *testing.T) {
	b := executor.NewBackoff()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	b.Fail("alpha", now)
	assert.True(t, b.Ready("bravo", now))
}
