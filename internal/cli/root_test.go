package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwise/quotagate/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitStorage_Disabled(t *testing.T) {
	cfg := &config.Config{}

	assert.Nil(t, initStorage(cfg, quietLogger()))
}

func TestInitStorage_OpenFailureFallsBackToMemory(t *testing.T) {
	// A regular file where the db directory should go makes the open fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := &config.Config{}
	cfg.Storage.Enabled = true
	cfg.Storage.Path = filepath.Join(blocker, "quotagate.db")

	assert.Nil(t, initStorage(cfg, quietLogger()))
}
