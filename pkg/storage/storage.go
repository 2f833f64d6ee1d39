package storage

import (
	"context"

	"github.com/tickwise/quotagate/pkg/model"
)

// Store defines the optional persistence layer for usage history and
// alerts. The orchestrator operates correctly with a nil Store; persistence
// failures are logged, never fatal.
type Store interface {
	// SaveUsage upserts a provider's usage snapshot for its UTC day.
	SaveUsage(ctx context.Context, snap model.UsageSnapshot) error

	// LoadUsage returns the persisted snapshots for the given UTC day.
	LoadUsage(ctx context.Context, day string) ([]model.UsageSnapshot, error)

	// SaveAlert persists an alert.
	SaveAlert(ctx context.Context, alert model.Alert) error

	// ListAlerts returns alerts filtered by provider (empty for all) and
	// resolution state, newest first.
	ListAlerts(ctx context.Context, provider string, resolved bool) ([]model.Alert, error)

	// ResolveAlert marks an alert resolved.
	ResolveAlert(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
