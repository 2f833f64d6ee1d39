package alerts

import (
	"context"
	"log/slog"

	"github.com/tickwise/quotagate/pkg/model"
)

// Notifier delivers alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert model.Alert) error
}

// Dispatcher fans an alert out to every configured notifier. Delivery
// failures are logged and never propagate; alerts are advisory.
type Dispatcher struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over the given notifiers.
func NewDispatcher(notifiers []Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifiers: notifiers, logger: logger}
}

// Dispatch sends the alert to all notifiers.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert) {
	for _, n := range d.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			d.logger.Error("send alert failed",
				"notifier", n.Name(),
				"provider", alert.Provider,
				"type", alert.Type,
				"error", err,
			)
		}
	}
}
