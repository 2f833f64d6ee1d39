package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tickwise/quotagate/internal/config"
	"github.com/tickwise/quotagate/pkg/alerts"
	"github.com/tickwise/quotagate/pkg/circuit"
	"github.com/tickwise/quotagate/pkg/orchestrator"
	"github.com/tickwise/quotagate/pkg/provider"
	"github.com/tickwise/quotagate/pkg/storage"
	"github.com/tickwise/quotagate/pkg/usage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "QuotaGate - Resilient multi-provider market data acquisition",
	Long: `QuotaGate orchestrates market data acquisition across multiple rate-limited
providers. It enforces per-second, per-minute and daily quotas, rotates
credentials, breaks circuits on failing providers, and falls back across
the provider chain in priority order.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.quotagate/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initStorage creates a storage backend from config. Persistence is best
// effort: when the database cannot be opened the process runs with
// in-memory state only instead of halting.
func initStorage(cfg *config.Config, logger *slog.Logger) storage.Store {
	if !cfg.Storage.Enabled {
		return nil
	}
	store, err := storage.NewSQLite(cfg.Storage.Path)
	if err != nil {
		logger.Warn("open storage failed, continuing without persistence",
			"path", cfg.Storage.Path, "error", err)
		return nil
	}
	return store
}

// initNotifiers creates alert notifiers from config.
func initNotifiers(cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(
			cfg.Alerts.Slack.WebhookURL,
			cfg.Alerts.Slack.Channel,
		))
	}

	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Secret,
		))
	}

	return notifiers
}

// initOrchestrator creates a fully wired orchestrator with every configured
// HTTP provider registered.
func initOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	logger := newLogger(cfg)

	store := initStorage(cfg, logger)

	clock := clockwork.NewRealClock()
	doer := provider.NewHTTPClient(cfg.Executor.RequestTimeout)

	o := orchestrator.New(orchestrator.Config{
		Providers:  cfg.ProviderConfigs(),
		Operations: cfg.OperationMap(),
		Keys:       cfg.Credentials,
		Circuit: circuit.Options{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		},
		Thresholds: usage.Thresholds{
			SuccessRateFloor: cfg.Thresholds.SuccessRateFloor,
			LatencyCeiling:   cfg.Thresholds.LatencyCeiling,
		},
		WaitForQuota:   cfg.Executor.WaitForQuota,
		RequestTimeout: cfg.Executor.RequestTimeout,
		KeyParam:       cfg.Executor.KeyParam,
		AcquireRetries: cfg.Executor.AcquireRetries,
	}, doer, store, initNotifiers(cfg), clock, logger)

	for _, p := range cfg.Providers {
		if len(p.Endpoints) == 0 {
			continue
		}
		rest := provider.NewREST(provider.RESTConfig{
			Name:            p.ID,
			Endpoints:       p.Endpoints,
			SymbolParam:     p.SymbolParam,
			SymbolSeparator: p.SymbolSeparator,
			ErrorFields:     p.ErrorFields,
			Params:          p.Params,
		}, o.Credentials(), clock)
		if err := o.RegisterProvider(rest); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", p.ID, err)
		}
	}
	o.RebuildRules()

	return o, nil
}
