// Package config loads and validates QuotaGate configuration. Validation
// failures are fatal at startup; the running core never sees an invalid
// provider definition.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tickwise/quotagate/pkg/model"
)

// ValidationError is the fatal configuration error raised at load time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ProviderEntry is one provider definition plus the operations it serves
// and, for HTTP providers, the endpoint layout.
type ProviderEntry struct {
	model.ProviderConfig `mapstructure:",squash" yaml:",inline"`
	Operations           []model.OpType          `mapstructure:"operations" yaml:"operations"`
	Endpoints            map[model.OpType]string `mapstructure:"endpoints" yaml:"endpoints"`
	SymbolParam          string                  `mapstructure:"symbol_param" yaml:"symbol_param"`
	SymbolSeparator      string                  `mapstructure:"symbol_separator" yaml:"symbol_separator"`
	ErrorFields          []string                `mapstructure:"error_fields" yaml:"error_fields"`
	Params               map[string]string       `mapstructure:"params" yaml:"params"`
}

// Config holds all QuotaGate configuration.
type Config struct {
	Providers     []ProviderEntry     `mapstructure:"providers"`
	ProvidersFile string              `mapstructure:"providers_file"`
	Credentials   map[string][]string `mapstructure:"credentials"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Circuit       CircuitConfig       `mapstructure:"circuit"`
	Thresholds    ThresholdsConfig    `mapstructure:"thresholds"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Server        ServerConfig        `mapstructure:"server"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// BatchConfig defines worker pool settings for batch runs.
type BatchConfig struct {
	Workers     int           `mapstructure:"workers"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

// CircuitConfig defines circuit breaker tuning.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// ThresholdsConfig defines the advisory health alert thresholds.
type ThresholdsConfig struct {
	SuccessRateFloor float64       `mapstructure:"success_rate_floor"`
	LatencyCeiling   time.Duration `mapstructure:"latency_ceiling"`
}

// ExecutorConfig defines fallback execution policy.
type ExecutorConfig struct {
	WaitForQuota   bool          `mapstructure:"wait_for_quota"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	KeyParam       string        `mapstructure:"key_param"`
	AcquireRetries int           `mapstructure:"acquire_retries"`
}

// StorageConfig defines the optional persistence backend.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig defines the read-only API server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables, merges the
// provider file when configured, and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".quotagate"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", filepath.Join(home, ".quotagate", "quotagate.db"))
	v.SetDefault("server.listen", ":8090")
	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.item_timeout", "2m")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.recovery_timeout", "60s")
	v.SetDefault("thresholds.success_rate_floor", 0.5)
	v.SetDefault("thresholds.latency_ceiling", "10s")
	v.SetDefault("executor.wait_for_quota", false)
	v.SetDefault("executor.request_timeout", "30s")
	v.SetDefault("executor.key_param", "apikey")
	v.SetDefault("executor.acquire_retries", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("alerts.slack.channel", "#data-ops")

	// Environment variables
	v.SetEnvPrefix("QG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ProvidersFile != "" {
		entries, err := LoadProvidersFile(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, entries...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProvidersFile reads provider definitions from a dedicated yaml file,
// so quota tables can live next to the deployment instead of inside the
// main config.
func LoadProvidersFile(path string) ([]ProviderEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var doc struct {
		Providers []ProviderEntry `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	return doc.Providers, nil
}

// Validate checks the whole configuration. The first violation is returned
// as a *ValidationError.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return &ValidationError{Field: "providers", Reason: "at least one provider is required"}
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		field := fmt.Sprintf("providers[%s]", p.ID)
		if p.ID == "" {
			return &ValidationError{Field: "providers", Reason: "provider id must not be empty"}
		}
		if seen[p.ID] {
			return &ValidationError{Field: field, Reason: "duplicate provider id"}
		}
		seen[p.ID] = true

		if p.Priority < 1 {
			return &ValidationError{Field: field + ".priority", Reason: "priority must be >= 1"}
		}
		if p.CallsPerSecond < 1 || p.CallsPerMinute < 1 || p.CallsPerDay < 1 {
			return &ValidationError{Field: field, Reason: "all window limits must be >= 1"}
		}
		// Window budgets must be monotonic or the smaller window can
		// never be exercised.
		if p.CallsPerMinute <= p.CallsPerSecond {
			return &ValidationError{Field: field + ".calls_per_minute", Reason: fmt.Sprintf("must exceed calls_per_second (%d)", p.CallsPerSecond)}
		}
		if p.CallsPerDay <= p.CallsPerMinute {
			return &ValidationError{Field: field + ".calls_per_day", Reason: fmt.Sprintf("must exceed calls_per_minute (%d)", p.CallsPerMinute)}
		}
		if p.BatchSize < 1 {
			return &ValidationError{Field: field + ".batch_size", Reason: "batch_size must be >= 1"}
		}
		if p.CostPerCall < 0 {
			return &ValidationError{Field: field + ".cost_per_call", Reason: "cost_per_call must not be negative"}
		}
		if len(p.Operations) == 0 {
			return &ValidationError{Field: field + ".operations", Reason: "at least one operation is required"}
		}
		switch p.Tier {
		case "", model.TierFree, model.TierBasic, model.TierPremium, model.TierEnterprise:
		default:
			return &ValidationError{Field: field + ".tier", Reason: fmt.Sprintf("unknown tier %q", p.Tier)}
		}
	}

	for id := range c.Credentials {
		if !seen[id] {
			return &ValidationError{Field: "credentials." + id, Reason: "credentials reference unknown provider"}
		}
	}

	if c.Batch.Workers < 1 {
		return &ValidationError{Field: "batch.workers", Reason: "workers must be >= 1"}
	}
	if c.Thresholds.SuccessRateFloor < 0 || c.Thresholds.SuccessRateFloor > 1 {
		return &ValidationError{Field: "thresholds.success_rate_floor", Reason: "must be between 0 and 1"}
	}
	return nil
}

// ProviderConfigs returns the bare provider configs for the core components.
func (c *Config) ProviderConfigs() []model.ProviderConfig {
	out := make([]model.ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = p.ProviderConfig
	}
	return out
}

// OperationMap returns provider id -> supported operations.
func (c *Config) OperationMap() map[string][]model.OpType {
	out := make(map[string][]model.OpType, len(c.Providers))
	for _, p := range c.Providers {
		out[p.ID] = p.Operations
	}
	return out
}
