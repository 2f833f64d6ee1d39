package model

import "time"

// OpType identifies a kind of acquisition operation routed by the orchestrator.
type OpType string

const (
	OpPriceLookup        OpType = "price_lookup"
	OpFundamentals       OpType = "fundamentals_lookup"
	OpBatchPriceLookup   OpType = "batch_price_lookup"
	OpHistoricalBackfill OpType = "historical_backfill"
)

// Tier is a human-readable plan label. It affects defaults shown to
// operators, never routing logic.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ProviderConfig describes one external data provider's call budget and cost
// profile. Immutable after load; one per provider.
type ProviderConfig struct {
	ID             string        `mapstructure:"id" yaml:"id" json:"id"`
	Priority       int           `mapstructure:"priority" yaml:"priority" json:"priority"`
	CallsPerSecond int           `mapstructure:"calls_per_second" yaml:"calls_per_second" json:"calls_per_second"`
	CallsPerMinute int           `mapstructure:"calls_per_minute" yaml:"calls_per_minute" json:"calls_per_minute"`
	CallsPerDay    int           `mapstructure:"calls_per_day" yaml:"calls_per_day" json:"calls_per_day"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	CostPerCall    float64       `mapstructure:"cost_per_call" yaml:"cost_per_call" json:"cost_per_call"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	Tier           Tier          `mapstructure:"tier" yaml:"tier" json:"tier"`
}

// Window identifies one of the rolling call-budget windows.
type Window string

const (
	WindowSecond Window = "second"
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	}
	return 0
}

// Limit returns the configured call budget for the given window.
func (c ProviderConfig) Limit(w Window) int {
	switch w {
	case WindowSecond:
		return c.CallsPerSecond
	case WindowMinute:
		return c.CallsPerMinute
	case WindowDay:
		return c.CallsPerDay
	}
	return 0
}

// ErrorCategory classifies the outcome of a single provider call.
type ErrorCategory string

const (
	ErrNone        ErrorCategory = "none"
	ErrRateLimited ErrorCategory = "rate_limited"
	ErrTransient   ErrorCategory = "transient"
	ErrPermanent   ErrorCategory = "permanent"
)

// RequestOutcome is the ephemeral record of one provider call, consumed by
// the metrics store and the circuit breaker.
type RequestOutcome struct {
	Provider string        `json:"provider"`
	ItemID   string        `json:"item_id"`
	Success  bool          `json:"success"`
	Latency  time.Duration `json:"latency"`
	Category ErrorCategory `json:"category"`
}

// UsageSnapshot is a point-in-time view of one provider's consumption.
type UsageSnapshot struct {
	Provider     string    `json:"provider"`
	SecondUsed   int       `json:"second_used"`
	MinuteUsed   int       `json:"minute_used"`
	DailyUsed    int       `json:"daily_used"`
	DailyLimit   int       `json:"daily_limit"`
	DailyPct     float64   `json:"daily_pct"`
	TotalCalls   int64     `json:"total_calls"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	RateLimited  int64     `json:"rate_limited"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// CircuitStateKind is the circuit breaker state for a provider.
type CircuitStateKind string

const (
	CircuitClosed   CircuitStateKind = "CLOSED"
	CircuitOpen     CircuitStateKind = "OPEN"
	CircuitHalfOpen CircuitStateKind = "HALF_OPEN"
)

// CircuitState is a read-only snapshot of one provider's breaker.
type CircuitState struct {
	Provider             string           `json:"provider"`
	State                CircuitStateKind `json:"state"`
	ConsecutiveFailures  int              `json:"consecutive_failures"`
	ConsecutiveSuccesses int              `json:"consecutive_successes"`
	LastFailureTime      time.Time        `json:"last_failure_time,omitzero"`
	OpenUntil            time.Time        `json:"open_until,omitzero"`
	TotalCalls           int64            `json:"total_calls"`
	TotalSuccesses       int64            `json:"total_successes"`
	TotalFailures        int64            `json:"total_failures"`
	AvgLatencyMS         float64          `json:"avg_latency_ms"`
}

// ServiceStatus is the router's derived health label for a provider.
type ServiceStatus string

const (
	StatusActive      ServiceStatus = "ACTIVE"
	StatusRateLimited ServiceStatus = "RATE_LIMITED"
	StatusError       ServiceStatus = "ERROR"
	StatusDisabled    ServiceStatus = "DISABLED"
)

// AlertType identifies what threshold or event raised an alert.
type AlertType string

const (
	AlertUsageWarning          AlertType = "usage_warning"
	AlertDailyLimitExceeded    AlertType = "daily_limit_exceeded"
	AlertCircuitOpened         AlertType = "circuit_opened"
	AlertAllProvidersExhausted AlertType = "all_providers_exhausted"
	AlertLowSuccessRate        AlertType = "low_success_rate"
	AlertHighLatency           AlertType = "high_latency"
)

// Alert is an advisory notification raised when a threshold is crossed.
// Alerts never block execution; consumers mark them resolved.
type Alert struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Threshold float64   `json:"threshold"`
	Current   float64   `json:"current"`
	CreatedAt time.Time `json:"created_at"`
	Resolved  bool      `json:"resolved"`
}

// DayStart returns the UTC midnight preceding t. Daily quota windows roll
// over exactly at this boundary.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
