package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RateLimitError reports that a provider's local call budget is exhausted.
// It is expected behavior, not a fault: callers skip the provider and it
// never counts toward the circuit breaker failure threshold.
type RateLimitError struct {
	Provider   string
	Window     Window
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Window == "" {
		return fmt.Sprintf("provider %s rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s rate limited on %s window (retry after %s)", e.Provider, e.Window, e.RetryAfter)
}

// CircuitOpenError reports that a provider's circuit is open and the call
// was rejected without being attempted.
type CircuitOpenError struct {
	Provider  string
	OpenUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s until %s", e.Provider, e.OpenUntil.UTC().Format(time.RFC3339))
}

// ProviderError is a fault from a provider call: a transport failure, an
// unexpected status code, or an unusable response body. Transient provider
// errors count toward the circuit breaker failure threshold.
type ProviderError struct {
	Provider   string
	Category   ErrorCategory
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error (%s)", e.Provider, e.Category)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExhaustedError is returned as a value when every candidate provider failed
// for one item. It carries the per-provider error detail so a batch caller
// can mark the single item failed and continue with its siblings.
type ExhaustedError struct {
	Op       OpType
	ItemID   string
	Attempts map[string]error
}

func (e *ExhaustedError) Error() string {
	providers := make([]string, 0, len(e.Attempts))
	for p := range e.Attempts {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	parts := make([]string, 0, len(providers))
	for _, p := range providers {
		parts = append(parts, fmt.Sprintf("%s: %v", p, e.Attempts[p]))
	}
	return fmt.Sprintf("all providers exhausted for %s %q [%s]", e.Op, e.ItemID, strings.Join(parts, "; "))
}

// CredentialsExhaustedError reports that every credential for a provider was
// at its limit after the bounded retry loop gave up.
type CredentialsExhaustedError struct {
	Provider string
	Attempts int
}

func (e *CredentialsExhaustedError) Error() string {
	return fmt.Sprintf("all credentials exhausted for provider %s after %d attempts", e.Provider, e.Attempts)
}

// IsRateLimited reports whether err is a local rate-limit rejection.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsCircuitOpen reports whether err is an open-circuit rejection.
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// Categorize maps an error from a provider attempt to its outcome category.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ErrNone
	}
	if IsRateLimited(err) {
		return ErrRateLimited
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrTransient
}
