// Package credential rotates multiple API keys per provider so that the
// effective quota is the sum of what each key allows. Selection always
// prefers the key with the most remaining daily headroom.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/tickwise/quotagate/pkg/model"
)

// HTTPDoer is the injected transport boundary. The manager never constructs
// its own HTTP client, so tests substitute a double.
type HTTPDoer interface {
	Do(ctx context.Context, method, url string, params map[string]string, timeout time.Duration) (statusCode int, body []byte, err error)
}

// Recorder receives the outcome of each call performed through Execute.
type Recorder interface {
	RecordOutcome(model.RequestOutcome)
}

// DefaultAcquireRetries bounds how many times Acquire waits for a minute
// window to roll over before giving up.
const DefaultAcquireRetries = 3

// Credential is one API key and its consumption counters. Counters are
// mutated only by the owning manager.
type Credential struct {
	Provider string
	Key      string

	minuteCount int
	minuteStart time.Time
	dayCount    int
	dayStart    time.Time
	lastUsed    time.Time
}

// RemainingDaily returns the key's remaining daily quota given the limit.
func (c *Credential) remainingDaily(limit int, now time.Time) int {
	if !c.dayStart.IsZero() && !model.DayStart(now).Equal(model.DayStart(c.dayStart)) {
		return limit
	}
	r := limit - c.dayCount
	if r < 0 {
		return 0
	}
	return r
}

func (c *Credential) minuteUsed(now time.Time) int {
	if c.minuteStart.IsZero() || now.Sub(c.minuteStart) >= time.Minute {
		return 0
	}
	return c.minuteCount
}

// Options configure a Manager.
type Options struct {
	// KeyParam is the query/form parameter the provider expects the API
	// key in. Defaults to "apikey".
	KeyParam string

	// RequestTimeout is passed to the HTTP doer per call.
	RequestTimeout time.Duration

	// AcquireRetries bounds the Acquire wait loop.
	AcquireRetries int
}

// Manager holds the credential pools. Each provider pool has its own lock.
type Manager struct {
	doer     HTTPDoer
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder Recorder
	opts     Options

	mu    sync.RWMutex
	pools map[string]*pool
}

type pool struct {
	mu          sync.Mutex
	cfg         model.ProviderConfig
	credentials []*Credential
}

// NewManager creates a manager for the given providers and their key pools.
// The recorder may be nil when a higher layer already accounts outcomes.
func NewManager(configs []model.ProviderConfig, keys map[string][]string, doer HTTPDoer, clock clockwork.Clock, recorder Recorder, logger *slog.Logger, opts Options) *Manager {
	if opts.KeyParam == "" {
		opts.KeyParam = "apikey"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.AcquireRetries <= 0 {
		opts.AcquireRetries = DefaultAcquireRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	pools := make(map[string]*pool, len(configs))
	for _, cfg := range configs {
		p := &pool{cfg: cfg}
		for _, key := range keys[cfg.ID] {
			p.credentials = append(p.credentials, &Credential{Provider: cfg.ID, Key: key})
		}
		pools[cfg.ID] = p
	}
	return &Manager{
		doer:     doer,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
		opts:     opts,
		pools:    pools,
	}
}

// Acquire picks the credential with the most remaining daily quota among
// those still under their per-minute limit. When every key is at its minute
// limit it waits for the window to roll over, retrying a bounded number of
// times before returning *model.CredentialsExhaustedError. The wait is
// cancellable through ctx.
func (m *Manager) Acquire(ctx context.Context, provider string) (*Credential, error) {
	p := m.pool(provider)
	if p == nil {
		return nil, fmt.Errorf("no credentials configured for provider %q", provider)
	}

	attempts := 0
	for {
		if cred := p.pick(m.clock.Now()); cred != nil {
			return cred, nil
		}
		attempts++
		if attempts > m.opts.AcquireRetries {
			return nil, &model.CredentialsExhaustedError{Provider: provider, Attempts: attempts - 1}
		}

		wait := p.nextMinuteReset(m.clock.Now())
		m.logger.Debug("all credentials at minute limit, waiting",
			"provider", provider,
			"wait", wait,
			"attempt", attempts,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(wait):
		}
	}
}

// Execute acquires a credential, performs the call through the injected HTTP
// client, and records the outcome. Empty or non-JSON bodies come back as a
// typed *model.ProviderError, never a panic.
func (m *Manager) Execute(ctx context.Context, provider, endpoint string, params map[string]string) ([]byte, error) {
	cred, err := m.Acquire(ctx, provider)
	if err != nil {
		return nil, err
	}

	callParams := make(map[string]string, len(params)+1)
	for k, v := range params {
		callParams[k] = v
	}
	callParams[m.opts.KeyParam] = cred.Key

	start := m.clock.Now()
	status, body, err := m.doer.Do(ctx, "GET", endpoint, callParams, m.opts.RequestTimeout)
	latency := m.clock.Now().Sub(start)

	m.recordUse(cred)

	perr := m.classify(provider, status, body, err)
	m.record(model.RequestOutcome{
		Provider: provider,
		Success:  perr == nil,
		Latency:  latency,
		Category: model.Categorize(perr),
	})
	if perr != nil {
		return nil, perr
	}
	return body, nil
}

// PoolSize returns how many credentials a provider has.
func (m *Manager) PoolSize(provider string) int {
	p := m.pool(provider)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.credentials)
}

// RemainingDaily returns the summed remaining daily quota across the pool.
func (m *Manager) RemainingDaily(provider string) int {
	p := m.pool(provider)
	if p == nil {
		return 0
	}
	now := m.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.credentials {
		total += c.remainingDaily(p.cfg.CallsPerDay, now)
	}
	return total
}

func (m *Manager) classify(provider string, status int, body []byte, err error) error {
	if err != nil {
		return &model.ProviderError{Provider: provider, Category: model.ErrTransient, Err: err}
	}
	switch {
	case status == 429:
		return &model.ProviderError{Provider: provider, Category: model.ErrRateLimited, StatusCode: status, Err: fmt.Errorf("provider-side rate limit")}
	case status >= 500:
		return &model.ProviderError{Provider: provider, Category: model.ErrTransient, StatusCode: status, Err: fmt.Errorf("server error")}
	case status >= 400:
		return &model.ProviderError{Provider: provider, Category: model.ErrPermanent, StatusCode: status, Err: fmt.Errorf("client error")}
	}
	if len(body) == 0 {
		return &model.ProviderError{Provider: provider, Category: model.ErrTransient, StatusCode: status, Err: fmt.Errorf("empty response body")}
	}
	if !gjson.ValidBytes(body) {
		return &model.ProviderError{Provider: provider, Category: model.ErrTransient, StatusCode: status, Err: fmt.Errorf("response body is not valid JSON")}
	}
	return nil
}

func (m *Manager) recordUse(cred *Credential) {
	p := m.pool(cred.Provider)
	now := m.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if cred.minuteStart.IsZero() || now.Sub(cred.minuteStart) >= time.Minute {
		cred.minuteCount = 0
		cred.minuteStart = now
	}
	if cred.dayStart.IsZero() || !model.DayStart(now).Equal(model.DayStart(cred.dayStart)) {
		cred.dayCount = 0
		cred.dayStart = model.DayStart(now)
	}
	cred.minuteCount++
	cred.dayCount++
	cred.lastUsed = now
}

func (m *Manager) record(o model.RequestOutcome) {
	if m.recorder != nil {
		m.recorder.RecordOutcome(o)
	}
}

func (m *Manager) pool(provider string) *pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[provider]
}

// pick returns the eligible credential with the most remaining daily quota,
// or nil when none qualifies.
func (p *pool) pick(now time.Time) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Credential
	bestRemaining := 0
	for _, c := range p.credentials {
		if c.minuteUsed(now) >= p.cfg.CallsPerMinute {
			continue
		}
		remaining := c.remainingDaily(p.cfg.CallsPerDay, now)
		if remaining <= 0 {
			continue
		}
		if best == nil || remaining > bestRemaining {
			best = c
			bestRemaining = remaining
		}
	}
	return best
}

// nextMinuteReset returns the shortest time until any credential's minute
// window rolls over, defaulting to a full minute.
func (p *pool) nextMinuteReset(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	wait := time.Minute
	for _, c := range p.credentials {
		if c.minuteStart.IsZero() {
			continue
		}
		if d := time.Minute - now.Sub(c.minuteStart); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}
