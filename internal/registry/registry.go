// Package registry holds one configuration record per external AI backend
// together with its call strategy, running counters, and health state.
//
// Counters are updated with atomics so concurrent dispatches never lose
// updates. Configuration fields are immutable after registration; health
// state and counters are the only mutable parts.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// HealthState describes whether a provider should receive traffic.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Unreachable
	Disabled
)

// String returns the lowercase state name.
func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	case Disabled:
		return "disabled"
	}
	return "unknown"
}

// Routable reports whether a provider in this state may be attempted.
// Degraded providers still receive traffic; unreachable and disabled
// providers are skipped entirely at resolution time.
func (h HealthState) Routable() bool {
	return h == Healthy || h == Degraded
}

// emaAlpha is the smoothing factor for the latency moving average.
const emaAlpha = 0.2

// Provider is one registered backend: configuration, strategy, counters.
type Provider struct {
	// Immutable configuration.
	Name           string
	Kind           providers.Kind
	Tenant         string
	Model          string
	Params         providers.GenerationParams
	Priority       int // lower = preferred
	CostPerKTokIn  float64
	CostPerKTokOut float64

	strategy providers.Strategy

	// Running counters. successes+failures never exceeds attempts because
	// each attempt records exactly one outcome.
	attempts   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	costMicros atomic.Int64 // cumulative cost in micro-USD

	health atomic.Int32

	latMu        sync.Mutex
	emaLatencyMs float64
}

// Strategy returns the call strategy for this provider.
func (p *Provider) Strategy() providers.Strategy { return p.strategy }

// Health returns the current health state.
func (p *Provider) Health() HealthState { return HealthState(p.health.Load()) }

// SetHealth updates the health state. Disabled is sticky: only an explicit
// Enable clears it, background probes never do.
func (p *Provider) SetHealth(h HealthState) {
	if p.Health() == Disabled && h != Disabled {
		return
	}
	p.health.Store(int32(h))
}

// Disable soft-disables the provider. It stays registered (queue items may
// still reference it) but is skipped by routing.
func (p *Provider) Disable() { p.health.Store(int32(Disabled)) }

// Enable clears a Disabled state back to Healthy.
func (p *Provider) Enable() { p.health.Store(int32(Healthy)) }

// RecordAttempt folds one call outcome into the running counters.
// The attempt counter is always incremented; exactly one of successes or
// failures is incremented per call.
func (p *Provider) RecordAttempt(success bool, latency time.Duration, costUSD float64) {
	p.attempts.Add(1)
	if success {
		p.successes.Add(1)
	} else {
		p.failures.Add(1)
	}
	if costUSD > 0 {
		p.costMicros.Add(int64(costUSD * 1e6))
	}

	ms := float64(latency.Milliseconds())
	p.latMu.Lock()
	if p.emaLatencyMs == 0 {
		p.emaLatencyMs = ms
	} else {
		p.emaLatencyMs = emaAlpha*ms + (1-emaAlpha)*p.emaLatencyMs
	}
	p.latMu.Unlock()
}

// EstimateCost predicts the cost of a call in USD before it is made, using
// a chars/4 token heuristic for the prompt and the configured max output.
func (p *Provider) EstimateCost(prompt string, params providers.GenerationParams) float64 {
	promptTokens := float64(len(prompt)) / 4
	maxOut := params.MaxTokens
	if maxOut == 0 {
		maxOut = p.Params.MaxTokens
	}
	if maxOut == 0 {
		maxOut = providers.DefaultMaxTokens
	}
	return promptTokens/1000*p.CostPerKTokIn + float64(maxOut)/1000*p.CostPerKTokOut
}

// ActualCost computes the cost of a completed call from reported usage.
func (p *Provider) ActualCost(usage providers.Usage) float64 {
	return float64(usage.InputTokens)/1000*p.CostPerKTokIn +
		float64(usage.OutputTokens)/1000*p.CostPerKTokOut
}

// Timeout returns the per-call timeout for this provider.
func (p *Provider) Timeout() time.Duration {
	if p.Params.Timeout > 0 {
		return p.Params.Timeout
	}
	return providers.DefaultTimeout
}

// Snapshot is a point-in-time copy of a provider's counters and state,
// safe to serialize.
type Snapshot struct {
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Model        string  `json:"model"`
	Priority     int     `json:"priority"`
	Health       string  `json:"health"`
	Attempts     int64   `json:"attempts"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	CostUSD      float64 `json:"cost_usd"`
	EMALatencyMs float64 `json:"ema_latency_ms"`
}

// Snapshot returns a copy of the provider's current counters.
func (p *Provider) Snapshot() Snapshot {
	p.latMu.Lock()
	ema := p.emaLatencyMs
	p.latMu.Unlock()

	return Snapshot{
		Name:         p.Name,
		Kind:         string(p.Kind),
		Model:        p.Model,
		Priority:     p.Priority,
		Health:       p.Health().String(),
		Attempts:     p.attempts.Load(),
		Successes:    p.successes.Load(),
		Failures:     p.failures.Load(),
		CostUSD:      float64(p.costMicros.Load()) / 1e6,
		EMALatencyMs: ema,
	}
}

// Registry is the set of registered providers, keyed by name.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	provs map[string]*Provider
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{provs: make(map[string]*Provider)}
}

// Register adds a provider. The name must be unique and the strategy non-nil.
func (r *Registry) Register(p *Provider, strategy providers.Strategy) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("registry: provider name is required")
	}
	if strategy == nil {
		return fmt.Errorf("registry: provider %q: strategy is required", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.provs[p.Name]; exists {
		return fmt.Errorf("registry: provider %q already registered", p.Name)
	}
	p.strategy = strategy
	r.provs[p.Name] = p
	return nil
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.provs[name]
	return p, ok
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.provs))
	for n := range r.provs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.provs)
}

// Snapshots returns counter snapshots for every provider, ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	names := r.Names()
	out := make([]Snapshot, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		out = append(out, r.provs[n].Snapshot())
	}
	return out
}
