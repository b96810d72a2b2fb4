package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// HealthChecker runs background probes against every registered provider
// and flips their health states based on the results. A failed probe marks
// a provider Unreachable so routing skips it; a later successful probe
// restores it to Healthy. Disabled providers are never probed back in.
type HealthChecker struct {
	reg        *Registry
	cacheReady func() bool
	baseCtx    context.Context
	log        *slog.Logger
	onProbe    func(name string, healthy bool)

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup

	cacheMu    sync.RWMutex
	cacheState string // "ok" | "degraded" | "unconfigured"
}

// NewHealthChecker creates a checker and immediately starts background
// probes. cacheReady may be nil when no shared cache is configured; onProbe
// may be nil and is otherwise invoked with every probe result (used to feed
// the metrics gauge).
func NewHealthChecker(
	ctx context.Context,
	reg *Registry,
	cacheReady func() bool,
	log *slog.Logger,
	onProbe func(name string, healthy bool),
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		reg:        reg,
		cacheReady: cacheReady,
		baseCtx:    ctx,
		log:        log,
		onProbe:    onProbe,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		cacheState: "unconfigured",
	}

	// Run first probe synchronously so routing never starts blind.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the payload served by GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a health report from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string)
	for _, s := range hc.reg.Snapshots() {
		provs[s.Name] = s.Health
		if s.Health == Unreachable.String() {
			overall = "degraded"
		}
	}

	hc.cacheMu.RLock()
	cache := hc.cacheState
	hc.cacheMu.RUnlock()

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cache,
	}
}

// ReadinessOK reports whether at least one provider is routable
// (used by GET /readiness for orchestrator probes).
func (hc *HealthChecker) ReadinessOK() bool {
	for _, name := range hc.reg.Names() {
		if p, ok := hc.reg.Get(name); ok && p.Health().Routable() {
			return true
		}
	}
	return false
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, name := range hc.reg.Names() {
		p, ok := hc.reg.Get(name)
		if !ok || p.Health() == Disabled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Strategy().HealthCheck(ctx)
			healthy := err == nil
			if healthy {
				p.SetHealth(Healthy)
			} else {
				p.SetHealth(Unreachable)
				if hc.log != nil {
					hc.log.Warn("provider probe failed",
						slog.String("provider", p.Name),
						slog.String("error", err.Error()))
				}
			}
			if hc.onProbe != nil {
				hc.onProbe(p.Name, healthy)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		switch {
		case hc.cacheReady == nil:
			hc.setCacheState("unconfigured")
		case hc.cacheReady():
			hc.setCacheState("ok")
		default:
			hc.setCacheState("degraded")
		}
	}()

	wg.Wait()
}

func (hc *HealthChecker) setCacheState(v string) {
	hc.cacheMu.Lock()
	hc.cacheState = v
	hc.cacheMu.Unlock()
}
