package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterlabs/ai-gateway/internal/audit"
	"github.com/arbiterlabs/ai-gateway/internal/budget"
	gwCache "github.com/arbiterlabs/ai-gateway/internal/cache"
	"github.com/arbiterlabs/ai-gateway/internal/feedback"
	"github.com/arbiterlabs/ai-gateway/internal/gateway"
	"github.com/arbiterlabs/ai-gateway/internal/metrics"
	"github.com/arbiterlabs/ai-gateway/internal/providers"
	"github.com/arbiterlabs/ai-gateway/internal/queue"
	"github.com/arbiterlabs/ai-gateway/internal/ratelimit"
	"github.com/arbiterlabs/ai-gateway/internal/registry"
	"github.com/arbiterlabs/ai-gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; when a URL is configured it
// is also used for shared budget accounting and rate limiting.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		if a.cfg.Cache.Mode == "redis" {
			return fmt.Errorf("redis: %w", err)
		}
		// Redis is optional extra infrastructure here; degrade rather
		// than refuse to start.
		a.log.Warn("redis unavailable, continuing without it",
			slog.String("error", err.Error()))
		return nil
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProviders populates the registry from configuration. At least one
// provider must resolve an API key — enforced here rather than in
// config.Validate because the keys live in the environment.
func (a *App) initProviders(ctx context.Context) error {
	a.reg = registry.New()

	for _, pc := range a.cfg.Providers {
		strat, err := buildStrategy(ctx, pc)
		if err != nil {
			a.log.Warn("provider skipped", slog.String("error", err.Error()))
			continue
		}

		p := &registry.Provider{
			Name:           pc.Name,
			Kind:           providers.Kind(pc.Kind),
			Model:          pc.Model,
			Priority:       pc.Priority,
			CostPerKTokIn:  pc.CostPerKTokIn,
			CostPerKTokOut: pc.CostPerKTokOut,
			Params: providers.GenerationParams{
				MaxTokens:   pc.MaxTokens,
				Temperature: pc.Temperature,
				Timeout:     pc.Timeout,
			},
		}
		if err := a.reg.Register(p, strat); err != nil {
			return err
		}
	}

	if a.reg.Len() == 0 {
		return fmt.Errorf("no provider resolved a usable API key")
	}
	a.log.Info("providers loaded", slog.Any("providers", a.reg.Names()))

	return nil
}

// initServices creates the cache, budget governor, audit recorder, queue,
// feedback engine, and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// ── Response cache ────────────────────────────────────────────────────────
	var backend gwCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		backend = gwCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = gwCache.NewMemoryCache(ctx)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}
	if backend != nil {
		a.respCache = gwCache.NewResponseCache(backend, a.cfg.Cache.TTL, a.log)
	}

	// ── Budget governor ───────────────────────────────────────────────────────
	limits := make(map[string]budget.Limit, len(a.cfg.Tenants))
	for _, tc := range a.cfg.Tenants {
		limits[tc.Name] = budget.Limit{
			MonthlyCapUSD:  tc.MonthlyBudgetUSD,
			AlertThreshold: tc.AlertThreshold,
		}
	}
	var store budget.SpendStore
	if a.rdb != nil {
		store = budget.NewRedisSpendStore(a.rdb)
	}
	alertFn := func(tenant string, spentUSD, capUSD float64) {
		a.log.Warn("budget alert threshold crossed",
			slog.String("tenant", tenant),
			slog.Float64("spent_usd", spentUSD),
			slog.Float64("cap_usd", capUSD),
		)
	}
	a.gov = budget.New(limits, store, alertFn, a.log)

	// ── Audit trail ───────────────────────────────────────────────────────────
	sinks := []audit.Sink{audit.NewSlogSink(a.log)}
	if dsn := a.cfg.Audit.ClickHouseDSN; dsn != "" {
		ch, err := audit.NewClickHouseSink(ctx, dsn, a.log)
		if err != nil {
			// slog remains the source of record; ClickHouse is additive.
			a.log.Warn("clickhouse sink unavailable", slog.String("error", err.Error()))
		} else {
			sinks = append(sinks, ch)
			a.log.Info("audit sink: clickhouse")
		}
	}
	rec, err := audit.NewRecorderWithOptions(a.baseCtx,
		a.cfg.Audit.BatchSize, a.cfg.Audit.FlushInterval, sinks...)
	if err != nil {
		return err
	}
	a.recorder = rec

	// ── Queue ─────────────────────────────────────────────────────────────────
	a.q = queue.New(queue.Options{
		Workers:      a.cfg.Queue.Workers,
		MaxAttempts:  a.cfg.Queue.MaxAttempts,
		RetryBackoff: a.cfg.Queue.RetryBackoff,
		Retention:    a.cfg.Queue.Retention,
	}, a.prom, a.log)

	// ── Feedback engine ───────────────────────────────────────────────────────
	fb, err := feedback.New(scoringDimensions, a.cfg.Feedback.LearningRate, a.log)
	if err != nil {
		return err
	}
	a.fb = fb

	return nil
}

// initGateway wires the router and HTTP server around the services.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}

	a.health = registry.NewHealthChecker(a.baseCtx, a.reg, cacheReady, a.log,
		func(name string, healthy bool) {
			a.prom.SetProviderHealth(name, healthy)
		})

	policies := router.NewPolicyTable(a.cfg.Policies, a.cfg.DefaultProvider)
	a.rt = router.New(a.reg, policies, a.respCache, a.gov, a.recorder, a.prom, a.log)

	a.registerQueueHandlers(policies)
	a.q.Start(a.baseCtx)

	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = gateway.NewServer(a.baseCtx, a.rt, a.reg, a.q, gateway.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Health:      a.health,
		Budget:      a.gov,
		Feedback:    a.fb,
		RPMLimiter:  limiter,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	return nil
}

// registerQueueHandlers installs the dispatch handler under every configured
// policy task type, so enqueue and dispatch share one task-type vocabulary.
// The handler table stays closed: task types outside the policy table are
// rejected at Enqueue.
func (a *App) registerQueueHandlers(policies *router.PolicyTable) {
	for _, tt := range policies.TaskTypes() {
		a.q.Register(tt, a.dispatchTask)
	}
}

// dispatchTaskPayload is the payload accepted by deferred dispatch tasks:
// a synchronous dispatch request minus the task type, which the queue item
// itself carries.
type dispatchTaskPayload struct {
	Tenant string `json:"tenant"`
	Prompt string `json:"prompt"`
	Caller string `json:"caller"`
	Params *struct {
		MaxTokens   int     `json:"max_tokens,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
		TimeoutMs   int     `json:"timeout_ms,omitempty"`
	} `json:"params,omitempty"`
}

// dispatchTask is the queue handler for deferred dispatches. The task output
// is the same JSON a synchronous caller would have received.
func (a *App) dispatchTask(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p dispatchTaskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("dispatch payload: %w", err)
	}

	var params *providers.GenerationParams
	if p.Params != nil {
		params = &providers.GenerationParams{
			MaxTokens:   p.Params.MaxTokens,
			Temperature: p.Params.Temperature,
			Timeout:     time.Duration(p.Params.TimeoutMs) * time.Millisecond,
		}
	}

	task.Report(10, "dispatching")
	res, err := a.rt.Dispatch(ctx, &router.Request{
		Tenant:    p.Tenant,
		TaskType:  task.TaskType,
		Prompt:    p.Prompt,
		Caller:    p.Caller,
		RequestID: task.ID.String(),
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	task.SetProvider(res.Provider)

	out, err := json.Marshal(map[string]any{
		"provider":      res.Provider,
		"content":       res.Content,
		"finish_reason": res.FinishReason,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"cached":        res.Cached,
		"cost_usd":      res.CostUSD,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
