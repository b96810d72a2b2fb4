// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse)
//  2. initProviders — registry population from configuration
//  3. initServices  — cache, budget governor, audit, queue, feedback, metrics
//  4. initGateway   — router + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/arbiterlabs/ai-gateway/internal/audit"
	"github.com/arbiterlabs/ai-gateway/internal/budget"
	gwCache "github.com/arbiterlabs/ai-gateway/internal/cache"
	"github.com/arbiterlabs/ai-gateway/internal/config"
	"github.com/arbiterlabs/ai-gateway/internal/feedback"
	"github.com/arbiterlabs/ai-gateway/internal/gateway"
	"github.com/arbiterlabs/ai-gateway/internal/metrics"
	"github.com/arbiterlabs/ai-gateway/internal/providers"
	anthropicprov "github.com/arbiterlabs/ai-gateway/internal/providers/anthropic"
	geminiprov "github.com/arbiterlabs/ai-gateway/internal/providers/gemini"
	openaiprov "github.com/arbiterlabs/ai-gateway/internal/providers/openai"
	openaicompatprov "github.com/arbiterlabs/ai-gateway/internal/providers/openaicompat"
	"github.com/arbiterlabs/ai-gateway/internal/queue"
	"github.com/arbiterlabs/ai-gateway/internal/registry"
	"github.com/arbiterlabs/ai-gateway/internal/router"
)

// scoringDimensions are the feedback dimensions tracked by the engine.
var scoringDimensions = []string{"quality", "latency", "price"}

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache  *gwCache.MemoryCache
	respCache *gwCache.ResponseCache

	prom *metrics.Registry

	closeOnce sync.Once

	reg      *registry.Registry
	health   *registry.HealthChecker
	gov      *budget.Governor
	recorder *audit.Recorder
	q        *queue.Queue
	fb       *feedback.Engine
	rt       *router.Router
	srv      *gateway.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background loops, blocking until ctx is
// cancelled or an error occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", a.reg.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		a.fb.Run(gctx, a.cfg.Feedback.RelearnInterval)
		return nil
	})

	// Mirror the audit drop counter into the metrics gauge.
	g.Go(func() error {
		rec := a.recorder
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.prom.SetAuditDropped(rec.Dropped())
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = a.srv.Shutdown()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines; only the first call does the work.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.q != nil {
			a.q.Stop()
		}
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.log.Error("audit close error", slog.String("error", err.Error()))
			}
		}
		if a.health != nil {
			a.health.Close()
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildStrategy constructs the call strategy for one provider entry. The API
// key is read from the environment variable named in the config so secrets
// never live in YAML.
func buildStrategy(ctx context.Context, pc config.ProviderConfig) (providers.Strategy, error) {
	apiKey := ""
	if pc.APIKeyEnv != "" {
		apiKey = os.Getenv(pc.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q: env %s holds no API key", pc.Name, pc.APIKeyEnv)
	}

	switch providers.Kind(pc.Kind) {
	case providers.KindOpenAI:
		var opts []openaiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(pc.BaseURL))
		}
		return openaiprov.New(apiKey, opts...), nil

	case providers.KindAnthropic:
		var opts []anthropicprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(pc.BaseURL))
		}
		return anthropicprov.New(apiKey, opts...), nil

	case providers.KindGemini:
		return geminiprov.New(ctx, apiKey)

	case providers.KindOpenAICompat:
		return openaicompatprov.New(pc.Name, apiKey, pc.BaseURL), nil
	}

	return nil, fmt.Errorf("provider %q: unknown kind %q", pc.Name, pc.Kind)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
