// Package config loads and validates all runtime configuration for the gateway.
//
// Scalar settings are read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory; environment
// variables take precedence. Structured sections — the provider roster,
// routing policies, and tenant budgets — live in the YAML file only, since
// they do not map cleanly onto flat env vars.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CACHE_MODE becomes cache_mode
// in YAML.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies. ClickHouse audit persistence is also
// optional; without AUDIT_CLICKHOUSE_DSN audit records go to the log only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Providers is the backend roster. At least one entry is required.
	Providers []ProviderConfig

	// Policies maps task types to routing policies. Requests whose task type
	// has no policy fall back to DefaultProvider.
	Policies []PolicyConfig

	// DefaultProvider handles task types with no policy. Optional; when empty
	// an unmatched task type is rejected.
	DefaultProvider string

	// Tenants holds per-tenant spending caps. Tenants absent from this list
	// are not budget-limited.
	Tenants []TenantConfig

	// Redis holds the connection URL for the Redis-backed cache, spend
	// mirror, and rate limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// Queue controls the deferred-processing worker pool.
	Queue QueueConfig

	// Feedback controls the scoring engine.
	Feedback FeedbackConfig

	// Audit controls audit record persistence.
	Audit AuditConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig declares one backend in the roster.
type ProviderConfig struct {
	// Name uniquely identifies the provider in policies and audit records.
	Name string `mapstructure:"name"`

	// Kind selects the call strategy: openai, anthropic, gemini, openai_compat.
	Kind string `mapstructure:"kind"`

	// APIKeyEnv names the environment variable holding the API key.
	// Keeps secrets out of the YAML file.
	APIKeyEnv string `mapstructure:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint. Required for
	// openai_compat, optional elsewhere.
	BaseURL string `mapstructure:"base_url"`

	// Model is the model identifier sent upstream.
	Model string `mapstructure:"model"`

	// Priority orders fallback chains; lower is preferred. Default: 0.
	Priority int `mapstructure:"priority"`

	// CostPerKTokIn / CostPerKTokOut are USD per 1000 tokens.
	CostPerKTokIn  float64 `mapstructure:"cost_per_ktok_in"`
	CostPerKTokOut float64 `mapstructure:"cost_per_ktok_out"`

	// MaxTokens caps generated output. 0 uses the gateway default.
	MaxTokens int `mapstructure:"max_tokens"`

	// Temperature is the sampling temperature. 0 leaves it to the provider.
	Temperature float64 `mapstructure:"temperature"`

	// Timeout is the per-call deadline. 0 uses the gateway default.
	Timeout time.Duration `mapstructure:"timeout"`
}

// PolicyConfig maps one task type to its routing behaviour.
type PolicyConfig struct {
	// TaskType is the request category this policy applies to.
	TaskType string `mapstructure:"task_type"`

	// Providers is the ordered candidate list (fallback order / consensus set).
	Providers []string `mapstructure:"providers"`

	// Mode is one of: single, fallback, consensus. Default: single.
	Mode string `mapstructure:"mode"`

	// Agreement is the consensus threshold in [0.5, 1.0]. Only read when
	// Mode is consensus. Default: 0.66.
	Agreement float64 `mapstructure:"agreement"`

	// Cacheable marks responses for this task type as cacheable.
	Cacheable bool `mapstructure:"cacheable"`
}

// TenantConfig holds one tenant's spending cap.
type TenantConfig struct {
	// Name is the tenant identifier presented on requests.
	Name string `mapstructure:"name"`

	// MonthlyBudgetUSD is the hard monthly cap. Must be > 0.
	MonthlyBudgetUSD float64 `mapstructure:"monthly_budget_usd"`

	// AlertThreshold is the fraction of the budget at which a one-shot alert
	// fires, in (0, 1]. Default: 0.8.
	AlertThreshold float64 `mapstructure:"alert_threshold"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL cache. No external deps.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration
}

// QueueConfig controls the deferred-processing queue.
type QueueConfig struct {
	// Workers is the number of concurrent task workers. Default: 4.
	Workers int

	// MaxAttempts is the per-item attempt cap (first try included). Default: 3.
	MaxAttempts int

	// RetryBackoff is the base delay before a failed item is retried; the
	// delay doubles per attempt. Default: 5s.
	RetryBackoff time.Duration

	// Retention is how long terminal items stay queryable before the purge
	// loop removes them. Default: 24h.
	Retention time.Duration
}

// FeedbackConfig controls the scoring engine.
type FeedbackConfig struct {
	// LearningRate is the weight-adjustment step in (0, 1]. Default: 0.1.
	LearningRate float64

	// RelearnInterval is how often accumulated feedback is folded into the
	// dimension weights. Default: 10m.
	RelearnInterval time.Duration
}

// AuditConfig controls audit record persistence.
type AuditConfig struct {
	// ClickHouseDSN enables durable audit storage when non-empty.
	// Example: clickhouse://localhost:9000/gateway
	ClickHouseDSN string

	// BatchSize is the number of records flushed per ClickHouse batch.
	// Default: 200.
	BatchSize int

	// FlushInterval is the maximum time a record waits before flush.
	// Default: 2s.
	FlushInterval time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per tenant.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider entry must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Queue defaults.
	v.SetDefault("QUEUE_WORKERS", 4)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_RETRY_BACKOFF", "5s")
	v.SetDefault("QUEUE_RETENTION", "24h")

	// Feedback defaults.
	v.SetDefault("FEEDBACK_LEARNING_RATE", 0.1)
	v.SetDefault("FEEDBACK_RELEARN_INTERVAL", "10m")

	// Audit defaults.
	v.SetDefault("AUDIT_BATCH_SIZE", 200)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "2s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DefaultProvider: v.GetString("DEFAULT_PROVIDER"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		Queue: QueueConfig{
			Workers:      v.GetInt("QUEUE_WORKERS"),
			MaxAttempts:  v.GetInt("QUEUE_MAX_ATTEMPTS"),
			RetryBackoff: v.GetDuration("QUEUE_RETRY_BACKOFF"),
			Retention:    v.GetDuration("QUEUE_RETENTION"),
		},

		Feedback: FeedbackConfig{
			LearningRate:    v.GetFloat64("FEEDBACK_LEARNING_RATE"),
			RelearnInterval: v.GetDuration("FEEDBACK_RELEARN_INTERVAL"),
		},

		Audit: AuditConfig{
			ClickHouseDSN: v.GetString("AUDIT_CLICKHOUSE_DSN"),
			BatchSize:     v.GetInt("AUDIT_BATCH_SIZE"),
			FlushInterval: v.GetDuration("AUDIT_FLUSH_INTERVAL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// Structured sections come from the YAML file only.
	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers section: %w", err)
	}
	if err := v.UnmarshalKey("policies", &cfg.Policies); err != nil {
		return nil, fmt.Errorf("config: policies section: %w", err)
	}
	if err := v.UnmarshalKey("tenants", &cfg.Tenants); err != nil {
		return nil, fmt.Errorf("config: tenants section: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be declared in the providers section")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		if !providers.ValidKind(providers.Kind(p.Kind)) {
			return fmt.Errorf("config: provider %q: invalid kind %q; must be one of: %s",
				p.Name, p.Kind, kindList())
		}
		if p.Kind == string(providers.KindOpenAICompat) && p.BaseURL == "" {
			return fmt.Errorf("config: provider %q: base_url is required for kind openai_compat", p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("config: provider %q: model is required", p.Name)
		}
		if p.CostPerKTokIn < 0 || p.CostPerKTokOut < 0 {
			return fmt.Errorf("config: provider %q: cost rates must be ≥ 0", p.Name)
		}
	}

	policyTypes := make(map[string]bool, len(c.Policies))
	for i, pol := range c.Policies {
		if pol.TaskType == "" {
			return fmt.Errorf("config: policies[%d]: task_type is required", i)
		}
		if policyTypes[pol.TaskType] {
			return fmt.Errorf("config: duplicate policy for task type %q", pol.TaskType)
		}
		policyTypes[pol.TaskType] = true

		if len(pol.Providers) == 0 {
			return fmt.Errorf("config: policy %q: at least one provider is required", pol.TaskType)
		}
		for _, name := range pol.Providers {
			if !seen[name] {
				return fmt.Errorf("config: policy %q references unknown provider %q", pol.TaskType, name)
			}
		}
		switch pol.Mode {
		case "", "single", "fallback", "consensus":
		default:
			return fmt.Errorf("config: policy %q: invalid mode %q; must be one of: single, fallback, consensus",
				pol.TaskType, pol.Mode)
		}
		if pol.Mode == "consensus" {
			if len(pol.Providers) < 2 {
				return fmt.Errorf("config: policy %q: consensus requires at least 2 providers", pol.TaskType)
			}
			if pol.Agreement != 0 && (pol.Agreement < 0.5 || pol.Agreement > 1.0) {
				return fmt.Errorf("config: policy %q: agreement must be in [0.5, 1.0], got %v",
					pol.TaskType, pol.Agreement)
			}
		}
	}

	if c.DefaultProvider != "" && !seen[c.DefaultProvider] {
		return fmt.Errorf("config: DEFAULT_PROVIDER references unknown provider %q", c.DefaultProvider)
	}

	tenantNames := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.Name == "" {
			return fmt.Errorf("config: tenants[%d]: name is required", i)
		}
		if tenantNames[t.Name] {
			return fmt.Errorf("config: duplicate tenant %q", t.Name)
		}
		tenantNames[t.Name] = true

		if t.MonthlyBudgetUSD <= 0 {
			return fmt.Errorf("config: tenant %q: monthly_budget_usd must be > 0", t.Name)
		}
		if t.AlertThreshold != 0 && (t.AlertThreshold <= 0 || t.AlertThreshold > 1) {
			return fmt.Errorf("config: tenant %q: alert_threshold must be in (0, 1], got %v",
				t.Name, t.AlertThreshold)
		}
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("config: QUEUE_WORKERS must be ≥ 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ATTEMPTS must be ≥ 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.RetryBackoff <= 0 {
		return fmt.Errorf("config: QUEUE_RETRY_BACKOFF must be a positive duration")
	}

	if c.Feedback.LearningRate <= 0 || c.Feedback.LearningRate > 1 {
		return fmt.Errorf("config: FEEDBACK_LEARNING_RATE must be in (0, 1], got %v", c.Feedback.LearningRate)
	}

	if c.Audit.BatchSize < 1 {
		return fmt.Errorf("config: AUDIT_BATCH_SIZE must be ≥ 1, got %d", c.Audit.BatchSize)
	}

	return nil
}

func kindList() string {
	names := make([]string, len(providers.KnownKinds))
	for i, k := range providers.KnownKinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
