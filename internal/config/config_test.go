package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Providers: []ProviderConfig{
			{Name: "primary", Kind: "openai", Model: "gpt-4o-mini"},
			{Name: "backup", Kind: "anthropic", Model: "claude-haiku"},
		},
		Policies: []PolicyConfig{
			{TaskType: "summarize", Providers: []string{"primary", "backup"}, Mode: "fallback", Cacheable: true},
		},
		Tenants: []TenantConfig{
			{Name: "acme", MonthlyBudgetUSD: 100, AlertThreshold: 0.8},
		},
		Cache:    CacheConfig{Mode: "memory", TTL: time.Hour},
		Queue:    QueueConfig{Workers: 4, MaxAttempts: 3, RetryBackoff: 5 * time.Second, Retention: 24 * time.Hour},
		Feedback: FeedbackConfig{LearningRate: 0.1, RelearnInterval: 10 * time.Minute},
		Audit:    AuditConfig{BatchSize: 200, FlushInterval: 2 * time.Second},
	}
}

func TestValidateOK(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantSub: "at least one provider",
		},
		{
			name:    "duplicate provider",
			mutate:  func(c *Config) { c.Providers[1].Name = "primary" },
			wantSub: "duplicate provider",
		},
		{
			name:    "bad kind",
			mutate:  func(c *Config) { c.Providers[0].Kind = "cohere" },
			wantSub: "invalid kind",
		},
		{
			name:    "compat needs base url",
			mutate:  func(c *Config) { c.Providers[0].Kind = "openai_compat"; c.Providers[0].BaseURL = "" },
			wantSub: "base_url is required",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.Providers[0].Model = "" },
			wantSub: "model is required",
		},
		{
			name:    "policy unknown provider",
			mutate:  func(c *Config) { c.Policies[0].Providers = []string{"ghost"} },
			wantSub: "unknown provider",
		},
		{
			name:    "policy bad mode",
			mutate:  func(c *Config) { c.Policies[0].Mode = "race" },
			wantSub: "invalid mode",
		},
		{
			name: "consensus needs two providers",
			mutate: func(c *Config) {
				c.Policies[0].Mode = "consensus"
				c.Policies[0].Providers = []string{"primary"}
			},
			wantSub: "at least 2 providers",
		},
		{
			name: "agreement out of range",
			mutate: func(c *Config) {
				c.Policies[0].Mode = "consensus"
				c.Policies[0].Agreement = 0.3
			},
			wantSub: "agreement must be in",
		},
		{
			name:    "default provider unknown",
			mutate:  func(c *Config) { c.DefaultProvider = "ghost" },
			wantSub: "DEFAULT_PROVIDER",
		},
		{
			name:    "tenant budget",
			mutate:  func(c *Config) { c.Tenants[0].MonthlyBudgetUSD = 0 },
			wantSub: "monthly_budget_usd",
		},
		{
			name:    "tenant alert threshold",
			mutate:  func(c *Config) { c.Tenants[0].AlertThreshold = 1.5 },
			wantSub: "alert_threshold",
		},
		{
			name:    "redis mode without url",
			mutate:  func(c *Config) { c.Cache.Mode = "redis" },
			wantSub: "REDIS_URL is required",
		},
		{
			name:    "bad cache mode",
			mutate:  func(c *Config) { c.Cache.Mode = "disk" },
			wantSub: "invalid CACHE_MODE",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantSub: "invalid LOG_LEVEL",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Queue.Workers = 0 },
			wantSub: "QUEUE_WORKERS",
		},
		{
			name:    "learning rate out of range",
			mutate:  func(c *Config) { c.Feedback.LearningRate = 1.2 },
			wantSub: "FEEDBACK_LEARNING_RATE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error = %q, want substring %q", err, tc.wantSub)
			}
		})
	}
}
