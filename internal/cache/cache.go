// Package cache provides response caching for the gateway.
//
// Two byte-level backends are available:
//   - RedisCache  — Redis-backed, shared across replicas. Recommended for
//     production clusters.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface so they are fully interchangeable.
// ResponseCache layers fingerprinting, hit accounting, and corruption
// handling on top of either backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// Cache is the byte-level backend contract.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is one cached response together with its bookkeeping fields.
type Entry struct {
	Fingerprint string                     `json:"fingerprint"`
	Result      providers.NormalizedResult `json:"result"`
	Provider    string                     `json:"provider"`
	CreatedAt   time.Time                  `json:"created_at"`
	ExpiresAt   time.Time                  `json:"expires_at"`
	HitCount    int64                      `json:"hit_count"`
	LastAccess  time.Time                  `json:"last_access"`
}

// Fingerprint derives the cache key for a request. Two requests share an
// entry only when task type, provider, model, prompt, and the generation
// parameters that influence output all match.
func Fingerprint(taskType, provider, model, prompt string, params providers.GenerationParams) string {
	h := sha256.New()
	for _, part := range []string{
		taskType,
		provider,
		model,
		prompt,
		strconv.Itoa(params.MaxTokens),
		strconv.FormatFloat(params.Temperature, 'g', -1, 64),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "resp:" + hex.EncodeToString(h.Sum(nil))
}

// ResponseCache stores normalized provider results keyed by request
// fingerprint. A nil ResponseCache is valid and behaves as always-miss,
// so callers never need a cache-enabled check.
type ResponseCache struct {
	backend Cache
	ttl     time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// NewResponseCache wraps a backend. ttl is the default entry lifetime;
// zero means one hour.
func NewResponseCache(backend Cache, ttl time.Duration, log *slog.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResponseCache{backend: backend, ttl: ttl, log: log, now: time.Now}
}

// Lookup returns the cached entry for fingerprint, or (nil, false) on a
// miss. A hit bumps the entry's hit count and last-access time. Entries
// that fail to decode are deleted and reported as a miss.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*Entry, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}

	raw, ok := c.backend.Get(ctx, fingerprint)
	if !ok {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn("cache entry corrupt, evicting",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()))
		_ = c.backend.Delete(ctx, fingerprint)
		return nil, false
	}

	now := c.now()
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		_ = c.backend.Delete(ctx, fingerprint)
		return nil, false
	}

	e.HitCount++
	e.LastAccess = now
	if raw, err := json.Marshal(&e); err == nil {
		// Rewrite with the remaining lifetime so the hit counter survives
		// without extending the entry's expiry.
		_ = c.backend.Set(ctx, fingerprint, raw, e.ExpiresAt.Sub(now))
	}

	return &e, true
}

// Store caches a normalized result under fingerprint with the default TTL.
func (c *ResponseCache) Store(ctx context.Context, fingerprint, provider string, res *providers.NormalizedResult) error {
	if c == nil || c.backend == nil {
		return nil
	}

	now := c.now()
	e := Entry{
		Fingerprint: fingerprint,
		Result:      *res,
		Provider:    provider,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
		LastAccess:  now,
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	return c.backend.Set(ctx, fingerprint, raw, c.ttl)
}

// Invalidate removes the entry for fingerprint.
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Delete(ctx, fingerprint)
}
