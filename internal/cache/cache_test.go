package cache

import (
	"context"
	"testing"
	"time"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

func TestFingerprintStability(t *testing.T) {
	params := providers.GenerationParams{MaxTokens: 256, Temperature: 0.2}

	a := Fingerprint("summarize", "primary", "gpt-4o-mini", "hello", params)
	b := Fingerprint("summarize", "primary", "gpt-4o-mini", "hello", params)
	if a != b {
		t.Fatal("identical requests must produce identical fingerprints")
	}

	variants := []string{
		Fingerprint("classify", "primary", "gpt-4o-mini", "hello", params),
		Fingerprint("summarize", "backup", "gpt-4o-mini", "hello", params),
		Fingerprint("summarize", "primary", "gpt-4o", "hello", params),
		Fingerprint("summarize", "primary", "gpt-4o-mini", "hullo", params),
		Fingerprint("summarize", "primary", "gpt-4o-mini", "hello",
			providers.GenerationParams{MaxTokens: 256, Temperature: 0.7}),
	}
	for i, v := range variants {
		if v == a {
			t.Fatalf("variant %d collided with the base fingerprint", i)
		}
	}
}

func newTestResponseCache(t *testing.T) (*ResponseCache, *MemoryCache) {
	t.Helper()
	mem := NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)
	return NewResponseCache(mem, time.Hour, nil), mem
}

func TestResponseCacheRoundTrip(t *testing.T) {
	rc, _ := newTestResponseCache(t)
	ctx := context.Background()

	fp := Fingerprint("summarize", "primary", "m", "prompt", providers.GenerationParams{})
	res := &providers.NormalizedResult{
		Content:      "the summary",
		Usage:        providers.Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: "stop",
	}

	if _, ok := rc.Lookup(ctx, fp); ok {
		t.Fatal("expected miss before Store")
	}
	if err := rc.Store(ctx, fp, "primary", res); err != nil {
		t.Fatalf("Store: %v", err)
	}

	e, ok := rc.Lookup(ctx, fp)
	if !ok {
		t.Fatal("expected hit after Store")
	}
	if e.Result.Content != "the summary" || e.Provider != "primary" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.HitCount != 1 {
		t.Fatalf("HitCount = %d, want 1", e.HitCount)
	}

	// Second lookup bumps the counter again.
	e, ok = rc.Lookup(ctx, fp)
	if !ok {
		t.Fatal("expected second hit")
	}
	if e.HitCount != 2 {
		t.Fatalf("HitCount = %d, want 2", e.HitCount)
	}
}

// TestResponseCacheCorruptEntry verifies that an undecodable entry is
// evicted and reported as a miss rather than surfacing an error.
func TestResponseCacheCorruptEntry(t *testing.T) {
	rc, mem := newTestResponseCache(t)
	ctx := context.Background()

	fp := "resp:corrupt"
	if err := mem.Set(ctx, fp, []byte("{not json"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := rc.Lookup(ctx, fp); ok {
		t.Fatal("corrupt entry must read as a miss")
	}
	if _, ok := mem.Get(ctx, fp); ok {
		t.Fatal("corrupt entry must be evicted")
	}
}

func TestResponseCacheExpiredEntry(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)
	rc := NewResponseCache(mem, time.Hour, nil)

	base := time.Now()
	rc.now = func() time.Time { return base }

	fp := "resp:exp"
	if err := rc.Store(context.Background(), fp, "p", &providers.NormalizedResult{Content: "x"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rc.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, ok := rc.Lookup(context.Background(), fp); ok {
		t.Fatal("entry past its expiry must read as a miss")
	}
}

func TestNilResponseCacheIsMiss(t *testing.T) {
	var rc *ResponseCache
	if _, ok := rc.Lookup(context.Background(), "fp"); ok {
		t.Fatal("nil cache must miss")
	}
	if err := rc.Store(context.Background(), "fp", "p", &providers.NormalizedResult{}); err != nil {
		t.Fatalf("nil cache Store: %v", err)
	}
}

func TestMemoryCacheLazyExpiry(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)
	ctx := context.Background()

	if err := mem.Set(ctx, "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok := mem.Get(ctx, "k"); ok {
		t.Fatal("expired entry must read as a miss")
	}
	if mem.Len() != 0 {
		t.Fatalf("Len = %d after lazy expiry, want 0", mem.Len())
	}
}
