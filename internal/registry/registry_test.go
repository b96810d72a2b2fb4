package registry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

type stubStrategy struct {
	healthErr error
}

func (s *stubStrategy) Kind() providers.Kind { return providers.KindOpenAICompat }

func (s *stubStrategy) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.NormalizedResult, error) {
	return &providers.NormalizedResult{Content: "ok"}, nil
}

func (s *stubStrategy) HealthCheck(ctx context.Context) error { return s.healthErr }

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(&Provider{Name: "a"}, &stubStrategy{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(&Provider{Name: "a"}, &stubStrategy{}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(&Provider{Name: "b"}, nil); err == nil {
		t.Fatal("expected nil strategy to be rejected")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRecordAttemptCounters(t *testing.T) {
	p := &Provider{Name: "p", CostPerKTokIn: 1, CostPerKTokOut: 2}

	p.RecordAttempt(true, 100*time.Millisecond, 0.5)
	p.RecordAttempt(false, 300*time.Millisecond, 0)
	p.RecordAttempt(true, 100*time.Millisecond, 0.25)

	s := p.Snapshot()
	if s.Attempts != 3 || s.Successes != 2 || s.Failures != 1 {
		t.Fatalf("counters = %d/%d/%d, want 3/2/1", s.Attempts, s.Successes, s.Failures)
	}
	if s.Successes+s.Failures != s.Attempts {
		t.Fatalf("successes+failures = %d, want attempts %d", s.Successes+s.Failures, s.Attempts)
	}
	if math.Abs(s.CostUSD-0.75) > 1e-9 {
		t.Fatalf("CostUSD = %v, want 0.75", s.CostUSD)
	}

	// EMA after 100, 300, 100 with alpha 0.2: 100 -> 140 -> 132.
	if math.Abs(s.EMALatencyMs-132) > 1e-9 {
		t.Fatalf("EMALatencyMs = %v, want 132", s.EMALatencyMs)
	}
}

func TestActualCost(t *testing.T) {
	p := &Provider{Name: "p", CostPerKTokIn: 3, CostPerKTokOut: 15}
	got := p.ActualCost(providers.Usage{InputTokens: 2000, OutputTokens: 500})
	want := 2.0*3 + 0.5*15
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("ActualCost = %v, want %v", got, want)
	}
}

func TestEstimateCostDefaults(t *testing.T) {
	p := &Provider{Name: "p", CostPerKTokIn: 1, CostPerKTokOut: 1}
	// 400-char prompt -> 100 input tokens; default max output tokens apply.
	prompt := make([]byte, 400)
	got := p.EstimateCost(string(prompt), providers.GenerationParams{})
	want := 0.1 + float64(providers.DefaultMaxTokens)/1000
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("EstimateCost = %v, want %v", got, want)
	}
}

func TestDisabledIsSticky(t *testing.T) {
	p := &Provider{Name: "p"}
	p.Disable()
	p.SetHealth(Healthy) // probes must not resurrect a disabled provider
	if got := p.Health(); got != Disabled {
		t.Fatalf("Health = %v, want Disabled", got)
	}
	p.Enable()
	if got := p.Health(); got != Healthy {
		t.Fatalf("Health after Enable = %v, want Healthy", got)
	}
}

func TestRoutable(t *testing.T) {
	cases := []struct {
		state HealthState
		want  bool
	}{
		{Healthy, true},
		{Degraded, true},
		{Unreachable, false},
		{Disabled, false},
	}
	for _, tc := range cases {
		if got := tc.state.Routable(); got != tc.want {
			t.Errorf("%v.Routable() = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestHealthCheckerProbes(t *testing.T) {
	r := New()
	good := &stubStrategy{}
	bad := &stubStrategy{healthErr: errors.New("connection refused")}
	if err := r.Register(&Provider{Name: "good"}, good); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Provider{Name: "bad"}, bad); err != nil {
		t.Fatal(err)
	}

	hc := NewHealthChecker(context.Background(), r, func() bool { return true }, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers["good"] != "healthy" {
		t.Fatalf("good = %q, want healthy", snap.Providers["good"])
	}
	if snap.Providers["bad"] != "unreachable" {
		t.Fatalf("bad = %q, want unreachable", snap.Providers["bad"])
	}
	if snap.Status != "degraded" {
		t.Fatalf("Status = %q, want degraded", snap.Status)
	}
	if snap.Cache != "ok" {
		t.Fatalf("Cache = %q, want ok", snap.Cache)
	}
	if !hc.ReadinessOK() {
		t.Fatal("ReadinessOK = false, want true (one provider routable)")
	}
}

func TestReadinessFalseWhenAllDown(t *testing.T) {
	r := New()
	bad := &stubStrategy{healthErr: errors.New("down")}
	if err := r.Register(&Provider{Name: "only"}, bad); err != nil {
		t.Fatal(err)
	}
	hc := NewHealthChecker(context.Background(), r, nil, nil, nil)
	defer hc.Close()

	if hc.ReadinessOK() {
		t.Fatal("ReadinessOK = true, want false")
	}
	if got := hc.Snapshot().Cache; got != "unconfigured" {
		t.Fatalf("Cache = %q, want unconfigured", got)
	}
}
