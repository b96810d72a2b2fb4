package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/ai-gateway/internal/config"
	"github.com/arbiterlabs/ai-gateway/internal/providers"
	"github.com/arbiterlabs/ai-gateway/internal/queue"
	"github.com/arbiterlabs/ai-gateway/internal/registry"
	"github.com/arbiterlabs/ai-gateway/internal/router"
)

// echoStrategy answers every prompt with a fixed string.
type echoStrategy struct{ content string }

func (s *echoStrategy) Kind() providers.Kind { return "mock" }

func (s *echoStrategy) Invoke(_ context.Context, _ *providers.InvokeRequest) (*providers.NormalizedResult, error) {
	return &providers.NormalizedResult{
		Content:      s.content,
		Usage:        providers.Usage{InputTokens: 8, OutputTokens: 4},
		FinishReason: "stop",
	}, nil
}

func (s *echoStrategy) HealthCheck(context.Context) error { return nil }

// newQueueApp builds the minimal slice of an App needed to exercise the
// deferred-dispatch path: registry with one provider, a policy table, the
// router, and a started queue with handlers registered the way initGateway
// registers them.
func newQueueApp(t *testing.T, taskTypes ...string) (*App, func()) {
	t.Helper()

	reg := registry.New()
	prov := &registry.Provider{Name: "alpha", Kind: "mock", Model: "mock-1"}
	if err := reg.Register(prov, &echoStrategy{content: "deferred answer"}); err != nil {
		t.Fatal(err)
	}

	cfgs := make([]config.PolicyConfig, 0, len(taskTypes))
	for _, tt := range taskTypes {
		cfgs = append(cfgs, config.PolicyConfig{
			TaskType: tt, Providers: []string{"alpha"}, Mode: "single",
		})
	}
	policies := router.NewPolicyTable(cfgs, "")

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		baseCtx: ctx,
		log:     slog.Default(),
		reg:     reg,
		rt:      router.New(reg, policies, nil, nil, nil, nil, nil),
		q: queue.New(queue.Options{
			Workers:      1,
			MaxAttempts:  3,
			RetryBackoff: 10 * time.Millisecond,
			Retention:    time.Hour,
		}, nil, nil),
	}
	a.registerQueueHandlers(policies)
	a.q.Start(ctx)

	return a, cancel
}

func waitForState(t *testing.T, q *queue.Queue, id uuid.UUID, want queue.State) queue.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := q.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := q.Get(id)
	t.Fatalf("item never reached %s, stuck at %s (error %q)", want, snap.State, snap.Error)
	return queue.Snapshot{}
}

func TestEnqueueUsesDispatchTaskTypes(t *testing.T) {
	a, cancel := newQueueApp(t, "document_summary", "classify")
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"prompt": "condense the quarterly report"})
	snap, err := a.q.Enqueue("document_summary", queue.PriorityHigh, payload, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue(document_summary): %v", err)
	}
	if snap.TaskType != "document_summary" {
		t.Errorf("task_type = %q, want document_summary", snap.TaskType)
	}

	done := waitForState(t, a.q, snap.ID, queue.StateCompleted)

	var out struct {
		Provider string `json:"provider"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("output %q: %v", done.Output, err)
	}
	if out.Content != "deferred answer" {
		t.Errorf("content = %q", out.Content)
	}
	if out.Provider != "alpha" {
		t.Errorf("output provider = %q, want alpha", out.Provider)
	}
}

func TestEnqueueRejectsUnconfiguredTaskType(t *testing.T) {
	a, cancel := newQueueApp(t, "document_summary")
	defer cancel()

	_, err := a.q.Enqueue("translate", queue.PriorityMedium, nil, 0, 0)
	if !errors.Is(err, queue.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask for unconfigured type, got %v", err)
	}
}

func TestCompletedItemRecordsServingProvider(t *testing.T) {
	a, cancel := newQueueApp(t, "document_summary")
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"prompt": "anything"})
	snap, err := a.q.Enqueue("document_summary", queue.PriorityMedium, payload, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitForState(t, a.q, snap.ID, queue.StateCompleted)
	if done.Provider != "alpha" {
		t.Errorf("snapshot provider = %q, want alpha", done.Provider)
	}
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	a, cancel := newQueueApp(t, "document_summary")
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Close()
		}()
	}
	wg.Wait()
	a.Close() // and once more after the fact
}
