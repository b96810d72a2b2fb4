package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/ai-gateway/internal/budget"
	"github.com/arbiterlabs/ai-gateway/internal/router"
)

func testOptions() Options {
	return Options{
		Workers:      1,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
		Retention:    time.Hour,
	}
}

// waitForState polls until the item reaches want or the deadline passes.
func waitForState(t *testing.T, q *Queue, id uuid.UUID, want State) Snapshot {
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
	t.Fatalf("item never reached %s, stuck at %s (attempts %d, error %q)",
		want, snap.State, snap.Attempts, snap.Error)
	return Snapshot{}
}

func TestEnqueueUnknownTaskType(t *testing.T) {
	q := New(testOptions(), nil, nil)
	_, err := q.Enqueue("ghost", PriorityMedium, nil, 0, 0)
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestPriorityOrderingIsDeterministic(t *testing.T) {
	q := New(testOptions(), nil, nil)

	var mu sync.Mutex
	var order []string
	q.Register("job", func(_ context.Context, task *Task) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, string(task.Payload))
		mu.Unlock()
		return nil, nil
	})

	// Enqueue before Start so the single worker drains a settled heap.
	var ids []uuid.UUID
	for _, e := range []struct {
		prio Priority
		name string
	}{
		{PriorityLow, `"low-1"`},
		{PriorityUrgent, `"urgent-1"`},
		{PriorityMedium, `"medium-1"`},
		{PriorityUrgent, `"urgent-2"`},
		{PriorityLow, `"low-2"`},
	} {
		snap, err := q.Enqueue("job", e.prio, json.RawMessage(e.name), 0, 0)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	q.Start(context.Background())
	defer q.Stop()

	for _, id := range ids {
		waitForState(t, q, id, StateCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{`"urgent-1"`, `"urgent-2"`, `"medium-1"`, `"low-1"`, `"low-2"`}
	if len(order) != len(want) {
		t.Fatalf("processed %d items, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q := New(testOptions(), nil, nil)

	var calls int
	var mu sync.Mutex
	q.Register("flaky", func(context.Context, *Task) (json.RawMessage, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("flaky", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitForState(t, q, snap.ID, StateCompleted)
	if done.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", done.Attempts)
	}
	if done.Progress != 100 {
		t.Fatalf("Progress = %d, want 100", done.Progress)
	}
	if string(done.Output) != `{"ok":true}` {
		t.Fatalf("Output = %s", done.Output)
	}
	if done.CompletedAt == nil || done.StartedAt == nil {
		t.Fatal("timestamps missing on completed item")
	}
}

func TestAttemptsExhausted(t *testing.T) {
	q := New(testOptions(), nil, nil)
	q.Register("doomed", func(context.Context, *Task) (json.RawMessage, error) {
		return nil, errors.New("always broken")
	})
	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("doomed", PriorityHigh, nil, 2, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failed := waitForState(t, q, snap.ID, StateFailed)
	if failed.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2 (the override)", failed.Attempts)
	}
	if failed.Error != "always broken" {
		t.Fatalf("Error = %q", failed.Error)
	}

	// No attempts remain, so an explicit retry is refused.
	if _, err := q.Retry(snap.ID); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	q := New(testOptions(), nil, nil)
	q.Register("budgeted", func(context.Context, *Task) (json.RawMessage, error) {
		return nil, fmt.Errorf("dispatch: %w", budget.ErrBudgetExceeded)
	})
	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("budgeted", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failed := waitForState(t, q, snap.ID, StateFailed)
	if failed.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 (no automatic retry)", failed.Attempts)
	}

	// Attempts remain, so the caller may explicitly retry.
	if _, err := q.Retry(snap.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitForState(t, q, snap.ID, StateFailed)
}

func TestNoConsensusIsPermanent(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", &router.NoConsensusError{TaskType: "verify", Agreement: 0.5, Threshold: 0.8})
	if !isPermanent(err) {
		t.Fatal("NoConsensusError must be permanent")
	}
	if isPermanent(errors.New("plain transient")) {
		t.Fatal("plain errors must stay retryable")
	}
}

func TestCancelPending(t *testing.T) {
	q := New(testOptions(), nil, nil)
	q.Register("job", func(context.Context, *Task) (json.RawMessage, error) {
		return nil, nil
	})
	q.Start(context.Background())
	defer q.Stop()

	// A long delay keeps the item pending.
	snap, err := q.Enqueue("job", PriorityMedium, nil, 0, time.Hour)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := q.Get(snap.ID)
	if got.State != StateCancelled {
		t.Fatalf("State = %s, want cancelled", got.State)
	}

	// Terminal states are immutable.
	if err := q.Cancel(snap.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second Cancel: expected ErrTerminal, got %v", err)
	}
	if _, err := q.Retry(snap.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("Retry of cancelled: expected ErrTerminal, got %v", err)
	}
}

func TestCancelProcessing(t *testing.T) {
	q := New(testOptions(), nil, nil)

	started := make(chan struct{})
	q.Register("slow", func(ctx context.Context, _ *Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("slow", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-started
	if err := q.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := waitForState(t, q, snap.ID, StateCancelled)
	if got.Output != nil {
		t.Fatal("cancelled item must not carry output")
	}
}

func TestProgressReporting(t *testing.T) {
	q := New(testOptions(), nil, nil)

	reported := make(chan struct{})
	release := make(chan struct{})
	q.Register("long", func(_ context.Context, task *Task) (json.RawMessage, error) {
		task.Report(40, "halfway-ish")
		close(reported)
		<-release
		return nil, nil
	})
	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("long", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-reported
	got, _ := q.Get(snap.ID)
	if got.Progress != 40 || got.StatusMsg != "halfway-ish" {
		t.Fatalf("progress = %d/%q, want 40/halfway-ish", got.Progress, got.StatusMsg)
	}
	close(release)
	waitForState(t, q, snap.ID, StateCompleted)
}

func TestRetentionPurge(t *testing.T) {
	q := New(testOptions(), nil, nil)
	q.Register("job", func(context.Context, *Task) (json.RawMessage, error) {
		return nil, nil
	})
	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("job", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, q, snap.ID, StateCompleted)

	// Age the item past the retention window, then sweep.
	q.mu.Lock()
	q.items[snap.ID].completedAt = time.Now().UTC().Add(-2 * q.opts.Retention)
	q.mu.Unlock()
	q.purgeExpired()

	if _, err := q.Get(snap.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
}

func TestScheduledDelayHonored(t *testing.T) {
	q := New(testOptions(), nil, nil)

	var startedAt time.Time
	var mu sync.Mutex
	q.Register("later", func(context.Context, *Task) (json.RawMessage, error) {
		mu.Lock()
		startedAt = time.Now()
		mu.Unlock()
		return nil, nil
	})
	q.Start(context.Background())
	defer q.Stop()

	delay := 50 * time.Millisecond
	enqueued := time.Now()
	snap, err := q.Enqueue("later", PriorityUrgent, nil, 0, delay)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForState(t, q, snap.ID, StateCompleted)
	mu.Lock()
	defer mu.Unlock()
	if startedAt.Sub(enqueued) < delay {
		t.Fatalf("item ran after %s, want at least %s", startedAt.Sub(enqueued), delay)
	}
}

func TestDepths(t *testing.T) {
	q := New(testOptions(), nil, nil)
	q.Register("job", func(context.Context, *Task) (json.RawMessage, error) {
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("job", PriorityMedium, nil, 0, time.Hour); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got := q.Depths()[StatePending]; got != 3 {
		t.Fatalf("pending depth = %d, want 3", got)
	}
}

func TestHandlerAssignsProvider(t *testing.T) {
	q := New(testOptions(), nil, nil)
	q.Register("routed", func(_ context.Context, task *Task) (json.RawMessage, error) {
		task.SetProvider("backend-a")
		return nil, nil
	})

	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("routed", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitForState(t, q, snap.ID, StateCompleted)
	if done.Provider != "backend-a" {
		t.Fatalf("provider = %q, want backend-a", done.Provider)
	}
}

func TestAssignProviderIgnoresFinishedItems(t *testing.T) {
	q := New(testOptions(), nil, nil)

	var setProvider func(string)
	q.Register("sneaky", func(_ context.Context, task *Task) (json.RawMessage, error) {
		setProvider = task.SetProvider
		return nil, nil
	})

	q.Start(context.Background())
	defer q.Stop()

	snap, err := q.Enqueue("sneaky", PriorityMedium, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, q, snap.ID, StateCompleted)

	setProvider("too-late")
	got, err := q.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != "" {
		t.Fatalf("provider = %q, want empty after completion", got.Provider)
	}
}
