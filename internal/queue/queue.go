// Package queue implements the deferred-processing queue: a priority
// worker pool with bounded retries, explicit cancel/retry, progress
// reporting, and retention-based cleanup of terminal items.
//
// State transitions are owned exclusively by the queue; callers observe
// items through snapshots and interact via Enqueue, Cancel, and Retry.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/ai-gateway/internal/budget"
	"github.com/arbiterlabs/ai-gateway/internal/metrics"
	"github.com/arbiterlabs/ai-gateway/internal/router"
)

var (
	// ErrUnknownTask means no handler is registered for the task type.
	ErrUnknownTask = errors.New("queue: no handler for task type")

	// ErrNotFound means the item ID is unknown (possibly already purged).
	ErrNotFound = errors.New("queue: item not found")

	// ErrTerminal rejects cancel/retry on items whose state cannot change.
	ErrTerminal = errors.New("queue: item is in a terminal state")

	// ErrRetriesExhausted rejects a retry when no attempts remain.
	ErrRetriesExhausted = errors.New("queue: retries exhausted")
)

// Task is the handler's view of one attempt.
type Task struct {
	ID       uuid.UUID
	TaskType string
	Payload  json.RawMessage
	Attempt  int

	// Report publishes progress (0–100) and a status message visible via
	// the item's snapshot. Safe to call concurrently with queue operations.
	Report func(progress int, message string)

	// SetProvider records the backend that ended up serving the item,
	// visible via the snapshot once assigned.
	SetProvider func(name string)
}

// Handler executes one task attempt. Returning an error requeues the item
// (with backoff) until attempts are exhausted; permanent errors fail it
// immediately.
type Handler func(ctx context.Context, task *Task) (json.RawMessage, error)

// Options configures a Queue.
type Options struct {
	Workers      int
	MaxAttempts  int           // default per-item attempt cap
	RetryBackoff time.Duration // base delay, doubled per attempt
	Retention    time.Duration // how long terminal items stay queryable
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 5 * time.Second
	}
	if out.Retention <= 0 {
		out.Retention = 24 * time.Hour
	}
	return out
}

// Queue is the deferred-processing engine. Create with New, register
// handlers, then Start. Safe for concurrent use.
type Queue struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[string]Handler
	items    map[uuid.UUID]*item
	ready    readyHeap
	running  map[uuid.UUID]context.CancelFunc
	seq      uint64
	stopped  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped queue. met may be nil.
func New(opts Options, met *metrics.Registry, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		opts:     opts.withDefaults(),
		log:      log,
		metrics:  met,
		handlers: make(map[string]Handler),
		items:    make(map[uuid.UUID]*item),
		running:  make(map[uuid.UUID]context.CancelFunc),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Register binds a handler to a task type. Must be called before Start.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

// Start launches the worker pool and the retention sweep. ctx cancellation
// stops everything; Stop waits for in-flight handlers.
func (q *Queue) Start(ctx context.Context) {
	q.baseCtx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.purgeLoop()

	// Wake blocked workers when the context dies.
	go func() {
		<-q.baseCtx.Done()
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()

	q.log.Info("queue started",
		slog.Int("workers", q.opts.Workers),
		slog.Int("max_attempts", q.opts.MaxAttempts))
}

// Stop cancels workers and waits for them to drain.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a new pending item. maxAttempts ≤ 0 uses the queue default;
// delay > 0 defers the first pickup.
func (q *Queue) Enqueue(taskType string, priority Priority, payload json.RawMessage, maxAttempts int, delay time.Duration) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[taskType]; !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownTask, taskType)
	}
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	now := time.Now().UTC()
	q.seq++
	it := &item{
		id:          uuid.New(),
		taskType:    taskType,
		priority:    priority,
		state:       StatePending,
		payload:     payload,
		maxAttempts: maxAttempts,
		scheduledAt: now.Add(delay),
		createdAt:   now,
		statusMsg:   "queued",
		seq:         q.seq,
	}
	q.items[it.id] = it
	q.transitionLocked(it, StatePending)

	if delay > 0 {
		q.scheduleLocked(it, delay)
	} else {
		heap.Push(&q.ready, it)
		q.cond.Signal()
	}

	return it.snapshot(), nil
}

// Get returns a snapshot of the item.
func (q *Queue) Get(id uuid.UUID) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return it.snapshot(), nil
}

// List returns snapshots of all items, unordered.
func (q *Queue) List() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Snapshot, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.snapshot())
	}
	return out
}

// Cancel stops an item. Pending items cancel immediately; processing items
// have their context cancelled and finish as cancelled. Terminal items
// return ErrTerminal.
func (q *Queue) Cancel(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}

	switch it.state {
	case StatePending:
		q.removeReadyLocked(it)
		it.completedAt = time.Now().UTC()
		it.statusMsg = "cancelled"
		q.transitionLocked(it, StateCancelled)
		return nil
	case StateProcessing:
		if cancel, ok := q.running[id]; ok {
			cancel()
		}
		// The worker observes the cancellation and finalizes the state.
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrTerminal, it.state)
	}
}

// Retry re-queues a failed item. Only legal while attempts remain.
func (q *Queue) Retry(id uuid.UUID) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if it.state != StateFailed {
		return Snapshot{}, fmt.Errorf("%w: retry requires state failed, got %s", ErrTerminal, it.state)
	}
	if it.attempts >= it.maxAttempts {
		return Snapshot{}, fmt.Errorf("%w: %d of %d attempts used", ErrRetriesExhausted, it.attempts, it.maxAttempts)
	}

	it.errorMsg = ""
	it.completedAt = time.Time{}
	it.scheduledAt = time.Now().UTC()
	it.statusMsg = "requeued by caller"
	q.transitionLocked(it, StatePending)
	heap.Push(&q.ready, it)
	q.cond.Signal()

	return it.snapshot(), nil
}

// Depths returns the item count per state.
func (q *Queue) Depths() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[State]int, 5)
	for _, it := range q.items {
		out[it.state]++
	}
	return out
}

// ── worker pool ─────────────────────────────────────────────────────────────

func (q *Queue) worker(n int) {
	defer q.wg.Done()

	for {
		it := q.next()
		if it == nil {
			return
		}
		q.process(it, n)
	}
}

// next blocks until a ready item is available or the queue stops.
func (q *Queue) next() *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return nil
		}
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)

			it.attempts++
			it.startedAt = time.Now().UTC()
			it.statusMsg = fmt.Sprintf("attempt %d of %d", it.attempts, it.maxAttempts)
			q.transitionLocked(it, StateProcessing)

			ctx, cancel := context.WithCancel(q.baseCtx)
			q.running[it.id] = cancel
			it.runCtx = ctx
			return it
		}
		q.cond.Wait()
	}
}

func (q *Queue) process(it *item, worker int) {
	q.mu.Lock()
	handler := q.handlers[it.taskType]
	ctx := it.runCtx
	task := &Task{
		ID:       it.id,
		TaskType: it.taskType,
		Payload:  it.payload,
		Attempt:  it.attempts,
		Report: func(progress int, message string) {
			q.reportProgress(it.id, progress, message)
		},
		SetProvider: func(name string) {
			q.assignProvider(it.id, name)
		},
	}
	q.mu.Unlock()

	output, err := handler(ctx, task)

	q.mu.Lock()
	defer q.mu.Unlock()

	if cancel, ok := q.running[it.id]; ok {
		cancel()
		delete(q.running, it.id)
	}
	it.runCtx = nil
	now := time.Now().UTC()

	switch {
	case ctx.Err() != nil && q.baseCtx.Err() == nil:
		// Cancelled by an explicit Cancel call; any result is discarded.
		it.completedAt = now
		it.statusMsg = "cancelled"
		q.transitionLocked(it, StateCancelled)

	case err == nil:
		it.output = output
		it.progress = 100
		it.completedAt = now
		it.statusMsg = "done"
		q.transitionLocked(it, StateCompleted)

	case isPermanent(err) || it.attempts >= it.maxAttempts:
		it.errorMsg = err.Error()
		it.completedAt = now
		it.statusMsg = "failed"
		q.transitionLocked(it, StateFailed)
		q.log.Warn("queue item failed",
			slog.String("item_id", it.id.String()),
			slog.String("task_type", it.taskType),
			slog.Int("attempts", it.attempts),
			slog.Int("worker", worker),
			slog.String("error", err.Error()))

	default:
		// Transient failure with attempts remaining: back off and requeue.
		backoff := q.opts.RetryBackoff << (it.attempts - 1)
		it.errorMsg = err.Error()
		it.scheduledAt = now.Add(backoff)
		it.statusMsg = fmt.Sprintf("retrying in %s", backoff)
		q.transitionLocked(it, StatePending)
		q.scheduleLocked(it, backoff)
	}
}

func (q *Queue) reportProgress(id uuid.UUID, progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok || it.state != StateProcessing {
		return
	}
	it.progress = progress
	if message != "" {
		it.statusMsg = message
	}
}

func (q *Queue) assignProvider(id uuid.UUID, name string) {
	if name == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok || it.state != StateProcessing {
		return
	}
	it.provider = name
}

// scheduleLocked arms a timer that moves the item into the ready heap when
// its scheduled time arrives. Caller holds q.mu.
func (q *Queue) scheduleLocked(it *item, delay time.Duration) {
	id := it.id
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		cur, ok := q.items[id]
		if !ok || cur.state != StatePending || q.stopped {
			return
		}
		heap.Push(&q.ready, cur)
		q.cond.Signal()
	})
}

// removeReadyLocked drops an item from the ready heap if present.
// Caller holds q.mu.
func (q *Queue) removeReadyLocked(it *item) {
	for i, r := range q.ready {
		if r.id == it.id {
			heap.Remove(&q.ready, i)
			return
		}
	}
}

// transitionLocked records a state change and updates gauges.
// Caller holds q.mu.
func (q *Queue) transitionLocked(it *item, to State) {
	it.state = to
	if q.metrics != nil {
		q.metrics.RecordQueueTransition(string(to))
		counts := make(map[State]int, 5)
		for _, x := range q.items {
			counts[x.state]++
		}
		for _, s := range []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled} {
			q.metrics.SetQueueDepth(string(s), counts[s])
		}
	}
}

// ── retention ───────────────────────────────────────────────────────────────

func (q *Queue) purgeLoop() {
	defer q.wg.Done()

	interval := q.opts.Retention / 10
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.purgeExpired()
		case <-q.baseCtx.Done():
			return
		}
	}
}

func (q *Queue) purgeExpired() {
	cutoff := time.Now().UTC().Add(-q.opts.Retention)

	q.mu.Lock()
	defer q.mu.Unlock()

	var purged int
	for id, it := range q.items {
		if it.state.Terminal() && !it.completedAt.IsZero() && it.completedAt.Before(cutoff) {
			delete(q.items, id)
			purged++
		}
	}
	if purged > 0 {
		q.log.Info("purged terminal queue items", slog.Int("count", purged))
	}
}

// isPermanent reports errors that must never be retried automatically:
// budget rejections and consensus failures require caller action.
func isPermanent(err error) bool {
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return true
	}
	var nc *router.NoConsensusError
	return errors.As(err, &nc)
}
