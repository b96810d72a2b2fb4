package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders pending items; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// ParsePriority maps the wire names to Priority. Unknown names read as
// medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "medium"
	}
}

// State is a queue item's lifecycle position.
//
//	pending → processing → {completed | failed | cancelled}
//	failed → pending (explicit retry while attempts remain)
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state can no longer change on its own.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// item is the queue's internal record. All fields are guarded by the
// queue's mutex; snapshots are handed out to callers.
type item struct {
	id          uuid.UUID
	taskType    string
	priority    Priority
	state       State
	payload     json.RawMessage
	output      json.RawMessage
	errorMsg    string
	attempts    int
	maxAttempts int
	scheduledAt time.Time
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	provider    string
	progress    int
	statusMsg   string
	seq         uint64 // enqueue order, tie-breaks identical timestamps

	// runCtx is the per-attempt context while processing; Cancel aborts it.
	runCtx context.Context
}

// Snapshot is a caller-visible copy of one queue item.
type Snapshot struct {
	ID          uuid.UUID       `json:"id"`
	TaskType    string          `json:"task_type"`
	Priority    string          `json:"priority"`
	State       State           `json:"state"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Progress    int             `json:"progress"`
	StatusMsg   string          `json:"status_message,omitempty"`
}

func (it *item) snapshot() Snapshot {
	s := Snapshot{
		ID:          it.id,
		TaskType:    it.taskType,
		Priority:    it.priority.String(),
		State:       it.state,
		Payload:     it.payload,
		Output:      it.output,
		Error:       it.errorMsg,
		Attempts:    it.attempts,
		MaxAttempts: it.maxAttempts,
		ScheduledAt: it.scheduledAt,
		CreatedAt:   it.createdAt,
		Provider:    it.provider,
		Progress:    it.progress,
		StatusMsg:   it.statusMsg,
	}
	if !it.startedAt.IsZero() {
		t := it.startedAt
		s.StartedAt = &t
	}
	if !it.completedAt.IsZero() {
		t := it.completedAt
		s.CompletedAt = &t
	}
	return s
}

// readyHeap orders pending items: priority descending, then creation time
// ascending (FIFO within a band), then enqueue sequence for determinism.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
