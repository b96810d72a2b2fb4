package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// collectSink accumulates flushed entries for assertions.
type collectSink struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

func (s *collectSink) WriteBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entries...)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *collectSink) all() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func TestRecorderFlushesOnClose(t *testing.T) {
	sink := &collectSink{}
	r, err := NewRecorder(context.Background(), sink)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	for i := 0; i < 25; i++ {
		r.Record(Entry{
			Tenant:   "acme",
			Provider: "primary",
			TaskType: "summarize",
			Outcome:  OutcomeSuccess,
		})
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.all()
	if len(got) != 25 {
		t.Fatalf("flushed %d entries, want 25", len(got))
	}
	if !sink.closed {
		t.Fatal("sink was not closed")
	}
	if r.Dropped() != 0 {
		t.Fatalf("Dropped = %d, want 0", r.Dropped())
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	sink := &collectSink{}
	r, err := NewRecorder(context.Background(), sink)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	r.Record(Entry{Provider: "p", Outcome: OutcomeFailed, Error: "boom"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flushed %d entries, want 1", len(got))
	}
	if got[0].ID == uuid.Nil {
		t.Fatal("ID was not assigned")
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt was not assigned")
	}
}

func TestRecorderBatchFlush(t *testing.T) {
	sink := &collectSink{}
	r, err := NewRecorder(context.Background(), sink)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer func() { _ = r.Close() }()

	// One more than a full batch forces an inline flush before the ticker.
	for i := 0; i < defaultBatchSize+1; i++ {
		r.Record(Entry{Provider: "p", Outcome: OutcomeSuccess})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) >= defaultBatchSize {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("flushed %d entries before deadline, want ≥ %d", len(sink.all()), defaultBatchSize)
}

func TestNewRecorderValidation(t *testing.T) {
	if _, err := NewRecorder(nil, &collectSink{}); err == nil {
		t.Fatal("expected error for nil context")
	}
	if _, err := NewRecorder(context.Background()); err == nil {
		t.Fatal("expected error for no sinks")
	}
}
