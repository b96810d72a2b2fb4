// Package audit implements the append-only record of outbound provider calls.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — recording never blocks the dispatch hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in Dropped.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Outcome classifies one provider attempt.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped" // provider unreachable/disabled, never attempted
)

// Entry is one immutable audit record. Every provider attempt — success,
// failure, or skip — produces exactly one Entry.
type Entry struct {
	ID           uuid.UUID
	Tenant       string
	Provider     string
	TaskType     string
	RequestHash  string
	Outcome      string
	Error        string
	LatencyMs    int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Caller       string
	CreatedAt    time.Time
}

// Sink persists flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
	Close() error
}

// Recorder accepts entries on the hot path and flushes them to the
// configured sinks in the background.
type Recorder struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx       context.Context
	sinks         []Sink
	batchSize     int
	flushInterval time.Duration
}

// NewRecorder starts the flush goroutine with default batching. At least
// one sink is required.
func NewRecorder(ctx context.Context, sinks ...Sink) (*Recorder, error) {
	return NewRecorderWithOptions(ctx, defaultBatchSize, defaultFlushInterval, sinks...)
}

// NewRecorderWithOptions is NewRecorder with an explicit batch size and
// flush interval. Zero values fall back to the defaults.
func NewRecorderWithOptions(ctx context.Context, batch int, flush time.Duration, sinks ...Sink) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("audit: at least one sink is required")
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	r := &Recorder{
		ch:            make(chan Entry, channelBuffer),
		done:          make(chan struct{}),
		baseCtx:       ctx,
		sinks:         sinks,
		batchSize:     batch,
		flushInterval: flush,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record queues one entry for persistence. Never blocks; entries are
// dropped when the buffer is full. A zero ID or timestamp is filled in.
func (r *Recorder) Record(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of entries lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the buffer, flushes the final batch, and closes the sinks.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()

	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, s := range r.sinks {
			// Sink errors are swallowed here; each sink logs its own.
			_ = s.WriteBatch(r.baseCtx, batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
