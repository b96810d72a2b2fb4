// Package feedback collects human reviews of gateway responses and folds
// them into the scoring weights used by downstream ranking.
//
// Weights always sum to 1.0 within a small tolerance. Recomputation is a
// learning-rate blend: each dimension's target weight is its share of the
// accumulated average rating mass, and the current weights move a
// configurable fraction of the way toward the target, then renormalize.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Overall rating categories.
const (
	RatingPositive = "positive"
	RatingNeutral  = "neutral"
	RatingNegative = "negative"
)

// WeightTolerance is the allowed deviation of the weight sum from 1.0.
const WeightTolerance = 1e-3

// Record is one piece of human feedback on a served response.
type Record struct {
	ID        uuid.UUID `json:"id"`
	RequestID string    `json:"request_id"`
	Overall   string    `json:"overall"`
	// Dimensions holds optional per-dimension ratings on a 1–5 scale,
	// e.g. {"quality": 4, "price": 2}.
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	consumed bool
}

// Weights is a named set of non-negative scoring weights summing to 1.0.
type Weights map[string]float64

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

// Valid reports whether the weights are non-negative and sum to 1.0
// within tolerance.
func (w Weights) Valid() bool {
	for _, v := range w {
		if v < 0 {
			return false
		}
	}
	return math.Abs(w.Sum()-1.0) <= WeightTolerance
}

// normalize scales the weights so they sum to 1.0. A zero-mass set becomes
// uniform.
func (w Weights) normalize() {
	s := w.Sum()
	if s <= 0 {
		u := 1.0 / float64(len(w))
		for k := range w {
			w[k] = u
		}
		return
	}
	for k := range w {
		w[k] /= s
	}
}

func (w Weights) clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Engine accumulates feedback and recomputes scoring weights.
// Safe for concurrent use.
type Engine struct {
	mu           sync.Mutex
	weights      Weights
	pending      []*Record
	consumedKeep []*Record
	learningRate float64
	log          *slog.Logger
}

// New creates an Engine with the given initial dimensions and learning
// rate. Initial weights are uniform over the dimensions.
func New(dimensions []string, learningRate float64, log *slog.Logger) (*Engine, error) {
	if len(dimensions) == 0 {
		return nil, fmt.Errorf("feedback: at least one scoring dimension is required")
	}
	if learningRate <= 0 || learningRate > 1 {
		return nil, fmt.Errorf("feedback: learning rate must be in (0, 1], got %v", learningRate)
	}
	if log == nil {
		log = slog.Default()
	}

	w := make(Weights, len(dimensions))
	for _, d := range dimensions {
		w[d] = 1.0 / float64(len(dimensions))
	}
	return &Engine{weights: w, learningRate: learningRate, log: log}, nil
}

// Submit validates and stores one feedback record for the next
// recomputation. Ratings outside 1–5 and unknown dimensions are rejected.
func (e *Engine) Submit(rec *Record) error {
	switch rec.Overall {
	case RatingPositive, RatingNeutral, RatingNegative:
	default:
		return fmt.Errorf("feedback: invalid overall rating %q", rec.Overall)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for dim, rating := range rec.Dimensions {
		if _, ok := e.weights[dim]; !ok {
			return fmt.Errorf("feedback: unknown dimension %q", dim)
		}
		if rating < 1 || rating > 5 {
			return fmt.Errorf("feedback: rating for %q must be in [1, 5], got %v", dim, rating)
		}
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	e.pending = append(e.pending, rec)
	return nil
}

// Recompute folds all unconsumed feedback into the weights and marks the
// records consumed. Records without dimension ratings are consumed but do
// not move the weights. Returns the (possibly unchanged) current weights.
func (e *Engine) Recompute() Weights {
	e.mu.Lock()
	defer e.mu.Unlock()

	sums := make(map[string]float64, len(e.weights))
	counts := make(map[string]int, len(e.weights))
	var rated int
	for _, rec := range e.pending {
		rec.consumed = true
		if len(rec.Dimensions) == 0 {
			continue
		}
		rated++
		for dim, rating := range rec.Dimensions {
			sums[dim] += rating
			counts[dim]++
		}
	}
	e.consumedKeep = append(e.consumedKeep, e.pending...)
	e.pending = e.pending[:0]

	if rated == 0 {
		return e.weights.clone()
	}

	// Target weight per dimension: its average rating's share of the total
	// average mass. Dimensions nobody rated keep their current weight as
	// the target, so absent feedback never zeroes a dimension.
	avgs := make(map[string]float64, len(e.weights))
	var mass float64
	for dim := range e.weights {
		if counts[dim] > 0 {
			avgs[dim] = sums[dim] / float64(counts[dim])
		}
	}
	for dim := range e.weights {
		if avgs[dim] == 0 {
			avgs[dim] = e.weights[dim] * 5 // keep current share on the 1–5 scale
		}
		mass += avgs[dim]
	}

	lr := e.learningRate
	for dim := range e.weights {
		target := avgs[dim] / mass
		e.weights[dim] = (1-lr)*e.weights[dim] + lr*target
	}
	e.weights.normalize()

	e.log.Info("scoring weights recomputed",
		slog.Int("records", rated),
		slog.Float64("learning_rate", lr))

	return e.weights.clone()
}

// Relearn moves all consumed records back into the pending set so the next
// Recompute folds them in again. Administrative action, used after a weight
// reset or a change of learning rate. Returns the number of records re-armed.
func (e *Engine) Relearn() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.consumedKeep)
	for _, rec := range e.consumedKeep {
		rec.consumed = false
		e.pending = append(e.pending, rec)
	}
	e.consumedKeep = e.consumedKeep[:0]

	if n > 0 {
		e.log.Info("feedback re-armed for relearning", slog.Int("records", n))
	}
	return n
}

// Weights returns a copy of the current scoring weights.
func (e *Engine) Weights() Weights {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights.clone()
}

// PendingCount returns the number of records awaiting recomputation.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Run recomputes on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.PendingCount() > 0 {
				e.Recompute()
			}
		case <-ctx.Done():
			return
		}
	}
}
