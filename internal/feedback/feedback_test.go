package feedback

import (
	"math"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New([]string{"price", "quality", "reliability"}, 0.5, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, 0.1, nil); err == nil {
		t.Fatal("expected error for empty dimensions")
	}
	if _, err := New([]string{"a"}, 0, nil); err == nil {
		t.Fatal("expected error for zero learning rate")
	}
	if _, err := New([]string{"a"}, 1.5, nil); err == nil {
		t.Fatal("expected error for learning rate > 1")
	}
}

func TestInitialWeightsUniform(t *testing.T) {
	e := newTestEngine(t)
	w := e.Weights()
	if !w.Valid() {
		t.Fatalf("initial weights invalid: %v (sum %v)", w, w.Sum())
	}
	for dim, v := range w {
		if math.Abs(v-1.0/3) > 1e-9 {
			t.Fatalf("weight[%s] = %v, want 1/3", dim, v)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		name string
		rec  Record
	}{
		{"bad overall", Record{Overall: "meh"}},
		{"unknown dimension", Record{Overall: RatingPositive, Dimensions: map[string]float64{"speed": 3}}},
		{"rating too low", Record{Overall: RatingPositive, Dimensions: map[string]float64{"price": 0}}},
		{"rating too high", Record{Overall: RatingPositive, Dimensions: map[string]float64{"price": 6}}},
	}
	for _, tc := range cases {
		rec := tc.rec
		if err := e.Submit(&rec); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	ok := Record{Overall: RatingNegative, Dimensions: map[string]float64{"price": 1, "quality": 5}}
	if err := e.Submit(&ok); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if ok.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("ID not assigned on submit")
	}
	if e.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", e.PendingCount())
	}
}

func TestRecomputeMovesTowardHighRatedDimensions(t *testing.T) {
	e := newTestEngine(t)

	// Quality rated far above price.
	for i := 0; i < 5; i++ {
		rec := Record{Overall: RatingPositive, Dimensions: map[string]float64{
			"price":       1,
			"quality":     5,
			"reliability": 3,
		}}
		if err := e.Submit(&rec); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	w := e.Recompute()

	if !w.Valid() {
		t.Fatalf("recomputed weights invalid: %v (sum %v)", w, w.Sum())
	}
	if w["quality"] <= w["price"] {
		t.Fatalf("quality (%v) must outweigh price (%v)", w["quality"], w["price"])
	}
	if w["quality"] <= w["reliability"] || w["reliability"] <= w["price"] {
		t.Fatalf("expected quality > reliability > price, got %v", w)
	}
	if e.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after recompute, want 0", e.PendingCount())
	}
}

func TestRecomputeIsIncrementalNotJump(t *testing.T) {
	e, err := New([]string{"price", "quality"}, 0.1, nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := Record{Overall: RatingPositive, Dimensions: map[string]float64{"price": 1, "quality": 5}}
	if err := e.Submit(&rec); err != nil {
		t.Fatal(err)
	}
	w := e.Recompute()

	// With lr = 0.1 a single round moves weights only slightly off 0.5.
	if w["quality"] > 0.55 || w["quality"] < 0.5 {
		t.Fatalf("quality = %v, want a small step above 0.5", w["quality"])
	}
	if !w.Valid() {
		t.Fatalf("weights invalid: %v", w)
	}
}

func TestRecomputeWithoutDimensionsKeepsWeights(t *testing.T) {
	e := newTestEngine(t)
	before := e.Weights()

	rec := Record{Overall: RatingNegative, Comment: "wrong answer"}
	if err := e.Submit(&rec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	after := e.Recompute()

	for dim := range before {
		if math.Abs(before[dim]-after[dim]) > 1e-9 {
			t.Fatalf("weights moved without dimension ratings: %v -> %v", before, after)
		}
	}
	if e.PendingCount() != 0 {
		t.Fatal("record without dimensions must still be consumed")
	}
}

func TestRecomputeSumAlwaysOne(t *testing.T) {
	e := newTestEngine(t)

	ratings := []map[string]float64{
		{"price": 5},
		{"quality": 1, "reliability": 4},
		{"price": 2, "quality": 2, "reliability": 2},
		{"reliability": 5},
	}
	for _, dims := range ratings {
		rec := Record{Overall: RatingNeutral, Dimensions: dims}
		if err := e.Submit(&rec); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		w := e.Recompute()
		if math.Abs(w.Sum()-1.0) > WeightTolerance {
			t.Fatalf("weight sum drifted to %v after %v", w.Sum(), dims)
		}
	}
}

func TestRelearnReArmsConsumedRecords(t *testing.T) {
	e := newTestEngine(t)

	rec := Record{Overall: RatingPositive, Dimensions: map[string]float64{"quality": 5}}
	if err := e.Submit(&rec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Recompute()
	if e.PendingCount() != 0 {
		t.Fatal("record not consumed by Recompute")
	}

	if n := e.Relearn(); n != 1 {
		t.Fatalf("Relearn = %d, want 1", n)
	}
	if e.PendingCount() != 1 {
		t.Fatalf("pending = %d after relearn, want 1", e.PendingCount())
	}

	// A second relearn has nothing left to re-arm.
	if n := e.Relearn(); n != 0 {
		t.Fatalf("second Relearn = %d, want 0", n)
	}

	// Folding the same record again keeps the invariant.
	w := e.Recompute()
	if math.Abs(w.Sum()-1.0) > WeightTolerance {
		t.Fatalf("weight sum %v after relearn cycle", w.Sum())
	}
}
