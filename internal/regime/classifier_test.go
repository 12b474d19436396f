package regime

import (
	"errors"
	"math"
	"testing"
	"time"
)

// makeBars builds a bar series from a close-price function, oldest-first.
// Highs and lows are padded slightly around the close.
func makeBars(n int, closeAt func(i int) float64) []Bar {
	bars := make([]Bar, n)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		c := closeAt(i)
		open := c
		if i > 0 {
			open = closeAt(i - 1)
		}
		bars[i] = Bar{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     open,
			High:     c + 0.1,
			Low:      c - 0.1,
			Close:    c,
			Volume:   1000,
		}
	}
	return bars
}

// TestClassifyInsufficientData verifies that a window shorter than MinBars
// is rejected outright rather than classified on thin evidence.
func TestClassifyInsufficientData(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	for _, n := range []int{0, 1, 50, MinBars - 1} {
		bars := makeBars(n, func(i int) float64 { return 100 })
		_, err := c.Classify(bars)
		if !errors.Is(err, ErrInsufficientData) {
			t.Errorf("Classify with %d bars: got err=%v, want ErrInsufficientData", n, err)
		}
	}
}

// TestClassifyExactMinimum verifies that exactly MinBars bars is accepted.
func TestClassifyExactMinimum(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	bars := makeBars(MinBars, func(i int) float64 { return 100 + float64(i)*0.5 })
	if _, err := c.Classify(bars); err != nil {
		t.Fatalf("Classify with exactly %d bars returned error: %v", MinBars, err)
	}
}

// TestClassifyTrendingMarket verifies that a steady directional advance is
// labelled TREND: moving averages diverge, the move is efficient, and one
// direction dominates bar to bar.
func TestClassifyTrendingMarket(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	bars := makeBars(120, func(i int) float64 { return 100 + float64(i)*0.5 })
	result, err := c.Classify(bars)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	if result.Label != Trend {
		t.Errorf("got label %s, want TREND (votes: %+v)", result.Label, result.Votes)
	}
	if !result.Votes.MADivergence {
		t.Error("MA divergence signal should vote trend on a steady advance")
	}
	if !result.Votes.Efficiency {
		t.Error("efficiency signal should vote trend on a monotone move")
	}
	if !result.Votes.StreakBias {
		t.Error("streak signal should vote trend when every bar closes higher")
	}
	if result.Votes.TrendVoteCount < 3 {
		t.Errorf("expected at least 3 trend votes, got %d", result.Votes.TrendVoteCount)
	}
}

// TestClassifyRangingMarket verifies that a flat oscillation is labelled
// RANGE with no trend votes.
func TestClassifyRangingMarket(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	bars := makeBars(120, func(i int) float64 {
		return 100 + math.Sin(float64(i)*math.Pi/6)
	})
	result, err := c.Classify(bars)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	if result.Label != Range {
		t.Errorf("got label %s, want RANGE (votes: %+v)", result.Label, result.Votes)
	}
	if result.Votes.TrendVoteCount >= 3 {
		t.Errorf("oscillating series collected %d trend votes", result.Votes.TrendVoteCount)
	}
}

// TestClassifyVoteCountMatchesSignals verifies the vote tally is consistent
// with the individual signal outcomes.
func TestClassifyVoteCountMatchesSignals(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	bars := makeBars(150, func(i int) float64 { return 100 + float64(i)*0.3 })
	result, err := c.Classify(bars)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	count := 0
	for _, v := range []bool{
		result.Votes.MADivergence,
		result.Votes.Volatility,
		result.Votes.Efficiency,
		result.Votes.StreakBias,
		result.Votes.SwingStructure,
	} {
		if v {
			count++
		}
	}
	if count != result.Votes.TrendVoteCount {
		t.Errorf("TrendVoteCount=%d but %d signals voted trend", result.Votes.TrendVoteCount, count)
	}
}

// TestClassifyDeterministic verifies repeated classification of the same
// window yields the same result.
func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	bars := makeBars(130, func(i int) float64 {
		return 100 + float64(i)*0.2 + math.Sin(float64(i))*0.5
	})
	first, err := c.Classify(bars)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := c.Classify(bars)
		if err != nil {
			t.Fatalf("Classify returned error on run %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("run %d: result %+v differs from first %+v", i, again, first)
		}
	}
}
