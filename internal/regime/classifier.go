// Package regime classifies recent price action as trending or ranging.
// The label selects which parameter set the lifecycle engine applies, so
// classification must be deterministic and side-effect free.
package regime

import (
	"errors"
	"math"
	"time"
)

// Label is the market regime classification.
type Label string

const (
	Trend Label = "TREND"
	Range Label = "RANGE"
)

// MinBars is the minimum window the classifier accepts. Callers must not
// open a group without a label, so short history fails hard.
const MinBars = 100

// ErrInsufficientData is returned when fewer than MinBars bars are supplied.
var ErrInsufficientData = errors.New("regime: insufficient bar history")

// Bar is one OHLCV price bar, oldest-first in classifier input.
type Bar struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Config holds the thresholds for the five regime signals.
type Config struct {
	FastMAPeriod int     // fast moving average period
	SlowMAPeriod int     // slow moving average period
	MADivergence float64 // min |fast-slow|/slow to vote trend

	VolatilityPeriod     int     // recent volatility window
	VolatilityMultiplier float64 // recent vol must exceed baseline by this factor

	EfficiencyPeriod    int     // directional-movement window
	EfficiencyThreshold float64 // net move / path length to vote trend

	StreakPeriod    int     // directional-bias window
	StreakThreshold float64 // dominant-direction share to vote trend

	SwingPeriod    int // structural swing sub-window
	SwingLookback  int // bars either side of a swing point
	SwingThreshold int // min directional swing breaks to vote trend
}

// DefaultConfig returns the thresholds used in live trading.
func DefaultConfig() Config {
	return Config{
		FastMAPeriod:         20,
		SlowMAPeriod:         50,
		MADivergence:         0.0015,
		VolatilityPeriod:     20,
		VolatilityMultiplier: 1.2,
		EfficiencyPeriod:     30,
		EfficiencyThreshold:  0.35,
		StreakPeriod:         30,
		StreakThreshold:      0.62,
		SwingPeriod:          60,
		SwingLookback:        3,
		SwingThreshold:       3,
	}
}

// Votes records the outcome of each signal for diagnostics.
type Votes struct {
	MADivergence    bool `json:"ma_divergence"`
	Volatility      bool `json:"volatility"`
	Efficiency      bool `json:"efficiency"`
	StreakBias      bool `json:"streak_bias"`
	SwingStructure  bool `json:"swing_structure"`
	TrendVoteCount  int  `json:"trend_vote_count"`
}

// Result is the classification outcome with its vote breakdown.
type Result struct {
	Label Label `json:"label"`
	Votes Votes `json:"votes"`
}

// Classifier evaluates five independent boolean signals over a bar window
// and labels the window TREND when at least three vote trend.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify labels the window. Bars must be ordered oldest-first and contain
// at least MinBars entries.
func (c *Classifier) Classify(bars []Bar) (Result, error) {
	if len(bars) < MinBars {
		return Result{}, ErrInsufficientData
	}

	votes := Votes{
		MADivergence:   c.maDivergenceSignal(bars),
		Volatility:     c.volatilitySignal(bars),
		Efficiency:     c.efficiencySignal(bars),
		StreakBias:     c.streakSignal(bars),
		SwingStructure: c.swingSignal(bars),
	}
	for _, v := range []bool{votes.MADivergence, votes.Volatility, votes.Efficiency, votes.StreakBias, votes.SwingStructure} {
		if v {
			votes.TrendVoteCount++
		}
	}

	label := Range
	if votes.TrendVoteCount >= 3 {
		label = Trend
	}
	return Result{Label: label, Votes: votes}, nil
}

// maDivergenceSignal votes trend when the fast and slow moving averages
// have separated beyond the divergence threshold.
func (c *Classifier) maDivergenceSignal(bars []Bar) bool {
	fast := sma(bars, c.cfg.FastMAPeriod)
	slow := sma(bars, c.cfg.SlowMAPeriod)
	if slow == 0 {
		return false
	}
	return math.Abs(fast-slow)/slow >= c.cfg.MADivergence
}

// volatilitySignal votes trend when recent close-to-close volatility
// exceeds the full-window baseline by the configured multiplier.
func (c *Classifier) volatilitySignal(bars []Bar) bool {
	recent := meanAbsChange(bars[len(bars)-c.cfg.VolatilityPeriod:])
	baseline := meanAbsChange(bars)
	if baseline == 0 {
		return false
	}
	return recent >= baseline*c.cfg.VolatilityMultiplier
}

// efficiencySignal votes trend when the net move over the window is a large
// fraction of the total path length (Kaufman-style efficiency ratio).
func (c *Classifier) efficiencySignal(bars []Bar) bool {
	window := bars[len(bars)-c.cfg.EfficiencyPeriod:]
	net := math.Abs(window[len(window)-1].Close - window[0].Close)
	var path float64
	for i := 1; i < len(window); i++ {
		path += math.Abs(window[i].Close - window[i-1].Close)
	}
	if path == 0 {
		return false
	}
	return net/path >= c.cfg.EfficiencyThreshold
}

// streakSignal votes trend when one direction dominates the bar-to-bar
// closes within the streak window.
func (c *Classifier) streakSignal(bars []Bar) bool {
	window := bars[len(bars)-c.cfg.StreakPeriod:]
	var up, down int
	for i := 1; i < len(window); i++ {
		switch {
		case window[i].Close > window[i-1].Close:
			up++
		case window[i].Close < window[i-1].Close:
			down++
		}
	}
	total := up + down
	if total == 0 {
		return false
	}
	dominant := up
	if down > up {
		dominant = down
	}
	return float64(dominant)/float64(total) >= c.cfg.StreakThreshold
}

// swingSignal votes trend when the sub-window contains enough structural
// breaks: swing highs above the prior swing high, or swing lows below the
// prior swing low.
func (c *Classifier) swingSignal(bars []Bar) bool {
	window := bars[len(bars)-c.cfg.SwingPeriod:]
	highs, lows := swingPoints(window, c.cfg.SwingLookback)

	breaks := 0
	for i := 1; i < len(highs); i++ {
		if highs[i] > highs[i-1] {
			breaks++
		}
	}
	for i := 1; i < len(lows); i++ {
		if lows[i] < lows[i-1] {
			breaks++
		}
	}
	return breaks >= c.cfg.SwingThreshold
}

// sma computes a simple moving average of closes over the last period bars.
func sma(bars []Bar, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	var sum float64
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}

// meanAbsChange computes the mean absolute close-to-close change.
func meanAbsChange(bars []Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(bars); i++ {
		sum += math.Abs(bars[i].Close - bars[i-1].Close)
	}
	return sum / float64(len(bars)-1)
}

// swingPoints finds local swing highs and lows, in order of occurrence.
// A bar is a swing high when its high exceeds the highs of lookback bars
// on each side, and symmetrically for swing lows.
func swingPoints(bars []Bar, lookback int) (highs, lows []float64) {
	for i := lookback; i < len(bars)-lookback; i++ {
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, bars[i].High)
		}
		if isLow {
			lows = append(lows, bars[i].Low)
		}
	}
	return highs, lows
}
