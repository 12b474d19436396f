// Package params maps (instrument class, regime) to the exit parameters a
// position group trades with: three take-profit distances, an initial stop
// distance, the trailing retracement fraction and the group timeout.
package params

import (
	"fmt"
	"strings"
	"time"

	"triad-trading-bot/internal/regime"
)

// Unit expresses how the distance fields of a Set are denominated.
type Unit string

const (
	// UnitPercent means distances are fractions of the entry price
	// (0.01 = 1%).
	UnitPercent Unit = "PERCENT"
	// UnitPoints means distances are absolute price offsets.
	UnitPoints Unit = "POINTS"
)

// InstrumentClass buckets tradeable symbols by their distance behaviour.
type InstrumentClass string

const (
	ClassCrypto InstrumentClass = "CRYPTO"
	ClassForex  InstrumentClass = "FOREX"
	ClassIndex  InstrumentClass = "INDEX"
	ClassMetal  InstrumentClass = "METAL"
)

// ParseInstrumentClass maps a configured class name onto its canonical
// constant. It accepts the singular and plural spellings used in configs.
func ParseInstrumentClass(name string) (InstrumentClass, error) {
	switch strings.ToLower(name) {
	case "crypto":
		return ClassCrypto, nil
	case "forex", "fx":
		return ClassForex, nil
	case "index", "indices":
		return ClassIndex, nil
	case "metal", "metals":
		return ClassMetal, nil
	default:
		return "", fmt.Errorf("unknown instrument class %q", name)
	}
}

// Set holds the exit parameters for one (class, regime) cell. TP distances
// are strictly increasing: TP1 < TP2 < TP3.
type Set struct {
	Unit                Unit          `json:"unit"`
	TP1                 float64       `json:"tp1"`
	TP2                 float64       `json:"tp2"`
	TP3                 float64       `json:"tp3"`
	StopDistance        float64       `json:"stop_distance"`
	TrailingRetracement float64       `json:"trailing_retracement"`
	Timeout             time.Duration `json:"timeout"`
}

// Validate checks the internal consistency of a parameter set.
func (s Set) Validate() error {
	if s.Unit != UnitPercent && s.Unit != UnitPoints {
		return fmt.Errorf("invalid unit %q", s.Unit)
	}
	if s.TP1 <= 0 || s.TP2 <= 0 || s.TP3 <= 0 {
		return fmt.Errorf("take-profit distances must be positive")
	}
	if !(s.TP1 < s.TP2 && s.TP2 < s.TP3) {
		return fmt.Errorf("take-profit distances must be strictly increasing: %.6f, %.6f, %.6f", s.TP1, s.TP2, s.TP3)
	}
	if s.StopDistance <= 0 {
		return fmt.Errorf("stop distance must be positive")
	}
	if s.TrailingRetracement <= 0 || s.TrailingRetracement >= 1 {
		return fmt.Errorf("trailing retracement must be in (0,1), got %.4f", s.TrailingRetracement)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// TargetDistance returns the take-profit distance for a slot (1..3) in the
// set's own unit.
func (s Set) TargetDistance(slot int) (float64, error) {
	switch slot {
	case 1:
		return s.TP1, nil
	case 2:
		return s.TP2, nil
	case 3:
		return s.TP3, nil
	default:
		return 0, fmt.Errorf("invalid slot %d", slot)
	}
}

// Resolve converts a distance in the set's unit to an absolute price offset
// for the given entry price.
func (s Set) Resolve(distance, entryPrice float64) float64 {
	if s.Unit == UnitPercent {
		return distance * entryPrice
	}
	return distance
}

// Table is an immutable lookup of parameter sets keyed by instrument class
// and regime. Build one with NewTable and share it freely; lookups never
// mutate state.
type Table struct {
	sets map[InstrumentClass]map[regime.Label]Set
}

// NewTable validates every cell and builds a lookup table. Every class in
// the input must carry a set for both TREND and RANGE.
func NewTable(cells map[InstrumentClass]map[regime.Label]Set) (*Table, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("parameter table is empty")
	}
	sets := make(map[InstrumentClass]map[regime.Label]Set, len(cells))
	for class, byRegime := range cells {
		for _, label := range []regime.Label{regime.Trend, regime.Range} {
			set, ok := byRegime[label]
			if !ok {
				return nil, fmt.Errorf("class %s missing %s parameters", class, label)
			}
			if err := set.Validate(); err != nil {
				return nil, fmt.Errorf("class %s regime %s: %w", class, label, err)
			}
		}
		copied := make(map[regime.Label]Set, len(byRegime))
		for label, set := range byRegime {
			copied[label] = set
		}
		sets[class] = copied
	}
	return &Table{sets: sets}, nil
}

// Lookup returns the parameter set for a class and regime.
func (t *Table) Lookup(class InstrumentClass, label regime.Label) (Set, error) {
	byRegime, ok := t.sets[class]
	if !ok {
		return Set{}, fmt.Errorf("no parameters for instrument class %s", class)
	}
	set, ok := byRegime[label]
	if !ok {
		return Set{}, fmt.Errorf("no parameters for class %s regime %s", class, label)
	}
	return set, nil
}

// Classes returns the instrument classes the table covers.
func (t *Table) Classes() []InstrumentClass {
	classes := make([]InstrumentClass, 0, len(t.sets))
	for class := range t.sets {
		classes = append(classes, class)
	}
	return classes
}

// DefaultTable returns the built-in parameter table. Trend cells run wider
// targets with a looser trail and a longer timeout; range cells take profit
// sooner and trail tighter.
func DefaultTable() *Table {
	table, err := NewTable(map[InstrumentClass]map[regime.Label]Set{
		ClassCrypto: {
			regime.Trend: {
				Unit: UnitPercent, TP1: 0.008, TP2: 0.016, TP3: 0.030,
				StopDistance: 0.010, TrailingRetracement: 0.40,
				Timeout: 8 * time.Hour,
			},
			regime.Range: {
				Unit: UnitPercent, TP1: 0.004, TP2: 0.008, TP3: 0.014,
				StopDistance: 0.006, TrailingRetracement: 0.25,
				Timeout: 3 * time.Hour,
			},
		},
		ClassForex: {
			regime.Trend: {
				Unit: UnitPercent, TP1: 0.0025, TP2: 0.0050, TP3: 0.0090,
				StopDistance: 0.0030, TrailingRetracement: 0.40,
				Timeout: 12 * time.Hour,
			},
			regime.Range: {
				Unit: UnitPercent, TP1: 0.0012, TP2: 0.0024, TP3: 0.0040,
				StopDistance: 0.0018, TrailingRetracement: 0.25,
				Timeout: 4 * time.Hour,
			},
		},
		ClassIndex: {
			regime.Trend: {
				Unit: UnitPoints, TP1: 25, TP2: 50, TP3: 90,
				StopDistance: 30, TrailingRetracement: 0.40,
				Timeout: 6 * time.Hour,
			},
			regime.Range: {
				Unit: UnitPoints, TP1: 12, TP2: 24, TP3: 40,
				StopDistance: 18, TrailingRetracement: 0.25,
				Timeout: 2 * time.Hour,
			},
		},
		ClassMetal: {
			regime.Trend: {
				Unit: UnitPoints, TP1: 6, TP2: 12, TP3: 22,
				StopDistance: 8, TrailingRetracement: 0.40,
				Timeout: 8 * time.Hour,
			},
			regime.Range: {
				Unit: UnitPoints, TP1: 3, TP2: 6, TP3: 10,
				StopDistance: 4.5, TrailingRetracement: 0.25,
				Timeout: 3 * time.Hour,
			},
		},
	})
	if err != nil {
		// The built-in table is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return table
}
