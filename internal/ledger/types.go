// Package ledger is the single source of truth for position groups. Every
// state mutation flows through the Ledger choke point, which persists the
// new state before updating memory, so a crash can lose at most an
// in-flight mutation, never a committed one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triad-trading-bot/internal/params"
	"triad-trading-bot/internal/regime"
)

// Side is the direction of a position group.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long, -1 for short. Price math uses it to fold the
// two directions into one code path.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Position status constants
const (
	PositionStatusPending  = "PENDING"  // Persisted, not yet confirmed at broker
	PositionStatusOpen     = "OPEN"     // Confirmed open at broker
	PositionStatusRejected = "REJECTED" // Broker refused the open
	PositionStatusClosed   = "CLOSED"   // Terminal
)

// Group status constants
const (
	GroupStatusOpen   = "OPEN"
	GroupStatusClosed = "CLOSED"
)

// Close reasons recorded on a closed position.
const (
	CloseReasonTarget     = "target"
	CloseReasonStop       = "stop"
	CloseReasonTrailing   = "trailing_stop"
	CloseReasonTimeout    = "timeout"
	CloseReasonReconciled = "reconciled"
)

// Position is one of the (up to) three linked positions of a group. Slot 1
// carries the nearest target; slots 2 and 3 are the runners protected by
// the trailing stop once slot 1 pays out.
type Position struct {
	Magic          int64      `json:"magic"`
	GroupID        string     `json:"group_id"`
	Slot           int        `json:"slot"`
	Status         string     `json:"status"`
	Quantity       float64    `json:"quantity"`
	EntryPrice     float64    `json:"entry_price"`
	TargetPrice    float64    `json:"target_price"`
	InitialStop    float64    `json:"initial_stop"`
	StopPrice      float64    `json:"stop_price"`
	TrailingActive bool       `json:"trailing_active"`
	StopModCount   int        `json:"stop_mod_count"`
	LastStopModAt  *time.Time `json:"last_stop_mod_at,omitempty"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ClosePrice     float64    `json:"close_price,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the position can no longer change state.
func (p *Position) Terminal() bool {
	return p.Status == PositionStatusClosed || p.Status == PositionStatusRejected
}

// Group ties the three slots together with the shared context they trade
// under: the regime snapshot, the parameter set in force at open, and the
// running price extreme used by the trailing logic.
type Group struct {
	ID              string                 `json:"id"`
	BotID           string                 `json:"bot_id"`
	Symbol          string                 `json:"symbol"`
	InstrumentClass params.InstrumentClass `json:"instrument_class"`
	Side            Side                   `json:"side"`
	Regime          regime.Label           `json:"regime"`
	Counter         int                    `json:"counter"`
	Params          params.Set             `json:"params"`
	Status          string                 `json:"status"`
	EntryPrice      float64                `json:"entry_price"`
	FirstTargetHit  bool                   `json:"first_target_hit"`
	ExtremePrice    float64                `json:"extreme_price"`
	OpenedAt        time.Time              `json:"opened_at"`
	Deadline        time.Time              `json:"deadline"`
	ClosedAt        *time.Time             `json:"closed_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// StopModification is one entry of the append-only stop movement log.
// Versions count from 1 per position.
type StopModification struct {
	ID          int64     `json:"id"`
	GroupID     string    `json:"group_id"`
	Magic       int64     `json:"magic"`
	Version     int       `json:"version"`
	OldStop     float64   `json:"old_stop"`
	NewStop     float64   `json:"new_stop"`
	MarketPrice float64   `json:"market_price"`
	Trailing    bool      `json:"trailing"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Repository defines the persistence interface the ledger writes through.
// CreateGroup must persist the group and its positions atomically.
type Repository interface {
	CreateGroup(ctx context.Context, group *Group, positions []*Position) error
	UpdateGroup(ctx context.Context, group *Group) error
	UpdatePosition(ctx context.Context, position *Position) error
	AppendStopModification(ctx context.Context, mod *StopModification) error
	LoadActiveGroups(ctx context.Context, botID string) ([]*Group, map[string][]*Position, error)
	ListStopModifications(ctx context.Context, magic int64) ([]*StopModification, error)
}

// Errors for ledger operations
var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrGroupExists      = errors.New("group already exists")
	ErrPositionClosed   = errors.New("position is terminal")
	ErrStopNotMonotonic = errors.New("stop modification would loosen protection")
	ErrInvalidGroup     = errors.New("invalid group")
)

// PersistenceError wraps a failed repository write. It is fatal: the bot
// halts rather than trade on state the database has not accepted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err carries a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
