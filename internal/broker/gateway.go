// Package broker talks to the execution venue. It exposes a Gateway
// interface so the lifecycle engine can run against the real REST client in
// production and a scripted mock in tests.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triad-trading-bot/internal/regime"
)

// Order sides on the wire.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OpenRequest asks the broker to open one position at market with a
// protective stop attached. Magic ties the broker-side position back to a
// ledger slot.
type OpenRequest struct {
	Symbol    string
	Side      string // BUY or SELL
	Quantity  float64
	Magic     int64
	StopPrice float64
}

// Fill is the broker's confirmation of an executed order.
type Fill struct {
	OrderID  int64
	Magic    int64
	Price    float64
	Quantity float64
	FilledAt time.Time
}

// Position is the broker's view of an open position.
type Position struct {
	Magic      int64
	Symbol     string
	Side       string
	Quantity   float64
	EntryPrice float64
	StopPrice  float64
	OpenedAt   time.Time
}

// Gateway is the execution interface the engine drives.
type Gateway interface {
	// Open places a market order with an attached stop. A RejectedError
	// means the broker refused this specific order; a TransientError means
	// the attempt may be retried.
	Open(ctx context.Context, req OpenRequest) (Fill, error)

	// ModifyStop moves the protective stop of the position identified by
	// magic.
	ModifyStop(ctx context.Context, symbol string, magic int64, newStop float64) error

	// Close flattens the position identified by magic at market.
	Close(ctx context.Context, symbol string, magic int64) (Fill, error)

	// GetPosition fetches one position; ErrPositionAbsent when the broker
	// no longer holds it.
	GetPosition(ctx context.Context, symbol string, magic int64) (Position, error)

	// ListPositions returns every open position on the symbol, foreign
	// magics included. Reconciliation filters ownership.
	ListPositions(ctx context.Context, symbol string) ([]Position, error)

	// GetPrice returns the last traded price.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetKlines returns recent bars, oldest first.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]regime.Bar, error)

	// MinStopDistance returns the venue's minimum distance between the
	// market price and a resting stop, in price units.
	MinStopDistance(ctx context.Context, symbol string) (float64, error)
}

// ErrPositionAbsent means the broker has no position for the magic asked
// about. During reconciliation this is the signal that a position closed
// while the bot was down.
var ErrPositionAbsent = errors.New("broker holds no position for magic")

// TransientError wraps a failure worth retrying: network trouble, venue
// overload, rate limiting.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError wraps a definitive refusal of one request. Retrying the
// same request will not help; the caller moves on.
type RejectedError struct {
	Op     string
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker rejected %s (code %d): %s", e.Op, e.Code, e.Reason)
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
