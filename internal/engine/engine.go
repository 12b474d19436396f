// Package engine drives the lifecycle of position groups: opening the
// three linked slots on a signal, walking them through targets, trailing
// stops and timeouts on every tick, and reconciling ledger state against
// the broker after a restart.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"triad-trading-bot/config"
	"triad-trading-bot/internal/broker"
	"triad-trading-bot/internal/events"
	"triad-trading-bot/internal/identity"
	"triad-trading-bot/internal/ledger"
	"triad-trading-bot/internal/params"
	"triad-trading-bot/internal/regime"
)

// openRetries bounds transient-failure retries per slot submission.
const openRetries = 3

// Signal is an external instruction to open a group.
type Signal struct {
	Symbol string
	Side   ledger.Side
}

// Engine owns the trading logic between the ledger and the broker.
type Engine struct {
	cfg        config.EngineConfig
	botID      string
	symbol     string
	class      params.InstrumentClass
	sizeTotal  float64
	ledger     *ledger.Ledger
	gateway    broker.Gateway
	allocator  *identity.Allocator
	table      *params.Table
	classifier *regime.Classifier
	bus        *events.EventBus
	clock      Clock
	logger     zerolog.Logger

	venueMinStop float64
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config     config.EngineConfig
	BotID      string
	Symbol     string
	Class      params.InstrumentClass
	TotalSize  float64
	Ledger     *ledger.Ledger
	Gateway    broker.Gateway
	Allocator  *identity.Allocator
	Table      *params.Table
	Classifier *regime.Classifier
	Bus        *events.EventBus
	Clock      Clock
	Logger     zerolog.Logger
}

// New creates an engine. Clock defaults to the wall clock.
func New(d Deps) *Engine {
	clock := d.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &Engine{
		cfg:        d.Config,
		botID:      d.BotID,
		symbol:     d.Symbol,
		class:      d.Class,
		sizeTotal:  d.TotalSize,
		ledger:     d.Ledger,
		gateway:    d.Gateway,
		allocator:  d.Allocator,
		table:      d.Table,
		classifier: d.Classifier,
		bus:        d.Bus,
		clock:      clock,
		logger:     d.Logger.With().Str("component", "engine").Logger(),
	}
}

// Init fetches venue constraints that hold for the process lifetime.
func (e *Engine) Init(ctx context.Context) error {
	minStop, err := e.gateway.MinStopDistance(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("fetch min stop distance: %w", err)
	}
	e.venueMinStop = minStop
	return nil
}

// OpenGroup classifies the current regime and opens a new three-slot group
// for the signal. The group and its pending positions are persisted before
// anything is sent to the broker, so a crash mid-submission is recoverable.
// Insufficient bar history drops the signal with an error.
func (e *Engine) OpenGroup(ctx context.Context, sig Signal) (string, error) {
	bars, err := e.gateway.GetKlines(ctx, sig.Symbol, "1m", 2*regime.MinBars)
	if err != nil {
		return "", fmt.Errorf("fetch bars: %w", err)
	}

	result, err := e.classifier.Classify(bars)
	if err != nil {
		if e.bus != nil {
			e.bus.PublishSignalDropped(sig.Symbol, "insufficient_data")
		}
		return "", fmt.Errorf("classify regime: %w", err)
	}

	set, err := e.table.Lookup(e.class, result.Label)
	if err != nil {
		return "", fmt.Errorf("parameter lookup: %w", err)
	}

	refPrice, err := e.gateway.GetPrice(ctx, sig.Symbol)
	if err != nil {
		return "", fmt.Errorf("fetch price: %w", err)
	}

	counter := e.allocator.NextGroupCounter(ctx)
	magics, err := e.allocator.AllocateGroup(counter)
	if err != nil {
		return "", err
	}

	now := e.clock.Now()
	sign := sig.Side.Sign()
	stopDistance := e.effectiveStopDistance(set, refPrice)
	initialStop := refPrice - sign*stopDistance

	group := &ledger.Group{
		ID:              uuid.New().String(),
		BotID:           e.botID,
		Symbol:          sig.Symbol,
		InstrumentClass: e.class,
		Side:            sig.Side,
		Regime:          result.Label,
		Counter:         counter,
		Params:          set,
		Status:          ledger.GroupStatusOpen,
		EntryPrice:      refPrice,
		OpenedAt:        now,
		Deadline:        now.Add(set.Timeout),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	positions := make([]*ledger.Position, 0, 3)
	for slot := 1; slot <= 3; slot++ {
		distance, err := set.TargetDistance(slot)
		if err != nil {
			return "", err
		}
		positions = append(positions, &ledger.Position{
			Magic:       magics[slot-1],
			GroupID:     group.ID,
			Slot:        slot,
			Status:      ledger.PositionStatusPending,
			Quantity:    e.sizeTotal * e.cfg.SlotFractions[slot-1],
			TargetPrice: refPrice + sign*set.Resolve(distance, refPrice),
			InitialStop: initialStop,
			StopPrice:   initialStop,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := e.ledger.CreateGroup(ctx, group, positions); err != nil {
		return "", err
	}

	e.logger.Info().
		Str("group_id", group.ID).
		Str("regime", string(result.Label)).
		Interface("votes", result.Votes).
		Float64("ref_price", refPrice).
		Msg("Opening group")

	for _, p := range positions {
		if err := e.submitOpen(ctx, group, p); err != nil {
			if ledger.IsPersistenceError(err) {
				return group.ID, err
			}
		}
	}
	return group.ID, nil
}

// submitOpen sends one slot to the broker. Transient failures are retried
// a few times; a rejection or exhausted retries marks the slot REJECTED
// and the rest of the group carries on.
func (e *Engine) submitOpen(ctx context.Context, group *ledger.Group, p *ledger.Position) error {
	side := broker.SideBuy
	if group.Side == ledger.SideShort {
		side = broker.SideSell
	}
	req := broker.OpenRequest{
		Symbol:    group.Symbol,
		Side:      side,
		Quantity:  p.Quantity,
		Magic:     p.Magic,
		StopPrice: p.StopPrice,
	}

	var lastErr error
	for attempt := 1; attempt <= openRetries; attempt++ {
		fill, err := e.gateway.Open(ctx, req)
		if err == nil {
			return e.ledger.MarkPositionOpen(ctx, p.Magic, fill.Price, e.clock.Now())
		}
		lastErr = err

		if broker.IsRejected(err) {
			e.logger.Warn().Err(err).Int64("magic", p.Magic).Int("slot", p.Slot).Msg("Open rejected")
			break
		}
		e.logger.Warn().Err(err).
			Int64("magic", p.Magic).
			Int("attempt", attempt).
			Msg("Open failed transiently")
	}

	if err := e.ledger.MarkPositionRejected(ctx, p.Magic, e.clock.Now()); err != nil {
		return err
	}
	return lastErr
}

// effectiveStopDistance widens the configured stop distance to respect the
// venue minimum and the market-distance floor.
func (e *Engine) effectiveStopDistance(set params.Set, price float64) float64 {
	d := set.Resolve(set.StopDistance, price)
	if floor := e.cfg.MinStopMarketFraction * price; d < floor {
		d = floor
	}
	if d < e.venueMinStop {
		d = e.venueMinStop
	}
	return d
}
