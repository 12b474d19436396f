package engine

import (
	"context"
	"errors"
	"time"

	"triad-trading-bot/internal/broker"
	"triad-trading-bot/internal/ledger"
)

// Tick runs one evaluation pass over every active group at the current
// market price. Persistence failures abort the pass and propagate; broker
// trouble on one group never blocks the others.
func (e *Engine) Tick(ctx context.Context) error {
	price, err := e.gateway.GetPrice(ctx, e.symbol)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Price fetch failed, skipping tick")
		return nil
	}
	return e.TickAt(ctx, price)
}

// TickAt evaluates every active group against a known price.
func (e *Engine) TickAt(ctx context.Context, price float64) error {
	now := e.clock.Now()
	for _, g := range e.ledger.ActiveGroups() {
		if err := e.tickGroup(ctx, g, price, now); err != nil {
			if ledger.IsPersistenceError(err) {
				return err
			}
			e.logger.Error().Err(err).Str("group_id", g.ID).Msg("Group tick failed")
		}
	}
	return nil
}

// tickGroup applies the evaluation order for one group: the group-age gate,
// then per-slot stop hits before target hits, then timeout, then trailing
// management. Checking the stop before the target resolves a tick where both
// levels are touched in favour of the protective exit; level crossings are
// likewise honoured ahead of an expired deadline, so a stop-out on the
// deadline tick records the crossing, not the timeout.
func (e *Engine) tickGroup(ctx context.Context, g ledger.Group, price float64, now time.Time) error {
	// A just-opened group is not evaluated at all: a spread or noise spike
	// right after opening must not read as a legitimate move.
	if now.Sub(g.OpenedAt) < e.cfg.MinGroupAge {
		return nil
	}

	sign := g.Side.Sign()
	for _, p := range e.ledger.GroupPositions(g.ID) {
		if p.Status != ledger.PositionStatusOpen {
			continue
		}

		if p.StopPrice != 0 && sign*(price-p.StopPrice) <= 0 {
			// The stop-out reason follows the group's armed state at the
			// time of the crossing, even when this particular stop was
			// never moved off its initial level.
			reason := ledger.CloseReasonStop
			if cur, ok := e.ledger.GetGroup(g.ID); ok && cur.FirstTargetHit {
				reason = ledger.CloseReasonTrailing
			}
			if err := e.closePositionAt(ctx, g.Symbol, p.Magic, p.StopPrice, reason, now); err != nil {
				return err
			}
			continue
		}

		if sign*(price-p.TargetPrice) >= 0 {
			// Recorded at the target level even when the market gapped
			// through it; the fill itself may be better.
			if err := e.closePositionAt(ctx, g.Symbol, p.Magic, p.TargetPrice, ledger.CloseReasonTarget, now); err != nil {
				return err
			}
		}
	}

	if !now.Before(g.Deadline) {
		if _, ok := e.ledger.GetGroup(g.ID); !ok {
			return nil
		}
		return e.closeGroupOnTimeout(ctx, g, price, now)
	}

	// Closes above may have armed the trailing stop or ended the group.
	fresh, ok := e.ledger.GetGroup(g.ID)
	if !ok || !fresh.FirstTargetHit {
		return nil
	}
	return e.manageTrailing(ctx, fresh, price, now)
}

// closeGroupOnTimeout flattens every open position of an expired group.
// Timeout closes record the actual fill price.
func (e *Engine) closeGroupOnTimeout(ctx context.Context, g ledger.Group, price float64, now time.Time) error {
	e.logger.Info().Str("group_id", g.ID).Time("deadline", g.Deadline).Msg("Group timeout reached")

	for _, p := range e.ledger.GroupPositions(g.ID) {
		if p.Status != ledger.PositionStatusOpen {
			continue
		}
		closePrice := price
		fill, err := e.gateway.Close(ctx, g.Symbol, p.Magic)
		switch {
		case err == nil:
			closePrice = fill.Price
		case errors.Is(err, broker.ErrPositionAbsent):
			// Already gone broker-side; record at the observed price.
		case broker.IsTransient(err):
			e.logger.Warn().Err(err).Int64("magic", p.Magic).Msg("Timeout close failed, will retry next tick")
			continue
		default:
			e.logger.Error().Err(err).Int64("magic", p.Magic).Msg("Timeout close rejected")
			continue
		}
		if err := e.ledger.ClosePosition(ctx, p.Magic, closePrice, ledger.CloseReasonTimeout, now); err != nil {
			return err
		}
	}
	return nil
}

// closePositionAt flattens one position and records the close at a level.
// A position the broker no longer holds is recorded anyway: its resting
// stop or an out-of-band close already did the work.
func (e *Engine) closePositionAt(ctx context.Context, symbol string, magic int64, level float64, reason string, now time.Time) error {
	_, err := e.gateway.Close(ctx, symbol, magic)
	if err != nil && !errors.Is(err, broker.ErrPositionAbsent) {
		if broker.IsTransient(err) {
			e.logger.Warn().Err(err).Int64("magic", magic).Str("reason", reason).Msg("Close failed, will retry next tick")
			return nil
		}
		e.logger.Error().Err(err).Int64("magic", magic).Str("reason", reason).Msg("Close rejected")
		return nil
	}
	return e.ledger.ClosePosition(ctx, magic, level, reason, now)
}

// manageTrailing moves the stops of the surviving slots behind the price
// extreme. Candidate stops retrace from the extreme toward entry by the
// configured fraction and must clear every guard gate before the broker is
// asked to move anything.
func (e *Engine) manageTrailing(ctx context.Context, g ledger.Group, price float64, now time.Time) error {
	if err := e.ledger.UpdateExtremePrice(ctx, g.ID, price, now); err != nil {
		return err
	}
	fresh, ok := e.ledger.GetGroup(g.ID)
	if !ok {
		return nil
	}

	sign := fresh.Side.Sign()
	favorable := sign * (fresh.ExtremePrice - fresh.EntryPrice)
	if favorable <= 0 {
		return nil
	}
	candidate := fresh.ExtremePrice - sign*fresh.Params.TrailingRetracement*favorable

	for _, p := range e.ledger.GroupPositions(g.ID) {
		if p.Status != ledger.PositionStatusOpen || p.Slot == 1 {
			continue
		}
		if p.OpenedAt == nil || now.Sub(*p.OpenedAt) < e.cfg.MinPositionAge {
			continue
		}
		if p.LastStopModAt != nil && now.Sub(*p.LastStopModAt) < e.cfg.MinModifyInterval {
			continue
		}

		if sign*(candidate-p.StopPrice) <= 0 {
			continue
		}
		// The candidate must sit a minimum distance beyond entry, so the
		// first accepted stop already locks in something.
		if sign*(candidate-p.EntryPrice) < e.cfg.MinStopEntryFraction*p.EntryPrice {
			continue
		}

		marketGap := sign * (price - candidate)
		minGap := e.cfg.MinStopMarketFraction * price
		if minGap < e.venueMinStop {
			minGap = e.venueMinStop
		}
		if marketGap < minGap {
			continue
		}

		if err := e.gateway.ModifyStop(ctx, g.Symbol, p.Magic, candidate); err != nil {
			if broker.IsTransient(err) {
				e.logger.Warn().Err(err).Int64("magic", p.Magic).Msg("Stop modify failed, will retry next tick")
			} else {
				e.logger.Error().Err(err).Int64("magic", p.Magic).Msg("Stop modify rejected")
			}
			continue
		}
		if err := e.ledger.RecordStopModification(ctx, p.Magic, candidate, price, true, now); err != nil {
			return err
		}
	}
	return nil
}
