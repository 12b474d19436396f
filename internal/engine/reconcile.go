package engine

import (
	"context"
	"errors"
	"fmt"

	"triad-trading-bot/internal/broker"
	"triad-trading-bot/internal/ledger"
)

// Reconcile aligns restored ledger state with what the broker actually
// holds. Positions the ledger believes open but the broker no longer has
// are closed with reason "reconciled" at the current price; submissions
// that were in flight during the crash resolve to OPEN or REJECTED based
// on whether the broker holds them. Broker positions carrying a magic this
// bot does not own are left alone.
func (e *Engine) Reconcile(ctx context.Context) error {
	price, err := e.gateway.GetPrice(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("fetch price for reconciliation: %w", err)
	}

	brokerPositions, err := e.gateway.ListPositions(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}
	held := make(map[int64]broker.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		if !e.allocator.Owns(bp.Magic) {
			e.logger.Warn().Int64("magic", bp.Magic).Msg("Ignoring foreign position at broker")
			continue
		}
		held[bp.Magic] = bp
	}

	now := e.clock.Now()
	reconciled := 0
	for _, magic := range e.ledger.ActiveMagics() {
		p, ok := e.ledger.GetPositionByMagic(magic)
		if !ok {
			continue
		}

		bp, present := held[magic]
		switch p.Status {
		case ledger.PositionStatusPending:
			// Submission was in flight when the process died.
			if present {
				if err := e.ledger.MarkPositionOpen(ctx, magic, bp.EntryPrice, now); err != nil {
					return err
				}
				e.logger.Info().Int64("magic", magic).Msg("Pending position found at broker, marked open")
			} else {
				if err := e.ledger.MarkPositionRejected(ctx, magic, now); err != nil {
					return err
				}
				e.logger.Info().Int64("magic", magic).Msg("Pending position absent at broker, marked rejected")
			}

		case ledger.PositionStatusOpen:
			if present {
				continue
			}
			if err := e.ledger.ClosePosition(ctx, magic, price, ledger.CloseReasonReconciled, now); err != nil {
				if errors.Is(err, ledger.ErrPositionNotFound) {
					continue
				}
				return err
			}
			reconciled++
			e.logger.Warn().Int64("magic", magic).Float64("price", price).
				Msg("Open position absent at broker, closed as reconciled")
		}
	}

	e.logger.Info().
		Int("ledger_active", len(e.ledger.ActiveMagics())).
		Int("broker_held", len(held)).
		Int("reconciled_closes", reconciled).
		Msg("Reconciliation complete")
	return nil
}
