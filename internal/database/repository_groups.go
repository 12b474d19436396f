package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"triad-trading-bot/internal/ledger"
	"triad-trading-bot/internal/params"
	"triad-trading-bot/internal/regime"
)

// CreateGroup inserts a group and its positions in one transaction.
func (db *DB) CreateGroup(ctx context.Context, group *ledger.Group, positions []*ledger.Position) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	paramsJSON, err := json.Marshal(group.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO position_groups (
			id, bot_id, symbol, instrument_class, side, regime, counter,
			params, status, entry_price, first_target_hit, extreme_price,
			opened_at, deadline, closed_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		group.ID, group.BotID, group.Symbol, string(group.InstrumentClass),
		string(group.Side), string(group.Regime), group.Counter,
		paramsJSON, group.Status, group.EntryPrice, group.FirstTargetHit,
		group.ExtremePrice, group.OpenedAt, group.Deadline, group.ClosedAt,
		group.CreatedAt, group.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	for _, p := range positions {
		_, err = tx.Exec(ctx, `
			INSERT INTO group_positions (
				magic, group_id, slot, status, quantity, entry_price,
				target_price, initial_stop, stop_price, trailing_active,
				stop_mod_count, last_stop_mod_at, opened_at, closed_at,
				close_price, close_reason, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			p.Magic, p.GroupID, p.Slot, p.Status, p.Quantity, p.EntryPrice,
			p.TargetPrice, p.InitialStop, p.StopPrice, p.TrailingActive,
			p.StopModCount, p.LastStopModAt, p.OpenedAt, p.ClosedAt,
			p.ClosePrice, p.CloseReason, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert position %d: %w", p.Magic, err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateGroup persists a group's mutable fields.
func (db *DB) UpdateGroup(ctx context.Context, group *ledger.Group) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE position_groups SET
			status = $2,
			first_target_hit = $3,
			extreme_price = $4,
			closed_at = $5,
			updated_at = $6
		WHERE id = $1`,
		group.ID, group.Status, group.FirstTargetHit, group.ExtremePrice,
		group.ClosedAt, group.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %s not found", group.ID)
	}
	return nil
}

// UpdatePosition persists a position's mutable fields.
func (db *DB) UpdatePosition(ctx context.Context, p *ledger.Position) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE group_positions SET
			status = $2,
			entry_price = $3,
			stop_price = $4,
			trailing_active = $5,
			stop_mod_count = $6,
			last_stop_mod_at = $7,
			opened_at = $8,
			closed_at = $9,
			close_price = $10,
			close_reason = $11,
			updated_at = $12
		WHERE magic = $1`,
		p.Magic, p.Status, p.EntryPrice, p.StopPrice, p.TrailingActive,
		p.StopModCount, p.LastStopModAt, p.OpenedAt, p.ClosedAt,
		p.ClosePrice, p.CloseReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d not found", p.Magic)
	}
	return nil
}

// AppendStopModification appends one entry of the stop movement log. The
// (magic, version) unique constraint rejects duplicate versions, which
// would mean two writers raced past the ledger lock.
func (db *DB) AppendStopModification(ctx context.Context, mod *ledger.StopModification) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO stop_modifications (
			group_id, magic, version, old_stop, new_stop,
			market_price, trailing, modified_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		mod.GroupID, mod.Magic, mod.Version, mod.OldStop, mod.NewStop,
		mod.MarketPrice, mod.Trailing, mod.ModifiedAt,
	).Scan(&mod.ID)
	if err != nil {
		return fmt.Errorf("append stop modification: %w", err)
	}
	return nil
}

// LoadActiveGroups returns every OPEN group for a bot with its positions.
func (db *DB) LoadActiveGroups(ctx context.Context, botID string) ([]*ledger.Group, map[string][]*ledger.Position, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, bot_id, symbol, instrument_class, side, regime, counter,
			params, status, entry_price, first_target_hit, extreme_price,
			opened_at, deadline, closed_at, created_at, updated_at
		FROM position_groups
		WHERE bot_id = $1 AND status = 'OPEN'
		ORDER BY opened_at`, botID)
	if err != nil {
		return nil, nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []*ledger.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate groups: %w", err)
	}

	positions := make(map[string][]*ledger.Position, len(groups))
	for _, g := range groups {
		ps, err := db.loadGroupPositions(ctx, g.ID)
		if err != nil {
			return nil, nil, err
		}
		positions[g.ID] = ps
	}
	return groups, positions, nil
}

// ListStopModifications returns the stop movement log for one position,
// oldest first.
func (db *DB) ListStopModifications(ctx context.Context, magic int64) ([]*ledger.StopModification, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, group_id, magic, version, old_stop, new_stop,
			market_price, trailing, modified_at
		FROM stop_modifications
		WHERE magic = $1
		ORDER BY version`, magic)
	if err != nil {
		return nil, fmt.Errorf("query stop modifications: %w", err)
	}
	defer rows.Close()

	var mods []*ledger.StopModification
	for rows.Next() {
		var m ledger.StopModification
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Magic, &m.Version,
			&m.OldStop, &m.NewStop, &m.MarketPrice, &m.Trailing, &m.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan stop modification: %w", err)
		}
		mods = append(mods, &m)
	}
	return mods, rows.Err()
}

func (db *DB) loadGroupPositions(ctx context.Context, groupID string) ([]*ledger.Position, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT magic, group_id, slot, status, quantity, entry_price,
			target_price, initial_stop, stop_price, trailing_active,
			stop_mod_count, last_stop_mod_at, opened_at, closed_at,
			close_price, close_reason, created_at, updated_at
		FROM group_positions
		WHERE group_id = $1
		ORDER BY slot`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []*ledger.Position
	for rows.Next() {
		var p ledger.Position
		if err := rows.Scan(&p.Magic, &p.GroupID, &p.Slot, &p.Status,
			&p.Quantity, &p.EntryPrice, &p.TargetPrice, &p.InitialStop,
			&p.StopPrice, &p.TrailingActive, &p.StopModCount, &p.LastStopModAt,
			&p.OpenedAt, &p.ClosedAt, &p.ClosePrice, &p.CloseReason,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

func scanGroup(row pgx.Row) (*ledger.Group, error) {
	var g ledger.Group
	var instrumentClass, side, regimeLabel string
	var paramsJSON []byte
	if err := row.Scan(&g.ID, &g.BotID, &g.Symbol, &instrumentClass, &side,
		&regimeLabel, &g.Counter, &paramsJSON, &g.Status, &g.EntryPrice,
		&g.FirstTargetHit, &g.ExtremePrice, &g.OpenedAt, &g.Deadline,
		&g.ClosedAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.InstrumentClass = params.InstrumentClass(instrumentClass)
	g.Side = ledger.Side(side)
	g.Regime = regime.Label(regimeLabel)
	if err := json.Unmarshal(paramsJSON, &g.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return &g, nil
}
