// Package database provides PostgreSQL persistence for position groups.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"triad-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool and verifies connectivity.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}
	db.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return db, nil
}

// Ping verifies the pool can reach the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS position_groups (
			id VARCHAR(36) PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			instrument_class VARCHAR(16) NOT NULL,
			side VARCHAR(5) NOT NULL,
			regime VARCHAR(8) NOT NULL,
			counter INTEGER NOT NULL,
			params JSONB NOT NULL,
			status VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			first_target_hit BOOLEAN NOT NULL DEFAULT FALSE,
			extreme_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_position_groups_bot_status
			ON position_groups(bot_id, status)`,

		`CREATE TABLE IF NOT EXISTS group_positions (
			magic BIGINT PRIMARY KEY,
			group_id VARCHAR(36) NOT NULL REFERENCES position_groups(id),
			slot SMALLINT NOT NULL,
			status VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			target_price DECIMAL(20, 8) NOT NULL,
			initial_stop DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			stop_mod_count INTEGER NOT NULL DEFAULT 0,
			last_stop_mod_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			close_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			close_reason VARCHAR(16) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (group_id, slot)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_group_positions_group
			ON group_positions(group_id)`,

		`CREATE TABLE IF NOT EXISTS stop_modifications (
			id BIGSERIAL PRIMARY KEY,
			group_id VARCHAR(36) NOT NULL,
			magic BIGINT NOT NULL,
			version INTEGER NOT NULL,
			old_stop DECIMAL(20, 8) NOT NULL,
			new_stop DECIMAL(20, 8) NOT NULL,
			market_price DECIMAL(20, 8) NOT NULL,
			trailing BOOLEAN NOT NULL,
			modified_at TIMESTAMPTZ NOT NULL,
			UNIQUE (magic, version)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_stop_modifications_magic
			ON stop_modifications(magic)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("Migrations complete")
	return nil
}
