package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-supervisor/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB connects and pings the configured database.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger = logger.With().Str("component", "store").Logger()
	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return &DB{Pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations creates the sink schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			mode VARCHAR(10) NOT NULL,
			market_type VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL DEFAULT 1,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			tp_order_id BIGINT,
			sl_order_id BIGINT,
			liquidation_price DECIMAL(20, 8),
			opened_at TIMESTAMPTZ NOT NULL,
			horizon VARCHAR(10),
			reasoning TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (symbol, mode, market_type, side)
		)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			id SERIAL PRIMARY KEY,
			cycle_id VARCHAR(40) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			market_type VARCHAR(10) NOT NULL,
			strategy VARCHAR(40) NOT NULL,
			signal VARCHAR(10) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			timeframe VARCHAR(10),
			reasoning TEXT,
			indicators JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id SERIAL PRIMARY KEY,
			cycle_id VARCHAR(40) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			market_type VARCHAR(10) NOT NULL,
			action VARCHAR(10) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			horizon VARCHAR(10),
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			llm_override BOOLEAN NOT NULL DEFAULT FALSE,
			reasoning TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			cycle_id VARCHAR(40),
			symbol VARCHAR(20) NOT NULL,
			market_type VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			type VARCHAR(25) NOT NULL,
			status VARCHAR(20) NOT NULL,
			price DECIMAL(20, 8),
			quantity DECIMAL(20, 8) NOT NULL,
			executed_qty DECIMAL(20, 8),
			exchange_order_id BIGINT,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id SERIAL PRIMARY KEY,
			market_type VARCHAR(10) NOT NULL,
			total DECIMAL(20, 8) NOT NULL,
			available DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8),
			margin_ratio DECIMAL(10, 6),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			id SERIAL PRIMARY KEY,
			cycle_num BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id SERIAL PRIMARY KEY,
			logged_at TIMESTAMPTZ NOT NULL,
			level VARCHAR(10),
			message TEXT,
			raw JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS loan_health (
			id SERIAL PRIMARY KEY,
			ltv DECIMAL(10, 6) NOT NULL,
			total_debt DECIMAL(20, 8) NOT NULL,
			total_collateral DECIMAL(20, 8) NOT NULL,
			action VARCHAR(20),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS config_versions (
			version SERIAL PRIMARY KEY,
			yaml TEXT NOT NULL,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_symbol_time ON verdicts (symbol, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_time ON decisions (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_time ON orders (symbol, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeats_time ON heartbeats (created_at DESC)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
