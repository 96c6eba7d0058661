package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"trading-supervisor/internal/strategy"
)

// Repository implements Sink against PostgreSQL.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) UpsertPosition(ctx context.Context, rec PositionRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (symbol, mode, market_type, side, quantity, entry_price, leverage,
			stop_loss, take_profit, tp_order_id, sl_order_id, liquidation_price, opened_at, horizon, reasoning, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (symbol, mode, market_type, side) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			leverage = EXCLUDED.leverage,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			tp_order_id = EXCLUDED.tp_order_id,
			sl_order_id = EXCLUDED.sl_order_id,
			liquidation_price = EXCLUDED.liquidation_price,
			horizon = EXCLUDED.horizon,
			reasoning = EXCLUDED.reasoning,
			updated_at = NOW()`,
		rec.Symbol, rec.Mode, rec.MarketType, rec.Side, rec.Quantity, rec.EntryPrice, rec.Leverage,
		rec.StopLoss, rec.TakeProfit, rec.TPOrderID, rec.SLOrderID, rec.LiquidationPrice,
		rec.OpenedAt, rec.Horizon, rec.Reasoning)
	if err != nil {
		return fmt.Errorf("upserting position: %w", err)
	}
	return nil
}

func (r *Repository) DeletePosition(ctx context.Context, symbol, mode, marketType, side string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM positions WHERE symbol = $1 AND mode = $2 AND market_type = $3 AND side = $4`,
		symbol, mode, marketType, side)
	if err != nil {
		return fmt.Errorf("deleting position: %w", err)
	}
	return nil
}

func (r *Repository) ListPositions(ctx context.Context, mode, marketType string) ([]PositionRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, mode, market_type, side, quantity, entry_price, leverage,
			COALESCE(stop_loss, 0), COALESCE(take_profit, 0), COALESCE(tp_order_id, 0),
			COALESCE(sl_order_id, 0), COALESCE(liquidation_price, 0), opened_at,
			COALESCE(horizon, ''), COALESCE(reasoning, '')
		FROM positions WHERE mode = $1 AND market_type = $2`, mode, marketType)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var rec PositionRecord
		if err := rows.Scan(&rec.Symbol, &rec.Mode, &rec.MarketType, &rec.Side, &rec.Quantity,
			&rec.EntryPrice, &rec.Leverage, &rec.StopLoss, &rec.TakeProfit, &rec.TPOrderID,
			&rec.SLOrderID, &rec.LiquidationPrice, &rec.OpenedAt, &rec.Horizon, &rec.Reasoning); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) SaveVerdict(ctx context.Context, cycleID, symbol, marketType string, v strategy.Verdict) error {
	indicators, _ := json.Marshal(v.Indicators)
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO verdicts (cycle_id, symbol, market_type, strategy, signal, confidence, timeframe, reasoning, indicators)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cycleID, symbol, marketType, v.StrategyName, string(v.Signal), v.Confidence, v.Timeframe, v.Reasoning, indicators)
	if err != nil {
		return fmt.Errorf("saving verdict: %w", err)
	}
	return nil
}

func (r *Repository) SaveDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO decisions (cycle_id, symbol, market_type, action, confidence, horizon, stop_loss, take_profit, llm_override, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.CycleID, rec.Symbol, rec.MarketType, rec.Action, rec.Confidence, rec.Horizon,
		rec.StopLoss, rec.TakeProfit, rec.Override, rec.Reasoning)
	if err != nil {
		return fmt.Errorf("saving decision: %w", err)
	}
	return nil
}

func (r *Repository) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT cycle_id, symbol, market_type, action, confidence, COALESCE(horizon, ''),
			COALESCE(stop_loss, 0), COALESCE(take_profit, 0), llm_override, COALESCE(reasoning, '')
		FROM decisions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(&rec.CycleID, &rec.Symbol, &rec.MarketType, &rec.Action, &rec.Confidence,
			&rec.Horizon, &rec.StopLoss, &rec.TakeProfit, &rec.Override, &rec.Reasoning); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) SaveOrder(ctx context.Context, rec OrderRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO orders (cycle_id, symbol, market_type, side, type, status, price, quantity, executed_qty, exchange_order_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.CycleID, rec.Symbol, rec.MarketType, rec.Side, rec.Type, rec.Status,
		rec.Price, rec.Quantity, rec.ExecutedQty, rec.ExchangeID, rec.Reason)
	if err != nil {
		return fmt.Errorf("saving order: %w", err)
	}
	return nil
}

func (r *Repository) SaveBalanceSnapshot(ctx context.Context, marketType string, total, available, unrealized, marginRatio float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO balance_snapshots (market_type, total, available, unrealized_pnl, margin_ratio)
		VALUES ($1, $2, $3, $4, $5)`,
		marketType, total, available, unrealized, marginRatio)
	if err != nil {
		return fmt.Errorf("saving balance snapshot: %w", err)
	}
	return nil
}

func (r *Repository) Heartbeat(ctx context.Context, cycleNum int64, status string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO heartbeats (cycle_num, status) VALUES ($1, $2)`, cycleNum, status)
	if err != nil {
		return fmt.Errorf("saving heartbeat: %w", err)
	}
	return nil
}

func (r *Repository) LastCycleNum(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT cycle_num FROM heartbeats ORDER BY created_at DESC LIMIT 1`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading last cycle: %w", err)
	}
	return n, nil
}

func (r *Repository) SaveLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		raw := e.Raw
		if !json.Valid(raw) {
			raw, _ = json.Marshal(map[string]string{"message": string(e.Raw)})
		}
		batch.Queue(`INSERT INTO logs (logged_at, level, message, raw) VALUES ($1, $2, $3, $4)`,
			e.Time, e.Level, e.Message, raw)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("saving logs: %w", err)
		}
	}
	return nil
}

func (r *Repository) SaveLoanHealth(ctx context.Context, ltv, debt, collateral float64, action string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO loan_health (ltv, total_debt, total_collateral, action)
		VALUES ($1, $2, $3, $4)`, ltv, debt, collateral, action)
	if err != nil {
		return fmt.Errorf("saving loan health: %w", err)
	}
	return nil
}

func (r *Repository) LatestConfigVersion(ctx context.Context) (*ConfigVersion, error) {
	var cv ConfigVersion
	err := r.db.Pool.QueryRow(ctx, `
		SELECT version, yaml, COALESCE(note, ''), created_at
		FROM config_versions ORDER BY version DESC LIMIT 1`).
		Scan(&cv.Version, &cv.YAML, &cv.Note, &cv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest config version: %w", err)
	}
	return &cv, nil
}

func (r *Repository) PushConfigVersion(ctx context.Context, yaml, note string) (int, error) {
	var version int
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO config_versions (yaml, note) VALUES ($1, $2) RETURNING version`,
		yaml, note).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("pushing config version: %w", err)
	}
	return version, nil
}
