package handler

import (
	"context"
	"time"

	"trading-supervisor/internal/market"
	"trading-supervisor/internal/strategy"
)

// BarStore is the order-flow persistence surface: the Redis bar cache on
// real runs, nil for cold-only operation.
type BarStore interface {
	strategy.BarCacheLoader
	SaveBars(ctx context.Context, symbol string, snaps []market.BarSnapshot, lastTradeID int64) error
}

// flowState is the per-symbol order-flow aggregation state.
type flowState struct {
	agg         *market.BarAggregator
	lastTradeID int64
	loaded      bool
}

// closeReasonStrategy marks a close initiated by a decision signal. Only
// these closes respect the per-horizon minimum hold; SL/TP triggers and
// reconciliation removals pass through.
const closeReasonStrategy = "strategy close"

// aggTradeFetchLimit bounds one REST trade fetch per symbol per cycle.
const aggTradeFetchLimit = 1000

// mtfBufferCandles is added to the largest strategy requirement when
// fetching a timeframe group.
const mtfBufferCandles = 10

// currentSlot buckets the UTC day into finest-timeframe slots. Equal slots
// mean the OHLCV strategies already ran for this bar.
func currentSlot(now time.Time, finestMinutes int) int {
	if finestMinutes <= 0 {
		finestMinutes = 1
	}
	now = now.UTC()
	return (now.Hour()*60 + now.Minute()) / finestMinutes
}
