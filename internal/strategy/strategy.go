package strategy

import (
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/market"
)

// OhlcvStrategy generates a verdict from a candle window of its configured
// timeframe. Implementations are pure; all state lives in the window.
type OhlcvStrategy interface {
	Name() string
	Timeframe() string
	RequiredCandles() int
	GenerateVerdict(klines []exchange.Kline) Verdict
}

// BarCacheLoader restores persisted order-flow bars and the last processed
// trade id for a symbol. Implemented by the Redis bar cache; a nil loader
// means cold starts.
type BarCacheLoader interface {
	LoadBars(symbol string) ([]market.BarSnapshot, int64, error)
}

// OrderFlowStrategy consumes aggregated trades through a BarAggregator and
// memoizes its latest verdict per symbol.
type OrderFlowStrategy interface {
	Name() string
	// LoadCache seeds the symbol's aggregator from persisted bars and
	// returns the last processed trade id (0 when none).
	LoadCache(symbol string, loader BarCacheLoader, agg *market.BarAggregator) int64
	// FeedTrades filters trades newer than lastTradeID, aggregates them,
	// and returns a fresh verdict if at least one bar completed (nil
	// otherwise) plus the new last trade id.
	FeedTrades(symbol string, trades []exchange.AggTrade, agg *market.BarAggregator, lastTradeID int64) (*Verdict, int64)
	// LatestVerdict returns the memoized verdict for the symbol, or nil.
	LatestVerdict(symbol string) *Verdict
}

func closes(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
