package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/circuit"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/executor"
	"trading-supervisor/internal/market"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/store"
	"trading-supervisor/internal/strategy"
)

func flatKlines(n int) []exchange.Kline {
	out := make([]exchange.Kline, n)
	for i := range out {
		out[i] = exchange.Kline{
			OpenTime: int64(i) * 3600_000,
			Open:     100, High: 101, Low: 99, Close: 100,
			Volume: 10,
		}
	}
	return out
}

func smaRoster(t *testing.T) *strategy.Roster {
	t.Helper()
	roster, err := strategy.Build([]config.StrategyConfig{
		{Name: "sma_cross", Timeframe: "1h", Params: map[string]float64{"fast": 2, "slow": 3}},
	})
	if err != nil {
		t.Fatalf("building roster: %v", err)
	}
	return roster
}

func TestFetchTimeframesWidensForSummaryWindow(t *testing.T) {
	client := exchange.NewMockClient()
	client.Klines["BTC/USDT|1h"] = flatKlines(200)
	roster := smaRoster(t)
	required := roster.Ohlcv[0].RequiredCandles()

	newHandler := func(mtf config.MTFConfig) *SpotHandler {
		return NewSpotHandler(config.SpotConfig{Mode: "paper"}, config.LLMConfig{}, mtf,
			client, market.NewKlineCache(client, time.Minute), roster,
			nil, nil, nil, store.NopSink{}, nil, nil, zerolog.Nop())
	}

	enabled := config.MTFConfig{Enabled: true, CandleLimit: 60}
	data := newHandler(enabled).fetchTimeframes("BTC/USDT", roster, enabled)
	if got := len(data["1h"]); got != 60 {
		t.Errorf("summary window enabled: fetched %d candles, want the candle limit 60", got)
	}

	disabled := config.MTFConfig{}
	data = newHandler(disabled).fetchTimeframes("BTC/USDT", roster, disabled)
	if got, want := len(data["1h"]), required+mtfBufferCandles; got != want {
		t.Errorf("summary window disabled: fetched %d candles, want the strategy need %d", got, want)
	}
}

func TestCloseLongMinHoldGate(t *testing.T) {
	client := exchange.NewMockClient()
	cfg := config.SpotConfig{Mode: "paper", Pairs: []string{"BTC/USDT"}, MaxPositionPct: 0.1}
	horizons := risk.NewHorizonTable(config.HorizonConfig{})
	spotRisk := risk.NewSpotEvaluator(cfg, horizons, zerolog.Nop())
	exec := executor.New(client, executor.MarketSpot, cfg.Mode, zerolog.Nop())
	exec.SetPaperBalance("BTC", 1)
	breaker := circuit.NewBreaker(config.CircuitConfig{}, zerolog.Nop())

	h := NewSpotHandler(cfg, config.LLMConfig{}, config.MTFConfig{},
		client, market.NewKlineCache(client, time.Minute), &strategy.Roster{},
		nil, spotRisk, exec, store.NopSink{}, nil, breaker, zerolog.Nop())

	spotRisk.AddPosition(&risk.SpotPosition{
		Symbol: "BTC/USDT", Quantity: 0.1, EntryPrice: 100,
		OpenedAt: time.Now().UTC(), Horizon: risk.HorizonShort,
	})

	if err := h.closeLong(context.Background(), "c1", "BTC/USDT", 110, closeReasonStrategy, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("gated close errored: %v", err)
	}
	if _, ok := spotRisk.Position("BTC/USDT"); !ok {
		t.Fatal("signal-driven close inside the minimum hold must keep the position")
	}

	if err := h.closeLong(context.Background(), "c1", "BTC/USDT", 110, "stop loss", cfg, zerolog.Nop()); err != nil {
		t.Fatalf("trigger close errored: %v", err)
	}
	if _, ok := spotRisk.Position("BTC/USDT"); ok {
		t.Error("a trigger-driven close must bypass the minimum hold")
	}
}
