package reconcile

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/store"
)

func liveHorizons() risk.HorizonTable {
	return risk.HorizonTable{
		risk.HorizonShort:  {SLPct: 0.01, TPPct: 0.02, SizeFactor: 0.5, MinRR: 1.5},
		risk.HorizonMedium: {SLPct: 0.02, TPPct: 0.05, SizeFactor: 1.0, MinRR: 1.5},
		risk.HorizonLong:   {SLPct: 0.05, TPPct: 0.12, SizeFactor: 1.0, MinRR: 2.0},
	}
}

func liveSpotConfig() config.SpotConfig {
	return config.SpotConfig{Mode: "live", Pairs: []string{"BTC/USDT"}, MaxPositionPct: 0.1, MaxOpenPositions: 5, MaxDailyLossPct: 0.05}
}

func liveFuturesConfig() config.FuturesConfig {
	return config.FuturesConfig{
		Enabled: true, Mode: "live", Pairs: []string{"BTC/USDT", "ETH/USDT"},
		Leverage: 5, MaxPositionPct: 0.1, MaxOpenPositions: 5, MaxDailyLossPct: 0.1,
		StopLossPct: 0.03, TakeProfitPct: 0.06, MaxMarginRatio: 0.8,
	}
}

func newTestReconciler(client *exchange.MockClient) (*Reconciler, *risk.SpotEvaluator, *risk.FuturesEvaluator) {
	spot := risk.NewSpotEvaluator(liveSpotConfig(), liveHorizons(), zerolog.Nop())
	futures := risk.NewFuturesEvaluator(liveFuturesConfig(), liveHorizons(), zerolog.Nop())
	r := New(client, spot, futures, store.NopSink{}, liveSpotConfig(), liveFuturesConfig(), zerolog.Nop())
	return r, spot, futures
}

func TestReconcileFuturesRemovesPhantom(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	futures.AdoptPosition(&risk.FuturesPosition{Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100})

	r.Run(context.Background())

	if _, ok := futures.Position("BTC/USDT", "long"); ok {
		t.Error("position absent on the exchange must be dropped from tracking")
	}
	if got := futures.DailyPnL(); got != 0 {
		t.Errorf("phantom removal booked pnl %v, want 0", got)
	}
}

func TestReconcileFuturesAdoptsDrift(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	futures.AdoptPosition(&risk.FuturesPosition{
		Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100,
		StopLoss: 97, TakeProfit: 106, Leverage: 5,
	})
	client.OpenPositions = []exchange.Position{
		{Symbol: "BTC/USDT", Side: "long", Quantity: 0.5, EntryPrice: 101, Leverage: 10, LiquidationPrice: 91},
	}

	r.Run(context.Background())

	pos, ok := futures.Position("BTC/USDT", "long")
	if !ok {
		t.Fatal("drifted position must stay tracked")
	}
	if pos.Quantity != 0.5 || pos.EntryPrice != 101 {
		t.Errorf("qty/entry = %v/%v, want the exchange values 0.5/101", pos.Quantity, pos.EntryPrice)
	}
	if pos.Leverage != 10 || pos.LiquidationPrice != 91 {
		t.Errorf("leverage/liq = %d/%v, want 10/91", pos.Leverage, pos.LiquidationPrice)
	}
	// 97 and 106 still bracket the adopted entry 101, so they survive.
	if pos.StopLoss != 97 || pos.TakeProfit != 106 {
		t.Errorf("protective levels %v/%v must survive while still valid", pos.StopLoss, pos.TakeProfit)
	}
}

func TestReconcileFuturesDriftRecomputesStaleLevels(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	futures.AdoptPosition(&risk.FuturesPosition{
		Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100,
		StopLoss: 97, TakeProfit: 106,
	})
	// Re-entered on the exchange well below the old stop.
	client.OpenPositions = []exchange.Position{
		{Symbol: "BTC/USDT", Side: "long", Quantity: 0.5, EntryPrice: 95},
	}

	r.Run(context.Background())

	pos, ok := futures.Position("BTC/USDT", "long")
	if !ok {
		t.Fatal("drifted position must stay tracked")
	}
	// Fixed-percentage fallback around the new entry: 3% stop, 6% target.
	if math.Abs(pos.StopLoss-95*0.97) > 1e-9 {
		t.Errorf("stop = %v, want the recomputed %v", pos.StopLoss, 95*0.97)
	}
	if math.Abs(pos.TakeProfit-95*1.06) > 1e-9 {
		t.Errorf("target = %v, want the recomputed %v", pos.TakeProfit, 95*1.06)
	}
}

func TestReconcileFuturesIgnoresSmallDrift(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	futures.AdoptPosition(&risk.FuturesPosition{Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100})
	client.OpenPositions = []exchange.Position{
		{Symbol: "BTC/USDT", Side: "long", Quantity: 0.995, EntryPrice: 101},
	}

	r.Run(context.Background())

	pos, _ := futures.Position("BTC/USDT", "long")
	if pos.Quantity != 1 {
		t.Errorf("0.5%% drift is inside the tolerance, quantity = %v, want 1", pos.Quantity)
	}
}

func TestReconcileFuturesAdoptsOrphanOnConfiguredPair(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	client.OpenPositions = []exchange.Position{
		{Symbol: "ETH/USDT", Side: "short", Quantity: 2, EntryPrice: 200, Leverage: 3, LiquidationPrice: 260},
	}

	r.Run(context.Background())

	pos, ok := futures.Position("ETH/USDT", "short")
	if !ok {
		t.Fatal("orphan on a configured pair must be adopted")
	}
	if pos.Leverage != 5 {
		t.Errorf("leverage = %d, want the configured 5 over the live 3", pos.Leverage)
	}
	if math.Abs(pos.StopLoss-206) > 1e-9 {
		t.Errorf("short stop = %v, want the fixed-percentage 206", pos.StopLoss)
	}
	if math.Abs(pos.TakeProfit-188) > 1e-9 {
		t.Errorf("short target = %v, want the fixed-percentage 188", pos.TakeProfit)
	}
	if pos.Horizon != risk.HorizonMedium || pos.Reasoning != "adopted by reconciliation" {
		t.Errorf("adopted record = %+v", pos)
	}
}

func TestReconcileFuturesSkipsOrphanOnUnconfiguredPair(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	client.OpenPositions = []exchange.Position{
		{Symbol: "DOGE/USDT", Side: "long", Quantity: 500, EntryPrice: 0.1},
	}

	r.Run(context.Background())

	if _, ok := futures.Position("DOGE/USDT", "long"); ok {
		t.Error("orphan on an unconfigured pair must be left untouched")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	client := exchange.NewMockClient()
	r, _, futures := newTestReconciler(client)
	client.OpenPositions = []exchange.Position{
		{Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100, Leverage: 5},
	}

	r.Run(context.Background())
	first, _ := futures.Position("BTC/USDT", "long")
	r.Run(context.Background())
	second, _ := futures.Position("BTC/USDT", "long")

	if first.Quantity != second.Quantity || first.StopLoss != second.StopLoss || first.TakeProfit != second.TakeProfit {
		t.Errorf("second pass changed state: %+v vs %+v", first, second)
	}
	if got := len(futures.Positions()); got != 1 {
		t.Errorf("positions = %d, want 1", got)
	}
}

func TestReconcileSpotPhantomAndDownsize(t *testing.T) {
	client := exchange.NewMockClient()
	r, spot, _ := newTestReconciler(client)
	spot.AddPosition(&risk.SpotPosition{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100})
	spot.AddPosition(&risk.SpotPosition{Symbol: "ETH/USDT", Quantity: 2, EntryPrice: 200})
	client.SpotBalances = map[string]float64{
		"BTC":  0.001, // dust, the holding is gone
		"ETH":  1.5,   // shrunk below 95% of the tracked quantity
		"USDT": 1000,
	}

	r.Run(context.Background())

	if _, ok := spot.Position("BTC/USDT"); ok {
		t.Error("dust holding must be removed as a phantom")
	}
	pos, ok := spot.Position("ETH/USDT")
	if !ok {
		t.Fatal("shrunk holding must stay tracked")
	}
	if pos.Quantity != 1.5 {
		t.Errorf("quantity = %v, want the downsized 1.5", pos.Quantity)
	}
	if got := spot.DailyPnL(); got != 0 {
		t.Errorf("reconciliation booked pnl %v, want 0", got)
	}
}

func TestReconcileSkipsPaperModes(t *testing.T) {
	client := exchange.NewMockClient()
	spotCfg := liveSpotConfig()
	spotCfg.Mode = "paper"
	futCfg := liveFuturesConfig()
	futCfg.Mode = "paper"
	spot := risk.NewSpotEvaluator(spotCfg, liveHorizons(), zerolog.Nop())
	futures := risk.NewFuturesEvaluator(futCfg, liveHorizons(), zerolog.Nop())
	r := New(client, spot, futures, store.NopSink{}, spotCfg, futCfg, zerolog.Nop())

	spot.AddPosition(&risk.SpotPosition{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100})
	futures.AdoptPosition(&risk.FuturesPosition{Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100})
	// No scripted balances or positions; a live pass would strip everything.
	r.Run(context.Background())

	if _, ok := spot.Position("BTC/USDT"); !ok {
		t.Error("paper spot positions must not be reconciled")
	}
	if _, ok := futures.Position("BTC/USDT", "long"); !ok {
		t.Error("paper futures positions must not be reconciled")
	}
}
