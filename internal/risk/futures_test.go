package risk

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/strategy"
)

func testFuturesConfig() config.FuturesConfig {
	return config.FuturesConfig{
		Enabled:          true,
		Mode:             "paper",
		Leverage:         5,
		MaxPositionPct:   0.1,
		MaxOpenPositions: 2,
		MaxDailyLossPct:  0.1,
		MaxMarginRatio:   0.8,
		CooldownMinutes:  0,
	}
}

func TestFuturesEvaluateOpenLongApproved(t *testing.T) {
	e := NewFuturesEvaluator(testFuturesConfig(), testHorizons(), zerolog.Nop())

	ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, 1000, 0.1, HorizonMedium, 0, 0, 0, nil)
	if !ev.Approved {
		t.Fatalf("expected approval, got rejection: %s", ev.Reason)
	}
	// notional = 1000 * 0.1 * 5 = 500 at price 100
	if got, want := ev.Quantity, 5.0; got != want {
		t.Errorf("quantity = %v, want %v", got, want)
	}
	if ev.Leverage != 5 {
		t.Errorf("leverage = %d, want 5", ev.Leverage)
	}
	if ev.StopLoss != 98 || ev.TakeProfit != 105 {
		t.Errorf("sl/tp = %v/%v, want 98/105", ev.StopLoss, ev.TakeProfit)
	}
	if ev.LiquidationPrice >= ev.StopLoss {
		t.Errorf("liquidation %v must sit below the stop %v for a long", ev.LiquidationPrice, ev.StopLoss)
	}
}

func TestFuturesEvaluateOpenShortApproved(t *testing.T) {
	e := NewFuturesEvaluator(testFuturesConfig(), testHorizons(), zerolog.Nop())

	ev := e.Evaluate(strategy.SignalShort, "BTC/USDT", 100, 1000, 0, HorizonMedium, 0, 0, 0, nil)
	if !ev.Approved {
		t.Fatalf("expected approval, got rejection: %s", ev.Reason)
	}
	if ev.StopLoss != 102 || ev.TakeProfit != 95 {
		t.Errorf("sl/tp = %v/%v, want 102/95", ev.StopLoss, ev.TakeProfit)
	}
	if ev.LiquidationPrice <= ev.StopLoss {
		t.Errorf("liquidation %v must sit above the stop %v for a short", ev.LiquidationPrice, ev.StopLoss)
	}
}

func TestFuturesEvaluateGates(t *testing.T) {
	tests := []struct {
		name        string
		cfg         func(c *config.FuturesConfig)
		horizons    func(h HorizonTable)
		marginRatio float64
		reason      string
	}{
		{
			name:        "margin ratio at limit",
			marginRatio: 0.8,
			reason:      "margin ratio",
		},
		{
			name: "risk reward below floor",
			horizons: func(h HorizonTable) {
				p := h[HorizonMedium]
				p.MinRR = 3 // fixed levels give 0.05/0.02 = 2.5
				h[HorizonMedium] = p
			},
			reason: "risk/reward",
		},
		{
			name: "account risk above cap",
			cfg: func(c *config.FuturesConfig) {
				// 0.02 * 20 * 0.1 = 0.04 > 0.1/2/... with MaxDailyLossPct 0.05 cap is 0.025
				c.Leverage = 20
				c.MaxDailyLossPct = 0.05
			},
			reason: "account risk",
		},
		{
			name: "stop beyond liquidation",
			cfg: func(c *config.FuturesConfig) {
				c.Leverage = 100
				c.MaxPositionPct = 0.002 // keep account risk under the cap
			},
			reason: "liquidation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testFuturesConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			horizons := testHorizons()
			if tt.horizons != nil {
				tt.horizons(horizons)
			}
			e := NewFuturesEvaluator(cfg, horizons, zerolog.Nop())
			ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, 1000, tt.marginRatio, HorizonMedium, 0, 0, 0, nil)
			if ev.Approved {
				t.Fatal("expected rejection, got approval")
			}
			if !strings.Contains(ev.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to contain %q", ev.Reason, tt.reason)
			}
		})
	}
}

func TestFuturesReserveSlot(t *testing.T) {
	e := NewFuturesEvaluator(testFuturesConfig(), testHorizons(), zerolog.Nop())

	if !e.ReserveSlot("BTC/USDT", "long") {
		t.Fatal("first reservation should succeed")
	}
	if e.ReserveSlot("BTC/USDT", "long") {
		t.Fatal("double reservation must fail")
	}
	// A reserved slot blocks a concurrent evaluation of the same slot.
	ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, 1000, 0, HorizonMedium, 0, 0, 0, nil)
	if ev.Approved || !strings.Contains(ev.Reason, "reserved") {
		t.Errorf("evaluation against a reserved slot should reject, got %+v", ev)
	}

	// Long and short on the same symbol are independent slots until the cap.
	if !e.ReserveSlot("BTC/USDT", "short") {
		t.Error("short slot should be independent of the long slot")
	}
	// Cap of 2 is now consumed by the two reservations.
	if e.ReserveSlot("ETH/USDT", "long") {
		t.Error("reservation beyond the cap must fail")
	}

	e.ReleaseSlot("BTC/USDT", "short")
	if !e.ReserveSlot("ETH/USDT", "long") {
		t.Error("released slot should free capacity")
	}

	e.ConfirmPosition(&FuturesPosition{Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100})
	if e.ReserveSlot("BTC/USDT", "long") {
		t.Error("confirmed position must keep its slot occupied")
	}
	if _, ok := e.Position("BTC/USDT", "long"); !ok {
		t.Error("confirmed position should be tracked")
	}
	open, reserved := e.OpenCount()
	if open != 1 || reserved != 1 {
		t.Errorf("open/reserved = %d/%d, want 1/1", open, reserved)
	}
}

func TestFuturesReservedCountsTowardCap(t *testing.T) {
	cfg := testFuturesConfig()
	cfg.MaxOpenPositions = 1
	e := NewFuturesEvaluator(cfg, testHorizons(), zerolog.Nop())

	if !e.ReserveSlot("BTC/USDT", "long") {
		t.Fatal("reservation should succeed")
	}
	ev := e.Evaluate(strategy.SignalBuy, "ETH/USDT", 100, 1000, 0, HorizonMedium, 0, 0, 0, nil)
	if ev.Approved || !strings.Contains(ev.Reason, "max open positions") {
		t.Errorf("reserved slot must count toward the cap, got %+v", ev)
	}
}

func TestFuturesCloseSignals(t *testing.T) {
	e := NewFuturesEvaluator(testFuturesConfig(), testHorizons(), zerolog.Nop())
	e.AdoptPosition(&FuturesPosition{Symbol: "BTC/USDT", Side: "short", Quantity: 2, EntryPrice: 100, Leverage: 5})

	if ev := e.Evaluate(strategy.SignalSell, "BTC/USDT", 100, 1000, 0, HorizonMedium, 0, 0, 0, nil); ev.Approved {
		t.Error("SELL must close longs only; no long is open")
	}
	ev := e.Evaluate(strategy.SignalCover, "BTC/USDT", 100, 1000, 0, HorizonMedium, 0, 0, 0, nil)
	if !ev.Approved || ev.Quantity != 2 {
		t.Errorf("COVER should approve the short close with stored quantity, got %+v", ev)
	}
}

func TestFuturesCheckSLTPShortSide(t *testing.T) {
	e := NewFuturesEvaluator(testFuturesConfig(), testHorizons(), zerolog.Nop())
	e.AdoptPosition(&FuturesPosition{
		Symbol: "BTC/USDT", Side: "short", Quantity: 1,
		EntryPrice: 100, StopLoss: 102, TakeProfit: 95,
	})

	if triggered, _ := e.CheckSLTP("BTC/USDT", "short", 100); triggered {
		t.Error("price inside the band should not trigger")
	}
	triggered, reason := e.CheckSLTP("BTC/USDT", "short", 103)
	if !triggered || !strings.Contains(reason, "stop loss") {
		t.Errorf("price above the short stop should trigger, got %v %q", triggered, reason)
	}
	triggered, reason = e.CheckSLTP("BTC/USDT", "short", 94)
	if !triggered || !strings.Contains(reason, "take profit") {
		t.Errorf("price below the short target should trigger, got %v %q", triggered, reason)
	}
}

func TestFuturesRemovePositionBooksPnL(t *testing.T) {
	e := NewFuturesEvaluator(testFuturesConfig(), testHorizons(), zerolog.Nop())
	e.AdoptPosition(&FuturesPosition{Symbol: "BTC/USDT", Side: "long", Quantity: 1, EntryPrice: 100})
	e.RemovePosition("BTC/USDT", "long", -25)

	if got := e.DailyPnL(); got != -25 {
		t.Errorf("daily pnl = %v, want -25", got)
	}
	if _, ok := e.Position("BTC/USDT", "long"); ok {
		t.Error("position should be gone after removal")
	}
	// Removing again is a no-op, not a double booking.
	e.RemovePosition("BTC/USDT", "long", -25)
	if got := e.DailyPnL(); got != -25 {
		t.Errorf("daily pnl after duplicate removal = %v, want -25", got)
	}
}
