package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/strategy"
)

func testHorizons() HorizonTable {
	return HorizonTable{
		HorizonShort:  {SLPct: 0.01, TPPct: 0.02, SizeFactor: 0.5, MinRR: 1.5},
		HorizonMedium: {SLPct: 0.02, TPPct: 0.05, SizeFactor: 1.0, MinRR: 1.5},
		HorizonLong:   {SLPct: 0.05, TPPct: 0.12, SizeFactor: 1.0, MinRR: 2.0},
	}
}

func testSpotConfig() config.SpotConfig {
	return config.SpotConfig{
		Mode:             "paper",
		MaxPositionPct:   0.1,
		MaxOpenPositions: 3,
		MaxDailyLossPct:  0.05,
		CooldownMinutes:  30,
	}
}

func TestSpotEvaluateBuyApproved(t *testing.T) {
	e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())

	ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, 1000, HorizonMedium, 0, 0, 0, nil, 5)
	if !ev.Approved {
		t.Fatalf("expected approval, got rejection: %s", ev.Reason)
	}
	if got, want := ev.Quantity, 1.0; got != want {
		t.Errorf("quantity = %v, want %v", got, want)
	}
	if got, want := ev.StopLoss, 98.0; got != want {
		t.Errorf("stop loss = %v, want %v", got, want)
	}
	if got, want := ev.TakeProfit, 105.0; got != want {
		t.Errorf("take profit = %v, want %v", got, want)
	}
	if ev.Method != MethodFixed {
		t.Errorf("method = %q, want %q", ev.Method, MethodFixed)
	}
}

func TestSpotEvaluateBuyLLMSizeCapsNotional(t *testing.T) {
	e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())

	ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, 1000, HorizonMedium, 0.05, 0, 0, nil, 5)
	if !ev.Approved {
		t.Fatalf("expected approval, got rejection: %s", ev.Reason)
	}
	if got, want := ev.Quantity, 0.5; got != want {
		t.Errorf("quantity = %v, want %v (llm size should cap, not raise)", got, want)
	}
}

func TestSpotEvaluateBuyRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *SpotEvaluator)
		balance float64
		reason  string
	}{
		{
			name:    "below exchange minimum notional",
			balance: 40, // 40 * 0.1 = 4 < 5
			reason:  "below exchange minimum",
		},
		{
			name: "already holding",
			setup: func(e *SpotEvaluator) {
				e.AddPosition(&SpotPosition{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 90})
			},
			balance: 1000,
			reason:  "already holding",
		},
		{
			name: "daily loss limit",
			setup: func(e *SpotEvaluator) {
				e.AddPosition(&SpotPosition{Symbol: "ETH/USDT", Quantity: 1, EntryPrice: 90})
				e.RemovePosition("ETH/USDT", -100) // cap is 1000*0.05 = 50
			},
			balance: 1000,
			reason:  "daily loss limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())
			if tt.setup != nil {
				tt.setup(e)
			}
			ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, tt.balance, HorizonMedium, 0, 0, 0, nil, 5)
			if ev.Approved {
				t.Fatal("expected rejection, got approval")
			}
			if !strings.Contains(ev.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to contain %q", ev.Reason, tt.reason)
			}
		})
	}
}

func TestSpotEvaluateBuyRejectsAtPositionCap(t *testing.T) {
	cfg := testSpotConfig()
	cfg.MaxOpenPositions = 1
	e := NewSpotEvaluator(cfg, testHorizons(), zerolog.Nop())
	e.AddPosition(&SpotPosition{Symbol: "ETH/USDT", Quantity: 1, EntryPrice: 90})

	ev := e.Evaluate(strategy.SignalBuy, "BTC/USDT", 100, 1000, HorizonMedium, 0, 0, 0, nil, 5)
	if ev.Approved {
		t.Fatal("expected rejection at position cap")
	}
	if !strings.Contains(ev.Reason, "max open positions") {
		t.Errorf("reason = %q", ev.Reason)
	}
}

func TestSpotEvaluateSellReturnsStoredQuantity(t *testing.T) {
	e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())

	if ev := e.Evaluate(strategy.SignalSell, "BTC/USDT", 100, 1000, HorizonMedium, 0, 0, 0, nil, 0); ev.Approved {
		t.Fatal("sell without position should be rejected")
	}

	e.AddPosition(&SpotPosition{Symbol: "BTC/USDT", Quantity: 0.75, EntryPrice: 90})
	ev := e.Evaluate(strategy.SignalSell, "BTC/USDT", 100, 1000, HorizonMedium, 0, 0, 0, nil, 0)
	if !ev.Approved {
		t.Fatalf("expected approval: %s", ev.Reason)
	}
	if ev.Quantity != 0.75 {
		t.Errorf("quantity = %v, want 0.75", ev.Quantity)
	}
}

func TestSpotCheckSLTPFixedFallback(t *testing.T) {
	e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())
	// Restored position without protective levels gets fixed-percentage ones.
	e.AddPosition(&SpotPosition{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100, Horizon: HorizonMedium})

	if triggered, _ := e.CheckSLTP("BTC/USDT", 100); triggered {
		t.Error("price at entry should not trigger")
	}
	triggered, reason := e.CheckSLTP("BTC/USDT", 97.5)
	if !triggered || !strings.Contains(reason, "stop loss") {
		t.Errorf("price below 98 should trigger stop loss, got %v %q", triggered, reason)
	}
	triggered, reason = e.CheckSLTP("BTC/USDT", 106)
	if !triggered || !strings.Contains(reason, "take profit") {
		t.Errorf("price above 105 should trigger take profit, got %v %q", triggered, reason)
	}
}

func TestSpotCooldown(t *testing.T) {
	e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())
	e.AddPosition(&SpotPosition{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100, OpenedAt: time.Now().Add(-time.Hour)})
	e.RemovePosition("BTC/USDT", 5)

	if !e.InCooldown("BTC/USDT") {
		t.Error("symbol should be in cooldown right after a close")
	}
	if e.InCooldown("ETH/USDT") {
		t.Error("other symbols must not share the cooldown")
	}
}

func TestSpotDailyPnLAccumulates(t *testing.T) {
	e := NewSpotEvaluator(testSpotConfig(), testHorizons(), zerolog.Nop())
	e.AddPosition(&SpotPosition{Symbol: "A/USDT", Quantity: 1})
	e.RemovePosition("A/USDT", 10)
	e.AddPosition(&SpotPosition{Symbol: "B/USDT", Quantity: 1})
	e.RemovePosition("B/USDT", -4)

	if got := e.DailyPnL(); got != 6 {
		t.Errorf("daily pnl = %v, want 6", got)
	}
}
