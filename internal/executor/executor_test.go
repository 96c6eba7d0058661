package executor

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"trading-supervisor/internal/exchange"
)

func btcFilters() *exchange.SymbolFilters {
	return &exchange.SymbolFilters{StepSize: 0.001, MinQty: 0.001, MinNotional: 10, TickSize: 0.01}
}

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		qty, step, want float64
	}{
		{1.2345, 0.001, 1.234},
		{1.2345, 0.01, 1.23},
		{0.0009, 0.001, 0},
		{5, 1, 5},
		{1.5, 0, 1.5}, // no step configured
	}
	for _, tt := range tests {
		if got := RoundToStep(tt.qty, tt.step); got != tt.want {
			t.Errorf("RoundToStep(%v, %v) = %v, want %v", tt.qty, tt.step, got, tt.want)
		}
	}
}

func TestExecuteRejectsBelowMinimums(t *testing.T) {
	client := exchange.NewMockClient()
	client.Filters["BTC/USDT"] = btcFilters()
	x := New(client, MarketSpot, "paper", zerolog.Nop())

	if _, err := x.Execute("BTC/USDT", exchange.SideBuy, 0.0005, 100, false); err == nil || !strings.Contains(err.Error(), "below exchange minimum") {
		t.Errorf("sub-minimum quantity should be rejected, got %v", err)
	}
	// 0.05 * 100 = 5 notional < 10
	if _, err := x.Execute("BTC/USDT", exchange.SideBuy, 0.05, 100, false); err == nil || !strings.Contains(err.Error(), "notional") {
		t.Errorf("sub-minimum notional should be rejected, got %v", err)
	}
}

func TestExecutePaperSpotBookkeeping(t *testing.T) {
	client := exchange.NewMockClient()
	client.Filters["BTC/USDT"] = btcFilters()
	x := New(client, MarketSpot, "paper", zerolog.Nop())

	order, err := x.Execute("BTC/USDT", exchange.SideBuy, 0.1, 100, false)
	if err != nil {
		t.Fatalf("paper buy failed: %v", err)
	}
	if order.Status != exchange.StatusFilled || order.ExecutedQty != 0.1 {
		t.Errorf("order = %+v, want an immediate full fill", order)
	}
	if got := x.PaperBalance("USDT"); got != 9990 {
		t.Errorf("USDT after buy = %v, want 9990", got)
	}
	if got := x.PaperBalance("BTC"); got != 0.1 {
		t.Errorf("BTC after buy = %v, want 0.1", got)
	}

	if _, err := x.Execute("BTC/USDT", exchange.SideSell, 0.1, 110, false); err != nil {
		t.Fatalf("paper sell failed: %v", err)
	}
	if got := x.PaperBalance("USDT"); got != 10001 {
		t.Errorf("USDT after round trip = %v, want 10001", got)
	}
	if got := x.PaperBalance("BTC"); got != 0 {
		t.Errorf("BTC after round trip = %v, want 0", got)
	}
	if len(client.PlacedOrders) != 0 {
		t.Error("paper fills must never reach the exchange")
	}
}

func TestExecutePaperInsufficientBalance(t *testing.T) {
	client := exchange.NewMockClient()
	client.Filters["BTC/USDT"] = btcFilters()
	x := New(client, MarketSpot, "paper", zerolog.Nop())
	x.SetPaperBalance("USDT", 5)

	_, err := x.Execute("BTC/USDT", exchange.SideBuy, 0.5, 100, false)
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestExecuteLiveSpot(t *testing.T) {
	client := exchange.NewMockClient()
	client.Filters["BTC/USDT"] = btcFilters()
	client.Prices["BTC/USDT"] = 100
	x := New(client, MarketSpot, "live", zerolog.Nop())

	order, err := x.Execute("BTC/USDT", exchange.SideBuy, 0.1234, 100, false)
	if err != nil {
		t.Fatalf("live buy failed: %v", err)
	}
	if order.OrigQty != 0.123 {
		t.Errorf("quantity = %v, want the step-rounded 0.123", order.OrigQty)
	}
	if len(client.PlacedOrders) != 1 {
		t.Fatalf("placed orders = %d, want 1", len(client.PlacedOrders))
	}
}

func TestFiltersFetchedOnce(t *testing.T) {
	client := exchange.NewMockClient()
	client.Filters["BTC/USDT"] = btcFilters()
	x := New(client, MarketSpot, "paper", zerolog.Nop())

	if _, err := x.Filters("BTC/USDT"); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	client.FailNext["GetSymbolFilters"] = fmt.Errorf("rate limited")
	if _, err := x.Filters("BTC/USDT"); err != nil {
		t.Errorf("second fetch should come from the cache, got %v", err)
	}
}

func TestPlaceSLTPPaperIsNoop(t *testing.T) {
	client := exchange.NewMockClient()
	x := New(client, MarketFutures, "paper", zerolog.Nop())

	oco, err := x.PlaceSLTP("BTC/USDT", 1, "long", 110, 95)
	if err != nil || oco != nil {
		t.Errorf("paper PlaceSLTP = %v, %v; want nil, nil", oco, err)
	}
}

func TestPlaceSLTPFuturesRollsBackLoneTakeProfit(t *testing.T) {
	client := exchange.NewMockClient()
	x := New(client, MarketFutures, "live", zerolog.Nop())
	client.FailNext["PlaceFuturesStopMarket"] = fmt.Errorf("margin check failed")

	_, err := x.PlaceSLTP("BTC/USDT", 1, "long", 110, 95)
	if err == nil {
		t.Fatal("expected the stop placement failure to surface")
	}
	if len(client.CanceledIDs) != 1 {
		t.Fatalf("canceled orders = %d, want the lone take profit rolled back", len(client.CanceledIDs))
	}
	if len(client.OpenOrderBook["BTC/USDT"]) != 0 {
		t.Error("no protective order may be left open after the rollback")
	}
}

func TestPlaceSLTPFuturesShortUsesBuySide(t *testing.T) {
	client := exchange.NewMockClient()
	x := New(client, MarketFutures, "live", zerolog.Nop())

	oco, err := x.PlaceSLTP("BTC/USDT", 1, "short", 90, 105)
	if err != nil {
		t.Fatalf("PlaceSLTP failed: %v", err)
	}
	if oco.TPOrderID == 0 || oco.SLOrderID == 0 {
		t.Fatalf("oco = %+v, want both order ids", oco)
	}
	for _, o := range client.OpenOrderBook["BTC/USDT"] {
		if o.Side != exchange.SideBuy {
			t.Errorf("short close order side = %s, want BUY", o.Side)
		}
	}
}

func TestCancelSLTPSwallowsNotFound(t *testing.T) {
	client := exchange.NewMockClient()
	x := New(client, MarketFutures, "live", zerolog.Nop())

	oco, err := x.PlaceSLTP("BTC/USDT", 1, "long", 110, 95)
	if err != nil {
		t.Fatalf("PlaceSLTP failed: %v", err)
	}
	// One id real, one already gone.
	x.CancelSLTP("BTC/USDT", oco.TPOrderID, 424242)
	if len(client.OpenOrderBook["BTC/USDT"]) != 1 {
		t.Errorf("open orders = %d, want only the stop left", len(client.OpenOrderBook["BTC/USDT"]))
	}
	// Zero ids are skipped entirely.
	x.CancelSLTP("BTC/USDT", 0, 0)
}
