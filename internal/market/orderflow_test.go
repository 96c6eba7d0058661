package market

import (
	"testing"
	"time"

	"trading-supervisor/internal/exchange"
)

func trade(id int64, price, qty float64, at time.Time, buyerMaker bool) exchange.AggTrade {
	return exchange.AggTrade{ID: id, Price: price, Quantity: qty, Time: at.UnixMilli(), IsBuyerMaker: buyerMaker}
}

func TestBarAggregatorBucketsAndCloses(t *testing.T) {
	a := NewBarAggregator(time.Minute, 0.5, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if closed := a.AddTrade(trade(1, 100, 1, base, false)); closed != nil {
		t.Fatal("first trade must not close a bar")
	}
	if closed := a.AddTrade(trade(2, 101, 2, base.Add(30*time.Second), true)); closed != nil {
		t.Fatal("trade inside the same minute must not close a bar")
	}

	closed := a.AddTrade(trade(3, 99, 1, base.Add(time.Minute), false))
	if closed == nil {
		t.Fatal("trade in the next minute should close the previous bar")
	}
	if !closed.StartTime.Equal(base) {
		t.Errorf("closed bar start = %v, want %v", closed.StartTime, base)
	}
	if closed.Open != 100 || closed.High != 101 || closed.Low != 100 || closed.Close != 101 {
		t.Errorf("ohlc = %v/%v/%v/%v", closed.Open, closed.High, closed.Low, closed.Close)
	}
	if closed.BuyVolume != 1 || closed.SellVolume != 2 {
		t.Errorf("buy/sell volume = %v/%v, want 1/2", closed.BuyVolume, closed.SellVolume)
	}
	if closed.Volume() != 3 || closed.Delta() != -1 {
		t.Errorf("volume/delta = %v/%v, want 3/-1", closed.Volume(), closed.Delta())
	}
	// (100*1 + 101*2) / 3
	if want := 302.0 / 3.0; closed.VWAP != want {
		t.Errorf("vwap = %v, want %v", closed.VWAP, want)
	}
	if closed.TradeCount != 2 {
		t.Errorf("trade count = %d, want 2", closed.TradeCount)
	}

	if cur := a.Current(); cur == nil || cur.Open != 99 {
		t.Errorf("current bar should have opened at 99, got %+v", cur)
	}
	if len(a.Bars()) != 1 {
		t.Errorf("completed bars = %d, want 1", len(a.Bars()))
	}
}

func TestBarAggregatorFootprintAggressorSplit(t *testing.T) {
	a := NewBarAggregator(time.Minute, 0.5, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	a.AddTrade(trade(1, 100.1, 1, base, false)) // taker buy, level 100
	a.AddTrade(trade(2, 99.9, 2, base, true))   // taker sell, level 100
	a.AddTrade(trade(3, 100.6, 3, base, false)) // taker buy, level 100.5

	fp := a.Current().Footprint
	if cell := fp[100]; cell == nil || cell.Buy != 1 || cell.Sell != 2 {
		t.Errorf("level 100 = %+v, want buy 1 sell 2", cell)
	}
	if cell := fp[100.5]; cell == nil || cell.Buy != 3 || cell.Sell != 0 {
		t.Errorf("level 100.5 = %+v, want buy 3", cell)
	}
}

func TestBarAggregatorSeedResumesHistory(t *testing.T) {
	a := NewBarAggregator(time.Minute, 0.5, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a.AddTrade(trade(1, 100, 1, base, false))
	a.AddTrade(trade(2, 102, 1, base.Add(time.Minute), false))
	a.AddTrade(trade(3, 104, 1, base.Add(2*time.Minute), false))

	snaps := a.Snapshots(PersistBarLimit)
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want the 2 completed bars", len(snaps))
	}

	b := NewBarAggregator(time.Minute, 0.5, 0)
	b.Seed(snaps)
	bars := b.Bars()
	if len(bars) != 2 {
		t.Fatalf("seeded bars = %d, want 2", len(bars))
	}
	if !bars[0].StartTime.Equal(base) || bars[0].Close != 100 {
		t.Errorf("seeded bar 0 = %+v", bars[0])
	}
	if !bars[1].StartTime.Equal(base.Add(time.Minute)) || bars[1].Close != 102 {
		t.Errorf("seeded bar 1 = %+v", bars[1])
	}
	// Seeded history must keep accepting live trades.
	closed := b.AddTrade(trade(4, 105, 1, base.Add(3*time.Minute), false))
	if closed != nil {
		t.Error("first live trade after seeding opens a fresh bar, nothing to close")
	}
}

func TestBarAggregatorTrimsHistory(t *testing.T) {
	a := NewBarAggregator(time.Minute, 0.5, 3)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		a.AddTrade(trade(int64(i+1), 100+float64(i), 1, base.Add(time.Duration(i)*time.Minute), false))
	}

	bars := a.Bars()
	if len(bars) != 3 {
		t.Fatalf("retained bars = %d, want 3", len(bars))
	}
	if !bars[0].StartTime.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("oldest retained bar starts at %v, want the trim to drop earlier ones", bars[0].StartTime)
	}
}

func TestSnapshotsLimitsToMostRecent(t *testing.T) {
	a := NewBarAggregator(time.Minute, 0.5, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a.AddTrade(trade(int64(i+1), 100, 1, base.Add(time.Duration(i)*time.Minute), false))
	}

	snaps := a.Snapshots(2)
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[1].StartTime != base.Add(3*time.Minute).UnixMilli() {
		t.Errorf("newest snapshot start = %d, want the last completed bar", snaps[1].StartTime)
	}
}
