package market

import (
	"math"
	"time"

	"trading-supervisor/internal/exchange"
)

// PersistBarLimit caps how many completed bars are written to the cache.
const PersistBarLimit = 200

// FootprintCell is the traded volume at one price level split by aggressor.
type FootprintCell struct {
	Buy  float64
	Sell float64
}

// OrderFlowBar is one time-bucketed bar built from aggregated trades.
// Volume is BuyVolume + SellVolume. The footprint is rebuilt from trades and
// never persisted.
type OrderFlowBar struct {
	StartTime  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	BuyVolume  float64
	SellVolume float64
	TradeCount int
	VWAP       float64
	Footprint  map[float64]*FootprintCell

	notional float64 // running sum(price*qty) for the VWAP
}

// Volume returns total traded volume in the bar.
func (b *OrderFlowBar) Volume() float64 { return b.BuyVolume + b.SellVolume }

// Delta returns buy volume minus sell volume.
func (b *OrderFlowBar) Delta() float64 { return b.BuyVolume - b.SellVolume }

// BarSnapshot is the persisted form of a bar. The footprint is excluded; it
// is cheap to recompute and expensive to serialize.
type BarSnapshot struct {
	StartTime  int64   `json:"t"`
	Open       float64 `json:"o"`
	High       float64 `json:"h"`
	Low        float64 `json:"l"`
	Close      float64 `json:"c"`
	BuyVolume  float64 `json:"bv"`
	SellVolume float64 `json:"sv"`
	TradeCount int     `json:"n"`
	VWAP       float64 `json:"vw"`
}

func (b *OrderFlowBar) Snapshot() BarSnapshot {
	return BarSnapshot{
		StartTime:  b.StartTime.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		BuyVolume:  b.BuyVolume,
		SellVolume: b.SellVolume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func (s BarSnapshot) Bar() OrderFlowBar {
	return OrderFlowBar{
		StartTime:  time.UnixMilli(s.StartTime).UTC(),
		Open:       s.Open,
		High:       s.High,
		Low:        s.Low,
		Close:      s.Close,
		BuyVolume:  s.BuyVolume,
		SellVolume: s.SellVolume,
		TradeCount: s.TradeCount,
		VWAP:       s.VWAP,
	}
}

// BarAggregator buckets aggregated trades into fixed-interval bars for one
// symbol. Not safe for concurrent use; each symbol owns one aggregator on the
// handler goroutine.
type BarAggregator struct {
	interval  time.Duration
	priceTick float64
	maxBars   int

	bars    []OrderFlowBar
	current *OrderFlowBar
}

// NewBarAggregator builds an aggregator producing bars of the given interval.
// priceTick is the footprint bucket width; maxBars bounds retained history.
func NewBarAggregator(interval time.Duration, priceTick float64, maxBars int) *BarAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	if priceTick <= 0 {
		priceTick = 0.01
	}
	if maxBars <= 0 {
		maxBars = 500
	}
	return &BarAggregator{interval: interval, priceTick: priceTick, maxBars: maxBars}
}

// Seed replays persisted snapshots into history, oldest first. Called once on
// first touch before any live trade is fed.
func (a *BarAggregator) Seed(snaps []BarSnapshot) {
	for _, s := range snaps {
		a.appendBar(s.Bar())
	}
}

// AddTrade feeds one trade and returns the bar that the trade closed, if any.
// Trades must arrive in id order; the caller filters by last-seen id.
func (a *BarAggregator) AddTrade(t exchange.AggTrade) *OrderFlowBar {
	start := time.UnixMilli(t.Time).UTC().Truncate(a.interval)

	var closed *OrderFlowBar
	if a.current != nil && start.After(a.current.StartTime) {
		done := *a.current
		a.appendBar(done)
		closed = &a.bars[len(a.bars)-1]
		a.current = nil
	}
	if a.current == nil {
		a.current = &OrderFlowBar{
			StartTime: start,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Footprint: make(map[float64]*FootprintCell),
		}
	}

	b := a.current
	b.High = math.Max(b.High, t.Price)
	b.Low = math.Min(b.Low, t.Price)
	b.Close = t.Price
	b.TradeCount++
	b.notional += t.Price * t.Quantity
	if t.IsBuyerMaker {
		b.SellVolume += t.Quantity
	} else {
		b.BuyVolume += t.Quantity
	}
	if v := b.Volume(); v > 0 {
		b.VWAP = b.notional / v
	}

	level := math.Round(t.Price/a.priceTick) * a.priceTick
	cell := b.Footprint[level]
	if cell == nil {
		cell = &FootprintCell{}
		b.Footprint[level] = cell
	}
	if t.IsBuyerMaker {
		cell.Sell += t.Quantity
	} else {
		cell.Buy += t.Quantity
	}
	return closed
}

func (a *BarAggregator) appendBar(b OrderFlowBar) {
	a.bars = append(a.bars, b)
	if len(a.bars) > a.maxBars {
		a.bars = a.bars[len(a.bars)-a.maxBars:]
	}
}

// Bars returns the completed bars, oldest first. The slice is shared; callers
// must not mutate it.
func (a *BarAggregator) Bars() []OrderFlowBar { return a.bars }

// Current returns the in-progress bar, or nil.
func (a *BarAggregator) Current() *OrderFlowBar { return a.current }

// Snapshots returns persistable snapshots of up to n most recent completed bars.
func (a *BarAggregator) Snapshots(n int) []BarSnapshot {
	bars := a.bars
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]BarSnapshot, len(bars))
	for i, b := range bars {
		out[i] = b.Snapshot()
	}
	return out
}
