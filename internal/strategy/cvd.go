package strategy

import (
	"fmt"
	"sync"

	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/market"
)

// CVDDivergence is an order-flow strategy on cumulative volume delta. It
// signals when price and CVD disagree over a lookback window of completed
// bars: price down with delta accumulating reads as absorption (BUY), price
// up with delta draining as distribution (SELL).
type CVDDivergence struct {
	name     string
	lookback int

	mu     sync.Mutex
	latest map[string]*Verdict
}

func NewCVDDivergence(params map[string]float64) *CVDDivergence {
	return &CVDDivergence{
		name:     "cvd_divergence",
		lookback: int(param(params, "lookback", 20)),
		latest:   make(map[string]*Verdict),
	}
}

func (s *CVDDivergence) Name() string { return s.name }

func (s *CVDDivergence) LoadCache(symbol string, loader BarCacheLoader, agg *market.BarAggregator) int64 {
	if loader == nil {
		return 0
	}
	snaps, lastID, err := loader.LoadBars(symbol)
	if err != nil || len(snaps) == 0 {
		return 0
	}
	agg.Seed(snaps)
	return lastID
}

func (s *CVDDivergence) FeedTrades(symbol string, trades []exchange.AggTrade, agg *market.BarAggregator, lastTradeID int64) (*Verdict, int64) {
	newLast := lastTradeID
	barClosed := false
	for _, t := range trades {
		if t.ID <= lastTradeID {
			continue
		}
		if closed := agg.AddTrade(t); closed != nil {
			barClosed = true
		}
		newLast = t.ID
	}
	if !barClosed {
		return nil, newLast
	}
	v := s.evaluate(symbol, agg.Bars())
	s.mu.Lock()
	s.latest[symbol] = &v
	s.mu.Unlock()
	return &v, newLast
}

func (s *CVDDivergence) LatestVerdict(symbol string) *Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.latest[symbol]; ok {
		out := *v
		return &out
	}
	return nil
}

func (s *CVDDivergence) evaluate(symbol string, bars []market.OrderFlowBar) Verdict {
	if len(bars) < s.lookback {
		return Hold(s.name, "", "insufficient bars")
	}
	window := bars[len(bars)-s.lookback:]

	var cvd, volume float64
	for _, b := range window {
		cvd += b.Delta()
		volume += b.Volume()
	}
	priceChange := window[len(window)-1].Close - window[0].Open
	if volume == 0 || window[0].Open == 0 {
		return Hold(s.name, "", "no volume in window")
	}

	// Normalize both axes so the divergence score is scale-free.
	pricePct := priceChange / window[0].Open
	deltaPct := cvd / volume
	indicators := map[string]float64{
		"cvd":       cvd,
		"delta_pct": deltaPct,
		"price_pct": pricePct,
	}

	const minDivergence = 0.1
	switch {
	case pricePct < 0 && deltaPct > minDivergence:
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalBuy,
			Confidence:   clamp01(0.5 + deltaPct),
			Reasoning:    fmt.Sprintf("price down %.2f%% while CVD absorbs (delta %.0f)", pricePct*100, cvd),
			Indicators:   indicators,
		}
	case pricePct > 0 && deltaPct < -minDivergence:
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalSell,
			Confidence:   clamp01(0.5 - deltaPct),
			Reasoning:    fmt.Sprintf("price up %.2f%% while CVD drains (delta %.0f)", pricePct*100, cvd),
			Indicators:   indicators,
		}
	}
	v := Hold(s.name, "", "price and CVD agree")
	v.Indicators = indicators
	return v
}
