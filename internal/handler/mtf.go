// Package handler runs the single-symbol pipeline per cycle for spot and
// futures: slot guard, order-flow ingestion, multi-timeframe fetch,
// protective-order check, strategy fan-out, decision gate, risk evaluation
// and execution.
package handler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/markcheno/go-talib"

	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/market"
)

// mtfSummary renders a compact per-timeframe indicator digest for the LLM
// prompt from the candle windows already fetched this cycle.
func mtfSummary(data map[string][]exchange.Kline) string {
	if len(data) == 0 {
		return ""
	}
	tfs := make([]string, 0, len(data))
	for tf := range data {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool {
		mi, _ := market.TimeframeMinutes(tfs[i])
		mj, _ := market.TimeframeMinutes(tfs[j])
		return mi < mj
	})

	var b strings.Builder
	for _, tf := range tfs {
		klines := data[tf]
		if len(klines) < 21 {
			continue
		}
		closes := make([]float64, len(klines))
		for i, k := range klines {
			closes[i] = k.Close
		}
		n := len(closes) - 1
		sma20 := talib.Sma(closes, 20)
		rsi14 := talib.Rsi(closes, 14)

		trend := "flat"
		switch {
		case closes[n] > sma20[n]*1.002:
			trend = "up"
		case closes[n] < sma20[n]*0.998:
			trend = "down"
		}
		momentum := "neutral"
		switch {
		case rsi14[n] >= 70:
			momentum = "overbought"
		case rsi14[n] <= 30:
			momentum = "oversold"
		case rsi14[n] > 55:
			momentum = "bullish"
		case rsi14[n] < 45:
			momentum = "bearish"
		}
		changePct := 0.0
		if closes[0] != 0 {
			changePct = (closes[n] - closes[0]) / closes[0] * 100
		}
		fmt.Fprintf(&b, "%s: trend %s, RSI %.1f (%s), window change %+.2f%%\n", tf, trend, rsi14[n], momentum, changePct)
	}
	return strings.TrimRight(b.String(), "\n")
}
