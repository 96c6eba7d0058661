package risk

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
)

// MaintenanceMarginRate is the flat maintenance margin rate used by the
// liquidation guard.
const MaintenanceMarginRate = 0.004

// Stop distance sanity bounds relative to price.
const (
	minSLDistancePct = 0.005
	maxSLDistancePct = 0.15
)

// SL/TP resolution methods, recorded with every approval.
const (
	MethodLLM   = "llm"
	MethodATR   = "atr"
	MethodFixed = "fixed_pct"
)

// ATRFromKlines computes the latest ATR value, or 0 when the window is too
// short.
func ATRFromKlines(klines []exchange.Kline, period int) float64 {
	if period <= 0 {
		period = 14
	}
	if len(klines) < period+1 {
		return 0
	}
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		highs[i] = k.High
		lows[i] = k.Low
		closes[i] = k.Close
	}
	atr := talib.Atr(highs, lows, closes, period)
	v := atr[len(atr)-1]
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

// ResolveSLTP resolves stop-loss and take-profit for an opening trade.
// Pipeline: LLM suggestion with validation, then ATR, then fixed
// percentages. isLong is true for BUY, false for SHORT.
func ResolveSLTP(isLong bool, price float64, params HorizonParams, atrCfg config.ATRConfig, llmSL, llmTP float64, klines []exchange.Kline) (sl, tp float64, method, note string) {
	if llmSL > 0 && llmTP > 0 {
		sl, tp, note = validateLLMSLTP(isLong, price, params, llmSL, llmTP)
		if sl > 0 {
			return sl, tp, MethodLLM, note
		}
	}

	if atrCfg.Enabled {
		if atr := ATRFromKlines(klines, atrCfg.Period); atr > 0 {
			slMult := params.SLMultiplier
			tpMult := params.TPMultiplier
			if slMult <= 0 {
				slMult = atrCfg.SLMultiplier
			}
			if tpMult <= 0 {
				tpMult = atrCfg.TPMultiplier
			}
			if isLong {
				sl = price - atr*slMult
				tp = price + atr*tpMult
			} else {
				sl = price + atr*slMult
				tp = price - atr*tpMult
			}
			if sl > 0 && tp > 0 {
				return sl, tp, MethodATR, fmt.Sprintf("ATR=%.6f", atr)
			}
		}
	}

	if isLong {
		sl = price * (1 - params.SLPct)
		tp = price * (1 + params.TPPct)
	} else {
		sl = price * (1 + params.SLPct)
		tp = price * (1 - params.TPPct)
	}
	return sl, tp, MethodFixed, note
}

// validateLLMSLTP checks direction, stop distance bounds and the R:R floor.
// A short target is extended to meet min R:R; any other failure returns
// sl=0 so the caller falls through to ATR.
func validateLLMSLTP(isLong bool, price float64, params HorizonParams, llmSL, llmTP float64) (sl, tp float64, note string) {
	if isLong {
		if !(llmSL < price && price < llmTP) {
			return 0, 0, "llm sl/tp direction invalid"
		}
	} else {
		if !(llmTP < price && price < llmSL) {
			return 0, 0, "llm sl/tp direction invalid"
		}
	}

	slDist := math.Abs(price - llmSL)
	if pct := slDist / price; pct < minSLDistancePct || pct > maxSLDistancePct {
		return 0, 0, fmt.Sprintf("llm sl distance %.2f%% out of bounds", pct*100)
	}

	tpDist := math.Abs(llmTP - price)
	minRR := params.MinRR
	if minRR <= 0 {
		minRR = 1.5
	}
	if tpDist/slDist < minRR {
		// Extend the target to satisfy the floor instead of discarding an
		// otherwise valid suggestion.
		tpDist = slDist * minRR
		if isLong {
			llmTP = price + tpDist
		} else {
			llmTP = price - tpDist
		}
		note = fmt.Sprintf("llm tp extended to meet min rr %.1f", minRR)
	}
	return llmSL, llmTP, note
}

// LiquidationPrice estimates the liquidation level for an isolated position
// using the flat maintenance margin rate.
func LiquidationPrice(isLong bool, price float64, leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	l := float64(leverage)
	if isLong {
		return price * (1 - 1/l + MaintenanceMarginRate)
	}
	return price * (1 + 1/l - MaintenanceMarginRate)
}

// fibLevels computes retracement levels over the window's high/low range.
func fibLevels(klines []exchange.Kline) map[string]float64 {
	if len(klines) == 0 {
		return nil
	}
	high, low := klines[0].High, klines[0].Low
	for _, k := range klines {
		high = math.Max(high, k.High)
		low = math.Min(low, k.Low)
	}
	r := high - low
	return map[string]float64{
		"0.236": high - 0.236*r,
		"0.382": high - 0.382*r,
		"0.500": high - 0.500*r,
		"0.618": high - 0.618*r,
		"0.786": high - 0.786*r,
	}
}

// supportResistance returns the lowest low and highest high over the recent
// window as naive support and resistance.
func supportResistance(klines []exchange.Kline, lookback int) (support, resistance float64) {
	if len(klines) == 0 {
		return 0, 0
	}
	if lookback <= 0 || lookback > len(klines) {
		lookback = len(klines)
	}
	window := klines[len(klines)-lookback:]
	support, resistance = window[0].Low, window[0].High
	for _, k := range window {
		support = math.Min(support, k.Low)
		resistance = math.Max(resistance, k.High)
	}
	return support, resistance
}

// bbStats returns the latest Bollinger band values over the closes.
func bbStats(klines []exchange.Kline, period int) (upper, lower, width float64) {
	if period <= 0 {
		period = 20
	}
	if len(klines) < period {
		return 0, 0, 0
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	up, _, lo := talib.BBands(closes, period, 2, 2, talib.SMA)
	n := len(closes) - 1
	if math.IsNaN(up[n]) || math.IsNaN(lo[n]) {
		return 0, 0, 0
	}
	return up[n], lo[n], up[n] - lo[n]
}
