package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"trading-supervisor/internal/exchange"
)

// SMACross signals on fast/slow moving-average crossovers.
type SMACross struct {
	name      string
	timeframe string
	fast      int
	slow      int
}

func NewSMACross(timeframe string, params map[string]float64) *SMACross {
	return &SMACross{
		name:      "sma_cross",
		timeframe: timeframe,
		fast:      int(param(params, "fast", 10)),
		slow:      int(param(params, "slow", 30)),
	}
}

func (s *SMACross) Name() string      { return s.name }
func (s *SMACross) Timeframe() string { return s.timeframe }

func (s *SMACross) RequiredCandles() int { return s.slow + 2 }

func (s *SMACross) GenerateVerdict(klines []exchange.Kline) Verdict {
	if len(klines) < s.RequiredCandles() {
		return Hold(s.name, s.timeframe, "insufficient candles")
	}
	cls := closes(klines)
	fast := talib.Sma(cls, s.fast)
	slow := talib.Sma(cls, s.slow)
	n := len(cls) - 1

	prevDiff := fast[n-1] - slow[n-1]
	currDiff := fast[n] - slow[n]
	indicators := map[string]float64{
		"sma_fast": fast[n],
		"sma_slow": slow[n],
	}

	// Confidence scales with the separation after the cross, relative to
	// price, saturating at 1% separation.
	conf := clamp01(math.Abs(currDiff) / cls[n] / 0.01)

	switch {
	case prevDiff <= 0 && currDiff > 0:
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalBuy,
			Confidence:   0.5 + 0.5*conf,
			Reasoning:    fmt.Sprintf("SMA%d crossed above SMA%d", s.fast, s.slow),
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	case prevDiff >= 0 && currDiff < 0:
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalSell,
			Confidence:   0.5 + 0.5*conf,
			Reasoning:    fmt.Sprintf("SMA%d crossed below SMA%d", s.fast, s.slow),
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	}
	v := Hold(s.name, s.timeframe, "no crossover")
	v.Indicators = indicators
	return v
}

// RSIReversal signals when RSI exits oversold or overbought territory.
type RSIReversal struct {
	name       string
	timeframe  string
	period     int
	oversold   float64
	overbought float64
}

func NewRSIReversal(timeframe string, params map[string]float64) *RSIReversal {
	return &RSIReversal{
		name:       "rsi_reversal",
		timeframe:  timeframe,
		period:     int(param(params, "period", 14)),
		oversold:   param(params, "oversold", 30),
		overbought: param(params, "overbought", 70),
	}
}

func (s *RSIReversal) Name() string      { return s.name }
func (s *RSIReversal) Timeframe() string { return s.timeframe }

func (s *RSIReversal) RequiredCandles() int { return s.period + 2 }

func (s *RSIReversal) GenerateVerdict(klines []exchange.Kline) Verdict {
	if len(klines) < s.RequiredCandles() {
		return Hold(s.name, s.timeframe, "insufficient candles")
	}
	rsi := talib.Rsi(closes(klines), s.period)
	n := len(rsi) - 1
	prev, curr := rsi[n-1], rsi[n]
	indicators := map[string]float64{"rsi": curr}

	switch {
	case prev < s.oversold && curr >= s.oversold:
		conf := clamp01(0.5 + (s.oversold-prev)/s.oversold)
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalBuy,
			Confidence:   conf,
			Reasoning:    fmt.Sprintf("RSI recovered from oversold (%.1f -> %.1f)", prev, curr),
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	case prev > s.overbought && curr <= s.overbought:
		conf := clamp01(0.5 + (prev-s.overbought)/(100-s.overbought))
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalSell,
			Confidence:   conf,
			Reasoning:    fmt.Sprintf("RSI fell from overbought (%.1f -> %.1f)", prev, curr),
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	}
	v := Hold(s.name, s.timeframe, fmt.Sprintf("RSI %.1f in neutral zone", curr))
	v.Indicators = indicators
	return v
}

// MACDMomentum signals on MACD line / signal line crossovers.
type MACDMomentum struct {
	name      string
	timeframe string
	fast      int
	slow      int
	signal    int
}

func NewMACDMomentum(timeframe string, params map[string]float64) *MACDMomentum {
	return &MACDMomentum{
		name:      "macd",
		timeframe: timeframe,
		fast:      int(param(params, "fast", 12)),
		slow:      int(param(params, "slow", 26)),
		signal:    int(param(params, "signal", 9)),
	}
}

func (s *MACDMomentum) Name() string      { return s.name }
func (s *MACDMomentum) Timeframe() string { return s.timeframe }

func (s *MACDMomentum) RequiredCandles() int { return s.slow + s.signal + 2 }

func (s *MACDMomentum) GenerateVerdict(klines []exchange.Kline) Verdict {
	if len(klines) < s.RequiredCandles() {
		return Hold(s.name, s.timeframe, "insufficient candles")
	}
	cls := closes(klines)
	macd, sig, hist := talib.Macd(cls, s.fast, s.slow, s.signal)
	n := len(cls) - 1
	indicators := map[string]float64{
		"macd":      macd[n],
		"signal":    sig[n],
		"histogram": hist[n],
	}

	conf := clamp01(math.Abs(hist[n]) / cls[n] / 0.002)
	switch {
	case hist[n-1] <= 0 && hist[n] > 0:
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalBuy,
			Confidence:   0.5 + 0.5*conf,
			Reasoning:    "MACD crossed above signal line",
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	case hist[n-1] >= 0 && hist[n] < 0:
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalSell,
			Confidence:   0.5 + 0.5*conf,
			Reasoning:    "MACD crossed below signal line",
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	}
	v := Hold(s.name, s.timeframe, "no MACD crossover")
	v.Indicators = indicators
	return v
}

// BollingerReversion fades closes outside the Bollinger bands.
type BollingerReversion struct {
	name      string
	timeframe string
	period    int
	dev       float64
}

func NewBollingerReversion(timeframe string, params map[string]float64) *BollingerReversion {
	return &BollingerReversion{
		name:      "bollinger",
		timeframe: timeframe,
		period:    int(param(params, "period", 20)),
		dev:       param(params, "dev", 2.0),
	}
}

func (s *BollingerReversion) Name() string      { return s.name }
func (s *BollingerReversion) Timeframe() string { return s.timeframe }

func (s *BollingerReversion) RequiredCandles() int { return s.period + 2 }

func (s *BollingerReversion) GenerateVerdict(klines []exchange.Kline) Verdict {
	if len(klines) < s.RequiredCandles() {
		return Hold(s.name, s.timeframe, "insufficient candles")
	}
	cls := closes(klines)
	upper, middle, lower := talib.BBands(cls, s.period, s.dev, s.dev, talib.SMA)
	n := len(cls) - 1
	price := cls[n]
	width := upper[n] - lower[n]
	indicators := map[string]float64{
		"bb_upper":  upper[n],
		"bb_middle": middle[n],
		"bb_lower":  lower[n],
	}
	if width <= 0 {
		v := Hold(s.name, s.timeframe, "degenerate bands")
		v.Indicators = indicators
		return v
	}

	switch {
	case price < lower[n]:
		conf := clamp01(0.5 + (lower[n]-price)/width)
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalBuy,
			Confidence:   conf,
			Reasoning:    fmt.Sprintf("close %.4f below lower band %.4f", price, lower[n]),
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	case price > upper[n]:
		conf := clamp01(0.5 + (price-upper[n])/width)
		return Verdict{
			StrategyName: s.name,
			Signal:       SignalSell,
			Confidence:   conf,
			Reasoning:    fmt.Sprintf("close %.4f above upper band %.4f", price, upper[n]),
			Timeframe:    s.timeframe,
			Indicators:   indicators,
		}
	}
	v := Hold(s.name, s.timeframe, "price inside bands")
	v.Indicators = indicators
	return v
}
