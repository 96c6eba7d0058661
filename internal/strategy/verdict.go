// Package strategy defines trading signals, the strategy interfaces, the
// concrete indicator strategies, and the per-cycle verdict router.
package strategy

// Signal is the directional output of a strategy or decision.
type Signal string

const (
	SignalBuy   Signal = "BUY"
	SignalSell  Signal = "SELL"
	SignalShort Signal = "SHORT"
	SignalCover Signal = "COVER"
	SignalHold  Signal = "HOLD"
)

// ValidSignal reports whether s is a known signal value.
func ValidSignal(s Signal) bool {
	switch s {
	case SignalBuy, SignalSell, SignalShort, SignalCover, SignalHold:
		return true
	}
	return false
}

// Verdict is one strategy's opinion for one symbol in one cycle.
// Confidence 0 always pairs with HOLD. Timeframe is empty for order-flow
// strategies.
type Verdict struct {
	StrategyName string
	Signal       Signal
	Confidence   float64
	Reasoning    string
	Timeframe    string
	Indicators   map[string]float64
}

// Hold builds the neutral verdict every strategy returns when it has no
// opinion or not enough data.
func Hold(name, timeframe, reason string) Verdict {
	return Verdict{
		StrategyName: name,
		Signal:       SignalHold,
		Confidence:   0,
		Reasoning:    reason,
		Timeframe:    timeframe,
	}
}
