package strategy

import (
	"fmt"

	"trading-supervisor/config"
	"trading-supervisor/internal/market"
)

// Roster is the built strategy set for one market, split by variant.
type Roster struct {
	Ohlcv     []OhlcvStrategy
	OrderFlow []OrderFlowStrategy
}

// FinestTimeframeMinutes returns the smallest OHLCV timeframe in the roster,
// used for the per-symbol slot guard. Defaults to 60 when the roster has no
// OHLCV strategies.
func (r *Roster) FinestTimeframeMinutes() int {
	finest := 0
	for _, s := range r.Ohlcv {
		m, err := market.TimeframeMinutes(s.Timeframe())
		if err != nil {
			continue
		}
		if finest == 0 || m < finest {
			finest = m
		}
	}
	if finest == 0 {
		finest = 60
	}
	return finest
}

// Build constructs the roster from config entries. Unknown strategy names
// and invalid timeframes are errors so a bad hot-reload is rejected whole.
func Build(entries []config.StrategyConfig) (*Roster, error) {
	roster := &Roster{}
	for _, e := range entries {
		switch e.Name {
		case "cvd_divergence":
			roster.OrderFlow = append(roster.OrderFlow, NewCVDDivergence(e.Params))
			continue
		case "sma_cross", "rsi_reversal", "macd", "bollinger":
		default:
			return nil, fmt.Errorf("unknown strategy %q", e.Name)
		}

		if !market.ValidTimeframe(e.Timeframe) {
			return nil, fmt.Errorf("strategy %s: invalid timeframe %q", e.Name, e.Timeframe)
		}
		var s OhlcvStrategy
		switch e.Name {
		case "sma_cross":
			s = NewSMACross(e.Timeframe, e.Params)
		case "rsi_reversal":
			s = NewRSIReversal(e.Timeframe, e.Params)
		case "macd":
			s = NewMACDMomentum(e.Timeframe, e.Params)
		case "bollinger":
			s = NewBollingerReversion(e.Timeframe, e.Params)
		}
		roster.Ohlcv = append(roster.Ohlcv, s)
	}
	return roster, nil
}
