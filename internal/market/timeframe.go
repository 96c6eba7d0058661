// Package market holds market-data plumbing shared by strategies and
// handlers: timeframe helpers, a short-lived kline cache, and the
// aggregated-trade order-flow bar builder.
package market

import "fmt"

// timeframeMinutes enumerates the supported candle intervals.
var timeframeMinutes = map[string]int{
	"1m":  1,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"4h":  240,
	"1d":  1440,
}

// ValidTimeframe reports whether tf is a supported interval.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// TimeframeMinutes returns the interval length in minutes.
func TimeframeMinutes(tf string) (int, error) {
	m, ok := timeframeMinutes[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return m, nil
}

// TimeframeDueAt reports whether a strategy on the given timeframe is due to
// run at the given cycle count, with the cycle interval in minutes. Strategies
// never run more often than their timeframe.
func TimeframeDueAt(tf string, cycleCount int, cycleMinutes int) bool {
	m, ok := timeframeMinutes[tf]
	if !ok {
		return false
	}
	if cycleMinutes <= 0 {
		cycleMinutes = 1
	}
	cyclesPerBar := m / cycleMinutes
	if cyclesPerBar <= 1 {
		return true
	}
	return cycleCount%cyclesPerBar == 0
}
