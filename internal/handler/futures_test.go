package handler

import (
	"testing"

	"trading-supervisor/internal/strategy"
)

func TestTranslateSignal(t *testing.T) {
	tests := []struct {
		name     string
		raw      strategy.Signal
		hasLong  bool
		hasShort bool
		want     futuresAction
	}{
		{"buy flat opens long", strategy.SignalBuy, false, false, actionOpenLong},
		{"buy with long is idempotent", strategy.SignalBuy, true, false, actionNone},
		{"buy with short closes the short", strategy.SignalBuy, false, true, actionCloseShort},

		{"sell flat opens short", strategy.SignalSell, false, false, actionOpenShort},
		{"sell with long closes the long", strategy.SignalSell, true, false, actionCloseLong},
		{"sell with short is idempotent", strategy.SignalSell, false, true, actionNone},

		{"short flat opens short", strategy.SignalShort, false, false, actionOpenShort},
		{"short never flips a long", strategy.SignalShort, true, false, actionNone},
		{"short with short is idempotent", strategy.SignalShort, false, true, actionNone},

		{"cover with short closes it", strategy.SignalCover, false, true, actionCloseShort},
		{"cover flat does nothing", strategy.SignalCover, false, false, actionNone},
		{"cover never touches a long", strategy.SignalCover, true, false, actionNone},

		{"hold does nothing", strategy.SignalHold, true, true, actionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translateSignal(tt.raw, tt.hasLong, tt.hasShort); got != tt.want {
				t.Errorf("translateSignal(%s, long=%v, short=%v) = %d, want %d", tt.raw, tt.hasLong, tt.hasShort, got, tt.want)
			}
		})
	}
}
