package risk

import (
	"math"
	"strings"
	"testing"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
)

func flatKlines(n int, close, rng float64) []exchange.Kline {
	out := make([]exchange.Kline, n)
	for i := range out {
		out[i] = exchange.Kline{
			Open:  close,
			High:  close + rng/2,
			Low:   close - rng/2,
			Close: close,
		}
	}
	return out
}

func TestResolveSLTPUsesValidLLMLevels(t *testing.T) {
	params := HorizonParams{SLPct: 0.02, TPPct: 0.05, MinRR: 1.5}

	sl, tp, method, _ := ResolveSLTP(true, 100, params, config.ATRConfig{}, 98, 105, nil)
	if method != MethodLLM {
		t.Fatalf("method = %q, want %q", method, MethodLLM)
	}
	if sl != 98 || tp != 105 {
		t.Errorf("sl/tp = %v/%v, want 98/105", sl, tp)
	}
}

func TestResolveSLTPExtendsShortTarget(t *testing.T) {
	params := HorizonParams{SLPct: 0.02, TPPct: 0.05, MinRR: 1.5}

	// 0.5 target distance against a 2.0 stop distance is under the floor;
	// the target is pushed out instead of the suggestion being discarded.
	sl, tp, method, note := ResolveSLTP(true, 100, params, config.ATRConfig{}, 98, 100.5, nil)
	if method != MethodLLM {
		t.Fatalf("method = %q, want %q", method, MethodLLM)
	}
	if sl != 98 {
		t.Errorf("sl = %v, want 98", sl)
	}
	if math.Abs(tp-103) > 1e-9 {
		t.Errorf("tp = %v, want 103 (stop distance 2 x min rr 1.5)", tp)
	}
	if !strings.Contains(note, "extended") {
		t.Errorf("note = %q, want extension note", note)
	}
}

func TestResolveSLTPRejectsBadLLMLevels(t *testing.T) {
	params := HorizonParams{SLPct: 0.02, TPPct: 0.05, MinRR: 1.5}

	tests := []struct {
		name       string
		llmSL      float64
		llmTP      float64
	}{
		{"inverted direction for long", 105, 98},
		{"stop too tight", 99.9, 105},
		{"stop too wide", 80, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, tp, method, _ := ResolveSLTP(true, 100, params, config.ATRConfig{}, tt.llmSL, tt.llmTP, nil)
			if method != MethodFixed {
				t.Fatalf("method = %q, want fallback to %q", method, MethodFixed)
			}
			if sl != 98 || tp != 105 {
				t.Errorf("sl/tp = %v/%v, want fixed 98/105", sl, tp)
			}
		})
	}
}

func TestResolveSLTPATRFallback(t *testing.T) {
	params := HorizonParams{SLMultiplier: 2, TPMultiplier: 4, SLPct: 0.02, TPPct: 0.05, MinRR: 1.5}
	atrCfg := config.ATRConfig{Enabled: true, Period: 3}
	klines := flatKlines(10, 100, 2) // constant true range of 2

	sl, tp, method, _ := ResolveSLTP(true, 100, params, atrCfg, 0, 0, klines)
	if method != MethodATR {
		t.Fatalf("method = %q, want %q", method, MethodATR)
	}
	if math.Abs(sl-96) > 1e-6 || math.Abs(tp-108) > 1e-6 {
		t.Errorf("sl/tp = %v/%v, want 96/108 with ATR 2", sl, tp)
	}
}

func TestResolveSLTPFixedShort(t *testing.T) {
	params := HorizonParams{SLPct: 0.02, TPPct: 0.05, MinRR: 1.5}

	sl, tp, method, _ := ResolveSLTP(false, 100, params, config.ATRConfig{}, 0, 0, nil)
	if method != MethodFixed {
		t.Fatalf("method = %q, want %q", method, MethodFixed)
	}
	if sl != 102 || tp != 95 {
		t.Errorf("sl/tp = %v/%v, want 102/95 for a short", sl, tp)
	}
}

func TestLiquidationPrice(t *testing.T) {
	tests := []struct {
		isLong   bool
		leverage int
		want     float64
	}{
		{true, 10, 90.4},
		{false, 10, 109.6},
		{true, 1, 0.4},
		{true, 100, 99.4},
	}
	for _, tt := range tests {
		got := LiquidationPrice(tt.isLong, 100, tt.leverage)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("LiquidationPrice(long=%v, lev=%d) = %v, want %v", tt.isLong, tt.leverage, got, tt.want)
		}
	}
}

func TestATRFromKlinesShortWindow(t *testing.T) {
	if got := ATRFromKlines(flatKlines(3, 100, 2), 14); got != 0 {
		t.Errorf("ATR over a too-short window = %v, want 0", got)
	}
}
