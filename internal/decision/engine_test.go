package decision

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/strategy"
)

type stubCompleter struct {
	resp string
	err  error
}

func (s *stubCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	return s.resp, s.err
}

func buyVerdict(conf float64) strategy.Verdict {
	return strategy.Verdict{StrategyName: "sma_cross", Signal: strategy.SignalBuy, Confidence: conf, Reasoning: "fast over slow"}
}

func holdVerdict() strategy.Verdict {
	return strategy.Verdict{StrategyName: "sma_cross", Signal: strategy.SignalHold}
}

func enabledEngine(resp string, err error) *Engine {
	return NewEngine(config.LLMConfig{Enabled: true}, &stubCompleter{resp: resp, err: err}, zerolog.Nop())
}

func TestDecideAllHoldShortCircuits(t *testing.T) {
	e := enabledEngine(`{"action":"BUY","confidence":0.9}`, nil)

	res := e.Decide(context.Background(), Request{Symbol: "BTC/USDT", Verdicts: []strategy.Verdict{holdVerdict(), holdVerdict()}})
	if res.Signal != strategy.SignalHold {
		t.Errorf("signal = %q, want HOLD without calling the model", res.Signal)
	}
	if res.Reasoning != "all strategies hold" {
		t.Errorf("reasoning = %q", res.Reasoning)
	}
}

func TestDecideDisabledFallsBackToVote(t *testing.T) {
	e := NewEngine(config.LLMConfig{Enabled: false}, nil, zerolog.Nop())

	res := e.Decide(context.Background(), Request{
		Symbol:   "BTC/USDT",
		Verdicts: []strategy.Verdict{buyVerdict(0.8), buyVerdict(0.8)},
	})
	if res.Signal != strategy.SignalBuy {
		t.Errorf("signal = %q, want BUY from the weighted vote", res.Signal)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want the 0.8 average", res.Confidence)
	}
}

func TestDecideSupportedAction(t *testing.T) {
	e := enabledEngine(`{"action":"BUY","confidence":0.85,"horizon":"short","reasoning":"volume confirms"}`, nil)

	res := e.Decide(context.Background(), Request{Symbol: "BTC/USDT", MarketType: "spot", Verdicts: []strategy.Verdict{buyVerdict(0.8)}})
	if res.Signal != strategy.SignalBuy || res.Confidence != 0.85 {
		t.Errorf("got %q/%v, want BUY/0.85", res.Signal, res.Confidence)
	}
	if res.LLMOverride {
		t.Error("a strategy-supported action is not an override")
	}
}

func TestDecideUnsupportedActionOverride(t *testing.T) {
	e := enabledEngine(`{"action":"SHORT","confidence":0.8}`, nil)

	res := e.Decide(context.Background(), Request{Symbol: "BTC/USDT", MarketType: "futures", Verdicts: []strategy.Verdict{buyVerdict(0.8)}})
	if res.Signal != strategy.SignalShort {
		t.Fatalf("signal = %q, want SHORT", res.Signal)
	}
	if !res.LLMOverride {
		t.Error("unsupported action above the threshold must be flagged as an override")
	}
}

func TestDecideUnsupportedActionBelowThresholdHolds(t *testing.T) {
	e := enabledEngine(`{"action":"SHORT","confidence":0.5}`, nil)

	res := e.Decide(context.Background(), Request{Symbol: "BTC/USDT", MarketType: "futures", Verdicts: []strategy.Verdict{buyVerdict(0.8)}})
	if res.Signal != strategy.SignalHold {
		t.Errorf("signal = %q, want HOLD for a low-confidence unsupported action", res.Signal)
	}
}

func TestDecideSellAlwaysSupported(t *testing.T) {
	e := enabledEngine(`{"action":"SELL","confidence":0.6}`, nil)

	res := e.Decide(context.Background(), Request{Symbol: "BTC/USDT", MarketType: "spot", Verdicts: []strategy.Verdict{buyVerdict(0.8)}})
	if res.Signal != strategy.SignalSell || res.LLMOverride {
		t.Errorf("risk-reducing SELL should pass without an override flag, got %+v", res)
	}
}

func TestDecideFuturesDirectionEquivalence(t *testing.T) {
	e := enabledEngine(`{"action":"SHORT","confidence":0.5}`, nil)

	res := e.Decide(context.Background(), Request{
		Symbol:     "BTC/USDT",
		MarketType: "futures",
		Verdicts:   []strategy.Verdict{{StrategyName: "sma_cross", Signal: strategy.SignalSell, Confidence: 0.6}},
	})
	if res.Signal != strategy.SignalShort {
		t.Errorf("SELL verdicts should support a SHORT in futures, got %q", res.Signal)
	}
	if res.LLMOverride {
		t.Error("direction-equivalent action is not an override")
	}
}

func TestDecideFailuresCollapseToHold(t *testing.T) {
	tests := []struct {
		name   string
		resp   string
		err    error
		reason string
	}{
		{"completer error", "", fmt.Errorf("timeout"), "llm call failed"},
		{"unparseable response", "no json here", nil, "llm response unparseable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := enabledEngine(tt.resp, tt.err)
			res := e.Decide(context.Background(), Request{Symbol: "BTC/USDT", Verdicts: []strategy.Verdict{buyVerdict(0.8)}})
			if res.Signal != strategy.SignalHold || res.Reasoning != tt.reason {
				t.Errorf("got %q/%q, want HOLD/%q", res.Signal, res.Reasoning, tt.reason)
			}
		})
	}
}
