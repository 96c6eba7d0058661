package strategy

import (
	"strings"
	"testing"
)

func TestRouterHasActionable(t *testing.T) {
	r := NewRouter()
	r.Collect(Hold("a", "1h", "warming up"))
	if r.HasActionable() {
		t.Error("HOLD-only router should not be actionable")
	}
	r.Collect(Verdict{StrategyName: "b", Signal: SignalSell, Confidence: 0.5})
	if !r.HasActionable() {
		t.Error("router with a SELL should be actionable")
	}
}

func TestRouterVerdictsReturnsCopy(t *testing.T) {
	r := NewRouter()
	r.Collect(Verdict{StrategyName: "a", Signal: SignalBuy, Confidence: 0.6})

	got := r.Verdicts()
	got[0].Signal = SignalSell
	if r.Verdicts()[0].Signal != SignalBuy {
		t.Error("mutating the returned slice must not touch the router")
	}
}

func TestWeightedVote(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []Verdict
		want     Signal
	}{
		{
			name: "buy majority wins",
			verdicts: []Verdict{
				{StrategyName: "a", Signal: SignalBuy, Confidence: 0.8},
				{StrategyName: "b", Signal: SignalBuy, Confidence: 0.6},
				{StrategyName: "c", Signal: SignalSell, Confidence: 0.4},
			},
			want: SignalBuy,
		},
		{
			name: "short counts toward the sell side",
			verdicts: []Verdict{
				{StrategyName: "a", Signal: SignalShort, Confidence: 0.9},
				{StrategyName: "b", Signal: SignalBuy, Confidence: 0.4},
			},
			want: SignalSell,
		},
		{
			name: "cover counts toward the buy side",
			verdicts: []Verdict{
				{StrategyName: "a", Signal: SignalCover, Confidence: 0.8},
			},
			want: SignalBuy,
		},
		{
			name: "tie falls back to hold",
			verdicts: []Verdict{
				{StrategyName: "a", Signal: SignalBuy, Confidence: 0.5},
				{StrategyName: "b", Signal: SignalSell, Confidence: 0.5},
			},
			want: SignalHold,
		},
		{
			name: "score below threshold falls back to hold",
			verdicts: []Verdict{
				{StrategyName: "a", Signal: SignalBuy, Confidence: 0.25},
			},
			want: SignalHold,
		},
		{
			name:     "no directional verdicts",
			verdicts: []Verdict{Hold("a", "1h", "flat")},
			want:     SignalHold,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter()
			for _, v := range tt.verdicts {
				r.Collect(v)
			}
			got := r.WeightedVote()
			if got.Signal != tt.want {
				t.Errorf("signal = %q, want %q (reasoning: %s)", got.Signal, tt.want, got.Reasoning)
			}
			if got.StrategyName != "weighted_vote" {
				t.Errorf("strategy name = %q", got.StrategyName)
			}
		})
	}
}

func TestWeightedVoteConfidenceIsSideAverage(t *testing.T) {
	r := NewRouter()
	r.Collect(Verdict{StrategyName: "a", Signal: SignalBuy, Confidence: 0.75})
	r.Collect(Verdict{StrategyName: "b", Signal: SignalBuy, Confidence: 0.5})
	r.Collect(Verdict{StrategyName: "c", Signal: SignalSell, Confidence: 0.1})

	got := r.WeightedVote()
	if got.Signal != SignalBuy {
		t.Fatalf("signal = %q, want BUY", got.Signal)
	}
	if got.Confidence != 0.625 {
		t.Errorf("confidence = %v, want the per-side average 0.625", got.Confidence)
	}
	if !strings.Contains(got.Reasoning, "weighted vote") {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}
