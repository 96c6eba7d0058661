package decision

import (
	"testing"

	"trading-supervisor/internal/strategy"
)

func TestParseDecisionPlainJSON(t *testing.T) {
	d, err := ParseDecision(`{"action":"BUY","confidence":0.72,"horizon":"short","stop_loss":98.5,"take_profit":104,"position_size_pct":0.05,"reasoning":"momentum"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != strategy.SignalBuy {
		t.Errorf("action = %q, want BUY", d.Action)
	}
	if d.Confidence != 0.72 {
		t.Errorf("confidence = %v, want 0.72", d.Confidence)
	}
	if d.Horizon != "short" {
		t.Errorf("horizon = %q, want short", d.Horizon)
	}
	if d.StopLoss != 98.5 || d.TakeProfit != 104 {
		t.Errorf("sl/tp = %v/%v", d.StopLoss, d.TakeProfit)
	}
}

func TestParseDecisionMarkdownFences(t *testing.T) {
	text := "```json\n{\"action\": \"sell\", \"confidence\": 0.6}\n```"
	d, err := ParseDecision(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != strategy.SignalSell {
		t.Errorf("action = %q, want SELL", d.Action)
	}
}

func TestParseDecisionProseAroundJSON(t *testing.T) {
	text := `Based on the signals I recommend the following.
{"action":"SHORT","confidence":0.8,"reasoning":"distribution {heavy}"}
Let me know if you need more detail.`
	d, err := ParseDecision(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != strategy.SignalShort {
		t.Errorf("action = %q, want SHORT", d.Action)
	}
	if d.Reasoning != "distribution {heavy}" {
		t.Errorf("reasoning = %q, braces inside strings must not break extraction", d.Reasoning)
	}
}

func TestParseDecisionCurlyQuotes(t *testing.T) {
	d, err := ParseDecision("{“action”: “HOLD”, “confidence”: 0.4}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != strategy.SignalHold {
		t.Errorf("action = %q, want HOLD", d.Action)
	}
}

func TestParseDecisionNormalization(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		action   strategy.Signal
		conf     float64
		horizon  string
	}{
		{"unknown action collapses to hold", `{"action":"YOLO","confidence":0.9}`, strategy.SignalHold, 0, "medium"},
		{"confidence clamped high", `{"action":"BUY","confidence":1.7}`, strategy.SignalBuy, 1, "medium"},
		{"confidence clamped low", `{"action":"BUY","confidence":-0.2}`, strategy.SignalBuy, 0, "medium"},
		{"unknown horizon defaults", `{"action":"BUY","confidence":0.5,"horizon":"forever"}`, strategy.SignalBuy, 0.5, "medium"},
		{"string numbers tolerated", `{"action":"BUY","confidence":"0.65"}`, strategy.SignalBuy, 0.65, "medium"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Action != tt.action || d.Confidence != tt.conf || d.Horizon != tt.horizon {
				t.Errorf("got %q/%v/%q, want %q/%v/%q", d.Action, d.Confidence, d.Horizon, tt.action, tt.conf, tt.horizon)
			}
		})
	}
}

func TestParseDecisionNoJSON(t *testing.T) {
	if _, err := ParseDecision("I would hold here."); err == nil {
		t.Fatal("expected an error for a response without JSON")
	}
	if _, err := ParseDecision(`{"action":"BUY"`); err == nil {
		t.Fatal("expected an error for unbalanced JSON")
	}
}
