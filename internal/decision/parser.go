// Package decision turns strategy verdicts into a final trade decision,
// either through the LLM gate or the weighted-vote fallback.
package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"trading-supervisor/internal/strategy"
)

// rawDecision is the wire shape expected back from the model. Numeric
// fields tolerate being sent as strings.
type rawDecision struct {
	Action          string      `json:"action"`
	Confidence      json.Number `json:"confidence"`
	Horizon         string      `json:"horizon"`
	EntryPrice      json.Number `json:"entry_price"`
	StopLoss        json.Number `json:"stop_loss"`
	TakeProfit      json.Number `json:"take_profit"`
	PositionSizePct json.Number `json:"position_size_pct"`
	Reasoning       string      `json:"reasoning"`
}

// Decision is the validated LLM output.
type Decision struct {
	Action          strategy.Signal
	Confidence      float64
	Horizon         string
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	PositionSizePct float64
	Reasoning       string
}

// extractJSON pulls the first balanced JSON object out of a model response.
// Markdown fences and curly quotes are tolerated.
func extractJSON(text string) (string, error) {
	text = stripCodeFences(text)
	text = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'").Replace(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

// stripCodeFences removes markdown code block markers around a response.
func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func num(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

// ParseDecision extracts and validates a Decision from raw model text.
// Unknown actions collapse to HOLD/0, unknown horizons to medium.
func ParseDecision(text string) (*Decision, error) {
	blob, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var raw rawDecision
	dec := json.NewDecoder(strings.NewReader(blob))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding decision JSON: %w", err)
	}

	d := &Decision{
		Action:          strategy.Signal(strings.ToUpper(strings.TrimSpace(raw.Action))),
		Confidence:      num(raw.Confidence),
		Horizon:         strings.ToLower(strings.TrimSpace(raw.Horizon)),
		EntryPrice:      num(raw.EntryPrice),
		StopLoss:        num(raw.StopLoss),
		TakeProfit:      num(raw.TakeProfit),
		PositionSizePct: num(raw.PositionSizePct),
		Reasoning:       strings.TrimSpace(raw.Reasoning),
	}
	if !strategy.ValidSignal(d.Action) {
		d.Action = strategy.SignalHold
		d.Confidence = 0
	}
	switch d.Horizon {
	case "short", "medium", "long":
	default:
		d.Horizon = "medium"
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d, nil
}
