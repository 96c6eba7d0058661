package decision

import (
	"fmt"
	"sort"
	"strings"

	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/strategy"
)

const systemPromptSpot = `You are a disciplined crypto spot trading analyst. You receive strategy
verdicts, portfolio state, risk metrics and a multi-timeframe summary for one
symbol. Decide the single best action.

Respond with ONLY a JSON object:
{"action": "BUY|SELL|HOLD", "confidence": 0.0-1.0, "horizon": "short|medium|long",
 "entry_price": number, "stop_loss": number, "take_profit": number,
 "position_size_pct": 0.0-1.0, "reasoning": "one sentence"}

Rules: never risk more than the stated daily budget; prefer HOLD when
strategies disagree; SELL only applies to an existing holding.`

const systemPromptFutures = `You are a disciplined crypto futures trading analyst. You receive strategy
verdicts, portfolio state (including leverage and margin), risk metrics and a
multi-timeframe summary for one symbol. Decide the single best action.

Respond with ONLY a JSON object:
{"action": "BUY|SELL|SHORT|COVER|HOLD", "confidence": 0.0-1.0,
 "horizon": "short|medium|long", "entry_price": number, "stop_loss": number,
 "take_profit": number, "position_size_pct": 0.0-1.0, "reasoning": "one sentence"}

Rules: BUY opens or keeps longs, SHORT opens shorts, SELL closes longs, COVER
closes shorts. Respect the margin ratio and the liquidation distance; prefer
HOLD when strategies disagree.`

// buildPrompt assembles the user prompt from the cycle's inputs.
func buildPrompt(symbol string, price float64, marketType string, verdicts []strategy.Verdict, portfolio risk.PortfolioState, metrics *risk.Metrics, mtfSummary string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s (%s)\nCurrent price: %.6f\n\n", symbol, marketType, price)

	b.WriteString("## Strategy verdicts\n")
	for _, v := range verdicts {
		tf := v.Timeframe
		if tf == "" {
			tf = "order-flow"
		}
		fmt.Fprintf(&b, "- %s [%s]: %s (confidence %.2f) %s\n", v.StrategyName, tf, v.Signal, v.Confidence, v.Reasoning)
		if len(v.Indicators) > 0 {
			keys := make([]string, 0, len(v.Indicators))
			for k := range v.Indicators {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for i, k := range keys {
				parts[i] = fmt.Sprintf("%s=%.6g", k, v.Indicators[k])
			}
			fmt.Fprintf(&b, "  indicators: %s\n", strings.Join(parts, ", "))
		}
	}

	b.WriteString("\n## Portfolio\n")
	fmt.Fprintf(&b, "Available balance: %.2f\n", portfolio.AvailableBalance)
	fmt.Fprintf(&b, "Open positions: %d of %d\n", portfolio.CurrentCount, portfolio.MaxPositions)
	fmt.Fprintf(&b, "Daily realized PnL: %.2f\n", portfolio.DailyRealizedPnL)
	fmt.Fprintf(&b, "Daily risk remaining: %.2f\n", portfolio.DailyRiskRemaining)
	if marketType == "futures" {
		fmt.Fprintf(&b, "Margin balance: %.2f, margin ratio: %.4f, leverage: %dx\n", portfolio.MarginBalance, portfolio.MarginRatio, portfolio.Leverage)
	}
	for _, p := range portfolio.Positions {
		fmt.Fprintf(&b, "- %s %s qty %.6f entry %.6f uPnL %.2f\n", p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.UnrealizedPnL)
	}

	if metrics != nil {
		b.WriteString("\n## Risk metrics (advisory)\n")
		fmt.Fprintf(&b, "Suggested SL %.6f / TP %.6f (%s), R:R %.2f (passes floor: %v)\n", metrics.StopLoss, metrics.TakeProfit, metrics.Method, metrics.RRRatio, metrics.PassesMinRR)
		fmt.Fprintf(&b, "ATR: %.6f\n", metrics.ATR)
		if metrics.Leverage > 0 {
			fmt.Fprintf(&b, "Leverage %dx, est. liquidation %.6f, account risk %.4f\n", metrics.Leverage, metrics.LiquidationPrice, metrics.AccountRiskPct)
		}
		if metrics.Support > 0 || metrics.Resistance > 0 {
			fmt.Fprintf(&b, "Support %.6f / resistance %.6f\n", metrics.Support, metrics.Resistance)
		}
		if metrics.BBWidth > 0 {
			fmt.Fprintf(&b, "Bollinger: upper %.6f lower %.6f width %.6f\n", metrics.BBUpper, metrics.BBLower, metrics.BBWidth)
		}
		if metrics.Reason != "" {
			fmt.Fprintf(&b, "Note: %s\n", metrics.Reason)
		}
	}

	if mtfSummary != "" {
		b.WriteString("\n## Multi-timeframe summary\n")
		b.WriteString(mtfSummary)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}
