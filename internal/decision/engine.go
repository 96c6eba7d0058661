package decision

import (
	"context"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/llm"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/strategy"
)

// overrideThreshold is the confidence at which an unsupported LLM action is
// allowed through at half size instead of collapsing to HOLD.
const overrideThreshold = 0.7

// Request carries everything the engine needs for one symbol in one cycle.
type Request struct {
	Symbol     string
	Price      float64
	MarketType string // "spot" or "futures"
	Verdicts   []strategy.Verdict
	Portfolio  risk.PortfolioState
	Metrics    *risk.Metrics
	MTFSummary string
}

// Result is the engine's answer, consumed by the handlers.
type Result struct {
	Signal      strategy.Signal
	Confidence  float64
	Horizon     risk.Horizon
	LLMOverride bool
	LLMSizePct  float64
	StopLoss    float64
	TakeProfit  float64
	Reasoning   string
}

func hold(reason string) Result {
	return Result{Signal: strategy.SignalHold, Horizon: risk.HorizonMedium, Reasoning: reason}
}

// Engine is the LLM decision gate. Any LLM failure collapses to HOLD; the
// engine never returns an error to the pipeline.
type Engine struct {
	enabled   bool
	completer llm.Completer
	logger    zerolog.Logger
}

func NewEngine(cfg config.LLMConfig, completer llm.Completer, logger zerolog.Logger) *Engine {
	return &Engine{
		enabled:   cfg.Enabled && completer != nil,
		completer: completer,
		logger:    logger.With().Str("component", "decision").Logger(),
	}
}

// Decide runs the gate: HOLD short-circuit, fallback vote when the LLM is
// disabled, otherwise prompt, parse, validate, and support-check.
func (e *Engine) Decide(ctx context.Context, req Request) Result {
	actionable := false
	for _, v := range req.Verdicts {
		if v.Signal != strategy.SignalHold {
			actionable = true
			break
		}
	}
	if !actionable {
		return hold("all strategies hold")
	}

	if !e.enabled {
		router := strategy.NewRouter()
		for _, v := range req.Verdicts {
			router.Collect(v)
		}
		vote := router.WeightedVote()
		return Result{
			Signal:     vote.Signal,
			Confidence: vote.Confidence,
			Horizon:    risk.HorizonMedium,
			Reasoning:  vote.Reasoning,
		}
	}

	system := systemPromptSpot
	if req.MarketType == "futures" {
		system = systemPromptFutures
	}
	prompt := buildPrompt(req.Symbol, req.Price, req.MarketType, req.Verdicts, req.Portfolio, req.Metrics, req.MTFSummary)

	text, err := e.completer.Complete(ctx, system, prompt)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("LLM call failed, holding")
		return hold("llm call failed")
	}
	d, err := ParseDecision(text)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("unparseable LLM response, holding")
		return hold("llm response unparseable")
	}

	result := Result{
		Signal:     d.Action,
		Confidence: d.Confidence,
		Horizon:    risk.NormalizeHorizon(d.Horizon),
		LLMSizePct: d.PositionSizePct,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		Reasoning:  d.Reasoning,
	}
	if result.Signal == strategy.SignalHold {
		return result
	}

	if !e.supported(result.Signal, req.Verdicts, req.MarketType) {
		if result.Confidence >= overrideThreshold {
			e.logger.Info().Str("symbol", req.Symbol).Str("action", string(result.Signal)).Float64("confidence", result.Confidence).Msg("LLM override of strategy consensus")
			result.LLMOverride = true
			return result
		}
		e.logger.Debug().Str("symbol", req.Symbol).Str("action", string(result.Signal)).Msg("unsupported LLM action below override threshold, holding")
		return hold("llm action unsupported by strategies")
	}
	return result
}

// supported reports whether the action appears among the strategy-emitted
// signals. SELL and COVER are exempt because they reduce risk; in futures
// SELL/SHORT and BUY/COVER are interchangeable for direction.
func (e *Engine) supported(action strategy.Signal, verdicts []strategy.Verdict, marketType string) bool {
	if action == strategy.SignalSell || action == strategy.SignalCover {
		return true
	}
	emitted := make(map[strategy.Signal]bool, len(verdicts))
	for _, v := range verdicts {
		emitted[v.Signal] = true
	}
	if emitted[action] {
		return true
	}
	if marketType == "futures" {
		switch action {
		case strategy.SignalShort:
			return emitted[strategy.SignalSell]
		case strategy.SignalBuy:
			return emitted[strategy.SignalCover]
		}
	}
	return false
}
