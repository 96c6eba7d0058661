package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/strategy"
)

// SpotEvaluator owns spot position state and gates BUY/SELL signals.
// All methods are safe for concurrent use.
type SpotEvaluator struct {
	mu sync.Mutex

	cfg      config.SpotConfig
	horizons HorizonTable
	logger   zerolog.Logger

	positions map[string]*SpotPosition
	dailyPnL  float64
	dailyDate string // UTC date the daily counters belong to
	lastClose map[string]time.Time
}

func NewSpotEvaluator(cfg config.SpotConfig, horizons HorizonTable, logger zerolog.Logger) *SpotEvaluator {
	return &SpotEvaluator{
		cfg:       cfg,
		horizons:  horizons,
		logger:    logger.With().Str("component", "spot_risk").Logger(),
		positions: make(map[string]*SpotPosition),
		lastClose: make(map[string]time.Time),
		dailyDate: time.Now().UTC().Format("2006-01-02"),
	}
}

// UpdateConfig swaps parameters on hot reload. Position state is preserved.
func (e *SpotEvaluator) UpdateConfig(cfg config.SpotConfig, horizons HorizonTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.horizons = horizons
}

// rollDaily resets daily counters at the UTC date boundary. Caller holds mu.
func (e *SpotEvaluator) rollDaily() {
	today := time.Now().UTC().Format("2006-01-02")
	if today != e.dailyDate {
		e.logger.Info().Str("date", today).Float64("prev_daily_pnl", e.dailyPnL).Msg("daily pnl reset")
		e.dailyDate = today
		e.dailyPnL = 0
	}
}

// Evaluate gates a BUY or SELL signal for the symbol. minNotional is the
// exchange minimum for the symbol (0 when unknown).
func (e *SpotEvaluator) Evaluate(signal strategy.Signal, symbol string, price, balance float64, horizon Horizon, llmSizePct, llmSL, llmTP float64, klines []exchange.Kline, minNotional float64) Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()

	switch signal {
	case strategy.SignalBuy:
		return e.evaluateBuy(symbol, price, balance, horizon, llmSizePct, llmSL, llmTP, klines, minNotional)
	case strategy.SignalSell:
		pos, ok := e.positions[symbol]
		if !ok {
			return reject("no position to sell")
		}
		return Evaluation{Approved: true, Quantity: pos.Quantity, Reason: "close"}
	}
	return reject(fmt.Sprintf("unsupported spot signal %s", signal))
}

func (e *SpotEvaluator) evaluateBuy(symbol string, price, balance float64, horizon Horizon, llmSizePct, llmSL, llmTP float64, klines []exchange.Kline, minNotional float64) Evaluation {
	lossCap := balance * e.cfg.MaxDailyLossPct
	if e.dailyPnL < -lossCap {
		return reject(fmt.Sprintf("daily loss limit reached (%.2f < -%.2f)", e.dailyPnL, lossCap))
	}
	if len(e.positions) >= e.cfg.MaxOpenPositions {
		return reject(fmt.Sprintf("max open positions reached (%d)", e.cfg.MaxOpenPositions))
	}
	if _, ok := e.positions[symbol]; ok {
		return reject("already holding " + symbol)
	}

	params := e.horizons.Params(horizon)
	sl, tp, method, note := ResolveSLTP(true, price, params, e.cfg.ATR, llmSL, llmTP, klines)
	if note != "" {
		e.logger.Debug().Str("symbol", symbol).Str("note", note).Msg("sl/tp resolution")
	}

	notional := balance * e.cfg.MaxPositionPct * params.SizeFactor
	if llmSizePct > 0 {
		if suggested := balance * llmSizePct; suggested < notional {
			notional = suggested
		}
	}
	if price <= 0 {
		return reject("invalid price")
	}
	if minNotional > 0 && notional < minNotional {
		return reject(fmt.Sprintf("notional %.2f below exchange minimum %.2f", notional, minNotional))
	}

	return Evaluation{
		Approved:   true,
		Quantity:   notional / price,
		StopLoss:   sl,
		TakeProfit: tp,
		Method:     method,
	}
}

// PreCalculateMetrics produces the advisory numbers shown to the LLM. It
// never blocks a trade by itself but flags trivially violated invariants.
func (e *SpotEvaluator) PreCalculateMetrics(signal strategy.Signal, symbol string, price, balance float64, klines []exchange.Kline, horizon Horizon) *Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()

	params := e.horizons.Params(horizon)
	sl, tp, method, _ := ResolveSLTP(signal != strategy.SignalSell, price, params, e.cfg.ATR, 0, 0, klines)

	m := &Metrics{
		StopLoss:   sl,
		TakeProfit: tp,
		SLDistance: abs(price - sl),
		TPDistance: abs(tp - price),
		ATR:        ATRFromKlines(klines, e.cfg.ATR.Period),
		Method:     method,
		FibLevels:  fibLevels(klines),
	}
	m.Support, m.Resistance = supportResistance(klines, 50)
	m.BBUpper, m.BBLower, m.BBWidth = bbStats(klines, 20)
	if m.SLDistance > 0 {
		m.RRRatio = m.TPDistance / m.SLDistance
	}
	m.PassesMinRR = m.RRRatio >= params.MinRR

	if signal == strategy.SignalBuy {
		if len(e.positions) >= e.cfg.MaxOpenPositions {
			m.Reason = "position cap reached"
		} else if _, ok := e.positions[symbol]; ok {
			m.Reason = "already holding " + symbol
		}
	}
	return m
}

// AddPosition records an approved, filled BUY.
func (e *SpotEvaluator) AddPosition(pos *SpotPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[pos.Symbol] = pos
}

// RemovePosition drops the position and books realized PnL. Used for both
// strategy closes and reconciliation removals (pnl 0).
func (e *SpotEvaluator) RemovePosition(symbol string, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()
	if _, ok := e.positions[symbol]; !ok {
		return
	}
	delete(e.positions, symbol)
	e.dailyPnL += pnl
	e.lastClose[symbol] = time.Now().UTC()
}

// ReplaceQuantity overwrites the stored quantity, used by reconciliation
// downsizing.
func (e *SpotEvaluator) ReplaceQuantity(symbol string, qty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok {
		pos.Quantity = qty
	}
}

// Position returns a copy of the tracked position for symbol.
func (e *SpotEvaluator) Position(symbol string) (SpotPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return SpotPosition{}, false
	}
	return *pos, true
}

// Positions returns copies of all tracked positions.
func (e *SpotEvaluator) Positions() []SpotPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SpotPosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// DailyPnL returns today's realized PnL.
func (e *SpotEvaluator) DailyPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()
	return e.dailyPnL
}

// InCooldown reports whether the symbol closed within the configured
// cooldown window.
func (e *SpotEvaluator) InCooldown(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastClose[symbol]
	if !ok || e.cfg.CooldownMinutes <= 0 {
		return false
	}
	return time.Since(last) < time.Duration(e.cfg.CooldownMinutes)*time.Minute
}

// CheckSLTP compares the current price against the stored protective levels.
// Positions restored without levels get fixed-percentage ones first.
func (e *SpotEvaluator) CheckSLTP(symbol string, price float64) (triggered bool, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return false, ""
	}
	if pos.StopLoss == 0 || pos.TakeProfit == 0 {
		params := e.horizons.Params(pos.Horizon)
		pos.StopLoss = pos.EntryPrice * (1 - params.SLPct)
		pos.TakeProfit = pos.EntryPrice * (1 + params.TPPct)
	}
	switch {
	case price <= pos.StopLoss:
		return true, fmt.Sprintf("stop loss hit (%.4f <= %.4f)", price, pos.StopLoss)
	case price >= pos.TakeProfit:
		return true, fmt.Sprintf("take profit hit (%.4f >= %.4f)", price, pos.TakeProfit)
	}
	return false, ""
}

// Portfolio builds the decision-time snapshot.
func (e *SpotEvaluator) Portfolio(balance float64, prices map[string]float64) PortfolioState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()

	state := PortfolioState{
		AvailableBalance: balance,
		CurrentCount:     len(e.positions),
		MaxPositions:     e.cfg.MaxOpenPositions,
		DailyRealizedPnL: e.dailyPnL,
	}
	state.DailyRiskRemaining = balance*e.cfg.MaxDailyLossPct + e.dailyPnL
	for _, p := range e.positions {
		brief := PositionBrief{
			Symbol:     p.Symbol,
			Side:       "long",
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
		}
		if price, ok := prices[p.Symbol]; ok {
			brief.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
		}
		state.Positions = append(state.Positions, brief)
	}
	return state
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
