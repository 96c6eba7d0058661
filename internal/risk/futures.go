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

// posKey identifies a futures position slot. Long and short on the same
// symbol are distinct slots.
type posKey struct {
	Symbol string
	Side   string
}

// FuturesEvaluator owns futures position state, the reserved-slot registry,
// and the open gates (margin ratio, daily loss, R:R, account risk,
// liquidation). All methods are safe for concurrent use.
type FuturesEvaluator struct {
	mu sync.Mutex

	cfg      config.FuturesConfig
	horizons HorizonTable
	logger   zerolog.Logger

	open     map[posKey]*FuturesPosition
	reserved map[posKey]bool

	dailyPnL  float64
	dailyDate string
	lastClose map[string]time.Time
}

func NewFuturesEvaluator(cfg config.FuturesConfig, horizons HorizonTable, logger zerolog.Logger) *FuturesEvaluator {
	return &FuturesEvaluator{
		cfg:       cfg,
		horizons:  horizons,
		logger:    logger.With().Str("component", "futures_risk").Logger(),
		open:      make(map[posKey]*FuturesPosition),
		reserved:  make(map[posKey]bool),
		lastClose: make(map[string]time.Time),
		dailyDate: time.Now().UTC().Format("2006-01-02"),
	}
}

// UpdateConfig swaps parameters on hot reload. Position state is preserved.
func (e *FuturesEvaluator) UpdateConfig(cfg config.FuturesConfig, horizons HorizonTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.horizons = horizons
}

func (e *FuturesEvaluator) rollDaily() {
	today := time.Now().UTC().Format("2006-01-02")
	if today != e.dailyDate {
		e.logger.Info().Str("date", today).Float64("prev_daily_pnl", e.dailyPnL).Msg("daily pnl reset")
		e.dailyDate = today
		e.dailyPnL = 0
	}
}

// sideForOpen maps an opening signal to a position side.
func sideForOpen(signal strategy.Signal) string {
	if signal == strategy.SignalBuy {
		return "long"
	}
	return "short"
}

// Evaluate gates an opening (BUY/SHORT) or closing (SELL/COVER) signal.
func (e *FuturesEvaluator) Evaluate(signal strategy.Signal, symbol string, price, available, marginRatio float64, horizon Horizon, llmSizePct, llmSL, llmTP float64, klines []exchange.Kline) Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()

	switch signal {
	case strategy.SignalBuy, strategy.SignalShort:
		return e.evaluateOpen(signal, symbol, price, available, marginRatio, horizon, llmSizePct, llmSL, llmTP, klines)
	case strategy.SignalSell:
		return e.evaluateClose(symbol, "long")
	case strategy.SignalCover:
		return e.evaluateClose(symbol, "short")
	}
	return reject(fmt.Sprintf("unsupported futures signal %s", signal))
}

func (e *FuturesEvaluator) evaluateOpen(signal strategy.Signal, symbol string, price, available, marginRatio float64, horizon Horizon, llmSizePct, llmSL, llmTP float64, klines []exchange.Kline) Evaluation {
	if marginRatio >= e.cfg.MaxMarginRatio && e.cfg.MaxMarginRatio > 0 {
		return reject(fmt.Sprintf("margin ratio %.3f at or above limit %.3f", marginRatio, e.cfg.MaxMarginRatio))
	}
	lossCap := available * e.cfg.MaxDailyLossPct
	if e.dailyPnL < -lossCap {
		return reject(fmt.Sprintf("daily loss limit reached (%.2f < -%.2f)", e.dailyPnL, lossCap))
	}
	if len(e.open)+len(e.reserved) >= e.cfg.MaxOpenPositions {
		return reject(fmt.Sprintf("max open positions reached (%d open, %d reserved)", len(e.open), len(e.reserved)))
	}
	side := sideForOpen(signal)
	key := posKey{Symbol: symbol, Side: side}
	if _, ok := e.open[key]; ok {
		return reject(fmt.Sprintf("%s %s already open", symbol, side))
	}
	if e.reserved[key] {
		return reject(fmt.Sprintf("%s %s already reserved", symbol, side))
	}

	isLong := side == "long"
	params := e.horizons.Params(horizon)
	sl, tp, method, note := ResolveSLTP(isLong, price, params, e.cfg.ATR, llmSL, llmTP, klines)
	if note != "" {
		e.logger.Debug().Str("symbol", symbol).Str("note", note).Msg("sl/tp resolution")
	}

	slDist := abs(price - sl)
	tpDist := abs(tp - price)
	if slDist <= 0 {
		return reject("degenerate stop distance")
	}
	rr := tpDist / slDist
	if rr < params.MinRR {
		return reject(fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, params.MinRR))
	}

	leverage := e.cfg.Leverage
	if leverage < 1 {
		leverage = 1
	}
	accountRiskPct := (slDist / price) * float64(leverage) * e.cfg.MaxPositionPct
	if riskCap := e.cfg.MaxDailyLossPct / 2; accountRiskPct > riskCap {
		return reject(fmt.Sprintf("account risk %.4f exceeds cap %.4f", accountRiskPct, riskCap))
	}

	liq := LiquidationPrice(isLong, price, leverage)
	if isLong && sl <= liq {
		return reject(fmt.Sprintf("stop %.4f at or below liquidation %.4f", sl, liq))
	}
	if !isLong && sl >= liq {
		return reject(fmt.Sprintf("stop %.4f at or above liquidation %.4f", sl, liq))
	}

	notional := available * e.cfg.MaxPositionPct * float64(leverage) * params.SizeFactor
	if llmSizePct > 0 {
		if suggested := available * llmSizePct * float64(leverage); suggested < notional {
			notional = suggested
		}
	}
	if price <= 0 || notional <= 0 {
		return reject("invalid sizing inputs")
	}

	return Evaluation{
		Approved:         true,
		Quantity:         notional / price,
		StopLoss:         sl,
		TakeProfit:       tp,
		Method:           method,
		Leverage:         leverage,
		LiquidationPrice: liq,
		RRRatio:          rr,
	}
}

func (e *FuturesEvaluator) evaluateClose(symbol, side string) Evaluation {
	pos, ok := e.open[posKey{Symbol: symbol, Side: side}]
	if !ok {
		return reject(fmt.Sprintf("no %s position on %s to close", side, symbol))
	}
	return Evaluation{
		Approved: true,
		Quantity: pos.Quantity,
		Leverage: pos.Leverage,
		Reason:   "close",
	}
}

// ReserveSlot atomically claims (symbol, side) ahead of order placement.
// Returns false when the slot is taken or the cap is reached.
func (e *FuturesEvaluator) ReserveSlot(symbol, side string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := posKey{Symbol: symbol, Side: side}
	if e.reserved[key] {
		return false
	}
	if _, ok := e.open[key]; ok {
		return false
	}
	if len(e.open)+len(e.reserved) >= e.cfg.MaxOpenPositions {
		return false
	}
	e.reserved[key] = true
	return true
}

// ConfirmPosition converts a reservation into an open position after fill.
func (e *FuturesEvaluator) ConfirmPosition(pos *FuturesPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := posKey{Symbol: pos.Symbol, Side: pos.Side}
	delete(e.reserved, key)
	e.open[key] = pos
}

// ReleaseSlot drops a reservation whose order failed.
func (e *FuturesEvaluator) ReleaseSlot(symbol, side string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reserved, posKey{Symbol: symbol, Side: side})
}

// AdoptPosition inserts a position without a prior reservation, used by
// reconciliation for orphans.
func (e *FuturesEvaluator) AdoptPosition(pos *FuturesPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open[posKey{Symbol: pos.Symbol, Side: pos.Side}] = pos
}

// RemovePosition drops the position and books realized PnL.
func (e *FuturesEvaluator) RemovePosition(symbol, side string, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()
	key := posKey{Symbol: symbol, Side: side}
	if _, ok := e.open[key]; !ok {
		return
	}
	delete(e.open, key)
	e.dailyPnL += pnl
	e.lastClose[symbol] = time.Now().UTC()
}

// ReplacePosition overwrites the stored record with exchange-reported
// values, used by reconciliation on quantity drift.
func (e *FuturesEvaluator) ReplacePosition(pos *FuturesPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open[posKey{Symbol: pos.Symbol, Side: pos.Side}] = pos
}

// Position returns a copy of the tracked (symbol, side) position.
func (e *FuturesEvaluator) Position(symbol, side string) (FuturesPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.open[posKey{Symbol: symbol, Side: side}]
	if !ok {
		return FuturesPosition{}, false
	}
	return *pos, true
}

// Positions returns copies of all tracked positions.
func (e *FuturesEvaluator) Positions() []FuturesPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FuturesPosition, 0, len(e.open))
	for _, p := range e.open {
		out = append(out, *p)
	}
	return out
}

// OpenCount returns open plus reserved slot usage.
func (e *FuturesEvaluator) OpenCount() (open, reserved int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open), len(e.reserved)
}

// DailyPnL returns today's realized PnL.
func (e *FuturesEvaluator) DailyPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()
	return e.dailyPnL
}

// InCooldown reports whether the symbol closed within the cooldown window.
func (e *FuturesEvaluator) InCooldown(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastClose[symbol]
	if !ok || e.cfg.CooldownMinutes <= 0 {
		return false
	}
	return time.Since(last) < time.Duration(e.cfg.CooldownMinutes)*time.Minute
}

// CheckSLTP compares the price against stored protective levels for the
// position, computing fixed-percentage levels when absent.
func (e *FuturesEvaluator) CheckSLTP(symbol, side string, price float64) (triggered bool, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.open[posKey{Symbol: symbol, Side: side}]
	if !ok {
		return false, ""
	}
	if pos.StopLoss == 0 || pos.TakeProfit == 0 {
		params := e.horizons.Params(pos.Horizon)
		if side == "long" {
			pos.StopLoss = pos.EntryPrice * (1 - params.SLPct)
			pos.TakeProfit = pos.EntryPrice * (1 + params.TPPct)
		} else {
			pos.StopLoss = pos.EntryPrice * (1 + params.SLPct)
			pos.TakeProfit = pos.EntryPrice * (1 - params.TPPct)
		}
	}
	if side == "long" {
		switch {
		case price <= pos.StopLoss:
			return true, fmt.Sprintf("stop loss hit (%.4f <= %.4f)", price, pos.StopLoss)
		case price >= pos.TakeProfit:
			return true, fmt.Sprintf("take profit hit (%.4f >= %.4f)", price, pos.TakeProfit)
		}
		return false, ""
	}
	switch {
	case price >= pos.StopLoss:
		return true, fmt.Sprintf("stop loss hit (%.4f >= %.4f)", price, pos.StopLoss)
	case price <= pos.TakeProfit:
		return true, fmt.Sprintf("take profit hit (%.4f <= %.4f)", price, pos.TakeProfit)
	}
	return false, ""
}

// PreCalculateMetrics produces the advisory numbers shown to the LLM.
func (e *FuturesEvaluator) PreCalculateMetrics(signal strategy.Signal, symbol string, price, available float64, klines []exchange.Kline, horizon Horizon) *Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()

	isLong := signal != strategy.SignalShort && signal != strategy.SignalSell
	params := e.horizons.Params(horizon)
	sl, tp, method, _ := ResolveSLTP(isLong, price, params, e.cfg.ATR, 0, 0, klines)

	leverage := e.cfg.Leverage
	if leverage < 1 {
		leverage = 1
	}
	m := &Metrics{
		StopLoss:         sl,
		TakeProfit:       tp,
		SLDistance:       abs(price - sl),
		TPDistance:       abs(tp - price),
		ATR:              ATRFromKlines(klines, e.cfg.ATR.Period),
		Leverage:         leverage,
		LiquidationPrice: LiquidationPrice(isLong, price, leverage),
		Method:           method,
		FibLevels:        fibLevels(klines),
	}
	m.Support, m.Resistance = supportResistance(klines, 50)
	m.BBUpper, m.BBLower, m.BBWidth = bbStats(klines, 20)
	if m.SLDistance > 0 {
		m.RRRatio = m.TPDistance / m.SLDistance
		m.AccountRiskPct = (m.SLDistance / price) * float64(leverage) * e.cfg.MaxPositionPct
	}
	m.PassesMinRR = m.RRRatio >= params.MinRR

	if signal == strategy.SignalBuy || signal == strategy.SignalShort {
		key := posKey{Symbol: symbol, Side: sideForOpen(signal)}
		if len(e.open)+len(e.reserved) >= e.cfg.MaxOpenPositions {
			m.Reason = "position cap reached"
		} else if _, ok := e.open[key]; ok {
			m.Reason = fmt.Sprintf("%s %s already open", symbol, key.Side)
		}
	}
	return m
}

// Portfolio builds the decision-time snapshot.
func (e *FuturesEvaluator) Portfolio(available, marginBalance, marginRatio float64, prices map[string]float64) PortfolioState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDaily()

	state := PortfolioState{
		AvailableBalance: available,
		CurrentCount:     len(e.open),
		MaxPositions:     e.cfg.MaxOpenPositions,
		DailyRealizedPnL: e.dailyPnL,
		MarginBalance:    marginBalance,
		MarginRatio:      marginRatio,
		Leverage:         e.cfg.Leverage,
	}
	state.DailyRiskRemaining = available*e.cfg.MaxDailyLossPct + e.dailyPnL
	for _, p := range e.open {
		brief := PositionBrief{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
		}
		if price, ok := prices[p.Symbol]; ok {
			if p.Side == "long" {
				brief.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
			} else {
				brief.UnrealizedPnL = (p.EntryPrice - price) * p.Quantity
			}
		}
		state.Positions = append(state.Positions, brief)
	}
	return state
}
