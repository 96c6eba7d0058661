package handler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/circuit"
	"trading-supervisor/internal/decision"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/executor"
	"trading-supervisor/internal/market"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/store"
	"trading-supervisor/internal/strategy"
)

// futuresAction is the translated intent after mapping the raw signal
// against current position state.
type futuresAction int

const (
	actionNone futuresAction = iota
	actionOpenLong
	actionOpenShort
	actionCloseLong
	actionCloseShort
)

// translateSignal applies the raw-action vs position-state table. SHORT
// never flips an existing long and BUY never flips an existing short; the
// close must come from its own signal first.
func translateSignal(raw strategy.Signal, hasLong, hasShort bool) futuresAction {
	switch raw {
	case strategy.SignalBuy:
		switch {
		case hasShort:
			return actionCloseShort
		case hasLong:
			return actionNone
		default:
			return actionOpenLong
		}
	case strategy.SignalSell:
		switch {
		case hasLong:
			return actionCloseLong
		case hasShort:
			return actionNone
		default:
			return actionOpenShort
		}
	case strategy.SignalShort:
		if hasLong || hasShort {
			return actionNone
		}
		return actionOpenShort
	case strategy.SignalCover:
		if hasShort {
			return actionCloseShort
		}
		return actionNone
	}
	return actionNone
}

// FuturesHandler runs the per-cycle pipeline for one futures symbol.
type FuturesHandler struct {
	mu sync.Mutex

	cfg     config.FuturesConfig
	llmCfg  config.LLMConfig
	mtfCfg  config.MTFConfig
	client  exchange.Client
	klines  *market.KlineCache
	roster  *strategy.Roster
	engine  *decision.Engine
	risk    *risk.FuturesEvaluator
	exec    *executor.Executor
	sink    store.Sink
	bars    BarStore
	breaker *circuit.Breaker
	logger  zerolog.Logger

	lastSlot  map[string]int
	flows     map[string]*flowState
	levActive map[string]bool
}

func NewFuturesHandler(cfg config.FuturesConfig, llmCfg config.LLMConfig, mtfCfg config.MTFConfig, client exchange.Client, klines *market.KlineCache, roster *strategy.Roster, engine *decision.Engine, riskEval *risk.FuturesEvaluator, exec *executor.Executor, sink store.Sink, bars BarStore, breaker *circuit.Breaker, logger zerolog.Logger) *FuturesHandler {
	return &FuturesHandler{
		cfg:       cfg,
		llmCfg:    llmCfg,
		mtfCfg:    mtfCfg,
		client:    client,
		klines:    klines,
		roster:    roster,
		engine:    engine,
		risk:      riskEval,
		exec:      exec,
		sink:      sink,
		bars:      bars,
		breaker:   breaker,
		logger:    logger.With().Str("component", "futures_handler").Logger(),
		lastSlot:  make(map[string]int),
		flows:     make(map[string]*flowState),
		levActive: make(map[string]bool),
	}
}

// Rebind swaps configuration and the roster on hot reload and clears slot
// memoization.
func (h *FuturesHandler) Rebind(cfg config.FuturesConfig, llmCfg config.LLMConfig, mtfCfg config.MTFConfig, roster *strategy.Roster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	h.llmCfg = llmCfg
	h.mtfCfg = mtfCfg
	h.roster = roster
	h.lastSlot = make(map[string]int)
}

func (h *FuturesHandler) snapshot() (config.FuturesConfig, config.LLMConfig, config.MTFConfig, *strategy.Roster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg, h.llmCfg, h.mtfCfg, h.roster
}

// ProcessSymbol runs one full pipeline pass for symbol.
func (h *FuturesHandler) ProcessSymbol(ctx context.Context, cycleID, symbol string) error {
	cfg, llmCfg, mtfCfg, roster := h.snapshot()
	log := h.logger.With().Str("symbol", symbol).Str("cycle", cycleID).Logger()

	flowVerdicts := h.ingestOrderFlow(ctx, symbol, roster)

	finest := roster.FinestTimeframeMinutes()
	slot := currentSlot(time.Now(), finest)
	h.mu.Lock()
	if prev, ok := h.lastSlot[symbol]; ok && prev == slot {
		h.mu.Unlock()
		return nil
	}
	h.lastSlot[symbol] = slot
	h.mu.Unlock()

	data := h.fetchTimeframes(symbol, roster, mtfCfg)
	if len(data) == 0 && len(roster.Ohlcv) > 0 {
		return fmt.Errorf("no timeframe returned data for %s", symbol)
	}
	price := h.currentPrice(data)
	if price <= 0 {
		ticker, err := h.client.GetTicker(symbol)
		if err != nil {
			return fmt.Errorf("no price available for %s: %w", symbol, err)
		}
		price = ticker.Last
	}

	if closed, err := h.checkProtectiveOrders(ctx, symbol, price, cfg); err != nil {
		return err
	} else if closed {
		return nil
	}

	router := strategy.NewRouter()
	for _, s := range roster.Ohlcv {
		klines, ok := data[s.Timeframe()]
		if !ok || len(klines) < s.RequiredCandles() {
			continue
		}
		v := s.GenerateVerdict(klines)
		router.Collect(v)
		if err := h.sink.SaveVerdict(ctx, cycleID, symbol, "futures", v); err != nil {
			log.Warn().Err(err).Msg("verdict persist failed")
		}
	}
	for _, v := range flowVerdicts {
		router.Collect(v)
		if err := h.sink.SaveVerdict(ctx, cycleID, symbol, "futures", v); err != nil {
			log.Warn().Err(err).Msg("verdict persist failed")
		}
	}

	balance, err := h.client.GetFuturesBalance()
	if err != nil {
		return fmt.Errorf("fetching futures balance: %w", err)
	}
	marginRatio, err := h.client.GetMarginRatio()
	if err != nil {
		log.Warn().Err(err).Msg("margin ratio fetch failed, assuming zero")
		marginRatio = 0
	}

	verdicts := router.Verdicts()
	var metrics *risk.Metrics
	finestKlines := h.finestKlines(data)
	if router.HasActionable() {
		metrics = h.risk.PreCalculateMetrics(primarySignal(verdicts), symbol, price, balance.Available, finestKlines, risk.HorizonMedium)
	}

	summary := ""
	if mtfCfg.Enabled {
		summary = mtfSummary(data)
	}
	result := h.engine.Decide(ctx, decision.Request{
		Symbol:     symbol,
		Price:      price,
		MarketType: "futures",
		Verdicts:   verdicts,
		Portfolio:  h.risk.Portfolio(balance.Available, balance.Wallet, marginRatio, map[string]float64{symbol: price}),
		Metrics:    metrics,
		MTFSummary: summary,
	})

	if result.Confidence < llmCfg.MinConfidence && result.Signal != strategy.SignalHold {
		log.Debug().Str("action", string(result.Signal)).Float64("confidence", result.Confidence).Msg("below confidence floor, holding")
		result.Signal = strategy.SignalHold
	}

	if err := h.sink.SaveDecision(ctx, store.DecisionRecord{
		CycleID:    cycleID,
		Symbol:     symbol,
		MarketType: "futures",
		Action:     string(result.Signal),
		Confidence: result.Confidence,
		Horizon:    string(result.Horizon),
		StopLoss:   result.StopLoss,
		TakeProfit: result.TakeProfit,
		Override:   result.LLMOverride,
		Reasoning:  result.Reasoning,
	}); err != nil {
		log.Warn().Err(err).Msg("decision persist failed")
	}

	if result.Signal == strategy.SignalHold {
		return nil
	}

	_, hasLong := h.risk.Position(symbol, "long")
	_, hasShort := h.risk.Position(symbol, "short")
	switch translateSignal(result.Signal, hasLong, hasShort) {
	case actionOpenLong:
		return h.open(ctx, cycleID, symbol, "long", price, balance.Available, marginRatio, result, finestKlines, cfg, log)
	case actionOpenShort:
		return h.open(ctx, cycleID, symbol, "short", price, balance.Available, marginRatio, result, finestKlines, cfg, log)
	case actionCloseLong:
		return h.close(ctx, cycleID, symbol, "long", price, closeReasonStrategy, cfg, log)
	case actionCloseShort:
		return h.close(ctx, cycleID, symbol, "short", price, closeReasonStrategy, cfg, log)
	}
	return nil
}

// primarySignal picks the highest-confidence non-HOLD verdict signal for
// the advisory metrics.
func primarySignal(verdicts []strategy.Verdict) strategy.Signal {
	best := strategy.SignalBuy
	bestConf := -1.0
	for _, v := range verdicts {
		if v.Signal != strategy.SignalHold && v.Confidence > bestConf {
			best = v.Signal
			bestConf = v.Confidence
		}
	}
	return best
}

func (h *FuturesHandler) ingestOrderFlow(ctx context.Context, symbol string, roster *strategy.Roster) []strategy.Verdict {
	if len(roster.OrderFlow) == 0 {
		return nil
	}
	h.mu.Lock()
	fs, ok := h.flows[symbol]
	if !ok {
		fs = &flowState{agg: market.NewBarAggregator(time.Minute, 0.01, 500)}
		h.flows[symbol] = fs
	}
	h.mu.Unlock()

	var verdicts []strategy.Verdict
	for _, s := range roster.OrderFlow {
		if !fs.loaded {
			fs.lastTradeID = s.LoadCache(symbol, h.bars, fs.agg)
			fs.loaded = true
		}
		trades, err := h.client.GetAggTrades(symbol, fs.lastTradeID+1, aggTradeFetchLimit)
		if err != nil {
			h.logger.Warn().Err(err).Str("symbol", symbol).Msg("agg trade fetch failed")
			if v := s.LatestVerdict(symbol); v != nil {
				verdicts = append(verdicts, *v)
			}
			continue
		}
		fresh, newLast := s.FeedTrades(symbol, trades, fs.agg, fs.lastTradeID)
		fs.lastTradeID = newLast
		if fresh != nil {
			verdicts = append(verdicts, *fresh)
		} else if v := s.LatestVerdict(symbol); v != nil {
			verdicts = append(verdicts, *v)
		}
	}

	if h.bars != nil {
		if err := h.bars.SaveBars(ctx, symbol, fs.agg.Snapshots(market.PersistBarLimit), fs.lastTradeID); err != nil {
			h.logger.Warn().Err(err).Str("symbol", symbol).Msg("bar cache persist failed")
		}
	}
	return verdicts
}

func (h *FuturesHandler) fetchTimeframes(symbol string, roster *strategy.Roster, mtf config.MTFConfig) map[string][]exchange.Kline {
	required := make(map[string]int)
	for _, s := range roster.Ohlcv {
		if s.RequiredCandles() > required[s.Timeframe()] {
			required[s.Timeframe()] = s.RequiredCandles()
		}
	}
	data := make(map[string][]exchange.Kline, len(required))
	for tf, n := range required {
		limit := n + mtfBufferCandles
		if mtf.Enabled && mtf.CandleLimit > limit {
			limit = mtf.CandleLimit
		}
		klines, err := h.klines.Get(symbol, tf, limit)
		if err != nil {
			h.logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf).Msg("kline fetch failed")
			continue
		}
		data[tf] = klines
	}
	return data
}

func (h *FuturesHandler) currentPrice(data map[string][]exchange.Kline) float64 {
	if klines := h.finestKlines(data); len(klines) > 0 {
		return klines[len(klines)-1].Close
	}
	return 0
}

func (h *FuturesHandler) finestKlines(data map[string][]exchange.Kline) []exchange.Kline {
	best := -1
	var out []exchange.Kline
	for tf, klines := range data {
		m, err := market.TimeframeMinutes(tf)
		if err != nil || len(klines) == 0 {
			continue
		}
		if best == -1 || m < best {
			best = m
			out = klines
		}
	}
	return out
}

func (h *FuturesHandler) checkProtectiveOrders(ctx context.Context, symbol string, price float64, cfg config.FuturesConfig) (bool, error) {
	for _, side := range []string{"long", "short"} {
		pos, ok := h.risk.Position(symbol, side)
		if !ok {
			continue
		}
		if pos.TPOrderID != 0 || pos.SLOrderID != 0 {
			for _, ord := range []struct {
				id   int64
				kind string
			}{{pos.TPOrderID, "take_profit"}, {pos.SLOrderID, "stop_loss"}} {
				if ord.id == 0 {
					continue
				}
				status, err := h.exec.OrderStatus(symbol, ord.id)
				if err != nil {
					continue
				}
				if status.Status == exchange.StatusFilled {
					exitPrice := status.Price
					if exitPrice == 0 {
						exitPrice = price
					}
					pnl := positionPnL(pos, exitPrice)
					h.risk.RemovePosition(symbol, side, pnl)
					h.breaker.RecordClose(h.pnlPct(pnl))
					h.exec.CancelSLTP(symbol, pos.TPOrderID, pos.SLOrderID)
					if err := h.sink.DeletePosition(ctx, symbol, cfg.Mode, "futures", side); err != nil {
						h.logger.Warn().Err(err).Str("symbol", symbol).Msg("position delete failed")
					}
					h.logger.Info().Str("symbol", symbol).Str("side", side).Str("trigger", ord.kind).Float64("pnl", pnl).Msg("protective order filled, position closed")
					return true, nil
				}
			}
			continue
		}
		if triggered, reason := h.risk.CheckSLTP(symbol, side, price); triggered {
			if err := h.close(ctx, "", symbol, side, price, reason, cfg, h.logger); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func positionPnL(pos risk.FuturesPosition, exitPrice float64) float64 {
	if pos.Side == "long" {
		return (exitPrice - pos.EntryPrice) * pos.Quantity
	}
	return (pos.EntryPrice - exitPrice) * pos.Quantity
}

func (h *FuturesHandler) open(ctx context.Context, cycleID, symbol, side string, price, available, marginRatio float64, result decision.Result, klines []exchange.Kline, cfg config.FuturesConfig, log zerolog.Logger) error {
	if ok, reason := h.breaker.CanOpen(); !ok {
		log.Warn().Str("reason", reason).Msg("circuit breaker blocked open")
		return nil
	}
	if h.risk.InCooldown(symbol) {
		log.Debug().Msg("symbol in cooldown, skipping open")
		return nil
	}

	// Funding guard: skip openings when the funding rate is extreme.
	if cfg.FundingRateThreshold > 0 {
		if rate, err := h.client.GetFundingRate(symbol); err == nil && math.Abs(rate) > cfg.FundingRateThreshold {
			log.Info().Float64("funding_rate", rate).Msg("funding rate beyond threshold, skipping open")
			return nil
		}
	}

	signal := strategy.SignalBuy
	if side == "short" {
		signal = strategy.SignalShort
	}
	eval := h.risk.Evaluate(signal, symbol, price, available, marginRatio, result.Horizon, result.LLMSizePct, result.StopLoss, result.TakeProfit, klines)
	if !eval.Approved {
		log.Info().Str("reason", eval.Reason).Msg("open rejected by risk")
		return nil
	}

	if !h.risk.ReserveSlot(symbol, side) {
		log.Info().Msg("slot reservation failed, skipping open")
		return nil
	}
	released := false
	release := func() {
		if !released {
			h.risk.ReleaseSlot(symbol, side)
			released = true
		}
	}
	defer release()

	if err := h.ensureLeverage(symbol, eval.Leverage, cfg); err != nil {
		log.Warn().Err(err).Msg("leverage setup failed, skipping open")
		return nil
	}

	filters, err := h.exec.Filters(symbol)
	if err != nil {
		return err
	}
	qty := eval.Quantity
	if result.LLMOverride {
		if halved := qty / 2; halved*price >= filters.MinNotional {
			qty = halved
			log.Info().Msg("llm override: halving position size")
		}
	}

	orderSide := exchange.SideBuy
	if side == "short" {
		orderSide = exchange.SideSell
	}
	order, err := h.exec.Execute(symbol, orderSide, qty, price, false)
	if err != nil {
		return fmt.Errorf("executing %s open: %w", side, err)
	}

	fillPrice := order.Price
	if fillPrice == 0 {
		fillPrice = price
	}
	pos := &risk.FuturesPosition{
		Symbol:           symbol,
		Side:             side,
		Quantity:         order.ExecutedQty,
		EntryPrice:       fillPrice,
		Leverage:         eval.Leverage,
		StopLoss:         eval.StopLoss,
		TakeProfit:       eval.TakeProfit,
		LiquidationPrice: eval.LiquidationPrice,
		OpenedAt:         time.Now().UTC(),
		Horizon:          result.Horizon,
		Reasoning:        result.Reasoning,
	}

	if oco, err := h.exec.PlaceSLTP(symbol, order.ExecutedQty, side, eval.TakeProfit, eval.StopLoss); err != nil {
		log.Warn().Err(err).Msg("protective order placement failed, relying on price polling")
	} else if oco != nil {
		pos.TPOrderID = oco.TPOrderID
		pos.SLOrderID = oco.SLOrderID
	}

	h.risk.ConfirmPosition(pos)
	released = true
	h.breaker.RecordOpen()

	if err := h.sink.SaveOrder(ctx, store.OrderRecord{
		CycleID: cycleID, Symbol: symbol, MarketType: "futures",
		Side: order.Side, Type: order.Type, Status: order.Status,
		Price: fillPrice, Quantity: order.OrigQty, ExecutedQty: order.ExecutedQty,
		ExchangeID: order.OrderID, Reason: result.Reasoning,
	}); err != nil {
		log.Warn().Err(err).Msg("order persist failed")
	}
	if err := h.sink.UpsertPosition(ctx, store.PositionRecord{
		Symbol: symbol, Mode: cfg.Mode, MarketType: "futures", Side: side,
		Quantity: pos.Quantity, EntryPrice: pos.EntryPrice, Leverage: pos.Leverage,
		StopLoss: pos.StopLoss, TakeProfit: pos.TakeProfit,
		TPOrderID: pos.TPOrderID, SLOrderID: pos.SLOrderID,
		LiquidationPrice: pos.LiquidationPrice,
		OpenedAt:         pos.OpenedAt, Horizon: string(pos.Horizon), Reasoning: pos.Reasoning,
	}); err != nil {
		log.Warn().Err(err).Msg("position persist failed")
	}

	log.Info().Str("side", side).Float64("qty", pos.Quantity).Float64("entry", pos.EntryPrice).Int("leverage", pos.Leverage).Float64("sl", pos.StopLoss).Float64("tp", pos.TakeProfit).Msg("position opened")
	return nil
}

func (h *FuturesHandler) ensureLeverage(symbol string, leverage int, cfg config.FuturesConfig) error {
	if cfg.Mode == "paper" {
		return nil
	}
	h.mu.Lock()
	done := h.levActive[symbol]
	h.mu.Unlock()
	if done {
		return nil
	}
	if err := h.client.EnsureLeverageAndMargin(symbol, leverage, cfg.MarginType); err != nil {
		return err
	}
	h.mu.Lock()
	h.levActive[symbol] = true
	h.mu.Unlock()
	return nil
}

func (h *FuturesHandler) close(ctx context.Context, cycleID, symbol, side string, price float64, reason string, cfg config.FuturesConfig, log zerolog.Logger) error {
	pos, ok := h.risk.Position(symbol, side)
	if !ok {
		log.Debug().Str("side", side).Msg("no position to close")
		return nil
	}

	h.exec.CancelSLTP(symbol, pos.TPOrderID, pos.SLOrderID)

	orderSide := exchange.SideSell
	if side == "short" {
		orderSide = exchange.SideBuy
	}
	order, err := h.exec.Execute(symbol, orderSide, pos.Quantity, price, true)
	if err != nil {
		return fmt.Errorf("executing %s close: %w", side, err)
	}
	exitPrice := order.Price
	if exitPrice == 0 {
		exitPrice = price
	}
	pnl := positionPnL(pos, exitPrice)
	h.risk.RemovePosition(symbol, side, pnl)
	h.breaker.RecordClose(h.pnlPct(pnl))

	if err := h.sink.SaveOrder(ctx, store.OrderRecord{
		CycleID: cycleID, Symbol: symbol, MarketType: "futures",
		Side: order.Side, Type: order.Type, Status: order.Status,
		Price: exitPrice, Quantity: order.OrigQty, ExecutedQty: order.ExecutedQty,
		ExchangeID: order.OrderID, Reason: reason,
	}); err != nil {
		log.Warn().Err(err).Msg("order persist failed")
	}
	if err := h.sink.DeletePosition(ctx, symbol, cfg.Mode, "futures", side); err != nil {
		log.Warn().Err(err).Msg("position delete failed")
	}

	log.Info().Str("side", side).Float64("pnl", pnl).Str("reason", reason).Msg("position closed")
	return nil
}

func (h *FuturesHandler) pnlPct(pnl float64) float64 {
	balance, err := h.client.GetFuturesBalance()
	if err != nil || balance.Wallet <= 0 {
		return 0
	}
	return pnl / balance.Wallet
}
