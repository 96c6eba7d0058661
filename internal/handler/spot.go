package handler

import (
	"context"
	"fmt"
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

// SpotHandler runs the per-cycle pipeline for one spot symbol at a time.
type SpotHandler struct {
	mu sync.Mutex

	cfg     config.SpotConfig
	llmCfg  config.LLMConfig
	mtfCfg  config.MTFConfig
	client  exchange.Client
	klines  *market.KlineCache
	roster  *strategy.Roster
	engine  *decision.Engine
	risk    *risk.SpotEvaluator
	exec    *executor.Executor
	sink    store.Sink
	bars    BarStore
	breaker *circuit.Breaker
	logger  zerolog.Logger

	lastSlot map[string]int
	flows    map[string]*flowState
}

func NewSpotHandler(cfg config.SpotConfig, llmCfg config.LLMConfig, mtfCfg config.MTFConfig, client exchange.Client, klines *market.KlineCache, roster *strategy.Roster, engine *decision.Engine, riskEval *risk.SpotEvaluator, exec *executor.Executor, sink store.Sink, bars BarStore, breaker *circuit.Breaker, logger zerolog.Logger) *SpotHandler {
	return &SpotHandler{
		cfg:      cfg,
		llmCfg:   llmCfg,
		mtfCfg:   mtfCfg,
		client:   client,
		klines:   klines,
		roster:   roster,
		engine:   engine,
		risk:     riskEval,
		exec:     exec,
		sink:     sink,
		bars:     bars,
		breaker:  breaker,
		logger:   logger.With().Str("component", "spot_handler").Logger(),
		lastSlot: make(map[string]int),
		flows:    make(map[string]*flowState),
	}
}

// Rebind swaps configuration and the strategy roster on hot reload and
// clears slot memoization.
func (h *SpotHandler) Rebind(cfg config.SpotConfig, llmCfg config.LLMConfig, mtfCfg config.MTFConfig, roster *strategy.Roster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	h.llmCfg = llmCfg
	h.mtfCfg = mtfCfg
	h.roster = roster
	h.lastSlot = make(map[string]int)
}

func (h *SpotHandler) snapshot() (config.SpotConfig, config.LLMConfig, config.MTFConfig, *strategy.Roster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg, h.llmCfg, h.mtfCfg, h.roster
}

// ProcessSymbol runs one full pipeline pass for symbol.
func (h *SpotHandler) ProcessSymbol(ctx context.Context, cycleID, symbol string) error {
	cfg, llmCfg, mtfCfg, roster := h.snapshot()
	log := h.logger.With().Str("symbol", symbol).Str("cycle", cycleID).Logger()

	// Order-flow ingestion runs every cycle, before the slot guard.
	flowVerdicts := h.ingestOrderFlow(ctx, cycleID, symbol, roster)

	finest := roster.FinestTimeframeMinutes()
	slot := currentSlot(time.Now(), finest)
	h.mu.Lock()
	if prev, ok := h.lastSlot[symbol]; ok && prev == slot {
		h.mu.Unlock()
		return nil
	}
	h.lastSlot[symbol] = slot
	h.mu.Unlock()

	// Multi-timeframe fetch, grouped by timeframe.
	data := h.fetchTimeframes(symbol, roster, mtfCfg)
	if len(data) == 0 && len(roster.Ohlcv) > 0 {
		return fmt.Errorf("no timeframe returned data for %s", symbol)
	}

	price := h.currentPrice(data, roster)
	if price <= 0 {
		ticker, err := h.client.GetTicker(symbol)
		if err != nil {
			return fmt.Errorf("no price available for %s: %w", symbol, err)
		}
		price = ticker.Last
	}

	// Protective-order check before any new decision.
	if closed, err := h.checkProtectiveOrders(ctx, symbol, price, cfg); err != nil {
		return err
	} else if closed {
		return nil
	}

	// Strategy fan-out into a fresh router.
	router := strategy.NewRouter()
	for _, s := range roster.Ohlcv {
		klines, ok := data[s.Timeframe()]
		if !ok || len(klines) < s.RequiredCandles() {
			continue
		}
		v := s.GenerateVerdict(klines)
		router.Collect(v)
		if err := h.sink.SaveVerdict(ctx, cycleID, symbol, "spot", v); err != nil {
			log.Warn().Err(err).Msg("verdict persist failed")
		}
	}
	for _, v := range flowVerdicts {
		router.Collect(v)
		if err := h.sink.SaveVerdict(ctx, cycleID, symbol, "spot", v); err != nil {
			log.Warn().Err(err).Msg("verdict persist failed")
		}
	}

	balance, err := h.freeBalance("USDT")
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}

	verdicts := router.Verdicts()
	var metrics *risk.Metrics
	finestKlines := h.finestKlines(data, roster)
	if router.HasActionable() {
		metrics = h.risk.PreCalculateMetrics(strategy.SignalBuy, symbol, price, balance, finestKlines, risk.HorizonMedium)
	}

	summary := ""
	if mtfCfg.Enabled {
		summary = mtfSummary(data)
	}
	result := h.engine.Decide(ctx, decision.Request{
		Symbol:     symbol,
		Price:      price,
		MarketType: "spot",
		Verdicts:   verdicts,
		Portfolio:  h.risk.Portfolio(balance, map[string]float64{symbol: price}),
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
		MarketType: "spot",
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

	switch result.Signal {
	case strategy.SignalBuy:
		return h.openLong(ctx, cycleID, symbol, price, balance, result, finestKlines, cfg, log)
	case strategy.SignalSell:
		return h.closeLong(ctx, cycleID, symbol, price, closeReasonStrategy, cfg, log)
	}
	return nil
}

// ingestOrderFlow feeds new aggregated trades through each order-flow
// strategy and returns any fresh or memoized verdicts.
func (h *SpotHandler) ingestOrderFlow(ctx context.Context, cycleID, symbol string, roster *strategy.Roster) []strategy.Verdict {
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

// fetchTimeframes groups OHLCV strategies by timeframe and fetches each
// group once through the TTL cache. With the multi-timeframe summary on,
// the window is widened to its candle limit so the digest indicators have
// enough history.
func (h *SpotHandler) fetchTimeframes(symbol string, roster *strategy.Roster, mtf config.MTFConfig) map[string][]exchange.Kline {
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

func (h *SpotHandler) currentPrice(data map[string][]exchange.Kline, roster *strategy.Roster) float64 {
	if klines := h.finestKlines(data, roster); len(klines) > 0 {
		return klines[len(klines)-1].Close
	}
	return 0
}

func (h *SpotHandler) finestKlines(data map[string][]exchange.Kline, roster *strategy.Roster) []exchange.Kline {
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

func (h *SpotHandler) freeBalance(asset string) (float64, error) {
	if h.cfg.Mode == "paper" {
		return h.exec.PaperBalance(asset), nil
	}
	balances, err := h.client.GetBalances()
	if err != nil {
		return 0, err
	}
	return balances[asset], nil
}

// checkProtectiveOrders polls exchange-side SL/TP orders when present, or
// falls back to price-based trigger checks. Returns true when the position
// was closed.
func (h *SpotHandler) checkProtectiveOrders(ctx context.Context, symbol string, price float64, cfg config.SpotConfig) (bool, error) {
	pos, ok := h.risk.Position(symbol)
	if !ok {
		return false, nil
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
				pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
				h.risk.RemovePosition(symbol, pnl)
				h.breaker.RecordClose(h.pnlPct(pnl))
				// The OCO sibling cancels itself on spot, but clear both ids.
				h.exec.CancelSLTP(symbol, pos.TPOrderID, pos.SLOrderID)
				if err := h.sink.DeletePosition(ctx, symbol, cfg.Mode, "spot", "long"); err != nil {
					h.logger.Warn().Err(err).Str("symbol", symbol).Msg("position delete failed")
				}
				h.logger.Info().Str("symbol", symbol).Str("trigger", ord.kind).Float64("pnl", pnl).Msg("protective order filled, position closed")
				return true, nil
			}
		}
		return false, nil
	}

	if triggered, reason := h.risk.CheckSLTP(symbol, price); triggered {
		if err := h.closeLong(ctx, "", symbol, price, reason, cfg, h.logger); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (h *SpotHandler) openLong(ctx context.Context, cycleID, symbol string, price, balance float64, result decision.Result, klines []exchange.Kline, cfg config.SpotConfig, log zerolog.Logger) error {
	if ok, reason := h.breaker.CanOpen(); !ok {
		log.Warn().Str("reason", reason).Msg("circuit breaker blocked open")
		return nil
	}
	if h.risk.InCooldown(symbol) {
		log.Debug().Msg("symbol in cooldown, skipping open")
		return nil
	}

	// Balance recovery: free USDT exhausted but flexible earn holds some.
	if balance < 1 && cfg.Mode != "paper" {
		if redeemed, err := h.client.RedeemAllUSDTEarn(); err == nil && redeemed > 0 {
			log.Info().Float64("redeemed", redeemed).Msg("redeemed USDT from flexible earn")
			if b, err := h.freeBalance("USDT"); err == nil {
				balance = b
			}
		}
	}

	filters, err := h.exec.Filters(symbol)
	if err != nil {
		return err
	}
	eval := h.risk.Evaluate(strategy.SignalBuy, symbol, price, balance, result.Horizon, result.LLMSizePct, result.StopLoss, result.TakeProfit, klines, filters.MinNotional)
	if !eval.Approved {
		log.Info().Str("reason", eval.Reason).Msg("buy rejected by risk")
		return nil
	}

	qty := eval.Quantity
	if result.LLMOverride {
		// Unsupported-action override trades at half size unless halving
		// would break the exchange minimum notional.
		if halved := qty / 2; halved*price >= filters.MinNotional {
			qty = halved
			log.Info().Msg("llm override: halving position size")
		}
	}

	order, err := h.exec.Execute(symbol, exchange.SideBuy, qty, price, false)
	if err != nil {
		return fmt.Errorf("executing buy: %w", err)
	}

	fillPrice := order.Price
	if fillPrice == 0 {
		fillPrice = price
	}
	pos := &risk.SpotPosition{
		Symbol:     symbol,
		Quantity:   order.ExecutedQty,
		EntryPrice: fillPrice,
		StopLoss:   eval.StopLoss,
		TakeProfit: eval.TakeProfit,
		OpenedAt:   time.Now().UTC(),
		Horizon:    result.Horizon,
		Reasoning:  result.Reasoning,
	}

	if oco, err := h.exec.PlaceSLTP(symbol, order.ExecutedQty, "", eval.TakeProfit, eval.StopLoss); err != nil {
		log.Warn().Err(err).Msg("protective order placement failed, relying on price polling")
	} else if oco != nil {
		pos.TPOrderID = oco.TPOrderID
		pos.SLOrderID = oco.SLOrderID
	}

	h.risk.AddPosition(pos)
	h.breaker.RecordOpen()

	if err := h.sink.SaveOrder(ctx, store.OrderRecord{
		CycleID: cycleID, Symbol: symbol, MarketType: "spot",
		Side: order.Side, Type: order.Type, Status: order.Status,
		Price: fillPrice, Quantity: order.OrigQty, ExecutedQty: order.ExecutedQty,
		ExchangeID: order.OrderID, Reason: result.Reasoning,
	}); err != nil {
		log.Warn().Err(err).Msg("order persist failed")
	}
	if err := h.sink.UpsertPosition(ctx, store.PositionRecord{
		Symbol: symbol, Mode: cfg.Mode, MarketType: "spot", Side: "long",
		Quantity: pos.Quantity, EntryPrice: pos.EntryPrice, Leverage: 1,
		StopLoss: pos.StopLoss, TakeProfit: pos.TakeProfit,
		TPOrderID: pos.TPOrderID, SLOrderID: pos.SLOrderID,
		OpenedAt: pos.OpenedAt, Horizon: string(pos.Horizon), Reasoning: pos.Reasoning,
	}); err != nil {
		log.Warn().Err(err).Msg("position persist failed")
	}

	log.Info().Float64("qty", pos.Quantity).Float64("entry", pos.EntryPrice).Float64("sl", pos.StopLoss).Float64("tp", pos.TakeProfit).Msg("long opened")
	return nil
}

func (h *SpotHandler) closeLong(ctx context.Context, cycleID, symbol string, price float64, reason string, cfg config.SpotConfig, log zerolog.Logger) error {
	pos, ok := h.risk.Position(symbol)
	if !ok {
		log.Debug().Msg("no position to close")
		return nil
	}

	// Strategy-driven closes respect the per-horizon minimum hold; SL/TP
	// triggers pass through.
	if reason == closeReasonStrategy {
		if held := time.Since(pos.OpenedAt); held < risk.MinHold(pos.Horizon) {
			log.Debug().Dur("held", held).Str("horizon", string(pos.Horizon)).Msg("minimum hold not reached, skipping close")
			return nil
		}
	}

	h.exec.CancelSLTP(symbol, pos.TPOrderID, pos.SLOrderID)

	order, err := h.exec.Execute(symbol, exchange.SideSell, pos.Quantity, price, false)
	if err != nil {
		return fmt.Errorf("executing sell: %w", err)
	}
	exitPrice := order.Price
	if exitPrice == 0 {
		exitPrice = price
	}
	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
	h.risk.RemovePosition(symbol, pnl)
	h.breaker.RecordClose(h.pnlPct(pnl))

	if err := h.sink.SaveOrder(ctx, store.OrderRecord{
		CycleID: cycleID, Symbol: symbol, MarketType: "spot",
		Side: order.Side, Type: order.Type, Status: order.Status,
		Price: exitPrice, Quantity: order.OrigQty, ExecutedQty: order.ExecutedQty,
		ExchangeID: order.OrderID, Reason: reason,
	}); err != nil {
		log.Warn().Err(err).Msg("order persist failed")
	}
	if err := h.sink.DeletePosition(ctx, symbol, cfg.Mode, "spot", "long"); err != nil {
		log.Warn().Err(err).Msg("position delete failed")
	}

	log.Info().Float64("pnl", pnl).Str("reason", reason).Msg("long closed")
	return nil
}

// pnlPct expresses a realized PnL as a fraction of the current balance for
// the circuit breaker.
func (h *SpotHandler) pnlPct(pnl float64) float64 {
	balance, err := h.freeBalance("USDT")
	if err != nil || balance <= 0 {
		return 0
	}
	return pnl / balance
}
