// Package orchestrator owns the supervision loop: numbered cycles over the
// configured pairs, config hot reload between cycles, periodic
// reconciliation and balance snapshots, and graceful shutdown. One symbol
// failing never stops the cycle; panics are confined to that symbol.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/circuit"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/handler"
	"trading-supervisor/internal/loan"
	"trading-supervisor/internal/reconcile"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/store"
	"trading-supervisor/internal/strategy"
)

// reconcileEveryCycles is how often the exchange-vs-memory comparison runs.
const reconcileEveryCycles = 10

// snapshotEveryCycles is how often balance snapshots are persisted.
const snapshotEveryCycles = 10

// asyncFloor is the minimum spacing between cycles in stream-driven mode.
const asyncFloor = 5 * time.Second

// Orchestrator drives the cycle loop and owns hot reload.
type Orchestrator struct {
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	cfg         *config.Config
	roster      *strategy.Roster
	fingerprint string
	cycleNum    int64

	client      exchange.Client
	spot        *handler.SpotHandler
	futures     *handler.FuturesHandler
	spotRisk    *risk.SpotEvaluator
	futuresRisk *risk.FuturesEvaluator
	breaker     *circuit.Breaker
	reconciler  *reconcile.Reconciler
	guardian    *loan.Guardian
	sink        store.Sink
	logger      zerolog.Logger

	buildFutures func(cfg *config.Config, roster *strategy.Roster) (*handler.FuturesHandler, *risk.FuturesEvaluator)

	stream *exchange.TradeStream
	wake   chan struct{}

	lastCycleAt time.Time
}

type Deps struct {
	Client      exchange.Client
	Spot        *handler.SpotHandler
	Futures     *handler.FuturesHandler
	SpotRisk    *risk.SpotEvaluator
	FuturesRisk *risk.FuturesEvaluator
	Breaker     *circuit.Breaker
	Reconciler  *reconcile.Reconciler
	Guardian    *loan.Guardian
	Sink        store.Sink

	// BuildFutures constructs the futures pipeline when a pushed config
	// enables it after a boot without one.
	BuildFutures func(cfg *config.Config, roster *strategy.Roster) (*handler.FuturesHandler, *risk.FuturesEvaluator)
}

func New(cfg *config.Config, roster *strategy.Roster, deps Deps, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		roster:       roster,
		fingerprint:  cfg.StrategyFingerprint(),
		client:       deps.Client,
		spot:         deps.Spot,
		futures:      deps.Futures,
		spotRisk:     deps.SpotRisk,
		futuresRisk:  deps.FuturesRisk,
		breaker:      deps.Breaker,
		reconciler:   deps.Reconciler,
		guardian:     deps.Guardian,
		buildFutures: deps.BuildFutures,
		sink:         deps.Sink,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the cycle loop. In async mode a websocket trade stream
// wakes the loop early; otherwise cycles run on the configured interval.
func (o *Orchestrator) Start(async bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopChan = make(chan struct{})

	ctx := context.Background()
	if last, err := o.sink.LastCycleNum(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("cycle number resume failed, starting from zero")
	} else {
		o.cycleNum = last
	}

	if async {
		symbols := append([]string{}, o.cfg.Spot.Pairs...)
		if o.cfg.Futures.Enabled {
			symbols = append(symbols, o.cfg.Futures.Pairs...)
		}
		o.stream = exchange.NewTradeStream(o.cfg.Exchange.WSBaseURL, symbols, func(string, exchange.AggTrade) {
			select {
			case o.wake <- struct{}{}:
			default:
			}
		}, o.logger)
		if err := o.stream.Start(); err != nil {
			o.running = false
			return fmt.Errorf("starting trade stream: %w", err)
		}
	}

	o.wg.Add(1)
	go o.loop(async)
	o.logger.Info().Bool("async", async).Int64("resume_cycle", o.cycleNum).Msg("orchestrator started")
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopChan)
	stream := o.stream
	o.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	o.wg.Wait()
	o.logger.Info().Msg("orchestrator stopped")
}

func (o *Orchestrator) loop(async bool) {
	defer o.wg.Done()
	for {
		o.RunCycle(context.Background())

		interval := o.interval()
		if async {
			// Stream trades shorten the wait but never below the floor.
			select {
			case <-o.stopChan:
				return
			case <-time.After(asyncFloor):
			}
			select {
			case <-o.stopChan:
				return
			case <-o.wake:
			case <-time.After(interval - asyncFloor):
			}
			continue
		}
		select {
		case <-o.stopChan:
			return
		case <-time.After(interval):
		}
	}
}

func (o *Orchestrator) interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.CheckInterval()
}

// RunCycle executes one numbered cycle: reload check, per-symbol pipeline
// for both markets, periodic reconciliation and snapshots, heartbeat.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.reloadConfigIfChanged(ctx)

	o.mu.Lock()
	o.cycleNum++
	n := o.cycleNum
	cfg := o.cfg
	futures := o.futures
	o.lastCycleAt = time.Now().UTC()
	o.mu.Unlock()

	cycleID := fmt.Sprintf("c%d", n)
	log := o.logger.With().Str("cycle", cycleID).Logger()
	log.Debug().Msg("cycle start")

	for _, pair := range cfg.Spot.Pairs {
		o.processSymbol(ctx, cycleID, pair, "spot", func() error {
			return o.spot.ProcessSymbol(ctx, cycleID, pair)
		})
	}
	if cfg.Futures.Enabled && futures != nil {
		for _, pair := range cfg.Futures.Pairs {
			o.processSymbol(ctx, cycleID, pair, "futures", func() error {
				return futures.ProcessSymbol(ctx, cycleID, pair)
			})
		}
	}

	if o.reconciler != nil && n%reconcileEveryCycles == 0 {
		o.reconciler.Run(ctx)
	}
	if n%snapshotEveryCycles == 0 {
		o.snapshotBalances(ctx, cfg)
	}
	if err := o.sink.Heartbeat(ctx, n, "ok"); err != nil {
		log.Warn().Err(err).Msg("heartbeat persist failed")
	}
	log.Debug().Msg("cycle done")
}

// processSymbol confines a panic or error to one symbol.
func (o *Orchestrator) processSymbol(ctx context.Context, cycleID, symbol, marketType string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("cycle", cycleID).Str("symbol", symbol).Str("market", marketType).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("symbol pipeline panicked")
		}
	}()
	if err := fn(); err != nil {
		o.logger.Error().Err(err).Str("cycle", cycleID).Str("symbol", symbol).Str("market", marketType).Msg("symbol pipeline failed")
	}
}

// reloadConfigIfChanged pulls the latest pushed config version and rebinds
// components when it is newer. A version that fails to parse or build is
// rejected whole and the running config stays in force.
func (o *Orchestrator) reloadConfigIfChanged(ctx context.Context) {
	latest, err := o.sink.LatestConfigVersion(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("config version check failed")
		return
	}
	if latest == nil || latest.Version <= o.cfg.Version {
		return
	}

	next, err := config.Parse([]byte(latest.YAML))
	if err != nil {
		o.logger.Error().Err(err).Int("version", latest.Version).Msg("pushed config rejected, keeping current")
		return
	}
	next.Version = latest.Version

	newFingerprint := next.StrategyFingerprint()
	rosterChanged := newFingerprint != o.fingerprint
	roster := o.roster
	if rosterChanged {
		roster, err = strategy.Build(next.Strategies)
		if err != nil {
			o.logger.Error().Err(err).Int("version", latest.Version).Msg("pushed strategy roster rejected, keeping current")
			return
		}
	}

	// A version that turns futures on needs the pipeline built before the
	// rebind below can reach it.
	var newFutures *handler.FuturesHandler
	var newFuturesRisk *risk.FuturesEvaluator
	if next.Futures.Enabled && o.futures == nil {
		if o.buildFutures == nil {
			o.logger.Error().Int("version", latest.Version).Msg("pushed config enables futures but no pipeline builder is wired, rejecting")
			return
		}
		newFutures, newFuturesRisk = o.buildFutures(next, roster)
	}

	o.mu.Lock()
	o.cfg = next
	o.roster = roster
	o.fingerprint = newFingerprint
	if newFutures != nil {
		o.futures = newFutures
		o.futuresRisk = newFuturesRisk
	}
	futures := o.futures
	futuresRisk := o.futuresRisk
	o.mu.Unlock()

	horizons := risk.NewHorizonTable(next.Horizon)
	o.spotRisk.UpdateConfig(next.Spot, horizons)
	if futuresRisk != nil {
		futuresRisk.UpdateConfig(next.Futures, horizons)
	}
	o.breaker.UpdateConfig(next.Circuit)
	if o.reconciler != nil {
		if newFuturesRisk != nil {
			o.reconciler.AttachFutures(newFuturesRisk)
		}
		o.reconciler.UpdateConfig(next.Spot, next.Futures)
	}
	o.spot.Rebind(next.Spot, next.LLM, next.MTF, roster)
	if futures != nil {
		futures.Rebind(next.Futures, next.LLM, next.MTF, roster)
	}
	o.applyGuardConfig(next)
	o.logger.Info().Int("version", latest.Version).Bool("roster_changed", rosterChanged).Msg("config reloaded")
}

// applyGuardConfig pushes new thresholds into the loan guardian and toggles
// its loop to match the enabled flag.
func (o *Orchestrator) applyGuardConfig(next *config.Config) {
	if o.guardian == nil {
		return
	}
	o.guardian.UpdateConfig(next.LoanGuard)
	switch {
	case next.LoanGuard.Enabled && !o.guardian.Running():
		if err := o.guardian.Start(); err != nil {
			o.logger.Error().Err(err).Msg("loan guardian start failed")
		}
	case !next.LoanGuard.Enabled && o.guardian.Running():
		o.guardian.Stop()
	}
}

func (o *Orchestrator) snapshotBalances(ctx context.Context, cfg *config.Config) {
	if cfg.Spot.Mode != "paper" {
		if balances, err := o.client.GetBalances(); err != nil {
			o.logger.Warn().Err(err).Msg("spot balance snapshot failed")
		} else {
			usdt := balances["USDT"]
			if err := o.sink.SaveBalanceSnapshot(ctx, "spot", usdt, usdt, 0, 0); err != nil {
				o.logger.Warn().Err(err).Msg("spot snapshot persist failed")
			}
		}
	}
	if cfg.Futures.Enabled && cfg.Futures.Mode != "paper" {
		if fb, err := o.client.GetFuturesBalance(); err != nil {
			o.logger.Warn().Err(err).Msg("futures balance snapshot failed")
		} else {
			ratio, _ := o.client.GetMarginRatio()
			if err := o.sink.SaveBalanceSnapshot(ctx, "futures", fb.Wallet, fb.Available, fb.UnrealizedPnL, ratio); err != nil {
				o.logger.Warn().Err(err).Msg("futures snapshot persist failed")
			}
		}
	}
}

// Status implements the status API surface.
func (o *Orchestrator) Status() map[string]interface{} {
	o.mu.Lock()
	cfg := o.cfg
	n := o.cycleNum
	running := o.running
	last := o.lastCycleAt
	futuresRisk := o.futuresRisk
	o.mu.Unlock()

	out := map[string]interface{}{
		"running":        running,
		"cycle":          n,
		"config_version": cfg.Version,
		"spot_mode":      cfg.Spot.Mode,
		"spot_pairs":     cfg.Spot.Pairs,
		"spot_daily_pnl": o.spotRisk.DailyPnL(),
	}
	if !last.IsZero() {
		out["last_cycle_at"] = last
	}
	if cfg.Futures.Enabled && futuresRisk != nil {
		open, reserved := futuresRisk.OpenCount()
		out["futures_mode"] = cfg.Futures.Mode
		out["futures_pairs"] = cfg.Futures.Pairs
		out["futures_open"] = open
		out["futures_reserved"] = reserved
		out["futures_daily_pnl"] = futuresRisk.DailyPnL()
	}
	return out
}
