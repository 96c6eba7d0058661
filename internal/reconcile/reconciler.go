// Package reconcile realigns in-memory position state with the exchange.
// The exchange is the source of truth: phantoms are dropped, orphans are
// adopted or skipped, and quantity drift is overwritten with exchange
// values. Every pass is idempotent; a second run against an unchanged
// exchange makes no further changes.
package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/store"
)

// driftTolerance is the relative quantity mismatch above which the stored
// record is overwritten with the exchange value.
const driftTolerance = 0.01

// spotDustFraction is the balance-to-quantity ratio below which a spot
// holding is considered gone (sold or transferred outside the bot).
const spotDustFraction = 0.01

// spotDownsizeFraction triggers a quantity downsize when the free balance
// covers less than this share of the tracked quantity.
const spotDownsizeFraction = 0.95

// Reconciler runs the periodic state-vs-exchange comparison for both
// markets.
type Reconciler struct {
	client  exchange.Client
	spot    *risk.SpotEvaluator
	futures *risk.FuturesEvaluator
	sink    store.Sink
	logger  zerolog.Logger

	spotCfg    config.SpotConfig
	futuresCfg config.FuturesConfig
}

func New(client exchange.Client, spot *risk.SpotEvaluator, futures *risk.FuturesEvaluator, sink store.Sink, spotCfg config.SpotConfig, futuresCfg config.FuturesConfig, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:     client,
		spot:       spot,
		futures:    futures,
		sink:       sink,
		logger:     logger.With().Str("component", "reconciler").Logger(),
		spotCfg:    spotCfg,
		futuresCfg: futuresCfg,
	}
}

// UpdateConfig swaps configuration on hot reload.
func (r *Reconciler) UpdateConfig(spotCfg config.SpotConfig, futuresCfg config.FuturesConfig) {
	r.spotCfg = spotCfg
	r.futuresCfg = futuresCfg
}

// AttachFutures binds the futures evaluator when the futures pipeline is
// brought up after boot. Called from the orchestrator goroutine that also
// calls Run, so no locking is needed.
func (r *Reconciler) AttachFutures(futures *risk.FuturesEvaluator) {
	r.futures = futures
}

// Run executes one reconciliation pass. Paper modes are skipped; there is
// no exchange state to compare against.
func (r *Reconciler) Run(ctx context.Context) {
	if r.futures != nil && r.futuresCfg.Enabled && r.futuresCfg.Mode != "paper" {
		if err := r.reconcileFutures(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("futures reconciliation failed")
		}
	}
	if r.spot != nil && r.spotCfg.Mode != "paper" {
		if err := r.reconcileSpot(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("spot reconciliation failed")
		}
	}
}

func (r *Reconciler) reconcileFutures(ctx context.Context) error {
	exchPositions, err := r.client.GetPositions()
	if err != nil {
		return err
	}
	onExchange := make(map[string]exchange.Position, len(exchPositions))
	for _, p := range exchPositions {
		if p.Quantity == 0 {
			continue
		}
		onExchange[p.Symbol+"|"+p.Side] = p
	}

	// Phantoms and drift.
	for _, tracked := range r.futures.Positions() {
		key := tracked.Symbol + "|" + tracked.Side
		live, ok := onExchange[key]
		if !ok {
			r.logger.Warn().Str("symbol", tracked.Symbol).Str("side", tracked.Side).Msg("phantom position, removing from tracking")
			r.futures.RemovePosition(tracked.Symbol, tracked.Side, 0)
			if err := r.sink.DeletePosition(ctx, tracked.Symbol, r.futuresCfg.Mode, "futures", tracked.Side); err != nil {
				r.logger.Warn().Err(err).Str("symbol", tracked.Symbol).Msg("phantom delete persist failed")
			}
			continue
		}
		delete(onExchange, key)

		drift := 0.0
		if tracked.Quantity > 0 {
			drift = math.Abs(live.Quantity-tracked.Quantity) / tracked.Quantity
		}
		if drift > driftTolerance {
			r.logger.Warn().Str("symbol", tracked.Symbol).Str("side", tracked.Side).Float64("tracked_qty", tracked.Quantity).Float64("exchange_qty", live.Quantity).Msg("quantity drift, adopting exchange values")
			updated := tracked
			updated.Quantity = live.Quantity
			updated.EntryPrice = live.EntryPrice
			if live.Leverage > 0 {
				updated.Leverage = live.Leverage
			}
			if live.LiquidationPrice > 0 {
				updated.LiquidationPrice = live.LiquidationPrice
			}
			// Stored protective levels survive only while they still
			// bracket the adopted entry; a stop on the wrong side of a
			// re-entered position would fire instantly.
			if !levelsValid(updated.Side, updated.EntryPrice, updated.StopLoss, updated.TakeProfit) {
				updated.StopLoss, updated.TakeProfit = r.fixedLevels(updated.Side, updated.EntryPrice)
				r.logger.Warn().Str("symbol", updated.Symbol).Str("side", updated.Side).Float64("sl", updated.StopLoss).Float64("tp", updated.TakeProfit).Msg("stored protective levels stale for adopted entry, recomputed")
			}
			r.futures.ReplacePosition(&updated)
			r.persistFutures(ctx, &updated)
		}
	}

	// Orphans.
	pairs := make(map[string]bool, len(r.futuresCfg.Pairs))
	for _, p := range r.futuresCfg.Pairs {
		pairs[p] = true
	}
	for _, live := range onExchange {
		if !pairs[live.Symbol] {
			r.logger.Info().Str("symbol", live.Symbol).Str("side", live.Side).Msg("orphan position on unconfigured pair, leaving untouched")
			continue
		}
		adopted := r.adoptOrphan(live)
		r.futures.AdoptPosition(adopted)
		r.persistFutures(ctx, adopted)
		r.logger.Warn().Str("symbol", live.Symbol).Str("side", live.Side).Float64("qty", live.Quantity).Msg("orphan position adopted")
	}
	return nil
}

// adoptOrphan builds a tracked record for an exchange position the bot did
// not open. Protective levels fall back to the fixed percentages.
func (r *Reconciler) adoptOrphan(live exchange.Position) *risk.FuturesPosition {
	leverage := live.Leverage
	if r.futuresCfg.Leverage > leverage {
		leverage = r.futuresCfg.Leverage
	}
	pos := &risk.FuturesPosition{
		Symbol:           live.Symbol,
		Side:             live.Side,
		Quantity:         live.Quantity,
		EntryPrice:       live.EntryPrice,
		Leverage:         leverage,
		LiquidationPrice: live.LiquidationPrice,
		OpenedAt:         time.Now().UTC(),
		Horizon:          risk.HorizonMedium,
		Reasoning:        "adopted by reconciliation",
	}
	pos.StopLoss, pos.TakeProfit = r.fixedLevels(live.Side, live.EntryPrice)
	return pos
}

// fixedLevels computes fallback protective levels from the configured
// fixed percentages.
func (r *Reconciler) fixedLevels(side string, entry float64) (sl, tp float64) {
	if side == "long" {
		return entry * (1 - r.futuresCfg.StopLossPct), entry * (1 + r.futuresCfg.TakeProfitPct)
	}
	return entry * (1 + r.futuresCfg.StopLossPct), entry * (1 - r.futuresCfg.TakeProfitPct)
}

// levelsValid reports whether stored SL/TP still sit on the correct sides
// of the entry price.
func levelsValid(side string, entry, sl, tp float64) bool {
	if sl <= 0 || tp <= 0 {
		return false
	}
	if side == "long" {
		return sl < entry && tp > entry
	}
	return sl > entry && tp < entry
}

func (r *Reconciler) persistFutures(ctx context.Context, pos *risk.FuturesPosition) {
	if err := r.sink.UpsertPosition(ctx, store.PositionRecord{
		Symbol: pos.Symbol, Mode: r.futuresCfg.Mode, MarketType: "futures", Side: pos.Side,
		Quantity: pos.Quantity, EntryPrice: pos.EntryPrice, Leverage: pos.Leverage,
		StopLoss: pos.StopLoss, TakeProfit: pos.TakeProfit,
		TPOrderID: pos.TPOrderID, SLOrderID: pos.SLOrderID,
		LiquidationPrice: pos.LiquidationPrice,
		OpenedAt:         pos.OpenedAt, Horizon: string(pos.Horizon), Reasoning: pos.Reasoning,
	}); err != nil {
		r.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("reconciled position persist failed")
	}
}

func (r *Reconciler) reconcileSpot(ctx context.Context) error {
	balances, err := r.client.GetBalances()
	if err != nil {
		return err
	}
	for _, tracked := range r.spot.Positions() {
		base := exchange.BaseAsset(tracked.Symbol)
		held := balances[base]

		switch {
		case held < tracked.Quantity*spotDustFraction:
			r.logger.Warn().Str("symbol", tracked.Symbol).Float64("tracked_qty", tracked.Quantity).Float64("balance", held).Msg("spot holding gone, removing phantom")
			r.spot.RemovePosition(tracked.Symbol, 0)
			if err := r.sink.DeletePosition(ctx, tracked.Symbol, r.spotCfg.Mode, "spot", "long"); err != nil {
				r.logger.Warn().Err(err).Str("symbol", tracked.Symbol).Msg("phantom delete persist failed")
			}
		case held < tracked.Quantity*spotDownsizeFraction:
			r.logger.Warn().Str("symbol", tracked.Symbol).Float64("tracked_qty", tracked.Quantity).Float64("balance", held).Msg("spot holding shrunk, downsizing tracked quantity")
			r.spot.ReplaceQuantity(tracked.Symbol, held)
			if err := r.sink.UpsertPosition(ctx, store.PositionRecord{
				Symbol: tracked.Symbol, Mode: r.spotCfg.Mode, MarketType: "spot", Side: "long",
				Quantity: held, EntryPrice: tracked.EntryPrice,
				StopLoss: tracked.StopLoss, TakeProfit: tracked.TakeProfit,
				TPOrderID: tracked.TPOrderID, SLOrderID: tracked.SLOrderID,
				OpenedAt: tracked.OpenedAt, Horizon: string(tracked.Horizon), Reasoning: tracked.Reasoning,
			}); err != nil {
				r.logger.Warn().Err(err).Str("symbol", tracked.Symbol).Msg("downsized position persist failed")
			}
		}
	}
	return nil
}
