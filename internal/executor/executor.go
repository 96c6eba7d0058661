// Package executor translates approved decisions into exchange orders:
// quantity rounding, minimum checks, paper fills, and protective SL/TP
// order placement.
package executor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-supervisor/internal/exchange"
)

// Market selects which order surface of the exchange client is used.
type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

// Executor places orders for one market. Paper mode synthesizes fills at
// the caller-provided price and tracks a simulated quote balance so spot
// sizing stays meaningful without live keys.
type Executor struct {
	client exchange.Client
	market Market
	paper  bool
	logger zerolog.Logger

	mu            sync.Mutex
	filters       map[string]*exchange.SymbolFilters
	paperBalances map[string]float64
	paperOrderID  int64
}

func New(client exchange.Client, market Market, mode string, logger zerolog.Logger) *Executor {
	return &Executor{
		client:        client,
		market:        market,
		paper:         mode == "paper",
		logger:        logger.With().Str("component", "executor").Str("market", string(market)).Logger(),
		filters:       make(map[string]*exchange.SymbolFilters),
		paperBalances: map[string]float64{"USDT": 10000},
		paperOrderID:  1,
	}
}

// SetPaperBalance seeds the simulated balance for an asset.
func (x *Executor) SetPaperBalance(asset string, amount float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.paperBalances[asset] = amount
}

// PaperBalance returns the simulated free balance for an asset.
func (x *Executor) PaperBalance(asset string) float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.paperBalances[asset]
}

// Filters returns the cached trading rules for the symbol, fetching once.
func (x *Executor) Filters(symbol string) (*exchange.SymbolFilters, error) {
	x.mu.Lock()
	if f, ok := x.filters[symbol]; ok {
		x.mu.Unlock()
		return f, nil
	}
	x.mu.Unlock()

	var f *exchange.SymbolFilters
	var err error
	if x.market == MarketFutures {
		f, err = x.client.GetFuturesSymbolFilters(symbol)
	} else {
		f, err = x.client.GetSymbolFilters(symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching symbol filters: %w", err)
	}
	x.mu.Lock()
	x.filters[symbol] = f
	x.mu.Unlock()
	return f, nil
}

// RoundToStep floors qty to the exchange step size.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}

// Execute places a market order. qty is rounded to the step size and
// validated against the exchange minimums; price is the current ticker
// price, used for the notional check and for paper fills. reduceOnly only
// applies to futures closes.
func (x *Executor) Execute(symbol, side string, qty, price float64, reduceOnly bool) (*exchange.Order, error) {
	f, err := x.Filters(symbol)
	if err != nil {
		return nil, err
	}
	qty = RoundToStep(qty, f.StepSize)
	if qty <= 0 || qty < f.MinQty {
		return nil, fmt.Errorf("quantity %.8f below exchange minimum %.8f", qty, f.MinQty)
	}
	if f.MinNotional > 0 && qty*price < f.MinNotional {
		return nil, fmt.Errorf("notional %.2f below exchange minimum %.2f", qty*price, f.MinNotional)
	}

	if x.paper {
		return x.paperFill(symbol, side, qty, price)
	}

	if x.market == MarketFutures {
		order, err := x.client.PlaceFuturesMarketOrder(symbol, side, qty, reduceOnly)
		if err != nil {
			return nil, fmt.Errorf("placing futures order: %w", err)
		}
		// Testnet sometimes acknowledges before the fill lands; requery once.
		if order.ExecutedQty == 0 {
			time.Sleep(500 * time.Millisecond)
			if requeried, qerr := x.client.GetFuturesOrder(symbol, order.OrderID); qerr == nil {
				order = requeried
			} else {
				x.logger.Warn().Err(qerr).Int64("order_id", order.OrderID).Msg("order requery failed")
			}
		}
		return order, nil
	}

	order, err := x.client.PlaceMarketOrder(symbol, side, qty)
	if err != nil {
		return nil, fmt.Errorf("placing spot order: %w", err)
	}
	return order, nil
}

func (x *Executor) paperFill(symbol, side string, qty, price float64) (*exchange.Order, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.paperOrderID++

	if x.market == MarketSpot {
		base, quote := exchange.BaseAsset(symbol), exchange.QuoteAsset(symbol)
		cost := qty * price
		if side == exchange.SideBuy {
			if x.paperBalances[quote] < cost {
				return nil, fmt.Errorf("%w: paper %s balance %.2f < %.2f", exchange.ErrInsufficientBalance, quote, x.paperBalances[quote], cost)
			}
			x.paperBalances[quote] -= cost
			x.paperBalances[base] += qty
		} else {
			if x.paperBalances[base] < qty {
				return nil, fmt.Errorf("%w: paper %s balance %.8f < %.8f", exchange.ErrInsufficientBalance, base, x.paperBalances[base], qty)
			}
			x.paperBalances[base] -= qty
			x.paperBalances[quote] += cost
		}
	}

	order := &exchange.Order{
		Symbol:        symbol,
		OrderID:       x.paperOrderID,
		ClientOrderID: "paper-" + uuid.NewString(),
		Side:          side,
		Type:          "MARKET",
		Status:        exchange.StatusFilled,
		Price:         price,
		OrigQty:       qty,
		ExecutedQty:   qty,
		QuoteQty:      qty * price,
		Time:          time.Now().UTC(),
	}
	x.logger.Info().Str("symbol", symbol).Str("side", side).Float64("qty", qty).Float64("price", price).Msg("paper fill")
	return order, nil
}

// PlaceSLTP attaches protective orders to a filled position. Spot uses one
// OCO sell pair; futures places two independent reduce-only orders on the
// closing side. positionSide is "long" or "short" (futures only). Returns
// nil without error in paper mode; the caller then relies on price polling.
func (x *Executor) PlaceSLTP(symbol string, qty float64, positionSide string, tp, sl float64) (*exchange.OCOOrders, error) {
	if x.paper {
		return nil, nil
	}

	if x.market == MarketSpot {
		oco, err := x.client.PlaceOCOSell(symbol, qty, tp, sl)
		if err != nil {
			return nil, fmt.Errorf("placing OCO: %w", err)
		}
		return oco, nil
	}

	closeSide := exchange.SideSell
	if positionSide == "short" {
		closeSide = exchange.SideBuy
	}
	tpID, err := x.client.PlaceFuturesTakeProfitMarket(symbol, closeSide, qty, tp)
	if err != nil {
		return nil, fmt.Errorf("placing take profit: %w", err)
	}
	slID, err := x.client.PlaceFuturesStopMarket(symbol, closeSide, qty, sl)
	if err != nil {
		// Do not leave a lone TP order behind.
		if cerr := x.client.CancelFuturesOrder(symbol, tpID); cerr != nil && !errors.Is(cerr, exchange.ErrOrderNotFound) {
			x.logger.Warn().Err(cerr).Int64("order_id", tpID).Msg("failed to roll back take profit")
		}
		return nil, fmt.Errorf("placing stop loss: %w", err)
	}
	return &exchange.OCOOrders{TPOrderID: tpID, SLOrderID: slID}, nil
}

// CancelSLTP cancels both protective orders, swallowing not-found errors.
func (x *Executor) CancelSLTP(symbol string, tpID, slID int64) {
	if x.paper {
		return
	}
	cancel := x.client.CancelOrder
	if x.market == MarketFutures {
		cancel = x.client.CancelFuturesOrder
	}
	for _, id := range []int64{tpID, slID} {
		if id == 0 {
			continue
		}
		if err := cancel(symbol, id); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			x.logger.Warn().Err(err).Int64("order_id", id).Str("symbol", symbol).Msg("cancel protective order failed")
		}
	}
}

// OrderStatus fetches the current state of an order on this market.
func (x *Executor) OrderStatus(symbol string, orderID int64) (*exchange.Order, error) {
	if x.market == MarketFutures {
		return x.client.GetFuturesOrder(symbol, orderID)
	}
	return x.client.GetOrder(symbol, orderID)
}
