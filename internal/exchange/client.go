// Package exchange defines the exchange client surface the rest of the
// system trades through, plus the Binance REST implementation, the paper
// client, and the aggregated-trade WebSocket stream.
package exchange

// Client is the full exchange surface. Market-data methods work without
// credentials; trading and account methods require API keys. All symbols are
// slash form (BTC/USDT); implementations convert at the wire boundary.
type Client interface {
	// Market data.
	GetTicker(symbol string) (*Ticker, error)
	GetOHLCV(symbol, timeframe string, limit int) ([]Kline, error)
	GetAggTrades(symbol string, fromID int64, limit int) ([]AggTrade, error)
	GetSymbolFilters(symbol string) (*SymbolFilters, error)
	GetFuturesSymbolFilters(symbol string) (*SymbolFilters, error)
	GetFundingRate(symbol string) (float64, error)

	// Spot account and orders.
	GetBalances() (map[string]float64, error)
	PlaceMarketOrder(symbol, side string, quantity float64) (*Order, error)
	PlaceOCOSell(symbol string, quantity, takeProfit, stopLoss float64) (*OCOOrders, error)
	CancelOrder(symbol string, orderID int64) error
	GetOrder(symbol string, orderID int64) (*Order, error)
	GetOpenOrders(symbol string) ([]Order, error)
	RedeemAllUSDTEarn() (float64, error)

	// Futures account and orders.
	GetFuturesBalance() (*FuturesBalance, error)
	GetPositions() ([]Position, error)
	GetMarginRatio() (float64, error)
	EnsureLeverageAndMargin(symbol string, leverage int, marginType string) error
	PlaceFuturesMarketOrder(symbol, side string, quantity float64, reduceOnly bool) (*Order, error)
	PlaceFuturesStopMarket(symbol, side string, quantity, stopPrice float64) (int64, error)
	PlaceFuturesTakeProfitMarket(symbol, side string, quantity, stopPrice float64) (int64, error)
	CancelFuturesOrder(symbol string, orderID int64) error
	GetFuturesOrder(symbol string, orderID int64) (*Order, error)
	GetFuturesOpenOrders(symbol string) ([]Order, error)

	// Flexible loan.
	GetLoanStatus() (*LoanStatus, error)
	RepayLoan(asset string, amount float64) error
	BorrowLoan(asset string, amount float64) error
}
