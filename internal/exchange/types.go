package exchange

import (
	"errors"
	"strings"
	"time"
)

// Order sides and common order statuses as reported by the exchange.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	StatusNew             = "NEW"
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Sentinel errors the retry layer and callers branch on.
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAuth                = errors.New("authentication failed")
	ErrReduceOnlyRejected  = errors.New("reduce-only order rejected")
)

// Ticker is a best bid/ask snapshot.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Time   time.Time
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime       int64
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	CloseTime      int64
	TakerBuyVolume float64
	Trades         int
}

// AggTrade is one aggregated trade from the public trade feed.
type AggTrade struct {
	ID           int64
	Price        float64
	Quantity     float64
	Time         int64 // milliseconds
	IsBuyerMaker bool  // true means the taker sold
}

// FuturesBalance is the USDT-margined futures wallet snapshot.
type FuturesBalance struct {
	Wallet        float64
	Available     float64
	UnrealizedPnL float64
	Margin        float64
}

// Position is an exchange-reported futures position.
type Position struct {
	Symbol           string
	Side             string // long or short
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	LiquidationPrice float64
	Leverage         int
	MarginType       string
}

// Order is the normalized order record returned by order endpoints.
type Order struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          string
	Type          string
	Status        string
	Price         float64
	OrigQty       float64
	ExecutedQty   float64
	QuoteQty      float64
	Time          time.Time
}

// OCOOrders carries the two legs of a protective order pair.
type OCOOrders struct {
	TPOrderID int64
	SLOrderID int64
}

// SymbolFilters holds the exchange trading rules relevant to sizing.
type SymbolFilters struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
	TickSize    float64
}

// LoanStatus is the flexible-loan account summary used by the loan guardian.
type LoanStatus struct {
	TotalDebtUSD       float64
	TotalCollateralUSD float64
	LTV                float64
	LoanAsset          string
	CollateralAsset    string
}

// NativeSymbol converts a slash-form pair like BTC/USDT to the exchange
// form BTCUSDT. The core always speaks slash form.
func NativeSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// BaseAsset returns the base asset of a slash-form pair.
func BaseAsset(pair string) string {
	if i := strings.IndexByte(pair, '/'); i > 0 {
		return pair[:i]
	}
	return pair
}

// QuoteAsset returns the quote asset of a slash-form pair.
func QuoteAsset(pair string) string {
	if i := strings.IndexByte(pair, '/'); i >= 0 && i+1 < len(pair) {
		return pair[i+1:]
	}
	return ""
}
