package exchange

import (
	"fmt"
	"sync"
)

// MockClient is an in-memory Client used by tests and by the backtest
// command. Market data is scripted per symbol; orders fill immediately at
// the scripted price.
type MockClient struct {
	mu sync.Mutex

	Prices       map[string]float64
	Klines       map[string][]Kline // keyed symbol+"|"+timeframe
	Trades       map[string][]AggTrade
	Filters      map[string]*SymbolFilters
	FundingRates map[string]float64

	SpotBalances  map[string]float64
	FuturesWallet FuturesBalance
	OpenPositions []Position
	MarginRatio   float64
	Loan          LoanStatus

	nextOrderID int64
	PlacedOrders []Order
	OpenOrderBook map[string][]Order // open protective orders per symbol
	CanceledIDs   []int64
	RedeemAmount  float64

	// Err, when set, is returned by every call. Per-method failure is
	// scripted through FailNext.
	Err      error
	FailNext map[string]error
}

func NewMockClient() *MockClient {
	return &MockClient{
		Prices:        make(map[string]float64),
		Klines:        make(map[string][]Kline),
		Trades:        make(map[string][]AggTrade),
		Filters:       make(map[string]*SymbolFilters),
		FundingRates:  make(map[string]float64),
		SpotBalances:  map[string]float64{"USDT": 10000},
		FuturesWallet: FuturesBalance{Wallet: 10000, Available: 10000},
		OpenOrderBook: make(map[string][]Order),
		FailNext:      make(map[string]error),
		nextOrderID:   1000,
	}
}

func (m *MockClient) fail(method string) error {
	if m.Err != nil {
		return m.Err
	}
	if err, ok := m.FailNext[method]; ok {
		delete(m.FailNext, method)
		return err
	}
	return nil
}

func (m *MockClient) GetTicker(symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetTicker"); err != nil {
		return nil, err
	}
	p, ok := m.Prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no scripted price for %s", symbol)
	}
	return &Ticker{Symbol: symbol, Bid: p * 0.9999, Ask: p * 1.0001, Last: p}, nil
}

func (m *MockClient) GetOHLCV(symbol, timeframe string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOHLCV"); err != nil {
		return nil, err
	}
	ks := m.Klines[symbol+"|"+timeframe]
	if len(ks) == 0 {
		return nil, fmt.Errorf("no scripted klines for %s %s", symbol, timeframe)
	}
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (m *MockClient) GetAggTrades(symbol string, fromID int64, limit int) ([]AggTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetAggTrades"); err != nil {
		return nil, err
	}
	var out []AggTrade
	for _, t := range m.Trades[symbol] {
		if fromID > 0 && t.ID < fromID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockClient) filters(symbol string) *SymbolFilters {
	if f, ok := m.Filters[symbol]; ok {
		return f
	}
	return &SymbolFilters{StepSize: 0.00001, MinQty: 0.00001, MinNotional: 5, TickSize: 0.01}
}

func (m *MockClient) GetSymbolFilters(symbol string) (*SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetSymbolFilters"); err != nil {
		return nil, err
	}
	return m.filters(symbol), nil
}

func (m *MockClient) GetFuturesSymbolFilters(symbol string) (*SymbolFilters, error) {
	return m.GetSymbolFilters(symbol)
}

func (m *MockClient) GetFundingRate(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetFundingRate"); err != nil {
		return 0, err
	}
	return m.FundingRates[symbol], nil
}

func (m *MockClient) GetBalances() (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetBalances"); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(m.SpotBalances))
	for k, v := range m.SpotBalances {
		out[k] = v
	}
	return out, nil
}

func (m *MockClient) newOrder(symbol, side, typ string, qty, price float64, status string) Order {
	m.nextOrderID++
	o := Order{
		Symbol:      symbol,
		OrderID:     m.nextOrderID,
		Side:        side,
		Type:        typ,
		Status:      status,
		Price:       price,
		OrigQty:     qty,
		ExecutedQty: 0,
	}
	if status == StatusFilled {
		o.ExecutedQty = qty
		o.QuoteQty = qty * price
	}
	m.PlacedOrders = append(m.PlacedOrders, o)
	return o
}

func (m *MockClient) PlaceMarketOrder(symbol, side string, quantity float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceMarketOrder"); err != nil {
		return nil, err
	}
	price := m.Prices[symbol]
	o := m.newOrder(symbol, side, "MARKET", quantity, price, StatusFilled)
	base, quote := BaseAsset(symbol), QuoteAsset(symbol)
	if side == SideBuy {
		m.SpotBalances[quote] -= quantity * price
		m.SpotBalances[base] += quantity
	} else {
		m.SpotBalances[base] -= quantity
		m.SpotBalances[quote] += quantity * price
	}
	return &o, nil
}

func (m *MockClient) PlaceOCOSell(symbol string, quantity, takeProfit, stopLoss float64) (*OCOOrders, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceOCOSell"); err != nil {
		return nil, err
	}
	tp := m.newOrder(symbol, SideSell, "LIMIT_MAKER", quantity, takeProfit, StatusNew)
	sl := m.newOrder(symbol, SideSell, "STOP_LOSS_LIMIT", quantity, stopLoss, StatusNew)
	m.OpenOrderBook[symbol] = append(m.OpenOrderBook[symbol], tp, sl)
	return &OCOOrders{TPOrderID: tp.OrderID, SLOrderID: sl.OrderID}, nil
}

func (m *MockClient) cancel(symbol string, orderID int64) error {
	open := m.OpenOrderBook[symbol]
	for i, o := range open {
		if o.OrderID == orderID {
			m.OpenOrderBook[symbol] = append(open[:i], open[i+1:]...)
			m.CanceledIDs = append(m.CanceledIDs, orderID)
			return nil
		}
	}
	return ErrOrderNotFound
}

func (m *MockClient) CancelOrder(symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelOrder"); err != nil {
		return err
	}
	return m.cancel(symbol, orderID)
}

func (m *MockClient) getOrder(symbol string, orderID int64) (*Order, error) {
	for i := len(m.PlacedOrders) - 1; i >= 0; i-- {
		if m.PlacedOrders[i].OrderID == orderID && m.PlacedOrders[i].Symbol == symbol {
			o := m.PlacedOrders[i]
			return &o, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MockClient) GetOrder(symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOrder"); err != nil {
		return nil, err
	}
	return m.getOrder(symbol, orderID)
}

func (m *MockClient) GetOpenOrders(symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]Order, len(m.OpenOrderBook[symbol]))
	copy(out, m.OpenOrderBook[symbol])
	return out, nil
}

func (m *MockClient) RedeemAllUSDTEarn() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RedeemAllUSDTEarn"); err != nil {
		return 0, err
	}
	amt := m.RedeemAmount
	m.RedeemAmount = 0
	m.SpotBalances["USDT"] += amt
	return amt, nil
}

func (m *MockClient) GetFuturesBalance() (*FuturesBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetFuturesBalance"); err != nil {
		return nil, err
	}
	b := m.FuturesWallet
	return &b, nil
}

func (m *MockClient) GetPositions() ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPositions"); err != nil {
		return nil, err
	}
	out := make([]Position, len(m.OpenPositions))
	copy(out, m.OpenPositions)
	return out, nil
}

func (m *MockClient) GetMarginRatio() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetMarginRatio"); err != nil {
		return 0, err
	}
	return m.MarginRatio, nil
}

func (m *MockClient) EnsureLeverageAndMargin(symbol string, leverage int, marginType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("EnsureLeverageAndMargin")
}

func (m *MockClient) PlaceFuturesMarketOrder(symbol, side string, quantity float64, reduceOnly bool) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceFuturesMarketOrder"); err != nil {
		return nil, err
	}
	price := m.Prices[symbol]
	o := m.newOrder(symbol, side, "MARKET", quantity, price, StatusFilled)
	return &o, nil
}

func (m *MockClient) PlaceFuturesStopMarket(symbol, side string, quantity, stopPrice float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceFuturesStopMarket"); err != nil {
		return 0, err
	}
	o := m.newOrder(symbol, side, "STOP_MARKET", quantity, stopPrice, StatusNew)
	m.OpenOrderBook[symbol] = append(m.OpenOrderBook[symbol], o)
	return o.OrderID, nil
}

func (m *MockClient) PlaceFuturesTakeProfitMarket(symbol, side string, quantity, stopPrice float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceFuturesTakeProfitMarket"); err != nil {
		return 0, err
	}
	o := m.newOrder(symbol, side, "TAKE_PROFIT_MARKET", quantity, stopPrice, StatusNew)
	m.OpenOrderBook[symbol] = append(m.OpenOrderBook[symbol], o)
	return o.OrderID, nil
}

func (m *MockClient) CancelFuturesOrder(symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelFuturesOrder"); err != nil {
		return err
	}
	return m.cancel(symbol, orderID)
}

func (m *MockClient) GetFuturesOrder(symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetFuturesOrder"); err != nil {
		return nil, err
	}
	return m.getOrder(symbol, orderID)
}

func (m *MockClient) GetFuturesOpenOrders(symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetFuturesOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]Order, len(m.OpenOrderBook[symbol]))
	copy(out, m.OpenOrderBook[symbol])
	return out, nil
}

func (m *MockClient) GetLoanStatus() (*LoanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetLoanStatus"); err != nil {
		return nil, err
	}
	l := m.Loan
	return &l, nil
}

func (m *MockClient) RepayLoan(asset string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RepayLoan"); err != nil {
		return err
	}
	m.Loan.TotalDebtUSD -= amount
	if m.Loan.TotalCollateralUSD > 0 {
		m.Loan.LTV = m.Loan.TotalDebtUSD / m.Loan.TotalCollateralUSD
	}
	m.SpotBalances[asset] -= amount
	return nil
}

func (m *MockClient) BorrowLoan(asset string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("BorrowLoan"); err != nil {
		return err
	}
	m.Loan.TotalDebtUSD += amount
	if m.Loan.TotalCollateralUSD > 0 {
		m.Loan.LTV = m.Loan.TotalDebtUSD / m.Loan.TotalCollateralUSD
	}
	m.SpotBalances[asset] += amount
	return nil
}
