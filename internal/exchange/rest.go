package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"trading-supervisor/config"
)

const (
	defaultSpotBaseURL    = "https://api.binance.com"
	defaultFuturesBaseURL = "https://fapi.binance.com"
	testnetSpotBaseURL    = "https://testnet.binance.vision"
	testnetFuturesBaseURL = "https://testnet.binancefuture.com"
)

// RESTClient is the Binance REST implementation of Client.
type RESTClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	futuresURL string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRESTClient builds the client from config. Empty credentials are allowed;
// public market-data endpoints still work, signed endpoints return ErrAuth.
func NewRESTClient(cfg config.ExchangeConfig, logger zerolog.Logger) *RESTClient {
	base := cfg.BaseURL
	futures := cfg.FuturesBaseURL
	if base == "" {
		base = defaultSpotBaseURL
		if cfg.TestNet {
			base = testnetSpotBaseURL
		}
	}
	if futures == "" {
		futures = defaultFuturesBaseURL
		if cfg.TestNet {
			futures = testnetFuturesBaseURL
		}
	}
	return &RESTClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    base,
		futuresURL: futures,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "exchange").Logger(),
	}
}

// apiError is the {"code":…,"msg":…} error body both API families return.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// classify maps known API error codes onto sentinel errors so the retry
// policy can tell permanent failures from transient ones.
func classify(e *apiError) error {
	switch e.Code {
	case -1022, -2014, -2015: // bad signature / invalid key / key permissions
		return fmt.Errorf("%w: %s", ErrAuth, e.Msg)
	case -2010, -2019: // insufficient balance / margin
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, e.Msg)
	case -2013:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, e.Msg)
	case -2022:
		return fmt.Errorf("%w: %s", ErrReduceOnlyRejected, e.Msg)
	}
	return e
}

func isPermanent(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		// Unknown API errors are not retried either; only transport and
		// 5xx/429 failures go through the back-off loop.
		return true
	}
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrReduceOnlyRejected)
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// doRequest issues one HTTP request, optionally signed, and retries transient
// failures with exponential back-off (1s base, x2, 3 retries).
func (c *RESTClient) doRequest(method, base, path string, params url.Values, signed bool) ([]byte, error) {
	var body []byte
	op := func() error {
		b, err := c.doOnce(method, base, path, params, signed)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Str("path", path).Msg("request failed, retrying")
			return err
		}
		body = b
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	if err := backoff.Retry(op, backoff.WithMaxRetries(policy, 3)); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *RESTClient) doOnce(method, base, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if c.apiKey == "" || c.secretKey == "" {
			return nil, fmt.Errorf("%w: missing API credentials", ErrAuth)
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", c.sign(params))
	}

	endpoint := base + path
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequest(method, endpoint+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequest(method, endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Code != 0 {
			return nil, classify(&ae)
		}
		return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

// sign computes the HMAC-SHA256 signature over the sorted query string.
func (c *RESTClient) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Get(k))
	}
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	}
	return 0
}

// --- Market data -----------------------------------------------------------

func (c *RESTClient) GetTicker(symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/api/v3/ticker/bookTicker", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetching ticker %s: %w", symbol, err)
	}
	var raw struct {
		BidPrice float64 `json:"bidPrice,string"`
		AskPrice float64 `json:"askPrice,string"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing ticker: %w", err)
	}
	return &Ticker{
		Symbol: symbol,
		Bid:    raw.BidPrice,
		Ask:    raw.AskPrice,
		Last:   (raw.BidPrice + raw.AskPrice) / 2,
		Time:   time.Now().UTC(),
	}, nil
}

func (c *RESTClient) GetOHLCV(symbol, timeframe string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/api/v3/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetching klines %s %s: %w", symbol, timeframe, err)
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}
	klines := make([]Kline, len(raw))
	for i, r := range raw {
		if len(r) < 10 {
			return nil, fmt.Errorf("malformed kline row %d", i)
		}
		klines[i] = Kline{
			OpenTime:       int64(r[0].(float64)),
			Open:           parseFloat(r[1]),
			High:           parseFloat(r[2]),
			Low:            parseFloat(r[3]),
			Close:          parseFloat(r[4]),
			Volume:         parseFloat(r[5]),
			CloseTime:      int64(r[6].(float64)),
			Trades:         int(parseFloat(r[8])),
			TakerBuyVolume: parseFloat(r[9]),
		}
	}
	return klines, nil
}

func (c *RESTClient) GetAggTrades(symbol string, fromID int64, limit int) ([]AggTrade, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("limit", strconv.Itoa(limit))
	if fromID > 0 {
		params.Set("fromId", strconv.FormatInt(fromID, 10))
	}
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/api/v3/aggTrades", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetching agg trades %s: %w", symbol, err)
	}
	var raw []struct {
		ID           int64   `json:"a"`
		Price        float64 `json:"p,string"`
		Quantity     float64 `json:"q,string"`
		Time         int64   `json:"T"`
		IsBuyerMaker bool    `json:"m"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing agg trades: %w", err)
	}
	trades := make([]AggTrade, len(raw))
	for i, t := range raw {
		trades[i] = AggTrade{ID: t.ID, Price: t.Price, Quantity: t.Quantity, Time: t.Time, IsBuyerMaker: t.IsBuyerMaker}
	}
	return trades, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			TickSize    string `json:"tickSize"`
			MinNotional string `json:"minNotional"`
			Notional    string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *RESTClient) symbolFilters(base, path, symbol string) (*SymbolFilters, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	body, err := c.doRequest(http.MethodGet, base, path, params, false)
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info %s: %w", symbol, err)
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	native := NativeSymbol(symbol)
	for _, s := range info.Symbols {
		if s.Symbol != native {
			continue
		}
		f := &SymbolFilters{}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE", "MARKET_LOT_SIZE":
				if f.StepSize == 0 {
					f.StepSize, _ = strconv.ParseFloat(flt.StepSize, 64)
					f.MinQty, _ = strconv.ParseFloat(flt.MinQty, 64)
				}
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(flt.TickSize, 64)
			case "MIN_NOTIONAL", "NOTIONAL":
				if flt.MinNotional != "" {
					f.MinNotional, _ = strconv.ParseFloat(flt.MinNotional, 64)
				} else {
					f.MinNotional, _ = strconv.ParseFloat(flt.Notional, 64)
				}
			}
		}
		return f, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func (c *RESTClient) GetSymbolFilters(symbol string) (*SymbolFilters, error) {
	return c.symbolFilters(c.baseURL, "/api/v3/exchangeInfo", symbol)
}

func (c *RESTClient) GetFuturesSymbolFilters(symbol string) (*SymbolFilters, error) {
	return c.symbolFilters(c.futuresURL, "/fapi/v1/exchangeInfo", symbol)
}

func (c *RESTClient) GetFundingRate(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	body, err := c.doRequest(http.MethodGet, c.futuresURL, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, fmt.Errorf("fetching funding rate %s: %w", symbol, err)
	}
	var raw struct {
		LastFundingRate float64 `json:"lastFundingRate,string"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parsing funding rate: %w", err)
	}
	return raw.LastFundingRate, nil
}

// --- Spot account ----------------------------------------------------------

func (c *RESTClient) GetBalances() (map[string]float64, error) {
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	var raw struct {
		Balances []struct {
			Asset string  `json:"asset"`
			Free  float64 `json:"free,string"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing account: %w", err)
	}
	out := make(map[string]float64)
	for _, b := range raw.Balances {
		if b.Free > 0 {
			out[b.Asset] = b.Free
		}
	}
	return out, nil
}

type orderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Time                int64   `json:"time"`
	Price               float64 `json:"price,string"`
	AvgPrice            float64 `json:"avgPrice,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	CumQuote            float64 `json:"cumQuote,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

func (r *orderResponse) toOrder(symbol string) *Order {
	price := r.Price
	if price == 0 && r.ExecutedQty > 0 {
		if r.CummulativeQuoteQty > 0 {
			price = r.CummulativeQuoteQty / r.ExecutedQty
		} else if r.CumQuote > 0 {
			price = r.CumQuote / r.ExecutedQty
		} else if r.AvgPrice > 0 {
			price = r.AvgPrice
		}
	}
	ts := r.TransactTime
	if ts == 0 {
		ts = r.Time
	}
	quote := r.CummulativeQuoteQty
	if quote == 0 {
		quote = r.CumQuote
	}
	return &Order{
		Symbol:        symbol,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Side:          r.Side,
		Type:          r.Type,
		Status:        r.Status,
		Price:         price,
		OrigQty:       r.OrigQty,
		ExecutedQty:   r.ExecutedQty,
		QuoteQty:      quote,
		Time:          time.UnixMilli(ts).UTC(),
	}
}

func (c *RESTClient) PlaceMarketOrder(symbol, side string, quantity float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "FULL")
	body, err := c.doRequest(http.MethodPost, c.baseURL, "/api/v3/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("placing %s market order %s: %w", side, symbol, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return resp.toOrder(symbol), nil
}

func (c *RESTClient) PlaceOCOSell(symbol string, quantity, takeProfit, stopLoss float64) (*OCOOrders, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("side", SideSell)
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(takeProfit, 'f', -1, 64))
	params.Set("stopPrice", strconv.FormatFloat(stopLoss, 'f', -1, 64))
	params.Set("stopLimitPrice", strconv.FormatFloat(stopLoss, 'f', -1, 64))
	params.Set("stopLimitTimeInForce", "GTC")
	body, err := c.doRequest(http.MethodPost, c.baseURL, "/api/v3/order/oco", params, true)
	if err != nil {
		return nil, fmt.Errorf("placing OCO sell %s: %w", symbol, err)
	}
	var raw struct {
		Orders []struct {
			OrderID int64 `json:"orderId"`
		} `json:"orders"`
		OrderReports []struct {
			OrderID int64  `json:"orderId"`
			Type    string `json:"type"`
		} `json:"orderReports"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing OCO response: %w", err)
	}
	oco := &OCOOrders{}
	for _, r := range raw.OrderReports {
		switch r.Type {
		case "STOP_LOSS_LIMIT", "STOP_LOSS":
			oco.SLOrderID = r.OrderID
		case "LIMIT_MAKER":
			oco.TPOrderID = r.OrderID
		}
	}
	if oco.SLOrderID == 0 && len(raw.Orders) == 2 {
		oco.SLOrderID = raw.Orders[0].OrderID
		oco.TPOrderID = raw.Orders[1].OrderID
	}
	return oco, nil
}

func (c *RESTClient) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.doRequest(http.MethodDelete, c.baseURL, "/api/v3/order", params, true)
	if err != nil {
		return fmt.Errorf("canceling order %d on %s: %w", orderID, symbol, err)
	}
	return nil
}

func (c *RESTClient) GetOrder(symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/api/v3/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetching order %d on %s: %w", orderID, symbol, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	return resp.toOrder(symbol), nil
}

func (c *RESTClient) GetOpenOrders(symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders %s: %w", symbol, err)
	}
	var resps []orderResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}
	orders := make([]Order, len(resps))
	for i := range resps {
		orders[i] = *resps[i].toOrder(symbol)
	}
	return orders, nil
}

// RedeemAllUSDTEarn redeems every redeemable USDT position from flexible Earn
// back into spot and returns the total amount requested.
func (c *RESTClient) RedeemAllUSDTEarn() (float64, error) {
	params := url.Values{}
	params.Set("asset", "USDT")
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/sapi/v1/simple-earn/flexible/position", params, true)
	if err != nil {
		return 0, fmt.Errorf("fetching earn positions: %w", err)
	}
	var raw struct {
		Rows []struct {
			ProductID   string  `json:"productId"`
			TotalAmount float64 `json:"totalAmount,string"`
			CanRedeem   bool    `json:"canRedeem"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parsing earn positions: %w", err)
	}
	var total float64
	for _, row := range raw.Rows {
		if !row.CanRedeem || row.TotalAmount <= 0 {
			continue
		}
		p := url.Values{}
		p.Set("productId", row.ProductID)
		p.Set("redeemAll", "true")
		if _, err := c.doRequest(http.MethodPost, c.baseURL, "/sapi/v1/simple-earn/flexible/redeem", p, true); err != nil {
			return total, fmt.Errorf("redeeming earn product %s: %w", row.ProductID, err)
		}
		total += row.TotalAmount
	}
	return total, nil
}

// --- Futures account -------------------------------------------------------

func (c *RESTClient) GetFuturesBalance() (*FuturesBalance, error) {
	body, err := c.doRequest(http.MethodGet, c.futuresURL, "/fapi/v2/account", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching futures account: %w", err)
	}
	var raw struct {
		TotalWalletBalance  float64 `json:"totalWalletBalance,string"`
		AvailableBalance    float64 `json:"availableBalance,string"`
		TotalUnrealizedPnL  float64 `json:"totalUnrealizedProfit,string"`
		TotalMaintMargin    float64 `json:"totalMaintMargin,string"`
		TotalInitialMargin  float64 `json:"totalInitialMargin,string"`
		TotalMarginBalance  float64 `json:"totalMarginBalance,string"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing futures account: %w", err)
	}
	return &FuturesBalance{
		Wallet:        raw.TotalWalletBalance,
		Available:     raw.AvailableBalance,
		UnrealizedPnL: raw.TotalUnrealizedPnL,
		Margin:        raw.TotalInitialMargin,
	}, nil
}

func (c *RESTClient) GetPositions() ([]Position, error) {
	body, err := c.doRequest(http.MethodGet, c.futuresURL, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	var raw []struct {
		Symbol           string  `json:"symbol"`
		PositionAmt      float64 `json:"positionAmt,string"`
		EntryPrice       float64 `json:"entryPrice,string"`
		MarkPrice        float64 `json:"markPrice,string"`
		UnrealizedProfit float64 `json:"unRealizedProfit,string"`
		LiquidationPrice float64 `json:"liquidationPrice,string"`
		Leverage         int     `json:"leverage,string"`
		MarginType       string  `json:"marginType"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}
	var positions []Position
	for _, p := range raw {
		if p.PositionAmt == 0 {
			continue
		}
		side := "long"
		qty := p.PositionAmt
		if qty < 0 {
			side = "short"
			qty = -qty
		}
		positions = append(positions, Position{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         qty,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			UnrealizedPnL:    p.UnrealizedProfit,
			LiquidationPrice: p.LiquidationPrice,
			Leverage:         p.Leverage,
			MarginType:       strings.ToUpper(p.MarginType),
		})
	}
	return positions, nil
}

// GetMarginRatio returns maintenance margin / margin balance for the whole
// futures account (0 when no positions are open).
func (c *RESTClient) GetMarginRatio() (float64, error) {
	body, err := c.doRequest(http.MethodGet, c.futuresURL, "/fapi/v2/account", url.Values{}, true)
	if err != nil {
		return 0, fmt.Errorf("fetching futures account: %w", err)
	}
	var raw struct {
		TotalMaintMargin   float64 `json:"totalMaintMargin,string"`
		TotalMarginBalance float64 `json:"totalMarginBalance,string"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parsing futures account: %w", err)
	}
	if raw.TotalMarginBalance <= 0 {
		return 0, nil
	}
	return raw.TotalMaintMargin / raw.TotalMarginBalance, nil
}

func (c *RESTClient) EnsureLeverageAndMargin(symbol string, leverage int, marginType string) error {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := c.doRequest(http.MethodPost, c.futuresURL, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("setting leverage %dx on %s: %w", leverage, symbol, err)
	}
	params = url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("marginType", strings.ToUpper(marginType))
	if _, err := c.doRequest(http.MethodPost, c.futuresURL, "/fapi/v1/marginType", params, true); err != nil {
		// -4046 means the margin type is already set; not an error.
		var ae *apiError
		if errors.As(err, &ae) && ae.Code == -4046 {
			return nil
		}
		return fmt.Errorf("setting margin type on %s: %w", symbol, err)
	}
	return nil
}

func (c *RESTClient) PlaceFuturesMarketOrder(symbol, side string, quantity float64, reduceOnly bool) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	body, err := c.doRequest(http.MethodPost, c.futuresURL, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("placing futures %s order %s: %w", side, symbol, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing futures order response: %w", err)
	}
	return resp.toOrder(symbol), nil
}

func (c *RESTClient) placeFuturesStop(symbol, side, orderType string, quantity, stopPrice float64) (int64, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("stopPrice", strconv.FormatFloat(stopPrice, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	body, err := c.doRequest(http.MethodPost, c.futuresURL, "/fapi/v1/order", params, true)
	if err != nil {
		return 0, fmt.Errorf("placing %s on %s: %w", orderType, symbol, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parsing %s response: %w", orderType, err)
	}
	return resp.OrderID, nil
}

func (c *RESTClient) PlaceFuturesStopMarket(symbol, side string, quantity, stopPrice float64) (int64, error) {
	return c.placeFuturesStop(symbol, side, "STOP_MARKET", quantity, stopPrice)
}

func (c *RESTClient) PlaceFuturesTakeProfitMarket(symbol, side string, quantity, stopPrice float64) (int64, error) {
	return c.placeFuturesStop(symbol, side, "TAKE_PROFIT_MARKET", quantity, stopPrice)
}

func (c *RESTClient) CancelFuturesOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.doRequest(http.MethodDelete, c.futuresURL, "/fapi/v1/order", params, true)
	if err != nil {
		return fmt.Errorf("canceling futures order %d on %s: %w", orderID, symbol, err)
	}
	return nil
}

func (c *RESTClient) GetFuturesOrder(symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.doRequest(http.MethodGet, c.futuresURL, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetching futures order %d on %s: %w", orderID, symbol, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing futures order: %w", err)
	}
	return resp.toOrder(symbol), nil
}

func (c *RESTClient) GetFuturesOpenOrders(symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", NativeSymbol(symbol))
	body, err := c.doRequest(http.MethodGet, c.futuresURL, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetching futures open orders %s: %w", symbol, err)
	}
	var resps []orderResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("parsing futures open orders: %w", err)
	}
	orders := make([]Order, len(resps))
	for i := range resps {
		orders[i] = *resps[i].toOrder(symbol)
	}
	return orders, nil
}

// --- Flexible loan ---------------------------------------------------------

func (c *RESTClient) GetLoanStatus() (*LoanStatus, error) {
	body, err := c.doRequest(http.MethodGet, c.baseURL, "/sapi/v2/loan/flexible/ongoing/orders", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching loan orders: %w", err)
	}
	var raw struct {
		Rows []struct {
			LoanCoin         string  `json:"loanCoin"`
			TotalDebt        float64 `json:"totalDebt,string"`
			CollateralCoin   string  `json:"collateralCoin"`
			CollateralAmount float64 `json:"collateralAmount,string"`
			CurrentLTV       float64 `json:"currentLTV,string"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing loan orders: %w", err)
	}
	status := &LoanStatus{}
	for _, row := range raw.Rows {
		status.LoanAsset = row.LoanCoin
		status.CollateralAsset = row.CollateralCoin
		status.TotalDebtUSD += row.TotalDebt
		if row.CurrentLTV > 0 {
			status.TotalCollateralUSD += row.TotalDebt / row.CurrentLTV
			if row.CurrentLTV > status.LTV {
				status.LTV = row.CurrentLTV
			}
		}
	}
	return status, nil
}

func (c *RESTClient) RepayLoan(asset string, amount float64) error {
	params := url.Values{}
	params.Set("loanCoin", asset)
	params.Set("repayAmount", strconv.FormatFloat(amount, 'f', -1, 64))
	if _, err := c.doRequest(http.MethodPost, c.baseURL, "/sapi/v2/loan/flexible/repay", params, true); err != nil {
		return fmt.Errorf("repaying %f %s: %w", amount, asset, err)
	}
	return nil
}

func (c *RESTClient) BorrowLoan(asset string, amount float64) error {
	params := url.Values{}
	params.Set("loanCoin", asset)
	params.Set("loanAmount", strconv.FormatFloat(amount, 'f', -1, 64))
	if _, err := c.doRequest(http.MethodPost, c.baseURL, "/sapi/v2/loan/flexible/borrow", params, true); err != nil {
		return fmt.Errorf("borrowing %f %s: %w", amount, asset, err)
	}
	return nil
}
