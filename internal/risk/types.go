// Package risk owns position state and decides whether signals become
// orders: SL/TP resolution, horizon-scaled sizing, daily loss caps, and for
// futures the margin, R:R, account-risk and liquidation gates.
package risk

import "time"

// SpotPosition is a long spot holding tracked by the spot evaluator.
type SpotPosition struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	TPOrderID  int64
	SLOrderID  int64
	OpenedAt   time.Time
	Horizon    Horizon
	Reasoning  string
}

// FuturesPosition is a leveraged position tracked by the futures evaluator.
type FuturesPosition struct {
	Symbol           string
	Side             string // long or short
	Quantity         float64
	EntryPrice       float64
	Leverage         int
	StopLoss         float64
	TakeProfit       float64
	TPOrderID        int64
	SLOrderID        int64
	LiquidationPrice float64
	OpenedAt         time.Time
	Horizon          Horizon
	Reasoning        string
}

// PositionBrief is the compact position view handed to the decision prompt
// and the status API.
type PositionBrief struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// PortfolioState is the account snapshot rebuilt before each decision.
// DailyRiskRemaining = balance x max_daily_loss_pct + daily_realized_pnl.
type PortfolioState struct {
	AvailableBalance   float64
	Positions          []PositionBrief
	CurrentCount       int
	MaxPositions       int
	DailyRealizedPnL   float64
	DailyRiskRemaining float64

	// Futures only.
	MarginBalance float64
	MarginRatio   float64
	Leverage      int
}

// Metrics are the advisory numbers computed before the LLM call. They do not
// bind the evaluator; evaluate() re-checks everything.
type Metrics struct {
	StopLoss         float64
	TakeProfit       float64
	SLDistance       float64
	TPDistance       float64
	RRRatio          float64
	ATR              float64
	Leverage         int
	LiquidationPrice float64
	AccountRiskPct   float64
	PassesMinRR      bool
	Reason           string
	Method           string

	FibLevels  map[string]float64
	Support    float64
	Resistance float64
	BBUpper    float64
	BBLower    float64
	BBWidth    float64
}

// Evaluation is the evaluator's answer. Rejections are values, not errors.
type Evaluation struct {
	Approved         bool
	Reason           string
	Quantity         float64
	StopLoss         float64
	TakeProfit       float64
	Method           string
	Leverage         int
	LiquidationPrice float64
	RRRatio          float64
}

func reject(reason string) Evaluation {
	return Evaluation{Approved: false, Reason: reason}
}
