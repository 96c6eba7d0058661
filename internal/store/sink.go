// Package store is the persistence layer: the PostgreSQL sink holding the
// dashboard projection (positions, verdicts, decisions, orders, balances,
// heartbeats, logs, loan health, config versions) and the Redis order-flow
// bar cache.
package store

import (
	"context"
	"time"

	"trading-supervisor/internal/strategy"
)

// PositionRecord is the sink projection of a position, keyed by
// (symbol, mode, market_type, side).
type PositionRecord struct {
	Symbol           string
	Mode             string // paper, testnet, live
	MarketType       string // spot, futures
	Side             string // long, short
	Quantity         float64
	EntryPrice       float64
	Leverage         int
	StopLoss         float64
	TakeProfit       float64
	TPOrderID        int64
	SLOrderID        int64
	LiquidationPrice float64
	OpenedAt         time.Time
	Horizon          string
	Reasoning        string
}

// DecisionRecord is one persisted engine decision.
type DecisionRecord struct {
	CycleID    string
	Symbol     string
	MarketType string
	Action     string
	Confidence float64
	Horizon    string
	StopLoss   float64
	TakeProfit float64
	Override   bool
	Reasoning  string
}

// OrderRecord is one persisted fill or attempt.
type OrderRecord struct {
	CycleID     string
	Symbol      string
	MarketType  string
	Side        string
	Type        string
	Status      string
	Price       float64
	Quantity    float64
	ExecutedQty float64
	ExchangeID  int64
	Reason      string
}

// LogEntry is one buffered log record.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
	Raw     []byte
}

// ConfigVersion is one pushed configuration revision.
type ConfigVersion struct {
	Version   int
	YAML      string
	Note      string
	CreatedAt time.Time
}

// Sink is the persistence surface the pipeline writes through. All methods
// must be cheap to call and must not panic; a failing sink degrades to
// logging, never to blocking trading.
type Sink interface {
	UpsertPosition(ctx context.Context, rec PositionRecord) error
	DeletePosition(ctx context.Context, symbol, mode, marketType, side string) error
	ListPositions(ctx context.Context, mode, marketType string) ([]PositionRecord, error)

	SaveVerdict(ctx context.Context, cycleID, symbol, marketType string, v strategy.Verdict) error
	SaveDecision(ctx context.Context, rec DecisionRecord) error
	ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	SaveOrder(ctx context.Context, rec OrderRecord) error

	SaveBalanceSnapshot(ctx context.Context, marketType string, total, available, unrealized, marginRatio float64) error
	Heartbeat(ctx context.Context, cycleNum int64, status string) error
	LastCycleNum(ctx context.Context) (int64, error)

	SaveLogs(ctx context.Context, entries []LogEntry) error
	SaveLoanHealth(ctx context.Context, ltv, debt, collateral float64, action string) error

	LatestConfigVersion(ctx context.Context) (*ConfigVersion, error)
	PushConfigVersion(ctx context.Context, yaml, note string) (int, error)
}

// NopSink discards everything. Used when the database is disabled and in
// tests.
type NopSink struct{}

func (NopSink) UpsertPosition(context.Context, PositionRecord) error          { return nil }
func (NopSink) DeletePosition(context.Context, string, string, string, string) error {
	return nil
}
func (NopSink) ListPositions(context.Context, string, string) ([]PositionRecord, error) {
	return nil, nil
}
func (NopSink) SaveVerdict(context.Context, string, string, string, strategy.Verdict) error {
	return nil
}
func (NopSink) SaveDecision(context.Context, DecisionRecord) error { return nil }
func (NopSink) ListRecentDecisions(context.Context, int) ([]DecisionRecord, error) {
	return nil, nil
}
func (NopSink) SaveOrder(context.Context, OrderRecord) error { return nil }
func (NopSink) SaveBalanceSnapshot(context.Context, string, float64, float64, float64, float64) error {
	return nil
}
func (NopSink) Heartbeat(context.Context, int64, string) error { return nil }
func (NopSink) LastCycleNum(context.Context) (int64, error)    { return 0, nil }
func (NopSink) SaveLogs(context.Context, []LogEntry) error     { return nil }
func (NopSink) SaveLoanHealth(context.Context, float64, float64, float64, string) error {
	return nil
}
func (NopSink) LatestConfigVersion(context.Context) (*ConfigVersion, error) { return nil, nil }
func (NopSink) PushConfigVersion(context.Context, string, string) (int, error) {
	return 0, nil
}
