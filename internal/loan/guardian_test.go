package loan

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/store"
)

func guardConfig() config.LoanGuardConfig {
	return config.LoanGuardConfig{
		Enabled:   true,
		TargetLTV: 0.6,
		DangerLTV: 0.75,
		LowLTV:    0.4,
	}
}

func loanClient(ltv, debt, collateral float64) *exchange.MockClient {
	client := exchange.NewMockClient()
	client.Loan = exchange.LoanStatus{
		LoanAsset:          "USDT",
		CollateralAsset:    "BTC",
		TotalDebtUSD:       debt,
		TotalCollateralUSD: collateral,
		LTV:                ltv,
	}
	return client
}

func TestCheckOnceRepaysAboveDanger(t *testing.T) {
	// LTV 0.8 on 1000 collateral; target 0.6 wants 200 repaid.
	client := loanClient(0.8, 800, 1000)
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if got := client.Loan.TotalDebtUSD; got != 600 {
		t.Errorf("debt after repay = %v, want 600", got)
	}
	if got := client.SpotBalances["USDT"]; got != 9800 {
		t.Errorf("USDT after repay = %v, want 9800", got)
	}
}

func TestCheckOnceRepayCappedByBalance(t *testing.T) {
	client := loanClient(0.8, 800, 1000)
	client.SpotBalances["USDT"] = 50
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if got := client.Loan.TotalDebtUSD; got != 750 {
		t.Errorf("debt = %v, want only the free 50 repaid", got)
	}
}

func TestCheckOnceRedeemsEarnWhenBroke(t *testing.T) {
	client := loanClient(0.8, 800, 1000)
	client.SpotBalances["USDT"] = 0
	client.RedeemAmount = 120
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if got := client.Loan.TotalDebtUSD; got != 680 {
		t.Errorf("debt = %v, want the redeemed 120 repaid", got)
	}
}

func TestCheckOnceDryRunTouchesNothing(t *testing.T) {
	cfg := guardConfig()
	cfg.DryRun = true
	client := loanClient(0.8, 800, 1000)
	g := NewGuardian(cfg, client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if client.Loan.TotalDebtUSD != 800 || client.SpotBalances["USDT"] != 10000 {
		t.Errorf("dry run must not move funds: debt=%v balance=%v", client.Loan.TotalDebtUSD, client.SpotBalances["USDT"])
	}
}

func TestCheckOnceWarnBandOnly(t *testing.T) {
	// Between target and danger: warn, no action.
	client := loanClient(0.65, 650, 1000)
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if client.Loan.TotalDebtUSD != 650 {
		t.Errorf("warn band must not repay, debt = %v", client.Loan.TotalDebtUSD)
	}
}

func TestCheckOnceBorrowsBelowLow(t *testing.T) {
	// LTV 0.3 on 1000 collateral; target 0.6 wants 300 borrowed back.
	client := loanClient(0.3, 300, 1000)
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if got := client.Loan.TotalDebtUSD; got != 600 {
		t.Errorf("debt after top-up = %v, want 600", got)
	}
	if got := client.SpotBalances["USDT"]; got != 10300 {
		t.Errorf("USDT after top-up = %v, want 10300", got)
	}
}

func TestCheckOnceZeroDebtIsIgnored(t *testing.T) {
	client := loanClient(0, 0, 1000)
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	g.CheckOnce(context.Background())

	if client.Loan.TotalDebtUSD != 0 {
		t.Errorf("zero debt must be a no-op, debt = %v", client.Loan.TotalDebtUSD)
	}
}

func TestGuardianStartTwiceFails(t *testing.T) {
	client := loanClient(0, 0, 0)
	g := NewGuardian(guardConfig(), client, store.NopSink{}, zerolog.Nop())

	if err := g.Start(); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	defer g.Stop()
	if err := g.Start(); err == nil {
		t.Error("second start should fail while running")
	}
}
