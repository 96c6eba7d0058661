// Package loan watches the flexible-loan LTV and steers it back toward the
// target: repaying from free balance when the ratio climbs into the danger
// band and optionally re-borrowing when it drops below the low band.
package loan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/store"
)

// Guardian runs the periodic LTV check loop.
type Guardian struct {
	client exchange.Client
	sink   store.Sink
	logger zerolog.Logger

	mu       sync.Mutex
	cfg      config.LoanGuardConfig
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewGuardian(cfg config.LoanGuardConfig, client exchange.Client, sink store.Sink, logger zerolog.Logger) *Guardian {
	return &Guardian{
		cfg:    cfg,
		client: client,
		sink:   sink,
		logger: logger.With().Str("component", "loan_guardian").Logger(),
	}
}

// UpdateConfig swaps the guard thresholds on hot reload. A running loop
// picks them up on its next tick; the interval changes on the next Start.
func (g *Guardian) UpdateConfig(cfg config.LoanGuardConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Running reports whether the guard loop is active.
func (g *Guardian) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Guardian) snapshotConfig() config.LoanGuardConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Start launches the guard loop. Returns an error when already running.
func (g *Guardian) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("loan guardian already running")
	}
	g.running = true
	g.stopChan = make(chan struct{})

	interval := time.Duration(g.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		g.CheckOnce(context.Background())
		for {
			select {
			case <-g.stopChan:
				return
			case <-ticker.C:
				g.CheckOnce(context.Background())
			}
		}
	}()
	g.logger.Info().Dur("interval", interval).Bool("dry_run", g.cfg.DryRun).Msg("loan guardian started")
	return nil
}

// Stop signals the loop and waits for it to exit.
func (g *Guardian) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopChan)
	g.mu.Unlock()
	g.wg.Wait()
	g.logger.Info().Msg("loan guardian stopped")
}

// CheckOnce fetches the loan status and applies at most one corrective
// action. Safe to call directly for the one-shot CLI command.
func (g *Guardian) CheckOnce(ctx context.Context) {
	cfg := g.snapshotConfig()
	status, err := g.client.GetLoanStatus()
	if err != nil {
		g.logger.Warn().Err(err).Msg("loan status fetch failed")
		return
	}
	if status.TotalDebtUSD == 0 {
		g.logger.Debug().Msg("no outstanding loan")
		return
	}

	action := "none"
	switch {
	case status.LTV >= cfg.DangerLTV:
		action = g.repayToTarget(cfg, status)
	case status.LTV >= cfg.TargetLTV:
		g.logger.Warn().Float64("ltv", status.LTV).Float64("target", cfg.TargetLTV).Msg("ltv above target")
		action = "warn"
	case cfg.LowLTV > 0 && status.LTV <= cfg.LowLTV:
		action = g.borrowToTarget(cfg, status)
	}

	g.logger.Info().Float64("ltv", status.LTV).Float64("debt_usd", status.TotalDebtUSD).Float64("collateral_usd", status.TotalCollateralUSD).Str("action", action).Msg("loan health check")
	if err := g.sink.SaveLoanHealth(ctx, status.LTV, status.TotalDebtUSD, status.TotalCollateralUSD, action); err != nil {
		g.logger.Warn().Err(err).Msg("loan health persist failed")
	}
}

// repayToTarget repays enough debt to bring the LTV back to target, capped
// by the free balance of the loan asset.
func (g *Guardian) repayToTarget(cfg config.LoanGuardConfig, status *exchange.LoanStatus) string {
	repay := status.TotalDebtUSD - cfg.TargetLTV*status.TotalCollateralUSD
	if repay <= 0 {
		return "none"
	}

	balances, err := g.client.GetBalances()
	if err != nil {
		g.logger.Warn().Err(err).Msg("balance fetch failed, cannot repay")
		return "repay_failed"
	}
	free := balances[status.LoanAsset]
	if free <= 0 {
		// Flexible earn holdings are the reserve of last resort here.
		if redeemed, rerr := g.client.RedeemAllUSDTEarn(); rerr == nil && redeemed > 0 {
			free = redeemed
			g.logger.Info().Float64("redeemed", redeemed).Msg("redeemed earn balance for repayment")
		}
	}
	if free <= 0 {
		g.logger.Warn().Float64("needed", repay).Msg("no free balance to repay with")
		return "repay_failed"
	}
	if repay > free {
		repay = free
	}

	if cfg.DryRun {
		g.logger.Info().Float64("amount", repay).Str("asset", status.LoanAsset).Msg("dry run, would repay")
		return fmt.Sprintf("dry_run_repay %.2f", repay)
	}
	if err := g.client.RepayLoan(status.LoanAsset, repay); err != nil {
		g.logger.Error().Err(err).Float64("amount", repay).Msg("repay failed")
		return "repay_failed"
	}
	g.logger.Info().Float64("amount", repay).Str("asset", status.LoanAsset).Msg("loan repaid")
	return fmt.Sprintf("repay %.2f", repay)
}

// borrowToTarget borrows back up to the target LTV when the ratio has
// drifted well below it.
func (g *Guardian) borrowToTarget(cfg config.LoanGuardConfig, status *exchange.LoanStatus) string {
	borrow := cfg.TargetLTV*status.TotalCollateralUSD - status.TotalDebtUSD
	if borrow <= 0 {
		return "none"
	}
	if cfg.DryRun {
		g.logger.Info().Float64("amount", borrow).Str("asset", status.LoanAsset).Msg("dry run, would borrow")
		return fmt.Sprintf("dry_run_borrow %.2f", borrow)
	}
	if err := g.client.BorrowLoan(status.LoanAsset, borrow); err != nil {
		g.logger.Error().Err(err).Float64("amount", borrow).Msg("borrow failed")
		return "borrow_failed"
	}
	g.logger.Info().Float64("amount", borrow).Str("asset", status.LoanAsset).Msg("loan topped up")
	return fmt.Sprintf("borrow %.2f", borrow)
}
