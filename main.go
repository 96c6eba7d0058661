package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/api"
	"trading-supervisor/internal/circuit"
	"trading-supervisor/internal/decision"
	"trading-supervisor/internal/exchange"
	"trading-supervisor/internal/executor"
	"trading-supervisor/internal/handler"
	"trading-supervisor/internal/llm"
	"trading-supervisor/internal/loan"
	"trading-supervisor/internal/logging"
	"trading-supervisor/internal/market"
	"trading-supervisor/internal/orchestrator"
	"trading-supervisor/internal/reconcile"
	"trading-supervisor/internal/risk"
	"trading-supervisor/internal/store"
	"trading-supervisor/internal/strategy"
	"trading-supervisor/internal/vault"
)

const usage = `trading-supervisor <command> [flags]

Commands:
  run              run the supervision loop on the configured interval
  run-async        run the loop driven by the live trade stream
  balance          print spot balances
  futures-balance  print futures wallet and open positions
  loan             print flexible loan status
  loan-guard       run the standalone LTV guardian loop
  validate         check the configuration and exit
  config-push      push the config file as a new hot-reload version
  backtest         replay an agg-trade CSV through an order-flow strategy

Common flags:
  -config string   config file path (default "config.yaml")
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args, false)
	case "run-async":
		err = cmdRun(args, true)
	case "balance":
		err = cmdBalance(args)
	case "futures-balance":
		err = cmdFuturesBalance(args)
	case "loan":
		err = cmdLoan(args)
	case "loan-guard":
		err = cmdLoanGuard(args)
	case "validate":
		err = cmdValidate(args)
	case "config-push":
		err = cmdConfigPush(args)
	case "backtest":
		err = cmdBacktest(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "config.yaml", "config file path")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// buildClient resolves credentials (Vault first when enabled) and returns
// the REST client.
func buildClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (exchange.Client, error) {
	if cfg.Vault.Enabled {
		creds, err := vault.Load(ctx, cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("loading credentials from vault: %w", err)
		}
		cfg.Exchange.APIKey = creds.APIKey
		cfg.Exchange.SecretKey = creds.SecretKey
		logger.Info().Msg("exchange credentials loaded from vault")
	}
	return exchange.NewRESTClient(cfg.Exchange, logger), nil
}

func cmdRun(args []string, async bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Persistence first so the logger can tee into the database buffer.
	var sink store.Sink = store.NopSink{}
	var db *store.DB
	bootLogger := logging.New(cfg.Logging)
	if cfg.Database.Enabled {
		db, err = store.NewDB(cfg.Database, bootLogger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		sink = store.NewRepository(db)
	}

	var logger zerolog.Logger
	var logBuffer *store.LogBuffer
	if cfg.Database.Enabled {
		logBuffer = store.NewLogBuffer(sink)
		defer logBuffer.Close()
		logger = logging.New(cfg.Logging, logBuffer)
	} else {
		logger = bootLogger
	}

	client, err := buildClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	roster, err := strategy.Build(cfg.Strategies)
	if err != nil {
		return fmt.Errorf("building strategy roster: %w", err)
	}

	var completer llm.Completer
	if cfg.LLM.Enabled {
		completer = llm.NewClient(llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    cfg.LLM.Model,
			Timeout:  time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
		})
	}
	engine := decision.NewEngine(cfg.LLM, completer, logger)

	horizons := risk.NewHorizonTable(cfg.Horizon)
	spotRisk := risk.NewSpotEvaluator(cfg.Spot, horizons, logger)

	breaker := circuit.NewBreaker(cfg.Circuit, logger)
	klines := market.NewKlineCache(client, time.Duration(cfg.MTF.CacheTTLSeconds)*time.Second)

	var bars handler.BarStore
	var barCache *store.BarCache
	if cfg.Redis.Enabled {
		barCache = store.NewBarCache(cfg.Redis, logger)
		defer barCache.Close()
		bars = barCache
	}

	// The same constructor serves boot and a hot reload that flips futures
	// on mid-run.
	buildFutures := func(c *config.Config, r *strategy.Roster) (*handler.FuturesHandler, *risk.FuturesEvaluator) {
		futuresRisk := risk.NewFuturesEvaluator(c.Futures, risk.NewHorizonTable(c.Horizon), logger)
		futuresExec := executor.New(client, executor.MarketFutures, c.Futures.Mode, logger)
		h := handler.NewFuturesHandler(c.Futures, c.LLM, c.MTF, client, klines, r, engine, futuresRisk, futuresExec, sink, bars, breaker, logger)
		return h, futuresRisk
	}

	var futuresHandler *handler.FuturesHandler
	var futuresRisk *risk.FuturesEvaluator
	if cfg.Futures.Enabled {
		futuresHandler, futuresRisk = buildFutures(cfg, roster)
	}
	restorePositions(ctx, sink, cfg, spotRisk, futuresRisk, logger)

	spotExec := executor.New(client, executor.MarketSpot, cfg.Spot.Mode, logger)
	spotHandler := handler.NewSpotHandler(cfg.Spot, cfg.LLM, cfg.MTF, client, klines, roster, engine, spotRisk, spotExec, sink, bars, breaker, logger)

	reconciler := reconcile.New(client, spotRisk, futuresRisk, sink, cfg.Spot, cfg.Futures, logger)
	guardian := loan.NewGuardian(cfg.LoanGuard, client, sink, logger)

	orch := orchestrator.New(cfg, roster, orchestrator.Deps{
		Client:       client,
		Spot:         spotHandler,
		Futures:      futuresHandler,
		SpotRisk:     spotRisk,
		FuturesRisk:  futuresRisk,
		Breaker:      breaker,
		Reconciler:   reconciler,
		Guardian:     guardian,
		Sink:         sink,
		BuildFutures: buildFutures,
	}, logger)

	var statusServer *api.Server
	if cfg.Server.Enabled {
		statusServer = api.NewServer(cfg.Server, sink, breaker, orch, logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error().Err(err).Msg("status API stopped")
			}
		}()
	}

	if cfg.LoanGuard.Enabled {
		if err := guardian.Start(); err != nil {
			return err
		}
	}

	if err := orch.Start(async); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	orch.Stop()
	guardian.Stop()
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("status API shutdown failed")
		}
	}
	return nil
}

// restorePositions reloads tracked positions from the sink so a restart
// does not forget open exposure. Reconciliation corrects any staleness on
// the next pass.
func restorePositions(ctx context.Context, sink store.Sink, cfg *config.Config, spotRisk *risk.SpotEvaluator, futuresRisk *risk.FuturesEvaluator, logger zerolog.Logger) {
	recs, err := sink.ListPositions(ctx, cfg.Spot.Mode, "spot")
	if err != nil {
		logger.Warn().Err(err).Msg("spot position restore failed")
	}
	for _, rec := range recs {
		spotRisk.AddPosition(&risk.SpotPosition{
			Symbol:     rec.Symbol,
			Quantity:   rec.Quantity,
			EntryPrice: rec.EntryPrice,
			StopLoss:   rec.StopLoss,
			TakeProfit: rec.TakeProfit,
			TPOrderID:  rec.TPOrderID,
			SLOrderID:  rec.SLOrderID,
			OpenedAt:   rec.OpenedAt,
			Horizon:    risk.NormalizeHorizon(rec.Horizon),
			Reasoning:  rec.Reasoning,
		})
	}
	if len(recs) > 0 {
		logger.Info().Int("count", len(recs)).Msg("spot positions restored")
	}

	if futuresRisk == nil {
		return
	}
	frecs, err := sink.ListPositions(ctx, cfg.Futures.Mode, "futures")
	if err != nil {
		logger.Warn().Err(err).Msg("futures position restore failed")
	}
	for _, rec := range frecs {
		futuresRisk.AdoptPosition(&risk.FuturesPosition{
			Symbol:           rec.Symbol,
			Side:             rec.Side,
			Quantity:         rec.Quantity,
			EntryPrice:       rec.EntryPrice,
			Leverage:         rec.Leverage,
			StopLoss:         rec.StopLoss,
			TakeProfit:       rec.TakeProfit,
			TPOrderID:        rec.TPOrderID,
			SLOrderID:        rec.SLOrderID,
			LiquidationPrice: rec.LiquidationPrice,
			OpenedAt:         rec.OpenedAt,
			Horizon:          risk.NormalizeHorizon(rec.Horizon),
			Reasoning:        rec.Reasoning,
		})
	}
	if len(frecs) > 0 {
		logger.Info().Int("count", len(frecs)).Msg("futures positions restored")
	}
}

func cmdBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	client, err := buildClient(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	balances, err := client.GetBalances()
	if err != nil {
		return fmt.Errorf("fetching balances: %w", err)
	}

	assets := make([]string, 0, len(balances))
	for asset, amount := range balances {
		if amount > 0 {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	if len(assets) == 0 {
		fmt.Println("no balances")
		return nil
	}
	for _, asset := range assets {
		fmt.Printf("%-8s %.8f\n", asset, balances[asset])
	}
	return nil
}

func cmdFuturesBalance(args []string) error {
	fs := flag.NewFlagSet("futures-balance", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	client, err := buildClient(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	balance, err := client.GetFuturesBalance()
	if err != nil {
		return fmt.Errorf("fetching futures balance: %w", err)
	}
	fmt.Printf("wallet:          %.2f USDT\n", balance.Wallet)
	fmt.Printf("available:       %.2f USDT\n", balance.Available)
	fmt.Printf("unrealized pnl:  %+.2f USDT\n", balance.UnrealizedPnL)
	fmt.Printf("margin:          %.2f USDT\n", balance.Margin)

	positions, err := client.GetPositions()
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	open := 0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		open++
		fmt.Printf("%-12s %-5s qty=%.6f entry=%.4f mark=%.4f upnl=%+.2f lev=%dx\n",
			p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.Leverage)
	}
	if open == 0 {
		fmt.Println("no open positions")
	}
	return nil
}

func cmdLoan(args []string) error {
	fs := flag.NewFlagSet("loan", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	client, err := buildClient(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	status, err := client.GetLoanStatus()
	if err != nil {
		return fmt.Errorf("fetching loan status: %w", err)
	}
	if status.TotalDebtUSD == 0 {
		fmt.Println("no outstanding loan")
		return nil
	}
	fmt.Printf("loan asset:       %s\n", status.LoanAsset)
	fmt.Printf("collateral asset: %s\n", status.CollateralAsset)
	fmt.Printf("debt:             %.2f USD\n", status.TotalDebtUSD)
	fmt.Printf("collateral:       %.2f USD\n", status.TotalCollateralUSD)
	fmt.Printf("ltv:              %.4f\n", status.LTV)
	return nil
}

func cmdLoanGuard(args []string) error {
	fs := flag.NewFlagSet("loan-guard", flag.ExitOnError)
	cfgPath := configFlag(fs)
	warn := fs.Float64("warn", 0, "target LTV to steer toward (overrides config)")
	danger := fs.Float64("danger", 0, "LTV that triggers repayment (overrides config)")
	low := fs.Float64("low", 0, "LTV below which the loan is topped up (overrides config)")
	interval := fs.Int("interval", 0, "check interval in seconds (overrides config)")
	dryRun := fs.Bool("dry-run", false, "log actions without executing them")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	guardCfg := cfg.LoanGuard
	if *warn > 0 {
		guardCfg.TargetLTV = *warn
	}
	if *danger > 0 {
		guardCfg.DangerLTV = *danger
	}
	if *low > 0 {
		guardCfg.LowLTV = *low
	}
	if *interval > 0 {
		guardCfg.IntervalSeconds = *interval
	}
	if *dryRun {
		guardCfg.DryRun = true
	}
	if guardCfg.DangerLTV <= guardCfg.TargetLTV {
		return fmt.Errorf("danger LTV %.3f must exceed target LTV %.3f", guardCfg.DangerLTV, guardCfg.TargetLTV)
	}

	logger := logging.New(cfg.Logging)
	ctx := context.Background()
	client, err := buildClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var sink store.Sink = store.NopSink{}
	if cfg.Database.Enabled {
		db, err := store.NewDB(cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		sink = store.NewRepository(db)
	}

	guardian := loan.NewGuardian(guardCfg, client, sink, logger)
	if err := guardian.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	guardian.Stop()
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if _, err := strategy.Build(cfg.Strategies); err != nil {
		return fmt.Errorf("validating strategies: %w", err)
	}
	fmt.Printf("configuration OK (%d strategies, spot %s", len(cfg.Strategies), cfg.Spot.Mode)
	if cfg.Futures.Enabled {
		fmt.Printf(", futures %s", cfg.Futures.Mode)
	}
	fmt.Println(")")
	return nil
}

func cmdConfigPush(args []string) error {
	fs := flag.NewFlagSet("config-push", flag.ExitOnError)
	cfgPath := configFlag(fs)
	note := fs.String("note", "", "note recorded with the pushed version")
	fs.Parse(args)

	raw, err := os.ReadFile(*cfgPath)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return fmt.Errorf("rejecting invalid config: %w", err)
	}
	if _, err := strategy.Build(cfg.Strategies); err != nil {
		return fmt.Errorf("rejecting invalid strategies: %w", err)
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("config-push requires the database to be enabled")
	}

	logger := logging.New(cfg.Logging)
	ctx := context.Background()
	db, err := store.NewDB(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, err := store.NewRepository(db).PushConfigVersion(ctx, string(raw), *note)
	if err != nil {
		return fmt.Errorf("pushing config: %w", err)
	}
	fmt.Printf("pushed config version %d\n", version)
	return nil
}

// backtestHeader is the required first line of an agg-trade CSV.
const backtestHeader = "# ofbars v1"

func cmdBacktest(args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	cfgPath := configFlag(fs)
	symbol := fs.String("symbol", "BTC/USDT", "pair the trades belong to")
	stratName := fs.String("strategy", "cvd_divergence", "order-flow strategy to replay")
	file := fs.String("aggtrade-file", "", "agg-trade CSV file (required)")
	fs.Bool("no-plot", false, "accepted for compatibility, ignored")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("backtest requires -aggtrade-file")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	var params map[string]float64
	for _, s := range cfg.Strategies {
		if s.Name == *stratName {
			params = s.Params
		}
	}
	roster, err := strategy.Build([]config.StrategyConfig{{Name: *stratName, Params: params}})
	if err != nil {
		return err
	}
	if len(roster.OrderFlow) == 0 {
		return fmt.Errorf("%s is not an order-flow strategy", *stratName)
	}
	strat := roster.OrderFlow[0]

	trades, err := readAggTradeCSV(*file)
	if err != nil {
		return err
	}

	agg := market.NewBarAggregator(time.Minute, 0.01, 0)
	counts := make(map[strategy.Signal]int)
	confidence := make(map[strategy.Signal]float64)
	var verdicts int
	var lastID int64

	// Chunked replay mirrors the live per-cycle fetch size.
	const chunk = 1000
	for i := 0; i < len(trades); i += chunk {
		end := i + chunk
		if end > len(trades) {
			end = len(trades)
		}
		v, newLast := strat.FeedTrades(*symbol, trades[i:end], agg, lastID)
		lastID = newLast
		if v != nil {
			verdicts++
			counts[v.Signal]++
			confidence[v.Signal] += v.Confidence
		}
	}

	fmt.Printf("replayed %d trades into %d bars (%s)\n", len(trades), len(agg.Bars()), *symbol)
	fmt.Printf("verdicts: %d\n", verdicts)
	for _, sig := range []strategy.Signal{strategy.SignalBuy, strategy.SignalSell, strategy.SignalHold} {
		n := counts[sig]
		if n == 0 {
			continue
		}
		fmt.Printf("  %-5s %4d  avg confidence %.2f\n", sig, n, confidence[sig]/float64(n))
	}
	return nil
}

// readAggTradeCSV parses the versioned agg-trade format: a "# ofbars v1"
// header line followed by id,price,quantity,time_ms,is_buyer_maker rows.
func readAggTradeCSV(path string) ([]exchange.AggTrade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trade file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	header, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if strings.TrimSpace(header) != backtestHeader {
		return nil, fmt.Errorf("unsupported trade file format (want %q header)", backtestHeader)
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = 5
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing trade rows: %w", err)
	}

	trades := make([]exchange.AggTrade, 0, len(records))
	for i, rec := range records {
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad trade id %q", i+1, rec[0])
		}
		price, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad price %q", i+1, rec[1])
		}
		qty, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad quantity %q", i+1, rec[2])
		}
		ts, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad timestamp %q", i+1, rec[3])
		}
		maker, err := strconv.ParseBool(rec[4])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad maker flag %q", i+1, rec[4])
		}
		trades = append(trades, exchange.AggTrade{ID: id, Price: price, Quantity: qty, Time: ts, IsBuyerMaker: maker})
	}
	return trades, nil
}
