package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full supervisor configuration. It is treated as immutable:
// hot reload builds a fresh value and swaps the pointer atomically.
type Config struct {
	Spot       SpotConfig       `yaml:"spot"`
	Futures    FuturesConfig    `yaml:"futures"`
	Horizon    HorizonConfig    `yaml:"horizon_risk"`
	Strategies []StrategyConfig `yaml:"strategies"`
	LLM        LLMConfig        `yaml:"llm"`
	LoanGuard  LoanGuardConfig  `yaml:"loan_guard"`
	MTF        MTFConfig        `yaml:"mtf"`
	Circuit    CircuitConfig    `yaml:"circuit_breaker"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Vault      VaultConfig      `yaml:"vault"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Version is assigned by the sink when the config is pushed; the
	// orchestrator compares it during hot reload.
	Version int `yaml:"-"`
}

// SpotConfig holds spot market scheduling and risk parameters.
type SpotConfig struct {
	Mode                 string    `yaml:"mode"` // paper, testnet, live
	Pairs                []string  `yaml:"pairs"`
	Timeframe            string    `yaml:"timeframe"`
	CheckIntervalSeconds int       `yaml:"check_interval_seconds"`
	MaxPositionPct       float64   `yaml:"max_position_pct"`
	StopLossPct          float64   `yaml:"stop_loss_pct"`
	TakeProfitPct        float64   `yaml:"take_profit_pct"`
	MaxOpenPositions     int       `yaml:"max_open_positions"`
	MaxDailyLossPct      float64   `yaml:"max_daily_loss_pct"`
	MinRiskReward        float64   `yaml:"min_risk_reward"`
	CooldownMinutes      int       `yaml:"cooldown_minutes"`
	ATR                  ATRConfig `yaml:"atr"`
}

// ATRConfig drives ATR-based SL/TP resolution.
type ATRConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Period       int     `yaml:"period"`
	SLMultiplier float64 `yaml:"sl_multiplier"`
	TPMultiplier float64 `yaml:"tp_multiplier"`
}

// FuturesConfig holds linear perpetual futures parameters.
type FuturesConfig struct {
	Enabled              bool      `yaml:"enabled"`
	Mode                 string    `yaml:"mode"` // paper, testnet, live
	Pairs                []string  `yaml:"pairs"`
	Leverage             int       `yaml:"leverage"`
	MaxLeverage          int       `yaml:"max_leverage"`
	MarginType           string    `yaml:"margin_type"` // CROSSED or ISOLATED
	Timeframe            string    `yaml:"timeframe"`
	CheckIntervalSeconds int       `yaml:"check_interval_seconds"`
	MaxPositionPct       float64   `yaml:"max_position_pct"`
	StopLossPct          float64   `yaml:"stop_loss_pct"`
	TakeProfitPct        float64   `yaml:"take_profit_pct"`
	MaxOpenPositions     int       `yaml:"max_open_positions"`
	MaxDailyLossPct      float64   `yaml:"max_daily_loss_pct"`
	MaxMarginRatio       float64   `yaml:"max_margin_ratio"`
	FundingRateThreshold float64   `yaml:"funding_rate_threshold"`
	MinRiskReward        float64   `yaml:"min_risk_reward"`
	CooldownMinutes      int       `yaml:"cooldown_minutes"`
	ATR                  ATRConfig `yaml:"atr"`
}

// HorizonConfig holds per-horizon SL/TP multipliers, fixed percentages,
// sizing factors and R:R floors.
type HorizonConfig struct {
	ShortSLMultiplier  float64 `yaml:"short_sl_multiplier"`
	ShortTPMultiplier  float64 `yaml:"short_tp_multiplier"`
	ShortSLPct         float64 `yaml:"short_sl_pct"`
	ShortTPPct         float64 `yaml:"short_tp_pct"`
	ShortSizeFactor    float64 `yaml:"short_size_factor"`
	ShortMinRR         float64 `yaml:"short_min_rr"`
	MediumSLMultiplier float64 `yaml:"medium_sl_multiplier"`
	MediumTPMultiplier float64 `yaml:"medium_tp_multiplier"`
	MediumSLPct        float64 `yaml:"medium_sl_pct"`
	MediumTPPct        float64 `yaml:"medium_tp_pct"`
	MediumSizeFactor   float64 `yaml:"medium_size_factor"`
	MediumMinRR        float64 `yaml:"medium_min_rr"`
	LongSLMultiplier   float64 `yaml:"long_sl_multiplier"`
	LongTPMultiplier   float64 `yaml:"long_tp_multiplier"`
	LongSLPct          float64 `yaml:"long_sl_pct"`
	LongTPPct          float64 `yaml:"long_tp_pct"`
	LongSizeFactor     float64 `yaml:"long_size_factor"`
	LongMinRR          float64 `yaml:"long_min_rr"`
}

// StrategyConfig describes one entry in the strategy roster.
type StrategyConfig struct {
	Name      string             `yaml:"name"`
	Timeframe string             `yaml:"timeframe"` // empty for order-flow strategies
	Params    map[string]float64 `yaml:"params"`
}

// LLMConfig holds the decision gate configuration.
type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Provider      string  `yaml:"provider"` // claude, openai, deepseek
	Model         string  `yaml:"model"`
	TimeoutSecs   int     `yaml:"timeout"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// LoanGuardConfig holds loan collateral guardian thresholds.
type LoanGuardConfig struct {
	Enabled         bool    `yaml:"enabled"`
	TargetLTV       float64 `yaml:"target_ltv"`
	DangerLTV       float64 `yaml:"danger_ltv"`
	LowLTV          float64 `yaml:"low_ltv"`
	IntervalSeconds int     `yaml:"interval_seconds"`
	DryRun          bool    `yaml:"dry_run"`
}

// MTFConfig controls the multi-timeframe summary fed to the LLM.
type MTFConfig struct {
	Enabled         bool `yaml:"enabled"`
	CandleLimit     int  `yaml:"candle_limit"`
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`
}

// CircuitConfig holds circuit breaker limits applied upstream of the
// risk evaluators.
type CircuitConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxLossPerHour       float64 `yaml:"max_loss_per_hour"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	CooldownMinutes      int     `yaml:"cooldown_minutes"`
	MaxDailyTrades       int     `yaml:"max_daily_trades"`
}

// ExchangeConfig holds exchange connectivity settings. API keys come from
// the environment or Vault, never from the YAML file.
type ExchangeConfig struct {
	APIKey         string `yaml:"-"`
	SecretKey      string `yaml:"-"`
	BaseURL        string `yaml:"base_url"`
	FuturesBaseURL string `yaml:"futures_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	TestNet        bool   `yaml:"testnet"`
}

// DatabaseConfig holds the PostgreSQL sink configuration.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RedisConfig holds the order-flow bar cache configuration.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// VaultConfig holds optional HashiCorp Vault settings for API-key loading.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Token      string `yaml:"-"`
	MountPath  string `yaml:"mount_path"`
	SecretPath string `yaml:"secret_path"`
}

// ServerConfig holds the read-only status API settings.
type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Output     string `yaml:"output"` // stdout, stderr, or file path
	Pretty     bool   `yaml:"pretty"` // console writer instead of JSON
	SinkBuffer bool   `yaml:"sink_buffer"`
}

// Load reads the YAML config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from raw YAML (used for sink-delivered hot reloads).
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Spot: SpotConfig{
			Mode:                 "paper",
			Timeframe:            "15m",
			CheckIntervalSeconds: 60,
			MaxPositionPct:       0.02,
			StopLossPct:          0.03,
			TakeProfitPct:        0.06,
			MaxOpenPositions:     5,
			MaxDailyLossPct:      0.05,
			MinRiskReward:        2.0,
			CooldownMinutes:      30,
			ATR:                  ATRConfig{Enabled: true, Period: 14, SLMultiplier: 1.5, TPMultiplier: 3.0},
		},
		Futures: FuturesConfig{
			Mode:                 "paper",
			Leverage:             5,
			MaxLeverage:          20,
			MarginType:           "CROSSED",
			Timeframe:            "15m",
			CheckIntervalSeconds: 60,
			MaxPositionPct:       0.02,
			StopLossPct:          0.03,
			TakeProfitPct:        0.06,
			MaxOpenPositions:     3,
			MaxDailyLossPct:      0.05,
			MaxMarginRatio:       0.5,
			FundingRateThreshold: 0.0015,
			MinRiskReward:        2.0,
			CooldownMinutes:      30,
			ATR:                  ATRConfig{Enabled: true, Period: 14, SLMultiplier: 1.5, TPMultiplier: 3.0},
		},
		Horizon: HorizonConfig{
			ShortSLMultiplier: 1.0, ShortTPMultiplier: 2.0,
			ShortSLPct: 0.02, ShortTPPct: 0.04,
			ShortSizeFactor: 0.5, ShortMinRR: 1.5,
			MediumSLMultiplier: 1.5, MediumTPMultiplier: 3.0,
			MediumSLPct: 0.03, MediumTPPct: 0.06,
			MediumSizeFactor: 1.0, MediumMinRR: 2.0,
			LongSLMultiplier: 2.0, LongTPMultiplier: 4.0,
			LongSLPct: 0.04, LongTPPct: 0.08,
			LongSizeFactor: 1.5, LongMinRR: 2.5,
		},
		LLM: LLMConfig{
			Enabled:       true,
			Provider:      "claude",
			Model:         "claude-3-haiku-20240307",
			TimeoutSecs:   60,
			MinConfidence: 0.6,
		},
		LoanGuard: LoanGuardConfig{
			TargetLTV:       0.6,
			DangerLTV:       0.75,
			LowLTV:          0.4,
			IntervalSeconds: 300,
			DryRun:          true,
		},
		MTF: MTFConfig{Enabled: true, CandleLimit: 50, CacheTTLSeconds: 30},
		Circuit: CircuitConfig{
			Enabled:              true,
			MaxLossPerHour:       3.0,
			MaxConsecutiveLosses: 5,
			CooldownMinutes:      30,
			MaxDailyTrades:       100,
		},
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.binance.com",
			FuturesBaseURL: "https://fapi.binance.com",
			WSBaseURL:      "wss://stream.binance.com:9443",
		},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "supervisor",
			Database: "supervisor", SSLMode: "disable",
		},
		Redis:   RedisConfig{Address: "localhost:6379"},
		Vault:   VaultConfig{Address: "http://localhost:8200", MountPath: "secret", SecretPath: "trading-supervisor/api-keys"},
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8080, AllowedOrigins: "*"},
		Logging: LoggingConfig{Level: "info", Output: "stdout", SinkBuffer: true},
	}
}

// applyEnvOverrides applies environment variable overrides; these take
// precedence over file values. Credentials only ever come from here or Vault.
func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.FuturesBaseURL = getEnvOrDefault("EXCHANGE_FUTURES_BASE_URL", cfg.Exchange.FuturesBaseURL)
	cfg.Exchange.TestNet = getEnvBoolOrDefault("EXCHANGE_TESTNET", cfg.Exchange.TestNet)

	cfg.Spot.Mode = getEnvOrDefault("SPOT_MODE", cfg.Spot.Mode)
	cfg.Futures.Enabled = getEnvBoolOrDefault("FUTURES_ENABLED", cfg.Futures.Enabled)
	cfg.Futures.Mode = getEnvOrDefault("FUTURES_MODE", cfg.Futures.Mode)

	cfg.LLM.Enabled = getEnvBoolOrDefault("LLM_ENABLED", cfg.LLM.Enabled)
	cfg.LLM.Provider = getEnvOrDefault("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnvOrDefault("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.TimeoutSecs = getEnvIntOrDefault("LLM_TIMEOUT", cfg.LLM.TimeoutSecs)

	cfg.Database.Enabled = getEnvBoolOrDefault("DATABASE_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DATABASE_NAME", cfg.Database.Database)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	for _, mode := range []string{c.Spot.Mode, c.Futures.Mode} {
		switch mode {
		case "paper", "testnet", "live":
		default:
			return fmt.Errorf("invalid mode %q (want paper, testnet or live)", mode)
		}
	}
	if c.Spot.Mode == "live" && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") && !c.Vault.Enabled {
		return fmt.Errorf("live spot mode requires exchange credentials")
	}
	if c.Futures.Enabled && c.Futures.Mode == "live" && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") && !c.Vault.Enabled {
		return fmt.Errorf("live futures mode requires exchange credentials")
	}
	if c.Futures.Leverage < 1 {
		return fmt.Errorf("futures leverage must be >= 1, got %d", c.Futures.Leverage)
	}
	if c.Futures.MaxLeverage > 0 && c.Futures.Leverage > c.Futures.MaxLeverage {
		return fmt.Errorf("futures leverage %d exceeds max_leverage %d", c.Futures.Leverage, c.Futures.MaxLeverage)
	}
	for _, p := range append(append([]string{}, c.Spot.Pairs...), c.Futures.Pairs...) {
		if !strings.Contains(p, "/") {
			return fmt.Errorf("pair %q must use slash form like BTC/USDT", p)
		}
	}
	for _, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategy entry without a name")
		}
	}
	if c.Spot.MaxPositionPct <= 0 || c.Spot.MaxPositionPct > 1 {
		return fmt.Errorf("spot max_position_pct must be in (0, 1], got %v", c.Spot.MaxPositionPct)
	}
	return nil
}

// StrategyFingerprint returns a stable hash over the strategy roster.
// The orchestrator rebuilds the strategy list only when this changes.
func (c *Config) StrategyFingerprint() string {
	entries := make([]string, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		keys := make([]string, 0, len(s.Params))
		for k := range s.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(s.Name)
		b.WriteByte('|')
		b.WriteString(s.Timeframe)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%g", k, s.Params[k])
		}
		entries = append(entries, b.String())
	}
	sort.Strings(entries)
	sum := sha256.Sum256([]byte(strings.Join(entries, "\n")))
	return hex.EncodeToString(sum[:])
}

// CheckInterval returns the cycle sleep duration.
func (c *Config) CheckInterval() time.Duration {
	secs := c.Spot.CheckIntervalSeconds
	if c.Futures.Enabled && c.Futures.CheckIntervalSeconds > 0 && c.Futures.CheckIntervalSeconds < secs {
		secs = c.Futures.CheckIntervalSeconds
	}
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
