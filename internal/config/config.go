// Package config defines the top-level configuration for the sentiment
// trading bot and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SENTIBOT_* environment variables.
type Config struct {
	Trading  TradingConfig  `toml:"trading"`
	Risk     RiskConfig     `toml:"risk"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Exchange ExchangeConfig `toml:"exchange"`
	Paper    PaperConfig    `toml:"paper"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// TradingConfig controls signal generation and position sizing.
type TradingConfig struct {
	SupportedCoins     []string           `toml:"supported_coins"`
	QuoteAsset         string             `toml:"quote_asset"`
	TradeAmount        float64            `toml:"trade_amount"`
	TradeAmounts       map[string]float64 `toml:"trade_amounts"`
	QuantityPrecision  map[string]int     `toml:"quantity_precision"`
	DefaultPrecision   int                `toml:"default_precision"`
	StopLossPercentage float64            `toml:"stop_loss_percentage"`
	MinSignalStrength  float64            `toml:"min_signal_strength"`
	MinConfidence      float64            `toml:"min_confidence"`
	AutoExecute        bool               `toml:"auto_execute"`
	NewsDedupTTL       duration           `toml:"news_dedup_ttl"`
}

// TradeSymbol maps a coin to its exchange pair (BTC -> BTCUSDT).
func (t TradingConfig) TradeSymbol(coin string) string {
	return domain.TradePair(coin, t.QuoteAsset)
}

// IsSupported reports whether coin is in the supported set, ignoring case.
func (t TradingConfig) IsSupported(coin string) bool {
	for _, c := range t.SupportedCoins {
		if strings.EqualFold(c, coin) {
			return true
		}
	}
	return false
}

// AmountFor returns the quote amount to spend on one entry in coin.
func (t TradingConfig) AmountFor(coin string) float64 {
	if v, ok := t.TradeAmounts[t.TradeSymbol(coin)]; ok && v > 0 {
		return v
	}
	return t.TradeAmount
}

// PrecisionFor returns the number of quantity decimals for coin.
func (t TradingConfig) PrecisionFor(coin string) int {
	if v, ok := t.QuantityPrecision[t.TradeSymbol(coin)]; ok {
		return v
	}
	return t.DefaultPrecision
}

// RiskConfig holds the portfolio-level limits.
type RiskConfig struct {
	MaxOpenPositions int     `toml:"max_open_positions"`
	MaxDailyTrades   int     `toml:"max_daily_trades"`
	DailyLossLimit   float64 `toml:"daily_loss_limit"`
	CheckBalance     bool    `toml:"check_balance"`
}

// Limits converts the section to domain limits.
func (r RiskConfig) Limits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxOpenPositions: r.MaxOpenPositions,
		MaxDailyTrades:   r.MaxDailyTrades,
		DailyLossLimit:   r.DailyLossLimit,
	}
}

// MonitorConfig controls the stop-loss supervision loop and the price
// ticker feeding the dashboard.
type MonitorConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	LockTTL       duration `toml:"lock_ttl"`
	// PriceInterval is the ticker period; zero disables the ticker.
	PriceInterval duration `toml:"price_interval"`
}

// ExchangeConfig selects and configures the order-execution backend.
type ExchangeConfig struct {
	Kind                string   `toml:"kind"` // "paper" or "bybit"
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	BaseURL             string   `toml:"base_url"`
	Testnet             bool     `toml:"testnet"`
	RequestTimeout      duration `toml:"request_timeout"`
	RequestsPerSecond   float64  `toml:"requests_per_second"`
	Burst               int      `toml:"burst"`
	BreakerFailures     int      `toml:"breaker_failures"`
	BreakerTimeout      duration `toml:"breaker_timeout"`

	// Stream follows the public ticker websocket for live prices (bybit only).
	Stream    bool   `toml:"stream"`
	StreamURL string `toml:"stream_url"`
}

// PaperConfig configures the simulated exchange.
type PaperConfig struct {
	InitialBalance float64            `toml:"initial_balance"`
	BasePrices     map[string]float64 `toml:"base_prices"`
	Volatility     float64            `toml:"volatility"`
	SlippageBps    float64            `toml:"slippage_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration wraps time.Duration so it can be decoded from a TOML string.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	WebhookSecret string   `toml:"webhook_secret"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			SupportedCoins: []string{"BTC", "ETH", "BNB", "ADA", "SOL"},
			QuoteAsset:     "USDT",
			TradeAmount:    10.0,
			TradeAmounts: map[string]float64{
				"BTCUSDT": 10.0,
				"ETHUSDT": 10.0,
				"BNBUSDT": 10.0,
				"ADAUSDT": 10.0,
				"SOLUSDT": 10.0,
			},
			QuantityPrecision: map[string]int{
				"BTCUSDT": 6,
				"ETHUSDT": 5,
			},
			DefaultPrecision:   4,
			StopLossPercentage: 0.10,
			MinSignalStrength:  0.5,
			MinConfidence:      0.0,
			AutoExecute:        true,
			NewsDedupTTL:       duration{10 * time.Minute},
		},
		Risk: RiskConfig{
			MaxOpenPositions: 5,
			MaxDailyTrades:   20,
			DailyLossLimit:   100.0,
			CheckBalance:     true,
		},
		Monitor: MonitorConfig{
			Enabled:       true,
			Interval:      duration{30 * time.Second},
			LockTTL:       duration{30 * time.Second},
			PriceInterval: duration{15 * time.Second},
		},
		Exchange: ExchangeConfig{
			Kind:              "paper",
			Testnet:           true,
			RequestTimeout:    duration{10 * time.Second},
			RequestsPerSecond: 5,
			Burst:             5,
			BreakerFailures:   5,
			BreakerTimeout:    duration{60 * time.Second},
		},
		Paper: PaperConfig{
			InitialBalance: 1000.0,
			BasePrices: map[string]float64{
				"BTCUSDT": 45000.0,
				"ETHUSDT": 2800.0,
				"BNBUSDT": 350.0,
				"ADAUSDT": 0.85,
				"SOLUSDT": 95.0,
			},
			Volatility:  0.02,
			SlippageBps: 0,
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "sentibot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "sentibot-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "stop_loss_triggered", "daily_loss_limit", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. The error wraps
// domain.ErrInvalidConfig; trading must not start when it is non-nil.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Trading
	if len(c.Trading.SupportedCoins) == 0 {
		errs = append(errs, "trading: supported_coins must not be empty")
	}
	if c.Trading.QuoteAsset == "" {
		errs = append(errs, "trading: quote_asset must not be empty")
	}
	if c.Trading.TradeAmount <= 0 {
		errs = append(errs, "trading: trade_amount must be > 0")
	}
	for pair, amt := range c.Trading.TradeAmounts {
		if amt <= 0 || math.IsNaN(amt) {
			errs = append(errs, fmt.Sprintf("trading: trade_amounts[%s] must be > 0", pair))
		}
	}
	for pair, p := range c.Trading.QuantityPrecision {
		if p < 0 || p > 12 {
			errs = append(errs, fmt.Sprintf("trading: quantity_precision[%s] must be 0-12", pair))
		}
	}
	if c.Trading.DefaultPrecision < 0 || c.Trading.DefaultPrecision > 12 {
		errs = append(errs, "trading: default_precision must be 0-12")
	}
	if c.Trading.StopLossPercentage <= 0 || c.Trading.StopLossPercentage >= 1 {
		errs = append(errs, "trading: stop_loss_percentage must be in (0, 1)")
	}
	if c.Trading.MinSignalStrength < 0 || c.Trading.MinSignalStrength > 1 {
		errs = append(errs, "trading: min_signal_strength must be in [0, 1]")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		errs = append(errs, "trading: min_confidence must be in [0, 1]")
	}

	// Risk
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if c.Risk.MaxDailyTrades < 1 {
		errs = append(errs, "risk: max_daily_trades must be >= 1")
	}
	if c.Risk.DailyLossLimit <= 0 {
		errs = append(errs, "risk: daily_loss_limit must be > 0")
	}

	// Monitor
	if c.Monitor.Enabled && c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.PriceInterval.Duration < 0 {
		errs = append(errs, "monitor: price_interval must be >= 0")
	}

	// Exchange
	switch strings.ToLower(c.Exchange.Kind) {
	case "paper":
		if c.Paper.InitialBalance < 0 {
			errs = append(errs, "paper: initial_balance must be >= 0")
		}
		if c.Paper.Volatility < 0 || c.Paper.Volatility >= 1 {
			errs = append(errs, "paper: volatility must be in [0, 1)")
		}
		for _, coin := range c.Trading.SupportedCoins {
			if c.Paper.BasePrices[c.Trading.TradeSymbol(coin)] <= 0 {
				errs = append(errs, fmt.Sprintf("paper: base_prices[%s] must be > 0", c.Trading.TradeSymbol(coin)))
			}
		}
	case "bybit":
		if c.Exchange.APIKey == "" {
			errs = append(errs, "exchange: api_key is required for bybit")
		}
		if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for bybit")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("exchange: unknown kind %q (valid: paper, bybit)", c.Exchange.Kind))
	}
	if c.Exchange.RequestTimeout.Duration <= 0 {
		errs = append(errs, "exchange: request_timeout must be > 0")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, "exchange: requests_per_second must be > 0")
	}
	if c.Exchange.BreakerFailures < 1 {
		errs = append(errs, "exchange: breaker_failures must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
		if c.Postgres.DSN == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres.enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
