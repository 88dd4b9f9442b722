package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SENTIBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file and starts from the
// defaults. The returned Config has NOT been validated; the caller should
// invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	return &cfg, nil
}

// normalize upper-cases symbols so lookups are case-insensitive.
func normalize(cfg *Config) {
	for i, c := range cfg.Trading.SupportedCoins {
		cfg.Trading.SupportedCoins[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	cfg.Trading.QuoteAsset = strings.ToUpper(cfg.Trading.QuoteAsset)
	cfg.Trading.TradeAmounts = upperKeys(cfg.Trading.TradeAmounts)
	cfg.Trading.QuantityPrecision = upperKeys(cfg.Trading.QuantityPrecision)
	cfg.Paper.BasePrices = upperKeys(cfg.Paper.BasePrices)
	cfg.Exchange.Kind = strings.ToLower(cfg.Exchange.Kind)
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

func upperKeys[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// applyEnvOverrides reads well-known SENTIBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Trading ──
	setStringSlice(&cfg.Trading.SupportedCoins, "SENTIBOT_TRADING_SUPPORTED_COINS")
	setStr(&cfg.Trading.QuoteAsset, "SENTIBOT_TRADING_QUOTE_ASSET")
	setFloat64(&cfg.Trading.TradeAmount, "SENTIBOT_TRADING_TRADE_AMOUNT")
	setInt(&cfg.Trading.DefaultPrecision, "SENTIBOT_TRADING_DEFAULT_PRECISION")
	setFloat64(&cfg.Trading.StopLossPercentage, "SENTIBOT_TRADING_STOP_LOSS_PERCENTAGE")
	setFloat64(&cfg.Trading.MinSignalStrength, "SENTIBOT_TRADING_MIN_SIGNAL_STRENGTH")
	setFloat64(&cfg.Trading.MinConfidence, "SENTIBOT_TRADING_MIN_CONFIDENCE")
	setBool(&cfg.Trading.AutoExecute, "SENTIBOT_TRADING_AUTO_EXECUTE")
	setDuration(&cfg.Trading.NewsDedupTTL, "SENTIBOT_TRADING_NEWS_DEDUP_TTL")

	// ── Risk ──
	setInt(&cfg.Risk.MaxOpenPositions, "SENTIBOT_RISK_MAX_OPEN_POSITIONS")
	setInt(&cfg.Risk.MaxDailyTrades, "SENTIBOT_RISK_MAX_DAILY_TRADES")
	setFloat64(&cfg.Risk.DailyLossLimit, "SENTIBOT_RISK_DAILY_LOSS_LIMIT")
	setBool(&cfg.Risk.CheckBalance, "SENTIBOT_RISK_CHECK_BALANCE")

	// ── Monitor ──
	setBool(&cfg.Monitor.Enabled, "SENTIBOT_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.Interval, "SENTIBOT_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.LockTTL, "SENTIBOT_MONITOR_LOCK_TTL")
	setDuration(&cfg.Monitor.PriceInterval, "SENTIBOT_MONITOR_PRICE_INTERVAL")

	// ── Exchange ──
	setStr(&cfg.Exchange.Kind, "SENTIBOT_EXCHANGE_KIND")
	setStr(&cfg.Exchange.APIKey, "SENTIBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "SENTIBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "SENTIBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "SENTIBOT_EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.BaseURL, "SENTIBOT_EXCHANGE_BASE_URL")
	setBool(&cfg.Exchange.Testnet, "SENTIBOT_EXCHANGE_TESTNET")
	setDuration(&cfg.Exchange.RequestTimeout, "SENTIBOT_EXCHANGE_REQUEST_TIMEOUT")
	setFloat64(&cfg.Exchange.RequestsPerSecond, "SENTIBOT_EXCHANGE_REQUESTS_PER_SECOND")
	setInt(&cfg.Exchange.Burst, "SENTIBOT_EXCHANGE_BURST")
	setInt(&cfg.Exchange.BreakerFailures, "SENTIBOT_EXCHANGE_BREAKER_FAILURES")
	setDuration(&cfg.Exchange.BreakerTimeout, "SENTIBOT_EXCHANGE_BREAKER_TIMEOUT")
	setBool(&cfg.Exchange.Stream, "SENTIBOT_EXCHANGE_STREAM")
	setStr(&cfg.Exchange.StreamURL, "SENTIBOT_EXCHANGE_STREAM_URL")

	// ── Paper ──
	setFloat64(&cfg.Paper.InitialBalance, "SENTIBOT_PAPER_INITIAL_BALANCE")
	setFloat64(&cfg.Paper.Volatility, "SENTIBOT_PAPER_VOLATILITY")
	setFloat64(&cfg.Paper.SlippageBps, "SENTIBOT_PAPER_SLIPPAGE_BPS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SENTIBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SENTIBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "SENTIBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SENTIBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SENTIBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SENTIBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SENTIBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SENTIBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SENTIBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SENTIBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SENTIBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SENTIBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SENTIBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SENTIBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENTIBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SENTIBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SENTIBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SENTIBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SENTIBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SENTIBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SENTIBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SENTIBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SENTIBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SENTIBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SENTIBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SENTIBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SENTIBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SENTIBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SENTIBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SENTIBOT_SERVER_API_KEY")
	setStr(&cfg.Server.WebhookSecret, "SENTIBOT_SERVER_WEBHOOK_SECRET")
	setInt(&cfg.Server.RateLimit, "SENTIBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SENTIBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPI, "SENTIBOT_NOTIFY_TELEGRAM_API")
	setStr(&cfg.Notify.TelegramToken, "SENTIBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SENTIBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SENTIBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SENTIBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SENTIBOT_MODE")
	setStr(&cfg.LogLevel, "SENTIBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
