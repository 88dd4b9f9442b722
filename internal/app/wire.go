package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/sentibot/internal/blob/s3"
	"github.com/alanyoungcy/sentibot/internal/cache/redis"
	"github.com/alanyoungcy/sentibot/internal/config"
	"github.com/alanyoungcy/sentibot/internal/crypto"
	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/metrics"
	"github.com/alanyoungcy/sentibot/internal/notify"
	"github.com/alanyoungcy/sentibot/internal/platform"
	"github.com/alanyoungcy/sentibot/internal/platform/bybit"
	"github.com/alanyoungcy/sentibot/internal/platform/paper"
	"github.com/alanyoungcy/sentibot/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. It is built by
// Wire and torn down by the returned cleanup function. Optional backends
// (Postgres, S3) leave their fields nil when disabled.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Blob     *s3blob.Client

	// Stores
	PositionStore domain.PositionStore
	OrderStore    domain.OrderStore
	NewsStore     domain.NewsStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Archiver domain.Archiver

	// Exchange is the order-execution backend. Paper is set as well when
	// the backend is the simulator.
	Exchange domain.Exchange
	Paper    *paper.Exchange

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.NewsStore = postgres.NewNewsStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	var priceTTL time.Duration
	if cfg.Redis.CacheTTLMinutes > 0 {
		priceTTL = time.Duration(cfg.Redis.CacheTTLMinutes) * time.Minute
	}
	deps.Redis = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient, priceTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blob = s3Client
		// The archive reads history from Postgres.
		if deps.PositionStore != nil {
			deps.Archiver = s3blob.NewDayArchiver(
				deps.PositionStore, deps.OrderStore, s3Client, s3Client, deps.AuditStore, logger,
			)
		} else {
			logger.WarnContext(ctx, "wire: s3 enabled without postgres, daily archive disabled")
		}
	}

	// --- Exchange ---
	if err := wireExchange(cfg, deps, logger); err != nil {
		return fail(err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireExchange builds the paper simulator or the guarded Bybit client.
func wireExchange(cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	switch strings.ToLower(cfg.Exchange.Kind) {
	case "paper":
		px := paper.New(paper.Config{
			QuoteAsset:     cfg.Trading.QuoteAsset,
			InitialBalance: cfg.Paper.InitialBalance,
			BasePrices:     cfg.Paper.BasePrices,
			Volatility:     cfg.Paper.Volatility,
			SlippageBps:    cfg.Paper.SlippageBps,
		}, logger)
		deps.Paper = px
		deps.Exchange = px
		return nil

	case "bybit":
		secret, err := crypto.LoadSecret(crypto.SecretSource{
			Plain:         cfg.Exchange.APISecret,
			EncryptedPath: cfg.Exchange.EncryptedSecretPath,
			Password:      cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return fmt.Errorf("wire: exchange secret: %w", err)
		}
		client := bybit.NewClient(bybit.Config{
			APIKey:    cfg.Exchange.APIKey,
			APISecret: secret,
			BaseURL:   cfg.Exchange.BaseURL,
			Testnet:   cfg.Exchange.Testnet,
		}, logger)
		deps.Exchange = platform.Guard(client, platform.GuardConfig{
			Name:              "bybit",
			Timeout:           cfg.Exchange.RequestTimeout.Duration,
			RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
			Burst:             cfg.Exchange.Burst,
			BreakerFailures:   cfg.Exchange.BreakerFailures,
			BreakerTimeout:    cfg.Exchange.BreakerTimeout.Duration,
		}, deps.Metrics, logger)
		return nil

	default:
		return fmt.Errorf("wire: exchange kind %q: %w", cfg.Exchange.Kind, domain.ErrInvalidConfig)
	}
}
