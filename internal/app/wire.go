package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/archive"
	s3blob "github.com/syntrade/trade-engine/internal/blob/s3"
	"github.com/syntrade/trade-engine/internal/config"
	"github.com/syntrade/trade-engine/internal/lock"
	"github.com/syntrade/trade-engine/internal/notify"
	"github.com/syntrade/trade-engine/internal/payout"
	"github.com/syntrade/trade-engine/internal/pricefeed"
	"github.com/syntrade/trade-engine/internal/store"
)

// PriceFeed is a price source the simulator can also write to.
type PriceFeed interface {
	pricefeed.Source
	pricefeed.Sink
}

// Dependencies bundles the infrastructure the engine runs on. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store    store.Store
	Locker   lock.Locker
	Prices   PriceFeed
	Payouts  *payout.Registry
	Notifier *notify.Notifier
	Archiver *archive.Archiver // nil when no bucket is configured
}

// Wire connects to PostgreSQL, Redis and S3 as configured and returns the
// dependencies with a cleanup function. Missing DATABASE_URL falls back to
// the in-memory store; missing REDIS_URL falls back to process-local locks.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Store = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		deps.Store = store.NewMemoryStore()
	}

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis ping: %w", err)
		}

		if pool != nil {
			deps.Store = store.NewCachedStore(deps.Store, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled")
		}
		deps.Locker = lock.NewRedis(rdb, cfg.Redis.LockPrefix)
	} else {
		deps.Locker = lock.NewLocal()
	}

	// --- Price feed ---
	switch {
	case rdb != nil && cfg.Redis.PriceSource:
		deps.Prices = pricefeed.NewRedisSource(rdb, cfg.Redis.PriceKey, cfg.Redis.PriceRetention.Duration)
		logger.Info("price feed: redis", "key", cfg.Redis.PriceKey)
	case pool != nil:
		deps.Prices = pricefeed.NewPostgresSource(pool)
		logger.Info("price feed: postgres")
	default:
		deps.Prices = pricefeed.NewMemorySource()
		logger.Info("price feed: in-memory")
	}

	// --- Payouts ---
	odds := payout.Odds{
		Boom:    config.Decimal(cfg.Payout.Boom),
		Crash:   config.Decimal(cfg.Payout.Crash),
		EvenOdd: config.Decimal(cfg.Payout.EvenOdd),
		Matches: config.Decimal(cfg.Payout.Matches),
		Differs: config.Decimal(cfg.Payout.Differs),
		Volatility: map[int]decimal.Decimal{
			10: config.Decimal(cfg.Payout.Volatility10),
			25: config.Decimal(cfg.Payout.Volatility25),
		},
	}
	registry, err := payout.NewRegistry(payout.Standard(odds))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: payouts: %w", err)
	}
	deps.Payouts = registry

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- S3 statement export ---
	if cfg.S3.Bucket != "" {
		writer, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = archive.New(writer, deps.Store, cfg.S3.Prefix, cfg.S3.ArchiveWindow.Duration, logger)
	}

	return deps, cleanup, nil
}
