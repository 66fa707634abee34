package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (when it exists) on top of the built-in
// defaults, then applies environment overrides. An empty path or a missing
// file yields defaults plus environment. The returned Config has NOT been
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads SYNTRADE_* environment variables, plus the bare
// PORT, DATABASE_URL and REDIS_URL used by container platforms, and
// overwrites the matching fields when set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "SYNTRADE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SYNTRADE_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "SYNTRADE_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SYNTRADE_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "SYNTRADE_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "SYNTRADE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "SYNTRADE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SYNTRADE_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.PriceKey, "SYNTRADE_REDIS_PRICE_KEY")
	setDuration(&cfg.Redis.PriceRetention, "SYNTRADE_REDIS_PRICE_RETENTION")
	setStr(&cfg.Redis.LockPrefix, "SYNTRADE_REDIS_LOCK_PREFIX")
	setBool(&cfg.Redis.PriceSource, "SYNTRADE_REDIS_PRICE_SOURCE")

	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "SYNTRADE_ENGINE_TICK_INTERVAL")
	setDuration(&cfg.Engine.FeedLag, "SYNTRADE_ENGINE_FEED_LAG")
	setDuration(&cfg.Engine.SettlementGrace, "SYNTRADE_ENGINE_SETTLEMENT_GRACE")
	setStr(&cfg.Engine.MinWager, "SYNTRADE_ENGINE_MIN_WAGER")
	setStr(&cfg.Engine.InitialBalance, "SYNTRADE_ENGINE_INITIAL_BALANCE")
	setInt(&cfg.Engine.MaxTicks, "SYNTRADE_ENGINE_MAX_TICKS")

	// ── Retry ──
	setInt(&cfg.Retry.Attempts, "SYNTRADE_RETRY_ATTEMPTS")
	setDuration(&cfg.Retry.Delay, "SYNTRADE_RETRY_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "SYNTRADE_RETRY_MULTIPLIER")
	setDuration(&cfg.Retry.MaxDelay, "SYNTRADE_RETRY_MAX_DELAY")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.SweepInterval, "SYNTRADE_SCHEDULER_SWEEP_INTERVAL")
	setDuration(&cfg.Scheduler.RetryDelay, "SYNTRADE_SCHEDULER_RETRY_DELAY")
	setDuration(&cfg.Scheduler.MaxRetryDelay, "SYNTRADE_SCHEDULER_MAX_RETRY_DELAY")
	setInt(&cfg.Scheduler.AlertAfterAttempts, "SYNTRADE_SCHEDULER_ALERT_AFTER_ATTEMPTS")
	setDuration(&cfg.Scheduler.LockTTL, "SYNTRADE_SCHEDULER_LOCK_TTL")
	setDuration(&cfg.Scheduler.FireTimeout, "SYNTRADE_SCHEDULER_FIRE_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SYNTRADE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SYNTRADE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SYNTRADE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SYNTRADE_NOTIFY_EVENTS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SYNTRADE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SYNTRADE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SYNTRADE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SYNTRADE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SYNTRADE_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "SYNTRADE_S3_PREFIX")
	setDuration(&cfg.S3.ArchiveEvery, "SYNTRADE_S3_ARCHIVE_EVERY")
	setDuration(&cfg.S3.ArchiveWindow, "SYNTRADE_S3_ARCHIVE_WINDOW")

	// ── Simulator ──
	setBool(&cfg.Simulator.Enabled, "SYNTRADE_SIMULATOR_ENABLED")
	setDuration(&cfg.Simulator.Interval, "SYNTRADE_SIMULATOR_INTERVAL")
	setFloat64(&cfg.Simulator.Start, "SYNTRADE_SIMULATOR_START")
	setUint64(&cfg.Simulator.Seed, "SYNTRADE_SIMULATOR_SEED")

	// ── General ──
	setStr(&cfg.LogLevel, "SYNTRADE_LOG_LEVEL")
}

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
