// Package config defines the trade engine configuration, its defaults, and
// validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Engine    EngineConfig    `toml:"engine"`
	Retry     RetryConfig     `toml:"retry"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Payout    PayoutConfig    `toml:"payout"`
	Notify    NotifyConfig    `toml:"notify"`
	S3        S3Config        `toml:"s3"`
	Simulator SimulatorConfig `toml:"simulator"`
	LogLevel  string          `toml:"log_level"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the Redis connection used for the read-through cache,
// settlement locks, and the price feed. An empty URL disables all three.
type RedisConfig struct {
	URL            string   `toml:"url"`
	CacheTTL       duration `toml:"cache_ttl"`
	PriceKey       string   `toml:"price_key"`
	PriceRetention duration `toml:"price_retention"`
	LockPrefix     string   `toml:"lock_prefix"`
	PriceSource    bool     `toml:"price_source"`
}

// EngineConfig holds trade lifecycle parameters.
type EngineConfig struct {
	TickInterval    duration `toml:"tick_interval"`
	FeedLag         duration `toml:"feed_lag"`
	SettlementGrace duration `toml:"settlement_grace"`
	MinWager        string   `toml:"min_wager"`
	InitialBalance  string   `toml:"initial_balance"`
	MaxTicks        int      `toml:"max_ticks"`
}

// RetryConfig holds the price feed and compensation retry policy.
type RetryConfig struct {
	Attempts   int      `toml:"attempts"`
	Delay      duration `toml:"delay"`
	Multiplier float64  `toml:"multiplier"`
	MaxDelay   duration `toml:"max_delay"`
}

// SchedulerConfig holds settlement scheduler parameters.
type SchedulerConfig struct {
	SweepInterval      duration `toml:"sweep_interval"`
	RetryDelay         duration `toml:"retry_delay"`
	MaxRetryDelay      duration `toml:"max_retry_delay"`
	AlertAfterAttempts int      `toml:"alert_after_attempts"`
	LockTTL            duration `toml:"lock_ttl"`
	FireTimeout        duration `toml:"fire_timeout"`
}

// PayoutConfig holds the gross multipliers paid on a winning wager.
type PayoutConfig struct {
	Boom         string `toml:"boom"`
	Crash        string `toml:"crash"`
	EvenOdd      string `toml:"even_odd"`
	Matches      string `toml:"matches"`
	Differs      string `toml:"differs"`
	Volatility10 string `toml:"volatility_10"`
	Volatility25 string `toml:"volatility_25"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// S3Config holds S3-compatible object storage parameters for statement
// exports. An empty bucket disables the archiver.
type S3Config struct {
	Endpoint      string   `toml:"endpoint"`
	Region        string   `toml:"region"`
	Bucket        string   `toml:"bucket"`
	AccessKey     string   `toml:"access_key"`
	SecretKey     string   `toml:"secret_key"`
	Prefix        string   `toml:"prefix"`
	ArchiveEvery  duration `toml:"archive_every"`
	ArchiveWindow duration `toml:"archive_window"`
}

// SimulatorConfig controls the development price simulator.
type SimulatorConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Start    float64  `toml:"start"`
	Seed     uint64   `toml:"seed"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:       duration{30 * time.Second},
			PriceKey:       "snapshots",
			PriceRetention: duration{7 * 24 * time.Hour},
			LockPrefix:     "syntrade:lock:",
		},
		Engine: EngineConfig{
			TickInterval:    duration{time.Second},
			FeedLag:         duration{time.Second},
			SettlementGrace: duration{time.Second},
			MinWager:        "1.00",
			InitialBalance:  "10000.00",
			MaxTicks:        10,
		},
		Retry: RetryConfig{
			Attempts:   3,
			Delay:      duration{500 * time.Millisecond},
			Multiplier: 1.5,
			MaxDelay:   duration{5 * time.Second},
		},
		Scheduler: SchedulerConfig{
			SweepInterval:      duration{5 * time.Second},
			RetryDelay:         duration{2 * time.Second},
			MaxRetryDelay:      duration{time.Minute},
			AlertAfterAttempts: 3,
			LockTTL:            duration{time.Minute},
			FireTimeout:        duration{30 * time.Second},
		},
		Payout: PayoutConfig{
			Boom:         "1.95",
			Crash:        "1.95",
			EvenOdd:      "1.90",
			Matches:      "9.00",
			Differs:      "1.10",
			Volatility10: "1.90",
			Volatility25: "1.85",
		},
		Notify: NotifyConfig{
			Events: []string{"compensation_failed", "settlement_failed"},
		},
		S3: S3Config{
			Region:        "us-east-1",
			Prefix:        "statements",
			ArchiveEvery:  duration{time.Hour},
			ArchiveWindow: duration{24 * time.Hour},
		},
		Simulator: SimulatorConfig{
			Enabled:  true,
			Interval: duration{time.Second},
			Start:    1000,
			Seed:     1,
		},
		LogLevel: "info",
	}
}

// MaxTicksLimit is the largest tick count any product accepts.
const MaxTicksLimit = 10

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid values and returns a combined error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Engine
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be positive")
	}
	if c.Engine.FeedLag.Duration < 0 {
		errs = append(errs, "engine: feed_lag must not be negative")
	}
	if c.Engine.SettlementGrace.Duration < 0 {
		errs = append(errs, "engine: settlement_grace must not be negative")
	}
	if c.Engine.MaxTicks < 1 || c.Engine.MaxTicks > MaxTicksLimit {
		errs = append(errs, fmt.Sprintf("engine: max_ticks must be 1-%d, got %d", MaxTicksLimit, c.Engine.MaxTicks))
	}
	errs = checkAmount(errs, "engine: min_wager", c.Engine.MinWager, false)
	errs = checkAmount(errs, "engine: initial_balance", c.Engine.InitialBalance, true)

	// Retry
	if c.Retry.Attempts < 1 {
		errs = append(errs, "retry: attempts must be >= 1")
	}
	if c.Retry.Delay.Duration <= 0 {
		errs = append(errs, "retry: delay must be positive")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry: multiplier must be >= 1")
	}

	// Scheduler
	if c.Scheduler.SweepInterval.Duration <= 0 {
		errs = append(errs, "scheduler: sweep_interval must be positive")
	}
	if c.Scheduler.RetryDelay.Duration <= 0 {
		errs = append(errs, "scheduler: retry_delay must be positive")
	}
	if c.Scheduler.MaxRetryDelay.Duration < c.Scheduler.RetryDelay.Duration {
		errs = append(errs, "scheduler: max_retry_delay must be >= retry_delay")
	}
	if c.Scheduler.AlertAfterAttempts < 1 {
		errs = append(errs, "scheduler: alert_after_attempts must be >= 1")
	}
	if c.Scheduler.LockTTL.Duration <= 0 {
		errs = append(errs, "scheduler: lock_ttl must be positive")
	}
	if c.Scheduler.FireTimeout.Duration <= 0 {
		errs = append(errs, "scheduler: fire_timeout must be positive")
	}

	// Payout
	for name, v := range map[string]string{
		"boom":          c.Payout.Boom,
		"crash":         c.Payout.Crash,
		"even_odd":      c.Payout.EvenOdd,
		"matches":       c.Payout.Matches,
		"differs":       c.Payout.Differs,
		"volatility_10": c.Payout.Volatility10,
		"volatility_25": c.Payout.Volatility25,
	} {
		errs = checkAmount(errs, "payout: "+name, v, true)
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// S3
	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when bucket is set")
		}
		if c.S3.ArchiveEvery.Duration <= 0 {
			errs = append(errs, "s3: archive_every must be positive")
		}
		if c.S3.ArchiveWindow.Duration <= 0 {
			errs = append(errs, "s3: archive_window must be positive")
		}
	}

	// Simulator
	if c.Simulator.Enabled {
		if c.Simulator.Interval.Duration <= 0 {
			errs = append(errs, "simulator: interval must be positive")
		}
		if c.Simulator.Start <= 0 {
			errs = append(errs, "simulator: start must be positive")
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkAmount(errs []string, field, v string, allowZero bool) []string {
	d, err := decimal.NewFromString(v)
	switch {
	case err != nil:
		return append(errs, fmt.Sprintf("%s: %q is not a decimal", field, v))
	case d.IsNegative() || (!allowZero && d.IsZero()):
		return append(errs, fmt.Sprintf("%s must be positive, got %s", field, v))
	}
	return errs
}

// Decimal parses a decimal field that Validate has already accepted.
func Decimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
