package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrade/trade-engine/internal/config"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Second, cfg.Engine.TickInterval.Duration)
	assert.Equal(t, time.Second, cfg.Engine.FeedLag.Duration)
	assert.Equal(t, "1.00", cfg.Engine.MinWager)
	assert.Equal(t, "10000.00", cfg.Engine.InitialBalance)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Delay.Duration)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
	assert.Equal(t, 3, cfg.Scheduler.AlertAfterAttempts)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9090

[engine]
tick_interval = "2s"
min_wager = "5.00"

[scheduler]
sweep_interval = "10s"

[payout]
matches = "8.50"
`), 0o600))

	t.Setenv("SYNTRADE_ENGINE_FEED_LAG", "1500ms")
	t.Setenv("DATABASE_URL", "postgres://localhost/syntrade")
	t.Setenv("SYNTRADE_NOTIFY_EVENTS", "settlement_failed, ")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Engine.TickInterval.Duration)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.FeedLag.Duration)
	assert.Equal(t, "5.00", cfg.Engine.MinWager)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.SweepInterval.Duration)
	assert.Equal(t, "8.50", cfg.Payout.Matches)
	assert.Equal(t, "1.10", cfg.Payout.Differs, "untouched keys keep defaults")
	assert.Equal(t, "postgres://localhost/syntrade", cfg.Database.URL)
	assert.Equal(t, []string{"settlement_failed"}, cfg.Notify.Events)
}

func TestLoad_PortEnvPrecedence(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("SYNTRADE_SERVER_PORT", "7001")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine\ntick_interval = "), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "loud"
	cfg.Engine.MinWager = "zero"
	cfg.Engine.MaxTicks = 0
	cfg.Retry.Attempts = 0
	cfg.Payout.Boom = "-1"
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"log_level",
		"engine: min_wager",
		"engine: max_ticks",
		"retry: attempts",
		"payout: boom",
		"telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_MaxTicksUpperBound(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.MaxTicks = config.MaxTicksLimit
	require.NoError(t, cfg.Validate())

	cfg.Engine.MaxTicks = 50
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: max_ticks must be 1-10, got 50")
}

func TestRedactedConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.URL = "postgres://user:pw@db/syntrade"
	cfg.S3.SecretKey = "secret"

	out := config.RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Database.URL)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.S3.AccessKey)
	assert.Equal(t, "postgres://user:pw@db/syntrade", cfg.Database.URL)

	out.Notify.Events[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Notify.Events[0])
}
