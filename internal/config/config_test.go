package config

import (
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestDecodeOverridesDefaults(t *testing.T) {
	cfg := Defaults()
	_, err := toml.Decode(`
mode = "monitor"

[monitor]
interval = "15s"
batch_size = 8

[exchange]
driver = "paper"
slippage_bps = 5.0

[exchange.marks]
BTCUSDT = 65000.0
`, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 15*time.Second, cfg.Monitor.Interval.Duration)
	assert.Equal(t, 8, cfg.Monitor.BatchSize)
	assert.Equal(t, 5.0, cfg.Exchange.SlippageBps)
	assert.Equal(t, 65000.0, cfg.Exchange.Marks["BTCUSDT"])

	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Database.PoolMaxConns)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FUTURESBOT_DATABASE_PASSWORD", "hunter2")
	t.Setenv("FUTURESBOT_MONITOR_INTERVAL", "45s")
	t.Setenv("FUTURESBOT_ADMISSION_ADMIT_ON_REACH", "true")
	t.Setenv("FUTURESBOT_NOTIFY_EVENTS", "position_closed, position_unprotected")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, 45*time.Second, cfg.Monitor.Interval.Duration)
	assert.True(t, cfg.Admission.AdmitOnReach)
	assert.Equal(t, []string{"position_closed", "position_unprotected"}, cfg.Notify.Events)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "arbitrage"
	cfg.Redis.Addr = ""
	cfg.Monitor.BatchSize = 0
	cfg.Notify.TelegramToken = "tkn" // chat id missing

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "telegram_chat_id")
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Monitor.ArchiveEvery = 5
	cfg.S3.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive_every requires s3.enabled")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Password = "secret"
	cfg.S3.SecretKey = "aws-secret"
	cfg.Notify.TelegramToken = "tkn"
	cfg.Notify.TelegramChatID = "123"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Database.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Equal(t, "123", out.Notify.TelegramChatID)

	// Original untouched.
	assert.Equal(t, "secret", cfg.Database.Password)
}
