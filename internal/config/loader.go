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
// built-in defaults, applies FUTURESBOT_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUTURESBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "FUTURESBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "FUTURESBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "FUTURESBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "FUTURESBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "FUTURESBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "FUTURESBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "FUTURESBOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "FUTURESBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "FUTURESBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "FUTURESBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUTURESBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUTURESBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUTURESBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUTURESBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUTURESBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUTURESBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FUTURESBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FUTURESBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUTURESBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUTURESBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUTURESBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUTURESBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUTURESBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUTURESBOT_S3_FORCE_PATH_STYLE")

	// ── Exchange ──
	setStr(&cfg.Exchange.Driver, "FUTURESBOT_EXCHANGE_DRIVER")
	setFloat64(&cfg.Exchange.SlippageBps, "FUTURESBOT_EXCHANGE_SLIPPAGE_BPS")

	// ── Admission ──
	setDuration(&cfg.Admission.LockTTL, "FUTURESBOT_ADMISSION_LOCK_TTL")
	setDuration(&cfg.Admission.LockAcquireTimeout, "FUTURESBOT_ADMISSION_LOCK_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Admission.CacheTTL, "FUTURESBOT_ADMISSION_CACHE_TTL")
	setBool(&cfg.Admission.AdmitOnReach, "FUTURESBOT_ADMISSION_ADMIT_ON_REACH")

	// ── Executor ──
	setFloat64(&cfg.Executor.MinNotional, "FUTURESBOT_EXECUTOR_MIN_NOTIONAL")
	setFloat64(&cfg.Executor.MarketDistance, "FUTURESBOT_EXECUTOR_MARKET_DISTANCE")
	setBool(&cfg.Executor.MarketFallback, "FUTURESBOT_EXECUTOR_MARKET_FALLBACK")
	setBool(&cfg.Executor.ImmediateProtect, "FUTURESBOT_EXECUTOR_IMMEDIATE_PROTECT")
	setDuration(&cfg.Executor.ProtectTimeout, "FUTURESBOT_EXECUTOR_PROTECT_TIMEOUT")

	// ── Exit ──
	setFloat64(&cfg.Exit.NudgeBuffer, "FUTURESBOT_EXIT_NUDGE_BUFFER")
	setInt(&cfg.Exit.DuplicateRetries, "FUTURESBOT_EXIT_DUPLICATE_RETRIES")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "FUTURESBOT_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.UnprotectedGrace, "FUTURESBOT_MONITOR_UNPROTECTED_GRACE")
	setInt(&cfg.Monitor.BatchSize, "FUTURESBOT_MONITOR_BATCH_SIZE")
	setDuration(&cfg.Monitor.BatchDelay, "FUTURESBOT_MONITOR_BATCH_DELAY")
	setDuration(&cfg.Monitor.BotBudget, "FUTURESBOT_MONITOR_BOT_BUDGET")
	setUint64(&cfg.Monitor.DedupEvery, "FUTURESBOT_MONITOR_DEDUP_EVERY")
	setUint64(&cfg.Monitor.ReservationSweepEvery, "FUTURESBOT_MONITOR_RESERVATION_SWEEP_EVERY")
	setDuration(&cfg.Monitor.ReservationMaxAge, "FUTURESBOT_MONITOR_RESERVATION_MAX_AGE")
	setUint64(&cfg.Monitor.ArchiveEvery, "FUTURESBOT_MONITOR_ARCHIVE_EVERY")
	setDuration(&cfg.Monitor.ArchiveAfter, "FUTURESBOT_MONITOR_ARCHIVE_AFTER")
	setInt(&cfg.Monitor.RateLimit, "FUTURESBOT_MONITOR_RATE_LIMIT")
	setDuration(&cfg.Monitor.RateWindow, "FUTURESBOT_MONITOR_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUTURESBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUTURESBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUTURESBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUTURESBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUTURESBOT_MODE")
	setStr(&cfg.LogLevel, "FUTURESBOT_LOG_LEVEL")
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
