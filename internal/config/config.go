// Package config defines the top-level configuration for the futures bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FUTURESBOT_* environment
// variables.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Admission AdmissionConfig `toml:"admission"`
	Executor  ExecutorConfig  `toml:"executor"`
	Exit      ExitConfig      `toml:"exit"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the
// closed-position archive. Enabled gates the whole archive subsystem.
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

// ExchangeConfig selects and tunes the exchange backend. The only built-in
// driver is "paper", an in-process simulator; live venue adapters plug in
// through the same interface at wiring time.
type ExchangeConfig struct {
	Driver string `toml:"driver"`

	// Marks seeds the paper driver's initial mark price per symbol.
	Marks map[string]float64 `toml:"marks"`

	// SlippageBps is the simulated market-order slippage, in basis points.
	SlippageBps float64 `toml:"slippage_bps"`
}

// AdmissionConfig tunes the pre-trade exposure checks.
type AdmissionConfig struct {
	LockTTL            duration `toml:"lock_ttl"`
	LockAcquireTimeout duration `toml:"lock_acquire_timeout"`
	CacheTTL           duration `toml:"cache_ttl"`
	AdmitOnReach       bool     `toml:"admit_on_reach"`
}

// ExecutorConfig tunes signal execution.
type ExecutorConfig struct {
	MinNotional      float64  `toml:"min_notional"`
	MarketDistance   float64  `toml:"market_distance"`
	MarketFallback   bool     `toml:"market_fallback"`
	ImmediateProtect bool     `toml:"immediate_protect"`
	ProtectTimeout   duration `toml:"protect_timeout"`
}

// ExitConfig tunes protective order placement.
type ExitConfig struct {
	NudgeBuffer      float64 `toml:"nudge_buffer"`
	DuplicateRetries int     `toml:"duplicate_retries"`
}

// MonitorConfig tunes the reconciliation loop.
type MonitorConfig struct {
	Interval              duration `toml:"interval"`
	UnprotectedGrace      duration `toml:"unprotected_grace"`
	BatchSize             int      `toml:"batch_size"`
	BatchDelay            duration `toml:"batch_delay"`
	BotBudget             duration `toml:"bot_budget"`
	DedupEvery            uint64   `toml:"dedup_every"`
	ReservationSweepEvery uint64   `toml:"reservation_sweep_every"`
	ReservationMaxAge     duration `toml:"reservation_max_age"`
	ArchiveEvery          uint64   `toml:"archive_every"`
	ArchiveAfter          duration `toml:"archive_after"`
	RateLimit             int      `toml:"rate_limit"`
	RateWindow            duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like
// "30s" or "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with production defaults. These match
// the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "futuresbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "futuresbot-archive",
			ForcePathStyle: true,
		},
		Exchange: ExchangeConfig{
			Driver:      "paper",
			SlippageBps: 2,
		},
		Admission: AdmissionConfig{
			LockTTL:            duration{10 * time.Second},
			LockAcquireTimeout: duration{5 * time.Second},
			CacheTTL:           duration{5 * time.Second},
		},
		Executor: ExecutorConfig{
			MinNotional:      5.0,
			MarketDistance:   0.005,
			MarketFallback:   true,
			ImmediateProtect: true,
			ProtectTimeout:   duration{10 * time.Second},
		},
		Exit: ExitConfig{
			NudgeBuffer:      0.001,
			DuplicateRetries: 1,
		},
		Monitor: MonitorConfig{
			Interval:              duration{30 * time.Second},
			UnprotectedGrace:      duration{30 * time.Second},
			BatchSize:             4,
			BatchDelay:            duration{250 * time.Millisecond},
			BotBudget:             duration{20 * time.Second},
			DedupEvery:            10,
			ReservationSweepEvery: 10,
			ReservationMaxAge:     duration{10 * time.Minute},
			ArchiveEvery:          0,
			ArchiveAfter:          duration{30 * 24 * time.Hour},
			RateLimit:             10,
			RateWindow:            duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"position_unprotected", "position_closed"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 only matters when the archive is on.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Exchange
	if c.Exchange.Driver != "paper" {
		errs = append(errs, fmt.Sprintf("exchange: unknown driver %q (valid: paper)", c.Exchange.Driver))
	}
	if c.Exchange.SlippageBps < 0 {
		errs = append(errs, "exchange: slippage_bps must be >= 0")
	}

	// Admission
	if c.Admission.LockTTL.Duration <= 0 {
		errs = append(errs, "admission: lock_ttl must be > 0")
	}
	if c.Admission.LockAcquireTimeout.Duration <= 0 {
		errs = append(errs, "admission: lock_acquire_timeout must be > 0")
	}
	if c.Admission.CacheTTL.Duration <= 0 {
		errs = append(errs, "admission: cache_ttl must be > 0")
	}

	// Executor
	if c.Executor.MinNotional < 0 {
		errs = append(errs, "executor: min_notional must be >= 0")
	}
	if c.Executor.MarketDistance < 0 {
		errs = append(errs, "executor: market_distance must be >= 0")
	}
	if c.Executor.ImmediateProtect && c.Executor.ProtectTimeout.Duration <= 0 {
		errs = append(errs, "executor: protect_timeout must be > 0 when immediate_protect is set")
	}

	// Exit
	if c.Exit.NudgeBuffer < 0 {
		errs = append(errs, "exit: nudge_buffer must be >= 0")
	}
	if c.Exit.DuplicateRetries < 0 {
		errs = append(errs, "exit: duplicate_retries must be >= 0")
	}

	// Monitor
	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.BatchSize < 1 {
		errs = append(errs, "monitor: batch_size must be >= 1")
	}
	if c.Monitor.RateLimit < 1 {
		errs = append(errs, "monitor: rate_limit must be >= 1")
	}
	if c.Monitor.RateWindow.Duration <= 0 {
		errs = append(errs, "monitor: rate_window must be > 0")
	}
	if c.Monitor.ArchiveEvery > 0 && !c.S3.Enabled {
		errs = append(errs, "monitor: archive_every requires s3.enabled")
	}

	// Notify — Telegram fields must be set together.
	tk := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tk != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
