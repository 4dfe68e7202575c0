package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/futuresbot/internal/blob/s3"
	"github.com/alanyoungcy/futuresbot/internal/cache/redis"
	"github.com/alanyoungcy/futuresbot/internal/config"
	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/engine"
	"github.com/alanyoungcy/futuresbot/internal/exchange"
	"github.com/alanyoungcy/futuresbot/internal/notify"
	"github.com/alanyoungcy/futuresbot/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	BotStore         domain.BotStore
	PositionStore    domain.PositionStore
	StrategyStore    domain.StrategyStore
	ReservationStore domain.ReservationStore
	AuditStore       domain.AuditStore

	// Caches
	ExposureCache domain.ExposureCache
	LockManager   domain.LockManager
	RateLimiter   domain.RateLimiter
	SignalBus     domain.SignalBus

	// Exchange backend
	Exchange domain.Exchange

	// Cold storage (nil unless s3.enabled)
	Archiver domain.Archiver

	// Engine
	Admission    *engine.AdmissionController
	Reservations *engine.ReservationManager
	Exits        *engine.ExitOrderManager
	Executor     *engine.Executor
	Monitor      *engine.Monitor
	Consumer     *engine.SignalConsumer

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.BotStore = postgres.NewBotStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.ReservationStore = postgres.NewReservationStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

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
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.ExposureCache = redis.NewExposureCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 archive (optional) ---
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.PositionStore,
			deps.AuditStore,
		)
	}

	// --- Exchange backend ---
	switch cfg.Exchange.Driver {
	case "paper":
		deps.Exchange = exchange.NewPaper(exchange.PaperConfig{
			Marks:       cfg.Exchange.Marks,
			SlippageBps: cfg.Exchange.SlippageBps,
		})
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown exchange driver %q", cfg.Exchange.Driver)
	}

	// --- Engine ---
	deps.Admission = engine.NewAdmissionController(
		deps.BotStore, deps.PositionStore, deps.ExposureCache, deps.LockManager,
		deps.AuditStore, logger,
		engine.AdmissionConfig{
			LockTTL:            cfg.Admission.LockTTL.Duration,
			LockAcquireTimeout: cfg.Admission.LockAcquireTimeout.Duration,
			CacheTTL:           cfg.Admission.CacheTTL.Duration,
			AdmitOnReach:       cfg.Admission.AdmitOnReach,
		},
	)
	deps.Reservations = engine.NewReservationManager(deps.ReservationStore, deps.AuditStore, logger)
	deps.Exits = engine.NewExitOrderManager(deps.Exchange, deps.PositionStore, logger,
		engine.ExitConfig{
			NudgeBuffer:      cfg.Exit.NudgeBuffer,
			DuplicateRetries: cfg.Exit.DuplicateRetries,
		},
	)
	deps.Executor = engine.NewExecutor(
		deps.Admission, deps.Reservations, deps.Exits,
		deps.PositionStore, deps.StrategyStore, deps.Exchange,
		deps.ExposureCache, deps.SignalBus, logger,
		engine.ExecutorConfig{
			MinNotional:      cfg.Executor.MinNotional,
			MarketDistance:   cfg.Executor.MarketDistance,
			MarketFallback:   cfg.Executor.MarketFallback,
			ImmediateProtect: cfg.Executor.ImmediateProtect,
			ProtectTimeout:   cfg.Executor.ProtectTimeout.Duration,
		},
	)
	deps.Monitor = engine.NewMonitor(
		deps.PositionStore, deps.BotStore, deps.StrategyStore, deps.Exchange,
		deps.ExposureCache, deps.SignalBus, deps.AuditStore, deps.RateLimiter,
		deps.Archiver, deps.Reservations, deps.Exits, logger,
		engine.MonitorConfig{
			Interval:              cfg.Monitor.Interval.Duration,
			UnprotectedGrace:      cfg.Monitor.UnprotectedGrace.Duration,
			BatchSize:             cfg.Monitor.BatchSize,
			BatchDelay:            cfg.Monitor.BatchDelay.Duration,
			BotBudget:             cfg.Monitor.BotBudget.Duration,
			DedupEvery:            cfg.Monitor.DedupEvery,
			ReservationSweepEvery: cfg.Monitor.ReservationSweepEvery,
			ReservationMaxAge:     cfg.Monitor.ReservationMaxAge.Duration,
			ArchiveEvery:          cfg.Monitor.ArchiveEvery,
			ArchiveAfter:          cfg.Monitor.ArchiveAfter.Duration,
			RateLimit:             cfg.Monitor.RateLimit,
			RateWindow:            cfg.Monitor.RateWindow.Duration,
		},
	)
	deps.Consumer = engine.NewSignalConsumer(deps.SignalBus, deps.Executor, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
