package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/sbarrientos2/VEIL/internal/blob/s3"
	"github.com/sbarrientos2/VEIL/internal/cache/redis"
	"github.com/sbarrientos2/VEIL/internal/config"
	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/notify"
	"github.com/sbarrientos2/VEIL/internal/server/handler"
	"github.com/sbarrientos2/VEIL/internal/store/memory"
	"github.com/sbarrientos2/VEIL/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Wire builds the
// shared (Postgres, Redis, S3) variant; wireMemory the single-process one.
type Dependencies struct {
	// Stores
	Accounts     domain.AccountStore
	Computations domain.ComputationStore
	Audit        domain.AuditStore

	// Coordination
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Cache   domain.MarketCache
	Limiter domain.RateLimiter

	// Blob storage; nil unless archiving is enabled.
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health reports reachability of each external dependency.
	Health map[string]handler.Pinger
}

// pingFunc adapts a health function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// wireMemory builds in-process dependencies for dev mode.
func wireMemory(cfg *config.Config, logger *slog.Logger) *Dependencies {
	return &Dependencies{
		Accounts:     memory.NewAccountStore(),
		Computations: memory.NewComputationStore(),
		Audit:        memory.NewAuditStore(),
		Locks:        memory.NewLockManager(domain.SystemClock{}),
		Bus:          memory.NewSignalBus(),
		Notifier:     newNotifier(cfg.Notify, logger),
	}
}

// newRedis connects the Redis client every non-dev mode shares.
func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	c, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		TLSEnabled: cfg.TLSEnabled,
		KeyPrefix:  cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: redis: %w", err)
	}
	return c, nil
}

// Wire constructs the shared dependencies a node runs on and returns them
// together with a cleanup function that should be called on shutdown to
// release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: map[string]handler.Pinger{}}

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
	deps.Health["postgres"] = pgClient

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	stores := pgClient.Stores()
	deps.Accounts = stores.Accounts
	deps.Computations = stores.Computations
	deps.Audit = stores.Audit

	// --- Redis ---
	redisClient, err := newRedis(ctx, cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Health["redis"] = redisClient

	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient, 0)
	deps.Cache = redis.NewMarketCache(redisClient, cfg.Market.CacheTTL.Duration)
	deps.Limiter = redis.NewRateLimiter(redisClient)

	// --- S3 blob storage (only when archiving) ---
	if cfg.Archive.Enabled {
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
		deps.Health["s3"] = pingFunc(s3Client.Health)
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewBucket(s3Client),
			deps.Accounts,
			deps.Audit,
			cfg.Archive.Prefix,
			logger,
		)
	}

	deps.Notifier = newNotifier(cfg.Notify, logger)

	return deps, cleanup, nil
}

// newNotifier builds a Notifier from whichever channels are configured.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}
