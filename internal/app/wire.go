package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/leadforge/dealbot/internal/blob/s3"
	"github.com/leadforge/dealbot/internal/cache/redis"
	"github.com/leadforge/dealbot/internal/config"
	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/notify"
	"github.com/leadforge/dealbot/internal/store/memory"
	"github.com/leadforge/dealbot/internal/store/postgres"
)

// Dependencies bundles every infrastructure-level dependency the application
// modes need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Orders   domain.OrderStore
	Deals    domain.DealStore
	Sessions domain.NegotiationStore
	Managers domain.ManagerStore
	Audit    domain.AuditStore

	// Coordination
	Locks domain.LockManager
	Bus   domain.EventBus

	// RateLimiter is nil in memory mode; the server skips the middleware.
	RateLimiter *redis.RateLimiter

	// Archiver is nil unless S3 is enabled alongside persistent stores.
	Archiver *s3blob.Archiver

	// Notifier fans lifecycle alerts out to operator channels.
	Notifier *notify.Notifier

	// Clients kept for health checks. Nil in memory mode.
	PG    *postgres.Client
	Redis *redis.Client
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

	deps := &Dependencies{}

	if strings.ToLower(cfg.Mode) == "memory" {
		wireMemory(deps)
	} else {
		if err := wirePostgres(ctx, cfg, deps, &closers); err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := wireRedis(ctx, cfg, deps, &closers); err != nil {
			cleanup()
			return nil, nil, err
		}
		if cfg.S3.Enabled {
			if err := wireS3(ctx, cfg, deps, &closers, logger); err != nil {
				cleanup()
				return nil, nil, err
			}
		}
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
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

// wireMemory builds the everything-in-process variant used for development
// and demos. No external services are touched.
func wireMemory(deps *Dependencies) {
	orders := memory.NewOrderStore()
	deals := memory.NewDealStore()
	deps.Orders = orders
	deps.Deals = deals
	deps.Sessions = memory.NewNegotiationStore()
	deps.Managers = memory.NewManagerStore(deals)
	deps.Audit = memory.NewAuditStore()
	deps.Locks = memory.NewLockManager()
	deps.Bus = memory.NewEventBus()
}

func wirePostgres(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
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
		return fmt.Errorf("wire: postgres: %w", err)
	}
	*closers = append(*closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PG = pgClient
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Deals = postgres.NewDealStore(pool)
	deps.Sessions = postgres.NewNegotiationStore(pool)
	deps.Managers = postgres.NewManagerStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	return nil
}

func wireRedis(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fmt.Errorf("wire: redis: %w", err)
	}
	*closers = append(*closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewEventBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	return nil
}

func wireS3(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
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
		return fmt.Errorf("wire: s3: %w", err)
	}
	*closers = append(*closers, func() { _ = s3Client.Close() })

	writer := s3blob.NewWriter(s3Client)
	deps.Archiver = s3blob.NewArchiver(writer, deps.Deals, deps.Sessions, deps.Audit, logger)
	return nil
}
