package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/abhaydee/atlas/internal/blob/s3"
	"github.com/abhaydee/atlas/internal/bus"
	"github.com/abhaydee/atlas/internal/cache/redis"
	"github.com/abhaydee/atlas/internal/config"
	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/notify"
	"github.com/abhaydee/atlas/internal/store/memory"
	"github.com/abhaydee/atlas/internal/store/postgres"
)

// Dependencies bundles the infrastructure-level dependencies the application
// modes need. It is constructed by Wire and torn down by the returned cleanup
// function. Optional backends (Redis, Postgres, S3) leave their fields nil
// when disabled; every consumer degrades gracefully.
type Dependencies struct {
	// Stores. Jobs, markets, and agents live in memory; the audit trail is
	// the only durable store.
	Jobs    domain.JobStore
	Markets domain.MarketStore
	Agents  domain.AgentStore
	Audit   domain.AuditStore // nil unless Postgres is enabled

	// Caches.
	PriceCache  domain.PriceCache  // nil unless Redis is enabled
	RateLimiter domain.RateLimiter // nil unless Redis is enabled

	// Blob storage.
	BlobWriter domain.BlobWriter   // nil unless S3 is enabled
	Archiver   *s3blob.ArchiveImpl // nil unless S3 is enabled

	// Event fabric and notifications.
	Bus      *bus.Bus
	Notifier *notify.Notifier
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

	deps := &Dependencies{
		Jobs:    memory.NewJobStore(),
		Markets: memory.NewMarketStore(),
		Agents:  memory.NewAgentStore(),
		Bus:     bus.New(logger),
	}

	// --- Redis (optional): price cache + API rate limiter ---
	if cfg.Redis.Enabled {
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

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	}

	// --- PostgreSQL (optional): audit trail ---
	if cfg.Postgres.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
	}

	// --- S3 blob storage (optional): job and activity archive ---
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

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Jobs, deps.Agents, deps.Audit)
	}

	// --- Notifications ---
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
