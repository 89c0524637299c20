// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
	"github.com/xkilldash9x/scalpel-resolver/internal/store"
)

// Backend is the persistence chosen by selectors.backend. Exactly one of
// DBPool and Redis is set for the durable backends; the memory backend has
// neither and a nil Selectors backend.
type Backend struct {
	Selectors   selectors.Backend
	Credentials schemas.CredentialStore
	DBPool      *pgxpool.Pool
	Redis       redis.UniversalClient
}

// InitializeBackend connects the configured selector backend and the
// credential store that lives next to it.
func InitializeBackend(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Backend, error) {
	switch backend := cfg.Selectors().Backend; backend {
	case config.BackendMemory, "":
		logger.Warn("No persistent selector backend configured; learned selectors are lost on exit.")
		return &Backend{Credentials: store.NewMemoryCredentials()}, nil

	case config.BackendPostgres:
		return initializePostgres(ctx, cfg.Database(), logger)

	case config.BackendRedis:
		return initializeRedis(ctx, cfg.Redis(), logger)

	default:
		return nil, fmt.Errorf("unsupported selector backend: %s", backend)
	}
}

func initializePostgres(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (hint: check SCALPEL_DATABASE_URL)")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	selectorStore, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := selectorStore.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	creds := store.NewCredentials(pool, logger)
	if err := creds.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL selector backend initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return &Backend{Selectors: selectorStore, Credentials: creds, DBPool: pool}, nil
}

func initializeRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	selectorStore, err := store.NewRedis(ctx, client, cfg.KeyPrefix, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("Redis selector backend initialized.", zap.String("addr", cfg.Addr))
	return &Backend{
		Selectors:   selectorStore,
		Credentials: store.NewRedisCredentials(client, cfg.KeyPrefix, 0),
		Redis:       client,
	}, nil
}

// InitializeMetrics registers the resolver collectors, plus the Go runtime
// and process collectors, on a fresh registry.
func InitializeMetrics() (*observability.Metrics, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return metrics, reg, nil
}

// Close releases whichever connection the backend holds.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var err error
	if b.Redis != nil {
		err = b.Redis.Close()
	}
	if b.DBPool != nil {
		b.DBPool.Close()
	}
	return err
}
