package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/bulk"
	"github.com/odyssey-erp/odyssey-access/internal/cache"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	platformcache "github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/repository/postgres"
)

// Services is the wired permission engine shared by the API and worker binaries.
type Services struct {
	Store        repository.Store
	Cache        cache.Cache
	Lists        *cache.Generations
	Calculator   *permissions.Calculator
	Invalidation *permissions.Invalidation
	Ledger       *history.Ledger
	Permissions  *permissions.Service
	Bulk         *bulk.Coordinator

	closers []func()
}

// BuildServices connects to Postgres and the configured cache backend and wires the engine.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	store := postgres.NewStore(pool)
	s := &Services{Store: store, closers: []func(){pool.Close}}

	if cfg.PGMigrate {
		if err := store.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	c, err := s.openCache(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.wire(store, c, cfg, logger, metrics)
	return s, nil
}

// NewServices wires the engine over an existing store and cache. A nil cache disables caching.
func NewServices(store repository.Store, c cache.Cache, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) *Services {
	s := &Services{Store: store}
	s.wire(store, c, cfg, logger, metrics)
	return s
}

func (s *Services) openCache(ctx context.Context, cfg *Config, logger *slog.Logger) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case CacheBackendRedis:
		client, err := platformcache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeRedis(client, logger))
		return cache.NewRedis(client), nil
	case CacheBackendMemory:
		return cache.NewMemory(cfg.CacheMaxEntries, cfg.CacheTTL), nil
	case CacheBackendNone:
		return cache.Nop{}, nil
	default:
		return nil, fmt.Errorf("app: unknown cache backend %q", cfg.CacheBackend)
	}
}

func (s *Services) wire(store repository.Store, c cache.Cache, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) {
	if c == nil {
		c = cache.Nop{}
	}
	s.Cache = c
	s.Lists = cache.NewGenerations(c, cfg.CachePrefix)
	s.Calculator = permissions.NewCalculator(store, c, permissions.CalculatorConfig{
		Prefix: cfg.CachePrefix,
		TTL:    cfg.CacheTTL,
	}, logger, metrics)
	s.Invalidation = permissions.NewInvalidation(s.Calculator, s.Lists, logger)
	s.Ledger = history.NewLedger(store, s.Invalidation, logger, metrics)
	s.Permissions = permissions.NewService(permissions.ServiceDeps{
		Store:        store,
		Calculator:   s.Calculator,
		Ledger:       s.Ledger,
		Invalidation: s.Invalidation,
		Cache:        c,
		Lists:        s.Lists,
		Logger:       logger,
		Metrics:      metrics,
	}, permissions.ServiceConfig{ListTTL: cfg.CacheTTL})
	s.Bulk = bulk.NewCoordinator(s.Permissions, bulk.Config{
		Concurrency: cfg.BulkConcurrency,
		MaxItems:    cfg.BulkMaxItems,
	}, logger, metrics)
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) func() {
	return func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
}
