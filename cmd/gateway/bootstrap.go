package main

import (
	"context"
	"fmt"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logging"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"go.uber.org/zap"
)

// app holds the shared dependencies every command starts from
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	redis    *storage.RedisClient
	db       *storage.Database
	store    throttle.CounterStore
	breaker  *circuitbreaker.CircuitBreaker
	registry *throttle.Registry
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Server.Environment)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.Enabled() {
		a.db, err = storage.NewPostgres(cfg.Database.DSN, cfg.Database.Debug)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.db.AutoMigrate(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Connected to database")
	}

	if err := a.openStore(); err != nil {
		a.close()
		return nil, err
	}

	a.registry, err = a.loadRegistry(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *app) openStore() error {
	if a.cfg.Throttle.Store == "memory" {
		a.logger.Warn("Using in-memory counter store; quotas are not shared between processes")
		a.store = storage.NewMemoryCounterStore(nil)
		return nil
	}

	redis, err := storage.NewRedis(a.cfg.Redis.GetRedisAddr(), a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return err
	}
	a.redis = redis
	a.logger.Info("Connected to redis", zap.String("addr", a.cfg.Redis.GetRedisAddr()))

	a.breaker = circuitbreaker.New(circuitbreaker.Config{
		MaxFailures: a.cfg.Throttle.Breaker.MaxFailures,
		Timeout:     a.cfg.Throttle.Breaker.Timeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			a.logger.Warn("Counter store circuit changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	a.store = storage.NewRedisCounterStore(redis, a.breaker)
	return nil
}

// loadRegistry overlays enabled database rows onto the file policies.
// A row for the default scope without a tier replaces the default policy.
func (a *app) loadRegistry(ctx context.Context) (*throttle.Registry, error) {
	def := a.cfg.Throttle.Default
	if def.Scope == "" {
		def.Scope = throttle.DefaultScope
	}
	policies := append([]throttle.Policy{def}, a.cfg.Throttle.Policies...)

	if a.db != nil {
		merged, err := repository.NewPolicyRepository(a.db).Merge(ctx, policies)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy overrides: %w", err)
		}
		if n := len(merged) - len(policies); n > 0 {
			a.logger.Info("Loaded database-only policies", zap.Int("count", n))
		}
		policies = merged
	}

	registry, err := throttle.NewRegistry(policies[0], policies[1:]...)
	if err != nil {
		return nil, fmt.Errorf("invalid throttle policies: %w", err)
	}
	return registry, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
