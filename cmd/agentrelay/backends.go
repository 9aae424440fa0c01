package main

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/cache"
	"github.com/BaSui01/agentrelay/internal/database"
	"github.com/BaSui01/agentrelay/internal/migration"
)

// =============================================================================
// 🗄️ 链路存储与共享连接
// =============================================================================

// chainBackends 持有链路存储及其底层连接，Close 按相反顺序释放
type chainBackends struct {
	store persistence.ChainStore
	cache *cache.Manager
	db    *database.PoolManager
	mongo *mongo.Client
}

// backendOptions 控制打开链路存储时的附加行为
type backendOptions struct {
	// Migrate 在打开 sql 存储前执行 migrate up
	Migrate bool
}

// openChainBackends 按 chain_store.type 打开所需连接并创建链路存储
func openChainBackends(ctx context.Context, cfg *config.Config, opts backendOptions, logger *zap.Logger) (_ *chainBackends, err error) {
	b := &chainBackends{}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	var backends persistence.Backends

	if cfg.ChainStore.Type == persistence.StoreTypeRedis {
		b.cache, err = cache.NewManager(cacheConfig(cfg.Redis), logger)
		if err != nil {
			return nil, err
		}
		backends.Cache = b.cache
	}

	switch cfg.ChainStore.Type {
	case persistence.StoreTypeSQL:
		if opts.Migrate {
			if err := migrateUp(ctx, cfg.Database, logger); err != nil {
				return nil, err
			}
		}
		b.db, err = database.Open(cfg.Database.Driver, cfg.Database.DSN(), poolConfig(cfg.Database), logger)
		if err != nil {
			return nil, err
		}
		backends.DB = b.db.DB()
	case persistence.StoreTypeMongo:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
		b.mongo, err = persistence.ConnectMongo(connectCtx, cfg.Mongo.URI)
		cancel()
		if err != nil {
			return nil, err
		}
		backends.Mongo = b.mongo.Database(cfg.Mongo.Database)
	}

	b.store, err = persistence.NewChainStore(ctx, cfg.ChainStore, backends, logger)
	if err != nil {
		return nil, fmt.Errorf("create chain store: %w", err)
	}

	logger.Info("chain store ready", zap.String("type", string(cfg.ChainStore.Type)))
	return b, nil
}

// HealthChecks 返回各连接的就绪检查
func (b *chainBackends) HealthChecks() []handlers.HealthCheck {
	var checks []handlers.HealthCheck
	if b.store != nil {
		checks = append(checks, handlers.NewPingCheck("chain_store", b.store.Ping))
	}
	if b.cache != nil {
		checks = append(checks, handlers.NewPingCheck("redis", b.cache.Ping))
	}
	if b.db != nil {
		checks = append(checks, handlers.NewPingCheck("database", b.db.Ping))
	}
	if b.mongo != nil {
		checks = append(checks, handlers.NewPingCheck("mongo", func(ctx context.Context) error {
			return b.mongo.Ping(ctx, nil)
		}))
	}
	return checks
}

// Close 关闭存储与连接
func (b *chainBackends) Close(ctx context.Context) error {
	var errs []error
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chain store: %w", err))
		}
	}
	if b.mongo != nil {
		if err := b.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongo: %w", err))
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func migrateUp(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return err
	}
	version, dirty, err := m.Version(ctx)
	if err == nil {
		logger.Info("database schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

func cacheConfig(r config.RedisConfig) cache.Config {
	c := cache.DefaultConfig()
	c.Addr = r.Addr
	c.Password = r.Password
	c.DB = r.DB
	c.KeyPrefix = r.KeyPrefix
	if r.PoolSize > 0 {
		c.PoolSize = r.PoolSize
	}
	if r.MinIdleConns > 0 {
		c.MinIdleConns = r.MinIdleConns
	}
	return c
}

func poolConfig(d config.DatabaseConfig) database.PoolConfig {
	p := database.DefaultPoolConfig()
	if d.MaxOpenConns > 0 {
		p.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		p.MaxIdleConns = d.MaxIdleConns
	}
	if p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = p.MaxOpenConns
	}
	if d.ConnMaxLifetime > 0 {
		p.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return p
}
