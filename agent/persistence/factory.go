package persistence

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentrelay/internal/cache"
)

// Backends carries the shared connections a chain store may sit on.
// Only the one matching StoreConfig.Type needs to be set.
type Backends struct {
	Cache *cache.Manager
	DB    *gorm.DB
	Mongo *mongo.Database
}

// NewChainStore creates a ChainStore based on the configuration
func NewChainStore(ctx context.Context, config StoreConfig, backends Backends, logger *zap.Logger) (ChainStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryChainStore(config, logger), nil
	case StoreTypeFile:
		return NewFileChainStore(config, logger)
	case StoreTypeRedis:
		return NewRedisChainStore(backends.Cache, config, logger)
	case StoreTypeSQL:
		return NewSQLChainStore(backends.DB, config, logger)
	case StoreTypeMongo:
		return NewMongoChainStore(ctx, backends.Mongo, config, logger)
	default:
		return nil, fmt.Errorf("unsupported chain store type: %s", config.Type)
	}
}

// MustNewChainStore creates a new ChainStore or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// or in tests. For runtime store creation, use NewChainStore instead.
func MustNewChainStore(ctx context.Context, config StoreConfig, backends Backends, logger *zap.Logger) ChainStore {
	store, err := NewChainStore(ctx, config, backends, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create chain store: %v", err))
	}
	return store
}
